// Package expression evaluates sandboxed expr-lang expressions with a compile cache.
package expression

import (
	"errors"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

var (
	// ErrEmptyExpression is returned for blank sources.
	ErrEmptyExpression = errors.New("empty expression")
	// ErrNotBoolean is returned by EvaluateBool when the result is not a bool.
	ErrNotBoolean = errors.New("expression did not evaluate to a boolean")
)

// Engine is safe for concurrent use. Compiled programs are cached by source.
type Engine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func NewEngine() *Engine {
	return &Engine{
		cache: make(map[string]*vm.Program),
	}
}

// Compile returns the cached program for source, compiling it on first use.
func (e *Engine) Compile(source string) (*vm.Program, error) {
	if source == "" {
		return nil, ErrEmptyExpression
	}

	e.mu.RLock()
	if prg, ok := e.cache[source]; ok {
		e.mu.RUnlock()

		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[source]; ok {
		return prg, nil
	}

	// Variables are resolved from the run environment, so nothing is typed at compile time.
	prg, err := expr.Compile(source,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, fmt.Errorf("expr compile error in %q: %w", source, err)
	}

	e.cache[source] = prg

	return prg, nil
}

// Evaluate runs source against env.
func (e *Engine) Evaluate(source string, env map[string]any) (any, error) {
	prg, err := e.Compile(source)
	if err != nil {
		return nil, err
	}

	if env == nil {
		env = map[string]any{}
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, fmt.Errorf("expr evaluation failed for %q: %w", source, err)
	}

	return out, nil
}

// EvaluateBool runs source and requires a boolean result.
func (e *Engine) EvaluateBool(source string, env map[string]any) (bool, error) {
	out, err := e.Evaluate(source, env)
	if err != nil {
		return false, err
	}

	result, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %q returned %T", ErrNotBoolean, source, out)
	}

	return result, nil
}

// Size returns the number of cached programs.
func (e *Engine) Size() int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return len(e.cache)
}
