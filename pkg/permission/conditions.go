package permission

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/dukex/reactor/pkg/expression"
	"github.com/dukex/reactor/pkg/models"
)

// ErrUnknownCondition is an internal error: a stored condition has a kind this build cannot evaluate.
var ErrUnknownCondition = errors.New("unknown condition kind")

// Environment is what a condition is evaluated against.
type Environment struct {
	Actor    map[string]any
	Resource map[string]any // nil for creation checks
	Context  map[string]any
}

func (env Environment) asMap() map[string]any {
	return map[string]any{
		"actor":    env.Actor,
		"resource": env.Resource,
		"ctx":      env.Context,
	}
}

// Interpreter evaluates conditions stored as data.
type Interpreter struct {
	expressions *expression.Engine
}

func NewInterpreter(expressions *expression.Engine) *Interpreter {
	return &Interpreter{expressions: expressions}
}

// Evaluate reports whether condition holds in env.
func (i *Interpreter) Evaluate(condition models.Condition, env Environment) (bool, error) {
	switch condition.Kind {
	case models.ConditionAlways:
		return true, nil
	case models.ConditionNever:
		return false, nil
	case models.ConditionOwnerMatches:
		if env.Resource == nil {
			return false, nil
		}

		owner, ok := env.Resource["owner"]

		return ok && owner == env.Actor["id"], nil
	case models.ConditionFieldEquals:
		value, ok := Lookup(env.asMap(), condition.Field)

		return ok && Equal(value, condition.Value), nil
	case models.ConditionActorAttribute:
		value, ok := Lookup(env.Actor, condition.Field)

		return ok && Equal(value, condition.Value), nil
	case models.ConditionExpression:
		return i.expressions.EvaluateBool(condition.Expression, env.asMap())
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownCondition, condition.Kind)
	}
}

// Validate checks a condition before it is stored. Expressions are compiled once here so
// syntax errors surface at registration.
func (i *Interpreter) Validate(condition models.Condition) error {
	switch condition.Kind {
	case models.ConditionAlways, models.ConditionNever, models.ConditionOwnerMatches:
		return nil
	case models.ConditionFieldEquals, models.ConditionActorAttribute:
		if condition.Field == "" {
			return fmt.Errorf("%s condition requires a field", condition.Kind)
		}

		return nil
	case models.ConditionExpression:
		_, err := i.expressions.Compile(condition.Expression)

		return err
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCondition, condition.Kind)
	}
}

// Lookup walks a dotted path through nested maps.
func Lookup(root map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}

	var current any = root

	for _, segment := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}

		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}

	return current, true
}

// Equal compares values loaded from JSON with configured ones; numbers compare by value.
func Equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}

	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
