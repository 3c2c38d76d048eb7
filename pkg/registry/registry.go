// Package registry holds the process-wide catalog of node definitions.
package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"plugin"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/dukex/reactor/pkg/models"
	"github.com/dukex/reactor/pkg/protocol"
	"github.com/xeipuuv/gojsonschema"
)

var (
	// ErrDuplicateNode is returned when a node id is registered twice.
	ErrDuplicateNode = errors.New("node already registered")
	// ErrNodeNotRegistered is returned when a node id is unknown to the catalog.
	ErrNodeNotRegistered = errors.New("node not registered")
	// ErrConfigInvalid is returned when a config does not satisfy the node's field schema.
	ErrConfigInvalid = errors.New("config does not match node schema")
)

// pluginSymbol is the exported variable a node plugin must provide.
const pluginSymbol = "Node"

// Registry is written during startup and read-only afterwards.
type Registry struct {
	logger *slog.Logger
	mu     sync.RWMutex
	nodes  map[string]protocol.Node
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		logger: log,
		nodes:  make(map[string]protocol.Node),
	}
}

// Register adds node to the catalog.
func (r *Registry) Register(node protocol.Node) error {
	definition := node.Definition()

	if definition.ID == "" {
		return errors.New("node definition id is required")
	}

	switch node.(type) {
	case protocol.Trigger:
		if !definition.IsTrigger() {
			return fmt.Errorf("node %s implements Trigger but is declared as %s", definition.ID, definition.Type)
		}
	case protocol.Action:
		if definition.IsTrigger() {
			return fmt.Errorf("node %s implements Action but is declared as trigger", definition.ID)
		}
	default:
		return fmt.Errorf("node %s implements neither Trigger nor Action", definition.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[definition.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, definition.ID)
	}

	r.nodes[definition.ID] = node

	r.logger.Debug("Registered node", "node_definition_id", definition.ID, "type", definition.Type)

	return nil
}

// MustRegister registers every node and panics on the first failure. Intended for startup wiring.
func (r *Registry) MustRegister(nodes ...protocol.Node) {
	for _, node := range nodes {
		if err := r.Register(node); err != nil {
			panic(err)
		}
	}
}

// Get returns the node registered under id.
func (r *Registry) Get(id string) (protocol.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[id]

	return node, ok
}

// Definition returns the definition registered under id.
func (r *Registry) Definition(id string) (models.NodeDefinition, error) {
	node, ok := r.Get(id)
	if !ok {
		return models.NodeDefinition{}, fmt.Errorf("%w: %s", ErrNodeNotRegistered, id)
	}

	return node.Definition(), nil
}

// Definitions returns every registered definition sorted by id.
func (r *Registry) Definitions() []models.NodeDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	definitions := make([]models.NodeDefinition, 0, len(r.nodes))
	for _, node := range r.nodes {
		definitions = append(definitions, node.Definition())
	}

	sort.Slice(definitions, func(i, j int) bool {
		return definitions[i].ID < definitions[j].ID
	})

	return definitions
}

// CronTriggers returns the ids of trigger definitions that must be polled on every tick.
func (r *Registry) CronTriggers() []string {
	var ids []string

	for _, definition := range r.Definitions() {
		if definition.IsTrigger() && definition.UseCron {
			ids = append(ids, definition.ID)
		}
	}

	return ids
}

// ValidateConfig checks config against the JSON schema derived from the node's fields.
// Values holding interpolation references are resolved at run time, so only their presence is checked.
func (r *Registry) ValidateConfig(id string, config map[string]any) error {
	definition, err := r.Definition(id)
	if err != nil {
		return err
	}

	schema := definition.Schema()

	properties, _ := schema["properties"].(map[string]any)
	for key, value := range config {
		if s, ok := value.(string); ok && strings.Contains(s, "${{") {
			if property, ok := properties[key].(map[string]any); ok {
				delete(property, "type")
			}
		}
	}

	if config == nil {
		config = map[string]any{}
	}

	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(config))
	if err != nil {
		return fmt.Errorf("failed to validate config for %s: %w", id, err)
	}

	if !result.Valid() {
		var problems []string
		for _, resultError := range result.Errors() {
			problems = append(problems, resultError.String())
		}

		slices.Sort(problems)

		return fmt.Errorf("%w: %s", ErrConfigInvalid, strings.Join(problems, "; "))
	}

	return nil
}

// LoadPlugins opens every .so file under pluginsPath and registers its exported Node.
func (r *Registry) LoadPlugins(pluginsPath string) error {
	nodes, err := loadPlugin[protocol.Node](r.logger, pluginsPath, pluginSymbol)
	if err != nil {
		return err
	}

	for _, node := range nodes {
		if err := r.Register(node); err != nil {
			return err
		}
	}

	return nil
}

func loadPlugin[T any](logger *slog.Logger, pluginsPath string, symbolName string) ([]T, error) {
	root := os.DirFS(pluginsPath)

	pluginPathList, err := fs.Glob(root, "*.so")
	if err != nil {
		return nil, err
	}

	l := logger.With(slog.String("path", pluginsPath), slog.String("symbol", symbolName))
	l.Info("Loading plugins", "count", len(pluginPathList))

	pluginList := make([]T, 0, len(pluginPathList))

	for _, p := range pluginPathList {
		plg, err := plugin.Open(filepath.Join(pluginsPath, p))
		if err != nil {
			return nil, fmt.Errorf("failed to open plugin %s: %w", p, err)
		}

		v, err := plg.Lookup(symbolName)
		if err != nil {
			return nil, fmt.Errorf("plugin %s has no %s symbol: %w", p, symbolName, err)
		}

		// Lookup returns a pointer to the exported variable.
		castV, ok := v.(*T)
		if !ok {
			return nil, fmt.Errorf("plugin %s symbol %s has type %T", p, symbolName, v)
		}

		pluginList = append(pluginList, *castV)

		l.Info("Loaded plugin", slog.String("plugin", p))
	}

	return pluginList, nil
}
