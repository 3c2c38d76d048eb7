// Package graph holds the authoritative in-memory node graph of every loaded workflow.
//
// Each workflow is an arena of nodes indexed by id. Edges are adjacency lists of ids kept in
// the parent's output buckets, mirrored by the child's previous pointer. Readers take the
// workflow's read lock; mutations run inside Update under its write lock.
package graph

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/dukex/reactor/pkg/models"
)

var (
	// ErrInvariant is wrapped by every structural violation reported by CheckInvariants.
	ErrInvariant = errors.New("graph invariant violated")
	// ErrUnknownNode is returned by Tx mutations addressing a node outside the arena.
	ErrUnknownNode = errors.New("node is not part of the graph")
)

// Catalog resolves node definitions.
type Catalog interface {
	Definition(id string) (models.NodeDefinition, error)
}

// Graph is the arena of one workflow.
type Graph struct {
	id          string
	mu          sync.RWMutex
	catalog     Catalog
	workflow    models.Workflow
	nodes       map[string]*models.WorkflowNode
	entrypoints []string
	stranded    []string
}

// Build creates a graph from persisted rows. Parentless nodes become entrypoints when their
// definition is a trigger and stranded nodes otherwise.
func Build(catalog Catalog, workflow models.Workflow, nodes []*models.WorkflowNode) *Graph {
	g := &Graph{
		id:       workflow.ID,
		catalog:  catalog,
		workflow: workflow,
		nodes:    make(map[string]*models.WorkflowNode, len(nodes)),
	}

	for _, node := range nodes {
		clone := node.Clone()
		g.nodes[clone.ID] = clone

		if clone.Previous != nil {
			continue
		}

		if g.isTrigger(clone.NodeDefinitionID) {
			g.entrypoints = append(g.entrypoints, clone.ID)
		} else {
			g.stranded = append(g.stranded, clone.ID)
		}
	}

	return g
}

func (g *Graph) isTrigger(definitionID string) bool {
	if g.catalog == nil {
		return false
	}

	definition, err := g.catalog.Definition(definitionID)

	return err == nil && definition.IsTrigger()
}

// ID returns the workflow id.
func (g *Graph) ID() string {
	return g.id
}

// Workflow returns a copy of the workflow row.
func (g *Graph) Workflow() models.Workflow {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return g.workflow
}

// FindNode searches depth-first from the entrypoints, then the stranded nodes.
func (g *Graph) FindNode(nodeID string) (*models.WorkflowNode, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var found *models.WorkflowNode

	g.walk(func(node *models.WorkflowNode) bool {
		if node.ID == nodeID {
			found = node.Clone()

			return false
		}

		return true
	})

	return found, found != nil
}

// Targets returns the nodes wired under (nodeID, label) in bucket order.
func (g *Graph) Targets(nodeID, label string) []*models.WorkflowNode {
	g.mu.RLock()
	defer g.mu.RUnlock()

	node, ok := g.nodes[nodeID]
	if !ok {
		return nil
	}

	output := node.Output(label)
	if output == nil {
		return nil
	}

	targets := make([]*models.WorkflowNode, 0, len(output.Targets))
	for _, id := range output.Targets {
		if target, ok := g.nodes[id]; ok {
			targets = append(targets, target.Clone())
		}
	}

	return targets
}

// Entrypoints returns the trigger roots.
func (g *Graph) Entrypoints() []*models.WorkflowNode {
	g.mu.RLock()
	defer g.mu.RUnlock()

	entrypoints := make([]*models.WorkflowNode, 0, len(g.entrypoints))
	for _, id := range g.entrypoints {
		entrypoints = append(entrypoints, g.nodes[id].Clone())
	}

	return entrypoints
}

// Snapshot returns a detached copy of the whole graph.
func (g *Graph) Snapshot() models.WorkflowGraph {
	g.mu.RLock()
	defer g.mu.RUnlock()

	snapshot := models.WorkflowGraph{
		Workflow:      g.workflow,
		Entrypoints:   slices.Clone(g.entrypoints),
		StrandedNodes: slices.Clone(g.stranded),
		AllNodes:      make([]string, 0, len(g.nodes)),
		Nodes:         make(map[string]*models.WorkflowNode, len(g.nodes)),
	}

	g.walk(func(node *models.WorkflowNode) bool {
		snapshot.AllNodes = append(snapshot.AllNodes, node.ID)
		snapshot.Nodes[node.ID] = node.Clone()

		return true
	})

	return snapshot
}

// walk visits roots then descendants depth-first. Callers hold the lock.
func (g *Graph) walk(visit func(node *models.WorkflowNode) bool) {
	var dfs func(id string) bool

	// Guards against corrupted rows forming a cycle.
	onPath := make(map[string]bool)

	dfs = func(id string) bool {
		node, ok := g.nodes[id]
		if !ok || onPath[id] {
			return true
		}

		if !visit(node) {
			return false
		}

		onPath[id] = true
		defer delete(onPath, id)

		for _, child := range node.Children() {
			if !dfs(child) {
				return false
			}
		}

		return true
	}

	for _, id := range g.entrypoints {
		if !dfs(id) {
			return
		}
	}

	for _, id := range g.stranded {
		if !dfs(id) {
			return
		}
	}
}

// CheckInvariants verifies reachability, single parent and declared labels.
func (g *Graph) CheckInvariants() error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var problems []error

	seen := make(map[string]int, len(g.nodes))

	g.walk(func(node *models.WorkflowNode) bool {
		seen[node.ID]++

		return true
	})

	for id, node := range g.nodes {
		switch count := seen[id]; {
		case count == 0:
			problems = append(problems, fmt.Errorf("%w: node %s is unreachable", ErrInvariant, id))
		case count > 1:
			problems = append(problems, fmt.Errorf("%w: node %s is reachable %d times", ErrInvariant, id, count))
		}

		if node.WorkflowID != "" && node.WorkflowID != g.workflow.ID {
			problems = append(problems, fmt.Errorf("%w: node %s belongs to workflow %s", ErrInvariant, id, node.WorkflowID))
		}

		if node.Previous != nil {
			parent, ok := g.nodes[node.Previous.NodeID]
			if !ok {
				problems = append(problems, fmt.Errorf("%w: node %s points at missing parent %s", ErrInvariant, id, node.Previous.NodeID))
			} else if output := parent.Output(node.Previous.Label); output == nil || !slices.Contains(output.Targets, id) {
				problems = append(problems, fmt.Errorf("%w: node %s is missing from %s[%s]", ErrInvariant, id, parent.ID, node.Previous.Label))
			}
		}

		for _, output := range node.Next {
			for _, target := range output.Targets {
				child, ok := g.nodes[target]
				if !ok {
					problems = append(problems, fmt.Errorf("%w: node %s has dangling edge to %s", ErrInvariant, id, target))

					continue
				}

				if child.Previous == nil || child.Previous.NodeID != id || child.Previous.Label != output.Label {
					problems = append(problems, fmt.Errorf("%w: node %s does not point back at %s[%s]", ErrInvariant, target, id, output.Label))
				}
			}
		}

		if g.catalog == nil {
			continue
		}

		definition, err := g.catalog.Definition(node.NodeDefinitionID)
		if err != nil {
			problems = append(problems, fmt.Errorf("%w: node %s: %w", ErrInvariant, id, err))

			continue
		}

		for _, output := range node.Next {
			if !definition.HasLabel(output.Label) {
				problems = append(problems, fmt.Errorf("%w: node %s has undeclared label %q", ErrInvariant, id, output.Label))
			}
		}
	}

	return errors.Join(problems...)
}

// Update runs fn on a working copy under the write lock. The copy replaces the arena only when
// fn returns nil; on error the graph is left as it was.
func (g *Graph) Update(fn func(tx *Tx) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	tx := g.begin()
	if err := fn(tx); err != nil {
		return err
	}

	g.commit(tx)

	return nil
}
