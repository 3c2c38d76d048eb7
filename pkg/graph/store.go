package graph

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/dukex/reactor/pkg/models"
	"github.com/dukex/reactor/pkg/persistence"
)

// Store indexes the graphs of every loaded workflow.
type Store struct {
	logger  *slog.Logger
	catalog Catalog

	mu     sync.RWMutex
	graphs map[string]*Graph
}

func NewStore(logger *slog.Logger, catalog Catalog) *Store {
	return &Store{
		logger:  logger,
		catalog: catalog,
		graphs:  make(map[string]*Graph),
	}
}

// Load reads every workflow and its nodes. Graphs violating an invariant are loaded anyway
// and reported in the log.
func (s *Store) Load(ctx context.Context, p persistence.Persistence) error {
	workflows, err := p.WorkflowRepository().GetAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load workflows: %w", err)
	}

	for _, workflow := range workflows {
		nodes, err := p.NodeRepository().GetNodesByWorkflow(ctx, workflow.ID)
		if err != nil {
			return fmt.Errorf("failed to load nodes of workflow %s: %w", workflow.ID, err)
		}

		g := s.Put(*workflow, nodes)

		if err := g.CheckInvariants(); err != nil {
			s.logger.WarnContext(ctx, "Loaded workflow graph is inconsistent", "workflow_id", workflow.ID, "error", err)
		}
	}

	s.logger.InfoContext(ctx, "Loaded workflow graphs", "count", len(workflows))

	return nil
}

// Put replaces the graph of workflow.
func (s *Store) Put(workflow models.Workflow, nodes []*models.WorkflowNode) *Graph {
	g := Build(s.catalog, workflow, nodes)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.graphs[workflow.ID] = g

	return g
}

// Remove drops the graph of workflowID.
func (s *Store) Remove(workflowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.graphs, workflowID)
}

// Get returns the graph of workflowID.
func (s *Store) Get(workflowID string) (*Graph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.graphs[workflowID]
	if !ok {
		return nil, persistence.NewWorkflowError("Get", workflowID, persistence.ErrWorkflowNotFound)
	}

	return g, nil
}

// FindNode locates nodeID inside workflowID.
func (s *Store) FindNode(workflowID, nodeID string) (*models.WorkflowNode, error) {
	g, err := s.Get(workflowID)
	if err != nil {
		return nil, err
	}

	node, ok := g.FindNode(nodeID)
	if !ok {
		return nil, persistence.NewNodeError("FindNode", workflowID, nodeID, persistence.ErrNodeNotFound)
	}

	return node, nil
}

// Graphs returns every loaded graph ordered by workflow id.
func (s *Store) Graphs() []*Graph {
	s.mu.RLock()
	defer s.mu.RUnlock()

	graphs := make([]*Graph, 0, len(s.graphs))
	for _, g := range s.graphs {
		graphs = append(graphs, g)
	}

	sort.Slice(graphs, func(i, j int) bool {
		return graphs[i].ID() < graphs[j].ID()
	})

	return graphs
}
