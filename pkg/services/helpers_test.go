package services

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/dukex/reactor/pkg/graph"
	"github.com/dukex/reactor/pkg/mocks"
	"github.com/dukex/reactor/pkg/models"
	"github.com/dukex/reactor/pkg/persistence"
	"github.com/dukex/reactor/pkg/persistence/file"
	"github.com/dukex/reactor/pkg/registry"
	"github.com/dukex/reactor/pkg/testutil"
	"github.com/stretchr/testify/require"
)

var actor = models.Actor{ID: "owner-1"}

type fixture struct {
	persistence persistence.Persistence
	registry    *registry.Registry
	store       *graph.Store
	publisher   *mocks.RecordingPublisher
	workflow    *models.Workflow
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	reg := registry.NewRegistry(slog.Default())
	reg.MustRegister(
		testutil.NewStubTrigger(testutil.TriggerDefinition()),
		testutil.NewStubAction(testutil.ActionDefinition()),
		testutil.NewStubAction(testutil.BranchDefinition()),
	)

	f := &fixture{
		persistence: file.NewPersistence(t.TempDir()),
		registry:    reg,
		store:       graph.NewStore(slog.Default(), reg),
		publisher:   &mocks.RecordingPublisher{},
		workflow:    testutil.CreateTestWorkflow(),
	}

	require.NoError(t, f.persistence.WorkflowRepository().Save(t.Context(), f.workflow))
	f.store.Put(*f.workflow, nil)

	return f
}

func (f *fixture) nodeService(p persistence.Persistence, authorizer Authorizer) *Node {
	if p == nil {
		p = f.persistence
	}

	if authorizer == nil {
		authorizer = mocks.AllowAll{}
	}

	return NewNode(slog.Default(), f.store, p, f.registry, authorizer, f.publisher)
}

func (f *fixture) workflowService(authorizer Authorizer) *Workflow {
	if authorizer == nil {
		authorizer = mocks.AllowAll{}
	}

	return NewWorkflow(slog.Default(), f.persistence, f.store, authorizer, f.publisher)
}

func (f *fixture) snapshot(t *testing.T) models.WorkflowGraph {
	t.Helper()

	g, err := f.store.Get(f.workflow.ID)
	require.NoError(t, err)

	return g.Snapshot()
}

// persisted reloads the workflow's nodes from storage.
func (f *fixture) persisted(t *testing.T) map[string]*models.WorkflowNode {
	t.Helper()

	nodes, err := f.persistence.NodeRepository().GetNodesByWorkflow(t.Context(), f.workflow.ID)
	require.NoError(t, err)

	byID := make(map[string]*models.WorkflowNode, len(nodes))
	for _, node := range nodes {
		byID[node.ID] = node
	}

	return byID
}

func (f *fixture) add(t *testing.T, svc *Node, req AddNodeRequest) *models.WorkflowNode {
	t.Helper()

	node, err := svc.AddNode(t.Context(), actor, f.workflow.ID, req)
	require.NoError(t, err)

	return node
}

func ptr[T any](v T) *T { return &v }

var errInjected = errors.New("injected write failure")

// failingNodes wraps a real node repository and fails the nth writer call of method, so the
// repository's own rollback runs.
type failingNodes struct {
	persistence.NodeRepository
	method string
	nth    int
	calls  int
}

func (r *failingNodes) WithinTx(ctx context.Context, workflowID string, fn func(writer persistence.NodeWriter) error) error {
	return r.NodeRepository.WithinTx(ctx, workflowID, func(w persistence.NodeWriter) error {
		return fn(&failingWriter{NodeWriter: w, repo: r})
	})
}

type failingWriter struct {
	persistence.NodeWriter
	repo *failingNodes
}

func (w *failingWriter) fail(method string) error {
	if method != w.repo.method {
		return nil
	}

	w.repo.calls++
	if w.repo.calls == w.repo.nth {
		return errInjected
	}

	return nil
}

func (w *failingWriter) CreateNode(ctx context.Context, node *models.WorkflowNode, labels []string) error {
	if err := w.fail("CreateNode"); err != nil {
		return err
	}

	return w.NodeWriter.CreateNode(ctx, node, labels)
}

func (w *failingWriter) UpdateNode(ctx context.Context, node *models.WorkflowNode) error {
	if err := w.fail("UpdateNode"); err != nil {
		return err
	}

	return w.NodeWriter.UpdateNode(ctx, node)
}

func (w *failingWriter) DeleteNode(ctx context.Context, workflowID, nodeID string) error {
	if err := w.fail("DeleteNode"); err != nil {
		return err
	}

	return w.NodeWriter.DeleteNode(ctx, workflowID, nodeID)
}

func (w *failingWriter) Connect(ctx context.Context, workflowID, fromID, label, toID string) error {
	if err := w.fail("Connect"); err != nil {
		return err
	}

	return w.NodeWriter.Connect(ctx, workflowID, fromID, label, toID)
}

func (w *failingWriter) Disconnect(ctx context.Context, workflowID, nodeID string) error {
	if err := w.fail("Disconnect"); err != nil {
		return err
	}

	return w.NodeWriter.Disconnect(ctx, workflowID, nodeID)
}

// failingOn returns a node service whose nth writer call of method fails.
func (f *fixture) failingOn(method string, nth int) *Node {
	nodes := &failingNodes{NodeRepository: f.persistence.NodeRepository(), method: method, nth: nth}

	return f.nodeService(mocks.WithNodes(f.persistence, nodes), nil)
}
