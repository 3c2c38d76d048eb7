package execution

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/dukex/reactor/pkg/events"
	"github.com/dukex/reactor/pkg/graph"
	"github.com/dukex/reactor/pkg/mocks"
	"github.com/dukex/reactor/pkg/models"
	"github.com/dukex/reactor/pkg/persistence"
	"github.com/dukex/reactor/pkg/persistence/file"
	"github.com/dukex/reactor/pkg/registry"
	"github.com/dukex/reactor/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	registry    *registry.Registry
	store       *graph.Store
	persistence persistence.Persistence
	publisher   *mocks.RecordingPublisher
	trigger     *testutil.StubTrigger
	action      *testutil.StubAction
	branch      *testutil.StubAction
	workflow    *models.Workflow
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		registry:    registry.NewRegistry(slog.Default()),
		persistence: file.NewPersistence(t.TempDir()),
		publisher:   &mocks.RecordingPublisher{},
		trigger:     testutil.NewStubTrigger(testutil.TriggerDefinition()),
		action:      testutil.NewStubAction(testutil.ActionDefinition()),
		branch:      testutil.NewStubAction(testutil.BranchDefinition()),
		workflow:    testutil.CreateTestWorkflow(),
	}

	f.registry.MustRegister(f.trigger, f.action, f.branch)
	f.store = graph.NewStore(slog.Default(), f.registry)

	return f
}

func (f *fixture) engine(config Config) *Engine {
	return NewEngine(slog.Default(), f.store, f.registry, f.persistence.ExecutionRepository(), f.publisher, config)
}

// load puts the nodes into the graph store under the fixture workflow.
func (f *fixture) load(nodes ...*models.WorkflowNode) {
	f.store.Put(*f.workflow, nodes)
}

func (f *fixture) triggerNode() *models.WorkflowNode {
	return testutil.CreateTestNode(f.workflow.ID,
		testutil.WithID("T"),
		testutil.WithDefinition(testutil.TriggerDefinition()),
		testutil.WithConfig(map[string]any{}),
	)
}

func (f *fixture) actionNode(id string, overrides ...func(*models.WorkflowNode)) *models.WorkflowNode {
	return testutil.CreateTestNode(f.workflow.ID, append([]func(*models.WorkflowNode){testutil.WithID(id)}, overrides...)...)
}

func countTraces(root *models.ExecutionTrace) int {
	count := 0

	_ = root.Walk(func(*models.ExecutionTrace) error {
		count++

		return nil
	})

	return count
}

func TestEngine_LinearRunCompletesAndPersists(t *testing.T) {
	f := newFixture(t)

	trigger, a, b := f.triggerNode(), f.actionNode("A"), f.actionNode("B")
	testutil.Link(trigger, models.DefaultLabel, a)
	testutil.Link(a, models.DefaultLabel, b)
	f.load(trigger, a, b)

	engine := f.engine(Config{})

	execution, err := engine.StartRun(t.Context(), f.workflow.ID, "T", models.DefaultLabel, map[string]any{"event": "push"})
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusCompleted, execution.CurrentStatus())
	assert.Equal(t, f.workflow.Owner, execution.Owner)
	require.NotNil(t, execution.Trace)
	assert.Equal(t, 3, execution.Trace.Depth())
	assert.Equal(t, 3, execution.Statistics.NodesExecuted)
	assert.NotNil(t, execution.FinishedAt)
	assert.Equal(t, []string{"A", "B"}, f.action.InvokedNodes())
	assert.Equal(t, 0, engine.Running())

	root := execution.Trace
	assert.Equal(t, 0, root.Step)
	assert.Nil(t, root.Previous)
	require.Len(t, root.Next, 1)
	assert.Equal(t, 1, root.Next[0].Step)
	assert.Equal(t, 0, *root.Next[0].Previous)
	assert.Equal(t, 2, root.Next[0].Next[0].Step)

	// Each action received its parent's output.
	assert.Equal(t, map[string]any{"event": "push"}, f.action.Invocations()[1].Input)

	stored, err := f.persistence.ExecutionRepository().GetByID(t.Context(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, stored.Status)
	require.NotNil(t, stored.Trace)
	assert.Equal(t, 3, countTraces(stored.Trace))
	assert.Equal(t, "B", stored.Trace.Next[0].Next[0].WorkflowNodeID)

	listed, err := f.persistence.ExecutionRepository().ListByWorkflow(t.Context(), f.workflow.ID)
	require.NoError(t, err)
	assert.Len(t, listed, 1)

	assert.Equal(t, []events.EventType{
		events.ExecutionStartedEvent,
		events.NodeExecutedEvent,
		events.NodeExecutedEvent,
		events.NodeExecutedEvent,
		events.ExecutionCompletedEvent,
	}, f.publisher.Types())
}

func TestEngine_TriggerOnly(t *testing.T) {
	f := newFixture(t)
	f.load(f.triggerNode())

	execution, err := f.engine(Config{}).StartRun(t.Context(), f.workflow.ID, "T", models.DefaultLabel, nil)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusCompleted, execution.CurrentStatus())
	assert.Equal(t, 1, countTraces(execution.Trace))
}

func TestEngine_NotTriggered(t *testing.T) {
	f := newFixture(t)

	trigger, a := f.triggerNode(), f.actionNode("A")
	testutil.Link(trigger, models.DefaultLabel, a)
	f.load(trigger, a)

	f.trigger.Triggered = func(_ *models.ExecutionContext, payload map[string]any) (bool, error) {
		return payload["event"] == "push", nil
	}

	execution, err := f.engine(Config{}).StartRun(t.Context(), f.workflow.ID, "T", models.DefaultLabel, map[string]any{"event": "tag"})

	require.ErrorIs(t, err, ErrNotTriggered)
	assert.Nil(t, execution)
	assert.Empty(t, f.action.Invocations())
	assert.Empty(t, f.publisher.Events())

	listed, err := f.persistence.ExecutionRepository().ListByWorkflow(t.Context(), f.workflow.ID)
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestEngine_TriggerEvaluationError(t *testing.T) {
	f := newFixture(t)
	f.load(f.triggerNode())

	cause := errors.New("api unavailable")
	f.trigger.Triggered = func(*models.ExecutionContext, map[string]any) (bool, error) {
		return false, cause
	}

	_, err := f.engine(Config{}).StartRun(t.Context(), f.workflow.ID, "T", models.DefaultLabel, nil)

	require.ErrorIs(t, err, ErrTriggerEvaluation)
	require.ErrorIs(t, err, cause)
}

func TestEngine_StartRunRejections(t *testing.T) {
	tests := []struct {
		name       string
		workflowID func(f *fixture) string
		nodeID     string
		label      string
		disable    bool
		check      func(t *testing.T, err error)
	}{
		{
			name:       "unknown workflow",
			workflowID: func(*fixture) string { return "missing" },
			nodeID:     "T",
			label:      models.DefaultLabel,
			check: func(t *testing.T, err error) {
				assert.True(t, persistence.IsWorkflowNotFound(err))
			},
		},
		{
			name:   "unknown node",
			nodeID: "missing",
			label:  models.DefaultLabel,
			check: func(t *testing.T, err error) {
				assert.True(t, persistence.IsNodeNotFound(err))
			},
		},
		{
			name:   "action node",
			nodeID: "A",
			label:  models.DefaultLabel,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrNotATrigger)
			},
		},
		{
			name:   "undeclared label",
			nodeID: "T",
			label:  "true",
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrUndeclaredLabel)
			},
		},
		{
			name:    "disabled workflow",
			nodeID:  "T",
			label:   models.DefaultLabel,
			disable: true,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrWorkflowDisabled)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.disable {
				f.workflow.Status = models.WorkflowStatusDisabled
			}

			f.load(f.triggerNode(), f.actionNode("A"))

			workflowID := f.workflow.ID
			if tt.workflowID != nil {
				workflowID = tt.workflowID(f)
			}

			execution, err := f.engine(Config{}).StartRun(t.Context(), workflowID, tt.nodeID, tt.label, nil)

			require.Error(t, err)
			assert.Nil(t, execution)
			tt.check(t, err)
			assert.Equal(t, 0, f.trigger.Calls())
		})
	}
}

func TestEngine_NullSuppressesPropagation(t *testing.T) {
	f := newFixture(t)

	branch := f.actionNode("IF", testutil.WithDefinition(testutil.BranchDefinition()))
	trigger, yes, no := f.triggerNode(), f.actionNode("YES"), f.actionNode("NO")
	testutil.Link(trigger, models.DefaultLabel, branch)
	testutil.Link(branch, "true", yes)
	testutil.Link(branch, "false", no)
	f.load(trigger, branch, yes, no)

	f.branch.Exec = func(_ context.Context, execCtx *models.ExecutionContext) (any, error) {
		if execCtx.Label == "true" {
			return map[string]any{"taken": true}, nil
		}

		return nil, nil
	}

	execution, err := f.engine(Config{MaxParallelBranches: 1}).StartRun(t.Context(), f.workflow.ID, "T", models.DefaultLabel, nil)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusCompleted, execution.CurrentStatus())
	assert.Equal(t, []string{"YES"}, f.action.InvokedNodes())

	// The branch node runs once per declared label.
	labels := []string{}
	for _, invocation := range f.branch.Invocations() {
		labels = append(labels, invocation.Label)
	}

	assert.Equal(t, []string{"true", "false"}, labels)
	assert.Equal(t, 4, countTraces(execution.Trace))
}

func TestEngine_ErrorTerminatesRun(t *testing.T) {
	f := newFixture(t)

	trigger := f.triggerNode()
	a, b, c := f.actionNode("A"), f.actionNode("B"), f.actionNode("C")
	testutil.Link(trigger, models.DefaultLabel, a)
	testutil.Link(trigger, models.DefaultLabel, c)
	testutil.Link(a, models.DefaultLabel, b)
	f.load(trigger, a, b, c)

	f.action.Exec = func(_ context.Context, execCtx *models.ExecutionContext) (any, error) {
		if execCtx.WorkflowNodeID == "A" {
			return nil, errors.New("boom")
		}

		return execCtx.Input, nil
	}

	execution, err := f.engine(Config{MaxParallelBranches: 1}).StartRun(t.Context(), f.workflow.ID, "T", models.DefaultLabel, nil)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusFailed, execution.CurrentStatus())
	assert.Contains(t, execution.Error, "boom")
	assert.Equal(t, []string{"A"}, f.action.InvokedNodes())

	require.Len(t, execution.Trace.Next, 1)
	assert.Equal(t, []string{"boom"}, execution.Trace.Next[0].Errors)
	assert.Nil(t, execution.Trace.Next[0].Output)

	assert.Equal(t, events.ExecutionFailedEvent, f.publisher.Types()[len(f.publisher.Types())-1])

	stored, err := f.persistence.ExecutionRepository().GetByID(t.Context(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, stored.Status)
}

func TestEngine_PanicIsRecorded(t *testing.T) {
	f := newFixture(t)

	trigger, a := f.triggerNode(), f.actionNode("A")
	testutil.Link(trigger, models.DefaultLabel, a)
	f.load(trigger, a)

	f.action.Exec = func(context.Context, *models.ExecutionContext) (any, error) {
		panic("nil map")
	}

	execution, err := f.engine(Config{}).StartRun(t.Context(), f.workflow.ID, "T", models.DefaultLabel, nil)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusFailed, execution.CurrentStatus())
	assert.Contains(t, execution.Trace.Next[0].Errors[0], "panicked: nil map")
}

func TestEngine_ProduceOutputError(t *testing.T) {
	f := newFixture(t)

	trigger, a := f.triggerNode(), f.actionNode("A")
	testutil.Link(trigger, models.DefaultLabel, a)
	f.load(trigger, a)

	f.trigger.Output = func(*models.ExecutionContext, map[string]any) (any, error) {
		return nil, errors.New("bad payload")
	}

	execution, err := f.engine(Config{}).StartRun(t.Context(), f.workflow.ID, "T", models.DefaultLabel, nil)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusFailed, execution.CurrentStatus())
	assert.Equal(t, []string{"bad payload"}, execution.Trace.Errors)
	assert.Empty(t, f.action.Invocations())
}

func TestEngine_FanOut(t *testing.T) {
	f := newFixture(t)

	trigger := f.triggerNode()
	a, b, c := f.actionNode("A"), f.actionNode("B"), f.actionNode("C")
	testutil.Link(trigger, models.DefaultLabel, a)
	testutil.Link(trigger, models.DefaultLabel, b)
	testutil.Link(trigger, models.DefaultLabel, c)
	f.load(trigger, a, b, c)

	execution, err := f.engine(Config{MaxParallelBranches: 2}).StartRun(t.Context(), f.workflow.ID, "T", models.DefaultLabel, nil)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusCompleted, execution.CurrentStatus())
	assert.ElementsMatch(t, []string{"A", "B", "C"}, f.action.InvokedNodes())
	assert.Len(t, execution.Trace.Next, 3)
	assert.Equal(t, 2, execution.Trace.Depth())

	steps := []int{}
	for _, child := range execution.Trace.Next {
		steps = append(steps, child.Step)
	}

	assert.ElementsMatch(t, []int{1, 2, 3}, steps)
}

func TestEngine_InterpolatesConfig(t *testing.T) {
	f := newFixture(t)

	trigger := f.triggerNode()
	a := f.actionNode("A", testutil.WithConfig(map[string]any{
		"message": "hello ${{[0].user}}",
		"token":   "s3cret",
		"forward": "${{[1].user}}",
		"run":     "${{execution.id}}",
	}))
	testutil.Link(trigger, models.DefaultLabel, a)
	f.load(trigger, a)

	execution, err := f.engine(Config{}).StartRun(t.Context(), f.workflow.ID, "T", models.DefaultLabel, map[string]any{"user": "ada"})
	require.NoError(t, err)

	invocation := f.action.Invocations()[0]
	assert.Equal(t, "hello ada", invocation.Config["message"])
	assert.Equal(t, "s3cret", invocation.Config["token"])
	assert.Equal(t, "undefined", invocation.Config["forward"])
	assert.Equal(t, execution.ID, invocation.Config["run"])

	// The trace keeps the raw config without secrets.
	recorded := execution.Trace.Next[0].Config
	assert.Equal(t, "hello ${{[0].user}}", recorded["message"])
	assert.NotContains(t, recorded, "token")
}

func TestEngine_Cancel(t *testing.T) {
	f := newFixture(t)

	trigger, a, b := f.triggerNode(), f.actionNode("A"), f.actionNode("B")
	testutil.Link(trigger, models.DefaultLabel, a)
	testutil.Link(a, models.DefaultLabel, b)
	f.load(trigger, a, b)

	engine := f.engine(Config{})

	var (
		cancelled bool
		live      *models.WorkflowExecution
		listed    []*models.WorkflowExecution
	)

	f.action.Exec = func(ctx context.Context, execCtx *models.ExecutionContext) (any, error) {
		var err error

		live, err = engine.GetByID(ctx, execCtx.ExecutionID)
		if err != nil {
			return nil, err
		}

		listed, err = engine.ListByWorkflow(ctx, execCtx.WorkflowID)
		if err != nil {
			return nil, err
		}

		cancelled = engine.Cancel(execCtx.ExecutionID, "stopped by user")

		return execCtx.Input, nil
	}

	execution, err := engine.StartRun(t.Context(), f.workflow.ID, "T", models.DefaultLabel, nil)
	require.NoError(t, err)

	assert.True(t, cancelled)
	assert.Equal(t, models.ExecutionStatusRunning, live.Status)
	assert.Nil(t, live.Trace)
	require.Len(t, listed, 1)
	assert.Equal(t, execution.ID, listed[0].ID)

	assert.Equal(t, models.ExecutionStatusCancelled, execution.CurrentStatus())
	assert.Equal(t, "stopped by user", execution.Error)
	assert.Equal(t, []string{"A"}, f.action.InvokedNodes())
	assert.Equal(t, events.ExecutionCancelledEvent, f.publisher.Types()[len(f.publisher.Types())-1])

	// Finished runs are no longer cancellable.
	assert.False(t, engine.Cancel(execution.ID, ""))
	assert.False(t, engine.Cancel("unknown", ""))

	stored, err := engine.GetByID(t.Context(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, stored.Status)
	assert.NotNil(t, stored.Trace)
}

// failingExecutions accepts inserts until failAt traces were written.
type failingExecutions struct {
	persistence.ExecutionRepository

	failAt            int
	inserted          int
	executionInserted bool
}

func (r *failingExecutions) WithinTx(ctx context.Context, fn func(writer persistence.ExecutionWriter) error) error {
	return fn(r)
}

func (r *failingExecutions) InsertTrace(_ context.Context, _ string, _ *models.ExecutionTrace, _ *int64) (int64, error) {
	if r.inserted == r.failAt {
		return 0, persistence.CheckRowCount(0)
	}

	r.inserted++

	return int64(r.inserted), nil
}

func (r *failingExecutions) InsertExecution(context.Context, *models.WorkflowExecution, *int64) error {
	r.executionInserted = true

	return nil
}

func TestEngine_PersistFailurePropagates(t *testing.T) {
	f := newFixture(t)

	trigger, a, b := f.triggerNode(), f.actionNode("A"), f.actionNode("B")
	testutil.Link(trigger, models.DefaultLabel, a)
	testutil.Link(a, models.DefaultLabel, b)
	f.load(trigger, a, b)

	repo := &failingExecutions{failAt: 1}
	engine := NewEngine(slog.Default(), f.store, f.registry, repo, nil, Config{})

	execution, err := engine.StartRun(t.Context(), f.workflow.ID, "T", models.DefaultLabel, nil)

	require.Error(t, err)
	assert.True(t, persistence.IsUnexpectedRowCount(err))
	require.NotNil(t, execution)
	assert.Equal(t, models.ExecutionStatusCompleted, execution.CurrentStatus())
	assert.False(t, repo.executionInserted)

	// The rolled back root insert leaves no id behind.
	require.NotNil(t, execution.Trace)
	assert.Zero(t, execution.Trace.ID)
}

func TestEngine_PersistInsertsParentsFirst(t *testing.T) {
	f := newFixture(t)
	engine := f.engine(Config{})

	execution := &models.WorkflowExecution{
		ID:         "exec-1",
		WorkflowID: f.workflow.ID,
		Status:     models.ExecutionStatusCompleted,
		Trace: &models.ExecutionTrace{
			Step: 0,
			Next: []*models.ExecutionTrace{
				{Step: 1, Next: []*models.ExecutionTrace{{Step: 2}}},
				{Step: 3},
			},
		},
	}

	require.NoError(t, engine.Persist(t.Context(), execution))

	root := execution.Trace
	assert.Less(t, root.ID, root.Next[0].ID)
	assert.Less(t, root.Next[0].ID, root.Next[0].Next[0].ID)
	assert.Less(t, root.Next[0].Next[0].ID, root.Next[1].ID)

	stored, err := f.persistence.ExecutionRepository().GetByID(t.Context(), "exec-1")
	require.NoError(t, err)
	assert.Equal(t, 4, countTraces(stored.Trace))
	assert.Equal(t, 3, stored.Trace.Depth())
}
