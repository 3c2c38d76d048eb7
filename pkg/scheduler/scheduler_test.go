package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/dukex/reactor/pkg/events"
	"github.com/dukex/reactor/pkg/execution"
	"github.com/dukex/reactor/pkg/graph"
	"github.com/dukex/reactor/pkg/mocks"
	"github.com/dukex/reactor/pkg/models"
	"github.com/dukex/reactor/pkg/registry"
	"github.com/dukex/reactor/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type call struct {
	WorkflowID string
	NodeID     string
	Label      string
	Payload    map[string]any
}

type fakeRunner struct {
	mu    sync.Mutex
	calls []call
	err   error
	// gate, when set, holds every StartRun until it is closed.
	gate chan struct{}
}

func (r *fakeRunner) StartRun(_ context.Context, workflowID, triggerNodeID, label string, payload map[string]any) (*models.WorkflowExecution, error) {
	r.mu.Lock()
	r.calls = append(r.calls, call{WorkflowID: workflowID, NodeID: triggerNodeID, Label: label, Payload: payload})
	gate, err := r.gate, r.err
	r.mu.Unlock()

	if gate != nil {
		<-gate
	}

	if err != nil {
		return nil, err
	}

	return &models.WorkflowExecution{ID: "exec", WorkflowID: workflowID, Status: models.ExecutionStatusCompleted}, nil
}

func (r *fakeRunner) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.err = err
}

// Calls returns the recorded calls ordered by workflow id.
func (r *fakeRunner) Calls() []call {
	r.mu.Lock()
	defer r.mu.Unlock()

	calls := append([]call(nil), r.calls...)
	sort.Slice(calls, func(i, j int) bool {
		return calls[i].WorkflowID < calls[j].WorkflowID
	})

	return calls
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

type fixture struct {
	store  *graph.Store
	runner *fakeRunner
	clock  *clock
	sched  *Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	reg := registry.NewRegistry(slog.Default())
	reg.MustRegister(
		testutil.NewStubTrigger(testutil.TriggerDefinition()),
		testutil.NewStubTrigger(testutil.CronTriggerDefinition()),
		testutil.NewStubAction(testutil.ActionDefinition()),
	)

	f := &fixture{
		store:  graph.NewStore(slog.Default(), reg),
		runner: &fakeRunner{},
		clock:  &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}

	f.sched = New(slog.Default(), f.store, reg, f.runner, Config{
		InitialBackoff: 10 * time.Second,
		MaxBackoff:     time.Minute,
		Now:            f.clock.Now,
	})

	return f
}

// workflow loads a workflow with one entrypoint per definition and returns it.
func (f *fixture) workflow(id string, status models.WorkflowStatus, definitions ...models.NodeDefinition) *models.Workflow {
	workflow := testutil.CreateTestWorkflow(func(w *models.Workflow) {
		w.ID = id
		w.Status = status
	})

	nodes := make([]*models.WorkflowNode, 0, len(definitions))
	for i, definition := range definitions {
		nodes = append(nodes, testutil.CreateTestNode(id,
			testutil.WithID(fmt.Sprintf("%s-t%d", id, i)),
			testutil.WithDefinition(definition),
		))
	}

	f.store.Put(*workflow, nodes)

	return workflow
}

func TestScheduler_RegisterIsIdempotent(t *testing.T) {
	f := newFixture(t)

	assert.True(t, f.sched.Register("wf-1"))
	assert.False(t, f.sched.Register("wf-1"))
	assert.True(t, f.sched.Register("wf-2"))
	assert.Equal(t, []string{"wf-1", "wf-2"}, f.sched.Registered())
	assert.Len(t, f.sched.cron.Entries(), 2)

	assert.True(t, f.sched.Cancel("wf-1"))
	assert.False(t, f.sched.Cancel("wf-1"))
	assert.Equal(t, []string{"wf-2"}, f.sched.Registered())
	assert.Len(t, f.sched.cron.Entries(), 1)
}

func TestScheduler_Sync(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	f.workflow("cron", models.WorkflowStatusEnabled, testutil.CronTriggerDefinition())
	f.workflow("event", models.WorkflowStatusEnabled, testutil.TriggerDefinition())

	f.sched.Sync(ctx, "cron")
	f.sched.Sync(ctx, "event")
	assert.Equal(t, []string{"cron"}, f.sched.Registered())

	// Syncing again keeps a single entry.
	f.sched.Sync(ctx, "cron")
	assert.Len(t, f.sched.cron.Entries(), 1)

	f.workflow("cron", models.WorkflowStatusDisabled, testutil.CronTriggerDefinition())
	f.sched.Sync(ctx, "cron")
	assert.Empty(t, f.sched.Registered())

	f.workflow("cron", models.WorkflowStatusEnabled, testutil.CronTriggerDefinition())
	f.sched.Sync(ctx, "cron")
	assert.Equal(t, []string{"cron"}, f.sched.Registered())

	// The last cron trigger was removed.
	f.workflow("cron", models.WorkflowStatusEnabled)
	f.sched.Sync(ctx, "cron")
	assert.Empty(t, f.sched.Registered())

	f.workflow("cron", models.WorkflowStatusEnabled, testutil.CronTriggerDefinition())
	f.sched.Sync(ctx, "cron")
	f.store.Remove("cron")
	f.sched.Sync(ctx, "cron")
	assert.Empty(t, f.sched.Registered())
}

func TestScheduler_SyncAll(t *testing.T) {
	f := newFixture(t)

	f.workflow("a", models.WorkflowStatusEnabled, testutil.CronTriggerDefinition())
	f.workflow("b", models.WorkflowStatusEnabled, testutil.CronTriggerDefinition(), testutil.TriggerDefinition())
	f.workflow("c", models.WorkflowStatusDisabled, testutil.CronTriggerDefinition())
	f.sched.Register("gone")

	f.sched.SyncAll(t.Context())

	assert.Equal(t, []string{"a", "b"}, f.sched.Registered())
}

func TestScheduler_OnTick(t *testing.T) {
	f := newFixture(t)

	f.workflow("a", models.WorkflowStatusEnabled, testutil.CronTriggerDefinition(), testutil.TriggerDefinition())
	f.workflow("b", models.WorkflowStatusEnabled, testutil.TriggerDefinition())
	f.sched.SyncAll(t.Context())

	started := f.sched.OnTick(t.Context())
	f.sched.Wait()

	assert.Equal(t, 1, started)
	assert.Equal(t, []call{{WorkflowID: "a", NodeID: "a-t0", Label: models.DefaultLabel}}, f.runner.Calls())
}

func TestScheduler_OnTickSkipsEvaluationsStillRunning(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	f.runner.gate = make(chan struct{})

	f.workflow("a", models.WorkflowStatusEnabled, testutil.CronTriggerDefinition())
	f.sched.Register("a")

	assert.Equal(t, 1, f.sched.OnTick(ctx))

	for range 4 {
		assert.Equal(t, 0, f.sched.OnTick(ctx))
	}

	// External events are not deduplicated against polled evaluations.
	started, err := f.sched.HandleExternalEvent(ctx, testutil.CronTriggerID, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, started)

	close(f.runner.gate)
	f.sched.Wait()

	assert.Len(t, f.runner.Calls(), 2)

	f.runner.gate = nil
	assert.Equal(t, 1, f.sched.OnTick(ctx))
	f.sched.Wait()
	assert.Len(t, f.runner.Calls(), 3)
}

func TestScheduler_OnTickSkipsWorkflowsDisabledSinceRegistration(t *testing.T) {
	f := newFixture(t)

	f.workflow("a", models.WorkflowStatusEnabled, testutil.CronTriggerDefinition())
	f.sched.Register("a")
	f.workflow("a", models.WorkflowStatusDisabled, testutil.CronTriggerDefinition())

	assert.Equal(t, 0, f.sched.OnTick(t.Context()))
	f.sched.Wait()
	assert.Empty(t, f.runner.Calls())
}

func TestScheduler_HandleExternalEvent(t *testing.T) {
	f := newFixture(t)

	f.workflow("a", models.WorkflowStatusEnabled, testutil.TriggerDefinition())
	f.workflow("b", models.WorkflowStatusEnabled, testutil.TriggerDefinition(), testutil.CronTriggerDefinition())
	f.workflow("c", models.WorkflowStatusDisabled, testutil.TriggerDefinition())
	f.workflow("d", models.WorkflowStatusEnabled, testutil.CronTriggerDefinition())

	payload := map[string]any{"event": "push"}

	started, err := f.sched.HandleExternalEvent(t.Context(), testutil.TriggerID, payload)
	require.NoError(t, err)
	f.sched.Wait()

	assert.Equal(t, 2, started)
	assert.Equal(t, []call{
		{WorkflowID: "a", NodeID: "a-t0", Label: models.DefaultLabel, Payload: payload},
		{WorkflowID: "b", NodeID: "b-t0", Label: models.DefaultLabel, Payload: payload},
	}, f.runner.Calls())
}

func TestScheduler_HandleExternalEventRejections(t *testing.T) {
	f := newFixture(t)

	_, err := f.sched.HandleExternalEvent(t.Context(), "missing", nil)
	require.ErrorIs(t, err, registry.ErrNodeNotRegistered)

	_, err = f.sched.HandleExternalEvent(t.Context(), testutil.ActionID, nil)
	require.ErrorIs(t, err, ErrNotATrigger)
}

func TestScheduler_BacksOffFailingTriggers(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	f.workflow("a", models.WorkflowStatusEnabled, testutil.CronTriggerDefinition())
	f.sched.Register("a")

	f.runner.setErr(fmt.Errorf("%w: api down", execution.ErrTriggerEvaluation))

	assert.Equal(t, 1, f.sched.OnTick(ctx))
	f.sched.Wait()

	// Cooling down: the next ticks evaluate nothing.
	assert.Equal(t, 0, f.sched.OnTick(ctx))
	f.clock.Advance(4 * time.Second)
	assert.Equal(t, 0, f.sched.OnTick(ctx))

	// The first wait is at most 1.5 times the initial interval.
	f.clock.Advance(12 * time.Second)
	f.runner.setErr(execution.ErrNotTriggered)
	assert.Equal(t, 1, f.sched.OnTick(ctx))
	f.sched.Wait()

	// A clean evaluation resets the cooldown.
	assert.Equal(t, 1, f.sched.OnTick(ctx))
	f.sched.Wait()

	assert.Len(t, f.runner.Calls(), 3)
}

func TestScheduler_BackoffGrows(t *testing.T) {
	f := newFixture(t)
	k := key{workflowID: "a", nodeID: "n"}

	first := f.sched.failed(k)
	assert.GreaterOrEqual(t, first, 5*time.Second)
	assert.LessOrEqual(t, first, 15*time.Second)

	var last time.Duration
	for range 10 {
		last = f.sched.failed(k)
	}

	// Capped at MaxBackoff, randomized by half of it.
	assert.GreaterOrEqual(t, last, 30*time.Second)
	assert.LessOrEqual(t, last, 90*time.Second)
	assert.False(t, f.sched.ready(k))

	f.sched.succeeded(k)
	assert.True(t, f.sched.ready(k))
}

func TestScheduler_StartFiresCronEntries(t *testing.T) {
	f := newFixture(t)
	f.workflow("a", models.WorkflowStatusEnabled, testutil.CronTriggerDefinition())

	f.sched.Start(t.Context())
	defer f.sched.Stop(context.Background())

	assert.Equal(t, []string{"a"}, f.sched.Registered())
	assert.Eventually(t, func() bool {
		return len(f.runner.Calls()) > 0
	}, 5*time.Second, 50*time.Millisecond)
}

func TestScheduler_Subscribe(t *testing.T) {
	f := newFixture(t)

	bus := &mocks.MockEventBus{}
	bus.On("Handle", events.GraphChangedEvent, mock.Anything).Return(nil)
	bus.On("Handle", events.ExternalEventReceived, mock.Anything).Return(nil)

	require.NoError(t, f.sched.Subscribe(bus))
	bus.AssertExpectations(t)

	f.workflow("a", models.WorkflowStatusEnabled, testutil.CronTriggerDefinition(), testutil.TriggerDefinition())

	require.NoError(t, f.sched.handleGraphChanged(t.Context(), &events.GraphChanged{
		BaseEvent: events.NewBaseEvent(events.GraphChangedEvent, "a"),
		Change:    events.GraphChangeNodes,
	}))
	assert.Equal(t, []string{"a"}, f.sched.Registered())

	require.NoError(t, f.sched.handleExternalEvent(t.Context(), &events.ExternalEvent{
		BaseEvent:        events.NewBaseEvent(events.ExternalEventReceived, ""),
		NodeDefinitionID: testutil.TriggerID,
		Payload:          map[string]any{"event": "push"},
	}))
	f.sched.Wait()
	assert.Len(t, f.runner.Calls(), 1)

	// Unroutable events are dropped, not redelivered.
	require.NoError(t, f.sched.handleExternalEvent(t.Context(), &events.ExternalEvent{NodeDefinitionID: "missing"}))
	require.Error(t, f.sched.handleGraphChanged(t.Context(), "not an event"))
}
