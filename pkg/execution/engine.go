package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dukex/reactor/pkg/eventbus"
	"github.com/dukex/reactor/pkg/events"
	"github.com/dukex/reactor/pkg/graph"
	"github.com/dukex/reactor/pkg/models"
	"github.com/dukex/reactor/pkg/otelhelper"
	"github.com/dukex/reactor/pkg/persistence"
	"github.com/dukex/reactor/pkg/protocol"
	"github.com/dukex/reactor/pkg/template"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxParallelBranches bounds the siblings of one output bucket running at once.
const DefaultMaxParallelBranches = 8

// Catalog returns node implementations by definition id.
type Catalog interface {
	Get(id string) (protocol.Node, bool)
}

type Config struct {
	MaxParallelBranches int
	Tracer              trace.Tracer
	Now                 func() time.Time
}

// Engine starts runs, walks the graph and records traces. Runs are synchronous: StartRun
// returns once every branch finished and the run was persisted.
type Engine struct {
	logger      *slog.Logger
	store       *graph.Store
	catalog     Catalog
	executions  persistence.ExecutionRepository
	publisher   eventbus.EventPublisher
	tracer      trace.Tracer
	maxParallel int
	now         func() time.Time

	mu   sync.RWMutex
	runs map[string]*run
}

type run struct {
	execution *models.WorkflowExecution
	graph     *graph.Graph
	recorder  *Recorder
}

func NewEngine(
	logger *slog.Logger,
	store *graph.Store,
	catalog Catalog,
	executions persistence.ExecutionRepository,
	publisher eventbus.EventPublisher,
	config Config,
) *Engine {
	if config.MaxParallelBranches <= 0 {
		config.MaxParallelBranches = DefaultMaxParallelBranches
	}

	if config.Tracer == nil {
		config.Tracer = otel.Tracer("reactor/execution")
	}

	if config.Now == nil {
		config.Now = time.Now
	}

	return &Engine{
		logger:      logger,
		store:       store,
		catalog:     catalog,
		executions:  executions,
		publisher:   publisher,
		tracer:      config.Tracer,
		maxParallel: config.MaxParallelBranches,
		now:         config.Now,
		runs:        make(map[string]*run),
	}
}

// StartRun evaluates the trigger on label and, when it fires, runs the workflow from it.
// The returned execution is terminal. A non-nil execution with an error means the run
// finished but could not be persisted.
func (e *Engine) StartRun(ctx context.Context, workflowID, triggerNodeID, label string, payload map[string]any) (*models.WorkflowExecution, error) {
	g, err := e.store.Get(workflowID)
	if err != nil {
		return nil, err
	}

	workflow := g.Workflow()
	if !workflow.IsEnabled() {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowDisabled, workflowID)
	}

	node, ok := g.FindNode(triggerNodeID)
	if !ok {
		return nil, persistence.NewNodeError("StartRun", workflowID, triggerNodeID, persistence.ErrNodeNotFound)
	}

	impl, _ := e.catalog.Get(node.NodeDefinitionID)

	trigger, ok := impl.(protocol.Trigger)
	if !ok {
		return nil, fmt.Errorf("%w: %s (%s)", ErrNotATrigger, triggerNodeID, node.NodeDefinitionID)
	}

	definition := trigger.Definition()
	if !definition.HasLabel(label) {
		return nil, fmt.Errorf("%w: %q on %s", ErrUndeclaredLabel, label, definition.ID)
	}

	r := &run{
		execution: &models.WorkflowExecution{
			ID:         uuid.New().String(),
			WorkflowID: workflowID,
			Owner:      workflow.Owner,
			Status:     models.ExecutionStatusRunning,
			StartedAt:  e.now().UTC(),
		},
		graph:    g,
		recorder: NewRecorder(),
	}

	execCtx := e.executionContext(r, node, label, 0, payload)

	fired, err := protect(node.ID, func() (bool, error) {
		return trigger.IsTriggered(ctx, execCtx, payload)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: node %s: %w", ErrTriggerEvaluation, node.ID, err)
	}

	if !fired {
		return nil, ErrNotTriggered
	}

	return e.execute(ctx, r, node, definition, trigger, label, payload, execCtx)
}

func (e *Engine) execute(
	ctx context.Context,
	r *run,
	node *models.WorkflowNode,
	definition models.NodeDefinition,
	trigger protocol.Trigger,
	label string,
	payload map[string]any,
	execCtx *models.ExecutionContext,
) (*models.WorkflowExecution, error) {
	execution := r.execution

	logger := e.logger.With("workflow_id", execution.WorkflowID, "execution_id", execution.ID)

	e.track(r)
	defer e.untrack(execution.ID)

	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "execution.run",
		attribute.String(otelhelper.WorkflowIDKey, execution.WorkflowID),
		attribute.String(otelhelper.ExecutionIDKey, execution.ID),
		attribute.String(otelhelper.NodeIDKey, node.ID),
		attribute.String(otelhelper.LabelKey, label),
	)
	defer span.End()

	logger.InfoContext(ctx, "Execution started", "trigger_node_id", node.ID, "label", label)

	started := events.ExecutionStarted{
		BaseEvent:     events.NewBaseEvent(events.ExecutionStartedEvent, execution.WorkflowID),
		ExecutionID:   execution.ID,
		TriggerNodeID: node.ID,
		Label:         label,
	}
	e.publish(ctx, execution.WorkflowID, started)

	root := r.recorder.Begin(nil, node, definition, label, payload, e.now())

	output, err := protect(node.ID, func() (any, error) {
		return trigger.ProduceOutput(ctx, execCtx, payload)
	})

	r.recorder.Finish(root, output, err, execCtx, e.now())
	e.nodeExecuted(ctx, r, root, err)

	switch {
	case err != nil:
		e.fail(ctx, r, node, err)
	case output != nil:
		e.fanOut(ctx, r, node.ID, label, output, root)
	}

	e.finalize(ctx, r)

	switch status := execution.CurrentStatus(); status {
	case models.ExecutionStatusFailed:
		otelhelper.SetError(span, fmt.Errorf("execution failed: %s", execution.Row().Error))
	default:
		span.SetAttributes(attribute.String("reactor.execution.status", string(status)))
	}

	if err := e.Persist(ctx, execution); err != nil {
		logger.ErrorContext(ctx, "Failed to persist execution", "error", err)
		otelhelper.SetError(span, err)

		return execution, fmt.Errorf("failed to persist execution %s: %w", execution.ID, err)
	}

	row := execution.Row()

	logger.InfoContext(ctx, "Execution finished",
		"status", row.Status,
		"nodes_executed", row.Statistics.NodesExecuted,
		"duration", row.Statistics.Duration)

	return execution, nil
}

// dispatch runs node on label with the parent's output as input, then its targets.
func (e *Engine) dispatch(ctx context.Context, r *run, node *models.WorkflowNode, label string, input any, parent *models.ExecutionTrace) {
	if !r.execution.IsRunning() {
		return
	}

	impl, known := e.catalog.Get(node.NodeDefinitionID)

	definition := models.NodeDefinition{ID: node.NodeDefinitionID}
	if known {
		definition = impl.Definition()
	}

	record := r.recorder.Begin(parent, node, definition, label, input, e.now())

	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "execution.node",
		attribute.String(otelhelper.ExecutionIDKey, r.execution.ID),
		attribute.String(otelhelper.NodeIDKey, node.ID),
		attribute.String(otelhelper.NodeDefinitionIDKey, node.NodeDefinitionID),
		attribute.String(otelhelper.LabelKey, label),
		attribute.Int(otelhelper.StepKey, record.Step),
	)
	defer span.End()

	execCtx := e.executionContext(r, node, label, record.Step, input)

	var (
		output any
		err    error
	)

	action, ok := impl.(protocol.Action)

	switch {
	case !known:
		err = fmt.Errorf("%w: %s", ErrUnknownNode, node.NodeDefinitionID)
	case !ok:
		err = fmt.Errorf("node %s (%s) is not an action", node.ID, node.NodeDefinitionID)
	default:
		output, err = protect(node.ID, func() (any, error) {
			return action.Execute(ctx, execCtx)
		})
	}

	r.recorder.Finish(record, output, err, execCtx, e.now())
	e.nodeExecuted(ctx, r, record, err)

	if err != nil {
		otelhelper.SetError(span, err)
		e.fail(ctx, r, node, err)

		return
	}

	if output == nil {
		e.logger.DebugContext(ctx, "Branch stopped", "execution_id", r.execution.ID, "node_id", node.ID, "label", label)

		return
	}

	e.fanOut(ctx, r, node.ID, label, output, record)
}

// fanOut dispatches every target under (nodeID, label) once per label the target declares.
// Siblings run concurrently up to the configured limit; fanOut returns when all finished.
func (e *Engine) fanOut(ctx context.Context, r *run, nodeID, label string, output any, parent *models.ExecutionTrace) {
	targets := r.graph.Targets(nodeID, label)
	if len(targets) == 0 {
		return
	}

	var group errgroup.Group

	group.SetLimit(e.maxParallel)

	for _, target := range targets {
		for _, targetLabel := range e.labels(target) {
			group.Go(func() error {
				e.dispatch(ctx, r, target, targetLabel, output, parent)

				return nil
			})
		}
	}

	_ = group.Wait()
}

func (e *Engine) labels(node *models.WorkflowNode) []string {
	impl, ok := e.catalog.Get(node.NodeDefinitionID)
	if !ok {
		return []string{models.DefaultLabel}
	}

	return impl.Definition().OutputLabels()
}

func (e *Engine) executionContext(r *run, node *models.WorkflowNode, label string, step int, input any) *models.ExecutionContext {
	scope := template.Scope{
		Current:     step,
		ExecutionID: r.execution.ID,
		WorkflowID:  r.execution.WorkflowID,
		Steps:       r.recorder.Output,
		Now:         e.now,
	}

	return &models.ExecutionContext{
		ExecutionID:      r.execution.ID,
		WorkflowID:       r.execution.WorkflowID,
		WorkflowNodeID:   node.ID,
		NodeDefinitionID: node.NodeDefinitionID,
		Owner:            r.execution.Owner,
		Label:            label,
		Step:             step,
		Config:           template.RenderConfig(node.Config, scope),
		Input:            input,
	}
}

func (e *Engine) fail(ctx context.Context, r *run, node *models.WorkflowNode, err error) {
	if r.execution.Transition(models.ExecutionStatusFailed, fmt.Sprintf("node %s: %v", node.ID, err)) {
		e.logger.ErrorContext(ctx, "Execution failed",
			"workflow_id", r.execution.WorkflowID,
			"execution_id", r.execution.ID,
			"node_id", node.ID,
			"error", err)
	}
}

// finalize completes a run that is still running and rolls up its statistics.
func (e *Engine) finalize(ctx context.Context, r *run) {
	execution := r.execution

	execution.Trace = r.recorder.Root()
	execution.Transition(models.ExecutionStatusCompleted, "")

	finishedAt := e.now().UTC()

	statistics := r.recorder.Statistics()
	statistics.Duration = finishedAt.Sub(execution.StartedAt)

	execution.Finalize(statistics, finishedAt)

	base := func(eventType events.EventType) events.BaseEvent {
		return events.NewBaseEvent(eventType, execution.WorkflowID)
	}

	row := execution.Row()

	switch row.Status {
	case models.ExecutionStatusCompleted:
		e.publish(ctx, execution.WorkflowID, events.ExecutionCompleted{
			BaseEvent:     base(events.ExecutionCompletedEvent),
			ExecutionID:   execution.ID,
			DurationMs:    statistics.Duration.Milliseconds(),
			NodesExecuted: statistics.NodesExecuted,
		})
	case models.ExecutionStatusFailed:
		e.publish(ctx, execution.WorkflowID, events.ExecutionFailed{
			BaseEvent:     base(events.ExecutionFailedEvent),
			ExecutionID:   execution.ID,
			DurationMs:    statistics.Duration.Milliseconds(),
			NodesExecuted: statistics.NodesExecuted,
			Error:         row.Error,
		})
	case models.ExecutionStatusCancelled:
		e.publish(ctx, execution.WorkflowID, events.ExecutionCancelled{
			BaseEvent:     base(events.ExecutionCancelledEvent),
			ExecutionID:   execution.ID,
			DurationMs:    statistics.Duration.Milliseconds(),
			NodesExecuted: statistics.NodesExecuted,
			Reason:        row.Error,
		})
	}
}

func (e *Engine) nodeExecuted(ctx context.Context, r *run, record *models.ExecutionTrace, err error) {
	event := events.NodeExecuted{
		BaseEvent:        events.NewBaseEvent(events.NodeExecutedEvent, r.execution.WorkflowID),
		ExecutionID:      r.execution.ID,
		WorkflowNodeID:   record.WorkflowNodeID,
		NodeDefinitionID: record.NodeDefinitionID,
		Step:             record.Step,
		Label:            record.Label,
		DurationMs:       record.Statistics.Duration.Milliseconds(),
	}

	if err != nil {
		event.Error = err.Error()
	}

	e.publish(ctx, r.execution.WorkflowID, event)
}

func (e *Engine) publish(ctx context.Context, workflowID string, event eventbus.Event) {
	if e.publisher == nil {
		return
	}

	if err := e.publisher.Publish(ctx, workflowID, event); err != nil {
		e.logger.ErrorContext(ctx, "Failed to publish execution event", "event_type", event.GetType(), "error", err)
	}
}

// Cancel flips a live run to cancelled. Nodes already running finish; nothing else is dispatched.
func (e *Engine) Cancel(executionID, reason string) bool {
	e.mu.RLock()
	r, ok := e.runs[executionID]
	e.mu.RUnlock()

	if !ok {
		return false
	}

	if reason == "" {
		reason = "cancelled"
	}

	return r.execution.Transition(models.ExecutionStatusCancelled, reason)
}

// GetByID returns a live run without its trace, or a persisted run with its trace tree.
func (e *Engine) GetByID(ctx context.Context, executionID string) (*models.WorkflowExecution, error) {
	e.mu.RLock()
	r, ok := e.runs[executionID]
	e.mu.RUnlock()

	if ok {
		return r.execution.Row(), nil
	}

	return e.executions.GetByID(ctx, executionID)
}

// ListByWorkflow returns live and persisted runs of workflowID, newest first.
func (e *Engine) ListByWorkflow(ctx context.Context, workflowID string) ([]*models.WorkflowExecution, error) {
	persisted, err := e.executions.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(persisted))
	for _, execution := range persisted {
		seen[execution.ID] = true
	}

	e.mu.RLock()
	for id, r := range e.runs {
		if r.execution.WorkflowID == workflowID && !seen[id] {
			persisted = append(persisted, r.execution.Row())
		}
	}
	e.mu.RUnlock()

	sort.SliceStable(persisted, func(i, j int) bool {
		return persisted[i].StartedAt.After(persisted[j].StartedAt)
	})

	return persisted, nil
}

// Running returns how many runs are in flight.
func (e *Engine) Running() int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return len(e.runs)
}

func (e *Engine) track(r *run) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.runs[r.execution.ID] = r
}

func (e *Engine) untrack(executionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.runs, executionID)
}

// protect turns a panic inside a node into an error.
func protect[T any](nodeID string, fn func() (T, error)) (result T, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			var zero T

			result = zero
			err = &PanicError{NodeID: nodeID, Value: recovered}
		}
	}()

	return fn()
}
