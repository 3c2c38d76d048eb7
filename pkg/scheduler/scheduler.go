// Package scheduler fires workflow triggers, on a repeating cron entry per polled workflow and
// on external events pushed by integrations.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dukex/reactor/pkg/execution"
	"github.com/dukex/reactor/pkg/graph"
	"github.com/dukex/reactor/pkg/models"
	"github.com/dukex/reactor/pkg/persistence"
	"github.com/robfig/cron/v3"
)

const (
	DefaultTickInterval   = time.Second
	DefaultInitialBackoff = 5 * time.Second
	DefaultMaxBackoff     = 5 * time.Minute
)

// ErrNotATrigger is returned for external events addressed to an action definition.
var ErrNotATrigger = errors.New("node definition is not a trigger")

// Runner starts runs. The execution engine satisfies it.
type Runner interface {
	StartRun(ctx context.Context, workflowID, triggerNodeID, label string, payload map[string]any) (*models.WorkflowExecution, error)
}

// Catalog resolves node definitions.
type Catalog interface {
	Definition(id string) (models.NodeDefinition, error)
}

type Config struct {
	// TickInterval is the period of every cron entry. cron.Every rounds it down to whole seconds.
	TickInterval   time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Now            func() time.Time
}

type key struct {
	workflowID string
	nodeID     string
}

// evaluation identifies one polled (entrypoint, label) evaluation.
type evaluation struct {
	key
	label string
}

// cooldown tracks repeated trigger evaluation failures of one entrypoint.
type cooldown struct {
	backoff *backoff.ExponentialBackOff
	until   time.Time
}

type Scheduler struct {
	logger  *slog.Logger
	store   *graph.Store
	catalog Catalog
	runner  Runner
	config  Config

	cron *cron.Cron

	mu      sync.Mutex
	ctx     context.Context
	entries map[string]cron.EntryID

	cooldownMu sync.Mutex
	cooldowns  map[key]*cooldown

	inflightMu sync.Mutex
	inflight   map[evaluation]struct{}

	wg sync.WaitGroup
}

func New(logger *slog.Logger, store *graph.Store, catalog Catalog, runner Runner, config Config) *Scheduler {
	if config.TickInterval <= 0 {
		config.TickInterval = DefaultTickInterval
	}

	if config.InitialBackoff <= 0 {
		config.InitialBackoff = DefaultInitialBackoff
	}

	if config.MaxBackoff <= 0 {
		config.MaxBackoff = DefaultMaxBackoff
	}

	if config.Now == nil {
		config.Now = time.Now
	}

	return &Scheduler{
		logger:    logger,
		store:     store,
		catalog:   catalog,
		runner:    runner,
		config:    config,
		cron:      cron.New(),
		ctx:       context.Background(),
		entries:   make(map[string]cron.EntryID),
		cooldowns: make(map[key]*cooldown),
		inflight:  make(map[evaluation]struct{}),
	}
}

// Start registers every loaded workflow that needs polling and starts the cron loop. Runs
// started by the cron entries inherit ctx values but not its cancellation.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = context.WithoutCancel(ctx)
	s.mu.Unlock()

	s.SyncAll(ctx)
	s.cron.Start()

	s.logger.InfoContext(ctx, "Scheduler started", "tick_interval", s.config.TickInterval, "workflows", len(s.Registered()))
}

// Stop halts the cron loop and waits for in-flight runs.
func (s *Scheduler) Stop(ctx context.Context) {
	<-s.cron.Stop().Done()
	s.Wait()

	s.logger.InfoContext(ctx, "Scheduler stopped")
}

// Wait blocks until every run started so far finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Register adds the cron entry of workflowID. It reports false when the entry already exists.
func (s *Scheduler) Register(workflowID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.register(workflowID)
}

func (s *Scheduler) register(workflowID string) bool {
	if _, ok := s.entries[workflowID]; ok {
		return false
	}

	s.entries[workflowID] = s.cron.Schedule(cron.Every(s.config.TickInterval), cron.FuncJob(func() {
		s.tick(s.baseContext(), workflowID)
	}))

	s.logger.Info("Registered workflow for polling", "workflow_id", workflowID)

	return true
}

// Cancel removes the cron entry of workflowID. It reports false when there was none.
func (s *Scheduler) Cancel(workflowID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cancel(workflowID)
}

func (s *Scheduler) cancel(workflowID string) bool {
	id, ok := s.entries[workflowID]
	if !ok {
		return false
	}

	s.cron.Remove(id)
	delete(s.entries, workflowID)

	s.logger.Info("Cancelled workflow polling", "workflow_id", workflowID)

	return true
}

// Registered returns the ids of polled workflows, sorted.
func (s *Scheduler) Registered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	return ids
}

// Sync registers workflowID when it is enabled and has a polled entrypoint, and cancels its
// entry otherwise, including when the workflow is gone. The graph is read under the registry
// lock so concurrent syncs of one workflow settle on the latest state.
func (s *Scheduler) Sync(ctx context.Context, workflowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, err := s.store.Get(workflowID)
	if err != nil {
		if s.cancel(workflowID) {
			s.logger.DebugContext(ctx, "Workflow removed from polling", "workflow_id", workflowID)
		}

		return
	}

	workflow := g.Workflow()

	if workflow.IsEnabled() && len(s.cronEntrypoints(g)) > 0 {
		s.register(workflowID)

		return
	}

	s.cancel(workflowID)
}

// SyncAll syncs every loaded workflow and drops entries of workflows no longer loaded.
func (s *Scheduler) SyncAll(ctx context.Context) {
	loaded := make(map[string]bool)

	for _, g := range s.store.Graphs() {
		loaded[g.ID()] = true
		s.Sync(ctx, g.ID())
	}

	for _, id := range s.Registered() {
		if !loaded[id] {
			s.Cancel(id)
		}
	}
}

// OnTick evaluates every polled workflow once and returns how many evaluations were started.
func (s *Scheduler) OnTick(ctx context.Context) int {
	started := 0

	for _, workflowID := range s.Registered() {
		started += s.tick(ctx, workflowID)
	}

	return started
}

func (s *Scheduler) tick(ctx context.Context, workflowID string) int {
	g, err := s.store.Get(workflowID)
	if err != nil {
		if persistence.IsNotFound(err) {
			s.Cancel(workflowID)
		}

		return 0
	}

	workflow := g.Workflow()
	if !workflow.IsEnabled() {
		return 0
	}

	started := 0

	for _, entry := range s.cronEntrypoints(g) {
		started += s.fire(ctx, workflowID, entry, nil, true)
	}

	return started
}

// HandleExternalEvent evaluates every entrypoint of nodeDefinitionID in every enabled workflow
// against payload and returns how many evaluations were started. Runs proceed in the background.
func (s *Scheduler) HandleExternalEvent(ctx context.Context, nodeDefinitionID string, payload map[string]any) (int, error) {
	definition, err := s.catalog.Definition(nodeDefinitionID)
	if err != nil {
		return 0, err
	}

	if !definition.IsTrigger() {
		return 0, fmt.Errorf("%w: %s", ErrNotATrigger, nodeDefinitionID)
	}

	started := 0

	for _, g := range s.store.Graphs() {
		workflow := g.Workflow()
		if !workflow.IsEnabled() {
			continue
		}

		for _, entry := range g.Entrypoints() {
			if entry.NodeDefinitionID == nodeDefinitionID {
				started += s.fire(ctx, workflow.ID, entry, payload, false)
			}
		}
	}

	s.logger.DebugContext(ctx, "External event handled",
		"node_definition_id", nodeDefinitionID,
		"evaluations", started)

	return started, nil
}

func (s *Scheduler) cronEntrypoints(g *graph.Graph) []*models.WorkflowNode {
	var entries []*models.WorkflowNode

	for _, entry := range g.Entrypoints() {
		definition, err := s.catalog.Definition(entry.NodeDefinitionID)
		if err == nil && definition.IsTrigger() && definition.UseCron {
			entries = append(entries, entry)
		}
	}

	return entries
}

// fire starts one evaluation per declared label of entry unless the entry is cooling down.
// Polled evaluations skip a label whose previous evaluation is still running.
func (s *Scheduler) fire(ctx context.Context, workflowID string, entry *models.WorkflowNode, payload map[string]any, polled bool) int {
	definition, err := s.catalog.Definition(entry.NodeDefinitionID)
	if err != nil {
		s.logger.WarnContext(ctx, "Entrypoint has an unknown definition",
			"workflow_id", workflowID,
			"node_id", entry.ID,
			"error", err)

		return 0
	}

	k := key{workflowID: workflowID, nodeID: entry.ID}
	if !s.ready(k) {
		return 0
	}

	runCtx := context.WithoutCancel(ctx)
	started := 0

	for _, label := range definition.OutputLabels() {
		ev := evaluation{key: k, label: label}
		if polled && !s.tryAcquire(ev) {
			s.logger.DebugContext(ctx, "Previous evaluation still running",
				"workflow_id", workflowID,
				"node_id", entry.ID,
				"label", label)

			continue
		}

		started++
		s.wg.Add(1)

		go func() {
			defer s.wg.Done()

			if polled {
				defer s.release(ev)
			}

			s.run(runCtx, k, label, payload)
		}()
	}

	return started
}

// tryAcquire marks ev in flight and reports false when it already was.
func (s *Scheduler) tryAcquire(ev evaluation) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()

	if _, ok := s.inflight[ev]; ok {
		return false
	}

	s.inflight[ev] = struct{}{}

	return true
}

func (s *Scheduler) release(ev evaluation) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()

	delete(s.inflight, ev)
}

func (s *Scheduler) run(ctx context.Context, k key, label string, payload map[string]any) {
	run, err := s.runner.StartRun(ctx, k.workflowID, k.nodeID, label, payload)

	switch {
	case errors.Is(err, execution.ErrTriggerEvaluation):
		wait := s.failed(k)

		s.logger.WarnContext(ctx, "Trigger evaluation failed",
			"workflow_id", k.workflowID,
			"node_id", k.nodeID,
			"label", label,
			"retry_in", wait,
			"error", err)
	case errors.Is(err, execution.ErrNotTriggered):
		s.succeeded(k)
	case err != nil:
		s.succeeded(k)

		s.logger.ErrorContext(ctx, "Failed to run workflow",
			"workflow_id", k.workflowID,
			"node_id", k.nodeID,
			"label", label,
			"error", err)
	default:
		s.succeeded(k)

		s.logger.DebugContext(ctx, "Workflow run finished",
			"workflow_id", k.workflowID,
			"execution_id", run.ID,
			"status", run.CurrentStatus())
	}
}

func (s *Scheduler) ready(k key) bool {
	s.cooldownMu.Lock()
	defer s.cooldownMu.Unlock()

	state, ok := s.cooldowns[k]

	return !ok || !s.config.Now().Before(state.until)
}

// failed extends the cooldown of k and returns its length.
func (s *Scheduler) failed(k key) time.Duration {
	s.cooldownMu.Lock()
	defer s.cooldownMu.Unlock()

	state, ok := s.cooldowns[k]
	if !ok {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = s.config.InitialBackoff
		b.MaxInterval = s.config.MaxBackoff
		b.MaxElapsedTime = 0
		b.Reset()

		state = &cooldown{backoff: b}
		s.cooldowns[k] = state
	}

	wait := state.backoff.NextBackOff()
	state.until = s.config.Now().Add(wait)

	return wait
}

func (s *Scheduler) succeeded(k key) {
	s.cooldownMu.Lock()
	defer s.cooldownMu.Unlock()

	delete(s.cooldowns, k)
}

func (s *Scheduler) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.ctx
}
