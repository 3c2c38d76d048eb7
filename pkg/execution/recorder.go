package execution

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/dukex/reactor/pkg/models"
)

// Recorder builds the trace tree of one run. Step indices are assigned in dispatch order and
// never reused.
type Recorder struct {
	mu      sync.Mutex
	next    int
	root    *models.ExecutionTrace
	outputs map[int]any
}

func NewRecorder() *Recorder {
	return &Recorder{outputs: make(map[int]any)}
}

// Begin opens the trace of node under parent and assigns it the next step index. A nil parent
// makes the trace the root.
func (r *Recorder) Begin(parent *models.ExecutionTrace, node *models.WorkflowNode, definition models.NodeDefinition, label string, input any, startedAt time.Time) *models.ExecutionTrace {
	r.mu.Lock()
	defer r.mu.Unlock()

	trace := &models.ExecutionTrace{
		Step:             r.next,
		WorkflowNodeID:   node.ID,
		NodeDefinitionID: node.NodeDefinitionID,
		Label:            label,
		Input:            input,
		Config:           StripSecrets(node.Config, definition),
		StartedAt:        startedAt,
	}
	r.next++

	if parent == nil {
		r.root = trace
	} else {
		step := parent.Step
		trace.Previous = &step
		parent.Next = append(parent.Next, trace)
	}

	return trace
}

// Finish closes trace with what the node produced.
func (r *Recorder) Finish(trace *models.ExecutionTrace, output any, err error, execCtx *models.ExecutionContext, finishedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	trace.Output = output
	trace.FinishedAt = finishedAt
	trace.Statistics = execCtx.Statistics()
	trace.Statistics.NodesExecuted = 1
	trace.Statistics.Duration = finishedAt.Sub(trace.StartedAt)
	trace.Warnings = execCtx.Warnings()

	if err != nil {
		trace.Errors = append(trace.Errors, err.Error())

		return
	}

	r.outputs[trace.Step] = output
}

// Output returns what the step produced. Steps that failed or are still running have none.
func (r *Recorder) Output(step int) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	output, ok := r.outputs[step]

	return output, ok
}

// Steps returns how many steps were opened.
func (r *Recorder) Steps() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.next
}

// Root returns the root trace.
func (r *Recorder) Root() *models.ExecutionTrace {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.root
}

// Statistics sums the statistics of every trace. Call it once every branch finished.
func (r *Recorder) Statistics() models.Statistics {
	r.mu.Lock()
	defer r.mu.Unlock()

	var total models.Statistics

	if r.root == nil {
		return total
	}

	_ = r.root.Walk(func(trace *models.ExecutionTrace) error {
		stats := trace.Statistics
		// Wall time of the run is measured by the engine.
		stats.Duration = 0
		total.Add(stats)

		return nil
	})

	return total
}

// StripSecrets copies config without the fields the definition marks as secret.
func StripSecrets(config map[string]any, definition models.NodeDefinition) map[string]any {
	snapshot := maps.Clone(config)
	if snapshot == nil {
		snapshot = map[string]any{}
	}

	secrets := definition.SecretFields()

	maps.DeleteFunc(snapshot, func(key string, _ any) bool {
		return slices.Contains(secrets, key)
	})

	return snapshot
}
