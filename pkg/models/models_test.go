package models

import (
	"errors"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeDefinition_Labels(t *testing.T) {
	tests := []struct {
		name       string
		definition NodeDefinition
		want       []string
	}{
		{"linear", NodeDefinition{ID: "log"}, []string{DefaultLabel}},
		{"branching", NodeDefinition{ID: "if", Labels: []string{"true", "false"}}, []string{"true", "false"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.definition.OutputLabels())

			for _, label := range tt.want {
				assert.True(t, tt.definition.HasLabel(label))
			}

			assert.False(t, tt.definition.HasLabel("missing"))
		})
	}
}

func TestNodeDefinition_Schema(t *testing.T) {
	definition := NodeDefinition{
		Fields: []FieldSpec{
			{Name: "url", Type: "string", Required: true, Description: "Target"},
			{Name: "body", Type: "any"},
			{Name: "token", Type: "string", Secret: true},
		},
	}

	schema := definition.Schema()

	assert.Equal(t, "object", schema["type"])
	assert.Equal(t, []any{"url"}, schema["required"])

	properties := schema["properties"].(map[string]any)
	assert.Equal(t, map[string]any{"type": "string", "description": "Target"}, properties["url"])
	assert.Equal(t, map[string]any{}, properties["body"])

	assert.Equal(t, []string{"token"}, definition.SecretFields())
}

func TestWorkflowNode_OutputsAndClone(t *testing.T) {
	node := &WorkflowNode{
		ID:       "b",
		Config:   map[string]any{"x": 1},
		Previous: &NodeOutputRef{NodeID: "a", Label: DefaultLabel},
		Next: []NodeOutput{
			{Label: "true", Targets: []string{"c"}},
			{Label: "false", Targets: []string{"d", "e"}},
		},
	}

	assert.Equal(t, []string{"c", "d", "e"}, node.Children())
	assert.Nil(t, node.Output(DefaultLabel))

	clone := node.Clone()
	clone.Output("true").Targets = append(clone.Output("true").Targets, "z")
	clone.Previous.NodeID = "other"
	clone.Config["x"] = 2

	assert.Equal(t, []string{"c"}, node.Output("true").Targets)
	assert.Equal(t, "a", node.Previous.NodeID)
	assert.Equal(t, 1, node.Config["x"])
}

func TestExecutionTrace_WalkAndDepth(t *testing.T) {
	leaf := &ExecutionTrace{Step: 2}
	root := &ExecutionTrace{
		Step: 0,
		Next: []*ExecutionTrace{
			{Step: 1, Next: []*ExecutionTrace{leaf}},
			{Step: 3},
		},
	}

	var steps []int

	require.NoError(t, root.Walk(func(trace *ExecutionTrace) error {
		steps = append(steps, trace.Step)

		return nil
	}))

	assert.Equal(t, []int{0, 1, 2, 3}, steps)
	assert.Equal(t, 3, root.Depth())

	stop := errors.New("stop")
	err := root.Walk(func(trace *ExecutionTrace) error {
		if trace.Step == 1 {
			return stop
		}

		return nil
	})
	require.ErrorIs(t, err, stop)
}

func TestWorkflowExecution_Transition(t *testing.T) {
	tests := []struct {
		name   string
		to     ExecutionStatus
		reason string
		ok     bool
	}{
		{"complete", ExecutionStatusCompleted, "", true},
		{"fail", ExecutionStatusFailed, "boom", true},
		{"cancel", ExecutionStatusCancelled, "user", true},
		{"back to running", ExecutionStatusRunning, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			execution := &WorkflowExecution{ID: "e1", Status: ExecutionStatusRunning}

			assert.Equal(t, tt.ok, execution.Transition(tt.to, tt.reason))

			if !tt.ok {
				assert.True(t, execution.IsRunning())

				return
			}

			assert.Equal(t, tt.to, execution.CurrentStatus())
			assert.True(t, execution.CurrentStatus().IsTerminal())
			assert.Equal(t, tt.reason, execution.Error)

			assert.False(t, execution.Transition(ExecutionStatusFailed, "late"), "terminal states are final")
			assert.Equal(t, tt.to, execution.CurrentStatus())
		})
	}
}

func TestWorkflowExecution_RowAndFinalize(t *testing.T) {
	execution := &WorkflowExecution{
		ID:         "e1",
		WorkflowID: "w1",
		Owner:      "alice",
		Status:     ExecutionStatusRunning,
		Trace:      &ExecutionTrace{},
	}

	finishedAt := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	execution.Finalize(Statistics{NodesExecuted: 2}, finishedAt)

	row := execution.Row()
	assert.Nil(t, row.Trace)
	assert.Equal(t, 2, row.Statistics.NodesExecuted)
	assert.Equal(t, finishedAt, *row.FinishedAt)
	assert.Equal(t, map[string]any{"id": "e1", "workflow_id": "w1", "owner": "alice", "status": "running"}, execution.Attributes())
}

func TestStatistics_Add(t *testing.T) {
	total := Statistics{NodesExecuted: 1, BytesUploaded: 10, Duration: time.Second}
	total.Add(Statistics{NodesExecuted: 2, BytesDownloaded: 5, Duration: time.Second})

	assert.Equal(t, Statistics{NodesExecuted: 3, BytesUploaded: 10, BytesDownloaded: 5, Duration: 2 * time.Second}, total)
}

func TestExecutionContext_Recording(t *testing.T) {
	execCtx := &ExecutionContext{Config: map[string]any{"method": "POST", "empty": ""}}

	execCtx.Warn("slow")
	execCtx.AddTransfer(3, 4)
	execCtx.AddTransfer(1, 0)

	assert.Equal(t, []string{"slow"}, execCtx.Warnings())
	assert.Equal(t, Statistics{BytesUploaded: 4, BytesDownloaded: 4}, execCtx.Statistics())
	assert.Equal(t, "POST", execCtx.ConfigString("method", "GET"))
	assert.Equal(t, "GET", execCtx.ConfigString("empty", "GET"))
	assert.Equal(t, "GET", execCtx.ConfigString("missing", "GET"))
}

func TestWorkflow_Validation(t *testing.T) {
	validate := validator.New(validator.WithRequiredStructEnabled())

	tests := []struct {
		name     string
		workflow Workflow
		valid    bool
	}{
		{"valid", Workflow{Name: "orders", Owner: "alice", Status: WorkflowStatusEnabled}, true},
		{"short name", Workflow{Name: "ab", Owner: "alice", Status: WorkflowStatusEnabled}, false},
		{"missing owner", Workflow{Name: "orders", Status: WorkflowStatusDisabled}, false},
		{"unknown status", Workflow{Name: "orders", Owner: "alice", Status: "paused"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validate.Struct(tt.workflow)
			if tt.valid {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestActor_AsMap(t *testing.T) {
	actor := Actor{ID: "alice", Attributes: map[string]any{"team": "ops", "id": "spoofed"}}

	assert.Equal(t, map[string]any{"id": "alice", "team": "ops"}, actor.AsMap())
	assert.Equal(t, Condition{Kind: ConditionFieldEquals, Field: "status", Value: "enabled"}, FieldEquals("status", "enabled"))
}
