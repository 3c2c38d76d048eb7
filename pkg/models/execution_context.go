package models

import "sync"

// ExecutionContext is what a node sees when it is invoked.
type ExecutionContext struct {
	ExecutionID      string         `json:"execution_id"`
	WorkflowID       string         `json:"workflow_id"`
	WorkflowNodeID   string         `json:"workflow_node_id"`
	NodeDefinitionID string         `json:"node_definition_id"`
	Owner            string         `json:"owner"`
	Label            string         `json:"label"`
	Step             int            `json:"step"`
	Config           map[string]any `json:"config"`
	Input            any            `json:"input,omitempty"`

	mu         sync.Mutex
	warnings   []string
	statistics Statistics
}

// Warn records a non fatal warning on the current trace.
func (c *ExecutionContext) Warn(message string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.warnings = append(c.warnings, message)
}

// AddTransfer accounts bytes exchanged with an external system.
func (c *ExecutionContext) AddTransfer(uploaded, downloaded int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.statistics.BytesUploaded += uploaded
	c.statistics.BytesDownloaded += downloaded
}

// Warnings returns the warnings recorded so far.
func (c *ExecutionContext) Warnings() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]string(nil), c.warnings...)
}

// Statistics returns the transfer statistics recorded so far.
func (c *ExecutionContext) Statistics() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.statistics
}

// ConfigString returns a string config value or def.
func (c *ExecutionContext) ConfigString(key, def string) string {
	if value, ok := c.Config[key].(string); ok && value != "" {
		return value
	}

	return def
}
