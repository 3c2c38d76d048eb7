// Package events defines the notifications published on the event bus.
package events

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

// Topic carries every event.
const Topic = "reactor.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Graph lifecycle events.
	GraphChangedEvent EventType = "graph.changed"

	// Execution lifecycle events.
	ExecutionStartedEvent   EventType = "execution.started"
	ExecutionCompletedEvent EventType = "execution.completed"
	ExecutionFailedEvent    EventType = "execution.failed"
	ExecutionCancelledEvent EventType = "execution.cancelled"
	NodeExecutedEvent       EventType = "node.executed"

	// Inbound events from integrations, routed to the trigger scheduler.
	ExternalEventReceived EventType = "external.event"
)

// GraphChange tells why a workflow graph event was emitted.
type GraphChange string

const (
	GraphChangeNodes   GraphChange = "nodes"
	GraphChangeStatus  GraphChange = "status"
	GraphChangeCreated GraphChange = "created"
	GraphChangeDeleted GraphChange = "deleted"
	GraphChangeUpdated GraphChange = "updated"
)

type BaseEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type GraphChanged struct {
	BaseEvent

	Change GraphChange `json:"change"`
	NodeID string      `json:"node_id,omitempty"`
	Actor  string      `json:"actor,omitempty"`
}

func (g GraphChanged) GetType() EventType {
	return GraphChangedEvent
}

type ExecutionStarted struct {
	BaseEvent

	ExecutionID   string `json:"execution_id"`
	TriggerNodeID string `json:"trigger_node_id"`
	Label         string `json:"label"`
}

func (e ExecutionStarted) GetType() EventType {
	return ExecutionStartedEvent
}

type ExecutionCompleted struct {
	BaseEvent

	ExecutionID   string `json:"execution_id"`
	DurationMs    int64  `json:"duration_ms"`
	NodesExecuted int    `json:"nodes_executed"`
}

func (e ExecutionCompleted) GetType() EventType {
	return ExecutionCompletedEvent
}

type ExecutionFailed struct {
	BaseEvent

	ExecutionID   string `json:"execution_id"`
	DurationMs    int64  `json:"duration_ms"`
	NodesExecuted int    `json:"nodes_executed"`
	Error         string `json:"error"`
}

func (e ExecutionFailed) GetType() EventType {
	return ExecutionFailedEvent
}

type ExecutionCancelled struct {
	BaseEvent

	ExecutionID   string `json:"execution_id"`
	DurationMs    int64  `json:"duration_ms"`
	NodesExecuted int    `json:"nodes_executed"`
	Reason        string `json:"reason,omitempty"`
}

func (e ExecutionCancelled) GetType() EventType {
	return ExecutionCancelledEvent
}

type NodeExecuted struct {
	BaseEvent

	ExecutionID      string `json:"execution_id"`
	WorkflowNodeID   string `json:"workflow_node_id"`
	NodeDefinitionID string `json:"node_definition_id"`
	Step             int    `json:"step"`
	Label            string `json:"label"`
	Error            string `json:"error,omitempty"`
	DurationMs       int64  `json:"duration_ms"`
}

func (n NodeExecuted) GetType() EventType {
	return NodeExecutedEvent
}

// ExternalEvent is a push from an integration: a payload for every trigger of NodeDefinitionID.
type ExternalEvent struct {
	BaseEvent

	NodeDefinitionID string         `json:"node_definition_id"`
	Payload          map[string]any `json:"payload"`
}

func (e ExternalEvent) GetType() EventType {
	return ExternalEventReceived
}

func NewBaseEvent(eventType EventType, workflowID string) BaseEvent {
	return BaseEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		WorkflowID: workflowID,
		Metadata:   make(map[string]any),
	}
}
