package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/dukex/reactor/pkg/models"
)

// Definition ids used by the stub nodes.
const (
	TriggerID     = "test:trigger"
	CronTriggerID = "test:cron"
	ActionID      = "test:action"
	BranchID      = "test:branch"
)

// TriggerDefinition describes an event driven stub trigger.
func TriggerDefinition() models.NodeDefinition {
	return models.NodeDefinition{
		ID:     TriggerID,
		Name:   "Test Trigger",
		Type:   models.CategoryTypeTrigger,
		Fields: []models.FieldSpec{{Name: "event", Type: "string"}},
	}
}

// CronTriggerDefinition describes a polled stub trigger.
func CronTriggerDefinition() models.NodeDefinition {
	return models.NodeDefinition{
		ID:      CronTriggerID,
		Name:    "Test Cron Trigger",
		Type:    models.CategoryTypeTrigger,
		UseCron: true,
	}
}

// ActionDefinition describes a linear stub action with a secret field.
func ActionDefinition() models.NodeDefinition {
	return models.NodeDefinition{
		ID:   ActionID,
		Name: "Test Action",
		Type: models.CategoryTypeAction,
		Fields: []models.FieldSpec{
			{Name: "message", Type: "string"},
			{Name: "token", Type: "string", Secret: true},
		},
	}
}

// BranchDefinition describes a stub action with true/false labels.
func BranchDefinition() models.NodeDefinition {
	return models.NodeDefinition{
		ID:     BranchID,
		Name:   "Test Branch",
		Type:   models.CategoryTypeAction,
		Labels: []string{"true", "false"},
	}
}

// StubTrigger is a configurable protocol.Trigger.
type StubTrigger struct {
	Def       models.NodeDefinition
	Triggered func(execCtx *models.ExecutionContext, payload map[string]any) (bool, error)
	Output    func(execCtx *models.ExecutionContext, payload map[string]any) (any, error)

	mu    sync.Mutex
	calls int
}

// NewStubTrigger returns a trigger that always fires and outputs its payload.
func NewStubTrigger(definition models.NodeDefinition) *StubTrigger {
	return &StubTrigger{Def: definition}
}

func (s *StubTrigger) Definition() models.NodeDefinition { return s.Def }

func (s *StubTrigger) IsTriggered(_ context.Context, execCtx *models.ExecutionContext, payload map[string]any) (bool, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	if s.Triggered == nil {
		return true, nil
	}

	return s.Triggered(execCtx, payload)
}

func (s *StubTrigger) ProduceOutput(_ context.Context, execCtx *models.ExecutionContext, payload map[string]any) (any, error) {
	if s.Output == nil {
		if payload == nil {
			return map[string]any{}, nil
		}

		return payload, nil
	}

	return s.Output(execCtx, payload)
}

// Calls returns how many times IsTriggered ran.
func (s *StubTrigger) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.calls
}

// StubAction is a configurable protocol.Action that records every invocation.
type StubAction struct {
	Def  models.NodeDefinition
	Exec func(ctx context.Context, execCtx *models.ExecutionContext) (any, error)

	mu          sync.Mutex
	invocations []Invocation
}

// Invocation is what a StubAction saw when it ran.
type Invocation struct {
	WorkflowNodeID string
	Label          string
	Step           int
	Input          any
	Config         map[string]any
}

// NewStubAction returns an action that echoes its input.
func NewStubAction(definition models.NodeDefinition) *StubAction {
	return &StubAction{Def: definition}
}

func (s *StubAction) Definition() models.NodeDefinition { return s.Def }

func (s *StubAction) Execute(ctx context.Context, execCtx *models.ExecutionContext) (any, error) {
	s.mu.Lock()
	s.invocations = append(s.invocations, Invocation{
		WorkflowNodeID: execCtx.WorkflowNodeID,
		Label:          execCtx.Label,
		Step:           execCtx.Step,
		Input:          execCtx.Input,
		Config:         execCtx.Config,
	})
	s.mu.Unlock()

	if s.Exec == nil {
		return execCtx.Input, nil
	}

	return s.Exec(ctx, execCtx)
}

// Invocations returns a copy of the recorded invocations.
func (s *StubAction) Invocations() []Invocation {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]Invocation(nil), s.invocations...)
}

// InvokedNodes returns the workflow node ids in invocation order.
func (s *StubAction) InvokedNodes() []string {
	var ids []string

	for _, invocation := range s.Invocations() {
		ids = append(ids, invocation.WorkflowNodeID)
	}

	return ids
}

// Catalog is a map backed definition lookup.
type Catalog map[string]models.NodeDefinition

// NewCatalog indexes definitions by id.
func NewCatalog(definitions ...models.NodeDefinition) Catalog {
	catalog := make(Catalog, len(definitions))
	for _, definition := range definitions {
		catalog[definition.ID] = definition
	}

	return catalog
}

func (c Catalog) Definition(id string) (models.NodeDefinition, error) {
	definition, ok := c[id]
	if !ok {
		return models.NodeDefinition{}, fmt.Errorf("definition %s not found", id)
	}

	return definition, nil
}
