package mocks

import (
	"context"

	"github.com/dukex/reactor/pkg/models"
	"github.com/dukex/reactor/pkg/persistence"
	"github.com/stretchr/testify/mock"
)

// MockPersistence delegates every repository to a real persistence except the ones replaced.
type MockPersistence struct {
	persistence.Persistence

	Nodes      persistence.NodeRepository
	Executions persistence.ExecutionRepository
}

// WithNodes replaces the node repository of base.
func WithNodes(base persistence.Persistence, nodes persistence.NodeRepository) *MockPersistence {
	return &MockPersistence{Persistence: base, Nodes: nodes}
}

// WithExecutions replaces the execution repository of base.
func WithExecutions(base persistence.Persistence, executions persistence.ExecutionRepository) *MockPersistence {
	return &MockPersistence{Persistence: base, Executions: executions}
}

func (m *MockPersistence) NodeRepository() persistence.NodeRepository {
	if m.Nodes != nil {
		return m.Nodes
	}

	return m.Persistence.NodeRepository()
}

func (m *MockPersistence) ExecutionRepository() persistence.ExecutionRepository {
	if m.Executions != nil {
		return m.Executions
	}

	return m.Persistence.ExecutionRepository()
}

// MockWorkflowRepository is a mock implementation of persistence.WorkflowRepository interface.
type MockWorkflowRepository struct {
	mock.Mock
}

func (m *MockWorkflowRepository) GetAll(ctx context.Context) ([]*models.Workflow, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Workflow), args.Error(1)
}

func (m *MockWorkflowRepository) Save(ctx context.Context, workflow *models.Workflow) error {
	args := m.Called(ctx, workflow)

	return args.Error(0)
}

func (m *MockWorkflowRepository) GetByID(ctx context.Context, id string) (*models.Workflow, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Workflow), args.Error(1)
}

func (m *MockWorkflowRepository) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)

	return args.Error(0)
}

// MockNodeRepository is a mock implementation of persistence.NodeRepository interface.
type MockNodeRepository struct {
	mock.Mock
}

func (m *MockNodeRepository) GetNodesByWorkflow(ctx context.Context, workflowID string) ([]*models.WorkflowNode, error) {
	args := m.Called(ctx, workflowID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.WorkflowNode), args.Error(1)
}

// WithinTx hands the mock itself to fn, so expectations are set on the writer methods.
func (m *MockNodeRepository) WithinTx(_ context.Context, _ string, fn func(writer persistence.NodeWriter) error) error {
	return fn(m)
}

func (m *MockNodeRepository) CreateNode(ctx context.Context, node *models.WorkflowNode, labels []string) error {
	args := m.Called(ctx, node, labels)

	return args.Error(0)
}

func (m *MockNodeRepository) UpdateNode(ctx context.Context, node *models.WorkflowNode) error {
	args := m.Called(ctx, node)

	return args.Error(0)
}

func (m *MockNodeRepository) DeleteNode(ctx context.Context, workflowID, nodeID string) error {
	args := m.Called(ctx, workflowID, nodeID)

	return args.Error(0)
}

func (m *MockNodeRepository) Connect(ctx context.Context, workflowID, fromID, label, toID string) error {
	args := m.Called(ctx, workflowID, fromID, label, toID)

	return args.Error(0)
}

func (m *MockNodeRepository) Disconnect(ctx context.Context, workflowID, nodeID string) error {
	args := m.Called(ctx, workflowID, nodeID)

	return args.Error(0)
}

// MockExecutionRepository is a mock implementation of persistence.ExecutionRepository interface.
type MockExecutionRepository struct {
	mock.Mock
}

func (m *MockExecutionRepository) WithinTx(ctx context.Context, fn func(writer persistence.ExecutionWriter) error) error {
	args := m.Called(ctx, fn)

	return args.Error(0)
}

func (m *MockExecutionRepository) GetByID(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.WorkflowExecution), args.Error(1)
}

func (m *MockExecutionRepository) ListByWorkflow(ctx context.Context, workflowID string) ([]*models.WorkflowExecution, error) {
	args := m.Called(ctx, workflowID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.WorkflowExecution), args.Error(1)
}

// MockAuthorizer is a mock implementation of the services authorizer.
type MockAuthorizer struct {
	mock.Mock
}

func (m *MockAuthorizer) Can(ctx context.Context, actor models.Actor, action string, resourceID *string, resourceType string, extra map[string]any) (bool, error) {
	args := m.Called(ctx, actor, action, resourceID, resourceType, extra)

	return args.Bool(0), args.Error(1)
}

func (m *MockAuthorizer) Authorize(ctx context.Context, actor models.Actor, action string, resourceID *string, resourceType string, extra map[string]any) error {
	args := m.Called(ctx, actor, action, resourceID, resourceType, extra)

	return args.Error(0)
}

// AllowAll authorizes everything.
type AllowAll struct{}

func (AllowAll) Can(context.Context, models.Actor, string, *string, string, map[string]any) (bool, error) {
	return true, nil
}

func (AllowAll) Authorize(context.Context, models.Actor, string, *string, string, map[string]any) error {
	return nil
}
