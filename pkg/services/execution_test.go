package services

import (
	"log/slog"
	"testing"

	"github.com/dukex/reactor/pkg/mocks"
	"github.com/dukex/reactor/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type stubCanceller map[string]bool

func (s stubCanceller) Cancel(executionID, _ string) bool {
	running := s[executionID]
	s[executionID] = false

	return running
}

func TestExecutions(t *testing.T) {
	ctx := t.Context()

	execution := &models.WorkflowExecution{ID: "exec-1", WorkflowID: "wf-1", Status: models.ExecutionStatusCompleted}

	repo := &mocks.MockExecutionRepository{}
	repo.On("GetByID", mock.Anything, "exec-1").Return(execution, nil)
	repo.On("ListByWorkflow", mock.Anything, "wf-1").Return([]*models.WorkflowExecution{execution}, nil)

	canceller := stubCanceller{"exec-1": true}
	svc := NewExecutions(slog.Default(), repo, canceller, mocks.AllowAll{})

	got, err := svc.Get(ctx, actor, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "exec-1", got.ID)

	list, err := svc.List(ctx, actor, "wf-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, svc.Cancel(ctx, actor, "exec-1"))

	err = svc.Cancel(ctx, actor, "exec-1")
	require.ErrorIs(t, err, ErrNotRunning)
	assert.True(t, IsConflictError(err))
}

func TestExecutions_PermissionDenied(t *testing.T) {
	authorizer := &mocks.MockAuthorizer{}
	authorizer.On("Authorize", mock.Anything, actor, models.ActionCancel, mock.Anything, models.ResourceExecution, mock.Anything).
		Return(NewPermissionError("Authorize", actor.ID, models.ActionCancel, models.ResourceExecution))

	canceller := stubCanceller{"exec-1": true}
	svc := NewExecutions(slog.Default(), &mocks.MockExecutionRepository{}, canceller, authorizer)

	err := svc.Cancel(t.Context(), actor, "exec-1")
	assert.True(t, IsPermissionDenied(err))
	assert.True(t, canceller["exec-1"], "a denied cancel leaves the run alone")
}
