package protocol

import (
	"context"

	"github.com/dukex/reactor/pkg/models"
)

// Action is invoked once per declared label with the parent's output as execCtx.Input.
// A nil value stops propagation along execCtx.Label without failing the run.
type Action interface {
	Node

	Execute(ctx context.Context, execCtx *models.ExecutionContext) (any, error)
}
