package protocol

import (
	"context"

	"github.com/dukex/reactor/pkg/models"
)

// Trigger starts runs. Both methods are invoked once per declared label; the label being
// evaluated is execCtx.Label. Payload is nil on cron ticks.
type Trigger interface {
	Node

	// IsTriggered reports whether the trigger fires. It must not mutate state.
	IsTriggered(ctx context.Context, execCtx *models.ExecutionContext, payload map[string]any) (bool, error)

	// ProduceOutput returns the value fed to the nodes wired under the label.
	ProduceOutput(ctx context.Context, execCtx *models.ExecutionContext, payload map[string]any) (any, error)
}
