package services

import (
	"context"
	"log/slog"

	"github.com/dukex/reactor/pkg/eventbus"
	"github.com/dukex/reactor/pkg/events"
	"github.com/dukex/reactor/pkg/models"
)

// Authorizer gates every service operation.
type Authorizer interface {
	Can(ctx context.Context, actor models.Actor, action string, resourceID *string, resourceType string, extra map[string]any) (bool, error)
	Authorize(ctx context.Context, actor models.Actor, action string, resourceID *string, resourceType string, extra map[string]any) error
}

// Catalog resolves node definitions and validates node configuration.
type Catalog interface {
	Definition(id string) (models.NodeDefinition, error)
	ValidateConfig(id string, config map[string]any) error
}

// notifier publishes graph changes. A nil publisher disables notifications.
type notifier struct {
	logger    *slog.Logger
	publisher eventbus.EventPublisher
}

func (n notifier) graphChanged(ctx context.Context, actor models.Actor, workflowID string, change events.GraphChange, nodeID string) {
	if n.publisher == nil {
		return
	}

	event := events.GraphChanged{
		BaseEvent: events.NewBaseEvent(events.GraphChangedEvent, workflowID),
		Change:    change,
		NodeID:    nodeID,
		Actor:     actor.ID,
	}

	if err := n.publisher.Publish(ctx, workflowID, event); err != nil {
		n.logger.ErrorContext(ctx, "Failed to publish graph change", "workflow_id", workflowID, "change", change, "error", err)
	}
}
