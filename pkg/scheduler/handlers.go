package scheduler

import (
	"context"
	"fmt"

	"github.com/dukex/reactor/pkg/eventbus"
	"github.com/dukex/reactor/pkg/events"
)

// Subscribe routes graph changes and external events from the bus to the scheduler.
func (s *Scheduler) Subscribe(subscriber eventbus.EventSubscriber) error {
	if err := subscriber.Handle(events.GraphChangedEvent, s.handleGraphChanged); err != nil {
		return fmt.Errorf("failed to handle %s: %w", events.GraphChangedEvent, err)
	}

	if err := subscriber.Handle(events.ExternalEventReceived, s.handleExternalEvent); err != nil {
		return fmt.Errorf("failed to handle %s: %w", events.ExternalEventReceived, err)
	}

	return nil
}

func (s *Scheduler) handleGraphChanged(ctx context.Context, event any) error {
	changed, ok := event.(*events.GraphChanged)
	if !ok {
		return fmt.Errorf("unexpected event type %T", event)
	}

	s.Sync(ctx, changed.WorkflowID)

	return nil
}

// handleExternalEvent drops events it cannot route. Redelivering them would not help.
func (s *Scheduler) handleExternalEvent(ctx context.Context, event any) error {
	external, ok := event.(*events.ExternalEvent)
	if !ok {
		return fmt.Errorf("unexpected event type %T", event)
	}

	if _, err := s.HandleExternalEvent(ctx, external.NodeDefinitionID, external.Payload); err != nil {
		s.logger.WarnContext(ctx, "Dropped external event",
			"event_id", external.ID,
			"node_definition_id", external.NodeDefinitionID,
			"error", err)
	}

	return nil
}
