// Package trigger provides the built-in trigger nodes.
package trigger

import (
	"context"

	"github.com/dukex/reactor/pkg/models"
)

// Webhook fires on every external event delivered to the webhook route. When the node's
// "event" field is set, only payloads carrying the same "event" value fire.
type Webhook struct{}

func NewWebhook() *Webhook {
	return &Webhook{}
}

func (w *Webhook) Definition() models.NodeDefinition {
	return models.NodeDefinition{
		ID:          models.NodeTypeTriggerWebhook,
		Name:        "Webhook",
		Description: "Starts the workflow when a webhook request is received.",
		Type:        models.CategoryTypeTrigger,
		Fields: []models.FieldSpec{
			{Name: "event", Type: "string", Description: "Only fire for payloads whose event field equals this value"},
		},
	}
}

func (w *Webhook) IsTriggered(_ context.Context, execCtx *models.ExecutionContext, payload map[string]any) (bool, error) {
	if payload == nil {
		return false, nil
	}

	event := execCtx.ConfigString("event", "")
	if event == "" {
		return true, nil
	}

	received, _ := payload["event"].(string)

	return received == event, nil
}

func (w *Webhook) ProduceOutput(_ context.Context, _ *models.ExecutionContext, payload map[string]any) (any, error) {
	return payload, nil
}
