package trigger

import (
	"context"
	"errors"

	"github.com/dukex/reactor/pkg/models"
)

var errQueueRequired = errors.New("queue is required")

// Queue fires for messages popped from the named queue by the queue source. The source sends
// payloads shaped as {"queue": name, "message": decoded message}.
type Queue struct{}

func NewQueue() *Queue {
	return &Queue{}
}

func (q *Queue) Definition() models.NodeDefinition {
	return models.NodeDefinition{
		ID:          models.NodeTypeTriggerQueue,
		Name:        "Queue",
		Description: "Starts the workflow for every message pushed to a queue.",
		Type:        models.CategoryTypeTrigger,
		Fields: []models.FieldSpec{
			{Name: "queue", Type: "string", Description: "Name of the queue to consume", Required: true},
		},
	}
}

func (q *Queue) IsTriggered(_ context.Context, execCtx *models.ExecutionContext, payload map[string]any) (bool, error) {
	queue := execCtx.ConfigString("queue", "")
	if queue == "" {
		return false, errQueueRequired
	}

	if payload == nil {
		return false, nil
	}

	received, _ := payload["queue"].(string)

	return received == queue, nil
}

func (q *Queue) ProduceOutput(_ context.Context, _ *models.ExecutionContext, payload map[string]any) (any, error) {
	if message, ok := payload["message"]; ok && message != nil {
		return message, nil
	}

	return payload, nil
}
