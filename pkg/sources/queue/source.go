// Package queue consumes Redis lists and routes every message to the queue triggers.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/reactor/pkg/models"
	redis "github.com/redis/go-redis/v9"
)

const (
	DefaultPopTimeout = time.Second
	errorDelay        = time.Second
)

// Client is the subset of the Redis client the source uses.
type Client interface {
	BLPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	Close() error
}

// Handler receives decoded messages. The trigger scheduler satisfies it.
type Handler interface {
	HandleExternalEvent(ctx context.Context, nodeDefinitionID string, payload map[string]any) (int, error)
}

type Source struct {
	logger  *slog.Logger
	client  Client
	handler Handler
	queues  []string
	now     func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewClient connects to the Redis server at redisURL, e.g. redis://localhost:6379/0.
func NewClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(options)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

func New(logger *slog.Logger, client Client, handler Handler, queues ...string) *Source {
	return &Source{
		logger:  logger,
		client:  client,
		handler: handler,
		queues:  queues,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
}

// Start consumes the queues in the background until Stop is called or ctx is done.
func (s *Source) Start(ctx context.Context) error {
	if len(s.queues) == 0 {
		return errors.New("at least one queue is required")
	}

	s.logger.InfoContext(ctx, "Starting queue source", "queues", s.queues)

	s.wg.Add(1)

	go s.consume(ctx)

	return nil
}

func (s *Source) consume(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if _, err := s.ProcessNext(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}

			s.logger.ErrorContext(ctx, "Error processing message", "error", err)

			select {
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			case <-time.After(errorDelay):
			}
		}
	}
}

// ProcessNext waits for one message and hands it to the handler. It reports false when the
// pop timed out.
func (s *Source) ProcessNext(ctx context.Context) (bool, error) {
	result, err := s.client.BLPop(ctx, DefaultPopTimeout, s.queues...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}

		return false, fmt.Errorf("failed to pop message from queue: %w", err)
	}

	if len(result) < 2 {
		return false, nil
	}

	queue, message := result[0], result[1]

	started, err := s.handler.HandleExternalEvent(ctx, models.NodeTypeTriggerQueue, s.payload(queue, message))
	if err != nil {
		return true, fmt.Errorf("failed to route message from %s: %w", queue, err)
	}

	s.logger.DebugContext(ctx, "Routed queue message", "queue", queue, "evaluations", started)

	return true, nil
}

// payload decodes JSON messages and keeps anything else as a string.
func (s *Source) payload(queue, message string) map[string]any {
	var decoded any
	if err := json.Unmarshal([]byte(message), &decoded); err != nil {
		decoded = message
	}

	return map[string]any{
		"queue":       queue,
		"message":     decoded,
		"received_at": s.now().UTC().Format(time.RFC3339),
	}
}

// Stop ends the consumer loop and closes the client.
func (s *Source) Stop(ctx context.Context) error {
	s.logger.InfoContext(ctx, "Stopping queue source")

	close(s.stopCh)
	s.wg.Wait()

	if err := s.client.Close(); err != nil {
		return fmt.Errorf("failed to close Redis client: %w", err)
	}

	return nil
}
