package mocks

import (
	"context"
	"sync"

	"github.com/dukex/reactor/pkg/eventbus"
	"github.com/dukex/reactor/pkg/events"
	"github.com/stretchr/testify/mock"
)

// MockEventBus is a mock implementation of eventbus.EventBus interface.
type MockEventBus struct {
	mock.Mock
}

func (m *MockEventBus) Publish(ctx context.Context, key string, event eventbus.Event) error {
	args := m.Called(ctx, key, event)

	return args.Error(0)
}

func (m *MockEventBus) Handle(eventType events.EventType, handler eventbus.EventHandler) error {
	args := m.Called(eventType, handler)

	return args.Error(0)
}

func (m *MockEventBus) Subscribe(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockEventBus) Close() error {
	args := m.Called()

	return args.Error(0)
}

func (m *MockEventBus) GenerateID() string {
	args := m.Called()

	return args.String(0)
}

// RecordingPublisher keeps every published event in order.
type RecordingPublisher struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (r *RecordingPublisher) Publish(_ context.Context, _ string, event eventbus.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, event)

	return nil
}

// Events returns the published events.
func (r *RecordingPublisher) Events() []eventbus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]eventbus.Event(nil), r.events...)
}

// Types returns the type of every published event.
func (r *RecordingPublisher) Types() []events.EventType {
	var types []events.EventType

	for _, event := range r.Events() {
		types = append(types, event.GetType())
	}

	return types
}
