package trigger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dukex/reactor/pkg/models"
	"github.com/robfig/cron/v3"
)

var (
	errCronRequired         = errors.New("cron is required")
	errIntervalNotSupported = errors.New("@every descriptors are not supported, use a cron expression")
)

// Schedule is polled on every scheduler tick. It fires when an instant of its cron expression
// fell within the last window, which must match the scheduler tick interval.
type Schedule struct {
	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	schedules map[string]cron.Schedule
}

func NewSchedule(window time.Duration) *Schedule {
	return &Schedule{
		window:    window,
		now:       time.Now,
		schedules: make(map[string]cron.Schedule),
	}
}

func (s *Schedule) Definition() models.NodeDefinition {
	return models.NodeDefinition{
		ID:          models.NodeTypeTriggerSchedule,
		Name:        "Schedule",
		Description: "Starts the workflow on a cron schedule.",
		Type:        models.CategoryTypeTrigger,
		UseCron:     true,
		Fields: []models.FieldSpec{
			{Name: "cron", Type: "string", Description: "Five field cron expression, e.g. */5 * * * *", Required: true},
			{Name: "timezone", Type: "string", Description: "IANA time zone the expression is evaluated in, defaults to UTC"},
		},
	}
}

func (s *Schedule) IsTriggered(_ context.Context, execCtx *models.ExecutionContext, _ map[string]any) (bool, error) {
	_, due, err := s.due(execCtx)

	return due, err
}

func (s *Schedule) ProduceOutput(_ context.Context, execCtx *models.ExecutionContext, _ map[string]any) (any, error) {
	instant, _, err := s.due(execCtx)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"scheduled_at": instant.UTC().Format(time.RFC3339),
		"cron":         execCtx.ConfigString("cron", ""),
		"timezone":     execCtx.ConfigString("timezone", "UTC"),
	}, nil
}

// due returns the first instant after now-window and whether it is not in the future.
func (s *Schedule) due(execCtx *models.ExecutionContext) (time.Time, bool, error) {
	schedule, err := s.parse(execCtx.ConfigString("cron", ""), execCtx.ConfigString("timezone", ""))
	if err != nil {
		return time.Time{}, false, err
	}

	now := s.now()
	next := schedule.Next(now.Add(-s.window))

	return next, !next.After(now), nil
}

func (s *Schedule) parse(expression, timezone string) (cron.Schedule, error) {
	if expression == "" {
		return nil, errCronRequired
	}

	spec := expression
	if timezone != "" && !strings.HasPrefix(expression, "CRON_TZ=") && !strings.HasPrefix(expression, "TZ=") {
		spec = "CRON_TZ=" + timezone + " " + expression
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if schedule, ok := s.schedules[spec]; ok {
		return schedule, nil
	}

	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expression, err)
	}

	if _, ok := schedule.(cron.ConstantDelaySchedule); ok {
		return nil, errIntervalNotSupported
	}

	s.schedules[spec] = schedule

	return schedule, nil
}
