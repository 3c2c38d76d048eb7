package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dukex/reactor/pkg/cmd"
	"github.com/dukex/reactor/pkg/eventbus"
	"github.com/dukex/reactor/pkg/execution"
	"github.com/dukex/reactor/pkg/expression"
	"github.com/dukex/reactor/pkg/graph"
	"github.com/dukex/reactor/pkg/nodes"
	"github.com/dukex/reactor/pkg/otelhelper"
	"github.com/dukex/reactor/pkg/permission"
	"github.com/dukex/reactor/pkg/persistence"
	"github.com/dukex/reactor/pkg/scheduler"
	"github.com/dukex/reactor/pkg/services"
	"github.com/dukex/reactor/pkg/sources/queue"
	"github.com/dukex/reactor/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"go.opentelemetry.io/otel/trace"
)

const (
	serviceName     = "reactor"
	shutdownTimeout = 30 * time.Second
	httpTimeout     = 30 * time.Second
)

type Config struct {
	DatabaseURL         string
	EventBus            string
	KafkaBrokers        string
	Port                int
	TickInterval        time.Duration
	MaxParallelBranches int
	RedisURL            string
	RedisQueues         []string
	PluginsPath         string
	OTELEnabled         bool
	RequestLog          bool
}

// Server owns every long running component of the process.
type Server struct {
	logger      *slog.Logger
	config      Config
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	scheduler   *scheduler.Scheduler
	queue       *queue.Source
	app         *fiber.App

	shutdownTracer otelhelper.Shutdown
}

// NewServer wires persistence, the event bus, the node catalog, the graph store, the permission
// engine, the execution engine, the scheduler, the queue source and the HTTP API.
func NewServer(ctx context.Context, logger *slog.Logger, config Config) (*Server, error) {
	s := &Server{logger: logger, config: config}

	var tracer trace.Tracer

	if config.OTELEnabled {
		t, shutdown, err := otelhelper.NewTracer(ctx, serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}

		tracer, s.shutdownTracer = t, shutdown
	}

	p, err := cmd.NewPersistence(ctx, logger, config.DatabaseURL)
	if err != nil {
		return nil, err
	}

	s.persistence = p

	s.eventBus, err = cmd.NewEventBus(config.EventBus, config.KafkaBrokers, logger)
	if err != nil {
		return nil, s.abort(ctx, err)
	}

	expressions := expression.NewEngine()

	reg, err := cmd.NewRegistry(logger, config.PluginsPath, nodes.Options{
		Logger:       logger,
		TickInterval: config.TickInterval,
		Expressions:  expressions,
		HTTPClient:   &http.Client{Timeout: httpTimeout},
	})
	if err != nil {
		return nil, s.abort(ctx, err)
	}

	store := graph.NewStore(logger.With("component", "graph"), reg)
	if err := store.Load(ctx, p); err != nil {
		return nil, s.abort(ctx, err)
	}

	permissions := permission.NewEngine(logger.With("component", "permission"), p.PolicyRepository(), expressions)

	defaultPolicy, err := permissions.SeedDefaults(ctx)
	if err != nil {
		return nil, s.abort(ctx, fmt.Errorf("failed to seed default policies: %w", err))
	}

	engine := execution.NewEngine(logger.With("component", "execution"), store, reg, p.ExecutionRepository(), s.eventBus, execution.Config{
		MaxParallelBranches: config.MaxParallelBranches,
		Tracer:              tracer,
	})

	permissions.RegisterDefaultResolvers(p, p.WorkflowRepository(), engine)

	s.scheduler = scheduler.New(logger.With("component", "scheduler"), store, reg, engine, scheduler.Config{
		TickInterval: config.TickInterval,
	})

	if err := s.scheduler.Subscribe(s.eventBus); err != nil {
		return nil, s.abort(ctx, err)
	}

	if config.RedisURL != "" {
		client, err := queue.NewClient(ctx, config.RedisURL)
		if err != nil {
			return nil, s.abort(ctx, err)
		}

		s.queue = queue.New(logger.With("component", "queue"), client, s.scheduler, config.RedisQueues...)
	}

	handlers := web.NewAPIHandlers(
		services.NewWorkflow(logger.With("component", "workflow"), p, store, permissions, s.eventBus),
		services.NewNode(logger.With("component", "node"), store, p, reg, permissions, s.eventBus),
		services.NewExecutions(logger.With("component", "executions"), engine, engine, permissions),
		services.NewPolicies(logger.With("component", "policies"), permissions, p.PolicyRepository(), permissions),
		reg,
		s.scheduler,
		validator.New(validator.WithRequiredStructEnabled()),
	)

	s.app = web.NewApp(handlers, web.NewActors(logger, permissions, defaultPolicy), config.RequestLog)

	return s, nil
}

// abort releases what NewServer opened so far and returns err.
func (s *Server) abort(ctx context.Context, err error) error {
	return errors.Join(err, s.close(ctx))
}

// App exposes the HTTP application.
func (s *Server) App() *fiber.App {
	return s.app
}

// Run starts every component and blocks until ctx is done or the process is signalled.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := s.eventBus.Subscribe(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to event bus: %w", err)
	}

	s.scheduler.Start(ctx)

	if s.queue != nil {
		if err := s.queue.Start(ctx); err != nil {
			return err
		}
	}

	listenErr := make(chan error, 1)

	go func() {
		listenErr <- s.app.Listen(":" + strconv.Itoa(s.config.Port))
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	var err error

	select {
	case sig := <-signals:
		s.logger.InfoContext(ctx, "Received signal, shutting down gracefully", "signal", sig)
	case <-ctx.Done():
		s.logger.InfoContext(ctx, "Context cancelled, shutting down")
	case err = <-listenErr:
		if err != nil {
			s.logger.ErrorContext(ctx, "HTTP server stopped", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer shutdownCancel()

	return errors.Join(err, s.Shutdown(shutdownCtx))
}

// Shutdown stops intake first, then waits for in-flight runs and releases the stores.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error

	if err := s.app.ShutdownWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop HTTP server: %w", err))
	}

	if s.queue != nil {
		if err := s.queue.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	s.scheduler.Stop(ctx)

	errs = append(errs, s.close(ctx))

	return errors.Join(errs...)
}

func (s *Server) close(ctx context.Context) error {
	var errs []error

	if s.eventBus != nil {
		if err := s.eventBus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close event bus: %w", err))
		}
	}

	if s.persistence != nil {
		if err := s.persistence.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close persistence: %w", err))
		}
	}

	if s.shutdownTracer != nil {
		if err := s.shutdownTracer(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown tracer provider: %w", err))
		}
	}

	return errors.Join(errs...)
}
