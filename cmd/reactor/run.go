package main

import (
	"context"

	"github.com/dukex/reactor/pkg/execution"
	"github.com/dukex/reactor/pkg/log"
	"github.com/dukex/reactor/pkg/scheduler"
	"github.com/urfave/cli/v3"
)

const defaultPort = 9091

func NewRunCommand() *cli.Command {
	return &cli.Command{
		Name:    "run",
		Aliases: []string{"r"},
		Usage:   "Start the API, the trigger scheduler and the queue source",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			databaseURLFlag(),
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (gochannel, kafka)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma separated Kafka brokers, used by the kafka event bus",
				Value:   "localhost:9092",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.DurationFlag{
				Name:    "tick-interval",
				Usage:   "Polling period of cron triggers",
				Value:   scheduler.DefaultTickInterval,
				Sources: cli.EnvVars("TICK_INTERVAL"),
			},
			&cli.IntFlag{
				Name:    "max-parallel-branches",
				Usage:   "Sibling branches executed concurrently per node",
				Value:   execution.DefaultMaxParallelBranches,
				Sources: cli.EnvVars("MAX_PARALLEL_BRANCHES"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL of the queue source, disabled when empty",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.StringSliceFlag{
				Name:    "redis-queue",
				Usage:   "Redis lists consumed by the queue source",
				Value:   []string{"reactor"},
				Sources: cli.EnvVars("REDIS_QUEUE"),
			},
			pluginsPathFlag(),
			logLevelFlag(),
			&cli.BoolFlag{
				Name:    "otel-enabled",
				Usage:   "Export traces over OTLP/HTTP",
				Sources: cli.EnvVars("OTEL_ENABLED"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger := log.WithModule("reactor")

			logger.InfoContext(ctx, "Initializing Reactor")

			server, err := NewServer(ctx, logger, Config{
				DatabaseURL:         command.String("database-url"),
				EventBus:            command.String("event-bus"),
				KafkaBrokers:        command.String("kafka-brokers"),
				Port:                int(command.Int("port")),
				TickInterval:        command.Duration("tick-interval"),
				MaxParallelBranches: int(command.Int("max-parallel-branches")),
				RedisURL:            command.String("redis-url"),
				RedisQueues:         command.StringSlice("redis-queue"),
				PluginsPath:         command.String("plugins-path"),
				OTELEnabled:         command.Bool("otel-enabled"),
				RequestLog:          true,
			})
			if err != nil {
				return err
			}

			return server.Run(ctx)
		},
	}
}
