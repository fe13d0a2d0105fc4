package main

import (
	"context"
	"fmt"
	"os"
	"time"

	cli "github.com/urfave/cli/v3"
)

const (
	defaultPort        = 9091
	defaultMetricsPort = 9092
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:                  "runflow",
		Usage:                 "Run workflow executions, workers and triggers",
		EnableShellCompletion: true,
		Flags:                 globalFlags(),
		Commands: []*cli.Command{
			NewServeCommand(),
			NewWorkerCommand(),
			NewValidateCommand(),
			NewTriggerCommand(),
		},
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "Persistence URL (memory://, file://<dir>, postgres://...)",
			Value:   "memory://",
			Sources: cli.EnvVars("DATABASE_URL"),
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "Redis URL used by the redis queue, realtime channel and flow state cache",
			Sources: cli.EnvVars("REDIS_URL"),
		},
		&cli.StringSliceFlag{
			Name:    "kafka-brokers",
			Usage:   "Kafka broker addresses",
			Sources: cli.EnvVars("KAFKA_BROKERS"),
		},
		&cli.StringFlag{
			Name:    "queue-provider",
			Usage:   "Job queue provider (redis, kafka, memory, none)",
			Value:   "memory",
			Sources: cli.EnvVars("QUEUE_PROVIDER"),
		},
		&cli.StringFlag{
			Name:    "realtime-provider",
			Usage:   "Realtime event channel provider (redis, kafka, memory)",
			Value:   "memory",
			Sources: cli.EnvVars("REALTIME_PROVIDER"),
		},
		&cli.StringFlag{
			Name:    "workflows-dir",
			Usage:   "Directory holding <workflow-id>.json graph definitions",
			Value:   "./workflows",
			Sources: cli.EnvVars("WORKFLOWS_DIR"),
		},
		&cli.StringFlag{
			Name:    "worker-id",
			Usage:   "Worker identifier (auto-generated if not provided)",
			Sources: cli.EnvVars("WORKER_ID"),
		},
		&cli.IntFlag{
			Name:    "worker-concurrency",
			Usage:   "Number of executions a worker runs at once",
			Value:   4,
			Sources: cli.EnvVars("WORKER_CONCURRENCY"),
		},
		&cli.IntFlag{
			Name:    "execution-concurrency",
			Usage:   "Number of nodes one execution runs at once",
			Value:   5,
			Sources: cli.EnvVars("EXECUTION_CONCURRENCY"),
		},
		&cli.DurationFlag{
			Name:    "execution-timeout",
			Usage:   "Default execution timeout (0 disables it)",
			Value:   0,
			Sources: cli.EnvVars("EXECUTION_TIMEOUT"),
		},
		&cli.DurationFlag{
			Name:    "trigger-poll-interval",
			Usage:   "How often due triggers are checked",
			Value:   10 * time.Second,
			Sources: cli.EnvVars("TRIGGER_POLL_INTERVAL"),
		},
		&cli.BoolFlag{
			Name:    "otel-enabled",
			Usage:   "Export traces over OTLP/HTTP",
			Sources: cli.EnvVars("OTEL_ENABLED"),
		},
	}
}
