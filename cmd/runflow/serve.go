package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dukex/runflow/pkg/engine"
	"github.com/dukex/runflow/pkg/log"
	"github.com/dukex/runflow/pkg/realtime"
	"github.com/dukex/runflow/pkg/web"
	"github.com/prometheus/client_golang/prometheus"
	cli "github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func NewServeCommand() *cli.Command {
	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "Start the control API, and the worker pool and trigger scheduler unless api-only",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "mode",
				Usage:   "Run mode (hybrid, api-only, worker-only)",
				Value:   string(engine.ModeHybrid),
				Sources: cli.EnvVars("RUNFLOW_MODE"),
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.IntFlag{
				Name:    "metrics-port",
				Usage:   "Port serving /metrics and the execution websocket stream",
				Value:   defaultMetricsPort,
				Sources: cli.EnvVars("METRICS_PORT"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			mode, err := engine.ParseMode(command.String("mode"))
			if err != nil {
				return err
			}

			return serve(ctx, command, mode, true)
		},
	}
}

func NewWorkerCommand() *cli.Command {
	return &cli.Command{
		Name:    "worker",
		Aliases: []string{"w"},
		Usage:   "Start a worker consuming the job queue",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "metrics-port",
				Usage:   "Port serving /metrics and the execution websocket stream",
				Value:   defaultMetricsPort,
				Sources: cli.EnvVars("METRICS_PORT"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			return serve(ctx, command, engine.ModeWorkerOnly, false)
		},
	}
}

func serve(ctx context.Context, command *cli.Command, mode engine.Mode, withAPI bool) error {
	log.Setup(command.String("log-level"))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, command, mode, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}

	logger := rt.logger

	if err := rt.engine.Start(ctx); err != nil {
		_ = rt.Close(context.WithoutCancel(ctx))

		return fmt.Errorf("failed to start engine: %w", err)
	}

	if rt.engine.Degraded() {
		logger.WarnContext(ctx, "running without a job queue, executions run synchronously",
			"reason", rt.engine.Health(ctx).DegradedReason)
	}

	metricsServer := &http.Server{
		Addr:              ":" + strconv.Itoa(command.Int("metrics-port")),
		Handler:           realtime.NewServeMux(rt.hub, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.InfoContext(ctx, "serving metrics and realtime stream", "addr", metricsServer.Addr)

		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	if withAPI {
		app := web.NewApp(rt.engine)

		group.Go(func() error {
			return app.Listen(":" + strconv.Itoa(command.Int("port")))
		})

		group.Go(func() error {
			<-groupCtx.Done()

			return app.ShutdownWithTimeout(shutdownTimeout)
		})
	}

	group.Go(func() error {
		<-groupCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		return metricsServer.Shutdown(shutdownCtx)
	})

	logger.InfoContext(ctx, "runflow started", "worker_id", command.String("worker-id"))

	serveErr := group.Wait()

	logger.InfoContext(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	return errors.Join(serveErr, rt.Close(shutdownCtx))
}
