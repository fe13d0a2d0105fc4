package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dukex/runflow/pkg/engine"
	"github.com/dukex/runflow/pkg/log"
	"github.com/dukex/runflow/pkg/models"
	"github.com/dukex/runflow/pkg/trigger"
	"github.com/prometheus/client_golang/prometheus"
	cli "github.com/urfave/cli/v3"
)

var ErrTriggersFileRequired = errors.New("a triggers file is required")

func NewTriggerCommand() *cli.Command {
	workflowFlag := func() cli.Flag {
		return &cli.StringFlag{
			Name:     "workflow-id",
			Usage:    "Workflow the triggers belong to",
			Required: true,
		}
	}

	return &cli.Command{
		Name:    "trigger",
		Aliases: []string{"t"},
		Usage:   "Manage persisted schedule and polling triggers",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List triggers, optionally of one workflow",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "workflow-id", Usage: "Only list triggers of this workflow"},
				},
				Action: withEngine(func(ctx context.Context, command *cli.Command, e *engine.Engine) error {
					jobs, err := e.ListTriggers(ctx, command.String("workflow-id"))
					if err != nil {
						return err
					}

					printTriggers(command, jobs)

					return nil
				}),
			},
			{
				Name:      "activate",
				Usage:     "Upsert the triggers listed in a JSON file",
				ArgsUsage: "<triggers.json>",
				Flags:     []cli.Flag{workflowFlag()},
				Action: withEngine(func(ctx context.Context, command *cli.Command, e *engine.Engine) error {
					specs, err := readTriggerSpecs(command.Args().First())
					if err != nil {
						return err
					}

					jobs, err := e.ActivateTriggers(ctx, command.String("workflow-id"), specs)
					if err != nil {
						return err
					}

					printTriggers(command, jobs)

					return nil
				}),
			},
			{
				Name:  "deactivate",
				Usage: "Stop every trigger of a workflow",
				Flags: []cli.Flag{
					workflowFlag(),
					&cli.BoolFlag{Name: "delete", Usage: "Remove the triggers instead of deactivating them"},
				},
				Action: withEngine(func(ctx context.Context, command *cli.Command, e *engine.Engine) error {
					var (
						n   int
						err error
					)

					if command.Bool("delete") {
						n, err = e.DeleteWorkflowTriggers(ctx, command.String("workflow-id"))
					} else {
						n, err = e.DeactivateTriggers(ctx, command.String("workflow-id"))
					}

					if err != nil {
						return err
					}

					_, _ = fmt.Fprintf(command.Root().Writer, "%d triggers updated\n", n)

					return nil
				}),
			},
			{
				Name:  "tick",
				Usage: "Fire every due trigger once and exit",
				Action: withEngine(func(ctx context.Context, command *cli.Command, e *engine.Engine) error {
					fired, err := e.Triggers().Tick(ctx)
					if err != nil {
						return err
					}

					_, _ = fmt.Fprintf(command.Root().Writer, "%d triggers fired\n", fired)

					return nil
				}),
			},
		},
	}
}

// withEngine runs action against an api-only engine, so no worker pool or
// scheduler loop is started.
func withEngine(action func(ctx context.Context, command *cli.Command, e *engine.Engine) error) cli.ActionFunc {
	return func(ctx context.Context, command *cli.Command) error {
		log.Setup(command.String("log-level"))

		rt, err := buildRuntime(ctx, command, engine.ModeAPIOnly, prometheus.NewRegistry())
		if err != nil {
			return err
		}

		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()

			if err := rt.Close(shutdownCtx); err != nil {
				rt.logger.ErrorContext(ctx, "failed to shut down", "error", err)
			}
		}()

		return action(ctx, command, rt.engine)
	}
}

func readTriggerSpecs(path string) ([]trigger.TriggerSpec, error) {
	if path == "" {
		return nil, ErrTriggersFileRequired
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var specs []trigger.TriggerSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	return specs, nil
}

func printTriggers(command *cli.Command, jobs []*models.TriggerJob) {
	w := tabwriter.NewWriter(command.Root().Writer, 0, 4, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "WORKFLOW\tTRIGGER\tTYPE\tACTIVE\tNEXT RUN\tFAILS")

	for _, j := range jobs {
		next := "-"
		if j.NextRun != nil {
			next = j.NextRun.Format(time.RFC3339)
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%d\n", j.WorkflowID, j.TriggerID, j.Type, j.Active, next, j.FailCount)
	}
}
