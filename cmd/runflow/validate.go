package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dukex/runflow/pkg/graph"
	"github.com/dukex/runflow/pkg/nodeexec"
	cli "github.com/urfave/cli/v3"
)

var (
	ErrNoWorkflows      = errors.New("no workflow files given")
	ErrInvalidWorkflows = errors.New("invalid workflows found")
)

func NewValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Aliases:   []string{"v"},
		Usage:     "Validate workflow graph files",
		ArgsUsage: "[file or directory ...]",
		Action: func(_ context.Context, command *cli.Command) error {
			paths := command.Args().Slice()
			if len(paths) == 0 {
				paths = []string{command.String("workflows-dir")}
			}

			return validateWorkflows(command.Root().Writer, paths)
		},
	}
}

func validateWorkflows(w io.Writer, paths []string) error {
	files, err := expandWorkflowPaths(paths)
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return ErrNoWorkflows
	}

	known := map[string]bool{}
	for _, t := range nodeexec.NewRegistry().Types() {
		known[t] = true
	}

	invalid := 0

	for _, file := range files {
		g, err := graph.LoadFile(file)
		if err != nil {
			invalid++

			_, _ = fmt.Fprintf(w, "FAIL %v\n", err)

			continue
		}

		unknown := 0

		for _, n := range g.Nodes {
			if !known[n.Type] {
				unknown++

				_, _ = fmt.Fprintf(w, "FAIL %s: node %s has unknown type %q\n", file, n.ID, n.Type)
			}
		}

		if unknown > 0 {
			invalid++

			continue
		}

		_, _ = fmt.Fprintf(w, "ok   %s (%s, %d nodes)\n", file, g.ID, len(g.Nodes))
	}

	if invalid > 0 {
		return fmt.Errorf("%w: %d of %d", ErrInvalidWorkflows, invalid, len(files))
	}

	return nil
}

func expandWorkflowPaths(paths []string) ([]string, error) {
	var files []string

	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}

		if !info.IsDir() {
			files = append(files, p)

			continue
		}

		matches, err := filepath.Glob(filepath.Join(p, "*.json"))
		if err != nil {
			return nil, err
		}

		files = append(files, matches...)
	}

	return files, nil
}
