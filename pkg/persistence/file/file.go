// Package file provides file-based persistence: one JSON document per
// execution, node execution and trigger job under a root directory.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dukex/runflow/pkg/persistence"
)

const (
	executionsDir     = "executions"
	nodeExecutionsDir = "node_executions"
	triggerJobsDir    = "trigger_jobs"
)

// Persistence implements the persistence.Persistence interface using the file system.
type Persistence struct {
	root string
	mu   sync.RWMutex
}

// NewPersistence creates a new instance of Persistence with the specified root
// directory. A "file://" prefix is accepted.
func NewPersistence(root string) *Persistence {
	return &Persistence{root: strings.Replace(root, "file://", "", 1)}
}

func (fp *Persistence) Executions() persistence.ExecutionRepository {
	return &executionRepository{fp: fp}
}

func (fp *Persistence) NodeExecutions() persistence.NodeExecutionRepository {
	return &nodeExecutionRepository{fp: fp}
}

func (fp *Persistence) TriggerJobs() persistence.TriggerJobRepository {
	return &triggerJobRepository{fp: fp}
}

// HealthCheck verifies the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); err != nil {
		return fmt.Errorf("file persistence root %s: %w", fp.root, err)
	}

	return nil
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// validateID rejects identifiers that could escape the root directory.
func validateID(id string) error {
	if id == "" || id == "." || strings.Contains(id, "..") || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: %q", persistence.ErrInvalidID, id)
	}

	return nil
}

func (fp *Persistence) path(parts ...string) string {
	return filepath.Join(append([]string{fp.root}, parts...)...)
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}

	// write to a sibling and rename so readers never see a partial document
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}

	return os.Rename(tmp, path)
}

// readJSON returns os.ErrNotExist (wrapped) when the document is missing.
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path) // #nosec G304 -- ids are validated before building paths
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", filepath.Base(path), err)
	}

	return nil
}

// readAll decodes every document in dir using decode. A missing directory is
// an empty result.
func readAll[T any](dir string) ([]*T, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return []*T{}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	out := make([]*T, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		var v T
		if err := readJSON(filepath.Join(dir, entry.Name()), &v); err != nil {
			return nil, err
		}

		out = append(out, &v)
	}

	return out, nil
}
