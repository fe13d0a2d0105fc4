// Package cmd turns configuration strings into engine components.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/runflow/pkg/persistence"
	"github.com/dukex/runflow/pkg/persistence/file"
	"github.com/dukex/runflow/pkg/persistence/memory"
	"github.com/dukex/runflow/pkg/persistence/postgresql"
)

var supportedPersistenceProviders = []string{"memory", "file", "postgres", "postgresql"}

// NewPersistence picks the store from the scheme of databaseURL:
// memory://, file://<dir>, postgres:// or postgresql://. A bare path is a
// file store rooted there; an empty URL is the in-memory store.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	provider, rest := parsePersistenceProvider(databaseURL)

	switch provider {
	case "memory":
		return memory.NewPersistence(), nil
	case "postgres", "postgresql":
		p, err := postgresql.NewPersistence(ctx, logger.With("module", "postgresql"), databaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgresql persistence: %w", err)
		}

		return p, nil
	default:
		return file.NewPersistence(rest), nil
	}
}

func parsePersistenceProvider(databaseURL string) (string, string) {
	if databaseURL == "" {
		return "memory", ""
	}

	provider, rest, found := strings.Cut(databaseURL, "://")
	if !found {
		return "file", databaseURL
	}

	for _, supported := range supportedPersistenceProviders {
		if provider == supported {
			return provider, rest
		}
	}

	return "file", databaseURL
}
