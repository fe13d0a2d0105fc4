package log

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/dukex/runflow/pkg/resilience"
)

// Setup installs the default slog logger. Attributes whose key names a
// secret are replaced before they reach the handler.
func Setup(logLevel string) {
	slog.SetDefault(New(os.Stderr, logLevel))
}

// New builds a text logger writing to w at the given level.
func New(w io.Writer, logLevel string) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       ParseLevel(logLevel),
		ReplaceAttr: redactAttr,
	}))
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(logLevel string) slog.Level {
	switch strings.ToLower(logLevel) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func WithModule(module string) *slog.Logger {
	return slog.With("module", module)
}

func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindGroup {
		return a
	}

	if resilience.IsSensitiveKey(a.Key) {
		return slog.String(a.Key, resilience.RedactedValue)
	}

	if a.Value.Kind() == slog.KindString {
		return slog.String(a.Key, resilience.RedactString(a.Value.String()))
	}

	return a
}
