package logging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	tclog "github.com/testcontainers/testcontainers-go/log"
)

// Lifecycle steps testcontainers logs for every container, keyed by the marker it prefixes them
// with.
var lifecycleMarkers = map[string]string{
	"🐳": "create",
	"✅": "ready",
	"🔔": "ready",
	"⏳": "wait",
	"🚫": "terminate",
}

type testcontainersLogger struct {
	logger *slog.Logger
}

// NewTestcontainersAdapter routes testcontainers output through logger with attrs attached.
// Lifecycle steps are logged at debug with a "step" attr and failures at error.
func NewTestcontainersAdapter(logger *slog.Logger, attrs ...any) *testcontainersLogger {
	return &testcontainersLogger{logger: logger.With("component", "testcontainers").With(attrs...)}
}

func (s *testcontainersLogger) Printf(format string, args ...any) {
	msg := strings.TrimSpace(fmt.Sprintf(format, args...))
	if strings.Contains(msg, "Connected to docker:") {
		return
	}
	ctx := context.Background()
	if rest, ok := strings.CutPrefix(msg, "❌"); ok {
		s.logger.ErrorContext(ctx, strings.TrimSpace(rest))
		return
	}
	for marker, step := range lifecycleMarkers {
		if rest, ok := strings.CutPrefix(msg, marker); ok {
			s.logger.DebugContext(ctx, strings.TrimSpace(rest), "step", step)
			return
		}
	}
	s.logger.InfoContext(ctx, msg)
}

func SetTestcontainersLogger(logger *slog.Logger, attrs ...any) {
	tclog.SetDefault(NewTestcontainersAdapter(logger, attrs...))
}
