package audit

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
)

// writerSink writes one JSON event per line to a Writer.
type writerSink struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewLogger creates a Sink writing to os.Stdout.
func NewLogger() Sink {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter creates a Sink writing to the given writer.
func NewLoggerWithWriter(w io.Writer) Sink {
	if w == nil {
		w = os.Stdout
	}
	return &writerSink{writer: w}
}

func (l *writerSink) Emit(_ context.Context, evt Event) error {
	bytes, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// Prefix with AUDIT: for easy filtering
	_, err = l.writer.Write(append([]byte("AUDIT: "), append(bytes, '\n')...))
	return err
}

// SlogSink emits events as structured log records. Denied and failed
// outcomes are logged at Warn and Error.
type SlogSink struct {
	logger *slog.Logger
}

func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger.With("component", "audit")}
}

func (s *SlogSink) Emit(ctx context.Context, evt Event) error {
	level := slog.LevelInfo
	switch evt.Status {
	case StatusDenied:
		level = slog.LevelWarn
	case StatusFailed:
		level = slog.LevelError
	}

	attrs := []any{
		"event_id", evt.ID,
		"action", evt.Action,
		"actor", evt.Actor,
		"target", evt.Target,
		"status", string(evt.Status),
	}
	if evt.Reason != "" {
		attrs = append(attrs, "reason", evt.Reason)
	}
	for k, v := range evt.Context {
		attrs = append(attrs, k, v)
	}
	s.logger.Log(ctx, level, "integrity event", attrs...)
	return nil
}
