package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"smartdip/internal/config"
)

// New returns a stderr logger for level (debug, info, warn, error) and format (text or json).
func New(level string, format string) *slog.Logger {
	return newLogger(os.Stderr, level, format)
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = &TraditionalHandler{logger: log.New(w, "", log.LstdFlags), level: parseLevel(level)}
	}
	return slog.New(handler)
}

// Setup installs the default logger: stderr plus, when enabled, a daily file in LogDir.
// Stdout is left to command output such as DOT plans and listings.
func Setup(cfg *config.Config) (*slog.Logger, error) {
	writers := []io.Writer{os.Stderr}

	if cfg.Logging.FileOutput {
		if err := os.MkdirAll(cfg.Logging.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		logFile := filepath.Join(cfg.Logging.LogDir, fmt.Sprintf("smartdip-%s.log",
			time.Now().Format("2006-01-02")))

		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		writers = append(writers, file)

		currentLogPath := filepath.Join(cfg.Logging.LogDir, "smartdip-current.log")
		os.Remove(currentLogPath)
		_ = os.Symlink(filepath.Base(logFile), currentLogPath)
	}

	logger := newLogger(io.MultiWriter(writers...), cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	logger.Debug("logging initialized",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"file_output", cfg.Logging.FileOutput,
		"log_dir", cfg.Logging.LogDir,
	)

	return logger, nil
}

// TraditionalHandler implements slog.Handler with traditional log formatting:
// "[LEVEL] message [key=value ...]".
type TraditionalHandler struct {
	logger *log.Logger
	level  slog.Level
	attrs  []slog.Attr
	group  string
}

func (h *TraditionalHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *TraditionalHandler) Handle(ctx context.Context, r slog.Record) error {
	msg := r.Message
	attrs := make([]string, 0, len(h.attrs)+r.NumAttrs())

	for _, a := range h.attrs {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
	}
	r.Attrs(func(a slog.Attr) bool {
		key := a.Key
		if h.group != "" {
			key = h.group + "." + key
		}
		attrs = append(attrs, fmt.Sprintf("%s=%v", key, a.Value))
		return true
	})

	if len(attrs) > 0 {
		msg = fmt.Sprintf("%s [%s]", msg, strings.Join(attrs, " "))
	}

	h.logger.Printf("[%s] %s", strings.ToUpper(r.Level.String()), msg)
	return nil
}

func (h *TraditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &next
}

func (h *TraditionalHandler) WithGroup(name string) slog.Handler {
	next := *h
	if next.group != "" {
		name = next.group + "." + name
	}
	next.group = name
	return &next
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogPipelineStart logs the beginning of a pipeline run.
func LogPipelineStart(logger *slog.Logger, runID, source string, operations []string) {
	logger.Info("pipeline started",
		"id", runID,
		"source", source,
		"stages", len(operations),
		"operations", strings.Join(operations, ","),
	)
}

// LogStage logs one completed stage.
func LogStage(logger *slog.Logger, runID string, index int, operation string, width, height int, duration time.Duration) {
	logger.Debug("stage completed",
		"id", runID,
		"stage", index,
		"operation", operation,
		"width", width,
		"height", height,
		"duration_ms", duration.Milliseconds(),
	)
}

// LogPipelineComplete logs a successful run.
func LogPipelineComplete(logger *slog.Logger, runID string, stages int, duration time.Duration) {
	logger.Info("pipeline completed",
		"id", runID,
		"stages", stages,
		"duration_ms", duration.Milliseconds(),
		"duration_human", duration.String(),
	)
}

// LogPipelineError logs a failed run. completed is the number of stages that finished before the failure.
func LogPipelineError(logger *slog.Logger, runID string, completed int, duration time.Duration, err error) {
	logger.Error("pipeline failed",
		"id", runID,
		"completed_stages", completed,
		"duration_ms", duration.Milliseconds(),
		"error", err.Error(),
	)
}
