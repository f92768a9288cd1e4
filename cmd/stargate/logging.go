package main

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/metamatt/stargate/internal/config"
)

// fanoutHandler dispatches each record to every handler enabled for its
// level, matching spec.md §6's independent `logging.level` (logfile) and
// `logging.console_level` (stdout) knobs -- two destinations, two
// thresholds, one logger.
type fanoutHandler struct {
	handlers []slog.Handler
}

func (h *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, hh := range h.handlers {
		if !hh.Enabled(ctx, r.Level) {
			continue
		}
		if err := hh.Handle(ctx, r.Clone()); err != nil {
			return err
		}
	}
	return nil
}

func (h *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		out[i] = hh.WithAttrs(attrs)
	}
	return &fanoutHandler{handlers: out}
}

func (h *fanoutHandler) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		out[i] = hh.WithGroup(name)
	}
	return &fanoutHandler{handlers: out}
}

// newLogger builds the console+logfile fanout logger described by
// cfg.Logging. The logfile, if configured, has its "%(pid)s" placeholder
// expanded to the current process id (spec.md §6).
func newLogger(cfg config.LoggingConfig) (*slog.Logger, func() error, error) {
	var closer func() error = func() error { return nil }

	handlers := []slog.Handler{
		slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.ParseLogLevel(cfg.ConsoleLevel),
		}),
	}

	if cfg.Logfile != "" {
		path := config.ExpandLogfile(cfg.Logfile, os.Getpid())
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, err
		}
		var w io.Writer = f
		handlers = append(handlers, slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level: config.ParseLogLevel(cfg.Level),
		}))
		closer = f.Close
	}

	return slog.New(&fanoutHandler{handlers: handlers}), closer, nil
}
