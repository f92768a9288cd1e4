// Package reporting sends lifecycle notifications (startup, shutdown,
// unhandled exception) to configured alias names, mirroring reports.py's
// SgReporter.
package reporting

import (
	"context"
	"log/slog"

	"github.com/metamatt/stargate/internal/config"
)

// Notifier is the subset of internal/notify.Notifier this package needs.
type Notifier interface {
	Notify(ctx context.Context, alias, subject, body string) error
}

// Reporter sends startup/shutdown/exception notifications to the aliases
// named in reporting.* configuration. Any alias left blank is a no-op for
// that event, matching the original's `if self.config.startup:` guards.
type Reporter struct {
	logger   *slog.Logger
	notifier Notifier
	cfg      config.ReportingConfig
}

// New builds a Reporter. notifier may be nil (all methods become no-ops),
// accommodating deployments with no notifications.email configured.
func New(logger *slog.Logger, notifier Notifier, cfg config.ReportingConfig) *Reporter {
	return &Reporter{
		logger:   logger.With(slog.String("component", "reporting")),
		notifier: notifier,
		cfg:      cfg,
	}
}

// Startup sends the configured startup notification, if any.
func (r *Reporter) Startup(ctx context.Context) {
	r.send(ctx, r.cfg.Startup, "Stargate startup", "Stargate is now running")
}

// Shutdown sends the configured shutdown notification, if any.
func (r *Reporter) Shutdown(ctx context.Context) {
	r.send(ctx, r.cfg.Shutdown, "Stargate shutdown", "Stargate has stopped")
}

// Exception sends the configured exception notification, if any, with err's
// text as the body — the Go analogue of the original's traceback dump
// (spec.md §9's HandlerException policy: logged always, notified only if
// an exception alias is configured).
func (r *Reporter) Exception(ctx context.Context, err error) {
	r.send(ctx, r.cfg.Exception, "Stargate exception report", err.Error())
}

func (r *Reporter) send(ctx context.Context, alias, subject, body string) {
	if alias == "" || r.notifier == nil {
		return
	}
	if err := r.notifier.Notify(ctx, alias, subject, body); err != nil {
		r.logger.Error("sending lifecycle report", slog.String("alias", alias), slog.Any("error", err))
	}
}
