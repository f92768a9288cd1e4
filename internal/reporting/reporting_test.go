package reporting_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/metamatt/stargate/internal/config"
	"github.com/metamatt/stargate/internal/reporting"
)

type fakeNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeNotifier) Notify(ctx context.Context, alias, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, alias+":"+subject+":"+body)
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestReporterSendsConfiguredEvents(t *testing.T) {
	n := &fakeNotifier{}
	r := reporting.New(slog.Default(), n, config.ReportingConfig{
		Startup:   "ops",
		Shutdown:  "ops",
		Exception: "ops",
	})

	r.Startup(context.Background())
	r.Shutdown(context.Background())
	r.Exception(context.Background(), errors.New("boom"))

	if n.count() != 3 {
		t.Fatalf("sent %d notifications, want 3", n.count())
	}
}

func TestReporterSkipsUnconfiguredAliases(t *testing.T) {
	n := &fakeNotifier{}
	r := reporting.New(slog.Default(), n, config.ReportingConfig{})

	r.Startup(context.Background())
	r.Shutdown(context.Background())
	r.Exception(context.Background(), errors.New("boom"))

	if n.count() != 0 {
		t.Fatalf("sent %d notifications, want 0", n.count())
	}
}

func TestReporterToleratesNilNotifier(t *testing.T) {
	r := reporting.New(slog.Default(), nil, config.ReportingConfig{Startup: "ops"})
	r.Startup(context.Background()) // must not panic
}
