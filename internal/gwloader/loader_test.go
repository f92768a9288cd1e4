package gwloader

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/metamatt/stargate/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoadRunsInDependencyOrder(t *testing.T) {
	var order []string

	plugins := []Plugin{
		{
			Name:         "c",
			Dependencies: func() ([]string, error) { return []string{"b"}, nil },
			Init: func(ctx context.Context, resolved map[string]any) (any, error) {
				order = append(order, "c")
				return "c", nil
			},
		},
		{
			Name:         "a",
			Dependencies: func() ([]string, error) { return nil, nil },
			Init: func(ctx context.Context, resolved map[string]any) (any, error) {
				order = append(order, "a")
				return "a", nil
			},
		},
		{
			Name:         "b",
			Dependencies: func() ([]string, error) { return []string{"a"}, nil },
			Init: func(ctx context.Context, resolved map[string]any) (any, error) {
				if _, ok := resolved["a"]; !ok {
					t.Error("b initialized before a was resolved")
				}
				order = append(order, "b")
				return "b", nil
			},
		},
	}

	results := Load(context.Background(), discardLogger(), plugins)

	for _, r := range results {
		if r.Err != nil || r.Skipped {
			t.Fatalf("unexpected failure for %s: %+v", r.Name, r)
		}
	}
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("init order = %v, want [a b c]", order)
	}
}

func TestLoadCascadesSkipOnFailure(t *testing.T) {
	errBoom := errors.New("boom")

	plugins := []Plugin{
		{
			Name:         "a",
			Dependencies: func() ([]string, error) { return nil, nil },
			Init: func(ctx context.Context, resolved map[string]any) (any, error) {
				return nil, errBoom
			},
		},
		{
			Name:         "b",
			Dependencies: func() ([]string, error) { return []string{"a"}, nil },
			Init: func(ctx context.Context, resolved map[string]any) (any, error) {
				t.Error("b must not be initialized when a failed")
				return "b", nil
			},
		},
	}

	results := Load(context.Background(), discardLogger(), plugins)

	byName := map[string]Result{}
	for _, r := range results {
		byName[r.Name] = r
	}

	if byName["a"].Err == nil {
		t.Error("expected a to report its own failure")
	}
	if !byName["b"].Skipped {
		t.Error("expected b to be reported as skipped (cascading)")
	}
}

func TestLoadReportsUnresolvedDependency(t *testing.T) {
	plugins := []Plugin{
		{
			Name:         "orphan",
			Dependencies: func() ([]string, error) { return []string{"nonexistent"}, nil },
			Init: func(ctx context.Context, resolved map[string]any) (any, error) {
				t.Error("orphan must never be initialized")
				return nil, nil
			},
		},
	}

	results := Load(context.Background(), discardLogger(), plugins)
	if len(results) != 1 || !results[0].Skipped {
		t.Fatalf("results = %+v, want one skipped result", results)
	}
}

func TestBuildPluginsSkipsDisabledAndUnconfigured(t *testing.T) {
	cfg := &config.Config{
		Gateways: map[string]config.GatewayRaw{
			"radiora2": {
				Disabled: true,
				Raw:      map[string]any{},
			},
			"powerseries": {
				Raw: map[string]any{
					"gateway": map[string]any{"hostname": "dsc.local", "password": "secret"},
				},
			},
			// "vera" and "synther" intentionally absent.
		},
	}

	plugins := BuildPlugins(Deps{}, cfg)

	if len(plugins) != 1 {
		t.Fatalf("len(plugins) = %d, want 1", len(plugins))
	}
	if plugins[0].Name != "powerseries" {
		t.Errorf("plugins[0].Name = %q, want powerseries", plugins[0].Name)
	}
}

func TestSyntherDependenciesDerivedFromConfiguredRules(t *testing.T) {
	raw := map[string]any{
		"delays": []map[string]any{
			{"radiora2_iid": 5, "button": 1, "delay": 3.0, "output_iid": 10},
		},
		"paranoid": []map[string]any{
			{"gateway": "vera", "device": "device:42", "state": "unlocked", "delay": 60.0, "alias": "security"},
		},
	}

	scfg, err := decodeSynthConfig(raw)
	if err != nil {
		t.Fatalf("decodeSynthConfig: %v", err)
	}

	deps := syntherDependencies(scfg)
	want := map[string]bool{"radiora2": true, "vera": true}
	if len(deps) != len(want) {
		t.Fatalf("deps = %v, want exactly %v", deps, want)
	}
	for _, d := range deps {
		if !want[d] {
			t.Errorf("unexpected dependency %q", d)
		}
	}
}
