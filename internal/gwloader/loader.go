// Package gwloader topologically loads gateway plugins from configuration,
// resolving inter-plugin dependencies (spec.md §4.11). A plugin's init may
// need another plugin to already be registered with the House — the
// Synthesizer, for instance, resolves devices by (gatewayID, gatewayDevID)
// pairs that only exist once their owning gateway has run. The loader
// defers a plugin's Init until everything it depends on has succeeded, and
// cascades a skip to anything depending, directly or transitively, on a
// plugin that failed or was never ready.
package gwloader

import (
	"context"
	"fmt"
	"log/slog"
)

// Plugin describes one loadable gateway. Name must match the plugin's
// `gateways.<name>` configuration key. Dependencies reports the set of
// other plugin names (by their Name) that must be initialized first; it
// is evaluated once, before any plugin's Init runs. Init constructs and
// registers the plugin, returning the constructed value (typically stored
// by cmd/stargate for later shutdown) or an error.
type Plugin struct {
	Name         string
	Dependencies func() ([]string, error)
	Init         func(ctx context.Context, resolved map[string]any) (any, error)
}

// Result holds the outcome of loading one plugin.
type Result struct {
	Name    string
	Value   any
	Err     error
	Skipped bool // dependency never became ready (broken or cascaded)
}

// Load runs the topological loading algorithm over plugins:
//  1. Compute each plugin's dependency set.
//  2. Partition into ready (no deps) and pending.
//  3. Repeatedly initialize any ready plugin, then promote any pending
//     plugin whose last unmet dependency this satisfied.
//  4. A plugin whose Init fails is recorded as failed; its dependents are
//     never promoted, cascading the skip.
//  5. Anything still pending once no plugin is ready has a broken
//     dependency (unknown name, or a cycle) and is skipped.
//
// Load never returns an error itself; failures and skips are reported per
// plugin in the returned slice (order: initialization order, then skipped
// plugins in the order they were declared), matching the original loader's
// "log and continue" policy — one broken gateway must not prevent the
// others from starting.
func Load(ctx context.Context, logger *slog.Logger, plugins []Plugin) []Result {
	type node struct {
		plugin  Plugin
		deps    []string
		waiting map[string]bool
	}

	nodes := make(map[string]*node, len(plugins))
	reverse := make(map[string][]string)
	order := make([]string, 0, len(plugins))

	for _, p := range plugins {
		deps, err := p.Dependencies()
		if err != nil {
			logger.Error("computing gateway dependencies", slog.String("gateway", p.Name), slog.Any("error", err))
			deps = nil
		}
		n := &node{plugin: p, deps: deps, waiting: make(map[string]bool, len(deps))}
		for _, d := range deps {
			n.waiting[d] = true
		}
		nodes[p.Name] = n
		order = append(order, p.Name)
		for _, d := range deps {
			reverse[d] = append(reverse[d], p.Name)
		}
	}

	var ready []string
	for _, name := range order {
		if len(nodes[name].waiting) == 0 {
			ready = append(ready, name)
		}
	}

	resolved := make(map[string]any, len(plugins))
	results := make(map[string]Result, len(plugins))
	var finalOrder []string

	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		n := nodes[name]
		finalOrder = append(finalOrder, name)

		val, err := n.plugin.Init(ctx, resolved)
		if err != nil {
			logger.Error("initializing gateway", slog.String("gateway", name), slog.Any("error", err))
			results[name] = Result{Name: name, Err: err}
			continue // cascading skip: do not promote dependents
		}

		logger.Info("gateway initialized", slog.String("gateway", name))
		resolved[name] = val
		results[name] = Result{Name: name, Value: val}

		for _, dependent := range reverse[name] {
			dn := nodes[dependent]
			delete(dn.waiting, name)
			if len(dn.waiting) == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	out := make([]Result, 0, len(plugins))
	for _, name := range finalOrder {
		out = append(out, results[name])
	}
	for _, name := range order {
		if _, done := results[name]; done {
			continue
		}
		missing := make([]string, 0, len(nodes[name].waiting))
		for d := range nodes[name].waiting {
			missing = append(missing, d)
		}
		logger.Error("gateway has unresolved dependencies, skipping", slog.String("gateway", name), slog.Any("missing", missing))
		out = append(out, Result{Name: name, Skipped: true, Err: fmt.Errorf("gwloader: unresolved dependencies: %v", missing)})
	}

	return out
}
