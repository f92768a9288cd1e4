package gwloader

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-viper/mapstructure/v2"

	"github.com/metamatt/stargate/internal/config"
	"github.com/metamatt/stargate/internal/devicemodel"
	"github.com/metamatt/stargate/internal/dsc"
	"github.com/metamatt/stargate/internal/eventbus"
	"github.com/metamatt/stargate/internal/lutron"
	"github.com/metamatt/stargate/internal/metrics"
	"github.com/metamatt/stargate/internal/notify"
	"github.com/metamatt/stargate/internal/synth"
	"github.com/metamatt/stargate/internal/timer"
	"github.com/metamatt/stargate/internal/vera"
	"github.com/metamatt/stargate/internal/watchdog"
)

// pluginKinds lists the recognized `gateways.<name>` keys, in the order
// BuildPlugins considers them.
var pluginKinds = []string{"radiora2", "powerseries", "vera", "synther"}

// Deps holds the shared collaborators every gateway plugin is built from.
type Deps struct {
	Logger     *slog.Logger
	House      *devicemodel.House
	Bus        *eventbus.Bus
	Timer      *timer.Timer
	Watchdog   *watchdog.Watchdog
	Notifier   *notify.Notifier
	HTTPClient *http.Client
	Metrics    *metrics.Collector
}

// decodeRaw decodes a raw gateway configuration section into out, using
// the same "koanf"-tagged, weakly-typed decoding rules internal/config
// applies to the rest of the document.
func decodeRaw(raw map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "koanf",
	})
	if err != nil {
		return fmt.Errorf("gwloader: build decoder: %w", err)
	}
	return dec.Decode(raw)
}

// BuildPlugins constructs the Plugin set for every enabled, configured
// gateway section of cfg, wiring each to the shared deps. Disabled or
// unconfigured sections are omitted entirely, not reported as skipped —
// spec.md §4.11 step 1 only considers plugins that were actually loaded.
func BuildPlugins(deps Deps, cfg *config.Config) []Plugin {
	var plugins []Plugin
	for _, kind := range pluginKinds {
		raw, ok := cfg.Gateways[kind]
		if !ok || raw.Disabled {
			continue
		}
		switch kind {
		case "radiora2":
			plugins = append(plugins, radiora2Plugin(deps, raw.Raw))
		case "powerseries":
			plugins = append(plugins, powerseriesPlugin(deps, raw.Raw))
		case "vera":
			plugins = append(plugins, veraPlugin(deps, raw.Raw))
		case "synther":
			plugins = append(plugins, syntherPlugin(deps, raw.Raw))
		}
	}
	return plugins
}

type radiora2Raw struct {
	Repeater struct {
		Hostname       string `koanf:"hostname"`
		Username       string `koanf:"username"`
		Password       string `koanf:"password"`
		CachedDatabase string `koanf:"cached_database"`
		Layout         struct {
			IgnoreKeypads []int `koanf:"ignore_keypads"`
		} `koanf:"layout"`
	} `koanf:"repeater"`
}

func radiora2Plugin(deps Deps, raw map[string]any) Plugin {
	return Plugin{
		Name:         "radiora2",
		Dependencies: func() ([]string, error) { return nil, nil },
		Init: func(ctx context.Context, _ map[string]any) (any, error) {
			var r radiora2Raw
			if err := decodeRaw(raw, &r); err != nil {
				return nil, fmt.Errorf("radiora2: decode config: %w", err)
			}
			lcfg := lutron.Config{
				Host:           r.Repeater.Hostname,
				Username:       r.Repeater.Username,
				Password:       r.Repeater.Password,
				IgnoreKeypads:  r.Repeater.Layout.IgnoreKeypads,
				CachedDatabase: r.Repeater.CachedDatabase,
			}

			layout, err := lutron.FetchLayout(ctx, deps.HTTPClient, lcfg)
			if err != nil {
				return nil, fmt.Errorf("radiora2: fetch layout: %w", err)
			}
			gw, err := lutron.New(ctx, deps.Logger, deps.House, deps.Bus, lcfg, layout, func(n int) {
				if deps.Metrics != nil {
					deps.Metrics.SetRefreshesInFlight(lutron.GatewayID, n)
				}
			})
			if err != nil {
				return nil, fmt.Errorf("radiora2: %w", err)
			}
			if err := gw.Start(ctx, deps.Watchdog); err != nil {
				return nil, fmt.Errorf("radiora2: start: %w", err)
			}
			return gw, nil
		},
	}
}

type powerseriesRaw struct {
	Gateway struct {
		Hostname      string `koanf:"hostname"`
		Password      string `koanf:"password"`
		ReflectorPort int    `koanf:"reflector_port"`
	} `koanf:"gateway"`
	Zones          map[string]any    `koanf:"zones"`
	PartitionNames map[string]string `koanf:"partition_names"`
	AreaMapping    map[string][]int  `koanf:"area_mapping"`
}

func powerseriesPlugin(deps Deps, raw map[string]any) Plugin {
	return Plugin{
		Name:         "powerseries",
		Dependencies: func() ([]string, error) { return nil, nil },
		Init: func(ctx context.Context, _ map[string]any) (any, error) {
			var r powerseriesRaw
			if err := decodeRaw(raw, &r); err != nil {
				return nil, fmt.Errorf("powerseries: decode config: %w", err)
			}
			dcfg := dsc.Config{
				Host:           r.Gateway.Hostname,
				Password:       r.Gateway.Password,
				ReflectorPort:  r.Gateway.ReflectorPort,
				Zones:          r.Zones,
				PartitionNames: r.PartitionNames,
				AreaMapping:    r.AreaMapping,
			}

			gw, err := dsc.New(ctx, deps.Logger, deps.House, deps.Bus, dcfg, func(n int) {
				if deps.Metrics != nil {
					deps.Metrics.SetRefreshesInFlight(dsc.GatewayID, n)
				}
			})
			if err != nil {
				return nil, fmt.Errorf("powerseries: %w", err)
			}
			if err := gw.Start(ctx, deps.Watchdog); err != nil {
				return nil, fmt.Errorf("powerseries: start: %w", err)
			}
			return gw, nil
		},
	}
}

type veraRaw struct {
	Gateway struct {
		Hostname     string        `koanf:"hostname"`
		PollInterval time.Duration `koanf:"poll_interval"`
	} `koanf:"gateway"`
}

func veraPlugin(deps Deps, raw map[string]any) Plugin {
	return Plugin{
		Name:         "vera",
		Dependencies: func() ([]string, error) { return nil, nil },
		Init: func(ctx context.Context, _ map[string]any) (any, error) {
			var r veraRaw
			if err := decodeRaw(raw, &r); err != nil {
				return nil, fmt.Errorf("vera: decode config: %w", err)
			}
			vcfg := vera.Config{
				Host:         r.Gateway.Hostname,
				PollInterval: r.Gateway.PollInterval,
			}

			gw, err := vera.New(ctx, deps.Logger, deps.House, deps.Bus, deps.Timer, deps.HTTPClient, vcfg)
			if err != nil {
				return nil, fmt.Errorf("vera: %w", err)
			}
			gw.Start(ctx)
			return gw, nil
		},
	}
}

func decodeSynthConfig(raw map[string]any) (synth.Config, error) {
	var scfg synth.Config
	if err := decodeRaw(raw, &scfg); err != nil {
		return synth.Config{}, fmt.Errorf("synther: decode config: %w", err)
	}
	return scfg, nil
}

// syntherDependencies derives the set of gateway names the configured
// rules reference, so the Synthesizer is only initialized once every
// gateway whose devices it binds has already registered them with the
// House.
func syntherDependencies(scfg synth.Config) []string {
	seen := make(map[string]bool)
	for range scfg.Bridges {
		seen["radiora2"] = true
		seen["powerseries"] = true
	}
	for range scfg.LedBridges {
		seen["radiora2"] = true
		seen["powerseries"] = true
	}
	for range scfg.Delays {
		seen["radiora2"] = true
	}
	for _, p := range scfg.Paranoid {
		if p.DeviceGateway != "" {
			seen[p.DeviceGateway] = true
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	return out
}

func syntherPlugin(deps Deps, raw map[string]any) Plugin {
	return Plugin{
		Name: "synther",
		Dependencies: func() ([]string, error) {
			scfg, err := decodeSynthConfig(raw)
			if err != nil {
				return nil, err
			}
			return syntherDependencies(scfg), nil
		},
		Init: func(ctx context.Context, resolved map[string]any) (any, error) {
			scfg, err := decodeSynthConfig(raw)
			if err != nil {
				return nil, err
			}

			var lutronGW synth.LutronGateway
			if v, ok := resolved["radiora2"]; ok {
				lutronGW, _ = v.(*lutron.Gateway)
			}
			var dscGW synth.DscGateway
			if v, ok := resolved["powerseries"]; ok {
				dscGW, _ = v.(*dsc.Gateway)
			}

			synther, err := synth.New(deps.Logger, deps.House, deps.Bus, lutronGW, dscGW, deps.Timer, deps.Notifier, scfg, func(devtype string) {
				if deps.Metrics != nil {
					deps.Metrics.IncSynthAction(devtype)
				}
			})
			if err != nil {
				return nil, fmt.Errorf("synther: %w", err)
			}
			return synther, nil
		},
	}
}
