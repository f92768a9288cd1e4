// Package vera federates a MiCasaVerde/Vera LUUP controller into the House
// tree (spec.md §4.9). Unlike Lutron and DSC, Vera exposes no persistent
// push session: every device read is a live HTTP call, and change detection
// is driven entirely by a self-rearming poll loop built on internal/timer.
package vera

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/metamatt/stargate/internal/devicemodel"
	"github.com/metamatt/stargate/internal/eventbus"
	"github.com/metamatt/stargate/internal/timer"
)

// GatewayID identifies this gateway's devices in persistence and logs.
const GatewayID = "vera"

const defaultPollInterval = 30 * time.Second

// Config is the as-decoded configuration for one Vera gateway instance
// (spec.md §6's vera.* keys).
type Config struct {
	Host         string        `koanf:"hostname"`
	PollInterval time.Duration `koanf:"poll_interval"`
}

// Gateway federates one Vera controller's door locks into the House tree.
// Only the "Door lock" category is modeled (spec.md §4.9, matching the
// original's single-category device factory); every other category is
// logged and ignored.
type Gateway struct {
	logger *slog.Logger
	house  *devicemodel.House
	bus    *eventbus.Bus
	cfg    Config
	client *http.Client
	tmr    *timer.Timer

	mu         sync.RWMutex
	devices    map[int]devicemodel.Device
	lastLocked map[int]bool
}

// New fetches the controller's sdata once, builds a VeraDoorLock device for
// every "Door lock" category device it reports, and records a startup
// reading for each. It does not start polling; call Start for that.
func New(ctx context.Context, logger *slog.Logger, house *devicemodel.House, bus *eventbus.Bus, tmr *timer.Timer, client *http.Client, cfg Config) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}

	g := &Gateway{
		logger:     logger.With(slog.String("component", "vera")),
		house:      house,
		bus:        bus,
		cfg:        cfg,
		client:     client,
		tmr:        tmr,
		devices:    make(map[int]devicemodel.Device),
		lastLocked: make(map[int]bool),
	}

	house.RegisterStateOrder("output", "doorlock", []string{"pending", "unlocked", "locked"})

	sd, err := g.luupSdata(ctx)
	if err != nil {
		return nil, fmt.Errorf("vera: initial sdata fetch: %w", err)
	}

	rooms := make(map[int]string, len(sd.Rooms))
	for _, r := range sd.Rooms {
		rooms[r.ID] = r.Name
	}
	cats := make(map[int]string, len(sd.Categories))
	for _, c := range sd.Categories {
		cats[c.ID] = c.Name
	}

	for _, d := range sd.Devices {
		if cats[d.Category] != doorLockCategoryName {
			g.logger.Debug("vera: ignoring device in unsupported category",
				slog.String("device", d.Name), slog.String("category", cats[d.Category]))
			continue
		}
		areaName, ok := rooms[d.Room]
		if !ok || areaName == "" {
			areaName = "(Unknown)"
		}
		area, err := house.GetAreaByName(areaName)
		if err != nil {
			return nil, fmt.Errorf("vera: area %q: %w", areaName, err)
		}
		dev, err := g.newDoorLockDevice(area, d.ID, d.Name)
		if err != nil {
			return nil, err
		}
		g.devices[d.ID] = dev

		locked := d.Status != 0
		g.lastLocked[d.ID] = locked
		g.recordAndPublish(dev, boolToInt(locked), true)
	}

	return g, nil
}

// Start schedules the first poll cycle. Each cycle re-arms itself on
// internal/timer rather than running on a fixed-rate ticker, so a slow or
// failed poll cannot pile up overlapping requests against the controller.
func (g *Gateway) Start(ctx context.Context) {
	g.schedulePoll(ctx)
}

func (g *Gateway) schedulePoll(ctx context.Context) {
	g.tmr.AddEvent(g.cfg.PollInterval, func() {
		g.pollOnce(ctx)
		g.schedulePoll(ctx)
	})
}

// pollOnce fetches sdata fresh and compares each known door lock's reported
// status against what was last seen, publishing a change event on mismatch.
// A failed fetch is logged but never stops the poll loop (spec.md §4.9).
func (g *Gateway) pollOnce(ctx context.Context) {
	sd, err := g.luupSdata(ctx)
	if err != nil {
		g.logger.Error("vera: poll failed", slog.Any("error", err))
		return
	}

	for _, d := range sd.Devices {
		dev, ok := g.devices[d.ID]
		if !ok {
			continue
		}
		locked := d.Status != 0

		g.mu.Lock()
		prev, known := g.lastLocked[d.ID]
		g.lastLocked[d.ID] = locked
		g.mu.Unlock()

		if known && prev == locked {
			continue
		}
		g.recordAndPublish(dev, boolToInt(locked), false)
	}
}

func (g *Gateway) recordAndPublish(dev devicemodel.Device, level int, startup bool) {
	store := g.house.Store()
	sctx := g.house.Context()

	var err error
	if startup {
		err = store.RecordStartup(sctx, dev.ID(), level)
	} else {
		err = store.RecordChange(sctx, dev.ID(), level)
	}
	if err != nil {
		g.logger.Error("vera: recording device state", slog.Int64("device", dev.ID()), slog.Any("error", err))
	}
	g.bus.Publish(eventbus.DeviceID(dev.ID()), false)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// DeviceIDs returns every recognized door lock's Vera device id, sorted.
func (g *Gateway) DeviceIDs() []int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]int, 0, len(g.devices))
	for id := range g.devices {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
