package dsc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/metamatt/stargate/internal/cache"
	"github.com/metamatt/stargate/internal/devicemodel"
	"github.com/metamatt/stargate/internal/eventbus"
	"github.com/metamatt/stargate/internal/linesession"
	"github.com/metamatt/stargate/internal/watchdog"
)

// GatewayID identifies this gateway's devices in persistence and logs.
const GatewayID = "powerseries"

// postSendPause is the minimum gap enforced between transmitted commands,
// to avoid overrunning the panel's integration module (spec.md §4.8 step 2).
const postSendPause = 500 * time.Millisecond

var errNotConnected = errors.New("dsc: not connected")

// Config is the as-decoded configuration for one DSC PowerSeries gateway
// instance (spec.md §6's powerseries.* keys).
type Config struct {
	Host          string `koanf:"hostname"`
	Password      string `koanf:"password"`
	ReflectorPort int    `koanf:"reflector_port"`

	// Zones holds each configured zone keyed by its decimal zone number
	// (as a string, per koanf's map-key convention); each value is either a
	// bare name string or a {type, name} mapping, normalized by
	// DecodeZoneValue.
	Zones          map[string]any    `koanf:"zones"`
	PartitionNames map[string]string `koanf:"partition_names"`
	AreaMapping    map[string][]int  `koanf:"area_mapping"`
}

// Gateway federates a DSC PowerSeries panel into the House tree: it owns the
// config-derived zone/partition device set, the panel session, the
// stale-value zone/partition caches, and an optional reflector (spec.md
// §4.8).
type Gateway struct {
	logger *slog.Logger
	house  *devicemodel.House
	bus    *eventbus.Bus
	cfg    Config

	mu   sync.RWMutex
	sess *linesession.Session

	zoneCache      *cache.StaleCache[int, bool]
	partitionCache *cache.StaleCache[int, PartitionStatus]

	refreshesInFlight  atomic.Int64
	reportRefreshGauge func(n int)

	zoneDevices      map[int]devicemodel.Device
	partitionDevices map[int]devicemodel.Device
	panelDevice      devicemodel.Device

	reflector *Reflector
}

// New builds the zone/partition device tree from cfg under house and
// prepares (but does not yet connect) a Gateway. reportRefreshGauge, if
// non-nil, is called with the current count of outstanding refresh
// requests across the zone/partition caches combined, each time it
// changes (spec.md §4.8's per-entity refresh counters, aggregated to a
// per-gateway metrics gauge).
func New(ctx context.Context, logger *slog.Logger, house *devicemodel.House, bus *eventbus.Bus, cfg Config, reportRefreshGauge func(n int)) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		logger:             logger.With(slog.String("component", "dsc")),
		house:              house,
		bus:                bus,
		cfg:                cfg,
		zoneCache:          cache.New[int, bool](),
		partitionCache:     cache.New[int, PartitionStatus](),
		reportRefreshGauge: reportRefreshGauge,
		zoneDevices:        make(map[int]devicemodel.Device),
		partitionDevices:   make(map[int]devicemodel.Device),
	}
	g.zoneCache.OnInFlightChange(g.adjustRefreshGauge)
	g.partitionCache.OnInFlightChange(g.adjustRefreshGauge)

	house.RegisterStateOrder("control", "alarmpartition", []string{"ready", "armed", "busy"})
	house.RegisterStateOrder("sensor", "closure", []string{"closed", "open"})
	house.RegisterStateOrder("sensor", "motion", []string{"occupied", "vacant"})
	house.RegisterStateOrder("control", "repeater", []string{})

	panelDev, err := devicemodel.NewBaseDevice(&house.Area, GatewayID, "panel", "DSC PowerSeries", "control", "repeater")
	if err != nil {
		return nil, fmt.Errorf("dsc: panel device: %w", err)
	}
	g.panelDevice = panelDev

	areasByZone := make(map[int]string)
	for areaName, zones := range cfg.AreaMapping {
		for _, zoneNum := range zones {
			areasByZone[zoneNum] = areaName
		}
	}

	for _, zoneNum := range sortedIntKeys(cfg.Zones) {
		zc, err := DecodeZoneValue(cfg.Zones[strconv.Itoa(zoneNum)])
		if err != nil {
			return nil, fmt.Errorf("dsc: zone %d: %w", zoneNum, err)
		}
		areaName, ok := areasByZone[zoneNum]
		if !ok {
			g.logger.Warn("dsc zone not mapped to any area; using (Unknown)", slog.Int("zone", zoneNum))
			areaName = "(Unknown)"
		}
		area, err := house.GetAreaByName(areaName)
		if err != nil {
			return nil, fmt.Errorf("dsc: area %q: %w", areaName, err)
		}
		dev, err := g.newZoneDevice(area, zoneNum, zc.Type, zc.Name)
		if err != nil {
			return nil, err
		}
		g.zoneDevices[zoneNum] = dev
		g.zoneCache.Watch(zoneNum)
	}

	for partitionNum, name := range sortedPartitions(cfg.PartitionNames) {
		dev, err := g.newPartitionDevice(&house.Area, partitionNum, name)
		if err != nil {
			return nil, err
		}
		g.partitionDevices[partitionNum] = dev
		g.partitionCache.Watch(partitionNum)
	}

	if cfg.ReflectorPort != 0 {
		refl, err := NewReflector(logger, cfg.ReflectorPort, cfg.Password, g.forwardFromChild)
		if err != nil {
			return nil, err
		}
		g.reflector = refl
	}

	return g, nil
}

// adjustRefreshGauge applies delta to the combined in-flight refresh count
// across this gateway's zone/partition caches and reports the new total.
func (g *Gateway) adjustRefreshGauge(delta int) {
	n := g.refreshesInFlight.Add(int64(delta))
	if g.reportRefreshGauge != nil {
		g.reportRefreshGauge(int(n))
	}
}

func sortedIntKeys(m map[string]any) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		n, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

func sortedPartitions(m map[string]string) map[int]string {
	out := make(map[int]string, len(m))
	for k, v := range m {
		n, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		out[n] = v
	}
	return out
}

// forwardFromChild passes a reflector client's command line to the panel,
// refusing any further authentication attempts so a child cannot disturb
// the parent connection's own auth state (spec.md §4.8).
func (g *Gateway) forwardFromChild(line string) error {
	if len(line) >= 3 && line[:3] == "005" {
		g.logger.Warn("dsc reflector: dropping child auth attempt forwarded to panel")
		return nil
	}
	return g.sendLockedErr(line)
}

// -------------------------------------------------------------------------
// Session lifecycle
// -------------------------------------------------------------------------

// Connect dials the panel's TCP port and wraps it in a LineSession with the
// required post-send pacing pause (spec.md §4.8 steps 1-2).
func Connect(ctx context.Context, logger *slog.Logger, cfg Config) (*linesession.Session, error) {
	conn, err := linesession.Dial(ctx, cfg.Host, 4025)
	if err != nil {
		return nil, err
	}
	return ConnectOverConn(conn, logger), nil
}

// ConnectOverConn wraps an already-dialed conn in a LineSession. Split out
// from Connect so tests can drive it over a net.Pipe().
func ConnectOverConn(conn net.Conn, logger *slog.Logger) *linesession.Session {
	return linesession.New(conn, logger, linesession.WithPostSendPause(func() {
		time.Sleep(postSendPause)
	}))
}

// Start connects, logs in, requests a full status refresh, and registers
// the resulting session with wd under GatewayID.
func (g *Gateway) Start(ctx context.Context, wd *watchdog.Watchdog) error {
	sess, err := g.connectAndPrime(ctx)
	if err != nil {
		return err
	}

	g.mu.Lock()
	g.sess = sess
	g.mu.Unlock()

	go g.readLoop(sess)

	wd.Register(GatewayID, sess, func(ctx context.Context) (watchdog.Session, error) {
		g.zoneCache.InvalidateAll()
		g.partitionCache.InvalidateAll()

		next, err := g.connectAndPrime(ctx)
		if err != nil {
			return nil, err
		}
		g.mu.Lock()
		g.sess = next
		g.mu.Unlock()
		go g.readLoop(next)
		return next, nil
	})
	return nil
}

// connectAndPrime performs spec.md §4.8 steps 1-5: connect, authenticate,
// mark every cached entity's pending refresh, and request global status —
// the panel answers with a burst of per-zone/per-partition messages that
// fill the cache. Marking every key pending before requesting status (where
// the retrieved original source unconditionally reported refresh=False,
// flagged there as an acknowledged simplification) is what makes the first
// reading of each entity surface as a startup record rather than a user
// action, per spec.md §4.8/§9.
func (g *Gateway) connectAndPrime(ctx context.Context) (*linesession.Session, error) {
	sess, err := Connect(ctx, g.logger, g.cfg)
	if err != nil {
		return nil, err
	}
	if err := sess.Send(Encode(5, g.cfg.Password)); err != nil {
		return nil, err
	}

	for _, zoneNum := range g.zoneCache.Keys() {
		g.zoneCache.MarkRefreshPending(zoneNum)
	}
	for _, partitionNum := range g.partitionCache.Keys() {
		g.partitionCache.MarkRefreshPending(partitionNum)
	}
	if err := sess.Send(Encode(1, "")); err != nil {
		return nil, err
	}

	return sess, nil
}

func (g *Gateway) readLoop(sess *linesession.Session) {
	for line := range sess.Lines() {
		g.Dispatch(line)
	}
}

// Dispatch processes one received frame as if read from the panel,
// verifying its checksum and routing it through the response-code table
// (spec.md §4.8). Exported so replay tooling and tests can drive the
// gateway without a live socket.
func (g *Gateway) Dispatch(line string) {
	cmd, data, ok := Decode(line)
	if !ok {
		g.logger.Warn("dsc: response with bad checksum", slog.String("line", line))
		return
	}

	switch cmd {
	case 501:
		g.logger.Warn("dsc: panel reports invalid command")
	case 505:
		g.handleLogin(data)
	case 609:
		g.handleZone(data, true)
	case 610:
		g.handleZone(data, false)
	case 650:
		g.handlePartition(data, PartitionReady)
	case 652:
		g.handlePartition(data, PartitionArmed)
	case 673:
		g.handlePartition(data, PartitionBusy)
	case 840:
		g.logger.Warn("dsc: partition trouble", slog.String("partition", data))
	case 841:
		g.logger.Info("dsc: partition trouble cleared", slog.String("partition", data))
	case 912:
		g.handleUserCommand(data)
	default:
		g.logger.Debug("dsc: unhandled response code", slog.Int("code", cmd))
	}

	if cmd != 505 {
		g.reflector.ToChildren(line)
	}
}

func (g *Gateway) handleLogin(data string) {
	n, err := strconv.Atoi(data)
	if err != nil || n <= 0 {
		g.logger.Error("dsc: login rejected", slog.String("data", data))
		g.forceReconnect()
		return
	}
	g.logger.Info("dsc: login accepted")
}

func (g *Gateway) handleZone(data string, open bool) {
	zoneNum, err := strconv.Atoi(data)
	if err != nil {
		g.logger.Warn("dsc: malformed zone status", slog.String("data", data))
		return
	}
	refresh := g.zoneCache.Record(zoneNum, open)

	dev, ok := g.zoneDevices[zoneNum]
	if !ok {
		return
	}
	level := 0
	if open {
		level = 1
	}
	g.recordAndPublish(dev, level, refresh)
}

func (g *Gateway) handlePartition(data string, status PartitionStatus) {
	partitionNum, err := strconv.Atoi(data)
	if err != nil {
		g.logger.Warn("dsc: malformed partition status", slog.String("data", data))
		return
	}
	refresh := g.partitionCache.Record(partitionNum, status)

	dev, ok := g.partitionDevices[partitionNum]
	if !ok {
		return
	}
	g.recordAndPublish(dev, int(status), refresh)
}

func (g *Gateway) handleUserCommand(data string) {
	if len(data) != 2 {
		g.logger.Warn("dsc: malformed user command notification", slog.String("data", data))
		return
	}
	g.logger.Info("dsc: user command invoked",
		slog.String("partition", data[:1]), slog.String("command", data[1:]))
}

func (g *Gateway) recordAndPublish(dev devicemodel.Device, level int, refresh bool) {
	store := g.house.Store()
	ctx := g.house.Context()
	var err error
	if refresh {
		err = store.RecordStartup(ctx, dev.ID(), level)
	} else {
		err = store.RecordChange(ctx, dev.ID(), level)
	}
	if err != nil {
		g.logger.Error("persist device state", slog.Any("error", err), slog.Int64("device", dev.ID()))
	}
	g.bus.Publish(eventbus.DeviceID(dev.ID()), refresh)
}

// forceReconnect closes the current session so the Watchdog detects failure
// and drives a reconnect with backoff, per spec.md §7's AuthFailure policy.
func (g *Gateway) forceReconnect() {
	g.mu.RLock()
	sess := g.sess
	g.mu.RUnlock()
	if sess != nil {
		_ = sess.Close()
	}
}

// -------------------------------------------------------------------------
// Blocking cache reads
// -------------------------------------------------------------------------

// GetZoneStatus blocks until zoneNum's open/closed state is known, issuing
// a fresh global-status request if needed (zones have no individual query
// command).
func (g *Gateway) GetZoneStatus(ctx context.Context, zoneNum int) (bool, error) {
	return g.zoneCache.Get(ctx, zoneNum, func() { g.sendLocked(Encode(1, "")) })
}

// GetPartitionStatus blocks until partitionNum's status is known.
func (g *Gateway) GetPartitionStatus(ctx context.Context, partitionNum int) (PartitionStatus, error) {
	return g.partitionCache.Get(ctx, partitionNum, func() { g.sendLocked(Encode(1, "")) })
}

// PeekZoneStatus returns zoneNum's last recorded state without blocking or
// triggering a refresh.
func (g *Gateway) PeekZoneStatus(zoneNum int) (bool, bool) { return g.zoneCache.Peek(zoneNum) }

// PeekPartitionStatus returns partitionNum's last recorded status without
// blocking or triggering a refresh.
func (g *Gateway) PeekPartitionStatus(partitionNum int) (PartitionStatus, bool) {
	return g.partitionCache.Peek(partitionNum)
}

// -------------------------------------------------------------------------
// Commands
// -------------------------------------------------------------------------

// SendUserCommand issues DSC command 020 ("PGM"), mapping to a configured
// partition/user-command pair — the Synthesizer's Bridge rule uses this to
// toggle a DSC-side output from a Lutron-side change (spec.md §4.10).
func (g *Gateway) SendUserCommand(partitionNum, userCmdNum int) error {
	return g.sendLockedErr(Encode(20, fmt.Sprintf("%d%d", partitionNum, userCmdNum)))
}

func (g *Gateway) sendLocked(line string) {
	_ = g.sendLockedErr(line)
}

func (g *Gateway) sendLockedErr(line string) error {
	g.mu.RLock()
	sess := g.sess
	g.mu.RUnlock()
	if sess == nil {
		return errNotConnected
	}
	return sess.Send(line)
}
