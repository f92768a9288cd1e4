package synth

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/metamatt/stargate/internal/devicemodel"
	"github.com/metamatt/stargate/internal/dsc"
	"github.com/metamatt/stargate/internal/eventbus"
	"github.com/metamatt/stargate/internal/lutron"
)

// bridgeStartupCooldown suppresses the Lutron->DSC direction for this long
// after construction, since the repeater replays a burst of spurious
// status-changed messages right after connecting (spec.md §4.7's startup
// prime, mirrored from the original's own 10-second ignore window).
const bridgeStartupCooldown = 10 * time.Second

// BridgeSpec configures one Bridge rule: a Lutron output identified by its
// gatewayDevID (its integration id as a string) bound to a DSC zone number,
// toggled via a 2-digit "<partition><cmd>" user command code.
type BridgeSpec struct {
	LutronDevID string `koanf:"radiora2"`
	DscZone     int    `koanf:"dsc_zone"`
	DscCmd      string `koanf:"dsc_cmd"`
}

// bridge binds a Lutron output and a DSC zone (spec.md §4.10). On
// construction it sets the Lutron side from the DSC side; afterward each
// side's changes propagate to the other, guarded against feedback by
// comparing current states before acting.
type bridge struct {
	logger       *slog.Logger
	dscGW        DscGateway
	recordAction ActionRecorder

	lutronDev devicemodel.Device
	dscZone   devicemodel.Device
	partition int
	cmd       int

	ignoreUntil time.Time
}

func newBridge(logger *slog.Logger, house *devicemodel.House, bus *eventbus.Bus, dscGW DscGateway, spec BridgeSpec, recordAction ActionRecorder) (*bridge, error) {
	lutronDev, ok := house.GetDeviceByGatewayAndID(lutron.GatewayID, spec.LutronDevID)
	if !ok {
		return nil, fmt.Errorf("unknown lutron device %q", spec.LutronDevID)
	}
	dscZone, ok := house.GetDeviceByGatewayAndID(dsc.GatewayID, fmt.Sprintf("zone:%d", spec.DscZone))
	if !ok {
		return nil, fmt.Errorf("unknown dsc zone %d", spec.DscZone)
	}
	if len(spec.DscCmd) != 2 {
		return nil, fmt.Errorf("dsc_cmd %q must be exactly 2 digits (partition, command)", spec.DscCmd)
	}
	partition, err := strconv.Atoi(spec.DscCmd[:1])
	if err != nil {
		return nil, fmt.Errorf("dsc_cmd %q: %w", spec.DscCmd, err)
	}
	cmd, err := strconv.Atoi(spec.DscCmd[1:])
	if err != nil {
		return nil, fmt.Errorf("dsc_cmd %q: %w", spec.DscCmd, err)
	}

	b := &bridge{
		logger:       logger.With(slog.String("rule", "bridge"), slog.String("lutron", spec.LutronDevID), slog.Int("dsc_zone", spec.DscZone)),
		dscGW:        dscGW,
		recordAction: recordAction,
		lutronDev:    lutronDev,
		dscZone:      dscZone,
		partition:    partition,
		cmd:          cmd,
		ignoreUntil:  time.Now().Add(bridgeStartupCooldown),
	}

	b.syncLutronFromDsc()

	bus.Subscribe(eventbus.DeviceID(lutronDev.ID()), b.onLutronChange)
	bus.Subscribe(eventbus.DeviceID(dscZone.ID()), b.onDscChange)
	return b, nil
}

func (b *bridge) syncLutronFromDsc() {
	if b.dscZone.IsInState("open") {
		b.lutronDev.GoToState("on")
	} else {
		b.lutronDev.GoToState("off")
	}
}

// onLutronChange fires when the bound Lutron output changes (a physical
// button, remote, or another integration). If it now disagrees with the
// DSC zone, toggle the DSC side to match; zones have no direct setter, so
// this issues the configured user command rather than a state write.
func (b *bridge) onLutronChange(synthetic bool) {
	if time.Now().Before(b.ignoreUntil) {
		b.logger.Debug("ignoring lutron change during startup cooldown")
		return
	}
	lutronOn := b.lutronDev.IsInState("on")
	dscOpen := b.dscZone.IsInState("open")
	if lutronOn == dscOpen {
		return
	}
	b.logger.Info("lutron change disagrees with dsc zone, issuing user command",
		slog.Bool("lutron_on", lutronOn), slog.Int("partition", b.partition), slog.Int("cmd", b.cmd))
	if err := b.dscGW.SendUserCommand(b.partition, b.cmd); err != nil {
		b.logger.Error("sending dsc user command", slog.Any("error", err))
		return
	}
	b.recordAction(b.dscZone.DeviceType())
}

// onDscChange fires when the bound DSC zone changes (the physical switch
// was used) and unconditionally syncs Lutron to match.
func (b *bridge) onDscChange(synthetic bool) {
	b.syncLutronFromDsc()
}
