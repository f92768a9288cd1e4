package synth

import (
	"fmt"
	"log/slog"

	"github.com/metamatt/stargate/internal/devicemodel"
	"github.com/metamatt/stargate/internal/dsc"
	"github.com/metamatt/stargate/internal/eventbus"
)

// LedBridgeSpec configures one LedBridge rule: a DSC zone mirrored onto a
// Lutron keypad button's LED, identified by the keypad's integration id
// and the LED's own component id (already offset per the Lutron layout's
// button/LED pairing convention).
type LedBridgeSpec struct {
	DscZone      int  `koanf:"dsc_zone"`
	LutronIID    int  `koanf:"radiora2_iid"`
	LutronLedCID int  `koanf:"radiora2_led_cid"`
	Negate       bool `koanf:"negate"`
}

// ledBridge mirrors a DSC zone's open/closed state onto a Lutron keypad
// LED, once at construction and again on every zone change (spec.md
// §4.10).
type ledBridge struct {
	logger   *slog.Logger
	lutronGW LutronGateway
	dscZone  devicemodel.Device
	iid      int
	ledCID   int
	negate   bool
}

func newLedBridge(logger *slog.Logger, house *devicemodel.House, bus *eventbus.Bus, lutronGW LutronGateway, spec LedBridgeSpec) (*ledBridge, error) {
	dscZone, ok := house.GetDeviceByGatewayAndID(dsc.GatewayID, fmt.Sprintf("zone:%d", spec.DscZone))
	if !ok {
		return nil, fmt.Errorf("unknown dsc zone %d", spec.DscZone)
	}

	lb := &ledBridge{
		logger:   logger.With(slog.String("rule", "ledbridge"), slog.Int("dsc_zone", spec.DscZone), slog.Int("lutron_iid", spec.LutronIID)),
		lutronGW: lutronGW,
		dscZone:  dscZone,
		iid:      spec.LutronIID,
		ledCID:   spec.LutronLedCID,
		negate:   spec.Negate,
	}

	lb.apply()
	bus.Subscribe(eventbus.DeviceID(dscZone.ID()), func(synthetic bool) { lb.apply() })
	return lb, nil
}

func (lb *ledBridge) apply() {
	on := lb.dscZone.IsInState("open")
	if lb.negate {
		on = !on
	}
	if err := lb.lutronGW.SetLedState(lb.iid, lb.ledCID, on); err != nil {
		lb.logger.Error("setting led state", slog.Any("error", err))
	}
}
