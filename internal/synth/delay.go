package synth

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/metamatt/stargate/internal/devicemodel"
	"github.com/metamatt/stargate/internal/eventbus"
	"github.com/metamatt/stargate/internal/lutron"
	"github.com/metamatt/stargate/internal/timer"
)

// DelaySpec configures one Delay rule: a Lutron keypad button that, once
// held for DelaySeconds, performs an output action — either a pulse or a
// set to Level.
type DelaySpec struct {
	LutronIID    int     `koanf:"radiora2_iid"`
	ButtonCID    int     `koanf:"button"`
	DelaySeconds float64 `koanf:"delay"`
	OutputIID    int     `koanf:"output_iid"`
	Pulse        bool    `koanf:"pulse"`
	Level        float64 `koanf:"level"`
}

// delay watches one keypad button for a press that persists past a
// configured delay, then performs an output action (spec.md §4.10). A
// release before the delay elapses cancels the pending timer event.
//
// The keypad's EventBus subscription fires for any button on the keypad
// changing, not just this one (spec.md §4.7 publishes at keypad
// granularity), so each change re-checks this button's own state via
// PeekButtonState and compares against the last value this rule saw.
type delay struct {
	logger       *slog.Logger
	lutronGW     LutronGateway
	tmr          *timer.Timer
	recordAction ActionRecorder

	iid         int
	cid         int
	delay       time.Duration
	outputIID   int
	outputDType string
	pulse       bool
	level       float64

	mu       sync.Mutex
	pressed  bool
	token    timer.Token
	hasToken bool
}

func newDelay(logger *slog.Logger, house *devicemodel.House, bus *eventbus.Bus, lutronGW LutronGateway, tmr *timer.Timer, spec DelaySpec, recordAction ActionRecorder) (*delay, error) {
	keypad, ok := house.GetDeviceByGatewayAndID(lutron.GatewayID, strconv.Itoa(spec.LutronIID))
	if !ok {
		return nil, fmt.Errorf("unknown lutron keypad %d", spec.LutronIID)
	}
	output, ok := house.GetDeviceByGatewayAndID(lutron.GatewayID, strconv.Itoa(spec.OutputIID))
	if !ok {
		return nil, fmt.Errorf("unknown lutron output %d", spec.OutputIID)
	}

	d := &delay{
		logger:       logger.With(slog.String("rule", "delay"), slog.Int("lutron_iid", spec.LutronIID), slog.Int("button", spec.ButtonCID)),
		lutronGW:     lutronGW,
		tmr:          tmr,
		recordAction: recordAction,
		iid:          spec.LutronIID,
		cid:          spec.ButtonCID,
		delay:        time.Duration(spec.DelaySeconds * float64(time.Second)),
		outputIID:    spec.OutputIID,
		outputDType:  output.DeviceType(),
		pulse:        spec.Pulse,
		level:        spec.Level,
	}

	bus.Subscribe(eventbus.DeviceID(keypad.ID()), d.onKeypadChange)
	return d, nil
}

func (d *delay) onKeypadChange(synthetic bool) {
	pressed, ok := d.lutronGW.PeekButtonState(d.iid, d.cid)
	if !ok {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if pressed == d.pressed {
		return
	}
	d.pressed = pressed

	if pressed {
		d.token = d.tmr.AddEvent(d.delay, d.fire)
		d.hasToken = true
		return
	}

	if d.hasToken {
		d.tmr.CancelEvent(d.token)
		d.hasToken = false
	}
}

func (d *delay) fire() {
	d.mu.Lock()
	d.hasToken = false
	stillPressed := d.pressed
	d.mu.Unlock()

	if !stillPressed {
		return
	}

	if d.pulse {
		if err := d.lutronGW.PulseOutput(d.outputIID); err != nil {
			d.logger.Error("pulsing output", slog.Any("error", err))
			return
		}
		d.recordAction(d.outputDType)
		return
	}
	if err := d.lutronGW.SetOutputLevel(d.outputIID, d.level); err != nil {
		d.logger.Error("setting output level", slog.Any("error", err))
		return
	}
	d.recordAction(d.outputDType)
}
