// Package synth implements Stargate's cross-gateway synthesis rules
// (spec.md §4.10): declarative bindings built at startup from configuration,
// each a stateful object subscribing to internal/eventbus and reacting —
// binding a Lutron output to a DSC zone, mirroring a DSC zone onto a
// keypad LED, delaying a button-triggered output action, or watching a
// device for a prolonged bad state and notifying.
package synth

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/metamatt/stargate/internal/devicemodel"
	"github.com/metamatt/stargate/internal/eventbus"
	"github.com/metamatt/stargate/internal/timer"
)

// LutronGateway is the subset of *lutron.Gateway the synthesizer rules
// drive directly, for output/LED actions devicemodel.Device's generic
// getter/setter tables don't expose (per-button press state, LED control,
// pulsed outputs).
type LutronGateway interface {
	SetOutputLevel(iid int, level float64) error
	PulseOutput(iid int) error
	SetLedState(iid, lid int, on bool) error
	PeekButtonState(iid, cid int) (bool, bool)
}

// DscGateway is the subset of *dsc.Gateway the Bridge rule drives directly:
// issuing a user command to toggle a partition, since zones have no
// generic devicemodel setter (they are read-only sensors).
type DscGateway interface {
	SendUserCommand(partitionNum, userCmdNum int) error
}

// Notifier sends a notification to a configured recipient alias. Satisfied
// by *notify.Notifier.
type Notifier interface {
	Notify(ctx context.Context, alias, subject, body string) error
}

// ActionRecorder is called each time a rule actually takes an action
// (issues a command, sets a level, sends a notification), labeled with
// the devtype of the acted-upon device, to drive
// metrics.Collector.IncSynthAction.
type ActionRecorder func(devtype string)

func noopActionRecorder(string) {}

// Config is the as-decoded configuration for the synthesizer (spec.md §6's
// synther.* keys).
type Config struct {
	Bridges    []BridgeSpec    `koanf:"bridges"`
	LedBridges []LedBridgeSpec `koanf:"ledbridges"`
	Delays     []DelaySpec     `koanf:"delays"`
	Paranoid   []ParanoidSpec  `koanf:"paranoid"`
}

// Synthesizer owns every rule built from Config, keeping them alive for the
// life of the process (each rule's own subscriptions keep it reachable from
// the EventBus, but holding them here also gives a place to report on or
// extend the rule set later).
type Synthesizer struct {
	logger *slog.Logger

	bridges    []*bridge
	ledBridges []*ledBridge
	delays     []*delay
	paranoid   []*paranoid
}

// New builds every configured rule. A rule whose referenced device cannot
// be found fails the whole synthesizer construction — cross-gateway rules
// are wired once, at startup, after every gateway has already registered
// its devices with house (spec.md §4.11 loads the Synthesizer after its
// `radiora2`/`powerseries`/`vera` dependencies).
func New(logger *slog.Logger, house *devicemodel.House, bus *eventbus.Bus, lutronGW LutronGateway, dscGW DscGateway, tmr *timer.Timer, notifier Notifier, cfg Config, recordAction ActionRecorder) (*Synthesizer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if recordAction == nil {
		recordAction = noopActionRecorder
	}
	s := &Synthesizer{logger: logger.With(slog.String("component", "synth"))}

	for _, spec := range cfg.Bridges {
		b, err := newBridge(s.logger, house, bus, dscGW, spec, recordAction)
		if err != nil {
			return nil, fmt.Errorf("synth: bridge: %w", err)
		}
		s.bridges = append(s.bridges, b)
	}
	for _, spec := range cfg.LedBridges {
		lb, err := newLedBridge(s.logger, house, bus, lutronGW, spec)
		if err != nil {
			return nil, fmt.Errorf("synth: ledbridge: %w", err)
		}
		s.ledBridges = append(s.ledBridges, lb)
	}
	for _, spec := range cfg.Delays {
		d, err := newDelay(s.logger, house, bus, lutronGW, tmr, spec, recordAction)
		if err != nil {
			return nil, fmt.Errorf("synth: delay: %w", err)
		}
		s.delays = append(s.delays, d)
	}
	for _, spec := range cfg.Paranoid {
		p, err := newParanoid(s.logger, house, bus, tmr, notifier, spec, recordAction)
		if err != nil {
			return nil, fmt.Errorf("synth: paranoid: %w", err)
		}
		s.paranoid = append(s.paranoid, p)
	}

	return s, nil
}
