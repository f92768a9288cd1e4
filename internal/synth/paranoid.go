package synth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/metamatt/stargate/internal/devicemodel"
	"github.com/metamatt/stargate/internal/eventbus"
	"github.com/metamatt/stargate/internal/timer"
)

// ParanoidSpec configures one Paranoid rule: watch a device (identified by
// its owning gateway and gatewayDevID) for being continuously in BadState
// for DelaySeconds, notifying Alias on expiry and again when it clears.
type ParanoidSpec struct {
	DeviceGateway string  `koanf:"gateway"`
	DeviceID      string  `koanf:"device"`
	BadState      string  `koanf:"state"`
	DelaySeconds  float64 `koanf:"delay"`
	Alias         string  `koanf:"alias"`
}

// paranoid watches a device for a prolonged bad state (spec.md §4.10).
// While the bad state persists, at most one alarm notification is sent;
// leaving the bad state sends a clearing notification, but only if an
// alarm had actually been raised.
type paranoid struct {
	logger       *slog.Logger
	dev          devicemodel.Device
	badState     string
	delay        time.Duration
	alias        string
	notifier     Notifier
	tmr          *timer.Timer
	recordAction ActionRecorder

	mu          sync.Mutex
	token       timer.Token
	hasToken    bool
	alarmRaised bool
}

func newParanoid(logger *slog.Logger, house *devicemodel.House, bus *eventbus.Bus, tmr *timer.Timer, notifier Notifier, spec ParanoidSpec, recordAction ActionRecorder) (*paranoid, error) {
	dev, ok := house.GetDeviceByGatewayAndID(spec.DeviceGateway, spec.DeviceID)
	if !ok {
		return nil, fmt.Errorf("unknown device %s/%s", spec.DeviceGateway, spec.DeviceID)
	}

	p := &paranoid{
		logger:       logger.With(slog.String("rule", "paranoid"), slog.String("device", spec.DeviceID), slog.String("state", spec.BadState)),
		dev:          dev,
		badState:     spec.BadState,
		delay:        time.Duration(spec.DelaySeconds * float64(time.Second)),
		alias:        spec.Alias,
		notifier:     notifier,
		tmr:          tmr,
		recordAction: recordAction,
	}

	p.mu.Lock()
	if dev.IsInState(spec.BadState) {
		p.armLocked()
	}
	p.mu.Unlock()

	bus.Subscribe(eventbus.DeviceID(dev.ID()), p.onChange)
	return p, nil
}

func (p *paranoid) armLocked() {
	p.token = p.tmr.AddEvent(p.delay, p.fire)
	p.hasToken = true
}

func (p *paranoid) onChange(synthetic bool) {
	p.mu.Lock()
	bad := p.dev.IsInState(p.badState)

	if bad {
		if !p.hasToken {
			p.armLocked()
		}
		p.mu.Unlock()
		return
	}

	if p.hasToken {
		p.tmr.CancelEvent(p.token)
		p.hasToken = false
	}
	shouldClear := p.alarmRaised
	p.alarmRaised = false
	p.mu.Unlock()

	if shouldClear {
		go p.sendNotification("cleared", fmt.Sprintf("%s is no longer %s", p.dev.Name(), p.badState))
	}
}

func (p *paranoid) fire() {
	p.mu.Lock()
	p.hasToken = false
	stillBad := p.dev.IsInState(p.badState)
	if stillBad {
		p.alarmRaised = true
	}
	p.mu.Unlock()

	if stillBad {
		go p.sendNotification("alarm", fmt.Sprintf("%s has been %s for over %s", p.dev.Name(), p.badState, p.delay))
	}
}

func (p *paranoid) sendNotification(kind, body string) {
	subject := fmt.Sprintf("Stargate: %s %s", p.dev.Name(), kind)
	if err := p.notifier.Notify(context.Background(), p.alias, subject, body); err != nil {
		p.logger.Error("sending notification", slog.String("kind", kind), slog.Any("error", err))
		return
	}
	p.recordAction(p.dev.DeviceType())
}
