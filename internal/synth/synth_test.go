package synth_test

import (
	"context"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/metamatt/stargate/internal/devicemodel"
	"github.com/metamatt/stargate/internal/dsc"
	"github.com/metamatt/stargate/internal/eventbus"
	"github.com/metamatt/stargate/internal/lutron"
	"github.com/metamatt/stargate/internal/persistence"
	"github.com/metamatt/stargate/internal/synth"
	"github.com/metamatt/stargate/internal/timer"
)

func newTestHouse(t *testing.T) *devicemodel.House {
	t.Helper()
	store, err := persistence.Open(context.Background(), nil, filepath.Join(t.TempDir(), "stargate.db"))
	if err != nil {
		t.Fatalf("persistence.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	house, err := devicemodel.New(context.Background(), store, "Test House")
	if err != nil {
		t.Fatalf("devicemodel.New: %v", err)
	}
	return house
}

// fakeLutron implements synth.LutronGateway for tests, recording every
// output/LED action and serving button state from an in-memory map.
type fakeLutron struct {
	mu      sync.Mutex
	levels  map[int]float64
	pulses  []int
	leds    map[[2]int]bool
	buttons map[[2]int]bool
}

func newFakeLutron() *fakeLutron {
	return &fakeLutron{
		levels:  make(map[int]float64),
		leds:    make(map[[2]int]bool),
		buttons: make(map[[2]int]bool),
	}
}

func (f *fakeLutron) SetOutputLevel(iid int, level float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.levels[iid] = level
	return nil
}

func (f *fakeLutron) PulseOutput(iid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulses = append(f.pulses, iid)
	return nil
}

func (f *fakeLutron) SetLedState(iid, lid int, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leds[[2]int{iid, lid}] = on
	return nil
}

func (f *fakeLutron) PeekButtonState(iid, cid int) (bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.buttons[[2]int{iid, cid}]
	return v, ok
}

func (f *fakeLutron) setButton(iid, cid int, pressed bool) {
	f.mu.Lock()
	f.buttons[[2]int{iid, cid}] = pressed
	f.mu.Unlock()
}

func (f *fakeLutron) level(iid int) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.levels[iid]
}

func (f *fakeLutron) pulseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pulses)
}

func (f *fakeLutron) led(iid, lid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leds[[2]int{iid, lid}]
}

// fakeDsc implements synth.DscGateway, recording every user command issued.
type fakeDsc struct {
	mu       sync.Mutex
	commands [][2]int
}

func (f *fakeDsc) SendUserCommand(partitionNum, userCmdNum int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, [2]int{partitionNum, userCmdNum})
	return nil
}

func (f *fakeDsc) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.commands)
}

// fakeNotifier implements synth.Notifier, recording every notification.
type fakeNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeNotifier) Notify(ctx context.Context, alias, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, alias+":"+subject)
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// newLutronOutput builds a standalone output device with the same
// getter/setter shape lutron.newOutputDevice gives a switched output.
func newLutronOutput(t *testing.T, house *devicemodel.House, iid int, on bool) devicemodel.Device {
	t.Helper()
	dev, err := devicemodel.NewBaseDevice(&house.Area, lutron.GatewayID, strconv.Itoa(iid), "Test Output", "output", "light")
	if err != nil {
		t.Fatalf("NewBaseDevice: %v", err)
	}
	state := on
	dev.SetGetter("on", func() bool { return state })
	dev.SetGetter("off", func() bool { return !state })
	dev.SetSetter("on", func() { state = true })
	dev.SetSetter("off", func() { state = false })
	return dev
}

// newDscZone builds a standalone read-only zone sensor device.
func newDscZone(t *testing.T, house *devicemodel.House, zoneNum int, open bool) (devicemodel.Device, *bool) {
	t.Helper()
	state := open
	dev, err := devicemodel.NewBaseDevice(&house.Area, dsc.GatewayID, "zone:"+strconv.Itoa(zoneNum), "Test Zone", "sensor", "closure")
	if err != nil {
		t.Fatalf("NewBaseDevice: %v", err)
	}
	dev.SetGetter("open", func() bool { return state })
	dev.SetGetter("closed", func() bool { return !state })
	return dev, &state
}

func newLutronKeypad(t *testing.T, house *devicemodel.House, iid int) devicemodel.Device {
	t.Helper()
	dev, err := devicemodel.NewBaseDevice(&house.Area, lutron.GatewayID, strconv.Itoa(iid), "Test Keypad", "control", "keypad")
	if err != nil {
		t.Fatalf("NewBaseDevice: %v", err)
	}
	return dev
}

func newWatchedDevice(t *testing.T, house *devicemodel.House, badInitially bool) (devicemodel.Device, *bool) {
	t.Helper()
	state := badInitially
	dev, err := devicemodel.NewBaseDevice(&house.Area, "fakegw", "watched", "Watched Zone", "sensor", "closure")
	if err != nil {
		t.Fatalf("NewBaseDevice: %v", err)
	}
	dev.SetGetter("open", func() bool { return state })
	return dev, &state
}

func TestBridgeSyncsLutronFromDscAtStartup(t *testing.T) {
	t.Parallel()
	house := newTestHouse(t)
	bus := eventbus.New()
	newLutronOutput(t, house, 10, true)
	newDscZone(t, house, 7, false)

	fdsc := &fakeDsc{}
	_, err := synth.New(nil, house, bus, newFakeLutron(), fdsc, timer.New(nil), &fakeNotifier{}, synth.Config{
		Bridges: []synth.BridgeSpec{{LutronDevID: "10", DscZone: 7, DscCmd: "11"}},
	}, nil)
	if err != nil {
		t.Fatalf("synth.New: %v", err)
	}

	dev, _ := house.GetDeviceByGatewayAndID(lutron.GatewayID, "10")
	if dev.IsInState("on") {
		t.Fatal("lutron output should have been synced off to match the closed dsc zone")
	}
}

func TestBridgeTogglesDscWhenLutronChangesAfterCooldown(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		house := newTestHouse(t)
		bus := eventbus.New()
		newLutronOutput(t, house, 10, false)
		newDscZone(t, house, 7, false)

		fdsc := &fakeDsc{}
		_, err := synth.New(nil, house, bus, newFakeLutron(), fdsc, timer.New(nil), &fakeNotifier{}, synth.Config{
			Bridges: []synth.BridgeSpec{{LutronDevID: "10", DscZone: 7, DscCmd: "11"}},
		}, nil)
		if err != nil {
			t.Fatalf("synth.New: %v", err)
		}

		// Past the 10s startup cooldown.
		time.Sleep(11 * time.Second)

		dev, _ := house.GetDeviceByGatewayAndID(lutron.GatewayID, "10")
		dev.GoToState("on")
		bus.Publish(eventbus.DeviceID(dev.ID()), false)
		synctest.Wait()

		if fdsc.count() != 1 {
			t.Fatalf("dsc user commands sent = %d, want 1", fdsc.count())
		}
	})
}

func TestBridgeIgnoresLutronChangeDuringStartupCooldown(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		house := newTestHouse(t)
		bus := eventbus.New()
		newLutronOutput(t, house, 10, false)
		newDscZone(t, house, 7, false)

		fdsc := &fakeDsc{}
		_, err := synth.New(nil, house, bus, newFakeLutron(), fdsc, timer.New(nil), &fakeNotifier{}, synth.Config{
			Bridges: []synth.BridgeSpec{{LutronDevID: "10", DscZone: 7, DscCmd: "11"}},
		}, nil)
		if err != nil {
			t.Fatalf("synth.New: %v", err)
		}

		dev, _ := house.GetDeviceByGatewayAndID(lutron.GatewayID, "10")
		dev.GoToState("on")
		bus.Publish(eventbus.DeviceID(dev.ID()), false)
		synctest.Wait()

		if fdsc.count() != 0 {
			t.Fatalf("dsc user commands sent during cooldown = %d, want 0", fdsc.count())
		}
	})
}

func TestLedBridgeMirrorsZoneAtStartupAndOnChange(t *testing.T) {
	t.Parallel()
	house := newTestHouse(t)
	bus := eventbus.New()
	zone, state := newDscZone(t, house, 4, false)

	flut := newFakeLutron()
	_, err := synth.New(nil, house, bus, flut, &fakeDsc{}, timer.New(nil), &fakeNotifier{}, synth.Config{
		LedBridges: []synth.LedBridgeSpec{{DscZone: 4, LutronIID: 20, LutronLedCID: 89}},
	}, nil)
	if err != nil {
		t.Fatalf("synth.New: %v", err)
	}

	if flut.led(20, 89) {
		t.Fatal("led should start off, matching the closed zone")
	}

	*state = true
	bus.Publish(eventbus.DeviceID(zone.ID()), false)

	if !flut.led(20, 89) {
		t.Fatal("led should turn on once the zone opens")
	}
}

func TestDelayFiresOnlyIfStillPressedAtExpiry(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		house := newTestHouse(t)
		bus := eventbus.New()
		keypad := newLutronKeypad(t, house, 20)
		newLutronOutput(t, house, 30, false)
		flut := newFakeLutron()
		tmr := timer.New(nil)
		defer tmr.Stop()

		_, err := synth.New(nil, house, bus, flut, &fakeDsc{}, tmr, &fakeNotifier{}, synth.Config{
			Delays: []synth.DelaySpec{{LutronIID: 20, ButtonCID: 2, DelaySeconds: 3, OutputIID: 30, Level: 50}},
		}, nil)
		if err != nil {
			t.Fatalf("synth.New: %v", err)
		}

		// Press at t=0, release at t=2.9s: no action.
		flut.setButton(20, 2, true)
		bus.Publish(eventbus.DeviceID(keypad.ID()), false)
		time.Sleep(2900 * time.Millisecond)
		flut.setButton(20, 2, false)
		bus.Publish(eventbus.DeviceID(keypad.ID()), false)
		synctest.Wait()
		time.Sleep(200 * time.Millisecond)
		synctest.Wait()
		if flut.level(30) != 0 {
			t.Fatalf("output level = %v, want 0 (cancelled before expiry)", flut.level(30))
		}

		// Press again about 2s later and hold past the 3s delay: fires at expiry.
		time.Sleep(2 * time.Second)
		flut.setButton(20, 2, true)
		bus.Publish(eventbus.DeviceID(keypad.ID()), false)
		time.Sleep(3100 * time.Millisecond)
		synctest.Wait()
		if flut.level(30) != 50 {
			t.Fatalf("output level = %v, want 50 after expiry while still pressed", flut.level(30))
		}
	})
}

func TestParanoidScenario(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		house := newTestHouse(t)
		bus := eventbus.New()
		dev, badState := newWatchedDevice(t, house, false)
		tmr := timer.New(nil)
		defer tmr.Stop()
		notifier := &fakeNotifier{}

		_, err := synth.New(nil, house, bus, newFakeLutron(), &fakeDsc{}, tmr, notifier, synth.Config{
			Paranoid: []synth.ParanoidSpec{{DeviceGateway: "fakegw", DeviceID: "watched", BadState: "open", DelaySeconds: 60, Alias: "ops"}},
		}, nil)
		if err != nil {
			t.Fatalf("synth.New: %v", err)
		}

		// Opens at t=0, closes at t=30: no email.
		*badState = true
		bus.Publish(eventbus.DeviceID(dev.ID()), false)
		time.Sleep(30 * time.Second)
		*badState = false
		bus.Publish(eventbus.DeviceID(dev.ID()), false)
		synctest.Wait()
		if notifier.count() != 0 {
			t.Fatalf("notifications after short open = %d, want 0", notifier.count())
		}

		// Opens at t=100 (relative to now), still open at t=160: one email.
		time.Sleep(70 * time.Second)
		*badState = true
		bus.Publish(eventbus.DeviceID(dev.ID()), false)
		time.Sleep(61 * time.Second)
		synctest.Wait()
		if notifier.count() != 1 {
			t.Fatalf("notifications after sustained open = %d, want 1", notifier.count())
		}

		// Closes: one clearing email.
		time.Sleep(40 * time.Second)
		*badState = false
		bus.Publish(eventbus.DeviceID(dev.ID()), false)
		synctest.Wait()
		if notifier.count() != 2 {
			t.Fatalf("notifications after clearing = %d, want 2", notifier.count())
		}

		// Opens again briefly: no further email.
		time.Sleep(100 * time.Second)
		*badState = true
		bus.Publish(eventbus.DeviceID(dev.ID()), false)
		time.Sleep(20 * time.Second)
		*badState = false
		bus.Publish(eventbus.DeviceID(dev.ID()), false)
		synctest.Wait()
		if notifier.count() != 2 {
			t.Fatalf("notifications after second short open = %d, want 2", notifier.count())
		}
	})
}
