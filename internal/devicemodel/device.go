package devicemodel

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// StateGetter reports whether a device is currently in some named state.
type StateGetter func() bool

// StateSetter drives a device into some named state (an action).
type StateSetter func()

// Device is the common reflection surface every gateway-specific device
// type implements, per spec.md §4.6. Concrete device types embed
// *BaseDevice and populate its capability tables instead of relying on
// dynamic attribute dispatch (spec.md §9 redesign note).
type Device interface {
	ID() int64
	Name() string
	DeviceClass() string
	DeviceType() string
	Area() *Area
	GatewayID() string
	GatewayDevID() string

	IsInState(state string) bool
	GoToState(state string) bool
	PossibleStates() []string
	PossibleActions() []string

	MatchesFilter(f DeviceFilter) bool
	HideFromEnumeration() bool
}

// AgeChecker answers the "age=N" filter/state special case: has the device
// had at least one CHANGED event within the last N seconds?
type AgeChecker func(ageSeconds int) bool

// BaseDevice implements Device's reflection methods generically over a
// per-instance capability table. Gateway-specific device types embed this
// and call SetGetter/SetSetter in their own constructors to register the
// states/actions they support.
type BaseDevice struct {
	id           int64
	area         *Area
	gatewayID    string
	gatewayDevID string
	name         string
	devclass     string
	devtype      string

	hideFromEnumeration bool

	getters map[string]StateGetter
	setters map[string]StateSetter

	ageChecker AgeChecker
}

// NewBaseDevice constructs and registers a device with area (which in turn
// assigns it a stable persistence-backed id via the owning House).
func NewBaseDevice(area *Area, gatewayID, gatewayDevID, name, devclass, devtype string) (*BaseDevice, error) {
	d := &BaseDevice{
		area:         area,
		gatewayID:    gatewayID,
		gatewayDevID: gatewayDevID,
		name:         name,
		devclass:     devclass,
		devtype:      devtype,
		getters:      make(map[string]StateGetter),
		setters:      make(map[string]StateSetter),
	}
	id, err := area.registerDevice(d)
	if err != nil {
		return nil, fmt.Errorf("register device %s/%s: %w", gatewayID, gatewayDevID, err)
	}
	d.id = id
	return d, nil
}

// SetGetter registers state as reportable via fn.
func (d *BaseDevice) SetGetter(state string, fn StateGetter) { d.getters[state] = fn }

// SetSetter registers state as an executable action via fn.
func (d *BaseDevice) SetSetter(state string, fn StateSetter) { d.setters[state] = fn }

// SetHideFromEnumeration marks the device as excluded from unforced
// filtered enumeration (e.g. Lutron keypads on a configured ignore list).
func (d *BaseDevice) SetHideFromEnumeration(hide bool) { d.hideFromEnumeration = hide }

// SetAgeChecker wires the "age=N" state/filter special case.
func (d *BaseDevice) SetAgeChecker(fn AgeChecker) { d.ageChecker = fn }

func (d *BaseDevice) ID() int64               { return d.id }
func (d *BaseDevice) Name() string             { return d.name }
func (d *BaseDevice) DeviceClass() string      { return d.devclass }
func (d *BaseDevice) DeviceType() string       { return d.devtype }
func (d *BaseDevice) Area() *Area              { return d.area }
func (d *BaseDevice) GatewayID() string        { return d.gatewayID }
func (d *BaseDevice) GatewayDevID() string     { return d.gatewayDevID }
func (d *BaseDevice) HideFromEnumeration() bool { return d.hideFromEnumeration }

// IsInState reports true iff (a) a registered capability check succeeds, or
// (b) state is "all" or equals the device's class or type, or (c) the age=N
// special case applies, per spec.md §4.6.
func (d *BaseDevice) IsInState(state string) bool {
	if n, ok := parseAge(state); ok {
		return d.ageChecker != nil && d.ageChecker(n)
	}
	if getter, ok := d.getters[state]; ok {
		return getter()
	}
	return state == "all" || state == d.devclass || state == d.devtype
}

// GoToState dispatches to the registered setter for state, if any, and
// reports whether one existed.
func (d *BaseDevice) GoToState(state string) bool {
	setter, ok := d.setters[state]
	if !ok {
		return false
	}
	setter()
	return true
}

// PossibleStates returns the states this device can report membership in.
func (d *BaseDevice) PossibleStates() []string {
	states := make([]string, 0, len(d.getters))
	for s := range d.getters {
		states = append(states, s)
	}
	sort.Strings(states)
	return states
}

// PossibleActions returns the states this device can be driven into.
func (d *BaseDevice) PossibleActions() []string {
	actions := make([]string, 0, len(d.setters))
	for s := range d.setters {
		actions = append(actions, s)
	}
	sort.Strings(actions)
	return actions
}

// MatchesFilter reports whether the device satisfies f, per spec.md §4.6:
// each non-empty filter field must match; devstate matching goes through
// IsInState (which itself special-cases "age=N").
func (d *BaseDevice) MatchesFilter(f DeviceFilter) bool {
	if f.DevClass != "" && f.DevClass != d.devclass {
		return false
	}
	if f.DevType != "" && f.DevType != d.devtype {
		return false
	}
	if f.DevState != "" && !d.IsInState(f.DevState) {
		return false
	}
	return true
}

// parseAge recognizes the "age=N" state syntax, returning N and true.
func parseAge(state string) (int, bool) {
	const prefix = "age="
	if !strings.HasPrefix(state, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(state, prefix))
	if err != nil {
		return 0, false
	}
	return n, true
}
