// Package devicemodel implements Stargate's House/Area/Device object model
// and device filter (spec.md §4.6): a tree of areas and devices populated
// by gateway plugins at startup, queryable by class/type/state, with a
// canonical state ordering built incrementally as gateways register their
// device types.
package devicemodel

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/metamatt/stargate/internal/persistence"
)

// DeviceFilter selects devices (and the areas containing them) by class,
// type, and/or state. An empty field matches anything.
type DeviceFilter struct {
	DevClass string
	DevType  string
	DevState string
}

func (f DeviceFilter) String() string {
	if f.DevClass == "" && f.DevType == "" && f.DevState == "" {
		return "(all)"
	}
	s := "("
	first := true
	add := func(k, v string) {
		if v == "" {
			return
		}
		if !first {
			s += ", "
		}
		s += fmt.Sprintf("%s = %q", k, v)
		first = false
	}
	add("devclass", f.DevClass)
	add("devtype", f.DevType)
	add("devstate", f.DevState)
	return s + ")"
}

// Area groups devices and sub-areas. Per the original object model, areas
// nest only one level deep below the House root (no facility for deeper
// area-in-area hierarchies beyond what a gateway explicitly builds).
type Area struct {
	house *House
	id    int64
	name  string

	mu      sync.RWMutex
	devices []Device
	areas   []*Area
}

// ID returns the area's stable persistence-backed id.
func (a *Area) ID() int64    { return a.id }
func (a *Area) Name() string { return a.name }

// registerDevice assigns device a stable id via the House's persistence
// store and attaches it to this area.
func (a *Area) registerDevice(d *BaseDevice) (int64, error) {
	id, err := a.house.store.GetDeviceID(a.house.ctx, d.gatewayID, d.gatewayDevID)
	if err != nil {
		return 0, err
	}
	a.mu.Lock()
	a.devices = append(a.devices, d)
	a.mu.Unlock()

	a.house.mu.Lock()
	a.house.devicesByID[id] = d
	a.house.devicesByGatewayKey[gatewayDeviceKey(d.gatewayID, d.gatewayDevID)] = d
	a.house.mu.Unlock()
	return id, nil
}

// addChildArea attaches child as a sub-area of a.
func (a *Area) addChildArea(child *Area) {
	a.mu.Lock()
	a.areas = append(a.areas, child)
	a.mu.Unlock()
}

// GetDevicesFilteredBy returns a post-order flatten of the subtree rooted
// at a, restricted to devices matching filter. Devices marked
// HideFromEnumeration are skipped unless force is true.
func (a *Area) GetDevicesFilteredBy(filter DeviceFilter, force bool) []Device {
	var out []Device
	for _, dev := range a.allDevicesBelow() {
		if dev.HideFromEnumeration() && !force {
			continue
		}
		if dev.MatchesFilter(filter) {
			out = append(out, dev)
		}
	}
	return out
}

// GetAreasFilteredBy returns the subtree areas (including a itself) that
// contain at least one device matching filter.
func (a *Area) GetAreasFilteredBy(filter DeviceFilter) []*Area {
	var out []*Area
	for _, area := range a.allAreasBelowIncludingSelf() {
		for _, dev := range area.allDevicesBelow() {
			if dev.MatchesFilter(filter) {
				out = append(out, area)
				break
			}
		}
	}
	return out
}

func (a *Area) allDevicesBelow() []Device {
	a.mu.RLock()
	devs := append([]Device(nil), a.devices...)
	children := append([]*Area(nil), a.areas...)
	a.mu.RUnlock()

	for _, child := range children {
		devs = append(devs, child.allDevicesBelow()...)
	}
	return devs
}

func (a *Area) allAreasBelowIncludingSelf() []*Area {
	a.mu.RLock()
	children := append([]*Area(nil), a.areas...)
	a.mu.RUnlock()

	areas := []*Area{a}
	for _, child := range children {
		areas = append(areas, child.allAreasBelowIncludingSelf()...)
	}
	return areas
}

// stateOrderKey scopes a canonical state ordering to a (devclass, devtype) pair.
type stateOrderKey struct {
	devclass string
	devtype  string
}

// House is the root Area and the single point of cross-component lookup:
// device/area id assignment, lookup by id, and the canonical state-ordering
// table built incrementally by gateways as they register device types.
type House struct {
	Area

	ctx   context.Context
	store *persistence.Store

	mu                  sync.RWMutex
	devicesByID         map[int64]Device
	devicesByGatewayKey map[string]Device
	areasByID           map[int64]*Area
	areasByName         map[string]*Area
	stateOrder          map[stateOrderKey][]string
}

// gatewayDeviceKey builds the lookup key for GetDeviceByGatewayAndID.
func gatewayDeviceKey(gatewayID, gatewayDevID string) string {
	return gatewayID + "\x00" + gatewayDevID
}

// New creates the root House area, named name, backed by store for id
// assignment. ctx bounds every persistence call the device model makes on
// the caller's behalf (device/area registration, age=N filter checks).
func New(ctx context.Context, store *persistence.Store, name string) (*House, error) {
	h := &House{
		ctx:                 ctx,
		store:               store,
		devicesByID:         make(map[int64]Device),
		devicesByGatewayKey: make(map[string]Device),
		areasByID:           make(map[int64]*Area),
		areasByName:         make(map[string]*Area),
		stateOrder:          make(map[stateOrderKey][]string),
	}
	h.Area.house = h
	h.Area.name = name

	id, err := store.GetAreaID(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("register house root area %q: %w", name, err)
	}
	h.Area.id = id
	h.areasByID[id] = &h.Area
	h.areasByName[name] = &h.Area
	return h, nil
}

// Store exposes the persistence store backing this House, for device types
// that need it directly (e.g. the age=N filter special case).
func (h *House) Store() *persistence.Store { return h.store }

// Context returns the context bound to this House's lifetime, for
// synchronous persistence calls made during device/area registration.
func (h *House) Context() context.Context { return h.ctx }

// GetAreaByName returns the named area, creating it as a direct child of
// the house root if it does not already exist.
func (h *House) GetAreaByName(name string) (*Area, error) {
	h.mu.Lock()
	if area, ok := h.areasByName[name]; ok {
		h.mu.Unlock()
		return area, nil
	}
	h.mu.Unlock()

	id, err := h.store.GetAreaID(h.ctx, name)
	if err != nil {
		return nil, fmt.Errorf("register area %q: %w", name, err)
	}

	area := &Area{house: h, id: id, name: name}

	h.mu.Lock()
	if existing, ok := h.areasByName[name]; ok {
		h.mu.Unlock()
		return existing, nil
	}
	h.areasByName[name] = area
	h.areasByID[id] = area
	h.mu.Unlock()

	h.Area.addChildArea(area)
	return area, nil
}

// GetDeviceByID looks up a previously registered device by its stable id.
func (h *House) GetDeviceByID(id int64) (Device, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	d, ok := h.devicesByID[id]
	return d, ok
}

// GetDeviceByGatewayAndID looks up a device by the (gatewayID, gatewayDevID)
// pair it was registered with, the way cross-gateway Synthesizer rules
// address devices (spec.md §4.10).
func (h *House) GetDeviceByGatewayAndID(gatewayID, gatewayDevID string) (Device, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	d, ok := h.devicesByGatewayKey[gatewayDeviceKey(gatewayID, gatewayDevID)]
	return d, ok
}

// GetAreaByID looks up a previously registered area by its stable id.
func (h *House) GetAreaByID(id int64) (*Area, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	a, ok := h.areasByID[id]
	return a, ok
}

// AllDevices returns every registered device, sorted by id, for
// internal/api's read-only enumeration endpoints.
func (h *House) AllDevices() []Device {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Device, 0, len(h.devicesByID))
	for _, d := range h.devicesByID {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// AllAreas returns every registered area, sorted by id, for internal/api's
// read-only enumeration endpoints.
func (h *House) AllAreas() []*Area {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Area, 0, len(h.areasByID))
	for _, a := range h.areasByID {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// RegisterStateOrder folds partial, a device type's declared state order,
// into the canonical order for (devclass, devtype). States already present
// keep their existing relative position; brand-new states are appended in
// partial's order. Conflicting orderings are resolved first-come-first-
// served — whichever registration saw a pair of states first fixes their
// relative order — and never panics (spec.md §4.6).
func (h *House) RegisterStateOrder(devclass, devtype string, partial []string) {
	key := stateOrderKey{devclass, devtype}

	h.mu.Lock()
	defer h.mu.Unlock()

	current := h.stateOrder[key]
	seen := make(map[string]bool, len(current))
	for _, s := range current {
		seen[s] = true
	}
	for _, s := range partial {
		if !seen[s] {
			current = append(current, s)
			seen[s] = true
		}
	}
	h.stateOrder[key] = current
}

// OrderDeviceStates returns states reordered into the canonical order
// registered for (devclass, devtype). States with no registered ordering
// are appended at the end, in their original relative order, so nothing is
// silently dropped.
func (h *House) OrderDeviceStates(states []string, devclass, devtype string) []string {
	h.mu.RLock()
	canonical := h.stateOrder[stateOrderKey{devclass, devtype}]
	h.mu.RUnlock()

	want := make(map[string]bool, len(states))
	for _, s := range states {
		want[s] = true
	}

	out := make([]string, 0, len(states))
	placed := make(map[string]bool, len(states))
	for _, s := range canonical {
		if want[s] {
			out = append(out, s)
			placed[s] = true
		}
	}
	for _, s := range states {
		if !placed[s] {
			out = append(out, s)
		}
	}
	return out
}

// GetAvailableCommonActions returns the intersection of every device's
// possible-action set.
func GetAvailableCommonActions(devices []Device) []string {
	if len(devices) == 0 {
		return nil
	}
	common := make(map[string]bool)
	for _, s := range devices[0].PossibleActions() {
		common[s] = true
	}
	for _, dev := range devices[1:] {
		next := make(map[string]bool)
		for _, s := range dev.PossibleActions() {
			if common[s] {
				next[s] = true
			}
		}
		common = next
	}
	out := make([]string, 0, len(common))
	for s := range common {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
