// Package eventbus implements Stargate's per-device and broadcast
// subscription fan-out (spec.md §4.4). Publication happens synchronously
// on the calling goroutine against a snapshot of the subscriber list, so
// handlers must be fast.
package eventbus

import "sync"

// DeviceID identifies a device for per-device subscriptions. It is an
// opaque comparable key; callers typically pass a devicemodel.Device's
// stable integer id.
type DeviceID int64

// Handler is invoked for a single device's state change.
// synthetic is true when the change is a cache refill after startup
// rather than a user-originated action.
type Handler func(synthetic bool)

// BroadcastHandler is invoked for every device's state change.
type BroadcastHandler func(device DeviceID, synthetic bool)

// Bus fans state-change notifications out to subscribers.
type Bus struct {
	mu         sync.RWMutex
	perDevice  map[DeviceID][]Handler
	broadcasts []BroadcastHandler
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		perDevice: make(map[DeviceID][]Handler),
	}
}

// Subscribe registers handler to be invoked whenever device's state changes.
func (b *Bus) Subscribe(device DeviceID, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.perDevice[device] = append(b.perDevice[device], handler)
}

// SubscribeAll registers handler to be invoked for every device's state change.
func (b *Bus) SubscribeAll(handler BroadcastHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broadcasts = append(b.broadcasts, handler)
}

// Publish announces a state change for device. synthetic=true marks a
// cache-refill replay rather than a genuine user-originated change.
//
// Publication iterates a snapshot of the subscriber slices taken under the
// read lock, so handlers that call Subscribe/SubscribeAll re-entrantly
// cannot deadlock and will not see their own registration mid-publish.
func (b *Bus) Publish(device DeviceID, synthetic bool) {
	b.mu.RLock()
	perDevice := append([]Handler(nil), b.perDevice[device]...)
	broadcasts := append([]BroadcastHandler(nil), b.broadcasts...)
	b.mu.RUnlock()

	for _, h := range perDevice {
		h(synthetic)
	}
	for _, h := range broadcasts {
		h(device, synthetic)
	}
}
