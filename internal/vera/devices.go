package vera

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/metamatt/stargate/internal/devicemodel"
)

// newDoorLockDevice wires one VeraDoorLock (spec.md §4.9) into devicemodel.
// Every state read is a live LUUP call rather than a cache lookup, matching
// the controller's own poll-only model — there is no push channel to keep a
// cache fresh against. A failed read is logged and reported as the state
// being false rather than surfaced as an error, since StateGetter has no
// error return.
func (g *Gateway) newDoorLockDevice(area *devicemodel.Area, veraID int, name string) (devicemodel.Device, error) {
	dev, err := devicemodel.NewBaseDevice(area, GatewayID, fmt.Sprintf("device:%d", veraID), name, "output", "doorlock")
	if err != nil {
		return nil, fmt.Errorf("vera: door lock %d: %w", veraID, err)
	}

	locked := func() bool {
		v, err := g.GetLevel(context.Background(), veraID)
		if err != nil {
			g.logger.Warn("vera: reading door lock state", slog.Int("device", veraID), slog.Any("error", err))
			return false
		}
		return v
	}
	pending := func() bool {
		v, err := g.IsPending(context.Background(), veraID)
		if err != nil {
			g.logger.Warn("vera: reading door lock job status", slog.Int("device", veraID), slog.Any("error", err))
			return false
		}
		return v
	}

	dev.SetGetter("locked", locked)
	dev.SetGetter("unlocked", func() bool { return !locked() })
	dev.SetGetter("pending", pending)

	dev.SetSetter("locked", func() {
		if err := g.SetLevel(context.Background(), veraID, true); err != nil {
			g.logger.Error("vera: locking door", slog.Int("device", veraID), slog.Any("error", err))
		}
	})
	dev.SetSetter("unlocked", func() {
		if err := g.SetLevel(context.Background(), veraID, false); err != nil {
			g.logger.Error("vera: unlocking door", slog.Int("device", veraID), slog.Any("error", err))
		}
	})

	return dev, nil
}
