package dsc

import (
	"fmt"

	"github.com/metamatt/stargate/internal/devicemodel"
)

// ZoneKind selects which DscZoneSensor subclass a configured zone becomes
// (spec.md §4.8's "Factory maps config type string").
type ZoneKind string

const (
	ZoneClosure ZoneKind = "closure"
	ZoneMotion  ZoneKind = "motion"
)

// ZoneConfig is one configured zone. A bare string in the YAML config is
// shorthand for a closure sensor named by that string, matching the
// original's "treat string as shorthand for a closure sensor" rule —
// DecodeZoneValue below implements that normalization for internal/gwloader
// to call before populating Config.Zones.
type ZoneConfig struct {
	Type ZoneKind
	Name string
}

// DecodeZoneValue normalizes one raw `zones.<num>` config value, which is
// either a bare string (shorthand for a named closure sensor) or a map with
// `type` and `name` keys.
func DecodeZoneValue(raw any) (ZoneConfig, error) {
	switch v := raw.(type) {
	case string:
		return ZoneConfig{Type: ZoneClosure, Name: v}, nil
	case map[string]any:
		zc := ZoneConfig{Type: ZoneClosure}
		if t, ok := v["type"].(string); ok {
			zc.Type = ZoneKind(t)
		}
		if n, ok := v["name"].(string); ok {
			zc.Name = n
		}
		return zc, nil
	default:
		return ZoneConfig{}, fmt.Errorf("dsc: zone config must be a string or mapping, got %T", raw)
	}
}

// PartitionStatus is the three-state enum a DscPartition reports (spec.md
// §4.8's response table distinguishes READY/ARMED/BUSY, generalizing the
// retrieved original source's two-state ready/busy cache).
type PartitionStatus int

const (
	PartitionReady PartitionStatus = iota
	PartitionArmed
	PartitionBusy
)

func (s PartitionStatus) String() string {
	switch s {
	case PartitionReady:
		return "ready"
	case PartitionArmed:
		return "armed"
	case PartitionBusy:
		return "busy"
	default:
		return "unknown"
	}
}

func (g *Gateway) newPartitionDevice(area *devicemodel.Area, partitionNum int, name string) (devicemodel.Device, error) {
	dev, err := devicemodel.NewBaseDevice(area, GatewayID, fmt.Sprintf("partition:%d", partitionNum), name, "control", "alarmpartition")
	if err != nil {
		return nil, fmt.Errorf("dsc: partition %d: %w", partitionNum, err)
	}

	level := func() PartitionStatus {
		v, _ := g.partitionCache.Peek(partitionNum)
		return v
	}
	dev.SetGetter("ready", func() bool { return level() == PartitionReady })
	dev.SetGetter("armed", func() bool { return level() == PartitionArmed })
	dev.SetGetter("busy", func() bool { return level() == PartitionBusy })

	return dev, nil
}

func (g *Gateway) newZoneDevice(area *devicemodel.Area, zoneNum int, kind ZoneKind, name string) (devicemodel.Device, error) {
	var devtype string
	switch kind {
	case ZoneMotion:
		devtype = "motion"
	default:
		devtype = "closure"
	}

	dev, err := devicemodel.NewBaseDevice(area, GatewayID, fmt.Sprintf("zone:%d", zoneNum), name, "sensor", devtype)
	if err != nil {
		return nil, fmt.Errorf("dsc: zone %d: %w", zoneNum, err)
	}

	open := func() bool {
		v, _ := g.zoneCache.Peek(zoneNum)
		return v
	}

	switch kind {
	case ZoneMotion:
		dev.SetGetter("occupied", open)
		dev.SetGetter("vacant", func() bool { return !open() })
	default:
		dev.SetGetter("open", open)
		dev.SetGetter("closed", func() bool { return !open() })
	}

	return dev, nil
}
