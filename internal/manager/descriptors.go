package manager

import (
	"context"
	"fmt"

	"github.com/nerrad567/meross-core/internal/device"
	"github.com/nerrad567/meross-core/internal/infrastructure/config"
)

// entry is a base device descriptor with the subdevices declared behind it.
type entry struct {
	desc *device.Descriptor
	subs []*device.Descriptor
}

// loadDescriptors merges configured devices with persisted descriptors.
// Configuration wins for a uuid present in both; persisted subdevices are
// kept unless configuration declares the same id. Entries keep
// configuration order followed by repository order.
func (m *Manager) loadDescriptors(ctx context.Context) ([]*entry, error) {
	var entries []*entry
	byUUID := make(map[string]*entry)

	for _, dc := range m.opts.Devices {
		e := entryFromConfig(dc)
		if _, dup := byUUID[e.desc.UUID]; dup {
			continue
		}
		byUUID[e.desc.UUID] = e
		entries = append(entries, e)
	}

	if m.opts.Repository == nil {
		return entries, nil
	}

	stored, err := m.opts.Repository.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading device descriptors: %w", err)
	}

	// List returns base devices before subdevices.
	for i := range stored {
		desc := stored[i].DeepCopy()
		if !desc.IsSubdevice() {
			if _, ok := byUUID[desc.UUID]; ok {
				continue
			}
			e := &entry{desc: desc}
			byUUID[desc.UUID] = e
			entries = append(entries, e)
			continue
		}

		hub, ok := byUUID[desc.HubUUID]
		if !ok {
			m.logger.Warn("stored subdevice has no hub", "id", desc.InternalID(), "hub_uuid", desc.HubUUID)
			continue
		}
		if hasSubdevice(hub.subs, desc.SubdeviceID) {
			continue
		}
		hub.subs = append(hub.subs, desc)
	}

	m.logger.Debug("device descriptors loaded",
		"configured", len(m.opts.Devices),
		"stored", len(stored),
		"devices", len(entries),
	)
	return entries, nil
}

// entryFromConfig converts a configured device. Channel names map to
// channel indexes in order; channel 0 is the master channel.
func entryFromConfig(dc config.DeviceConfig) *entry {
	desc := &device.Descriptor{
		UUID:            dc.UUID,
		Name:            dc.Name,
		Type:            dc.Type,
		FirmwareVersion: dc.FirmwareVersion,
		HardwareVersion: dc.HardwareVersion,
		MAC:             dc.MAC,
		LANIP:           dc.LANIP,
		TransportMode:   dc.TransportMode,
	}
	for i, name := range dc.Channels {
		desc.Channels = append(desc.Channels, device.Channel{Index: i, Name: name, IsMaster: i == 0})
	}

	e := &entry{desc: desc}
	for _, sc := range dc.Subdevices {
		if hasSubdevice(e.subs, sc.ID) {
			continue
		}
		e.subs = append(e.subs, &device.Descriptor{
			UUID:        dc.UUID,
			Name:        sc.Name,
			Type:        sc.Type,
			HubUUID:     dc.UUID,
			SubdeviceID: sc.ID,
		})
	}
	return e
}

func hasSubdevice(subs []*device.Descriptor, id string) bool {
	for _, s := range subs {
		if s.SubdeviceID == id {
			return true
		}
	}
	return false
}
