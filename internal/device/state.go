package device

import (
	"reflect"
	"sort"
	"sync"
	"time"
)

// Capability names a family of per-channel state.
type Capability string

// Capabilities tracked by the state cache.
const (
	CapabilityOnline        Capability = "online"
	CapabilityToggle        Capability = "toggle"
	CapabilityLight         Capability = "light"
	CapabilityElectricity   Capability = "electricity"
	CapabilityGarageDoor    Capability = "garageDoor"
	CapabilityRollerShutter Capability = "rollerShutter"

	// Subdevice capabilities.
	CapabilityBattery    Capability = "battery"
	CapabilityTempHum    Capability = "tempHum"
	CapabilityThermostat Capability = "thermostat"
	CapabilityWaterLeak  Capability = "waterLeak"
	CapabilitySmoke      Capability = "smoke"
)

// capabilityDef describes how raw wire fields map to derived fields.
type capabilityDef struct {
	name Capability

	// derive computes the public view from the merged raw fields. Fields
	// absent from raw are left out.
	derive func(raw map[string]any) map[string]any
}

// channelState is the cached state of one capability on one channel.
type channelState struct {
	raw     map[string]any
	derived map[string]any
	source  Source
	updated time.Time
}

// stateCache holds capability → channel → state.
//
// Entries are created lazily on the first update. Updates merge at field
// level: incoming fields overwrite, absent fields are preserved.
type stateCache struct {
	mu   sync.RWMutex
	caps map[Capability]map[int]*channelState
}

func newStateCache() *stateCache {
	return &stateCache{caps: make(map[Capability]map[int]*channelState)}
}

// apply merges fields into the channel record and returns the derived
// fields whose value changed. A nil result means nothing changed.
//
// Derived values are compared whole, so composite values such as the
// light rgb tuple are always reported in full.
func (c *stateCache) apply(def *capabilityDef, channel int, fields map[string]any, source Source, now time.Time) map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()

	channels, ok := c.caps[def.name]
	if !ok {
		channels = make(map[int]*channelState)
		c.caps[def.name] = channels
	}
	st, ok := channels[channel]
	if !ok {
		st = &channelState{raw: make(map[string]any), derived: map[string]any{}}
		channels[channel] = st
	}

	for k, v := range fields {
		if k == "channel" {
			continue
		}
		st.raw[k] = deepCopyValue(v)
	}

	next := def.derive(st.raw)
	changed := diffFields(st.derived, next)
	st.derived = next
	st.source = source
	st.updated = now

	if len(changed) == 0 {
		return nil
	}
	return changed
}

// get returns a copy of the derived fields of one channel.
func (c *stateCache) get(capability Capability, channel int) (map[string]any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st, ok := c.caps[capability][channel]
	if !ok {
		return nil, false
	}
	return deepCopyMap(st.derived), true
}

// snapshot returns a copy of the whole cache.
func (c *stateCache) snapshot() map[Capability]map[int]map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[Capability]map[int]map[string]any, len(c.caps))
	for capability, channels := range c.caps {
		chs := make(map[int]map[string]any, len(channels))
		for idx, st := range channels {
			chs[idx] = deepCopyMap(st.derived)
		}
		out[capability] = chs
	}
	return out
}

// channels returns the channel indexes that hold state for capability.
func (c *stateCache) channels(capability Capability) []int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]int, 0, len(c.caps[capability]))
	for idx := range c.caps[capability] {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// diffFields returns the fields of next that are new or differ from prev.
func diffFields(prev, next map[string]any) map[string]any {
	changed := make(map[string]any)
	for k, v := range next {
		old, ok := prev[k]
		if !ok || !reflect.DeepEqual(old, v) {
			changed[k] = v
		}
	}
	return changed
}
