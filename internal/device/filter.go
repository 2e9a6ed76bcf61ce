package device

// Filter selects devices in Registry.Find. Zero-valued fields match
// everything; set fields are AND-ed.
type Filter struct {
	UUIDs        []string
	InternalIDs  []string
	DeviceType   string
	Name         string
	OnlineStatus *OnlineStatus

	// Ability matches devices that declared this namespace.
	Ability string

	// Check is a structural test, usually built with Implements.
	Check func(Device) bool
}

// abilityHolder is implemented by devices that expose their abilities.
type abilityHolder interface {
	HasAbility(namespace string) bool
}

// Match reports whether d satisfies every set field of f.
func (f Filter) Match(d Device) bool {
	if len(f.UUIDs) > 0 && !contains(f.UUIDs, d.UUID()) {
		return false
	}
	if len(f.InternalIDs) > 0 && !contains(f.InternalIDs, d.InternalID()) {
		return false
	}
	if f.DeviceType != "" && d.Type() != f.DeviceType {
		return false
	}
	if f.Name != "" && d.Name() != f.Name {
		return false
	}
	if f.OnlineStatus != nil && d.OnlineStatus() != *f.OnlineStatus {
		return false
	}
	if f.Ability != "" {
		h, ok := d.(abilityHolder)
		if !ok || !h.HasAbility(f.Ability) {
			return false
		}
	}
	if f.Check != nil && !f.Check(d) {
		return false
	}
	return true
}

// Implements returns a check matching devices whose dynamic type
// implements T, so callers can select by behaviour instead of model:
//
//	reg.Find(device.Filter{Check: device.Implements[interface {
//	    Temperature() (float64, bool)
//	}]()})
func Implements[T any]() func(Device) bool {
	return func(d Device) bool {
		_, ok := d.(T)
		return ok
	}
}

// StatusPtr returns a pointer to s for use in Filter.OnlineStatus.
func StatusPtr(s OnlineStatus) *OnlineStatus {
	return &s
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
