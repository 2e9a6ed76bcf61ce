package device

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/nerrad567/meross-core/internal/protocol"
)

// Capability definitions. Raw wire units are converted here: electricity
// arrives in mW, dV and mA; temperatures in tenths of a degree.
var (
	onlineDef = &capabilityDef{
		name: CapabilityOnline,
		derive: func(raw map[string]any) map[string]any {
			out := map[string]any{}
			if s, ok := statusFromWire(raw["status"]); ok {
				out["status"] = s
			}
			return out
		},
	}

	toggleDef = &capabilityDef{
		name: CapabilityToggle,
		derive: func(raw map[string]any) map[string]any {
			out := map[string]any{}
			if n, ok := toInt(raw["onoff"]); ok {
				out["isOn"] = n == 1
			}
			return out
		},
	}

	lightDef = &capabilityDef{
		name: CapabilityLight,
		derive: func(raw map[string]any) map[string]any {
			out := map[string]any{}
			if n, ok := toInt(raw["onoff"]); ok {
				out["isOn"] = n == 1
			}
			if n, ok := toInt(raw["rgb"]); ok {
				out["rgb"] = [3]int{(n >> 16) & 0xff, (n >> 8) & 0xff, n & 0xff}
			}
			for _, k := range []string{"luminance", "temperature", "capacity"} {
				if n, ok := toInt(raw[k]); ok {
					out[k] = n
				}
			}
			return out
		},
	}

	electricityDef = &capabilityDef{
		name: CapabilityElectricity,
		derive: func(raw map[string]any) map[string]any {
			out := map[string]any{}
			if n, ok := toInt(raw["power"]); ok {
				out["power"] = float64(n) / 1000
			}
			if n, ok := toInt(raw["voltage"]); ok {
				out["voltage"] = float64(n) / 10
			}
			if n, ok := toInt(raw["current"]); ok {
				out["current"] = float64(n) / 1000
			}
			return out
		},
	}

	garageDoorDef = &capabilityDef{
		name: CapabilityGarageDoor,
		derive: func(raw map[string]any) map[string]any {
			out := map[string]any{}
			if n, ok := toInt(raw["open"]); ok {
				out["isOpen"] = n == 1
			}
			return out
		},
	}

	rollerShutterDef = &capabilityDef{
		name: CapabilityRollerShutter,
		derive: func(raw map[string]any) map[string]any {
			out := map[string]any{}
			if n, ok := toInt(raw["position"]); ok {
				out["position"] = n
			}
			if n, ok := toInt(raw["state"]); ok {
				out["state"] = n
			}
			return out
		},
	}
)

// route maps a push namespace to the capability it updates and the
// payload key holding its entries.
type route struct {
	def *capabilityDef
	key string
}

// pushRoutes is built once; lookups are by exact namespace.
var pushRoutes = map[string]route{
	protocol.NamespaceControlToggle:         {toggleDef, "toggle"},
	protocol.NamespaceControlToggleX:        {toggleDef, "togglex"},
	protocol.NamespaceControlLight:          {lightDef, "light"},
	protocol.NamespaceControlElectricity:    {electricityDef, "electricity"},
	protocol.NamespaceGarageDoorState:       {garageDoorDef, "state"},
	protocol.NamespaceRollerShutterState:    {rollerShutterDef, "state"},
	protocol.NamespaceRollerShutterPosition: {rollerShutterDef, "position"},
}

// digestRoutes maps full-state digest keys to capabilities.
var digestRoutes = map[string]*capabilityDef{
	"toggle":        toggleDef,
	"togglex":       toggleDef,
	"light":         lightDef,
	"garageDoor":    garageDoorDef,
	"rollerShutter": rollerShutterDef,
}

// ToggleState is the typed view of the toggle capability.
type ToggleState struct {
	IsOn bool `mapstructure:"isOn" json:"is_on"`
}

// LightState is the typed view of the light capability.
type LightState struct {
	IsOn        bool   `mapstructure:"isOn" json:"is_on"`
	RGB         [3]int `mapstructure:"rgb" json:"rgb"`
	Luminance   int    `mapstructure:"luminance" json:"luminance"`
	Temperature int    `mapstructure:"temperature" json:"temperature"`
	Capacity    int    `mapstructure:"capacity" json:"capacity"`
}

// ElectricityState is the typed view of the electricity capability.
type ElectricityState struct {
	Power   float64 `mapstructure:"power" json:"power_w"`
	Voltage float64 `mapstructure:"voltage" json:"voltage_v"`
	Current float64 `mapstructure:"current" json:"current_a"`
}

// GarageDoorState is the typed view of the garage door capability.
type GarageDoorState struct {
	IsOpen bool `mapstructure:"isOpen" json:"is_open"`
}

// RollerShutterState is the typed view of the roller shutter capability.
type RollerShutterState struct {
	Position int `mapstructure:"position" json:"position"`
	State    int `mapstructure:"state" json:"state"`
}

// decodeState reads cached fields into a typed snapshot.
func decodeState[T any](c *stateCache, capability Capability, channel int) (T, error) {
	var out T
	fields, ok := c.get(capability, channel)
	if !ok {
		return out, &NotFoundError{Kind: string(capability) + " channel", ID: fmt.Sprint(channel)}
	}
	if err := mapstructure.Decode(fields, &out); err != nil {
		return out, fmt.Errorf("decoding %s state: %w", capability, err)
	}
	return out, nil
}
