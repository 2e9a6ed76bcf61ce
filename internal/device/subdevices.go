package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/nerrad567/meross-core/internal/protocol"
)

// Subdevice models.
const (
	TypeTempHumSensor  = "ms100"
	TypeThermostatV3   = "mts100v3"
	TypeThermostat150  = "mts150"
	TypeWaterLeak      = "ms400"
	TypeSmokeAlarm     = "ma151"
	TypeUnknownSubtype = "unknown"
)

// DefaultHistorySize bounds the per-subdevice event histories.
const DefaultHistorySize = 10

// detectSubdeviceType finds the model key inside a digest entry.
func detectSubdeviceType(entry map[string]any) string {
	for _, t := range []string{TypeTempHumSensor, TypeThermostatV3, TypeThermostat150, TypeWaterLeak, TypeSmokeAlarm} {
		if _, ok := entry[t]; ok {
			return t
		}
	}
	return TypeUnknownSubtype
}

// newSubdeviceKind builds the subdevice type matching desc.Type.
func newSubdeviceKind(hub *HubDevice, desc *Descriptor) subdevice {
	base := newSubdevice(hub, desc)
	switch desc.Type {
	case TypeTempHumSensor:
		return newTempHumSensor(base)
	case TypeThermostatV3, TypeThermostat150:
		return newThermostat(base)
	case TypeWaterLeak:
		return newWaterLeakSensor(base)
	case TypeSmokeAlarm:
		return newSmokeAlarm(base)
	default:
		return base
	}
}

// ring is a bounded FIFO; pushing beyond capacity drops the oldest item.
type ring[T any] struct {
	items []T
	max   int
}

func newRing[T any](max int) *ring[T] {
	return &ring[T]{max: max}
}

func (r *ring[T]) push(v T) {
	r.items = append(r.items, v)
	if len(r.items) > r.max {
		r.items = append([]T(nil), r.items[len(r.items)-r.max:]...)
	}
}

func (r *ring[T]) last() (T, bool) {
	var zero T
	if len(r.items) == 0 {
		return zero, false
	}
	return r.items[len(r.items)-1], true
}

func (r *ring[T]) list() []T {
	return append([]T(nil), r.items...)
}

// timestampGate accepts non-decreasing timestamps only.
type timestampGate struct {
	last int64
}

// accept reports whether ts is not older than the last accepted one and
// records it.
func (g *timestampGate) accept(ts int64) bool {
	if ts < g.last {
		return false
	}
	g.last = ts
	return true
}

// =============================================================================
// Temperature / humidity sensor
// =============================================================================

// TempHumSample is one accepted sensor reading.
type TempHumSample struct {
	Temperature float64   `json:"temperature_c"`
	Humidity    float64   `json:"humidity_pct"`
	SampledAt   time.Time `json:"sampled_at"`
}

var tempHumDef = &capabilityDef{
	name: CapabilityTempHum,
	derive: func(raw map[string]any) map[string]any {
		out := map[string]any{}
		if n, ok := toInt(raw["temperature"]); ok {
			out["temperature"] = float64(n) / 10
		}
		if n, ok := toInt(raw["humidity"]); ok {
			out["humidity"] = float64(n) / 10
		}
		return out
	},
}

// TempHumSensor is an ms100 temperature and humidity sensor.
type TempHumSensor struct {
	*Subdevice

	histMu  sync.Mutex
	gate    timestampGate
	samples *ring[TempHumSample]
}

func newTempHumSensor(base *Subdevice) *TempHumSensor {
	s := &TempHumSensor{Subdevice: base, samples: newRing[TempHumSample](DefaultHistorySize)}
	base.handlers[protocol.NamespaceHubSensorAll] = s.handleAll
	base.handlers[protocol.NamespaceHubSensorTempHum] = s.handleTempHum
	base.kindDigest = s.handleTempHum
	return s
}

// handleAll reads the nested Hub.Sensor.All form.
func (s *TempHumSensor) handleAll(entry map[string]any, source Source) {
	if online, ok := entry["online"].(map[string]any); ok {
		s.handleOnline(online, source)
	}
	temp, _ := entry["temperature"].(map[string]any)
	hum, _ := entry["humidity"].(map[string]any)
	if temp == nil && hum == nil {
		return
	}
	flat := map[string]any{}
	if temp != nil {
		flat["latestTemperature"] = temp["latest"]
		flat["latestTime"] = temp["latestSampleTime"]
	}
	if hum != nil {
		flat["latestHumidity"] = hum["latest"]
		if _, ok := flat["latestTime"]; !ok {
			flat["latestTime"] = hum["latestSampleTime"]
		}
	}
	s.handleTempHum(flat, source)
}

// handleTempHum reads the flat TempHum and digest form.
func (s *TempHumSensor) handleTempHum(entry map[string]any, source Source) {
	ts, _ := toInt64(entry["latestTime"])

	s.histMu.Lock()
	if !s.gate.accept(ts) {
		s.histMu.Unlock()
		s.logger.Debug("discarding stale sensor sample", "id", s.id, "sample_time", ts)
		return
	}
	fields := map[string]any{}
	sample := TempHumSample{SampledAt: time.Unix(ts, 0).UTC()}
	if n, ok := toInt(entry["latestTemperature"]); ok {
		fields["temperature"] = n
		sample.Temperature = float64(n) / 10
	}
	if n, ok := toInt(entry["latestHumidity"]); ok {
		fields["humidity"] = n
		sample.Humidity = float64(n) / 10
	}
	if len(fields) > 0 && ts > 0 {
		if last, ok := s.samples.last(); !ok || !last.SampledAt.Equal(sample.SampledAt) {
			s.samples.push(sample)
		}
	}
	s.histMu.Unlock()

	if len(fields) > 0 {
		s.applyState(tempHumDef, fields, source)
	}
}

// Temperature returns the last accepted temperature in °C.
func (s *TempHumSensor) Temperature() (float64, bool) {
	fields, ok := s.cache.get(CapabilityTempHum, 0)
	if !ok {
		return 0, false
	}
	v, ok := fields["temperature"].(float64)
	return v, ok
}

// Humidity returns the last accepted relative humidity in percent.
func (s *TempHumSensor) Humidity() (float64, bool) {
	fields, ok := s.cache.get(CapabilityTempHum, 0)
	if !ok {
		return 0, false
	}
	v, ok := fields["humidity"].(float64)
	return v, ok
}

// Samples returns the recent readings, oldest first.
func (s *TempHumSensor) Samples() []TempHumSample {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	return s.samples.list()
}

// =============================================================================
// Thermostat valve
// =============================================================================

// ThermostatState is the typed view of a thermostat valve.
type ThermostatState struct {
	Mode              int     `mapstructure:"mode" json:"mode"`
	RoomTemperature   float64 `mapstructure:"roomTemperature" json:"room_temperature_c"`
	TargetTemperature float64 `mapstructure:"targetTemperature" json:"target_temperature_c"`
	Heating           bool    `mapstructure:"heating" json:"heating"`
	MinTemperature    float64 `mapstructure:"minTemperature" json:"min_temperature_c"`
	MaxTemperature    float64 `mapstructure:"maxTemperature" json:"max_temperature_c"`
}

var thermostatDef = &capabilityDef{
	name: CapabilityThermostat,
	derive: func(raw map[string]any) map[string]any {
		out := map[string]any{}
		if n, ok := toInt(raw["mode"]); ok {
			out["mode"] = n
		}
		tenths := map[string]string{
			"room":       "roomTemperature",
			"currentSet": "targetTemperature",
			"min":        "minTemperature",
			"max":        "maxTemperature",
		}
		for in, name := range tenths {
			if n, ok := toInt(raw[in]); ok {
				out[name] = float64(n) / 10
			}
		}
		if n, ok := toInt(raw["heating"]); ok {
			out["heating"] = n == 1
		}
		return out
	},
}

// Thermostat is an mts100v3 or mts150 radiator valve.
type Thermostat struct {
	*Subdevice
}

func newThermostat(base *Subdevice) *Thermostat {
	t := &Thermostat{Subdevice: base}
	base.handlers[protocol.NamespaceHubMts100All] = t.handleAll
	base.handlers[protocol.NamespaceHubMts100Temp] = t.handleTemperature
	base.handlers[protocol.NamespaceHubMts100Mode] = t.handleMode
	base.kindDigest = t.handleAll
	return t
}

func (t *Thermostat) handleAll(entry map[string]any, source Source) {
	if online, ok := entry["online"].(map[string]any); ok {
		t.handleOnline(online, source)
	}
	if tx, ok := entry["togglex"].(map[string]any); ok {
		t.handleToggle(tx, source)
	}
	if mode, ok := entry["mode"].(map[string]any); ok {
		t.handleMode(mode, source)
	}
	if temp, ok := entry["temperature"].(map[string]any); ok {
		t.handleTemperature(temp, source)
	}
}

func (t *Thermostat) handleTemperature(entry map[string]any, source Source) {
	fields := map[string]any{}
	for _, k := range []string{"room", "currentSet", "min", "max", "heating"} {
		if v, ok := entry[k]; ok {
			fields[k] = v
		}
	}
	if len(fields) > 0 {
		t.applyState(thermostatDef, fields, source)
	}
}

func (t *Thermostat) handleMode(entry map[string]any, source Source) {
	if v, ok := entry["state"]; ok {
		t.applyState(thermostatDef, map[string]any{"mode": v}, source)
	}
}

// ThermostatState returns the typed thermostat state.
func (t *Thermostat) ThermostatState() (ThermostatState, error) {
	var out ThermostatState
	fields, ok := t.cache.get(CapabilityThermostat, 0)
	if !ok {
		return out, &NotFoundError{Kind: "thermostat state", ID: t.id}
	}
	if err := mapstructure.Decode(fields, &out); err != nil {
		return out, fmt.Errorf("decoding thermostat state: %w", err)
	}
	return out, nil
}

// SetTargetTemperature sets the custom target temperature in °C.
func (t *Thermostat) SetTargetTemperature(ctx context.Context, celsius float64) error {
	if celsius < 5 || celsius > 35 {
		return &ValidationError{Field: "temperature", Reason: "must be between 5 and 35 °C"}
	}
	payload := protocol.Payload{"temperature": []map[string]any{{"id": t.id, "custom": int(celsius * 10)}}}
	_, err := t.Publish(ctx, protocol.MethodSet, protocol.NamespaceHubMts100Temp, payload)
	return err
}

// =============================================================================
// Water leak sensor
// =============================================================================

// LeakEvent is one accepted water leak report.
type LeakEvent struct {
	Leaking   bool      `json:"leaking"`
	SampledAt time.Time `json:"sampled_at"`
}

var waterLeakDef = &capabilityDef{
	name: CapabilityWaterLeak,
	derive: func(raw map[string]any) map[string]any {
		out := map[string]any{}
		if n, ok := toInt(raw["latestWaterLeak"]); ok {
			out["isLeaking"] = n == 1
		}
		return out
	},
}

// WaterLeakSensor is an ms400 water leak sensor.
type WaterLeakSensor struct {
	*Subdevice

	histMu  sync.Mutex
	gate    timestampGate
	history *ring[LeakEvent]
}

func newWaterLeakSensor(base *Subdevice) *WaterLeakSensor {
	w := &WaterLeakSensor{Subdevice: base, history: newRing[LeakEvent](DefaultHistorySize)}
	base.handlers[protocol.NamespaceHubSensorWaterLeak] = w.handleLeak
	base.handlers[protocol.NamespaceHubSensorAll] = w.handleAll
	base.kindDigest = w.handleLeak
	return w
}

func (w *WaterLeakSensor) handleAll(entry map[string]any, source Source) {
	if online, ok := entry["online"].(map[string]any); ok {
		w.handleOnline(online, source)
	}
	if leak, ok := entry["waterLeak"].(map[string]any); ok {
		w.handleLeak(leak, source)
	}
}

func (w *WaterLeakSensor) handleLeak(entry map[string]any, source Source) {
	n, ok := toInt(entry["latestWaterLeak"])
	if !ok {
		return
	}
	ts, _ := toInt64(entry["latestSampleTime"])

	w.histMu.Lock()
	if !w.gate.accept(ts) {
		w.histMu.Unlock()
		w.logger.Debug("discarding stale leak report", "id", w.id, "sample_time", ts)
		return
	}
	ev := LeakEvent{Leaking: n == 1, SampledAt: time.Unix(ts, 0).UTC()}
	if last, ok := w.history.last(); !ok || last != ev {
		w.history.push(ev)
	}
	w.histMu.Unlock()

	w.applyState(waterLeakDef, map[string]any{"latestWaterLeak": n}, source)
}

// IsLeaking returns the last accepted leak state.
func (w *WaterLeakSensor) IsLeaking() (bool, bool) {
	fields, ok := w.cache.get(CapabilityWaterLeak, 0)
	if !ok {
		return false, false
	}
	v, ok := fields["isLeaking"].(bool)
	return v, ok
}

// Events returns recent leak reports, oldest first.
func (w *WaterLeakSensor) Events() []LeakEvent {
	w.histMu.Lock()
	defer w.histMu.Unlock()
	return w.history.list()
}

// =============================================================================
// Smoke alarm
// =============================================================================

// SmokeEvent is one accepted smoke alarm report.
type SmokeEvent struct {
	Status         int       `json:"status"`
	InterConnected bool      `json:"inter_connected"`
	ReportedAt     time.Time `json:"reported_at"`
}

var smokeDef = &capabilityDef{
	name: CapabilitySmoke,
	derive: func(raw map[string]any) map[string]any {
		out := map[string]any{}
		if n, ok := toInt(raw["status"]); ok {
			out["status"] = n
		}
		if n, ok := toInt(raw["interConn"]); ok {
			out["interConnected"] = n == 1
		}
		return out
	},
}

// SmokeAlarm is an ma151 smoke alarm.
type SmokeAlarm struct {
	*Subdevice

	histMu  sync.Mutex
	gate    timestampGate
	history *ring[SmokeEvent]
}

func newSmokeAlarm(base *Subdevice) *SmokeAlarm {
	a := &SmokeAlarm{Subdevice: base, history: newRing[SmokeEvent](DefaultHistorySize)}
	base.handlers[protocol.NamespaceHubSensorSmoke] = a.handleSmoke
	base.handlers[protocol.NamespaceHubSensorAll] = a.handleAll
	base.kindDigest = a.handleAll
	return a
}

func (a *SmokeAlarm) handleAll(entry map[string]any, source Source) {
	if online, ok := entry["online"].(map[string]any); ok {
		a.handleOnline(online, source)
	}
	if smoke, ok := entry["smokeAlarm"].(map[string]any); ok {
		a.handleSmoke(smoke, source)
	}
}

func (a *SmokeAlarm) handleSmoke(entry map[string]any, source Source) {
	status, ok := toInt(entry["status"])
	if !ok {
		return
	}
	ts, _ := toInt64(entry["timestamp"])
	inter, _ := toInt(entry["interConn"])

	a.histMu.Lock()
	if !a.gate.accept(ts) {
		a.histMu.Unlock()
		a.logger.Debug("discarding stale smoke report", "id", a.id, "timestamp", ts)
		return
	}
	ev := SmokeEvent{Status: status, InterConnected: inter == 1, ReportedAt: time.Unix(ts, 0).UTC()}
	if last, ok := a.history.last(); !ok || last != ev {
		a.history.push(ev)
	}
	a.histMu.Unlock()

	a.applyState(smokeDef, map[string]any{"status": status, "interConn": inter}, source)
}

// SmokeStatus returns the last accepted alarm status code.
func (a *SmokeAlarm) SmokeStatus() (int, bool) {
	fields, ok := a.cache.get(CapabilitySmoke, 0)
	if !ok {
		return 0, false
	}
	v, ok := fields["status"].(int)
	return v, ok
}

// Events returns recent alarm reports, oldest first.
func (a *SmokeAlarm) Events() []SmokeEvent {
	a.histMu.Lock()
	defer a.histMu.Unlock()
	return a.history.list()
}
