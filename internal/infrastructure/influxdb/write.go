package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	// measurementPrefix is prepended to the capability name, giving
	// measurements such as meross_toggle and meross_electricity.
	measurementPrefix = "meross_"

	// MeasurementOnline records device online status transitions.
	MeasurementOnline = "meross_online"
)

// StateSample is one capability state change of one device channel.
type StateSample struct {
	DeviceID   string
	DeviceType string
	Capability string
	Channel    int

	// Source is the provenance of the change: response, push or poll.
	Source string

	// Values holds the changed derived fields. Only numeric and boolean
	// values become fields; everything else is skipped.
	Values    map[string]any
	Timestamp time.Time
}

// WriteState queues a capability change as a meross_<capability> point.
// Samples with no numeric or boolean values are dropped.
func (c *Client) WriteState(s StateSample) {
	p := statePoint(s)
	if p == nil {
		return
	}
	c.write(p)
}

// WriteOnlineStatus queues an online status transition, keeping the wire
// value of the status alongside an online flag.
func (c *Client) WriteOnlineStatus(deviceID string, status int, at time.Time) {
	c.write(onlinePoint(deviceID, status, at))
}

func (c *Client) write(p *write.Point) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.closed {
		c.points.WritePoint(p)
	}
}

// statePoint converts a sample into a point, or nil when no value can be
// stored as a field.
func statePoint(s StateSample) *write.Point {
	fields := make(map[string]interface{}, len(s.Values))
	for k, v := range s.Values {
		addField(fields, k, v)
	}
	if len(fields) == 0 {
		return nil
	}

	tags := map[string]string{
		"device_id": s.DeviceID,
		"channel":   strconv.Itoa(s.Channel),
	}
	if s.Source != "" {
		tags["source"] = s.Source
	}
	if s.DeviceType != "" {
		tags["device_type"] = s.DeviceType
	}

	ts := s.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return write.NewPoint(measurementPrefix+s.Capability, tags, fields, ts)
}

func onlinePoint(deviceID string, status int, at time.Time) *write.Point {
	if at.IsZero() {
		at = time.Now()
	}
	return write.NewPoint(
		MeasurementOnline,
		map[string]string{"device_id": deviceID},
		map[string]interface{}{
			"status": int64(status),
			"online": status == 1,
		},
		at,
	)
}

// addField stores v under key when InfluxDB can represent it. Fixed-size
// integer arrays (rgb tuples) are split into key_0, key_1, ...
func addField(fields map[string]interface{}, key string, v any) {
	switch val := v.(type) {
	case bool:
		fields[key] = val
	case int:
		fields[key] = int64(val)
	case int64:
		fields[key] = val
	case float64:
		fields[key] = val
	case float32:
		fields[key] = float64(val)
	case [3]int:
		for i, n := range val {
			fields[key+"_"+strconv.Itoa(i)] = int64(n)
		}
	}
}
