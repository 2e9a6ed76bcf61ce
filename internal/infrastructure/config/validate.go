package config

import (
	"fmt"
	"strings"
)

// validTransportModes mirrors transport.Mode, which cannot be imported
// here without a cycle.
var validTransportModes = map[string]bool{
	"":                        true,
	"mqtt_only":               true,
	"lan_http_first":          true,
	"lan_http_first_only_get": true,
}

// problems collects every validation failure so one run reports them all.
type problems []string

func (p *problems) addf(format string, args ...any) {
	*p = append(*p, fmt.Sprintf(format, args...))
}

func (p *problems) check(ok bool, format string, args ...any) {
	if !ok {
		p.addf(format, args...)
	}
}

// Validate reports every invalid setting in one error.
func (c *Config) Validate() error {
	var p problems

	p.check(c.Database.Path != "", "database.path is required")
	p.check(c.Database.HistoryRetention >= 0, "database.history_retention must not be negative")

	p.check(c.MQTT.QoS >= 0 && c.MQTT.QoS <= 2, "mqtt.qos must be 0, 1, or 2")
	if c.MQTT.Enabled {
		p.check(c.MQTT.Broker.Host != "", "mqtt.broker.host is required when mqtt is enabled")
		p.check(validPort(c.MQTT.Broker.Port), "mqtt.broker.port must be between 1 and 65535")
	}

	if c.API.Enabled {
		p.check(validPort(c.API.Port), "api.port must be between 1 and 65535")
		if c.API.TLS.Enabled {
			p.check(c.API.TLS.CertFile != "" && c.API.TLS.KeyFile != "", "api.tls needs cert_file and key_file")
		}
	}

	if c.InfluxDB.Enabled {
		p.check(c.InfluxDB.URL != "", "influxdb.url is required when influxdb is enabled")
		p.check(c.InfluxDB.Bucket != "", "influxdb.bucket is required when influxdb is enabled")
	}

	switch c.Logging.Output {
	case "", "stdout", "stderr":
	case "file", "both":
		p.check(c.Logging.File.Path != "", "logging.file.path is required for file output")
	default:
		p.addf("logging.output %q is not one of stdout, stderr, file, both", c.Logging.Output)
	}

	c.Meross.validate(&p, c.MQTT.Enabled)

	if len(p) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(p, "; "))
	}
	return nil
}

func validPort(port int) bool {
	return port >= 1 && port <= 65535
}

func (m *MerossConfig) validate(p *problems, mqttEnabled bool) {
	// Devices reject requests without a valid signature.
	p.check(m.Key != "", "meross.key is required (set MEROSS_KEY environment variable)")
	if mqttEnabled {
		p.check(m.UserID != "", "meross.user_id is required when mqtt is enabled")
	} else {
		p.check(m.TransportMode != "mqtt_only", "meross.transport_mode mqtt_only requires mqtt to be enabled")
	}
	p.check(validTransportModes[m.TransportMode], "meross.transport_mode %q is invalid", m.TransportMode)
	p.check(m.RequestTimeout >= 1, "meross.request_timeout must be at least 1 second")
	p.check(m.HeartbeatInterval >= 0, "meross.heartbeat_interval must not be negative")
	p.check(m.FailureThreshold >= 1, "meross.failure_threshold must be at least 1")
	p.check(m.RateLimit >= 0, "meross.rate_limit must not be negative")

	seen := make(map[string]bool, len(m.Devices))
	for i, d := range m.Devices {
		if d.UUID == "" {
			p.addf("meross.devices[%d].uuid is required", i)
			continue
		}
		p.check(!seen[d.UUID], "meross.devices[%d].uuid %q is duplicated", i, d.UUID)
		seen[d.UUID] = true
		p.check(validTransportModes[d.TransportMode], "meross.devices[%d].transport_mode %q is invalid", i, d.TransportMode)
		for j, s := range d.Subdevices {
			p.check(s.ID != "", "meross.devices[%d].subdevices[%d].id is required", i, j)
		}
	}
}
