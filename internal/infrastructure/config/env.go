package config

import (
	"errors"
	"fmt"
	"strconv"
)

// envVar overrides one config field from the environment. Secrets belong
// here rather than in the file.
type envVar struct {
	name string
	set  func(c *Config, v string) error
}

var envVars = []envVar{
	{"MEROSS_KEY", str(func(c *Config) *string { return &c.Meross.Key })},
	{"MEROSS_USER_ID", str(func(c *Config) *string { return &c.Meross.UserID })},
	{"MEROSS_APP_ID", str(func(c *Config) *string { return &c.Meross.AppID })},
	{"MEROSS_TRANSPORT_MODE", str(func(c *Config) *string { return &c.Meross.TransportMode })},
	{"MEROSS_DATABASE_PATH", str(func(c *Config) *string { return &c.Database.Path })},
	{"MEROSS_MQTT_HOST", str(func(c *Config) *string { return &c.MQTT.Broker.Host })},
	{"MEROSS_MQTT_PORT", num(func(c *Config) *int { return &c.MQTT.Broker.Port })},
	{"MEROSS_MQTT_TLS", flag(func(c *Config) *bool { return &c.MQTT.Broker.TLS })},
	{"MEROSS_MQTT_USERNAME", str(func(c *Config) *string { return &c.MQTT.Auth.Username })},
	{"MEROSS_MQTT_PASSWORD", str(func(c *Config) *string { return &c.MQTT.Auth.Password })},
	{"MEROSS_API_HOST", str(func(c *Config) *string { return &c.API.Host })},
	{"MEROSS_API_PORT", num(func(c *Config) *int { return &c.API.Port })},
	{"MEROSS_INFLUXDB_ENABLED", flag(func(c *Config) *bool { return &c.InfluxDB.Enabled })},
	{"MEROSS_INFLUXDB_URL", str(func(c *Config) *string { return &c.InfluxDB.URL })},
	{"MEROSS_INFLUXDB_TOKEN", str(func(c *Config) *string { return &c.InfluxDB.Token })},
	{"MEROSS_LOG_LEVEL", str(func(c *Config) *string { return &c.Logging.Level })},
}

// applyEnv sets every variable lookup finds. A malformed number or bool is
// an error rather than a silent fallback to the file value.
func applyEnv(c *Config, lookup func(string) (string, bool)) error {
	var errs []error
	for _, e := range envVars {
		v, ok := lookup(e.name)
		if !ok || v == "" {
			continue
		}
		if err := e.set(c, v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
		}
	}
	return errors.Join(errs...)
}

func str(field func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

func num(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%q is not an integer", v)
		}
		*field(c) = n
		return nil
	}
}

func flag(field func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%q is not a boolean", v)
		}
		*field(c) = b
		return nil
	}
}
