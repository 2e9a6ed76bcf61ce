package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the merossd configuration: YAML file values over defaults,
// then MEROSS_* environment variables over both.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Meross    MerossConfig    `yaml:"meross"`
}

// DatabaseConfig locates the SQLite store.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// HistoryRetention is how many days of state history are kept.
	// Zero keeps everything.
	HistoryRetention int `yaml:"history_retention"`
}

// MQTTConfig selects the broker devices are reached through.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

type MQTTBrokerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	TLS  bool   `yaml:"tls"`

	// InsecureSkipVerify disables broker certificate checks. Local
	// brokers paired with devices usually present self-signed certs.
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	ClientID           string `yaml:"client_id"`
}

// MQTTAuthConfig overrides the broker login. Empty means the cloud
// credentials derived from the meross section.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig bounds the reconnect backoff, in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig configures the REST API listener.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig holds http.Server timeouts in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig lists browser origins allowed to call the API. Empty
// allows any origin.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig configures the event stream endpoint.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig enables the optional state metrics writer.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

type LoggingConfig struct {
	Level  string            `yaml:"level"`
	Format string            `yaml:"format"`
	Output string            `yaml:"output"`
	File   FileLoggingConfig `yaml:"file"`
}

// FileLoggingConfig sizes the rotating log file: MB per file, days kept.
type FileLoggingConfig struct {
	Path       string `yaml:"path"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

// MerossConfig holds the account credentials and device engine tuning.
type MerossConfig struct {
	// Key is the shared signing key from the Meross account.
	Key    string `yaml:"key"`
	UserID string `yaml:"user_id"`

	// AppID identifies this client in reply topics. Generated when empty.
	AppID string `yaml:"app_id"`

	// RequestTimeout is the default per-request timeout in seconds.
	RequestTimeout int `yaml:"request_timeout"`

	// HeartbeatInterval is the liveness check period in seconds. Zero selects the
	// device default.
	HeartbeatInterval int `yaml:"heartbeat_interval"`
	FailureThreshold  int `yaml:"failure_threshold"`

	// TransportMode is one of "", mqtt_only, lan_http_first or
	// lan_http_first_only_get.
	TransportMode string `yaml:"transport_mode"`

	// LANTimeout bounds a single LAN HTTP request, in seconds.
	LANTimeout int `yaml:"lan_timeout"`

	// LocalBroker subscribes to every device publish topic. The cloud
	// broker refuses that subscription and drops the connection.
	LocalBroker bool `yaml:"local_broker"`

	// RateLimit is the sustained requests per second across all devices.
	// Zero disables throttling.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`

	Devices []DeviceConfig `yaml:"devices"`
}

// DeviceConfig declares a device known ahead of discovery.
type DeviceConfig struct {
	UUID            string          `yaml:"uuid"`
	Name            string          `yaml:"name"`
	Type            string          `yaml:"type"`
	FirmwareVersion string          `yaml:"firmware_version"`
	HardwareVersion string          `yaml:"hardware_version"`
	MAC             string          `yaml:"mac"`
	LANIP           string          `yaml:"lan_ip"`
	TransportMode   string          `yaml:"transport_mode"`
	Channels        []string        `yaml:"channels"`
	Subdevices      []SubdeviceSpec `yaml:"subdevices"`
}

// SubdeviceSpec declares a subdevice behind a hub entry.
type SubdeviceSpec struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// Load reads the YAML file at path, applies MEROSS_* overrides and
// validates the result. Unknown keys in the file are errors, so a typo
// does not silently fall back to a default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := defaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Seconds converts a config value given in seconds.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:             "./data/merossd.db",
			WALMode:          true,
			BusyTimeout:      5,
			HistoryRetention: 30,
		},
		MQTT: MQTTConfig{
			Enabled:   true,
			Broker:    MQTTBrokerConfig{Host: "localhost", Port: 2001, TLS: true, ClientID: "merossd"},
			QoS:       1,
			Reconnect: MQTTReconnectConfig{InitialDelay: 1, MaxDelay: 60},
		},
		API: APIConfig{
			Enabled:  true,
			Host:     "0.0.0.0",
			Port:     8080,
			Timeouts: APITimeoutConfig{Read: 30, Write: 30, Idle: 60},
		},
		WebSocket: WebSocketConfig{Path: "/ws", MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10},
		InfluxDB:  InfluxDBConfig{BatchSize: 100, FlushInterval: 10},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
			File:   FileLoggingConfig{Path: "./logs/merossd.log", MaxSize: 50, MaxBackups: 5, MaxAge: 28},
		},
		Meross: MerossConfig{
			RequestTimeout:    10,
			HeartbeatInterval: 30,
			FailureThreshold:  1,
			LANTimeout:        5,
		},
	}
}
