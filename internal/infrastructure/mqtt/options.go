package mqtt

import (
	"crypto/md5" //nolint:gosec // The broker password format is fixed by the Meross cloud.
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/meross-core/internal/infrastructure/config"
)

const (
	connectTimeout = 10 * time.Second
	ackTimeout     = 5 * time.Second
	quiesce        = time.Second
	keepAlive      = 30 * time.Second

	maxQoS = 2

	// Devices answer with a few KiB at most; larger frames are a bug.
	maxPayload = 256 << 10
)

// DefaultClientID is the placeholder client id from the default config.
const DefaultClientID = "merossd"

// CloudCredentials fills in the broker credentials a Meross broker
// expects when none are configured explicitly:
//
//	username:  user id
//	password:  md5hex(user id + key)
//	client id: "app:" + app id
//
// Explicit Auth.Username and a non-default ClientID are left untouched.
func CloudCredentials(cfg config.MQTTConfig, userID, key, appID string) config.MQTTConfig {
	if cfg.Auth.Username == "" {
		sum := md5.Sum([]byte(userID + key)) //nolint:gosec // See import.
		cfg.Auth.Username = userID
		cfg.Auth.Password = hex.EncodeToString(sum[:])
	}
	if cfg.Broker.ClientID == "" || cfg.Broker.ClientID == DefaultClientID {
		cfg.Broker.ClientID = "app:" + appID
	}
	return cfg
}

func brokerURL(b config.MQTTBrokerConfig) string {
	scheme := "tcp"
	if b.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, b.Host, b.Port)
}

// clientOptions maps the config onto paho. The session is clean (the
// client replays its own routes) and handlers run concurrently, since a
// slow device reply must not hold up pushes from other devices.
func clientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions().
		AddBroker(brokerURL(cfg.Broker)).
		SetClientID(cfg.Broker.ClientID).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetKeepAlive(keepAlive).
		SetConnectTimeout(connectTimeout).
		SetWriteTimeout(ackTimeout).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(config.Seconds(cfg.Reconnect.InitialDelay)).
		SetMaxReconnectInterval(config.Seconds(cfg.Reconnect.MaxDelay))

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username).SetPassword(cfg.Auth.Password)
	}
	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.Broker.InsecureSkipVerify, //nolint:gosec // Opt-in for self-signed local brokers.
		})
	}
	return opts
}
