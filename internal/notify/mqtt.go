package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// MQTTConfig describes the broker MQTTNotifier publishes to.
type MQTTConfig struct {
	Broker   string // e.g. mqtt://localhost:1883 or mqtts://broker:8883
	Username string
	Password string
	ClientID string
}

// DialMQTT starts a managed connection. It returns without waiting for the
// broker; autopaho keeps reconnecting in the background until ctx is done.
func DialMQTT(ctx context.Context, cfg MQTTConfig) (*autopaho.ConnectionManager, error) {
	brokerURL, err := url.Parse(cfg.Broker)
	if err != nil {
		return nil, fmt.Errorf("parse mqtt broker URL: %w", err)
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "mindfulcoach"
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: cfg.Username,
		ConnectPassword: []byte(cfg.Password),
		OnConnectionUp: func(*autopaho.ConnectionManager, *paho.Connack) {
			slog.Info("mqtt connected to broker", "broker", cfg.Broker)
		},
		OnConnectError: func(err error) {
			slog.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return cm, nil
}
