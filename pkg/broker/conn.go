// Package broker wraps the paho MQTT client: connection options with TLS and
// credentials, a retrying connect, a topic consumer and a JSON publisher.
package broker

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// DisconnectQuiesce is how long Disconnect waits for in-flight work (ms).
const DisconnectQuiesce = 250

type Config struct {
	Host        string
	Port        int
	User        string
	Password    string
	ClientID    string
	TLS         bool // ssl:// instead of tcp://
	TLSInsecure bool // skip certificate verification, test brokers only

	ConnectTimeout time.Duration
	AutoReconnect  bool
	MaxRetries     int // extra connect attempts after the first one
}

// URL returns the broker address paho expects.
func (c *Config) URL() string {
	scheme := "tcp"
	if c.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Host, c.Port)
}

// NewOptions builds paho client options from cfg. Handlers are left for the
// caller to install.
func NewOptions(cfg *Config) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.URL())
	opts.SetUsername(cfg.User)
	opts.SetPassword(cfg.Password)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(cfg.AutoReconnect)
	// i retry li gestiamo noi con backoff
	opts.SetConnectRetry(false)
	if cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(cfg.ConnectTimeout)
	}
	if cfg.TLS {
		opts.SetTLSConfig(&tls.Config{
			ServerName:         cfg.Host,
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.TLSInsecure, //nolint:gosec // opt-in for self-signed test brokers
		})
	}
	return opts
}

// NewBackOff is the retry policy shared by every connect path.
func NewBackOff(ctx context.Context, maxRetries int) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = 30 * time.Second
	if maxRetries < 0 {
		maxRetries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(maxRetries)), ctx)
}

// NewConn connects a client with exponential backoff and disconnects it when
// ctx is cancelled. Used by long-running publishers; the ingestion client
// drives its own asynchronous connect.
func NewConn(ctx context.Context, cfg *Config, logger *zap.Logger) (mqtt.Client, error) {
	opts := NewOptions(cfg)
	client := mqtt.NewClient(opts)

	err := backoff.RetryNotify(func() error {
		token := client.Connect()
		select {
		case <-token.Done():
			return token.Error()
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		}
	}, NewBackOff(ctx, cfg.MaxRetries), func(err error, next time.Duration) {
		logger.Warn("mqtt connect failed, retrying",
			zap.String("broker", cfg.URL()), zap.Duration("next", next), zap.Error(err))
	})
	if err != nil {
		return nil, fmt.Errorf("could not establish MQTT connection to %s: %w", cfg.URL(), err)
	}

	logger.Info("connected to MQTT broker", zap.String("broker", cfg.URL()))

	go func() {
		<-ctx.Done()
		Close(client, logger)
	}()

	return client, nil
}

// Close disconnects client if it is still connected.
func Close(client mqtt.Client, logger *zap.Logger) {
	if client != nil && client.IsConnected() {
		client.Disconnect(DisconnectQuiesce)
		logger.Info("MQTT connection closed")
	}
}
