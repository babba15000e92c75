// Package ingestion owns the MQTT subscription that feeds sensor readings
// into the application: connection lifecycle, payload decoding and the
// hand-off to a Recorder.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/agriedge/internal/model"
	"github.com/LeonardoBeccarini/agriedge/pkg/broker"
	"github.com/LeonardoBeccarini/agriedge/pkg/dedup"
)

// Status is the connection state reported to the session.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

// ErrInvalidSettings is wrapped by every ConnectionSettings validation error.
var ErrInvalidSettings = errors.New("invalid connection settings")

const (
	defaultClientIDPrefix = "agriedge"
	defaultConnectTimeout = 10 * time.Second
	subscribeTimeout      = 10 * time.Second
)

// ConnectionSettings identify the broker and the topic to follow.
type ConnectionSettings struct {
	Host        string
	Port        int
	User        string
	Password    string
	TLS         bool
	TLSInsecure bool
	Topic       string
	QoS         byte
}

func (s ConnectionSettings) Validate() error {
	var problems []string
	if strings.TrimSpace(s.Host) == "" {
		problems = append(problems, "host is required")
	}
	if s.Port <= 0 || s.Port > 65535 {
		problems = append(problems, fmt.Sprintf("port %d out of range", s.Port))
	}
	if s.QoS > 2 {
		problems = append(problems, fmt.Sprintf("qos %d out of range", s.QoS))
	}
	if err := broker.ValidateTopicFilter(s.Topic); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidSettings, strings.Join(problems, "; "))
	}
	return nil
}

// Recorder receives every accepted reading.
type Recorder interface {
	Record(r model.Reading) error
}

// StatusFunc is told about every connection state change. err is set when
// the change was caused by a failure.
type StatusFunc func(status Status, err error)

// Mirror is an optional secondary sink for accepted readings.
type Mirror interface {
	Mirror(r model.Reading)
}

// ClientFactory builds the paho client; tests swap it for a fake.
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

type Options struct {
	Recorder Recorder
	OnStatus StatusFunc
	Logger   *zap.Logger
	Metrics  *Metrics
	Dedup    *dedup.Deduper
	Mirror   Mirror

	NewClient      ClientFactory
	ConnectTimeout time.Duration
	ConnectRetries int
	AutoReconnect  bool
	ClientIDPrefix string
	Now            func() time.Time
}

// Client is the MQTT ingestion client. Start and Stop may be called from any
// goroutine; messages are processed on paho's goroutines.
//
// Every Start opens a new generation. Message handlers run under gateMu's
// read lock and only act when their generation is current and the gate is
// open, so once Stop has closed the gate nothing from an old connection can
// reach the Recorder.
type Client struct {
	opts   Options
	logger *zap.Logger

	lifeMu   sync.Mutex // serialises Start and Stop
	conn     mqtt.Client
	consumer *broker.Consumer
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	gateMu    sync.RWMutex
	accepting bool
	gen       uint64

	statusMu sync.Mutex
	status   Status
}

func NewClient(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.NewClient == nil {
		opts.NewClient = mqtt.NewClient
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.ClientIDPrefix == "" {
		opts.ClientIDPrefix = defaultClientIDPrefix
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Client{
		opts:   opts,
		logger: opts.Logger.Named("ingestion"),
		status: StatusDisconnected,
	}
}

// Status returns the last reported connection state.
func (c *Client) Status() Status {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	return c.status
}

// Start connects to the broker described by s in the background. It reports
// CONNECTING before returning and CONNECTED once the topic is subscribed.
// While a connection is being made or is up, Start does nothing.
func (c *Client) Start(s ConnectionSettings) error {
	if err := s.Validate(); err != nil {
		return err
	}

	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	if c.conn != nil {
		if st := c.Status(); st == StatusConnecting || st == StatusConnected {
			return nil
		}
		// the previous connection failed or was lost
		c.shutdownLocked()
	}

	cfg := &broker.Config{
		Host:           s.Host,
		Port:           s.Port,
		User:           s.User,
		Password:       s.Password,
		ClientID:       c.opts.ClientIDPrefix + "-" + uuid.NewString(),
		TLS:            s.TLS,
		TLSInsecure:    s.TLSInsecure,
		ConnectTimeout: c.opts.ConnectTimeout,
		AutoReconnect:  c.opts.AutoReconnect,
		MaxRetries:     c.opts.ConnectRetries,
	}

	c.gateMu.Lock()
	c.gen++
	gen := c.gen
	c.accepting = true
	c.gateMu.Unlock()

	var consumer *broker.Consumer
	opts := broker.NewOptions(cfg)
	opts.SetOnConnectHandler(func(cl mqtt.Client) { c.onConnect(gen, cl, consumer) })
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) { c.onConnectionLost(gen, err) })
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) { c.opts.Metrics.connectAttempt() })

	conn := c.opts.NewClient(opts)
	consumer = broker.NewConsumer(conn, s.Topic, s.QoS, c.handlerFor(gen), c.logger)

	ctx, cancel := context.WithCancel(context.Background())
	c.conn, c.consumer, c.cancel = conn, consumer, cancel

	c.logger.Info("connecting to broker",
		zap.String("broker", cfg.URL()), zap.String("client_id", cfg.ClientID), zap.String("topic", s.Topic))
	c.emit(gen, StatusConnecting, nil)

	c.wg.Add(1)
	go c.connect(ctx, gen, conn, cfg)
	return nil
}

// Stop closes the gate, cancels a pending connect, unsubscribes and
// disconnects, then reports DISCONNECTED. Once it returns no message is
// delivered to the Recorder. Calling it again is a no-op.
func (c *Client) Stop() {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	if c.conn == nil {
		return
	}
	c.shutdownLocked()
	c.logger.Info("ingestion stopped")
	c.emit(0, StatusDisconnected, nil)
}

func (c *Client) shutdownLocked() {
	// waits for handlers holding the read lock
	c.gateMu.Lock()
	c.accepting = false
	c.gateMu.Unlock()

	c.cancel()
	c.wg.Wait()

	if err := c.consumer.Unsubscribe(subscribeTimeout); err != nil {
		c.logger.Warn("unsubscribe failed", zap.Error(err))
	}
	c.conn.Disconnect(broker.DisconnectQuiesce)
	c.conn, c.consumer, c.cancel = nil, nil, nil
}

func (c *Client) connect(ctx context.Context, gen uint64, conn mqtt.Client, cfg *broker.Config) {
	defer c.wg.Done()

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		if attempt > 1 {
			c.emit(gen, StatusConnecting, nil)
		}
		c.opts.Metrics.connectAttempt()
		token := conn.Connect()
		select {
		case <-token.Done():
			return token.Error()
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		}
	}, broker.NewBackOff(ctx, c.opts.ConnectRetries), func(err error, next time.Duration) {
		c.logger.Warn("mqtt connect failed, retrying",
			zap.String("broker", cfg.URL()), zap.Int("attempt", attempt), zap.Duration("next", next), zap.Error(err))
	})
	if err == nil || ctx.Err() != nil {
		return
	}
	c.logger.Error("could not connect to broker", zap.String("broker", cfg.URL()), zap.Int("attempts", attempt), zap.Error(err))
	c.emit(gen, StatusDisconnected, fmt.Errorf("could not establish MQTT connection to %s: %w", cfg.URL(), err))
}

// onConnect runs on paho's goroutine after every (re)connect. The session is
// clean, so the subscription is made again each time.
func (c *Client) onConnect(gen uint64, conn mqtt.Client, consumer *broker.Consumer) {
	if !c.current(gen) {
		// connect finished after Stop
		conn.Disconnect(broker.DisconnectQuiesce)
		return
	}
	if err := consumer.Subscribe(subscribeTimeout); err != nil {
		c.logger.Error("subscribe failed", zap.Error(err))
		conn.Disconnect(broker.DisconnectQuiesce)
		c.emit(gen, StatusDisconnected, err)
		return
	}
	c.emit(gen, StatusConnected, nil)
}

func (c *Client) onConnectionLost(gen uint64, err error) {
	c.logger.Warn("connection lost", zap.Error(err), zap.Bool("auto_reconnect", c.opts.AutoReconnect))
	if c.opts.AutoReconnect {
		c.emit(gen, StatusConnecting, err)
		return
	}
	c.emit(gen, StatusDisconnected, fmt.Errorf("connection lost: %w", err))
}

func (c *Client) current(gen uint64) bool {
	c.gateMu.RLock()
	defer c.gateMu.RUnlock()
	return c.accepting && c.gen == gen
}

// emit records and reports a status change. Changes from a generation that
// is no longer current are dropped; gen 0 always goes through.
func (c *Client) emit(gen uint64, s Status, err error) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	if gen != 0 && !c.current(gen) {
		return
	}
	c.status = s
	c.opts.Metrics.state(s)
	if c.opts.OnStatus != nil {
		c.opts.OnStatus(s, err)
	}
}

func (c *Client) handlerFor(gen uint64) broker.Handler {
	return func(topic string, msg mqtt.Message) error {
		c.gateMu.RLock()
		defer c.gateMu.RUnlock()
		if !c.accepting || c.gen != gen {
			return nil
		}
		return c.process(topic, msg)
	}
}

// HandleMessage decodes, validates and records one message. It does nothing
// while the client is stopped.
func (c *Client) HandleMessage(topic string, msg mqtt.Message) error {
	c.gateMu.RLock()
	defer c.gateMu.RUnlock()
	if !c.accepting {
		return nil
	}
	return c.process(topic, msg)
}

func (c *Client) process(topic string, msg mqtt.Message) error {
	c.opts.Metrics.received()
	payload := msg.Payload()

	if c.opts.Dedup != nil && msg.Qos() > 0 {
		key := fmt.Sprintf("%d/%s", msg.MessageID(), dedup.Key(payload))
		if !c.opts.Dedup.ShouldProcess(key) && msg.Duplicate() {
			c.opts.Metrics.rejected(ReasonDuplicate)
			c.logger.Debug("duplicate delivery dropped", zap.String("topic", topic), zap.Uint16("message_id", msg.MessageID()))
			return nil
		}
	}

	reading, err := Decode(payload, c.opts.Now())
	var perr *PayloadError
	switch {
	case errors.As(err, &perr):
		c.opts.Metrics.rejected(ReasonPayload)
		c.logger.Warn("invalid payload", zap.String("topic", topic), zap.ByteString("raw", perr.Raw), zap.Error(perr.Err))
		return err
	case errors.Is(err, model.ErrValidation):
		c.opts.Metrics.rejected(ReasonValidation)
		c.logger.Warn("reading rejected", zap.String("topic", topic), zap.Error(err))
		return err
	case err != nil:
		return err
	}

	c.opts.Metrics.accepted()
	if c.opts.Recorder != nil {
		if err := c.opts.Recorder.Record(reading); err != nil {
			c.opts.Metrics.storageError()
			c.logger.Error("reading not persisted", zap.Time("timestamp", reading.Timestamp), zap.Error(err))
			if c.opts.Mirror != nil {
				c.opts.Mirror.Mirror(reading)
			}
			return fmt.Errorf("record reading: %w", err)
		}
	}
	if c.opts.Mirror != nil {
		c.opts.Mirror.Mirror(reading)
	}
	return nil
}
