package broker

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Handler processes one inbound message. A returned error is logged by the
// consumer and never stops the subscription.
type Handler func(topic string, message mqtt.Message) error

// IConsumer is the subscription side of a connection.
type IConsumer interface {
	Subscribe(timeout time.Duration) error
	Unsubscribe(timeout time.Duration) error
	SetHandler(handler Handler)
}

// Consumer subscribes one topic filter on a shared client.
type Consumer struct {
	client  mqtt.Client
	topic   string
	qos     byte
	handler Handler
	logger  *zap.Logger
}

func NewConsumer(client mqtt.Client, topic string, qos byte, handler Handler, logger *zap.Logger) *Consumer {
	return &Consumer{
		client:  client,
		topic:   topic,
		qos:     qos,
		handler: handler,
		logger:  logger,
	}
}

// SetHandler must be called before Subscribe.
func (c *Consumer) SetHandler(handler Handler) {
	c.handler = handler
}

// Subscribe registers the topic and waits for the SUBACK.
func (c *Consumer) Subscribe(timeout time.Duration) error {
	handler := c.handler
	token := c.client.Subscribe(c.topic, c.qos, func(_ mqtt.Client, msg mqtt.Message) {
		if handler == nil {
			c.logger.Warn("no handler set for topic", zap.String("topic", c.topic))
			return
		}
		if err := handler(msg.Topic(), msg); err != nil {
			c.logger.Debug("message handler failed", zap.String("topic", msg.Topic()), zap.Error(err))
		}
	})
	if err := wait(token, timeout); err != nil {
		return fmt.Errorf("subscribe %s: %w", c.topic, err)
	}
	c.logger.Info("subscribed", zap.String("topic", c.topic), zap.Uint8("qos", c.qos))
	return nil
}

// Unsubscribe is a no-op when the client is no longer connected.
func (c *Consumer) Unsubscribe(timeout time.Duration) error {
	if !c.client.IsConnectionOpen() {
		return nil
	}
	if err := wait(c.client.Unsubscribe(c.topic), timeout); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", c.topic, err)
	}
	return nil
}

func wait(token mqtt.Token, timeout time.Duration) error {
	if timeout <= 0 {
		token.Wait()
		return token.Error()
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("timed out after %s", timeout)
	}
	return token.Error()
}
