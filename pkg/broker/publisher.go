package broker

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// IPublisher publishes JSON documents on a fixed topic.
type IPublisher interface {
	PublishJSON(v any) error
	Close()
}

type Publisher struct {
	client  mqtt.Client
	topic   string
	qos     byte
	timeout time.Duration
	logger  *zap.Logger
}

func NewPublisher(client mqtt.Client, topic string, qos byte, logger *zap.Logger) *Publisher {
	return &Publisher{
		client:  client,
		topic:   topic,
		qos:     qos,
		timeout: 5 * time.Second,
		logger:  logger,
	}
}

func (p *Publisher) PublishJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := wait(p.client.Publish(p.topic, p.qos, false, payload), p.timeout); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	p.logger.Debug("message published", zap.String("topic", p.topic), zap.ByteString("payload", payload))
	return nil
}

func (p *Publisher) Close() {
	Close(p.client, p.logger)
}
