package sensor_simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/agriedge/pkg/broker"
	"github.com/LeonardoBeccarini/agriedge/pkg/dedup"
)

// IrrigateCommand forces the simulated pump on, e.g. {"duration_sec":300}.
type IrrigateCommand struct {
	DurationSec int `json:"duration_sec"`
}

type SensorSimulator struct {
	generator *DataGenerator
	publisher broker.IPublisher
	consumer  broker.IConsumer // nil: no command topic
	deduper   *dedup.Deduper
	logger    *zap.Logger
}

func NewSensorSimulator(consumer broker.IConsumer, publisher broker.IPublisher,
	gen *DataGenerator, logger *zap.Logger) *SensorSimulator {
	return &SensorSimulator{
		generator: gen,
		publisher: publisher,
		consumer:  consumer,
		deduper:   dedup.New(2*time.Minute, 10000), // TTL e cap
		logger:    logger,
	}
}

// Start publishes one reading per interval until ctx is done, and listens
// for irrigation commands when a consumer is set.
func (s *SensorSimulator) Start(ctx context.Context, interval time.Duration) error {
	defer s.publisher.Close()

	if s.consumer != nil {
		s.consumer.SetHandler(s.handleMessage)
		if err := s.consumer.Subscribe(5 * time.Second); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.publishOnce()
		}
	}
}

func (s *SensorSimulator) publishOnce() {
	p := s.generator.Next()
	if err := s.publisher.PublishJSON(p); err != nil {
		s.logger.Warn("publish error", zap.Error(err))
		return
	}
	s.logger.Debug("reading published",
		zap.Float64("moisture", *p.Moisture), zap.Float64("irrigation", *p.IrrigationPrediction))
}

func (s *SensorSimulator) handleMessage(_ string, msg mqtt.Message) error {
	// redelivery QoS1: stesso payload con flag DUP
	if fresh := s.deduper.ShouldProcess(dedup.Key(msg.Payload())); !fresh && msg.Duplicate() {
		return nil
	}

	var cmd IrrigateCommand
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		return fmt.Errorf("invalid irrigate command: %w", err)
	}
	if cmd.DurationSec <= 0 {
		return fmt.Errorf("invalid irrigate command: duration_sec must be positive, got %d", cmd.DurationSec)
	}
	d := time.Duration(cmd.DurationSec) * time.Second
	s.generator.ApplyIrrigation(d)
	s.logger.Info("irrigation forced", zap.Duration("for", d))
	return nil
}
