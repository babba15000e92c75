package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/agriedge/internal/config"
	sensorSimulator "github.com/LeonardoBeccarini/agriedge/internal/sensor-simulator"
	"github.com/LeonardoBeccarini/agriedge/pkg/broker"
)

func main() {
	// define flags
	host := flag.String("host", "localhost", "MQTT broker host")
	port := flag.Int("port", 1883, "MQTT broker port")
	user := flag.String("user", "", "MQTT username")
	password := flag.String("password", "", "MQTT password")
	useTLS := flag.Bool("tls", false, "connect with TLS")
	insecure := flag.Bool("tls-insecure", false, "skip certificate verification")
	topic := flag.String("topic", "agriedge/sensor", "topic readings are published on")
	cmdTopic := flag.String("command-topic", "agriedge/sensor/irrigate", "topic for irrigation commands, empty to disable")
	qos := flag.Int("qos", 1, "publish QoS")
	interval := flag.Duration("interval", 5*time.Second, "publish interval")
	perPoint := flag.Duration("decay", 2*time.Minute, "pump-off time per moisture point lost")
	seed := flag.Int64("seed", time.Now().UnixNano(), "random seed")
	logLevel := flag.String("log-level", "info", "debug, info, warn or error")
	flag.Parse()

	logCfg := config.LoggingConfig{Format: "console", Level: *logLevel}
	if err := config.ValidateLogging(&logCfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger, err := config.NewLogger(&logCfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := &broker.Config{
		Host:        *host,
		Port:        *port,
		User:        *user,
		Password:    *password,
		ClientID:    "agriedge-sim-" + uuid.NewString(),
		TLS:         *useTLS,
		TLSInsecure: *insecure,
		MaxRetries:  5,
	}
	client, err := broker.NewConn(ctx, cfg, logger)
	if err != nil {
		logger.Error("broker connection failed", zap.Error(err))
		stop()
		_ = logger.Sync()
		os.Exit(1)
	}

	publisher := broker.NewPublisher(client, *topic, byte(*qos), logger)
	var consumer broker.IConsumer
	if *cmdTopic != "" {
		consumer = broker.NewConsumer(client, *cmdTopic, 1, nil, logger)
	}
	decay := 1 / perPoint.Minutes()
	generator := sensorSimulator.NewDataGenerator(decay, *seed)
	sim := sensorSimulator.NewSensorSimulator(consumer, publisher, generator, logger)

	logger.Info("simulator started", zap.String("topic", *topic), zap.Duration("interval", *interval))
	if err := sim.Start(ctx, *interval); err != nil {
		logger.Error("simulator stopped", zap.Error(err))
		stop()
		_ = logger.Sync()
		os.Exit(1)
	}
}
