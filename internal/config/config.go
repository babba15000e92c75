// Package config loads the service configuration from an optional YAML file
// with environment variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/robfig/cron/v3"

	"github.com/LeonardoBeccarini/agriedge/internal/model/entities"
	"github.com/LeonardoBeccarini/agriedge/internal/services/ingestion"
	"github.com/LeonardoBeccarini/agriedge/pkg/broker"
)

type Config struct {
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Storage   StorageConfig   `yaml:"storage"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Influx    InfluxConfig    `yaml:"influx"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// MQTTConfig describes the broker. The defaults point at a TLS listener.
type MQTTConfig struct {
	Host           string        `yaml:"host" env:"MQTT_HOST"`
	Port           int           `yaml:"port" env:"MQTT_PORT" env-default:"8883"`
	User           string        `yaml:"user" env:"MQTT_USER"`
	Password       string        `yaml:"password" env:"MQTT_PASSWORD"`
	TLS            bool          `yaml:"tls" env:"MQTT_TLS" env-default:"true"`
	TLSInsecure    bool          `yaml:"tlsInsecure" env:"MQTT_TLS_INSECURE" env-default:"false"`
	Topic          string        `yaml:"topic" env:"MQTT_TOPIC" env-default:"agriedge/sensor"`
	ClientIDPrefix string        `yaml:"clientIdPrefix" env:"MQTT_CLIENT_ID_PREFIX" env-default:"agriedge"`
	QoS            int           `yaml:"qos" env:"MQTT_QOS" env-default:"1"`
	ConnectTimeout time.Duration `yaml:"connectTimeout" env:"MQTT_CONNECT_TIMEOUT" env-default:"10s"`
	ConnectRetries int           `yaml:"connectRetries" env:"MQTT_CONNECT_RETRIES" env-default:"2"`
	AutoReconnect  bool          `yaml:"autoReconnect" env:"MQTT_AUTO_RECONNECT" env-default:"false"`
}

type StorageConfig struct {
	DataFile          string `yaml:"dataFile" env:"DATA_FILE" env-default:"sensor_data.csv"`
	RetentionRows     int    `yaml:"retentionRows" env:"RETENTION_ROWS" env-default:"1000"`
	RetentionSchedule string `yaml:"retentionSchedule" env:"RETENTION_SCHEDULE" env-default:"@every 1m"`
}

type DashboardConfig struct {
	FreshnessThreshold time.Duration `yaml:"freshnessThreshold" env:"FRESHNESS_THRESHOLD" env-default:"30s"`
	RefreshInterval    time.Duration `yaml:"refreshInterval" env:"REFRESH_INTERVAL" env-default:"5s"`
	HistoryWindow      int           `yaml:"historyWindow" env:"HISTORY_WINDOW" env-default:"1000"`
	SoilType           string        `yaml:"soilType" env:"SOIL_TYPE" env-default:"Black Soil"`
	CropStage          string        `yaml:"cropStage" env:"CROP_STAGE" env-default:"Germination"`
	AutoStart          bool          `yaml:"autoStart" env:"AUTO_START" env-default:"false"`
	HTTPPort           int           `yaml:"httpPort" env:"HTTP_PORT" env-default:"8080"`
	GRPCPort           int           `yaml:"grpcPort" env:"GRPC_PORT" env-default:"50051"`
}

// InfluxConfig enables the InfluxDB mirror when URL is set.
type InfluxConfig struct {
	URL    string `yaml:"url" env:"INFLUX_URL"`
	Token  string `yaml:"token" env:"INFLUX_TOKEN"`
	Org    string `yaml:"org" env:"INFLUX_ORG"`
	Bucket string `yaml:"bucket" env:"INFLUX_BUCKET" env-default:"agriedge"`
}

func (c InfluxConfig) Enabled() bool { return c.URL != "" }

// Load reads path (if not empty) and then the environment, and validates the
// result.
func Load(path string) (*Config, error) {
	var cfg Config

	var err error
	if path != "" {
		err = cleanenv.ReadConfig(path, &cfg)
	} else {
		err = cleanenv.ReadEnv(&cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks c and normalises case-insensitive values.
func (c *Config) Validate() error {
	if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
		return fmt.Errorf("mqtt port must be in 1..65535, got %d", c.MQTT.Port)
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	if err := broker.ValidateTopicFilter(c.MQTT.Topic); err != nil {
		return fmt.Errorf("mqtt topic: %w", err)
	}
	if c.MQTT.ConnectRetries < 0 {
		return fmt.Errorf("mqtt connect retries must be >= 0, got %d", c.MQTT.ConnectRetries)
	}

	if strings.TrimSpace(c.Storage.DataFile) == "" {
		return fmt.Errorf("data file is required")
	}
	if c.Storage.RetentionRows < 1 {
		return fmt.Errorf("retention rows must be at least 1, got %d", c.Storage.RetentionRows)
	}
	if _, err := cron.ParseStandard(c.Storage.RetentionSchedule); err != nil {
		return fmt.Errorf("retention schedule %q: %w", c.Storage.RetentionSchedule, err)
	}

	if c.Dashboard.FreshnessThreshold <= 0 {
		return fmt.Errorf("freshness threshold must be positive")
	}
	if c.Dashboard.RefreshInterval <= 0 {
		return fmt.Errorf("refresh interval must be positive")
	}
	if c.Dashboard.HistoryWindow < 1 {
		return fmt.Errorf("history window must be at least 1, got %d", c.Dashboard.HistoryWindow)
	}
	if _, err := entities.ParseSoilType(c.Dashboard.SoilType); err != nil {
		return err
	}
	if _, err := entities.ParseStage(c.Dashboard.CropStage); err != nil {
		return err
	}

	if c.Influx.Enabled() && (c.Influx.Token == "" || c.Influx.Org == "" || c.Influx.Bucket == "") {
		return fmt.Errorf("influx token, org and bucket are required when INFLUX_URL is set")
	}

	return ValidateLogging(&c.Logging)
}

// ConnectionSettings returns the broker settings for the ingestion client.
func (c *Config) ConnectionSettings() ingestion.ConnectionSettings {
	return ingestion.ConnectionSettings{
		Host:        c.MQTT.Host,
		Port:        c.MQTT.Port,
		User:        c.MQTT.User,
		Password:    c.MQTT.Password,
		TLS:         c.MQTT.TLS,
		TLSInsecure: c.MQTT.TLSInsecure,
		Topic:       c.MQTT.Topic,
		QoS:         byte(c.MQTT.QoS),
	}
}
