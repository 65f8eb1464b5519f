// Package config loads the settings shared by both binaries. Values come from
// an optional YAML file, then environment variables, then validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App       AppConfig       `yaml:"app"`
	HTTP      HTTPConfig      `yaml:"http"`
	GRPC      GRPCConfig      `yaml:"grpc"`
	Store     StoreConfig     `yaml:"store"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type AppConfig struct {
	Name        string `yaml:"name" validate:"required"`
	Environment string `yaml:"environment" validate:"required"`
	LogLevel    string `yaml:"log_level" validate:"oneof=debug info warn error"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type GRPCConfig struct {
	// Addr is where identity-service listens.
	Addr string `yaml:"addr" validate:"required"`
	// IdentityAddr is where the gateway dials identity-service.
	IdentityAddr string `yaml:"identity_addr" validate:"required"`
}

type StoreConfig struct {
	Driver      string `yaml:"driver" validate:"oneof=memory sqlite postgres"`
	SQLitePath  string `yaml:"sqlite_path" validate:"required_if=Driver sqlite"`
	PostgresDSN string `yaml:"postgres_dsn" validate:"required_if=Driver postgres"`
}

type RedisConfig struct {
	// Addr may be empty, which disables idempotency keys.
	Addr           string        `yaml:"addr"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers" validate:"required_if=Enabled true"`
	Topic   string   `yaml:"topic" validate:"required_if=Enabled true"`
}

type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint" validate:"required_if=Enabled true"`
}

// Default returns the settings used for local development.
func Default() *Config {
	return &Config{
		App:       AppConfig{Name: "tenant-sagas", Environment: "local", LogLevel: "info"},
		HTTP:      HTTPConfig{Addr: ":8080", ShutdownTimeout: 10 * time.Second},
		GRPC:      GRPCConfig{Addr: ":9090", IdentityAddr: "localhost:9090"},
		Store:     StoreConfig{Driver: "sqlite", SQLitePath: "sagas.db"},
		Redis:     RedisConfig{IdempotencyTTL: 24 * time.Hour},
		Kafka:     KafkaConfig{Topic: "saga-events"},
		Telemetry: TelemetryConfig{OTLPEndpoint: "localhost:4317"},
	}
}

// Load reads path (skipped when empty) over the defaults, applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = cfg.App.Name
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the struct tags.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("config: invalid: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("config: invalid: %w", err)
	}
	return nil
}

// IsProduction reports whether logs should be machine readable.
func (c *Config) IsProduction() bool {
	switch c.App.Environment {
	case "production", "staging":
		return true
	}
	return false
}

func (c *Config) applyEnv() error {
	c.App.Name = getEnv("APP_NAME", c.App.Name)
	c.App.Environment = getEnv("APP_ENV", c.App.Environment)
	c.App.LogLevel = getEnv("LOG_LEVEL", c.App.LogLevel)

	c.HTTP.Addr = getEnv("HTTP_ADDR", c.HTTP.Addr)
	c.GRPC.Addr = getEnv("GRPC_ADDR", c.GRPC.Addr)
	c.GRPC.IdentityAddr = getEnv("IDENTITY_SERVICE_ADDR", c.GRPC.IdentityAddr)

	c.Store.Driver = getEnv("STORE_DRIVER", c.Store.Driver)
	c.Store.SQLitePath = getEnv("SQLITE_PATH", c.Store.SQLitePath)
	c.Store.PostgresDSN = getEnv("POSTGRES_DSN", c.Store.PostgresDSN)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	ttl, err := getEnvDuration("IDEMPOTENCY_TTL", c.Redis.IdempotencyTTL)
	if err != nil {
		return err
	}
	c.Redis.IdempotencyTTL = ttl

	enabled, err := getEnvBool("KAFKA_ENABLED", c.Kafka.Enabled)
	if err != nil {
		return err
	}
	c.Kafka.Enabled = enabled
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}
	c.Kafka.Topic = getEnv("KAFKA_TOPIC", c.Kafka.Topic)

	enabled, err = getEnvBool("OTEL_ENABLED", c.Telemetry.Enabled)
	if err != nil {
		return err
	}
	c.Telemetry.Enabled = enabled
	c.Telemetry.ServiceName = getEnv("OTEL_SERVICE_NAME", c.Telemetry.ServiceName)
	c.Telemetry.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.Telemetry.OTLPEndpoint)
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("config: %s: %w", key, err)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}
