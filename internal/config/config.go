// internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/osamamunirpk/aws-kafka-containers-monitoring/common/backoff"
	"github.com/osamamunirpk/aws-kafka-containers-monitoring/common/configloader"
	"github.com/osamamunirpk/aws-kafka-containers-monitoring/common/logger"
	"github.com/osamamunirpk/aws-kafka-containers-monitoring/common/telemetry"
)

/*
   --------------------------------------------------------------------------
   СТРУКТУРЫ
   --------------------------------------------------------------------------
*/

// Role — какой из двух клиентов запускается.
type Role string

const (
	RoleProducer Role = "producer"
	RoleConsumer Role = "consumer"
)

// Config — все настройки процесса. Каждый бинарь использует общую часть
// и секцию своей роли.
type Config struct {
	ServiceName    string           `mapstructure:"service_name"`
	ServiceVersion string           `mapstructure:"service_version"`
	Role           Role             `mapstructure:"-"`
	Kafka          KafkaConfig      `mapstructure:"kafka"`
	Producer       ProducerConfig   `mapstructure:"producer"`
	Consumer       ConsumerConfig   `mapstructure:"consumer"`
	Logging        logger.Config    `mapstructure:"logging"`
	Telemetry      telemetry.Config `mapstructure:"telemetry"`
	HTTP           HTTPConfig       `mapstructure:"http"`
}

// KafkaConfig — общий для обеих ролей адрес кластера и топик.
type KafkaConfig struct {
	Brokers []string       `mapstructure:"brokers"`
	Topic   string         `mapstructure:"topic"`
	Version string         `mapstructure:"version"`
	Backoff backoff.Config `mapstructure:"backoff"`
}

// ProducerConfig — клиент с надёжной доставкой и параметры генератора нагрузки.
type ProducerConfig struct {
	ClientID     string        `mapstructure:"client_id"`
	Acks         string        `mapstructure:"acks"`
	Retries      int           `mapstructure:"retries"`
	Linger       time.Duration `mapstructure:"linger"`
	BatchBytes   int           `mapstructure:"batch_bytes"`
	BufferMemory int64         `mapstructure:"buffer_memory"`
	Compression  string        `mapstructure:"compression"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Idempotent   bool          `mapstructure:"idempotent"`

	BatchSize  int           `mapstructure:"batch_size"`
	Interval   time.Duration `mapstructure:"interval"`
	KeyBound   int           `mapstructure:"key_bound"`
	ValueBound int           `mapstructure:"value_bound"`
}

// ConsumerConfig — участник consumer group с авто-коммитом.
type ConsumerConfig struct {
	ClientID           string        `mapstructure:"client_id"`
	GroupID            string        `mapstructure:"group_id"`
	OffsetReset        string        `mapstructure:"offset_reset"`
	AutoCommit         bool          `mapstructure:"auto_commit"`
	AutoCommitInterval time.Duration `mapstructure:"auto_commit_interval"`
	PollTimeout        time.Duration `mapstructure:"poll_timeout"`
	MaxPollRecords     int           `mapstructure:"max_poll_records"`
	BufferSize         int           `mapstructure:"buffer_size"`
}

// HTTPConfig хранит конфигурацию HTTP-/metrics-сервера.
type HTTPConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MetricsPath     string        `mapstructure:"metrics_path"`
	HealthzPath     string        `mapstructure:"healthz_path"`
	ReadyzPath      string        `mapstructure:"readyz_path"`
}

// Addr — адрес для Listen.
func (h HTTPConfig) Addr() string { return fmt.Sprintf(":%d", h.Port) }

/*
   --------------------------------------------------------------------------
   LOADER
   --------------------------------------------------------------------------
*/

// EnvPrefix возвращает префикс ENV переменных для роли.
func EnvPrefix(role Role) string {
	return "DASHBOARD_" + strings.ToUpper(string(role))
}

// Load загружает и валидирует конфиг роли. Если path пустой — читаются
// только ENV и defaults.
func Load(path string, role Role) (*Config, error) {
	defaults, err := Defaults(role)
	if err != nil {
		return nil, err
	}
	cfg := Config{Role: role}
	if err := configloader.Load(path, EnvPrefix(role), defaults, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Defaults — полная конфигурация роли без файла и ENV.
func Defaults(role Role) (map[string]interface{}, error) {
	d := map[string]interface{}{
		"service_version": "v1.0.0",

		// Kafka
		"kafka.brokers":                      []string{"localhost:9092"},
		"kafka.topic":                        "dashboard-metrics-test",
		"kafka.version":                      "2.8.0",
		"kafka.backoff.initial_interval":     "1s",
		"kafka.backoff.randomization_factor": 0.5,
		"kafka.backoff.multiplier":           2.0,
		"kafka.backoff.max_interval":         "30s",
		"kafka.backoff.max_elapsed_time":     "2m",
		"kafka.backoff.max_retries":          0,
		"kafka.backoff.per_attempt_timeout":  "0s",

		// Producer
		"producer.client_id":     "dashboard-go-producer",
		"producer.acks":          "all",
		"producer.retries":       3,
		"producer.linger":        "1ms",
		"producer.batch_bytes":   16384,
		"producer.buffer_memory": 33554432,
		"producer.compression":   "none",
		"producer.timeout":       "30s",
		"producer.idempotent":    false,
		"producer.batch_size":    10,
		"producer.interval":      "1000ms",
		"producer.key_bound":     1000,
		"producer.value_bound":   10000,

		// Consumer
		"consumer.client_id":            "dashboard-go-consumer",
		"consumer.group_id":             "dashboard-consumer-group",
		"consumer.offset_reset":         "earliest",
		"consumer.auto_commit":          true,
		"consumer.auto_commit_interval": "1000ms",
		"consumer.poll_timeout":         "1000ms",
		"consumer.max_poll_records":     500,
		"consumer.buffer_size":          1000,

		// Telemetry
		"telemetry.enabled":          false,
		"telemetry.otel_endpoint":    "otel-collector:4317",
		"telemetry.insecure":         true,
		"telemetry.sampler_ratio":    1.0,
		"telemetry.timeout":          "5s",
		"telemetry.reconnect_period": "5s",

		// Logging
		"logging.level":    "info",
		"logging.dev_mode": false,

		// HTTP
		"http.enabled":          true,
		"http.read_timeout":     "10s",
		"http.write_timeout":    "15s",
		"http.idle_timeout":     "60s",
		"http.shutdown_timeout": "5s",
		"http.metrics_path":     "/metrics",
		"http.healthz_path":     "/healthz",
		"http.readyz_path":      "/readyz",
	}

	switch role {
	case RoleProducer:
		d["service_name"] = "dashboard-producer"
		d["http.port"] = 9104
	case RoleConsumer:
		d["service_name"] = "dashboard-consumer"
		d["http.port"] = 9106
	default:
		return nil, fmt.Errorf("config: unknown role %q", role)
	}
	return d, nil
}

/*
   --------------------------------------------------------------------------
   VALIDATION
   --------------------------------------------------------------------------
*/

func (c *Config) Validate() error {
	// Service
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}
	if c.ServiceVersion == "" {
		return fmt.Errorf("service_version is required")
	}

	// Kafka
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required")
	}
	if c.Kafka.Topic == "" {
		return fmt.Errorf("kafka.topic is required")
	}

	// Role
	switch c.Role {
	case RoleProducer:
		if err := c.Producer.validate(); err != nil {
			return err
		}
	case RoleConsumer:
		if err := c.Consumer.validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown role %q", c.Role)
	}

	// Telemetry
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.otel_endpoint is required when telemetry is enabled")
	}

	// Logging
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error]")
	}

	// HTTP
	if c.HTTP.Enabled {
		if err := validateHTTP(&c.HTTP); err != nil {
			return err
		}
	}
	return nil
}

func (p ProducerConfig) validate() error {
	switch strings.ToLower(p.Acks) {
	case "all", "leader", "none":
	default:
		return fmt.Errorf("producer.acks must be one of [all, leader, none]")
	}
	switch strings.ToLower(p.Compression) {
	case "none", "gzip", "snappy", "lz4", "zstd":
	default:
		return fmt.Errorf("producer.compression must be one of [none, gzip, snappy, lz4, zstd]")
	}
	if p.Retries < 0 {
		return fmt.Errorf("producer.retries must be >= 0")
	}
	if p.BufferMemory <= 0 {
		return fmt.Errorf("producer.buffer_memory must be > 0")
	}
	if p.BatchSize <= 0 {
		return fmt.Errorf("producer.batch_size must be > 0")
	}
	if p.Interval < 0 {
		return fmt.Errorf("producer.interval must be >= 0")
	}
	if p.KeyBound <= 0 || p.ValueBound <= 0 {
		return fmt.Errorf("producer.key_bound and producer.value_bound must be > 0")
	}
	return nil
}

func (c ConsumerConfig) validate() error {
	if c.GroupID == "" {
		return fmt.Errorf("consumer.group_id is required")
	}
	switch strings.ToLower(c.OffsetReset) {
	case "earliest", "latest":
	default:
		return fmt.Errorf("consumer.offset_reset must be one of [earliest, latest]")
	}
	if c.PollTimeout <= 0 {
		return fmt.Errorf("consumer.poll_timeout must be > 0")
	}
	if c.MaxPollRecords <= 0 {
		return fmt.Errorf("consumer.max_poll_records must be > 0")
	}
	return nil
}

func validateHTTP(h *HTTPConfig) error {
	if h.Port <= 0 || h.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535")
	}
	durations := map[string]time.Duration{
		"http.read_timeout":     h.ReadTimeout,
		"http.write_timeout":    h.WriteTimeout,
		"http.idle_timeout":     h.IdleTimeout,
		"http.shutdown_timeout": h.ShutdownTimeout,
	}
	for k, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", k)
		}
	}
	paths := map[string]string{
		"http.metrics_path": h.MetricsPath,
		"http.healthz_path": h.HealthzPath,
		"http.readyz_path":  h.ReadyzPath,
	}
	for k, p := range paths {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("%s must start with '/'", k)
		}
	}
	return nil
}
