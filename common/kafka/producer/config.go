// common/kafka/producer/config.go
package producer

import (
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	gometrics "github.com/rcrowley/go-metrics"

	"github.com/osamamunirpk/aws-kafka-containers-monitoring/common/backoff"
)

// Config groups all tunables for the async Kafka producer.
//
// Zero values are replaced with defaults by applyDefaults().
type Config struct {
	// Brokers — список адресов Kafka-брокеров.
	Brokers []string

	// ClientID попадает в метрики брокера и клиента, для адресации не используется.
	ClientID string

	// Version — версия протокола Kafka, например "2.8.0".
	Version string

	// RequiredAcks определяет стратегию подтверждения брокеров:
	//   "all" (дефолт) | "leader" | "none".
	RequiredAcks string

	// Retries — сколько раз клиент сам повторит отправку до ошибки доставки.
	// 0 отключает повторы; дефолт 3 задаётся в internal/config.
	Retries int

	// Linger — сколько клиент ждёт добора батча перед отправкой.
	Linger time.Duration

	// BatchBytes — размер батча, при котором он уходит без ожидания Linger.
	BatchBytes int

	// BufferMemory — потолок байт (ключ+значение) в очереди без подтверждения.
	// Send блокируется, пока место не освободится.
	BufferMemory int64

	// Compression: "none" (дефолт), "gzip", "snappy", "lz4", "zstd".
	Compression string

	// Timeout — максимальное время ожидания ack от кластера.
	Timeout time.Duration

	// Idempotent включает идемпотентную отправку (требует acks=all).
	Idempotent bool

	// Backoff описывает стратегию ретраев начального подключения.
	Backoff backoff.Config

	// MetricRegistry — реестр метрик клиента Sarama; nil → собственный.
	MetricRegistry gometrics.Registry
}

// applyDefaults заполняет zero-поля безопасными дефолтами.
func (c *Config) applyDefaults() {
	if c.ClientID == "" {
		c.ClientID = "dashboard-go-producer"
	}
	if c.Version == "" {
		c.Version = "2.8.0"
	}
	if c.RequiredAcks == "" {
		c.RequiredAcks = "all"
	}
	if c.Linger <= 0 {
		c.Linger = time.Millisecond
	}
	if c.BatchBytes <= 0 {
		c.BatchBytes = 16384
	}
	if c.BufferMemory <= 0 {
		c.BufferMemory = 32 << 20
	}
	if c.Compression == "" {
		c.Compression = "none"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
}

// validate выполняет быстрые sanity-checks.
func (c Config) validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafka producer: brokers required")
	}
	if c.Retries < 0 {
		return fmt.Errorf("kafka producer: Retries must be >= 0")
	}
	if c.Idempotent && strings.ToLower(c.RequiredAcks) != "all" {
		return fmt.Errorf("kafka producer: idempotent producer requires RequiredAcks=all")
	}
	if c.Idempotent && c.Retries == 0 {
		return fmt.Errorf("kafka producer: idempotent producer requires Retries >= 1")
	}
	return nil
}

func buildSaramaConfig(c Config) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	sc.ClientID = c.ClientID

	version, err := sarama.ParseKafkaVersion(c.Version)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: invalid Version %q: %w", c.Version, err)
	}
	sc.Version = version

	switch strings.ToLower(c.RequiredAcks) {
	case "all":
		sc.Producer.RequiredAcks = sarama.WaitForAll
	case "leader":
		sc.Producer.RequiredAcks = sarama.WaitForLocal
	case "none":
		sc.Producer.RequiredAcks = sarama.NoResponse
	default:
		return nil, fmt.Errorf("kafka producer: invalid RequiredAcks %q", c.RequiredAcks)
	}

	// Оба канала нужны dispatcher-у: по ним резолвятся Delivery.
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.Timeout = c.Timeout
	sc.Producer.Retry.Max = c.Retries
	sc.Producer.Flush.Frequency = c.Linger
	sc.Producer.Flush.Bytes = c.BatchBytes

	if c.Idempotent {
		sc.Producer.Idempotent = true
		sc.Net.MaxOpenRequests = 1
	}

	switch strings.ToLower(c.Compression) {
	case "none":
		sc.Producer.Compression = sarama.CompressionNone
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
	default:
		return nil, fmt.Errorf("kafka producer: invalid Compression %q", c.Compression)
	}

	if c.MetricRegistry != nil {
		sc.MetricRegistry = c.MetricRegistry
	}

	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("kafka producer: sarama config: %w", err)
	}
	return sc, nil
}
