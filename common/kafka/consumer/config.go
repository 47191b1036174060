// common/kafka/consumer/config.go
package consumer

import (
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	gometrics "github.com/rcrowley/go-metrics"

	"github.com/osamamunirpk/aws-kafka-containers-monitoring/common/backoff"
)

// Config содержит параметры для Kafka ConsumerGroup.
type Config struct {
	// Brokers — адреса брокеров.
	Brokers []string
	// GroupID — идентификатор consumer group (пространство коммитов офсетов).
	GroupID string
	// ClientID попадает в метрики брокера и клиента.
	ClientID string
	// Version — строка версии Kafka (например, "2.8.0").
	Version string

	// OffsetReset: "earliest" | "latest" — откуда читать без закоммиченного офсета.
	OffsetReset string
	// AutoCommit — фоновый коммит отмеченных офсетов раз в AutoCommitInterval.
	// false → офсеты коммитятся синхронно в конце каждого Poll.
	AutoCommit         bool
	AutoCommitInterval time.Duration

	// MaxPollRecords ограничивает число сообщений, отдаваемых одним Poll.
	MaxPollRecords int
	// BufferSize — ёмкость буфера между сессией группы и Poll.
	BufferSize int

	// Backoff — стратегия ретраев при подключении и сбоях сессий.
	Backoff backoff.Config

	// MetricRegistry — реестр метрик клиента Sarama; nil → собственный.
	MetricRegistry gometrics.Registry
}

func (c *Config) applyDefaults() {
	if c.ClientID == "" {
		c.ClientID = "dashboard-go-consumer"
	}
	if c.Version == "" {
		c.Version = "2.8.0"
	}
	if c.OffsetReset == "" {
		c.OffsetReset = "earliest"
	}
	if c.AutoCommitInterval <= 0 {
		c.AutoCommitInterval = time.Second
	}
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 500
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 2 * c.MaxPollRecords
	}
}

func (c Config) validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafka consumer: brokers required")
	}
	if c.GroupID == "" {
		return fmt.Errorf("kafka consumer: GroupID required")
	}
	if c.Version == "" {
		return fmt.Errorf("kafka consumer: Version required")
	}
	return nil
}

func buildSaramaConfig(c Config) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	sc.ClientID = c.ClientID

	version, err := sarama.ParseKafkaVersion(c.Version)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: invalid Version %q: %w", c.Version, err)
	}
	sc.Version = version

	switch strings.ToLower(c.OffsetReset) {
	case "earliest":
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	case "latest":
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	default:
		return nil, fmt.Errorf("kafka consumer: invalid OffsetReset %q", c.OffsetReset)
	}

	sc.Consumer.Offsets.AutoCommit.Enable = c.AutoCommit
	sc.Consumer.Offsets.AutoCommit.Interval = c.AutoCommitInterval
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	sc.Consumer.Return.Errors = true

	if c.MetricRegistry != nil {
		sc.MetricRegistry = c.MetricRegistry
	}

	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("kafka consumer: sarama config: %w", err)
	}
	return sc, nil
}
