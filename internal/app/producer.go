// internal/app/producer.go
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/osamamunirpk/aws-kafka-containers-monitoring/common/kafka/producer"
	"github.com/osamamunirpk/aws-kafka-containers-monitoring/common/logger"
	"github.com/osamamunirpk/aws-kafka-containers-monitoring/internal/config"
	"github.com/osamamunirpk/aws-kafka-containers-monitoring/internal/loadgen"
)

// RunProducer поднимает клиента и крутит цикл отправки до отмены ctx.
func RunProducer(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	e, err := setup(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer e.close()

	pc := cfg.Producer
	prod, err := producer.New(ctx, producer.Config{
		Brokers:        cfg.Kafka.Brokers,
		ClientID:       pc.ClientID,
		Version:        cfg.Kafka.Version,
		RequiredAcks:   pc.Acks,
		Retries:        pc.Retries,
		Linger:         pc.Linger,
		BatchBytes:     pc.BatchBytes,
		BufferMemory:   pc.BufferMemory,
		Compression:    pc.Compression,
		Timeout:        pc.Timeout,
		Idempotent:     pc.Idempotent,
		Backoff:        cfg.Kafka.Backoff,
		MetricRegistry: e.registry,
	}, log)
	if err != nil {
		return fmt.Errorf("kafka producer init: %w", err)
	}
	e.exportClientMetrics(pc.ClientID)

	gen := loadgen.NewGenerator(pc.KeyBound, pc.ValueBound, nil, nil)
	loop, err := loadgen.New(loadgen.Config{
		Topic:     cfg.Kafka.Topic,
		BatchSize: pc.BatchSize,
		Interval:  pc.Interval,
	}, prod, gen, log)
	if err != nil {
		_ = prod.Close()
		return fmt.Errorf("loadgen init: %w", err)
	}
	defer loop.Close()

	log.Info("producer ready",
		zap.Strings("brokers", cfg.Kafka.Brokers),
		zap.String("topic", cfg.Kafka.Topic),
		zap.String("client_id", pc.ClientID),
	)
	return e.serve(ctx, loop, prod.Ping)
}
