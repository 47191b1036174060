// internal/app/consumer.go
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/osamamunirpk/aws-kafka-containers-monitoring/common/kafka/consumer"
	"github.com/osamamunirpk/aws-kafka-containers-monitoring/common/logger"
	"github.com/osamamunirpk/aws-kafka-containers-monitoring/internal/config"
	"github.com/osamamunirpk/aws-kafka-containers-monitoring/internal/tally"
)

// RunConsumer поднимает участника группы и крутит цикл подсчёта до отмены ctx.
func RunConsumer(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	e, err := setup(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer e.close()

	cc := cfg.Consumer
	poller, err := consumer.New(ctx, consumer.Config{
		Brokers:            cfg.Kafka.Brokers,
		GroupID:            cc.GroupID,
		ClientID:           cc.ClientID,
		Version:            cfg.Kafka.Version,
		OffsetReset:        cc.OffsetReset,
		AutoCommit:         cc.AutoCommit,
		AutoCommitInterval: cc.AutoCommitInterval,
		MaxPollRecords:     cc.MaxPollRecords,
		BufferSize:         cc.BufferSize,
		Backoff:            cfg.Kafka.Backoff,
		MetricRegistry:     e.registry,
	}, log)
	if err != nil {
		return fmt.Errorf("kafka consumer init: %w", err)
	}
	e.exportClientMetrics(cc.ClientID)

	loop, err := tally.New(tally.Config{
		Topic:       cfg.Kafka.Topic,
		PollTimeout: cc.PollTimeout,
	}, poller, log)
	if err != nil {
		_ = poller.Close()
		return fmt.Errorf("tally init: %w", err)
	}
	defer loop.Close()

	log.Info("consumer ready",
		zap.Strings("brokers", cfg.Kafka.Brokers),
		zap.String("topic", cfg.Kafka.Topic),
		zap.String("group_id", cc.GroupID),
		zap.String("client_id", cc.ClientID),
	)
	return e.serve(ctx, loop, poller.Ping)
}
