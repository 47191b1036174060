// internal/tally/loop.go
package tally

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/osamamunirpk/aws-kafka-containers-monitoring/common/kafka"
	"github.com/osamamunirpk/aws-kafka-containers-monitoring/common/logger"
	"github.com/osamamunirpk/aws-kafka-containers-monitoring/internal/metrics"
)

// Config — параметры цикла чтения.
type Config struct {
	Topic       string
	PollTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.PollTimeout <= 0 {
		c.PollTimeout = time.Second
	}
}

func (c Config) validate() error {
	if c.Topic == "" {
		return fmt.Errorf("tally: topic is required")
	}
	return nil
}

// Loop подписывается на один топик и считает записи, пришедшие за
// каждый Poll. Содержимое записей не используется.
type Loop struct {
	cfg    Config
	poller kafka.Poller
	log    *logger.Logger

	polls   atomic.Int64
	records atomic.Int64

	closeOnce sync.Once
	closeErr  error
}

// New собирает цикл.
func New(cfg Config, poller kafka.Poller, log *logger.Logger) (*Loop, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if poller == nil {
		return nil, fmt.Errorf("tally: poller is required")
	}
	return &Loop{cfg: cfg, poller: poller, log: log.Named("tally").With(zap.String("topic", cfg.Topic))}, nil
}

// Run подписывается и опрашивает топик до отмены ctx или ошибки.
// poller закрывается ровно один раз в обоих случаях.
func (l *Loop) Run(ctx context.Context) (err error) {
	defer func() {
		if cerr := l.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if err := l.poller.Subscribe(ctx, []string{l.cfg.Topic}); err != nil {
		l.log.Error("subscribe failed", zap.Error(err))
		return fmt.Errorf("tally: subscribe: %w", err)
	}
	l.log.Info("consumer loop started",
		zap.Duration("poll_timeout", l.cfg.PollTimeout),
	)

	for ctx.Err() == nil {
		msgs, err := l.poller.Poll(ctx, l.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.log.Error("consumer loop failed", zap.Error(err))
			return fmt.Errorf("tally: poll: %w", err)
		}

		n := len(msgs)
		l.polls.Inc()
		metrics.Polls.Inc()
		metrics.PollBatchSize.Observe(float64(n))
		if n > 0 {
			total := l.records.Add(int64(n))
			metrics.RecordsConsumed.Add(float64(n))
			l.log.Info("received records", zap.Int("count", n), zap.Int64("total", total))
		}
	}
	return nil
}

// Close освобождает poller ровно один раз.
func (l *Loop) Close() error {
	l.closeOnce.Do(func() {
		if err := l.poller.Close(); err != nil && !errors.Is(err, kafka.ErrClosed) {
			l.log.Error("consumer close failed", zap.Error(err))
			l.closeErr = err
		}
		l.log.Info("consumer loop stopped",
			zap.Int64("polls", l.polls.Load()),
			zap.Int64("records", l.records.Load()),
		)
	})
	return l.closeErr
}

// Polls — число завершённых Poll.
func (l *Loop) Polls() int64 { return l.polls.Load() }

// Records — число полученных записей.
func (l *Loop) Records() int64 { return l.records.Load() }
