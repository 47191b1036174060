// common/kafka/consumer/consumer.go
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/dnwe/otelsarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/osamamunirpk/aws-kafka-containers-monitoring/common/backoff"
	commonkafka "github.com/osamamunirpk/aws-kafka-containers-monitoring/common/kafka"
	"github.com/osamamunirpk/aws-kafka-containers-monitoring/common/logger"
)

// -----------------------------------------------------------------------------
// Service label (заполняется из common.InitServiceName)
// -----------------------------------------------------------------------------

var serviceLabel = "unknown"

// SetServiceLabel задаёт единое имя сервиса для метрик.
func SetServiceLabel(name string) { serviceLabel = name }

// -----------------------------------------------------------------------------
// Prometheus-метрики
// -----------------------------------------------------------------------------

var consumerMetrics = struct {
	ConnectAttempts *prometheus.CounterVec
	ConnectErrors   *prometheus.CounterVec
	ConsumeErrors   *prometheus.CounterVec
	Rebalances      *prometheus.CounterVec
	Buffered        *prometheus.GaugeVec
}{
	ConnectAttempts: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "common", Subsystem: "kafka_consumer", Name: "connect_attempts_total",
			Help: "Kafka consumer group connect attempts",
		},
		[]string{"service"},
	),
	ConnectErrors: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "common", Subsystem: "kafka_consumer", Name: "connect_errors_total",
			Help: "Kafka consumer connect errors",
		},
		[]string{"service"},
	),
	ConsumeErrors: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "common", Subsystem: "kafka_consumer", Name: "consume_errors_total",
			Help: "Errors during consumption sessions",
		},
		[]string{"service"},
	),
	Rebalances: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "common", Subsystem: "kafka_consumer", Name: "sessions_total",
			Help: "Consumer group sessions started (one per rebalance)",
		},
		[]string{"service"},
	),
	Buffered: promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "common", Subsystem: "kafka_consumer", Name: "buffered_messages",
			Help: "Messages fetched but not yet returned by Poll",
		},
		[]string{"service"},
	),
}

// -----------------------------------------------------------------------------
// Tracing
// -----------------------------------------------------------------------------

var tracer = otel.Tracer("kafka-consumer")

// -----------------------------------------------------------------------------
// Poller implementation
// -----------------------------------------------------------------------------

// claimed — сообщение вместе с сессией, в которой его нужно отметить.
type claimed struct {
	msg  *sarama.ConsumerMessage
	sess sarama.ConsumerGroupSession
}

type groupPoller struct {
	group      sarama.ConsumerGroup
	client     sarama.Client
	handler    sarama.ConsumerGroupHandler
	log        *logger.Logger
	backoffCfg backoff.Config

	autoCommit bool
	maxPoll    int
	records    chan claimed

	subscribed atomic.Bool
	closed     atomic.Bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	stopped chan struct{}
	stopErr error

	closeOnce sync.Once
	closeErr  error
}

// New создаёт клиент и ConsumerGroup с ретраями подключения.
func New(ctx context.Context, cfg Config, log *logger.Logger) (commonkafka.Poller, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log = log.Named("kafka-consumer")

	sc, err := buildSaramaConfig(cfg)
	if err != nil {
		return nil, err
	}

	var client sarama.Client
	connectOp := func(ctx context.Context) error {
		consumerMetrics.ConnectAttempts.WithLabelValues(serviceLabel).Inc()
		c, err := sarama.NewClient(cfg.Brokers, sc)
		if err != nil {
			consumerMetrics.ConnectErrors.WithLabelValues(serviceLabel).Inc()
			return err
		}
		client = c
		return nil
	}

	ctxConn, span := tracer.Start(ctx, "Connect",
		trace.WithAttributes(attribute.StringSlice("brokers", cfg.Brokers), attribute.String("group", cfg.GroupID)))
	if err := backoff.Execute(ctxConn, cfg.Backoff, log, connectOp); err != nil {
		span.RecordError(err)
		span.End()
		return nil, fmt.Errorf("kafka consumer: connect failed: %w", err)
	}
	span.End()

	group, err := sarama.NewConsumerGroupFromClient(cfg.GroupID, client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("kafka consumer: new group: %w", err)
	}

	log.Info("kafka consumer group connected",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("group", cfg.GroupID),
		zap.String("client_id", cfg.ClientID),
		zap.String("offset_reset", cfg.OffsetReset),
		zap.Bool("auto_commit", cfg.AutoCommit),
		zap.Duration("auto_commit_interval", cfg.AutoCommitInterval),
	)
	p := newPoller(group, client, cfg, log)
	p.handler = otelsarama.WrapConsumerGroupHandler(p.handler)
	return p, nil
}

// newPoller связывает группу с буфером Poll. client может быть nil (тесты).
func newPoller(group sarama.ConsumerGroup, client sarama.Client, cfg Config, log *logger.Logger) *groupPoller {
	records := make(chan claimed, cfg.BufferSize)
	return &groupPoller{
		group:      group,
		client:     client,
		handler:    &claimHandler{out: records, log: log},
		log:        log,
		backoffCfg: sessionBackoff(cfg.Backoff),
		autoCommit: cfg.AutoCommit,
		maxPoll:    cfg.MaxPollRecords,
		records:    records,
		stopped:    make(chan struct{}),
	}
}

// sessionBackoff снимает лимиты ретраев: недоступность брокера во время работы
// переживается бесконечно, Poll тем временем возвращает пустые пачки.
// Ограниченный бюджет действует только на начальное подключение.
func sessionBackoff(cfg backoff.Config) backoff.Config {
	cfg.MaxElapsedTime = 0
	cfg.MaxRetries = 0
	return cfg
}

// Subscribe запускает сессии группы по topics в фоне. Вызывается один раз.
func (p *groupPoller) Subscribe(ctx context.Context, topics []string) error {
	if len(topics) == 0 {
		return fmt.Errorf("kafka consumer: at least one topic required")
	}
	if p.closed.Load() {
		return commonkafka.ErrClosed
	}
	if !p.subscribed.CompareAndSwap(false, true) {
		return fmt.Errorf("kafka consumer: already subscribed")
	}

	sessCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(2)
	go p.run(sessCtx, topics)
	go p.drainErrors()

	p.log.Info("subscribed", zap.Strings("topics", topics))
	return nil
}

// run крутит сессии группы; каждая ребалансировка завершает Consume с nil.
func (p *groupPoller) run(ctx context.Context, topics []string) {
	defer p.wg.Done()
	defer close(p.stopped)

	session := func(ctx context.Context) error {
		err := p.group.Consume(ctx, topics, p.handler)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, sarama.ErrClosedConsumerGroup):
			return backoff.Permanent(err)
		default:
			consumerMetrics.ConsumeErrors.WithLabelValues(serviceLabel).Inc()
			p.log.Error("consume session error", zap.Error(err))
			return err
		}
	}

	for ctx.Err() == nil {
		if err := backoff.Execute(ctx, p.backoffCfg, p.log, session); err != nil {
			if ctx.Err() == nil && !p.closed.Load() {
				p.stopErr = fmt.Errorf("kafka consumer: session loop stopped: %w", err)
			}
			return
		}
	}
}

func (p *groupPoller) drainErrors() {
	defer p.wg.Done()
	for err := range p.group.Errors() {
		consumerMetrics.ConsumeErrors.WithLabelValues(serviceLabel).Inc()
		p.log.Warn("consumer group error", zap.Error(err))
	}
}

// Poll ждёт первое сообщение не дольше timeout, затем забирает из буфера
// всё доступное (до MaxPollRecords). Возвращённые сообщения отмечаются
// для коммита.
func (p *groupPoller) Poll(ctx context.Context, timeout time.Duration) ([]*commonkafka.Message, error) {
	if p.closed.Load() {
		return nil, commonkafka.ErrClosed
	}
	if !p.subscribed.Load() {
		return nil, fmt.Errorf("kafka consumer: poll before subscribe")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	batch := make([]claimed, 0, 16)
	select {
	case c := <-p.records:
		batch = append(batch, c)
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.stopped:
		if p.stopErr != nil {
			return nil, p.stopErr
		}
		return nil, commonkafka.ErrClosed
	}

drain:
	for len(batch) < p.maxPoll {
		select {
		case c := <-p.records:
			batch = append(batch, c)
		default:
			break drain
		}
	}

	out := make([]*commonkafka.Message, 0, len(batch))
	sessions := make(map[sarama.ConsumerGroupSession]struct{}, 1)
	for _, c := range batch {
		c.sess.MarkMessage(c.msg, "")
		sessions[c.sess] = struct{}{}
		out = append(out, &commonkafka.Message{
			Key:       c.msg.Key,
			Value:     c.msg.Value,
			Topic:     c.msg.Topic,
			Partition: c.msg.Partition,
			Offset:    c.msg.Offset,
			Timestamp: c.msg.Timestamp,
		})
	}
	if !p.autoCommit {
		for s := range sessions {
			s.Commit()
		}
	}
	consumerMetrics.Buffered.WithLabelValues(serviceLabel).Set(float64(len(p.records)))
	return out, nil
}

// Ping обновляет метаданные клиента.
func (p *groupPoller) Ping(ctx context.Context) error {
	_, span := tracer.Start(ctx, "Ping")
	defer span.End()

	if p.client == nil || p.closed.Load() {
		return commonkafka.ErrClosed
	}
	if err := p.client.RefreshMetadata(); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// Close покидает группу (с коммитом отмеченных офсетов) и закрывает клиент.
// Выполняется ровно один раз.
func (p *groupPoller) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		if p.cancel != nil {
			p.cancel()
		}
		if err := p.group.Close(); err != nil {
			p.log.Error("consumer group close failed", zap.Error(err))
			p.closeErr = err
		}
		p.wg.Wait()

		if p.client != nil {
			if err := p.client.Close(); err != nil && p.closeErr == nil {
				p.log.Error("client close failed", zap.Error(err))
				p.closeErr = err
			}
		}
		p.log.Info("kafka consumer closed")
	})
	return p.closeErr
}

// -----------------------------------------------------------------------------
// Internal handler
// -----------------------------------------------------------------------------

type claimHandler struct {
	out chan<- claimed
	log *logger.Logger
}

func (h *claimHandler) Setup(sess sarama.ConsumerGroupSession) error {
	consumerMetrics.Rebalances.WithLabelValues(serviceLabel).Inc()
	h.log.Info("partitions assigned",
		zap.Any("claims", sess.Claims()),
		zap.String("member_id", sess.MemberID()),
		zap.Int32("generation", sess.GenerationID()),
	)
	return nil
}

func (h *claimHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *claimHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case m, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			select {
			case h.out <- claimed{msg: m, sess: sess}:
			case <-sess.Context().Done():
				return nil
			}
		case <-sess.Context().Done():
			return nil
		}
	}
}
