// common/kafka/producer/producer.go
package producer

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
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/osamamunirpk/aws-kafka-containers-monitoring/common/backoff"
	commonkafka "github.com/osamamunirpk/aws-kafka-containers-monitoring/common/kafka"
	"github.com/osamamunirpk/aws-kafka-containers-monitoring/common/logger"
)

// ErrRecordTooLarge — запись не помещается в буфер отправки целиком.
var ErrRecordTooLarge = errors.New("kafka producer: record exceeds buffer memory")

// -----------------------------------------------------------------------------
// Service label (заполняется через common.InitServiceName)
// -----------------------------------------------------------------------------

var serviceLabel = "unknown"

// SetServiceLabel вызывается из common.InitServiceName(..) один раз при старте.
func SetServiceLabel(name string) { serviceLabel = name }

// -----------------------------------------------------------------------------
// Prometheus-метрики
// -----------------------------------------------------------------------------

var producerMetrics = struct {
	ConnectAttempts *prometheus.CounterVec
	ConnectErrors   *prometheus.CounterVec
	DeliverySuccess *prometheus.CounterVec
	DeliveryErrors  *prometheus.CounterVec
	DeliveryLatency *prometheus.HistogramVec
	BufferedBytes   *prometheus.GaugeVec
	PingErrors      *prometheus.CounterVec
}{
	ConnectAttempts: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "common", Subsystem: "kafka_producer", Name: "connect_attempts_total",
			Help: "Kafka producer connect attempts",
		},
		[]string{"service"},
	),
	ConnectErrors: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "common", Subsystem: "kafka_producer", Name: "connect_errors_total",
			Help: "Kafka producer connect errors",
		},
		[]string{"service"},
	),
	DeliverySuccess: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "common", Subsystem: "kafka_producer", Name: "delivery_success_total",
			Help: "Records acknowledged by the cluster",
		},
		[]string{"service"},
	),
	DeliveryErrors: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "common", Subsystem: "kafka_producer", Name: "delivery_errors_total",
			Help: "Records that failed after client retries",
		},
		[]string{"service"},
	),
	DeliveryLatency: promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "common", Subsystem: "kafka_producer", Name: "delivery_latency_seconds",
			Help:    "Time from enqueue to delivery result (seconds)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	),
	BufferedBytes: promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "common", Subsystem: "kafka_producer", Name: "buffered_bytes",
			Help: "Bytes enqueued and not yet acknowledged",
		},
		[]string{"service"},
	),
	PingErrors: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "common", Subsystem: "kafka_producer", Name: "ping_errors_total",
			Help: "Ping errors",
		},
		[]string{"service"},
	),
}

// -----------------------------------------------------------------------------
// Tracing
// -----------------------------------------------------------------------------

var tracer = otel.Tracer("kafka-producer")

// -----------------------------------------------------------------------------
// Producer implementation
// -----------------------------------------------------------------------------

// pending хранится в inflight до прихода результата в Successes()/Errors().
// Metadata для этого не годится: otelsarama подменяет его на SpanID.
type pending struct {
	rec    commonkafka.Record
	result chan commonkafka.Delivery
	weight int64
	start  time.Time
}

type kafkaProducer struct {
	prod   sarama.AsyncProducer
	client sarama.Client
	log    *logger.Logger

	buffer      *semaphore.Weighted
	bufferLimit int64

	inflightMu sync.Mutex
	inflight   map[*sarama.ProducerMessage]*pending

	mu     sync.RWMutex
	closed bool

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New создаёт AsyncProducer поверх sarama.Client c ретраями подключения.
func New(ctx context.Context, cfg Config, log *logger.Logger) (commonkafka.Producer, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log = log.Named("kafka-producer")

	sc, err := buildSaramaConfig(cfg)
	if err != nil {
		return nil, err
	}

	// Sarama требует живой брокер уже при создании клиента.
	var client sarama.Client
	connect := func(ctx context.Context) error {
		producerMetrics.ConnectAttempts.WithLabelValues(serviceLabel).Inc()
		c, err := sarama.NewClient(cfg.Brokers, sc)
		if err != nil {
			producerMetrics.ConnectErrors.WithLabelValues(serviceLabel).Inc()
			return err
		}
		client = c
		return nil
	}

	ctxConn, span := tracer.Start(ctx, "Connect",
		trace.WithAttributes(attribute.StringSlice("brokers", cfg.Brokers)))
	if err := backoff.Execute(ctxConn, cfg.Backoff, log, connect); err != nil {
		span.RecordError(err)
		span.End()
		log.Error("kafka producer connect failed", zap.Error(err))
		return nil, fmt.Errorf("kafka producer: connect: %w", err)
	}
	span.End()

	ap, err := sarama.NewAsyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("kafka producer: new async producer: %w", err)
	}

	log.Info("kafka producer ready",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("client_id", cfg.ClientID),
		zap.String("acks", cfg.RequiredAcks),
		zap.Int("retries", cfg.Retries),
		zap.Duration("linger", cfg.Linger),
	)
	return newProducer(otelsarama.WrapAsyncProducer(sc, ap), client, cfg.BufferMemory, log), nil
}

// newProducer запускает dispatcher поверх готового AsyncProducer.
// client может быть nil (тесты с mocks.AsyncProducer).
func newProducer(ap sarama.AsyncProducer, client sarama.Client, bufferLimit int64, log *logger.Logger) *kafkaProducer {
	k := &kafkaProducer{
		prod:        ap,
		client:      client,
		log:         log,
		buffer:      semaphore.NewWeighted(bufferLimit),
		bufferLimit: bufferLimit,
		inflight:    make(map[*sarama.ProducerMessage]*pending),
		done:        make(chan struct{}),
	}
	go k.dispatch()
	return k
}

// Send ставит запись в очередь. Блокируется, пока в буфере нет места.
func (k *kafkaProducer) Send(ctx context.Context, rec commonkafka.Record) (<-chan commonkafka.Delivery, error) {
	weight := rec.Size()
	if weight > k.bufferLimit {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrRecordTooLarge, weight, k.bufferLimit)
	}
	if err := k.buffer.Acquire(ctx, weight); err != nil {
		return nil, fmt.Errorf("kafka producer: wait for buffer: %w", err)
	}

	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		k.buffer.Release(weight)
		return nil, commonkafka.ErrClosed
	}

	p := &pending{
		rec:    rec,
		result: make(chan commonkafka.Delivery, 1),
		weight: weight,
		start:  time.Now(),
	}
	msg := &sarama.ProducerMessage{
		Topic: rec.Topic,
		Key:   sarama.ByteEncoder(rec.Key),
		Value: sarama.ByteEncoder(rec.Value),
	}
	otel.GetTextMapPropagator().Inject(ctx, otelsarama.NewProducerMessageCarrier(msg))

	k.track(msg, p)
	select {
	case k.prod.Input() <- msg:
	case <-ctx.Done():
		k.untrack(msg)
		k.buffer.Release(weight)
		return nil, ctx.Err()
	}
	producerMetrics.BufferedBytes.WithLabelValues(serviceLabel).Add(float64(weight))
	return p.result, nil
}

// dispatch резолвит Delivery по мере прихода подтверждений и ошибок.
// Завершается, когда Sarama закрывает оба канала после AsyncClose().
func (k *kafkaProducer) dispatch() {
	defer close(k.done)

	successes, errs := k.prod.Successes(), k.prod.Errors()
	for successes != nil || errs != nil {
		select {
		case m, ok := <-successes:
			if !ok {
				successes = nil
				continue
			}
			k.resolve(m, nil)
		case pe, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			k.resolve(pe.Msg, pe.Err)
		}
	}
}

func (k *kafkaProducer) resolve(m *sarama.ProducerMessage, err error) {
	if m == nil {
		k.log.Warn("delivery result without message", zap.Error(err))
		return
	}
	p := k.untrack(m)
	if p == nil {
		k.log.Warn("delivery result for unknown message", zap.String("topic", m.Topic), zap.Error(err))
		return
	}

	k.buffer.Release(p.weight)
	producerMetrics.BufferedBytes.WithLabelValues(serviceLabel).Sub(float64(p.weight))
	producerMetrics.DeliveryLatency.WithLabelValues(serviceLabel).Observe(time.Since(p.start).Seconds())
	if err != nil {
		producerMetrics.DeliveryErrors.WithLabelValues(serviceLabel).Inc()
	} else {
		producerMetrics.DeliverySuccess.WithLabelValues(serviceLabel).Inc()
	}

	p.result <- commonkafka.Delivery{
		Record:    p.rec,
		Partition: m.Partition,
		Offset:    m.Offset,
		Err:       err,
	}
}

func (k *kafkaProducer) track(m *sarama.ProducerMessage, p *pending) {
	k.inflightMu.Lock()
	k.inflight[m] = p
	k.inflightMu.Unlock()
}

func (k *kafkaProducer) untrack(m *sarama.ProducerMessage) *pending {
	k.inflightMu.Lock()
	defer k.inflightMu.Unlock()
	p := k.inflight[m]
	delete(k.inflight, m)
	return p
}

// Ping обновляет метаданные клиента, проверяя доступность кластера.
func (k *kafkaProducer) Ping(ctx context.Context) error {
	_, span := tracer.Start(ctx, "Ping")
	defer span.End()

	if k.client == nil {
		return commonkafka.ErrClosed
	}
	k.mu.RLock()
	closed := k.closed
	k.mu.RUnlock()
	if closed {
		return commonkafka.ErrClosed
	}

	if err := k.client.RefreshMetadata(); err != nil {
		producerMetrics.PingErrors.WithLabelValues(serviceLabel).Inc()
		span.RecordError(err)
		return err
	}
	return nil
}

// Close закрывает вход, дожидается результатов по всем записям в очереди
// и освобождает клиент. Выполняется ровно один раз.
func (k *kafkaProducer) Close() error {
	k.closeOnce.Do(func() {
		k.mu.Lock()
		k.closed = true
		k.mu.Unlock()

		k.prod.AsyncClose()
		<-k.done

		if k.client != nil {
			if err := k.client.Close(); err != nil {
				k.log.Error("client close failed", zap.Error(err))
				k.closeErr = err
				return
			}
		}
		k.log.Info("kafka producer closed")
	})
	return k.closeErr
}
