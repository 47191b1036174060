// internal/loadgen/loop.go
package loadgen

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/osamamunirpk/aws-kafka-containers-monitoring/common/kafka"
	"github.com/osamamunirpk/aws-kafka-containers-monitoring/common/logger"
	"github.com/osamamunirpk/aws-kafka-containers-monitoring/internal/metrics"
)

var tracer = otel.Tracer("dashboard/loadgen")

// Config — параметры цикла отправки.
type Config struct {
	Topic     string
	BatchSize int
	Interval  time.Duration
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.Interval < 0 {
		c.Interval = time.Second
	}
}

func (c Config) validate() error {
	if c.Topic == "" {
		return fmt.Errorf("loadgen: topic is required")
	}
	return nil
}

// Stats — счётчики цикла с момента старта.
type Stats struct {
	Batches   int64
	Enqueued  int64
	Delivered int64
	Failed    int64
}

// Loop отправляет BatchSize записей, затем ждёт Interval, пока ctx не отменён.
// Loop владеет producer: Close вызывается ровно один раз, как бы ни
// завершился Run.
type Loop struct {
	cfg      Config
	producer kafka.Producer
	gen      *Generator
	log      *logger.Logger

	batches   atomic.Int64
	enqueued  atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64

	watchers  sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// New собирает цикл.
func New(cfg Config, producer kafka.Producer, gen *Generator, log *logger.Logger) (*Loop, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if producer == nil || gen == nil {
		return nil, fmt.Errorf("loadgen: producer and generator are required")
	}
	return &Loop{
		cfg:      cfg,
		producer: producer,
		gen:      gen,
		log:      log.Named("loadgen").With(zap.String("topic", cfg.Topic)),
	}, nil
}

// Run крутит цикл. Возвращает nil при отмене ctx и ошибку, если она
// вышла из тела цикла. В обоих случаях producer закрывается.
func (l *Loop) Run(ctx context.Context) (err error) {
	defer func() {
		if cerr := l.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	l.log.Info("producer loop started",
		zap.Int("batch_size", l.cfg.BatchSize),
		zap.Duration("interval", l.cfg.Interval),
	)

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := l.sendBatch(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.log.Error("producer loop failed", zap.Error(err))
			return err
		}

		timer.Reset(l.cfg.Interval)
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
	}
}

func (l *Loop) sendBatch(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "SendBatch",
		trace.WithAttributes(
			attribute.String("topic", l.cfg.Topic),
			attribute.Int("batch_size", l.cfg.BatchSize),
		))
	defer span.End()
	ctx = batchContext(ctx, span, l.batches.Load()+1)

	for i := 0; i < l.cfg.BatchSize; i++ {
		rec := l.gen.Next(l.cfg.Topic)
		ch, err := l.producer.Send(ctx, rec)
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("loadgen: send: %w", err)
		}
		l.enqueued.Inc()
		metrics.RecordsEnqueued.Inc()
		l.watch(ctx, rec, ch)
	}

	l.batches.Inc()
	metrics.Batches.Inc()
	return nil
}

// batchContext помечает контекст пачки trace_id спана (если трассировка
// включена) и request_id вида batch-<n> для логов доставки.
func batchContext(ctx context.Context, span trace.Span, seq int64) context.Context {
	if sc := span.SpanContext(); sc.HasTraceID() {
		ctx = logger.ContextWithTraceID(ctx, sc.TraceID().String())
	}
	return logger.ContextWithRequestID(ctx, "batch-"+strconv.FormatInt(seq, 10))
}

// watch ждёт результат доставки в отдельной горутине: ошибка логируется
// и считается, но цикл не останавливает.
func (l *Loop) watch(ctx context.Context, rec kafka.Record, ch <-chan kafka.Delivery) {
	log := l.log.WithContext(ctx)
	l.watchers.Add(1)
	go func() {
		defer l.watchers.Done()
		d, ok := <-ch
		if !ok {
			return
		}
		if d.Err != nil {
			l.failed.Inc()
			metrics.RecordsFailed.Inc()
			log.Error("delivery failed",
				zap.ByteString("key", rec.Key),
				zap.Error(d.Err),
			)
			return
		}
		l.delivered.Inc()
		metrics.RecordsDelivered.Inc()
		log.Debug("delivered",
			zap.Int32("partition", d.Partition),
			zap.Int64("offset", d.Offset),
		)
	}()
}

// Close закрывает producer (дожидаясь in-flight доставок) ровно один раз.
func (l *Loop) Close() error {
	l.closeOnce.Do(func() {
		err := l.producer.Close()
		l.watchers.Wait()
		if err != nil && !errors.Is(err, kafka.ErrClosed) {
			l.log.Error("producer close failed", zap.Error(err))
			l.closeErr = err
		}
		s := l.Stats()
		l.log.Info("producer loop stopped",
			zap.Int64("batches", s.Batches),
			zap.Int64("enqueued", s.Enqueued),
			zap.Int64("delivered", s.Delivered),
			zap.Int64("failed", s.Failed),
		)
	})
	return l.closeErr
}

// Stats возвращает снимок счётчиков.
func (l *Loop) Stats() Stats {
	return Stats{
		Batches:   l.batches.Load(),
		Enqueued:  l.enqueued.Load(),
		Delivered: l.delivered.Load(),
		Failed:    l.failed.Load(),
	}
}
