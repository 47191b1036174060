// internal/loadgen/loop_test.go
package loadgen

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/osamamunirpk/aws-kafka-containers-monitoring/common/kafka"
	"github.com/osamamunirpk/aws-kafka-containers-monitoring/common/logger"
)

// fakeProducer резолвит каждую доставку сразу; failEvery > 0 делает
// каждую failEvery-ю доставку неуспешной.
type fakeProducer struct {
	mu        sync.Mutex
	sent      []kafka.Record
	failEvery int
	sendErrAt int // номер вызова Send (с 1), который вернёт ошибку
	closes    int
	onSend    func(n int)
}

var errRejected = errors.New("broker rejected record")

func (f *fakeProducer) Send(_ context.Context, rec kafka.Record) (<-chan kafka.Delivery, error) {
	f.mu.Lock()
	f.sent = append(f.sent, rec)
	n := len(f.sent)
	hook := f.onSend
	f.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	if f.sendErrAt > 0 && n == f.sendErrAt {
		return nil, errors.New("buffer exhausted")
	}

	ch := make(chan kafka.Delivery, 1)
	d := kafka.Delivery{Record: rec, Offset: int64(n)}
	if f.failEvery > 0 && n%f.failEvery == 0 {
		d.Err = errRejected
	}
	ch <- d
	return ch, nil
}

func (f *fakeProducer) Ping(context.Context) error { return nil }

func (f *fakeProducer) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	return nil
}

func (f *fakeProducer) snapshot() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent), f.closes
}

func newTestLoop(t *testing.T, p kafka.Producer, interval time.Duration) *Loop {
	t.Helper()
	gen := NewGenerator(1000, 10000, rand.NewPCG(1, 1), nil)
	l, err := New(Config{Topic: "dashboard-metrics-test", BatchSize: 10, Interval: interval}, p, gen, logger.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

func TestNew_Validation(t *testing.T) {
	gen := NewGenerator(1, 1, nil, nil)
	if _, err := New(Config{}, &fakeProducer{}, gen, logger.Nop()); err == nil {
		t.Error("expected error for empty topic")
	}
	if _, err := New(Config{Topic: "t"}, nil, gen, logger.Nop()); err == nil {
		t.Error("expected error for nil producer")
	}

	l, err := New(Config{Topic: "t"}, &fakeProducer{}, gen, logger.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if l.cfg.BatchSize != 10 {
		t.Errorf("default BatchSize = %d", l.cfg.BatchSize)
	}
}

func TestRun_TenRecordsPerCycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &fakeProducer{}
	p.onSend = func(n int) {
		if n == 30 {
			cancel()
		}
	}
	l := newTestLoop(t, p, time.Millisecond)

	if err := l.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	sent, closes := p.snapshot()
	s := l.Stats()
	if sent != 30 || s.Enqueued != 30 {
		t.Fatalf("sent=%d enqueued=%d, want 30", sent, s.Enqueued)
	}
	if s.Batches != 3 || s.Enqueued != 10*s.Batches {
		t.Fatalf("batches=%d enqueued=%d", s.Batches, s.Enqueued)
	}
	if s.Delivered != 30 || s.Failed != 0 {
		t.Errorf("delivered=%d failed=%d", s.Delivered, s.Failed)
	}
	if closes != 1 {
		t.Errorf("Close called %d times, want 1", closes)
	}
}

func TestRun_DeliveryFailureDoesNotStopLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &fakeProducer{failEvery: 7}
	p.onSend = func(n int) {
		if n == 50 {
			cancel()
		}
	}
	l := newTestLoop(t, p, time.Millisecond)

	if err := l.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	s := l.Stats()
	if s.Batches != 5 {
		t.Fatalf("batches = %d, want 5", s.Batches)
	}
	if s.Failed != 7 || s.Delivered != 43 {
		t.Errorf("failed=%d delivered=%d, want 7/43", s.Failed, s.Delivered)
	}
}

// Ошибка доставки логируется с topic и request_id пачки.
func TestRun_DeliveryFailureLogCarriesBatchContext(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	ctx, cancel := context.WithCancel(context.Background())
	p := &fakeProducer{failEvery: 1}
	p.onSend = func(n int) {
		if n == 10 {
			cancel()
		}
	}
	gen := NewGenerator(1000, 10000, rand.NewPCG(1, 1), nil)
	l, err := New(Config{Topic: "dashboard-metrics-test", BatchSize: 10, Interval: time.Millisecond}, p, gen, logger.FromZap(zap.New(core)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := l.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	failed := logs.FilterMessage("delivery failed").All()
	if len(failed) != 10 {
		t.Fatalf("delivery failed entries = %d, want 10", len(failed))
	}
	fields := failed[0].ContextMap()
	if fields["request_id"] != "batch-1" {
		t.Errorf("request_id = %v, want batch-1", fields["request_id"])
	}
	if fields["topic"] != "dashboard-metrics-test" {
		t.Errorf("topic = %v, want dashboard-metrics-test", fields["topic"])
	}
	if _, ok := fields["trace_id"]; ok {
		t.Error("trace_id must be absent without an active tracer")
	}
}

func TestRun_SendErrorEndsLoopAndReleases(t *testing.T) {
	p := &fakeProducer{sendErrAt: 15}
	l := newTestLoop(t, p, time.Millisecond)

	err := l.Run(context.Background())
	if err == nil {
		t.Fatal("expected loop-level error")
	}

	s := l.Stats()
	if s.Batches != 1 || s.Enqueued != 14 {
		t.Errorf("batches=%d enqueued=%d", s.Batches, s.Enqueued)
	}
	if _, closes := p.snapshot(); closes != 1 {
		t.Errorf("Close called %d times, want 1", closes)
	}

	if err := l.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, closes := p.snapshot(); closes != 1 {
		t.Errorf("Close called %d times after explicit Close, want 1", closes)
	}
}

func TestRun_WaitsIntervalBetweenBatches(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()

	p := &fakeProducer{}
	l := newTestLoop(t, p, 100*time.Millisecond)
	if err := l.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	s := l.Stats()
	if s.Batches < 2 || s.Batches > 3 {
		t.Errorf("batches = %d in 250ms at 100ms interval", s.Batches)
	}
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := &fakeProducer{}
	l := newTestLoop(t, p, time.Second)
	if err := l.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sent, closes := p.snapshot(); sent != 0 || closes != 1 {
		t.Errorf("sent=%d closes=%d", sent, closes)
	}
}
