// common/kafka/producer/producer_test.go
package producer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/dnwe/otelsarama"
	gometrics "github.com/rcrowley/go-metrics"

	commonkafka "github.com/osamamunirpk/aws-kafka-containers-monitoring/common/kafka"
	"github.com/osamamunirpk/aws-kafka-containers-monitoring/common/logger"
)

// Проверяем applyDefaults и validate.
func TestConfigDefaultsAndValidate(t *testing.T) {
	cases := []struct {
		name    string
		input   Config
		wantErr bool
	}{
		{"empty", Config{}, true},
		{"ok", Config{Brokers: []string{"b1"}}, false},
		{"negativeRetries", Config{Brokers: []string{"b1"}, Retries: -1}, true},
		{"idempotentLeader", Config{Brokers: []string{"b1"}, RequiredAcks: "leader", Retries: 3, Idempotent: true}, true},
		{"idempotentNoRetries", Config{Brokers: []string{"b1"}, Idempotent: true}, true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := c.input
			cfg.applyDefaults()
			if err := cfg.validate(); (err != nil) != c.wantErr {
				t.Errorf("validate() error = %v; wantErr=%v", err, c.wantErr)
			}
		})
	}
}

func TestApplyDefaults_ReliableDelivery(t *testing.T) {
	cfg := Config{Brokers: []string{"localhost:9092"}}
	cfg.applyDefaults()

	if cfg.RequiredAcks != "all" {
		t.Errorf("RequiredAcks = %q; want all", cfg.RequiredAcks)
	}
	if cfg.Retries != 0 {
		t.Errorf("Retries = %d; want 0 (kept as configured)", cfg.Retries)
	}
	if cfg.Linger != time.Millisecond {
		t.Errorf("Linger = %v; want 1ms", cfg.Linger)
	}
	if cfg.BatchBytes != 16384 {
		t.Errorf("BatchBytes = %d; want 16384", cfg.BatchBytes)
	}
	if cfg.BufferMemory != 33554432 {
		t.Errorf("BufferMemory = %d; want 33554432", cfg.BufferMemory)
	}
	if cfg.ClientID != "dashboard-go-producer" {
		t.Errorf("ClientID = %q", cfg.ClientID)
	}
}

// Проверяем перенос настроек в sarama.Config.
func TestBuildSaramaConfig(t *testing.T) {
	reg := gometrics.NewRegistry()
	cfg := Config{Brokers: []string{"x"}, ClientID: "dashboard-go-producer", MetricRegistry: reg, Retries: 3, Idempotent: true}
	cfg.applyDefaults()

	sc, err := buildSaramaConfig(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sc.ClientID != "dashboard-go-producer" {
		t.Errorf("ClientID = %q", sc.ClientID)
	}
	if sc.Producer.RequiredAcks != sarama.WaitForAll {
		t.Errorf("RequiredAcks = %v; want WaitForAll", sc.Producer.RequiredAcks)
	}
	if sc.Producer.Retry.Max != 3 {
		t.Errorf("Retry.Max = %d; want 3", sc.Producer.Retry.Max)
	}
	if sc.Producer.Flush.Frequency != time.Millisecond {
		t.Errorf("Flush.Frequency = %v; want 1ms", sc.Producer.Flush.Frequency)
	}
	if sc.Producer.Flush.Bytes != 16384 {
		t.Errorf("Flush.Bytes = %d; want 16384", sc.Producer.Flush.Bytes)
	}
	if !sc.Producer.Return.Successes || !sc.Producer.Return.Errors {
		t.Error("both Return.Successes and Return.Errors must be enabled")
	}
	if !sc.Producer.Idempotent || sc.Net.MaxOpenRequests != 1 {
		t.Error("idempotent producer must use a single open request")
	}
	if sc.MetricRegistry != reg {
		t.Error("MetricRegistry not propagated")
	}
}

// Retries: 0 доходит до Sarama как есть и отключает повторы.
func TestBuildSaramaConfig_ZeroRetries(t *testing.T) {
	cfg := Config{Brokers: []string{"x"}, Retries: 0}
	cfg.applyDefaults()

	sc, err := buildSaramaConfig(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sc.Producer.Retry.Max != 0 {
		t.Errorf("Retry.Max = %d; want 0", sc.Producer.Retry.Max)
	}
}

func TestBuildSaramaConfig_RequiredAcks(t *testing.T) {
	cases := []struct {
		acks    string
		want    sarama.RequiredAcks
		wantErr bool
	}{
		{"all", sarama.WaitForAll, false},
		{"LeAdEr", sarama.WaitForLocal, false},
		{"none", sarama.NoResponse, false},
		{"invalid", 0, true},
	}
	for _, c := range cases {
		t.Run(c.acks, func(t *testing.T) {
			cfg := Config{Brokers: []string{"x"}, RequiredAcks: c.acks}
			cfg.applyDefaults()
			sc, err := buildSaramaConfig(cfg)
			if c.wantErr {
				if err == nil {
					t.Errorf("buildSaramaConfig(%q) expected error", c.acks)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if sc.Producer.RequiredAcks != c.want {
				t.Errorf("got %v; want %v", sc.Producer.RequiredAcks, c.want)
			}
		})
	}
}

func TestBuildSaramaConfig_Compression(t *testing.T) {
	cases := []struct {
		comp    string
		wantErr bool
	}{
		{"none", false}, {"gzip", false}, {"snappy", false},
		{"lz4", false}, {"zstd", false}, {"NONE", false},
		{"bogus", true},
	}
	for _, c := range cases {
		t.Run(c.comp, func(t *testing.T) {
			cfg := Config{Brokers: []string{"x"}, Compression: c.comp}
			cfg.applyDefaults()
			_, err := buildSaramaConfig(cfg)
			if c.wantErr && err == nil {
				t.Errorf("buildSaramaConfig comp=%q expected error", c.comp)
			}
			if !c.wantErr && err != nil {
				t.Fatalf("unexpected error for %q: %v", c.comp, err)
			}
		})
	}
}

func mockConfig() *sarama.Config {
	sc := sarama.NewConfig()
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	return sc
}

func await(t *testing.T, ch <-chan commonkafka.Delivery) commonkafka.Delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("delivery not resolved")
		return commonkafka.Delivery{}
	}
}

// Delivery приходит и для успеха, и для ошибки брокера.
func TestSend_ResolvesDeliveries(t *testing.T) {
	mp := mocks.NewAsyncProducer(t, mockConfig())
	mp.ExpectInputAndSucceed()
	mp.ExpectInputAndFail(sarama.ErrNotEnoughReplicas)

	kp := newProducer(mp, nil, 1<<20, logger.Nop())
	defer kp.Close()

	rec := commonkafka.Record{Topic: "dashboard-metrics-test", Key: []byte("key-1"), Value: []byte("message-1-2")}
	ok, err := kp.Send(context.Background(), rec)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	bad, err := kp.Send(context.Background(), rec)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if d := await(t, ok); d.Err != nil {
		t.Errorf("first delivery err = %v; want nil", d.Err)
	} else if string(d.Record.Key) != "key-1" {
		t.Errorf("delivery record key = %q", d.Record.Key)
	}
	if d := await(t, bad); !errors.Is(d.Err, sarama.ErrNotEnoughReplicas) {
		t.Errorf("second delivery err = %v; want ErrNotEnoughReplicas", d.Err)
	}
}

// Close дожидается результатов по всем записям и идемпотентен.
func TestClose_DrainsAndIsIdempotent(t *testing.T) {
	mp := mocks.NewAsyncProducer(t, mockConfig())
	for i := 0; i < 5; i++ {
		mp.ExpectInputAndSucceed()
	}
	kp := newProducer(mp, nil, 1<<20, logger.Nop())

	var results []<-chan commonkafka.Delivery
	for i := 0; i < 5; i++ {
		ch, err := kp.Send(context.Background(), commonkafka.Record{Topic: "t", Value: []byte("v")})
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		results = append(results, ch)
	}

	if err := kp.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := kp.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	for i, ch := range results {
		select {
		case d := <-ch:
			if d.Err != nil {
				t.Errorf("delivery %d err = %v", i, d.Err)
			}
		default:
			t.Errorf("delivery %d not resolved after Close", i)
		}
	}

	if _, err := kp.Send(context.Background(), commonkafka.Record{Topic: "t"}); !errors.Is(err, commonkafka.ErrClosed) {
		t.Errorf("Send after Close err = %v; want ErrClosed", err)
	}
}

// otelsarama подменяет Metadata на SpanID; при noop-трейсере он у всех
// сообщений нулевой. Каждая запись всё равно должна получить свой Delivery.
func TestSend_ResolvesThroughTracingWrapper(t *testing.T) {
	const n = 10
	sc := mockConfig()
	mp := mocks.NewAsyncProducer(t, sc)
	for i := 0; i < n; i++ {
		mp.ExpectInputAndSucceed()
	}
	kp := newProducer(otelsarama.WrapAsyncProducer(sc, mp), nil, 1<<20, logger.Nop())

	results := make([]<-chan commonkafka.Delivery, 0, n)
	for i := 0; i < n; i++ {
		ch, err := kp.Send(context.Background(), commonkafka.Record{Topic: "dashboard-metrics-test", Value: []byte("v")})
		if err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
		results = append(results, ch)
	}
	for i, ch := range results {
		if d := await(t, ch); d.Err != nil {
			t.Errorf("delivery %d err = %v", i, d.Err)
		}
	}

	closed := make(chan error, 1)
	go func() { closed <- kp.Close() }()
	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("Close: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	if got := kp.buffer.TryAcquire(1 << 20); !got {
		t.Error("buffer not fully released after deliveries")
	}
}

func TestSend_RecordTooLarge(t *testing.T) {
	mp := mocks.NewAsyncProducer(t, mockConfig())
	kp := newProducer(mp, nil, 4, logger.Nop())
	defer kp.Close()

	_, err := kp.Send(context.Background(), commonkafka.Record{Topic: "t", Value: []byte("too-large")})
	if !errors.Is(err, ErrRecordTooLarge) {
		t.Fatalf("err = %v; want ErrRecordTooLarge", err)
	}
}

// Пока буфер занят неподтверждённой записью, Send ждёт до отмены контекста.
func TestSend_BlocksOnFullBuffer(t *testing.T) {
	kp := newProducer(newStalledProducer(), nil, 8, logger.Nop())

	if _, err := kp.Send(context.Background(), commonkafka.Record{Topic: "t", Value: []byte("12345678")}); err != nil {
		t.Fatalf("first Send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := kp.Send(ctx, commonkafka.Record{Topic: "t", Value: []byte("x")}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second Send err = %v; want DeadlineExceeded", err)
	}
}

func TestPing_WithoutClient(t *testing.T) {
	mp := mocks.NewAsyncProducer(t, mockConfig())
	kp := newProducer(mp, nil, 1<<10, logger.Nop())
	defer kp.Close()

	if err := kp.Ping(context.Background()); !errors.Is(err, commonkafka.ErrClosed) {
		t.Errorf("Ping err = %v; want ErrClosed", err)
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	if _, err := New(context.Background(), Config{}, logger.Nop()); err == nil {
		t.Fatal("expected error for empty Config, got nil")
	}
	cfg := Config{Brokers: []string{"dummy"}, RequiredAcks: "invalid"}
	if _, err := New(context.Background(), cfg, logger.Nop()); err == nil {
		t.Fatal("expected error for invalid RequiredAcks, got nil")
	}
}

// stalledProducer принимает сообщения, но никогда их не подтверждает.
type stalledProducer struct {
	sarama.AsyncProducer
	input     chan *sarama.ProducerMessage
	successes chan *sarama.ProducerMessage
	errors    chan *sarama.ProducerError
}

func newStalledProducer() *stalledProducer {
	return &stalledProducer{
		input:     make(chan *sarama.ProducerMessage, 16),
		successes: make(chan *sarama.ProducerMessage),
		errors:    make(chan *sarama.ProducerError),
	}
}

func (s *stalledProducer) Input() chan<- *sarama.ProducerMessage     { return s.input }
func (s *stalledProducer) Successes() <-chan *sarama.ProducerMessage { return s.successes }
func (s *stalledProducer) Errors() <-chan *sarama.ProducerError      { return s.errors }
