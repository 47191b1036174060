// internal/metrics/metrics.go
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// RecordsEnqueued — записи, принятые клиентом на отправку.
	RecordsEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dashboard",
		Subsystem: "producer",
		Name:      "records_enqueued_total",
		Help:      "Records handed to the Kafka client for delivery",
	})

	// RecordsDelivered — записи, подтверждённые брокером.
	RecordsDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dashboard",
		Subsystem: "producer",
		Name:      "records_delivered_total",
		Help:      "Records acknowledged by the broker",
	})

	// RecordsFailed — записи, доставка которых завершилась ошибкой.
	RecordsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dashboard",
		Subsystem: "producer",
		Name:      "records_failed_total",
		Help:      "Records whose delivery failed after client retries",
	})

	// Batches — завершённые циклы отправки.
	Batches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dashboard",
		Subsystem: "producer",
		Name:      "batches_total",
		Help:      "Completed send cycles",
	})

	// Polls — завершённые вызовы Poll.
	Polls = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dashboard",
		Subsystem: "consumer",
		Name:      "polls_total",
		Help:      "Completed poll cycles",
	})

	// RecordsConsumed — полученные записи.
	RecordsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dashboard",
		Subsystem: "consumer",
		Name:      "records_consumed_total",
		Help:      "Records returned by poll",
	})

	// PollBatchSize — распределение числа записей за один Poll.
	PollBatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dashboard",
		Subsystem: "consumer",
		Name:      "poll_batch_size",
		Help:      "Records returned per poll",
		Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250, 500},
	})
)

// Register регистрирует все метрики в заданном реестре.
// Можно вызвать без аргументов, чтобы зарегистрировать в DefaultRegisterer.
func Register(registerers ...prometheus.Registerer) {
	once.Do(func() {
		var reg prometheus.Registerer
		if len(registerers) > 0 && registerers[0] != nil {
			reg = registerers[0]
		} else {
			reg = prometheus.DefaultRegisterer
		}
		reg.MustRegister(
			RecordsEnqueued,
			RecordsDelivered,
			RecordsFailed,
			Batches,
			Polls,
			RecordsConsumed,
			PollBatchSize,
		)
	})
}
