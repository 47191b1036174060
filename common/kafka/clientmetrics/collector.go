// common/kafka/clientmetrics/collector.go
package clientmetrics

import (
	"regexp"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	gometrics "github.com/rcrowley/go-metrics"
)

// Collector отдаёт в Prometheus внутренние метрики клиента Sarama,
// которые тот ведёт в реестре go-metrics (скорости запросов, размеры
// батчей, задержки по брокерам и топикам).
//
// Набор метрик заранее неизвестен, поэтому коллектор «unchecked»:
// Describe ничего не отправляет.
type Collector struct {
	registry  gometrics.Registry
	namespace string
	constLbl  prometheus.Labels
}

// New создаёт коллектор поверх registry. clientID становится
// постоянным лейблом client_id.
func New(registry gometrics.Registry, namespace, clientID string) *Collector {
	if namespace == "" {
		namespace = "sarama"
	}
	return &Collector{
		registry:  registry,
		namespace: namespace,
		constLbl:  prometheus.Labels{"client_id": clientID},
	}
}

var _ prometheus.Collector = (*Collector)(nil)

// Describe реализует prometheus.Collector.
func (c *Collector) Describe(chan<- *prometheus.Desc) {}

// Collect реализует prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.registry.Each(func(name string, metric interface{}) {
		base, labels, values := scope(name)
		emit := func(suffix string, vt prometheus.ValueType, v float64) {
			fq := prometheus.BuildFQName(c.namespace, "", base+suffix)
			desc := prometheus.NewDesc(fq, "Sarama client metric "+strings.TrimPrefix(fq, c.namespace+"_"), labels, c.constLbl)
			m, err := prometheus.NewConstMetric(desc, vt, v, values...)
			if err != nil {
				return
			}
			ch <- m
		}

		switch m := metric.(type) {
		case gometrics.Meter:
			s := m.Snapshot()
			emit("", prometheus.GaugeValue, s.Rate1())
			emit("_count", prometheus.CounterValue, float64(s.Count()))
		case gometrics.Histogram:
			s := m.Snapshot()
			emit("_mean", prometheus.GaugeValue, s.Mean())
			emit("_p99", prometheus.GaugeValue, s.Percentile(0.99))
		case gometrics.Timer:
			s := m.Snapshot()
			emit("_mean", prometheus.GaugeValue, s.Mean())
			emit("_rate", prometheus.GaugeValue, s.Rate1())
		case gometrics.Counter:
			emit("", prometheus.GaugeValue, float64(m.Count()))
		case gometrics.Gauge:
			emit("", prometheus.GaugeValue, float64(m.Value()))
		case gometrics.GaugeFloat64:
			emit("", prometheus.GaugeValue, m.Value())
		}
	})
}

var invalidChars = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// scope разбирает суффиксы Sarama "-for-broker-<id>" и "-for-topic-<name>"
// в лейблы. Метрики со скоупом получают отдельное имя (_by_broker,
// _by_topic), чтобы у одного имени всегда был один набор лейблов.
func scope(name string) (base string, labels, values []string) {
	for _, s := range []struct{ marker, label string }{
		{"-for-broker-", "broker"},
		{"-for-topic-", "topic"},
	} {
		if i := strings.Index(name, s.marker); i >= 0 {
			return sanitize(name[:i]) + "_by_" + s.label, []string{s.label}, []string{name[i+len(s.marker):]}
		}
	}
	return sanitize(name), nil, nil
}

func sanitize(name string) string {
	return invalidChars.ReplaceAllString(name, "_")
}
