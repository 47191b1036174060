// internal/loadgen/generator.go
package loadgen

import (
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/osamamunirpk/aws-kafka-containers-monitoring/common/kafka"
)

// Generator строит синтетические записи:
//
//	key   = "key-<n>",                 n ∈ [0, keyBound)
//	value = "message-<unix ms>-<m>",   m ∈ [0, valueBound)
type Generator struct {
	rnd        *rand.Rand
	now        func() time.Time
	keyBound   int
	valueBound int
}

// NewGenerator создаёт генератор. src == nil → PCG со случайным seed,
// now == nil → time.Now. Не потокобезопасен.
func NewGenerator(keyBound, valueBound int, src rand.Source, now func() time.Time) *Generator {
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	if now == nil {
		now = time.Now
	}
	return &Generator{
		rnd:        rand.New(src),
		now:        now,
		keyBound:   keyBound,
		valueBound: valueBound,
	}
}

// Next возвращает очередную запись для topic.
func (g *Generator) Next(topic string) kafka.Record {
	key := make([]byte, 0, 8)
	key = append(key, "key-"...)
	key = strconv.AppendInt(key, int64(g.rnd.IntN(g.keyBound)), 10)

	value := make([]byte, 0, 32)
	value = append(value, "message-"...)
	value = strconv.AppendInt(value, g.now().UnixMilli(), 10)
	value = append(value, '-')
	value = strconv.AppendInt(value, int64(g.rnd.IntN(g.valueBound)), 10)

	return kafka.Record{Topic: topic, Key: key, Value: value}
}
