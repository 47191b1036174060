// common/kafka/interface.go
//
// Пакет kafka задаёт минимальные контракты обмена сообщениями, не тянет
// за собой Sarama и никак не зависит от конкретной реализации.
package kafka

import (
	"context"
	"errors"
	"time"
)

// ErrClosed возвращается при обращении к уже закрытому клиенту.
var ErrClosed = errors.New("kafka: client closed")

// Record — исходящая запись: ключ и значение, адресованные одному топику.
type Record struct {
	Topic string
	Key   []byte
	Value []byte
}

// Size — объём записи в байтах, учитываемый буфером отправки.
func (r Record) Size() int64 { return int64(len(r.Key) + len(r.Value)) }

// Delivery — итог асинхронной отправки одной записи.
// Err == nil → брокер подтвердил запись согласно политике acks.
type Delivery struct {
	Record    Record
	Partition int32
	Offset    int64
	Err       error
}

// Message представляет запись, полученную из Kafka.
type Message struct {
	Key       []byte    // ключ сообщения (может быть nil)
	Value     []byte    // полезная нагрузка
	Topic     string    // имя топика
	Partition int32     // раздел
	Offset    int64     // смещение
	Timestamp time.Time // время записи на брокере
}

// Producer асинхронно публикует записи.
type Producer interface {
	// Send ставит запись в очередь клиента и сразу возвращает канал,
	// в который ровно один раз придёт Delivery. Ошибка возвращается,
	// только если запись не удалось поставить в очередь.
	Send(ctx context.Context, rec Record) (<-chan Delivery, error)
	// Ping проверяет достижимость кластера (обновление метаданных).
	Ping(ctx context.Context) error
	// Close дожидается подтверждения всех записей в очереди и освобождает
	// соединение. Повторные вызовы ничего не делают.
	Close() error
}

// Poller читает топики в составе consumer group.
//
//	Subscribe(ctx, topics) вызывается один раз до первого Poll.
//	Poll(ctx, timeout) блокирует не дольше timeout и возвращает
//	0..N сообщений; возвращённые сообщения считаются обработанными
//	и попадают в ближайший автокоммит (at-least-once).
type Poller interface {
	Subscribe(ctx context.Context, topics []string) error
	Poll(ctx context.Context, timeout time.Duration) ([]*Message, error)
	Ping(ctx context.Context) error
	Close() error
}
