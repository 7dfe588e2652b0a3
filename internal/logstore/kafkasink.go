package logstore

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// KafkaSink publishes log entries onto a Kafka topic for external
// audit/aggregation pipelines. It registers itself as a Store listener.
type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafkaSink builds a sink writing to topic across brokers and attaches
// it to store.
func NewKafkaSink(store *Store, brokers []string, topic string) *KafkaSink {
	w := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
		Async:    true,
	}
	sink := &KafkaSink{writer: w}
	store.AddListener(sink.handle)
	return sink
}

type wireEntry struct {
	ID         int64  `json:"id"`
	Timestamp  string `json:"timestamp"`
	ServerName string `json:"serverName"`
	Level      string `json:"level"`
	Message    string `json:"message"`
	Error      string `json:"error,omitempty"`
}

func (k *KafkaSink) handle(e Entry) {
	we := wireEntry{
		ID:         e.ID,
		Timestamp:  e.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
		ServerName: e.ServerName,
		Level:      string(e.Level),
		Message:    e.Message,
	}
	if e.Err != nil {
		we.Error = e.Err.Error()
	}
	b, err := json.Marshal(we)
	if err != nil {
		return
	}
	if err := k.writer.WriteMessages(context.Background(), kafka.Message{Value: b}); err != nil {
		log.Warn().Err(err).Msg("kafka log sink: write failed")
	}
}

// Close flushes and closes the underlying Kafka writer.
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
