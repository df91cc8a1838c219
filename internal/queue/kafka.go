package queue

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaQueue publishes to and consumes from a single topic. Message.Type is
// carried as the Kafka key.
type KafkaQueue struct {
	writer  *kafka.Writer
	reader  messageReader
	backoff time.Duration
	log     *zap.Logger
}

// messageReader is the consuming half of *kafka.Reader.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// NewKafkaQueue builds a queue; groupID may be empty for publish-only use.
func NewKafkaQueue(brokers []string, topic, groupID string, log *zap.Logger) *KafkaQueue {
	if log == nil {
		log = zap.NewNop()
	}
	q := &KafkaQueue{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			MaxAttempts:  3,
			BatchTimeout: 10 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
		},
		backoff: time.Second,
		log:     log,
	}
	if groupID != "" {
		q.reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1,
			MaxBytes: 1 << 20,
			MaxWait:  time.Second,
		})
	}
	return q
}

func (q *KafkaQueue) Publish(ctx context.Context, msg Message) error {
	return q.writer.WriteMessages(ctx, kafka.Message{Key: []byte(msg.Type), Value: msg.Body})
}

func (q *KafkaQueue) Consume(ctx context.Context) (<-chan Message, error) {
	if q.reader == nil {
		return nil, errors.New("kafka queue has no consumer group")
	}
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			m, err := q.reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				q.log.Warn("kafka read failed", zap.Error(err))
				select {
				case <-time.After(q.backoff):
				case <-ctx.Done():
					return
				}
				continue
			}
			select {
			case out <- Message{Type: string(m.Key), Body: m.Value}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close flushes the writer and leaves the consumer group.
func (q *KafkaQueue) Close() error {
	err := q.writer.Close()
	if q.reader != nil {
		if rerr := q.reader.Close(); err == nil {
			err = rerr
		}
	}
	return err
}
