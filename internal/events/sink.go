// Package events connects the engine to Kafka: order updates go out on the
// production-events topic and payment and production-floor signals come in
// on the production-signals topic.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/Simplici0/printworks/internal/domain"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewWriter returns a writer that keys partitions by order id, so updates of
// one order stay in order.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
}

// Sink publishes order updates to Kafka from a background loop so the
// order manager never waits on the broker.
type Sink struct {
	writer messageWriter
	log    zerolog.Logger
	ch     chan domain.OrderUpdate
	batch  int
}

func NewSink(w messageWriter, logger zerolog.Logger, buffer int) *Sink {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Sink{
		writer: w,
		log:    logger.With().Str("component", "event_sink").Logger(),
		ch:     make(chan domain.OrderUpdate, buffer),
		batch:  100,
	}
}

// Publish queues an update. When the buffer is full the update is dropped
// and logged; subscribers that need every event read the order record.
func (s *Sink) Publish(u domain.OrderUpdate) {
	select {
	case s.ch <- u:
	default:
		s.log.Warn().Str("order_id", u.OrderID).Str("type", string(u.Kind)).Msg("event buffer full, dropping update")
	}
}

// Run writes queued updates until ctx is done, then flushes what is left.
func (s *Sink) Run(ctx context.Context) error {
	defer s.writer.Close()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.write(flushCtx, s.drain(nil))
			cancel()
			return nil
		case u := <-s.ch:
			s.write(ctx, s.drain([]domain.OrderUpdate{u}))
		}
	}
}

// drain takes whatever is already buffered, up to one batch.
func (s *Sink) drain(batch []domain.OrderUpdate) []domain.OrderUpdate {
	for len(batch) < s.batch {
		select {
		case u := <-s.ch:
			batch = append(batch, u)
		default:
			return batch
		}
	}
	return batch
}

func (s *Sink) write(ctx context.Context, batch []domain.OrderUpdate) {
	if len(batch) == 0 {
		return
	}
	msgs := make([]kafka.Message, 0, len(batch))
	for _, u := range batch {
		msg, err := encodeUpdate(u)
		if err != nil {
			s.log.Error().Err(err).Str("order_id", u.OrderID).Msg("encode update")
			continue
		}
		msgs = append(msgs, msg)
	}
	if err := s.writer.WriteMessages(ctx, msgs...); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error().Err(err).Int("messages", len(msgs)).Msg("publish production events")
	}
}

func encodeUpdate(u domain.OrderUpdate) (kafka.Message, error) {
	value, err := json.Marshal(u)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:     []byte(u.OrderID),
		Value:   value,
		Headers: []kafka.Header{{Key: "type", Value: []byte(u.Kind)}},
		Time:    u.At,
	}, nil
}
