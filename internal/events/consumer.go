package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/Simplici0/printworks/internal/domain"
)

// Signal types accepted on the production-signals topic.
const (
	PaymentCaptured = "payment.captured"
	PaymentFailed   = "payment.failed"
	RefundConfirmed = "refund.confirmed"
	JobStarted      = "job.started"
	JobCompleted    = "job.completed"
)

type Signal struct {
	Type      string `json:"type"`
	OrderID   string `json:"orderId,omitempty"`
	PrinterID string `json:"printerId,omitempty"`
	Reference string `json:"reference,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Handler applies signals to the engine.
type Handler interface {
	ConfirmPayment(ctx context.Context, id, reference string) (domain.Order, error)
	FailPayment(ctx context.Context, id, reason string) (domain.Order, error)
	ConfirmRefund(ctx context.Context, id, reference string) (domain.Order, error)
	JobStarted(ctx context.Context, printerID string) error
	JobCompleted(ctx context.Context, printerID string) error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  time.Second,
	})
}

type Consumer struct {
	reader  messageReader
	handler Handler
	log     zerolog.Logger
	retries int
	backoff time.Duration
}

func NewConsumer(r messageReader, h Handler, logger zerolog.Logger) *Consumer {
	return &Consumer{
		reader:  r,
		handler: h,
		log:     logger.With().Str("component", "signal_consumer").Logger(),
		retries: 3,
		backoff: 500 * time.Millisecond,
	}
}

// Run consumes signals until ctx is done. A message is committed once it is
// applied or rejected by the engine; transient failures are retried first.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error().Err(err).Msg("fetch signal")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.backoff):
			}
			continue
		}

		c.process(ctx, msg)
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.log.Error().Err(err).Int64("offset", msg.Offset).Msg("commit signal")
		}
	}
}

func (c *Consumer) process(ctx context.Context, msg kafka.Message) {
	for attempt := 1; ; attempt++ {
		err := c.handle(ctx, msg)
		if err == nil {
			return
		}
		if rejected(err) || attempt >= c.retries || ctx.Err() != nil {
			c.log.Error().Err(err).
				Str("key", string(msg.Key)).
				Int64("offset", msg.Offset).
				Int("attempt", attempt).
				Msg("signal not applied")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.backoff * time.Duration(attempt)):
		}
	}
}

// rejected reports errors that a retry cannot fix.
func rejected(err error) bool {
	return errors.Is(err, domain.ErrInvalidInput) ||
		errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrIllegalTransition)
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	var sig Signal
	if err := json.Unmarshal(msg.Value, &sig); err != nil {
		return fmt.Errorf("%w: decode signal: %v", domain.ErrInvalidInput, err)
	}

	var err error
	switch sig.Type {
	case PaymentCaptured:
		_, err = c.handler.ConfirmPayment(ctx, sig.OrderID, sig.Reference)
	case PaymentFailed:
		_, err = c.handler.FailPayment(ctx, sig.OrderID, sig.Reason)
	case RefundConfirmed:
		_, err = c.handler.ConfirmRefund(ctx, sig.OrderID, sig.Reference)
	case JobStarted:
		err = c.handler.JobStarted(ctx, sig.PrinterID)
	case JobCompleted:
		err = c.handler.JobCompleted(ctx, sig.PrinterID)
	default:
		return fmt.Errorf("%w: unknown signal type %q", domain.ErrInvalidInput, sig.Type)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", sig.Type, err)
	}
	c.log.Info().Str("type", sig.Type).Str("order_id", sig.OrderID).Str("printer_id", sig.PrinterID).Msg("signal applied")
	return nil
}
