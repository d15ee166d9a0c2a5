package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"

	"github.com/PratikDhanave/sync-queue-service/internal/errs"
	"github.com/PratikDhanave/sync-queue-service/internal/logging"
	"github.com/PratikDhanave/sync-queue-service/internal/tracing"
)

type FeedConfig struct {
	Brokers  []string `mapstructure:"brokers"`
	Topic    string   `mapstructure:"topic"`
	GroupID  string   `mapstructure:"group_id"`
	Provider string   `mapstructure:"provider"`
}

const minFeedBackoff = 100 * time.Millisecond

// MessageReader is the subset of *kafka.Reader the feed uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Feed consumes change envelopes from a Kafka topic. Offsets are committed
// only after the event is stored or the message is rejected, so a store
// outage replays messages instead of losing them.
type Feed struct {
	reader     MessageReader
	gateway    *Gateway
	provider   string
	maxBackoff time.Duration
}

func NewFeed(cfg FeedConfig, gateway *Gateway) *Feed {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10 << 20,
	})
	return NewFeedWithReader(reader, gateway, cfg.Provider)
}

func NewFeedWithReader(reader MessageReader, gateway *Gateway, provider string) *Feed {
	if provider == "" {
		provider = "kafka"
	}
	return &Feed{reader: reader, gateway: gateway, provider: provider, maxBackoff: 5 * time.Second}
}

// Run blocks until ctx is cancelled. Broker errors are retried with
// backoff; they never stop the feed.
func (f *Feed) Run(ctx context.Context) error {
	defer f.reader.Close()
	ctx = logging.WithAttrs(ctx, slog.String("component", "ingest.feed"), slog.String("provider", f.provider))
	logging.Info(ctx, "change feed started")

	backoff := min(minFeedBackoff, f.maxBackoff)
	for {
		msg, err := f.reader.FetchMessage(ctx)
		if err != nil {
			err = errs.Wrap(err, "fetch message")
		} else {
			err = f.handle(ctx, msg)
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return nil
		}
		if err == nil {
			backoff = min(minFeedBackoff, f.maxBackoff)
			continue
		}

		logging.Warn(ctx, "change feed unavailable; retrying",
			slog.Duration("backoff", backoff),
			slog.Any("err", errs.Loggable(err)),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, f.maxBackoff)
	}
}

func (f *Feed) handle(ctx context.Context, msg kafka.Message) error {
	ctx, span := tracing.Tracer().Start(ctx, "ingest.feed_message")
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.kafka.topic", msg.Topic),
		attribute.Int("messaging.kafka.partition", msg.Partition),
		attribute.Int64("messaging.kafka.offset", msg.Offset),
	)
	ctx = tracing.WithSpan(ctx)

	deliveryID := fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
	backoff := min(minFeedBackoff, f.maxBackoff)
	for {
		_, err := f.gateway.IngestEnvelope(ctx, f.provider, msg.Value, deliveryID)
		var rejected *RejectedError
		if err == nil || errors.As(err, &rejected) {
			break
		}

		logging.Warn(ctx, "store unavailable; retrying message",
			slog.String("delivery_id", deliveryID),
			slog.Duration("backoff", backoff),
			slog.Any("err", errs.Loggable(err)),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, f.maxBackoff)
	}

	return errs.Wrap(f.reader.CommitMessages(ctx, msg), "commit message")
}
