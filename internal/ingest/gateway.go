// Package ingest normalizes inbound changes into sync events and stores them.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/PratikDhanave/sync-queue-service/internal/errs"
	"github.com/PratikDhanave/sync-queue-service/internal/logging"
	"github.com/PratikDhanave/sync-queue-service/internal/metrics"
	"github.com/PratikDhanave/sync-queue-service/internal/models"
	"github.com/PratikDhanave/sync-queue-service/internal/notify"
	"github.com/PratikDhanave/sync-queue-service/internal/webhookauth"
)

var (
	ErrMalformed       = errors.New("malformed event")
	ErrUnknownProvider = errors.New("unknown webhook provider")
	ErrInvalidRequest  = errors.New("invalid trigger request")
)

// Rejection reasons recorded with every refused delivery.
const (
	ReasonUnknownProvider = "unknown_provider"
	ReasonUnauthenticated = "unauthenticated"
	ReasonMalformed       = "malformed"
	ReasonTooLarge        = "too_large"
)

// RejectedError is returned for deliveries refused before persistence.
type RejectedError struct {
	Provider string
	Reason   string
	Err      error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s delivery rejected (%s): %v", e.Provider, e.Reason, e.Err)
}

func (e *RejectedError) Unwrap() error { return e.Err }

// EventStore is the part of the store the gateway writes to.
type EventStore interface {
	Insert(ctx context.Context, ev models.NewEvent) (models.InsertResult, error)
	RecordRejection(ctx context.Context, provider string, reason string, at time.Time) error
	Replay(ctx context.Context, id string, requestID string, now time.Time) (models.InsertResult, error)
}

// Delivery is one raw webhook request.
type Delivery struct {
	Provider   string
	DeliveryID string
	Timestamp  string
	Signature  string
	Body       []byte
}

type Gateway struct {
	store     EventStore
	notifier  notify.Notifier
	secrets   map[string]string
	tolerance time.Duration
	now       func() time.Time
}

type Option func(*Gateway)

// WithSecrets sets the per-provider webhook signing secrets.
func WithSecrets(secrets map[string]string) Option {
	return func(g *Gateway) { g.secrets = secrets }
}

func WithTolerance(d time.Duration) Option {
	return func(g *Gateway) { g.tolerance = d }
}

func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

func NewGateway(store EventStore, notifier notify.Notifier, opts ...Option) *Gateway {
	g := &Gateway{
		store:     store,
		notifier:  notifier,
		secrets:   map[string]string{},
		tolerance: webhookauth.DefaultTolerance,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// IngestWebhook authenticates, normalizes and stores one delivery.
// Redelivery of an already stored change returns the existing id.
func (g *Gateway) IngestWebhook(ctx context.Context, d Delivery) (models.InsertResult, error) {
	ctx = logging.WithAttrs(ctx, slog.String("component", "ingest"), slog.String("provider", d.Provider))
	now := g.now().UTC()

	secret, ok := g.secrets[d.Provider]
	if !ok {
		return models.InsertResult{}, g.reject(ctx, d.Provider, ReasonUnknownProvider, ErrUnknownProvider, now)
	}

	if err := webhookauth.Verify(webhookauth.Input{
		Secret:          secret,
		TimestampHeader: d.Timestamp,
		SignatureHeader: d.Signature,
		Body:            d.Body,
		Now:             now,
		Tolerance:       g.tolerance,
	}); err != nil {
		return models.InsertResult{}, g.reject(ctx, d.Provider, ReasonUnauthenticated, err, now)
	}

	ev, err := Normalize(d.Body, d.DeliveryID, now)
	if err != nil {
		return models.InsertResult{}, g.reject(ctx, d.Provider, ReasonMalformed, err, now)
	}
	return g.insert(ctx, ev)
}

// Reject records a delivery refused before it reached the gateway, such as a
// body that could not be read. The returned error is a *RejectedError.
func (g *Gateway) Reject(ctx context.Context, provider string, reason string, cause error) error {
	ctx = logging.WithAttrs(ctx, slog.String("component", "ingest"), slog.String("provider", provider))
	return g.reject(ctx, provider, reason, cause, g.now().UTC())
}

// IngestEnvelope stores an already authenticated envelope, as read from the change feed.
func (g *Gateway) IngestEnvelope(ctx context.Context, provider string, body []byte, deliveryID string) (models.InsertResult, error) {
	ctx = logging.WithAttrs(ctx, slog.String("component", "ingest"), slog.String("provider", provider))
	now := g.now().UTC()

	ev, err := Normalize(body, deliveryID, now)
	if err != nil {
		return models.InsertResult{}, g.reject(ctx, provider, ReasonMalformed, err, now)
	}
	return g.insert(ctx, ev)
}

// Trigger enqueues a locally requested sync. requestID makes the call idempotent.
func (g *Gateway) Trigger(ctx context.Context, requestID string, req models.TriggerRequest) (models.InsertResult, error) {
	ctx = logging.WithAttrs(ctx, slog.String("component", "ingest"))

	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return models.InsertResult{}, fmt.Errorf("%w: request id is required", ErrInvalidRequest)
	}
	entity, err := models.ParseEntityType(req.EntityType)
	if err != nil {
		return models.InsertResult{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	source := models.SourceManual
	if req.SourceType != "" {
		if source, err = models.ParseSourceType(req.SourceType); err != nil {
			return models.InsertResult{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
	}
	if source == models.SourceExternalSystem {
		return models.InsertResult{}, fmt.Errorf("%w: external_system events arrive through webhooks", ErrInvalidRequest)
	}

	payload := req.Payload
	if len(bytes.TrimSpace(payload)) == 0 || bytes.Equal(bytes.TrimSpace(payload), []byte("null")) {
		payload = json.RawMessage(`{}`)
	}
	if !isObject(payload) {
		return models.InsertResult{}, fmt.Errorf("%w: payload must be a JSON object", ErrInvalidRequest)
	}

	return g.insert(ctx, models.NewEvent{
		DedupKey:      models.DedupKey("trigger", requestID),
		EntityType:    entity,
		SourceType:    source,
		SourceID:      requestID,
		ChangeVersion: requestID,
		Payload:       payload,
		ReceivedAt:    g.now().UTC(),
	})
}

// Replay re-enqueues a dead-lettered event as a new manual event linked to
// the original. Repeating a requestID returns the first replay.
func (g *Gateway) Replay(ctx context.Context, id string, requestID string) (models.InsertResult, error) {
	ctx = logging.WithAttrs(ctx, slog.String("component", "ingest"), slog.String("replay_of", id))

	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return models.InsertResult{}, fmt.Errorf("%w: request id is required", ErrInvalidRequest)
	}

	res, err := g.store.Replay(ctx, id, requestID, g.now().UTC())
	if err != nil {
		return models.InsertResult{}, errs.Wrap(err, "replay sync event")
	}

	logging.Info(ctx, "dead letter replayed", slog.String("event_id", res.ID), slog.Bool("duplicate", res.Duplicate))
	if !res.Duplicate && g.notifier != nil {
		g.notifier.Notify(ctx, "")
	}
	return res, nil
}

// Normalize turns a webhook envelope into a new event. The dedup key covers
// entity type, entity id and version, so the same change always maps to one row.
func Normalize(body []byte, deliveryID string, at time.Time) (models.NewEvent, error) {
	var env models.WebhookEnvelope
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&env); err != nil {
		return models.NewEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	entity, err := models.ParseEntityType(env.EntityType)
	if err != nil {
		return models.NewEvent{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	id := strings.TrimSpace(env.EntityID)
	if id == "" {
		return models.NewEvent{}, fmt.Errorf("%w: entity_id is required", ErrMalformed)
	}

	version := versionString(env.Version)
	if version == "" {
		version = strings.TrimSpace(deliveryID)
	}
	if version == "" {
		return models.NewEvent{}, fmt.Errorf("%w: version or delivery id is required", ErrMalformed)
	}

	if !isObject(env.Data) {
		return models.NewEvent{}, fmt.Errorf("%w: data must be a JSON object", ErrMalformed)
	}

	return models.NewEvent{
		DedupKey:      models.DedupKey(string(entity), id, version),
		EntityType:    entity,
		SourceType:    models.SourceExternalSystem,
		SourceID:      id,
		ChangeVersion: version,
		Payload:       env.Data,
		ReceivedAt:    at,
	}, nil
}

func versionString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func isObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return false
	}
	return json.Valid(raw)
}

func (g *Gateway) insert(ctx context.Context, ev models.NewEvent) (models.InsertResult, error) {
	res, err := g.store.Insert(ctx, ev)
	if err != nil {
		return models.InsertResult{}, errs.Wrap(err, "store sync event")
	}

	result := "created"
	if res.Duplicate {
		result = "duplicate"
	}
	metrics.IngestedEvents.WithLabelValues(string(ev.SourceType), string(ev.EntityType), result).Inc()

	logging.Info(ctx, "sync event ingested",
		slog.String("event_id", res.ID),
		slog.String("entity_type", string(ev.EntityType)),
		slog.String("source_type", string(ev.SourceType)),
		slog.Bool("duplicate", res.Duplicate),
	)

	if !res.Duplicate && g.notifier != nil {
		g.notifier.Notify(ctx, ev.EntityType)
	}
	return res, nil
}

func (g *Gateway) reject(ctx context.Context, provider string, reason string, cause error, at time.Time) error {
	metrics.Rejections.WithLabelValues(provider, reason).Inc()
	if err := g.store.RecordRejection(ctx, provider, reason, at); err != nil {
		logging.Error(ctx, "record rejection failed", slog.Any("err", errs.Loggable(err)))
	}
	logging.Warn(ctx, "delivery rejected", slog.String("reason", reason), slog.String("cause", cause.Error()))
	return &RejectedError{Provider: provider, Reason: reason, Err: cause}
}
