package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/PratikDhanave/sync-queue-service/internal/logging"
	"github.com/PratikDhanave/sync-queue-service/internal/models"
)

var (
	ErrMalformedPayload = errors.New("payload is not valid JSON")
	ErrMissingKey       = errors.New("payload has no natural key")
)

// DefaultKeyPaths lists, per entity type, the gjson paths tried in order to
// find the natural key.
var DefaultKeyPaths = map[models.EntityType][]string{
	models.EntityProduct:         {"sku", "id"},
	models.EntityCustomer:        {"customer_code", "email", "id"},
	models.EntityInvoice:         {"invoice_number", "id"},
	models.EntityBill:            {"bill_number", "id"},
	models.EntityCreditNote:      {"credit_note_number", "id"},
	models.EntityStockAdjustment: {"reference", "id"},
	models.EntityPriceList:       {"code", "id"},
	models.EntityBranch:          {"code", "id"},
	models.EntityUser:            {"email", "id"},
	models.EntityOrder:           {"order_number", "id"},
}

// Target is where upserts land. Implementations must be keyed by
// (entity, key) so a replayed write is harmless.
type Target interface {
	Upsert(ctx context.Context, entity models.EntityType, key string, version int64, payload json.RawMessage) error
}

// UpsertHandler extracts the natural key from the payload and upserts it.
type UpsertHandler struct {
	Entity   models.EntityType
	KeyPaths []string
	// VersionPath is consulted when the event's change version is not numeric.
	VersionPath string
	Target      Target
}

func (h UpsertHandler) Process(ctx context.Context, payload json.RawMessage) error {
	if !gjson.ValidBytes(payload) {
		return Permanent(ErrMalformedPayload)
	}

	paths := h.KeyPaths
	if len(paths) == 0 {
		paths = DefaultKeyPaths[h.Entity]
	}
	key := naturalKey(payload, paths)
	if key == "" && isSweep(ctx) {
		// A keyless scheduled or reconciliation event only marks a sweep window.
		logging.Info(ctx, "sweep marker acknowledged", slog.String("entity_type", string(h.Entity)))
		return nil
	}
	if key == "" {
		return Permanent(fmt.Errorf("%w: tried %s", ErrMissingKey, strings.Join(paths, ", ")))
	}

	return h.Target.Upsert(ctx, h.Entity, key, h.version(ctx, payload), payload)
}

func isSweep(ctx context.Context) bool {
	ev, ok := EventFromContext(ctx)
	return ok && (ev.SourceType == models.SourceReconciliation || ev.SourceType == models.SourceScheduled)
}

func naturalKey(payload []byte, paths []string) string {
	for _, p := range paths {
		if v := gjson.GetBytes(payload, p); v.Exists() {
			if s := strings.TrimSpace(v.String()); s != "" {
				return s
			}
		}
	}
	return ""
}

// version orders changes to one entity. A numeric change version wins, then
// the payload's version field, then a timestamp change version, and finally
// the event's creation time so distinct changes never collapse to zero.
func (h UpsertHandler) version(ctx context.Context, payload []byte) int64 {
	ev, ok := EventFromContext(ctx)
	if ok {
		if v, err := strconv.ParseInt(ev.ChangeVersion, 10, 64); err == nil {
			return v
		}
	}
	path := h.VersionPath
	if path == "" {
		path = "version"
	}
	if v := gjson.GetBytes(payload, path); v.Exists() && v.Int() != 0 {
		return v.Int()
	}
	if !ok {
		return 0
	}
	if at, err := time.Parse(time.RFC3339Nano, ev.ChangeVersion); err == nil {
		return at.UnixNano()
	}
	if !ev.CreatedAt.IsZero() {
		return ev.CreatedAt.UnixNano()
	}
	return 0
}

// EntityWriter is the store capability StoreTarget needs.
type EntityWriter interface {
	UpsertEntity(ctx context.Context, snap models.EntitySnapshot) (bool, error)
}

// StoreTarget mirrors entities into the local snapshot table.
type StoreTarget struct {
	Store EntityWriter
	Now   func() time.Time
}

func (t StoreTarget) Upsert(ctx context.Context, entity models.EntityType, key string, version int64, payload json.RawMessage) error {
	now := time.Now
	if t.Now != nil {
		now = t.Now
	}

	applied, err := t.Store.UpsertEntity(ctx, models.EntitySnapshot{
		EntityType: entity,
		NaturalKey: key,
		Version:    version,
		Payload:    payload,
		UpdatedAt:  now().UTC(),
	})
	if err != nil {
		return err
	}
	if !applied {
		logging.Debug(ctx, "stale entity version ignored",
			slog.String("entity_type", string(entity)),
			slog.String("natural_key", key),
			slog.Int64("version", version),
		)
	}
	return nil
}
