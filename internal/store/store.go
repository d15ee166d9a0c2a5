package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/PratikDhanave/sync-queue-service/internal/models"
)

var (
	ErrNotFound          = errors.New("sync event not found")
	ErrClaimLost         = errors.New("claim no longer held")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotDeadLettered   = errors.New("sync event is not dead-lettered")
)

// ManualPriorityBoost moves manual events ahead of others created up to this much earlier.
const ManualPriorityBoost = time.Minute

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Store is the durable record of sync events and their lifecycle.
// Every status change goes through Insert, ClaimBatch, UpdateOutcome or Replay.
type Store interface {
	Insert(ctx context.Context, ev models.NewEvent) (models.InsertResult, error)
	ClaimBatch(ctx context.Context, req models.ClaimRequest) ([]models.SyncEvent, error)
	UpdateOutcome(ctx context.Context, u models.OutcomeUpdate) error
	ListStale(ctx context.Context, claimedBefore time.Time, limit int) ([]models.SyncEvent, error)
	Replay(ctx context.Context, id string, requestID string, now time.Time) (models.InsertResult, error)

	Get(ctx context.Context, id string) (models.SyncEvent, error)
	List(ctx context.Context, filter models.EventFilter) ([]models.SyncEvent, error)
	Breakdown(ctx context.Context) (models.Breakdown, error)
	OldestPending(ctx context.Context) (*models.SyncEvent, error)
	AttemptWindow(ctx context.Context, since time.Time, source *models.SourceType) (models.AttemptWindow, error)

	RecordRejection(ctx context.Context, provider string, reason string, at time.Time) error
	// Rejections counts rejections received at or after since; a zero since counts all.
	Rejections(ctx context.Context, since time.Time) (int64, error)

	UpsertEntity(ctx context.Context, snap models.EntitySnapshot) (bool, error)
	Snapshot(ctx context.Context, entity models.EntityType, key string) (models.EntitySnapshot, error)

	Ping(ctx context.Context) error
	Close() error
}

type candidate struct {
	ID         string
	EntityType models.EntityType
}

// selectFair walks candidates in claim order and keeps at most max of them,
// skipping entity types whose limit is used up.
func selectFair(cands []candidate, max int, limits map[models.EntityType]int) []string {
	picked := make([]string, 0, max)
	taken := make(map[models.EntityType]int)
	for _, c := range cands {
		if len(picked) >= max {
			break
		}
		if limits != nil && taken[c.EntityType] >= limits[c.EntityType] {
			continue
		}
		taken[c.EntityType]++
		picked = append(picked, c.ID)
	}
	return picked
}

// claimableTypes lists entity types with room left, sorted, alongside their limits.
// Types at or below zero are left out so their backlog is never scanned.
func claimableTypes(limits map[models.EntityType]int) ([]string, []int32) {
	types := make([]string, 0, len(limits))
	for entity, n := range limits {
		if n > 0 {
			types = append(types, string(entity))
		}
	}
	sort.Strings(types)
	caps := make([]int32, len(types))
	for i, entity := range types {
		caps[i] = int32(limits[models.EntityType(entity)])
	}
	return types, caps
}

func sortAt(at time.Time, src models.SourceType) time.Time {
	if src == models.SourceManual {
		at = at.Add(-ManualPriorityBoost)
	}
	return at.UTC()
}

func validateOutcome(u models.OutcomeUpdate) error {
	switch u.Status {
	case models.StatusCompleted, models.StatusDeadLetter:
		if u.NextAttemptAt != nil {
			return ErrInvalidTransition
		}
	case models.StatusRetry:
		if u.NextAttemptAt == nil {
			return ErrInvalidTransition
		}
	default:
		return ErrInvalidTransition
	}
	if u.ID == "" || u.ClaimToken == "" {
		return ErrClaimLost
	}
	return nil
}

func replayEvent(orig models.SyncEvent, requestID string, now time.Time) models.NewEvent {
	id := orig.ID
	return models.NewEvent{
		DedupKey:      models.DedupKey("replay", orig.ID, requestID),
		EntityType:    orig.EntityType,
		SourceType:    models.SourceManual,
		SourceID:      orig.SourceID,
		ChangeVersion: orig.ChangeVersion,
		Payload:       orig.Payload,
		ReplayOf:      &id,
		ReceivedAt:    now,
	}
}

func listLimit(n int) int {
	switch {
	case n <= 0:
		return defaultListLimit
	case n > maxListLimit:
		return maxListLimit
	default:
		return n
	}
}

func payloadOrEmpty(p []byte) []byte {
	if len(p) == 0 {
		return []byte("{}")
	}
	return p
}

func newToken() string {
	return uuid.NewString()
}

func emptyBreakdown() models.Breakdown {
	return models.Breakdown{
		ByStatus:   make(map[models.EventStatus]int64),
		ByEntity:   make(map[models.EntityType]int64),
		BySource:   make(map[models.SourceType]int64),
		ByPriority: make(map[models.Priority]int64),
	}
}

func (g groupCount) addTo(b *models.Breakdown) {
	b.Total += g.N
	b.ByStatus[models.EventStatus(g.Status)] += g.N
	b.ByEntity[models.EntityType(g.EntityType)] += g.N
	b.BySource[models.SourceType(g.SourceType)] += g.N
	b.ByPriority[models.Priority(g.Priority)] += g.N
}

type groupCount struct {
	Status     string
	EntityType string
	SourceType string
	Priority   string
	N          int64
}

// orderByIDs returns events in the order their ids were picked.
func orderByIDs(events []models.SyncEvent, ids []string) []models.SyncEvent {
	byID := make(map[string]models.SyncEvent, len(events))
	for _, ev := range events {
		byID[ev.ID] = ev
	}
	out := make([]models.SyncEvent, 0, len(ids))
	for _, id := range ids {
		if ev, ok := byID[id]; ok {
			out = append(out, ev)
		}
	}
	return out
}

func normalizeTimes(ev *models.SyncEvent) {
	ev.CreatedAt = ev.CreatedAt.UTC()
	ev.UpdatedAt = ev.UpdatedAt.UTC()
	for _, t := range []*time.Time{ev.NextAttemptAt, ev.ClaimedAt, ev.CompletedAt} {
		if t != nil {
			*t = t.UTC()
		}
	}
}
