package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// SyncEvent is one unit of synchronization work.
type SyncEvent struct {
	ID            string          `json:"id"`
	DedupKey      string          `json:"dedup_key"`
	EntityType    EntityType      `json:"entity_type"`
	SourceType    SourceType      `json:"source_type"`
	SourceID      string          `json:"source_id"`
	ChangeVersion string          `json:"change_version"`
	Priority      Priority        `json:"priority"`
	Payload       json.RawMessage `json:"payload"`
	Status        EventStatus     `json:"status"`
	AttemptCount  int             `json:"attempt_count"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	NextAttemptAt *time.Time      `json:"next_attempt_at"`
	LastError     *string         `json:"last_error"`
	ReplayOf      *string         `json:"replay_of,omitempty"`
	ClaimedBy     *string         `json:"claimed_by,omitempty"`
	ClaimedAt     *time.Time      `json:"claimed_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`

	// ClaimToken identifies the current claim; outcome writes must present it.
	ClaimToken string `json:"-"`
}

// NewEvent is what the ingestion gateway hands to the store.
type NewEvent struct {
	DedupKey      string
	EntityType    EntityType
	SourceType    SourceType
	SourceID      string
	ChangeVersion string
	Payload       json.RawMessage
	ReplayOf      *string
	ReceivedAt    time.Time
}

// InsertResult reports the stored id; Duplicate is true when the dedup key already existed.
type InsertResult struct {
	ID        string
	Duplicate bool
}

// ClaimRequest asks the store for up to Max due events.
// Limits caps how many events of each entity type may be claimed in this call;
// entity types missing from a non-nil map are not claimed at all.
type ClaimRequest struct {
	Max    int
	Now    time.Time
	Owner  string
	Limits map[EntityType]int
}

// Attempt is the log row written for every finished processing attempt.
type Attempt struct {
	EventID    string
	Number     int
	EntityType EntityType
	SourceType SourceType
	Succeeded  bool
	Retryable  bool
	Error      string
	Duration   time.Duration
	FinishedAt time.Time
}

// OutcomeUpdate moves a PROCESSING event to COMPLETED, RETRY or DEAD_LETTER.
type OutcomeUpdate struct {
	ID            string
	ClaimToken    string
	Status        EventStatus
	NextAttemptAt *time.Time
	LastError     *string
	Attempt       Attempt
}

type EventFilter struct {
	Status     *EventStatus
	EntityType *EntityType
	SourceType *SourceType
	Limit      int
}

// Breakdown holds the grouped counts read by the health aggregator.
type Breakdown struct {
	Total      int64
	ByStatus   map[EventStatus]int64
	ByEntity   map[EntityType]int64
	BySource   map[SourceType]int64
	ByPriority map[Priority]int64
}

func (b Breakdown) Backlog() int64 {
	return b.ByStatus[StatusPending] + b.ByStatus[StatusRetry]
}

// AttemptWindow summarizes attempts finished since a point in time.
type AttemptWindow struct {
	Completed     int64
	Failed        int64
	AvgDurationMs float64
}

// EntitySnapshot is the local mirror row for one upstream entity.
type EntitySnapshot struct {
	EntityType EntityType      `json:"entity_type"`
	NaturalKey string          `json:"natural_key"`
	Version    int64           `json:"version"`
	Payload    json.RawMessage `json:"payload"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// DedupKey hashes the identifying parts of a change into a fixed-length key.
func DedupKey(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{'|'})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}
