package store

import (
	"context"
	"errors"
	"strings"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/PratikDhanave/sync-queue-service/internal/errs"
	"github.com/PratikDhanave/sync-queue-service/internal/models"
)

// Timestamps are stored as unix nanoseconds so ordering and range
// comparisons stay numeric.

type eventRow struct {
	ID            string  `gorm:"column:id;primaryKey;type:text"`
	DedupKey      string  `gorm:"column:dedup_key;type:text;not null;uniqueIndex"`
	EntityType    string  `gorm:"column:entity_type;type:text;not null"`
	SourceType    string  `gorm:"column:source_type;type:text;not null"`
	SourceID      string  `gorm:"column:source_id;type:text;not null"`
	ChangeVersion string  `gorm:"column:change_version;type:text;not null"`
	Priority      string  `gorm:"column:priority;type:text;not null"`
	Payload       string  `gorm:"column:payload;type:text;not null"`
	Status        string  `gorm:"column:status;type:text;not null;index:idx_sync_events_claim,priority:1"`
	AttemptCount  int     `gorm:"column:attempt_count;not null"`
	CreatedNs     int64   `gorm:"column:created_at;not null;index"`
	UpdatedNs     int64   `gorm:"column:updated_at;not null"`
	NextAttemptNs *int64  `gorm:"column:next_attempt_at"`
	SortNs        int64   `gorm:"column:sort_at;not null;index:idx_sync_events_claim,priority:2"`
	LastError     *string `gorm:"column:last_error;type:text"`
	ReplayOf      *string `gorm:"column:replay_of;type:text"`
	ClaimToken    *string `gorm:"column:claim_token;type:text;index"`
	ClaimedBy     *string `gorm:"column:claimed_by;type:text"`
	ClaimedNs     *int64  `gorm:"column:claimed_at"`
	CompletedNs   *int64  `gorm:"column:completed_at"`
}

func (eventRow) TableName() string {
	return "sync_events"
}

type attemptRow struct {
	ID         uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	EventID    string `gorm:"column:event_id;type:text;not null;index"`
	Attempt    int    `gorm:"column:attempt;not null"`
	EntityType string `gorm:"column:entity_type;type:text;not null"`
	SourceType string `gorm:"column:source_type;type:text;not null"`
	Succeeded  bool   `gorm:"column:succeeded;not null"`
	Retryable  bool   `gorm:"column:retryable;not null"`
	Error      string `gorm:"column:error;type:text;not null"`
	DurationMs int64  `gorm:"column:duration_ms;not null"`
	FinishedNs int64  `gorm:"column:finished_at;not null;index"`
}

func (attemptRow) TableName() string {
	return "sync_attempts"
}

type rejectionRow struct {
	ID         uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	Provider   string `gorm:"column:provider;type:text;not null"`
	Reason     string `gorm:"column:reason;type:text;not null"`
	ReceivedNs int64  `gorm:"column:received_at;not null;index"`
}

func (rejectionRow) TableName() string {
	return "webhook_rejections"
}

type snapshotRow struct {
	EntityType string `gorm:"column:entity_type;type:text;primaryKey"`
	NaturalKey string `gorm:"column:natural_key;type:text;primaryKey"`
	Version    int64  `gorm:"column:version;not null"`
	Payload    string `gorm:"column:payload;type:text;not null"`
	UpdatedNs  int64  `gorm:"column:updated_at;not null"`
}

func (snapshotRow) TableName() string {
	return "entity_snapshots"
}

// SQLite is the single-node event store. One open connection serializes every
// write, which is what makes its claims exclusive.
type SQLite struct {
	db *gorm.DB
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens dsn through gorm and prepares the connection.
func OpenSQLite(ctx context.Context, dsn string) (*SQLite, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}

	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, errs.Wrap(errs.Trace(err), "open sqlite db")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errs.Wrap(err, "get sqlite handle")
	}
	sqlDB.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA foreign_keys = ON"} {
		if err := db.WithContext(ctx).Exec(pragma).Error; err != nil {
			_ = sqlDB.Close()
			return nil, errs.Wrapf(errs.Trace(err), "apply %q", pragma)
		}
	}

	return &SQLite{db: db}, nil
}

// EnsureSchema migrates the tables. Safe to run multiple times.
func (s *SQLite) EnsureSchema(ctx context.Context) error {
	err := s.db.WithContext(ctx).AutoMigrate(&eventRow{}, &attemptRow{}, &rejectionRow{}, &snapshotRow{})
	return errs.Wrap(err, "auto migrate")
}

func (s *SQLite) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errs.Wrap(err, "get sqlite handle")
	}
	return sqlDB.PingContext(ctx)
}

func (s *SQLite) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errs.Wrap(err, "get sqlite handle")
	}
	return sqlDB.Close()
}

func (s *SQLite) conn(ctx context.Context) (*gorm.DB, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap(err, "check context")
	}
	return s.db.WithContext(ctx), nil
}

func (s *SQLite) Insert(ctx context.Context, ev models.NewEvent) (models.InsertResult, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return models.InsertResult{}, err
	}
	return insertGorm(db, ev)
}

func insertGorm(db *gorm.DB, ev models.NewEvent) (models.InsertResult, error) {
	if ev.DedupKey == "" {
		return models.InsertResult{}, errors.New("dedup key is required")
	}

	at := ev.ReceivedAt.UTC()
	if ev.ReceivedAt.IsZero() {
		at = time.Now().UTC()
	}

	row := eventRow{
		ID:            uuid.NewString(),
		DedupKey:      ev.DedupKey,
		EntityType:    string(ev.EntityType),
		SourceType:    string(ev.SourceType),
		SourceID:      ev.SourceID,
		ChangeVersion: ev.ChangeVersion,
		Priority:      string(models.PriorityFor(ev.SourceType)),
		Payload:       string(payloadOrEmpty(ev.Payload)),
		Status:        string(models.StatusPending),
		CreatedNs:     at.UnixNano(),
		UpdatedNs:     at.UnixNano(),
		SortNs:        sortAt(at, ev.SourceType).UnixNano(),
		ReplayOf:      ev.ReplayOf,
	}

	res := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "dedup_key"}},
		DoNothing: true,
	}).Create(&row)
	if res.Error != nil {
		return models.InsertResult{}, errs.Wrap(res.Error, "insert sync event")
	}
	if res.RowsAffected > 0 {
		return models.InsertResult{ID: row.ID}, nil
	}

	var existing eventRow
	if err := db.Select("id").Where("dedup_key = ?", ev.DedupKey).Take(&existing).Error; err != nil {
		return models.InsertResult{}, errs.Wrap(err, "lookup duplicate sync event")
	}
	return models.InsertResult{ID: existing.ID, Duplicate: true}, nil
}

func (s *SQLite) ClaimBatch(ctx context.Context, req models.ClaimRequest) ([]models.SyncEvent, error) {
	if req.Max <= 0 {
		return nil, nil
	}
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	now := req.Now.UTC()
	if req.Now.IsZero() {
		now = time.Now().UTC()
	}

	var claimed []models.SyncEvent
	err = db.Transaction(func(tx *gorm.DB) error {
		rows, err := claimCandidates(tx, req, now)
		if err != nil {
			return errs.Wrap(err, "select claim candidates")
		}

		cands := make([]candidate, 0, len(rows))
		for _, r := range rows {
			cands = append(cands, candidate{ID: r.ID, EntityType: models.EntityType(r.EntityType)})
		}
		ids := selectFair(cands, req.Max, req.Limits)
		if len(ids) == 0 {
			return nil
		}

		token := newToken()
		owner := req.Owner
		if err := tx.Model(&eventRow{}).
			Where("id IN ? AND status IN ?", ids, []string{string(models.StatusPending), string(models.StatusRetry)}).
			Updates(map[string]any{
				"status":          string(models.StatusProcessing),
				"attempt_count":   gorm.Expr("attempt_count + 1"),
				"next_attempt_at": nil,
				"claim_token":     token,
				"claimed_by":      owner,
				"claimed_at":      now.UnixNano(),
				"updated_at":      now.UnixNano(),
			}).Error; err != nil {
			return errs.Wrap(err, "mark claimed")
		}

		var got []eventRow
		if err := tx.Where("claim_token = ?", token).Find(&got).Error; err != nil {
			return errs.Wrap(err, "reload claimed")
		}
		claimed = orderByIDs(rowsToEvents(got), ids)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// claimCandidates returns due rows in claim order. With limits set, rows are
// ranked per entity type and only the first limit of each type is considered.
func claimCandidates(tx *gorm.DB, req models.ClaimRequest, now time.Time) ([]eventRow, error) {
	var rows []eventRow
	due := []any{models.StatusPending, models.StatusRetry, now.UnixNano()}
	if req.Limits == nil {
		err := tx.Select("id", "entity_type").
			Where("status = ? OR (status = ? AND next_attempt_at <= ?)", due...).
			Order("sort_at asc, id asc").
			Limit(req.Max).
			Find(&rows).Error
		return rows, err
	}

	types, caps := claimableTypes(req.Limits)
	if len(types) == 0 {
		return nil, nil
	}
	conds := make([]string, len(types))
	args := append([]any{}, due...)
	for i := range types {
		conds[i] = "(entity_type = ? AND rn <= ?)"
		args = append(args, types[i], caps[i])
	}
	args = append(args, req.Max)
	err := tx.Raw(`
		SELECT id, entity_type FROM (
			SELECT id, entity_type, sort_at,
			       ROW_NUMBER() OVER (PARTITION BY entity_type ORDER BY sort_at, id) AS rn
			FROM sync_events
			WHERE status = ? OR (status = ? AND next_attempt_at <= ?)
		) ranked
		WHERE `+strings.Join(conds, " OR ")+`
		ORDER BY sort_at, id
		LIMIT ?`, args...).Scan(&rows).Error
	return rows, err
}

func (s *SQLite) UpdateOutcome(ctx context.Context, u models.OutcomeUpdate) error {
	if err := validateOutcome(u); err != nil {
		return err
	}
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}

	at := u.Attempt.FinishedAt.UTC()
	if u.Attempt.FinishedAt.IsZero() {
		at = time.Now().UTC()
	}

	updates := map[string]any{
		"status":          string(u.Status),
		"next_attempt_at": nil,
		"claim_token":     nil,
		"updated_at":      at.UnixNano(),
	}
	if u.LastError != nil {
		updates["last_error"] = *u.LastError
	}
	switch u.Status {
	case models.StatusRetry:
		updates["next_attempt_at"] = u.NextAttemptAt.UnixNano()
		updates["sort_at"] = sortAt(*u.NextAttemptAt, u.Attempt.SourceType).UnixNano()
	case models.StatusCompleted:
		updates["completed_at"] = at.UnixNano()
	}

	return db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&eventRow{}).
			Where("id = ? AND status = ? AND claim_token = ?", u.ID, models.StatusProcessing, u.ClaimToken).
			Updates(updates)
		if res.Error != nil {
			return errs.Wrap(res.Error, "update outcome")
		}
		if res.RowsAffected == 0 {
			return ErrClaimLost
		}

		a := u.Attempt
		row := attemptRow{
			EventID:    u.ID,
			Attempt:    a.Number,
			EntityType: string(a.EntityType),
			SourceType: string(a.SourceType),
			Succeeded:  a.Succeeded,
			Retryable:  a.Retryable,
			Error:      a.Error,
			DurationMs: a.Duration.Milliseconds(),
			FinishedNs: at.UnixNano(),
		}
		return errs.Wrap(tx.Create(&row).Error, "insert attempt")
	})
}

func (s *SQLite) ListStale(ctx context.Context, claimedBefore time.Time, limit int) ([]models.SyncEvent, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	var rows []eventRow
	if err := db.Where("status = ? AND claimed_at < ?", models.StatusProcessing, claimedBefore.UnixNano()).
		Order("claimed_at asc, id asc").
		Limit(listLimit(limit)).
		Find(&rows).Error; err != nil {
		return nil, errs.Wrap(err, "query stale claims")
	}
	return rowsToEvents(rows), nil
}

func (s *SQLite) Replay(ctx context.Context, id string, requestID string, now time.Time) (models.InsertResult, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return models.InsertResult{}, err
	}

	var res models.InsertResult
	err = db.Transaction(func(tx *gorm.DB) error {
		var row eventRow
		if err := tx.Where("id = ?", id).Take(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return errs.Wrap(err, "load replay source")
		}
		orig := row.toEvent()
		if orig.Status != models.StatusDeadLetter {
			return ErrNotDeadLettered
		}

		var err error
		res, err = insertGorm(tx, replayEvent(orig, requestID, now))
		return err
	})
	return res, err
}

func (s *SQLite) Get(ctx context.Context, id string) (models.SyncEvent, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return models.SyncEvent{}, err
	}

	var row eventRow
	if err := db.Where("id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.SyncEvent{}, ErrNotFound
		}
		return models.SyncEvent{}, errs.Wrap(err, "get sync event")
	}
	return row.toEvent(), nil
}

func (s *SQLite) List(ctx context.Context, filter models.EventFilter) ([]models.SyncEvent, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	query := db.Model(&eventRow{})
	if filter.Status != nil {
		query = query.Where("status = ?", string(*filter.Status))
	}
	if filter.EntityType != nil {
		query = query.Where("entity_type = ?", string(*filter.EntityType))
	}
	if filter.SourceType != nil {
		query = query.Where("source_type = ?", string(*filter.SourceType))
	}

	var rows []eventRow
	if err := query.Order("created_at desc, id asc").Limit(listLimit(filter.Limit)).Find(&rows).Error; err != nil {
		return nil, errs.Wrap(err, "list sync events")
	}
	return rowsToEvents(rows), nil
}

func (s *SQLite) Breakdown(ctx context.Context) (models.Breakdown, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return models.Breakdown{}, err
	}

	var groups []groupCount
	if err := db.Model(&eventRow{}).
		Select("status, entity_type, source_type, priority, COUNT(*) AS n").
		Group("status, entity_type, source_type, priority").
		Scan(&groups).Error; err != nil {
		return models.Breakdown{}, errs.Wrap(err, "query breakdown")
	}

	b := emptyBreakdown()
	for _, g := range groups {
		g.addTo(&b)
	}
	return b, nil
}

func (s *SQLite) OldestPending(ctx context.Context) (*models.SyncEvent, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	var rows []eventRow
	if err := db.Where("status = ?", models.StatusPending).
		Order("created_at asc, id asc").
		Limit(1).
		Find(&rows).Error; err != nil {
		return nil, errs.Wrap(err, "query oldest pending")
	}
	if len(rows) == 0 {
		return nil, nil
	}
	ev := rows[0].toEvent()
	return &ev, nil
}

func (s *SQLite) AttemptWindow(ctx context.Context, since time.Time, source *models.SourceType) (models.AttemptWindow, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return models.AttemptWindow{}, err
	}

	var agg struct {
		Completed int64
		Failed    int64
		AvgMs     float64
	}
	query := db.Model(&attemptRow{}).
		Select(`COALESCE(SUM(CASE WHEN succeeded THEN 1 ELSE 0 END), 0) AS completed,
			COALESCE(SUM(CASE WHEN succeeded THEN 0 ELSE 1 END), 0) AS failed,
			COALESCE(AVG(duration_ms), 0.0) AS avg_ms`).
		Where("finished_at >= ?", since.UnixNano())
	if source != nil {
		query = query.Where("source_type = ?", string(*source))
	}
	if err := query.Scan(&agg).Error; err != nil {
		return models.AttemptWindow{}, errs.Wrap(err, "query attempt window")
	}
	return models.AttemptWindow{Completed: agg.Completed, Failed: agg.Failed, AvgDurationMs: agg.AvgMs}, nil
}

func (s *SQLite) RecordRejection(ctx context.Context, provider string, reason string, at time.Time) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}

	row := rejectionRow{Provider: provider, Reason: reason, ReceivedNs: at.UTC().UnixNano()}
	return errs.Wrap(db.Create(&row).Error, "record rejection")
}

func (s *SQLite) Rejections(ctx context.Context, since time.Time) (int64, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}

	query := db.Model(&rejectionRow{})
	if !since.IsZero() {
		query = query.Where("received_at >= ?", since.UnixNano())
	}
	var n int64
	if err := query.Count(&n).Error; err != nil {
		return 0, errs.Wrap(err, "count rejections")
	}
	return n, nil
}

func (s *SQLite) UpsertEntity(ctx context.Context, snap models.EntitySnapshot) (bool, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return false, err
	}

	row := snapshotRow{
		EntityType: string(snap.EntityType),
		NaturalKey: snap.NaturalKey,
		Version:    snap.Version,
		Payload:    string(payloadOrEmpty(snap.Payload)),
		UpdatedNs:  snap.UpdatedAt.UTC().UnixNano(),
	}
	res := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entity_type"}, {Name: "natural_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"version", "payload", "updated_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "entity_snapshots.version <= excluded.version"},
		}},
	}).Create(&row)
	if res.Error != nil {
		return false, errs.Wrap(res.Error, "upsert entity snapshot")
	}
	return res.RowsAffected > 0, nil
}

// Snapshot reads back a mirrored entity.
func (s *SQLite) Snapshot(ctx context.Context, entity models.EntityType, key string) (models.EntitySnapshot, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return models.EntitySnapshot{}, err
	}

	var row snapshotRow
	if err := db.Where("entity_type = ? AND natural_key = ?", string(entity), key).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.EntitySnapshot{}, ErrNotFound
		}
		return models.EntitySnapshot{}, errs.Wrap(err, "get entity snapshot")
	}
	return models.EntitySnapshot{
		EntityType: models.EntityType(row.EntityType),
		NaturalKey: row.NaturalKey,
		Version:    row.Version,
		Payload:    []byte(row.Payload),
		UpdatedAt:  time.Unix(0, row.UpdatedNs).UTC(),
	}, nil
}

func (r eventRow) toEvent() models.SyncEvent {
	ev := models.SyncEvent{
		ID:            r.ID,
		DedupKey:      r.DedupKey,
		EntityType:    models.EntityType(r.EntityType),
		SourceType:    models.SourceType(r.SourceType),
		SourceID:      r.SourceID,
		ChangeVersion: r.ChangeVersion,
		Priority:      models.Priority(r.Priority),
		Payload:       []byte(r.Payload),
		Status:        models.EventStatus(r.Status),
		AttemptCount:  r.AttemptCount,
		CreatedAt:     time.Unix(0, r.CreatedNs).UTC(),
		UpdatedAt:     time.Unix(0, r.UpdatedNs).UTC(),
		NextAttemptAt: nsTime(r.NextAttemptNs),
		LastError:     r.LastError,
		ReplayOf:      r.ReplayOf,
		ClaimedBy:     r.ClaimedBy,
		ClaimedAt:     nsTime(r.ClaimedNs),
		CompletedAt:   nsTime(r.CompletedNs),
	}
	if r.ClaimToken != nil {
		ev.ClaimToken = *r.ClaimToken
	}
	return ev
}

func rowsToEvents(rows []eventRow) []models.SyncEvent {
	out := make([]models.SyncEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toEvent())
	}
	return out
}

func nsTime(ns *int64) *time.Time {
	if ns == nil {
		return nil
	}
	t := time.Unix(0, *ns).UTC()
	return &t
}
