package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/PratikDhanave/sync-queue-service/internal/errs"
	"github.com/PratikDhanave/sync-queue-service/internal/models"
)

// schemaSQL is embedded so the service can self-bootstrap its database schema.
//
//go:embed schema.sql
var schemaSQL string

const eventColumns = `id, dedup_key, entity_type, source_type, source_id, change_version, priority,
	payload, status, attempt_count, created_at, updated_at, next_attempt_at, last_error,
	replay_of, claim_token, claimed_by, claimed_at, completed_at`

// Postgres is the production event store. Claims rely on FOR UPDATE SKIP LOCKED,
// so any number of dispatcher processes may share one database.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// pgQuerier is satisfied by both the pool and a transaction.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPostgres creates a connection pool and fails fast if DB is unreachable.
func NewPostgres(ctx context.Context, dbURL string) (*Postgres, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, errs.Wrap(errs.Trace(err), "create pgx pool")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.Wrap(errs.Trace(err), "ping postgres")
	}

	return &Postgres{pool: pool}, nil
}

// EnsureSchema applies schema.sql. Safe to run multiple times.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, schemaSQL)
	return errs.Wrap(err, "apply schema")
}

// Ping is used by readiness and health checks to validate DB connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// Insert persists a new PENDING event. A dedup key collision is not an error:
// the existing id comes back with Duplicate set, which keeps redelivery safe.
func (p *Postgres) Insert(ctx context.Context, ev models.NewEvent) (models.InsertResult, error) {
	return insertPG(ctx, p.pool, ev)
}

func insertPG(ctx context.Context, q pgQuerier, ev models.NewEvent) (models.InsertResult, error) {
	if ev.DedupKey == "" {
		return models.InsertResult{}, errors.New("dedup key is required")
	}

	at := ev.ReceivedAt.UTC()
	if ev.ReceivedAt.IsZero() {
		at = time.Now().UTC()
	}

	var id string
	err := q.QueryRow(ctx, `
		INSERT INTO sync_events (id, dedup_key, entity_type, source_type, source_id, change_version,
			priority, payload, status, attempt_count, created_at, updated_at, sort_at, replay_of)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, 'pending', 0, $9, $9, $10, $11)
		ON CONFLICT (dedup_key) DO NOTHING
		RETURNING id
	`,
		uuid.NewString(), ev.DedupKey, string(ev.EntityType), string(ev.SourceType), ev.SourceID,
		ev.ChangeVersion, string(models.PriorityFor(ev.SourceType)), string(payloadOrEmpty(ev.Payload)),
		at, sortAt(at, ev.SourceType), ev.ReplayOf,
	).Scan(&id)
	if err == nil {
		return models.InsertResult{ID: id}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.InsertResult{}, errs.Wrap(err, "insert sync event")
	}

	// RETURNING yields no row on conflict.
	if err := q.QueryRow(ctx, `SELECT id FROM sync_events WHERE dedup_key = $1`, ev.DedupKey).Scan(&id); err != nil {
		return models.InsertResult{}, errs.Wrap(err, "lookup duplicate sync event")
	}
	return models.InsertResult{ID: id, Duplicate: true}, nil
}

// claimRankedSQL ranks due events within each entity type and keeps only the
// first lim of each, so a capped type's backlog cannot crowd out the others.
// Window functions cannot share a SELECT with FOR UPDATE, hence the outer lock.
const claimRankedSQL = `
	SELECT id, entity_type
	FROM sync_events
	WHERE id IN (
		SELECT id FROM (
			SELECT e.id, e.sort_at, l.lim,
			       ROW_NUMBER() OVER (PARTITION BY e.entity_type ORDER BY e.sort_at, e.id) AS rn
			FROM sync_events e
			JOIN unnest($2::text[], $3::int[]) AS l(entity_type, lim) ON l.entity_type = e.entity_type
			WHERE e.status = 'pending' OR (e.status = 'retry' AND e.next_attempt_at <= $1)
		) ranked
		WHERE rn <= lim
		ORDER BY sort_at, id
		LIMIT $4
	)
	AND (status = 'pending' OR (status = 'retry' AND next_attempt_at <= $1))
	ORDER BY sort_at, id
	FOR UPDATE SKIP LOCKED
`

// ClaimBatch moves up to req.Max due events to PROCESSING in one transaction.
// Locked rows are skipped, so concurrent claimers never receive the same event.
func (p *Postgres) ClaimBatch(ctx context.Context, req models.ClaimRequest) ([]models.SyncEvent, error) {
	if req.Max <= 0 {
		return nil, nil
	}
	now := req.Now.UTC()
	if req.Now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, errs.Wrap(err, "begin claim")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var rows pgx.Rows
	if req.Limits == nil {
		rows, err = tx.Query(ctx, `
			SELECT id, entity_type
			FROM sync_events
			WHERE status = 'pending' OR (status = 'retry' AND next_attempt_at <= $1)
			ORDER BY sort_at, id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		`, now, req.Max)
	} else {
		types, caps := claimableTypes(req.Limits)
		if len(types) == 0 {
			return nil, errs.Wrap(tx.Commit(ctx), "commit empty claim")
		}
		rows, err = tx.Query(ctx, claimRankedSQL, now, types, caps, req.Max)
	}
	if err != nil {
		return nil, errs.Wrap(err, "select claim candidates")
	}
	var cands []candidate
	for rows.Next() {
		var c candidate
		var entity string
		if err := rows.Scan(&c.ID, &entity); err != nil {
			rows.Close()
			return nil, errs.Wrap(err, "scan claim candidate")
		}
		c.EntityType = models.EntityType(entity)
		cands = append(cands, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(err, "iterate claim candidates")
	}

	ids := selectFair(cands, req.Max, req.Limits)
	if len(ids) == 0 {
		return nil, errs.Wrap(tx.Commit(ctx), "commit empty claim")
	}

	rows, err = tx.Query(ctx, `
		UPDATE sync_events
		SET status = 'processing',
		    attempt_count = attempt_count + 1,
		    next_attempt_at = NULL,
		    claim_token = $2,
		    claimed_by = $3,
		    claimed_at = $4,
		    updated_at = $4
		WHERE id = ANY($1)
		RETURNING `+eventColumns,
		ids, newToken(), req.Owner, now,
	)
	if err != nil {
		return nil, errs.Wrap(err, "mark claimed")
	}
	claimed, err := collectPGEvents(rows)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errs.Wrap(err, "commit claim")
	}
	return orderByIDs(claimed, ids), nil
}

// UpdateOutcome applies a terminal or retry transition and logs the attempt.
// The write only lands while the caller still holds the claim.
func (p *Postgres) UpdateOutcome(ctx context.Context, u models.OutcomeUpdate) error {
	if err := validateOutcome(u); err != nil {
		return err
	}

	var nextSort *time.Time
	if u.Status == models.StatusRetry {
		s := sortAt(*u.NextAttemptAt, u.Attempt.SourceType)
		nextSort = &s
	}
	at := u.Attempt.FinishedAt.UTC()
	if u.Attempt.FinishedAt.IsZero() {
		at = time.Now().UTC()
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return errs.Wrap(err, "begin outcome")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE sync_events
		SET status = $3::text,
		    next_attempt_at = $4::timestamptz,
		    last_error = COALESCE($5::text, last_error),
		    sort_at = COALESCE($6::timestamptz, sort_at),
		    completed_at = CASE WHEN $3::text = 'completed' THEN $7::timestamptz ELSE completed_at END,
		    claim_token = NULL,
		    updated_at = $7::timestamptz
		WHERE id = $1 AND status = 'processing' AND claim_token = $2
	`, u.ID, u.ClaimToken, string(u.Status), u.NextAttemptAt, u.LastError, nextSort, at)
	if err != nil {
		return errs.Wrap(err, "update outcome")
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}

	a := u.Attempt
	if _, err := tx.Exec(ctx, `
		INSERT INTO sync_attempts (event_id, attempt, entity_type, source_type, succeeded, retryable,
			error, duration_ms, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, u.ID, a.Number, string(a.EntityType), string(a.SourceType), a.Succeeded, a.Retryable,
		a.Error, a.Duration.Milliseconds(), at); err != nil {
		return errs.Wrap(err, "insert attempt")
	}

	return errs.Wrap(tx.Commit(ctx), "commit outcome")
}

func (p *Postgres) ListStale(ctx context.Context, claimedBefore time.Time, limit int) ([]models.SyncEvent, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM sync_events
		WHERE status = 'processing' AND claimed_at < $1
		ORDER BY claimed_at, id
		LIMIT $2
	`, claimedBefore.UTC(), listLimit(limit))
	if err != nil {
		return nil, errs.Wrap(err, "query stale claims")
	}
	return collectPGEvents(rows)
}

// Replay creates a fresh PENDING event from a dead-lettered one. The original row
// is left untouched; replaying twice with the same request id is a no-op.
func (p *Postgres) Replay(ctx context.Context, id string, requestID string, now time.Time) (models.InsertResult, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return models.InsertResult{}, errs.Wrap(err, "begin replay")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	orig, err := scanPGEvent(tx.QueryRow(ctx, `SELECT `+eventColumns+` FROM sync_events WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.InsertResult{}, ErrNotFound
		}
		return models.InsertResult{}, errs.Wrap(err, "load replay source")
	}
	if orig.Status != models.StatusDeadLetter {
		return models.InsertResult{}, ErrNotDeadLettered
	}

	res, err := insertPG(ctx, tx, replayEvent(orig, requestID, now))
	if err != nil {
		return models.InsertResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.InsertResult{}, errs.Wrap(err, "commit replay")
	}
	return res, nil
}

func (p *Postgres) Get(ctx context.Context, id string) (models.SyncEvent, error) {
	ev, err := scanPGEvent(p.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM sync_events WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.SyncEvent{}, ErrNotFound
		}
		return models.SyncEvent{}, errs.Wrap(err, "get sync event")
	}
	return ev, nil
}

func (p *Postgres) List(ctx context.Context, filter models.EventFilter) ([]models.SyncEvent, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.Status != nil {
		add("status = $%d", string(*filter.Status))
	}
	if filter.EntityType != nil {
		add("entity_type = $%d", string(*filter.EntityType))
	}
	if filter.SourceType != nil {
		add("source_type = $%d", string(*filter.SourceType))
	}

	q := `SELECT ` + eventColumns + ` FROM sync_events`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, listLimit(filter.Limit))
	q += fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d`, len(args))

	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, errs.Wrap(err, "list sync events")
	}
	return collectPGEvents(rows)
}

func (p *Postgres) Breakdown(ctx context.Context) (models.Breakdown, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT status, entity_type, source_type, priority, COUNT(*)
		FROM sync_events
		GROUP BY status, entity_type, source_type, priority
	`)
	if err != nil {
		return models.Breakdown{}, errs.Wrap(err, "query breakdown")
	}
	defer rows.Close()

	b := emptyBreakdown()
	for rows.Next() {
		var g groupCount
		if err := rows.Scan(&g.Status, &g.EntityType, &g.SourceType, &g.Priority, &g.N); err != nil {
			return models.Breakdown{}, errs.Wrap(err, "scan breakdown")
		}
		g.addTo(&b)
	}
	return b, errs.Wrap(rows.Err(), "iterate breakdown")
}

func (p *Postgres) OldestPending(ctx context.Context) (*models.SyncEvent, error) {
	ev, err := scanPGEvent(p.pool.QueryRow(ctx, `
		SELECT `+eventColumns+`
		FROM sync_events
		WHERE status = 'pending'
		ORDER BY created_at, id
		LIMIT 1
	`))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, errs.Wrap(err, "query oldest pending")
	}
	return &ev, nil
}

func (p *Postgres) AttemptWindow(ctx context.Context, since time.Time, source *models.SourceType) (models.AttemptWindow, error) {
	var src *string
	if source != nil {
		s := string(*source)
		src = &s
	}

	var w models.AttemptWindow
	err := p.pool.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE succeeded),
		       COUNT(*) FILTER (WHERE NOT succeeded),
		       COALESCE(AVG(duration_ms), 0)::float8
		FROM sync_attempts
		WHERE finished_at >= $1 AND ($2::text IS NULL OR source_type = $2::text)
	`, since.UTC(), src).Scan(&w.Completed, &w.Failed, &w.AvgDurationMs)
	return w, errs.Wrap(err, "query attempt window")
}

func (p *Postgres) RecordRejection(ctx context.Context, provider string, reason string, at time.Time) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO webhook_rejections (provider, reason, received_at) VALUES ($1, $2, $3)`,
		provider, reason, at.UTC(),
	)
	return errs.Wrap(err, "record rejection")
}

func (p *Postgres) Rejections(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM webhook_rejections WHERE received_at >= $1`, since.UTC(),
	).Scan(&n)
	return n, errs.Wrap(err, "count rejections")
}

// UpsertEntity writes the snapshot unless a newer version is already stored.
func (p *Postgres) UpsertEntity(ctx context.Context, snap models.EntitySnapshot) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO entity_snapshots (entity_type, natural_key, version, payload, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, $5)
		ON CONFLICT (entity_type, natural_key) DO UPDATE
		SET version = EXCLUDED.version, payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at
		WHERE entity_snapshots.version <= EXCLUDED.version
	`, string(snap.EntityType), snap.NaturalKey, snap.Version, string(payloadOrEmpty(snap.Payload)), snap.UpdatedAt.UTC())
	if err != nil {
		return false, errs.Wrap(err, "upsert entity snapshot")
	}
	return tag.RowsAffected() > 0, nil
}

// Snapshot reads back a mirrored entity.
func (p *Postgres) Snapshot(ctx context.Context, entity models.EntityType, key string) (models.EntitySnapshot, error) {
	snap := models.EntitySnapshot{EntityType: entity, NaturalKey: key}
	var payload []byte
	err := p.pool.QueryRow(ctx, `
		SELECT version, payload, updated_at
		FROM entity_snapshots
		WHERE entity_type = $1 AND natural_key = $2
	`, string(entity), key).Scan(&snap.Version, &payload, &snap.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.EntitySnapshot{}, ErrNotFound
		}
		return models.EntitySnapshot{}, errs.Wrap(err, "get entity snapshot")
	}
	snap.Payload = payload
	snap.UpdatedAt = snap.UpdatedAt.UTC()
	return snap, nil
}

func scanPGEvent(row pgx.Row) (models.SyncEvent, error) {
	var (
		ev                               models.SyncEvent
		entity, source, priority, status string
		payload                          []byte
		token                            *string
	)
	err := row.Scan(
		&ev.ID, &ev.DedupKey, &entity, &source, &ev.SourceID, &ev.ChangeVersion, &priority,
		&payload, &status, &ev.AttemptCount, &ev.CreatedAt, &ev.UpdatedAt, &ev.NextAttemptAt,
		&ev.LastError, &ev.ReplayOf, &token, &ev.ClaimedBy, &ev.ClaimedAt, &ev.CompletedAt,
	)
	if err != nil {
		return models.SyncEvent{}, err
	}

	ev.EntityType = models.EntityType(entity)
	ev.SourceType = models.SourceType(source)
	ev.Priority = models.Priority(priority)
	ev.Status = models.EventStatus(status)
	ev.Payload = payload
	if token != nil {
		ev.ClaimToken = *token
	}
	normalizeTimes(&ev)
	return ev, nil
}

func collectPGEvents(rows pgx.Rows) ([]models.SyncEvent, error) {
	defer rows.Close()

	var out []models.SyncEvent
	for rows.Next() {
		ev, err := scanPGEvent(rows)
		if err != nil {
			return nil, errs.Wrap(err, "scan sync event")
		}
		out = append(out, ev)
	}
	return out, errs.Wrap(rows.Err(), "iterate sync events")
}
