package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/orchid-labs/orchid-go/internal/domain"
	"github.com/orchid-labs/orchid-go/internal/projection"
	"github.com/orchid-labs/orchid-go/internal/repo"
)

// Store implements repo.StateStore over Postgres. Sequence assignment and
// snapshot maintenance run inside one transaction per call, serialized per
// run with an advisory transaction lock so concurrent writers never race on
// run_seq.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	if db == nil {
		return nil
	}
	return &Store{db: db}
}

func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("state store not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) BootstrapRun(ctx context.Context, md domain.RunMetadata, first []domain.EventEnvelope) (repo.AppendResult, error) {
	if s == nil || s.db == nil {
		return repo.AppendResult{}, fmt.Errorf("state store not initialized")
	}
	if err := md.Validate(); err != nil {
		return repo.AppendResult{}, err
	}

	var result repo.AppendResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertMetadata(ctx, tx, md); err != nil {
			return err
		}
		var err error
		result, err = appendLocked(ctx, tx, md.RunID, first, true)
		return err
	})
	if err != nil {
		return repo.AppendResult{}, err
	}
	return result, nil
}

func (s *Store) AppendEvents(ctx context.Context, runID string, envelopes []domain.EventEnvelope) (repo.AppendResult, error) {
	return s.append(ctx, runID, envelopes, false)
}

func (s *Store) AppendAndEnqueue(ctx context.Context, runID string, envelopes []domain.EventEnvelope) (repo.AppendResult, error) {
	return s.append(ctx, runID, envelopes, true)
}

func (s *Store) append(ctx context.Context, runID string, envelopes []domain.EventEnvelope, enqueue bool) (repo.AppendResult, error) {
	if s == nil || s.db == nil {
		return repo.AppendResult{}, fmt.Errorf("state store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return repo.AppendResult{}, fmt.Errorf("run id is required")
	}

	var result repo.AppendResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		result, err = appendLocked(ctx, tx, runID, envelopes, enqueue)
		return err
	})
	if err != nil {
		return repo.AppendResult{}, err
	}
	return result, nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// appendLocked takes the per-run advisory lock, assigns sequence numbers,
// inserts the envelopes with idempotency-key dedup, updates the materialized
// snapshot and (optionally) enqueues outbox rows — all on the caller's
// transaction.
func appendLocked(ctx context.Context, tx *sql.Tx, runID string, envelopes []domain.EventEnvelope, enqueue bool) (repo.AppendResult, error) {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 42))`, runID); err != nil {
		return repo.AppendResult{}, fmt.Errorf("lock run: %w", err)
	}

	var nextSeq int64
	if err := tx.QueryRowContext(
		ctx,
		`SELECT COALESCE(MAX(run_seq), 0) + 1 FROM run_events WHERE run_id = $1`,
		runID,
	).Scan(&nextSeq); err != nil {
		return repo.AppendResult{}, fmt.Errorf("next seq: %w", err)
	}

	result := repo.AppendResult{}
	for _, env := range envelopes {
		env.RunID = runID
		if strings.TrimSpace(env.EventID) == "" {
			// Deterministic producers leave the id empty; mint it at the
			// persistence boundary.
			env.EventID = uuid.NewString()
		}
		if err := env.Validate(); err != nil {
			return repo.AppendResult{}, err
		}
		env.RunSeq = nextSeq

		persistedAt := time.Now().UTC()
		var insertedSeq sql.NullInt64
		err := tx.QueryRowContext(
			ctx,
			`INSERT INTO run_events (
				run_id, run_seq, event_id, event_type, step_id,
				engine_attempt, logical_attempt, idempotency_key,
				emitted_at, persisted_at, payload
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
			ON CONFLICT (run_id, idempotency_key) DO NOTHING
			RETURNING run_seq`,
			env.RunID,
			env.RunSeq,
			env.EventID,
			string(env.Type),
			nullIfEmpty(env.StepID),
			env.EngineAttempt,
			env.LogicalAttempt,
			env.IdempotencyKey,
			env.EmittedAt.UTC(),
			persistedAt,
			payloadOrEmpty(env.Payload),
		).Scan(&insertedSeq)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			// Idempotency-key collision: return the stored envelope instead.
			stored, lookupErr := eventByKey(ctx, tx, runID, env.IdempotencyKey)
			if lookupErr != nil {
				return repo.AppendResult{}, fmt.Errorf("load deduped event: %w", lookupErr)
			}
			result.Deduped = append(result.Deduped, stored)
		case err != nil:
			return repo.AppendResult{}, fmt.Errorf("insert event: %w", err)
		default:
			env.PersistedAt = &persistedAt
			result.Appended = append(result.Appended, env)
			nextSeq++
			if enqueue {
				if err := enqueueOutbox(ctx, tx, env); err != nil {
					return repo.AppendResult{}, err
				}
			}
		}
	}

	if len(result.Appended) > 0 {
		if err := updateSnapshot(ctx, tx, runID, result.Appended); err != nil {
			return repo.AppendResult{}, err
		}
	}
	return result, nil
}

func payloadOrEmpty(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}

func eventByKey(ctx context.Context, q DB, runID, key string) (domain.EventEnvelope, error) {
	row := q.QueryRowContext(
		ctx,
		selectEventColumns+` FROM run_events WHERE run_id = $1 AND idempotency_key = $2`,
		runID,
		key,
	)
	return scanEvent(row)
}

const selectEventColumns = `SELECT run_id, run_seq, event_id, event_type, step_id,
	engine_attempt, logical_attempt, idempotency_key, emitted_at, persisted_at, payload`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (domain.EventEnvelope, error) {
	var env domain.EventEnvelope
	var eventType string
	var stepID sql.NullString
	var persistedAt sql.NullTime
	var payload []byte
	if err := row.Scan(
		&env.RunID,
		&env.RunSeq,
		&env.EventID,
		&eventType,
		&stepID,
		&env.EngineAttempt,
		&env.LogicalAttempt,
		&env.IdempotencyKey,
		&env.EmittedAt,
		&persistedAt,
		&payload,
	); err != nil {
		return domain.EventEnvelope{}, err
	}
	env.Type = domain.EventType(eventType)
	if stepID.Valid {
		env.StepID = stepID.String
	}
	if persistedAt.Valid {
		at := persistedAt.Time.UTC()
		env.PersistedAt = &at
	}
	env.EmittedAt = env.EmittedAt.UTC()
	if len(payload) > 0 && string(payload) != "null" {
		env.Payload = payload
	}
	return env, nil
}

func updateSnapshot(ctx context.Context, tx *sql.Tx, runID string, appended []domain.EventEnvelope) error {
	snapshot, err := snapshotByRun(ctx, tx, runID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		snapshot = domain.NewRunSnapshot(runID)
	}
	snapshot = projection.Incremental(snapshot, appended)

	blob, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO run_snapshots (run_id, snapshot, last_seq, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (run_id) DO UPDATE
		 SET snapshot = EXCLUDED.snapshot,
		     last_seq = EXCLUDED.last_seq,
		     updated_at = EXCLUDED.updated_at`,
		runID,
		blob,
		snapshot.LastSeq,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

func snapshotByRun(ctx context.Context, q DB, runID string) (domain.RunSnapshot, error) {
	var blob []byte
	err := q.QueryRowContext(
		ctx,
		`SELECT snapshot FROM run_snapshots WHERE run_id = $1`,
		runID,
	).Scan(&blob)
	if err != nil {
		return domain.RunSnapshot{}, handleNotFound(err)
	}
	var snapshot domain.RunSnapshot
	if err := json.Unmarshal(blob, &snapshot); err != nil {
		return domain.RunSnapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if snapshot.Steps == nil {
		snapshot.Steps = map[string]domain.StepSnapshot{}
	}
	return snapshot, nil
}

func (s *Store) ListEvents(ctx context.Context, runID string, q repo.EventQuery) ([]domain.EventEnvelope, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("state store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(
		ctx,
		selectEventColumns+` FROM run_events
		 WHERE run_id = $1 AND run_seq > $2
		 ORDER BY run_seq ASC
		 LIMIT $3`,
		runID,
		q.AfterSeq,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := make([]domain.EventEnvelope, 0, limit)
	for rows.Next() {
		env, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

func (s *Store) GetSnapshot(ctx context.Context, runID string) (domain.RunSnapshot, error) {
	if s == nil || s.db == nil {
		return domain.RunSnapshot{}, fmt.Errorf("state store not initialized")
	}
	return snapshotByRun(ctx, s.db, strings.TrimSpace(runID))
}

// ProjectSnapshot rebuilds the projection from the full event log, bypassing
// the cache. Used for reconciliation and by callers that suspect cache skew.
func (s *Store) ProjectSnapshot(ctx context.Context, runID string) (domain.RunSnapshot, error) {
	if s == nil || s.db == nil {
		return domain.RunSnapshot{}, fmt.Errorf("state store not initialized")
	}
	runID = strings.TrimSpace(runID)
	snapshot := domain.NewRunSnapshot(runID)
	var after int64
	for {
		page, err := s.ListEvents(ctx, runID, repo.EventQuery{AfterSeq: after, Limit: 500})
		if err != nil {
			return domain.RunSnapshot{}, err
		}
		if len(page) == 0 {
			return snapshot, nil
		}
		snapshot = projection.Incremental(snapshot, page)
		after = page[len(page)-1].RunSeq
	}
}
