package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/orchid-labs/orchid-go/internal/domain"
	"github.com/orchid-labs/orchid-go/internal/repo"
)

// Outbox implements repo.OutboxStore. Rows are claimed with a lease
// timestamp; a crashed worker's claims expire and become pollable again.
type Outbox struct {
	db *sql.DB
}

func NewOutbox(db *sql.DB) *Outbox {
	if db == nil {
		return nil
	}
	return &Outbox{db: db}
}

func (o *Outbox) Ping(ctx context.Context) error {
	if o == nil || o.db == nil {
		return fmt.Errorf("outbox not initialized")
	}
	return o.db.PingContext(ctx)
}

// enqueueOutbox writes the delivery intent on the same transaction as the
// event insert. The id is derived from (runID, runSeq) so re-enqueueing the
// same event is impossible.
func enqueueOutbox(ctx context.Context, q DB, env domain.EventEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode outbox payload: %w", err)
	}
	_, err = q.ExecContext(
		ctx,
		`INSERT INTO outbox (
			id, run_id, run_seq, idempotency_key, payload, attempts, created_at
		) VALUES ($1,$2,$3,$4,$5,0,$6)`,
		outboxID(env.RunID, env.RunSeq),
		env.RunID,
		env.RunSeq,
		env.IdempotencyKey,
		payload,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("enqueue outbox: %w", err)
	}
	return nil
}

func outboxID(runID string, runSeq int64) string {
	return fmt.Sprintf("%s:%d", strings.TrimSpace(runID), runSeq)
}

func (o *Outbox) Claim(ctx context.Context, limit int, leaseTTL time.Duration) ([]repo.OutboxRecord, error) {
	if o == nil || o.db == nil {
		return nil, fmt.Errorf("outbox not initialized")
	}
	if limit <= 0 {
		limit = 50
	}
	now := time.Now().UTC()
	rows, err := o.db.QueryContext(
		ctx,
		`UPDATE outbox SET claimed_at = $1
		 WHERE id IN (
			SELECT id FROM outbox
			WHERE delivered_at IS NULL
			  AND (claimed_at IS NULL OR claimed_at < $2)
			ORDER BY created_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, run_id, run_seq, idempotency_key, payload, attempts,
			COALESCE(last_error, ''), created_at, claimed_at, delivered_at`,
		now,
		now.Add(-leaseTTL),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim outbox: %w", err)
	}
	defer rows.Close()

	records := make([]repo.OutboxRecord, 0, limit)
	for rows.Next() {
		var rec repo.OutboxRecord
		var claimedAt, deliveredAt sql.NullTime
		if err := rows.Scan(
			&rec.ID,
			&rec.RunID,
			&rec.RunSeq,
			&rec.IdempotencyKey,
			&rec.Payload,
			&rec.Attempts,
			&rec.LastError,
			&rec.CreatedAt,
			&claimedAt,
			&deliveredAt,
		); err != nil {
			return nil, fmt.Errorf("scan outbox record: %w", err)
		}
		rec.CreatedAt = rec.CreatedAt.UTC()
		if claimedAt.Valid {
			at := claimedAt.Time.UTC()
			rec.ClaimedAt = &at
		}
		if deliveredAt.Valid {
			at := deliveredAt.Time.UTC()
			rec.DeliveredAt = &at
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim outbox: %w", err)
	}
	return records, nil
}

func (o *Outbox) MarkDelivered(ctx context.Context, id string) error {
	if o == nil || o.db == nil {
		return fmt.Errorf("outbox not initialized")
	}
	res, err := o.db.ExecContext(
		ctx,
		`UPDATE outbox SET delivered_at = $1, claimed_at = NULL WHERE id = $2 AND delivered_at IS NULL`,
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	if rows == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (o *Outbox) MarkFailed(ctx context.Context, id string, deliveryErr string) error {
	if o == nil || o.db == nil {
		return fmt.Errorf("outbox not initialized")
	}
	res, err := o.db.ExecContext(
		ctx,
		`UPDATE outbox SET attempts = attempts + 1, last_error = $1, claimed_at = NULL
		 WHERE id = $2 AND delivered_at IS NULL`,
		strings.TrimSpace(deliveryErr),
		id,
	)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if rows == 0 {
		return repo.ErrNotFound
	}
	return nil
}

// DeadLetter moves a record out of the active queue in one transaction. The
// record is never auto-retried afterwards.
func (o *Outbox) DeadLetter(ctx context.Context, id string) error {
	if o == nil || o.db == nil {
		return fmt.Errorf("outbox not initialized")
	}
	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		runID     string
		runSeq    int64
		payload   []byte
		attempts  int
		lastError sql.NullString
		createdAt time.Time
	)
	err = tx.QueryRowContext(
		ctx,
		`DELETE FROM outbox WHERE id = $1
		 RETURNING run_id, run_seq, payload, attempts, last_error, created_at`,
		id,
	).Scan(&runID, &runSeq, &payload, &attempts, &lastError, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return repo.ErrNotFound
		}
		return fmt.Errorf("remove outbox record: %w", err)
	}

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO outbox_dead_letters (
			id, run_id, run_seq, payload, attempts, last_error, created_at, dead_lettered_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		id,
		runID,
		runSeq,
		payload,
		attempts,
		lastError.String,
		createdAt.UTC(),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (o *Outbox) OldestUndelivered(ctx context.Context) (time.Time, bool, error) {
	if o == nil || o.db == nil {
		return time.Time{}, false, fmt.Errorf("outbox not initialized")
	}
	var createdAt sql.NullTime
	err := o.db.QueryRowContext(
		ctx,
		`SELECT MIN(created_at) FROM outbox WHERE delivered_at IS NULL`,
	).Scan(&createdAt)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("oldest undelivered: %w", err)
	}
	if !createdAt.Valid {
		return time.Time{}, false, nil
	}
	return createdAt.Time.UTC(), true, nil
}

func (o *Outbox) CountUndelivered(ctx context.Context) (int64, error) {
	if o == nil || o.db == nil {
		return 0, fmt.Errorf("outbox not initialized")
	}
	var count int64
	err := o.db.QueryRowContext(
		ctx,
		`SELECT COUNT(*) FROM outbox WHERE delivered_at IS NULL`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count undelivered: %w", err)
	}
	return count, nil
}

func (o *Outbox) ListDeadLetters(ctx context.Context, limit int) ([]repo.DeadLetterRecord, error) {
	if o == nil || o.db == nil {
		return nil, fmt.Errorf("outbox not initialized")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := o.db.QueryContext(
		ctx,
		`SELECT id, run_id, run_seq, payload, attempts, COALESCE(last_error, ''), created_at, dead_lettered_at
		 FROM outbox_dead_letters
		 ORDER BY dead_lettered_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	records := make([]repo.DeadLetterRecord, 0, limit)
	for rows.Next() {
		var rec repo.DeadLetterRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.RunID,
			&rec.RunSeq,
			&rec.Payload,
			&rec.Attempts,
			&rec.LastError,
			&rec.CreatedAt,
			&rec.DeadLetterAt,
		); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		rec.CreatedAt = rec.CreatedAt.UTC()
		rec.DeadLetterAt = rec.DeadLetterAt.UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return records, nil
}
