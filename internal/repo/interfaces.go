package repo

import (
	"context"
	"time"

	"github.com/orchid-labs/orchid-go/internal/domain"
)

// AppendResult reports the outcome of an idempotent append. Deduped holds the
// previously stored envelopes for inputs whose idempotency key had already
// been seen; re-appending is success, never an error.
type AppendResult struct {
	Appended []domain.EventEnvelope
	Deduped  []domain.EventEnvelope
}

// EventQuery selects a page of events by watermark. AfterSeq is exclusive.
type EventQuery struct {
	AfterSeq int64
	Limit    int
}

// StateStore is the single source of truth for run state. Appends are atomic
// per call, sequence numbers are assigned under a per-run lock, and every
// successful append updates the materialized snapshot in the same
// transaction.
type StateStore interface {
	// BootstrapRun creates metadata, first events, outbox entries and the
	// initial snapshot in one transaction. Duplicate metadata fails with
	// ErrRunExists.
	BootstrapRun(ctx context.Context, md domain.RunMetadata, first []domain.EventEnvelope) (AppendResult, error)

	// AppendEvents appends envelopes to the run log, deduplicating by
	// idempotency key.
	AppendEvents(ctx context.Context, runID string, envelopes []domain.EventEnvelope) (AppendResult, error)

	// AppendAndEnqueue composes append with outbox enqueue in the same
	// transaction so no event is durably appended without a delivery intent.
	AppendAndEnqueue(ctx context.Context, runID string, envelopes []domain.EventEnvelope) (AppendResult, error)

	ListEvents(ctx context.Context, runID string, q EventQuery) ([]domain.EventEnvelope, error)

	// GetSnapshot returns the cached projection.
	GetSnapshot(ctx context.Context, runID string) (domain.RunSnapshot, error)
	// ProjectSnapshot rebuilds the projection from the event log.
	ProjectSnapshot(ctx context.Context, runID string) (domain.RunSnapshot, error)

	GetRunMetadata(ctx context.Context, runID string) (domain.RunMetadata, error)
	// UpdateProviderInfo records provider correlation ids once the adapter
	// confirms provider-side execution started.
	UpdateProviderInfo(ctx context.Context, runID string, info domain.ProviderInfo) error

	Ping(ctx context.Context) error
}

// OutboxRecord is one event pending delivery to the external bus.
type OutboxRecord struct {
	ID             string
	RunID          string
	RunSeq         int64
	IdempotencyKey string
	Payload        []byte
	Attempts       int
	LastError      string
	CreatedAt      time.Time
	ClaimedAt      *time.Time
	DeliveredAt    *time.Time
}

// DeadLetterRecord is an outbox record retired after exhausting its delivery
// attempt budget. Never auto-retried.
type DeadLetterRecord struct {
	ID           string
	RunID        string
	RunSeq       int64
	Payload      []byte
	Attempts     int
	LastError    string
	CreatedAt    time.Time
	DeadLetterAt time.Time
}

// OutboxStore provides leased access to undelivered records so multiple
// workers can share one outbox without double delivery beyond at-least-once.
type OutboxStore interface {
	// Claim leases up to limit undelivered records whose lease is free or
	// expired, oldest first.
	Claim(ctx context.Context, limit int, leaseTTL time.Duration) ([]OutboxRecord, error)
	MarkDelivered(ctx context.Context, id string) error
	// MarkFailed increments the attempt count, records the error and releases
	// the lease.
	MarkFailed(ctx context.Context, id string, deliveryErr string) error
	// DeadLetter moves a record out of the active queue.
	DeadLetter(ctx context.Context, id string) error

	OldestUndelivered(ctx context.Context) (time.Time, bool, error)
	CountUndelivered(ctx context.Context) (int64, error)
	ListDeadLetters(ctx context.Context, limit int) ([]DeadLetterRecord, error)
	Ping(ctx context.Context) error
}
