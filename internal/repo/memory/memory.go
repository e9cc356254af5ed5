// Package memory holds in-memory implementations of the repo interfaces for
// tests and single-process development setups. Semantics mirror the Postgres
// implementation: per-run sequence assignment under a lock, idempotency-key
// dedup, snapshot maintenance on append, leased outbox claims.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orchid-labs/orchid-go/internal/domain"
	"github.com/orchid-labs/orchid-go/internal/projection"
	"github.com/orchid-labs/orchid-go/internal/repo"
)

type runLog struct {
	metadata domain.RunMetadata
	events   []domain.EventEnvelope
	byKey    map[string]int
	snapshot domain.RunSnapshot
}

type Store struct {
	mu     sync.Mutex
	runs   map[string]*runLog
	outbox *Outbox
	now    func() time.Time
}

// NewStore returns a store that enqueues into outbox when AppendAndEnqueue
// or BootstrapRun is used. outbox may be nil when delivery is not under test.
func NewStore(outbox *Outbox) *Store {
	return &Store{
		runs:   map[string]*runLog{},
		outbox: outbox,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Ping(ctx context.Context) error { return nil }

func (s *Store) BootstrapRun(ctx context.Context, md domain.RunMetadata, first []domain.EventEnvelope) (repo.AppendResult, error) {
	if err := md.Validate(); err != nil {
		return repo.AppendResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[md.RunID]; ok {
		return repo.AppendResult{}, repo.ErrRunExists
	}
	if md.CreatedAt.IsZero() {
		md.CreatedAt = s.now()
	}
	s.runs[md.RunID] = &runLog{
		metadata: md,
		byKey:    map[string]int{},
		snapshot: domain.NewRunSnapshot(md.RunID),
	}
	return s.appendLocked(md.RunID, first, true)
}

func (s *Store) AppendEvents(ctx context.Context, runID string, envelopes []domain.EventEnvelope) (repo.AppendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(runID, envelopes, false)
}

func (s *Store) AppendAndEnqueue(ctx context.Context, runID string, envelopes []domain.EventEnvelope) (repo.AppendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(runID, envelopes, true)
}

func (s *Store) appendLocked(runID string, envelopes []domain.EventEnvelope, enqueue bool) (repo.AppendResult, error) {
	runID = strings.TrimSpace(runID)
	log, ok := s.runs[runID]
	if !ok {
		// Appends to unknown runs create a bare log; the Postgres store
		// allows events ahead of metadata only inside BootstrapRun, but the
		// interpreter tests exercise append-first flows.
		log = &runLog{byKey: map[string]int{}, snapshot: domain.NewRunSnapshot(runID)}
		s.runs[runID] = log
	}

	result := repo.AppendResult{}
	for _, env := range envelopes {
		env.RunID = runID
		if strings.TrimSpace(env.EventID) == "" {
			env.EventID = uuid.NewString()
		}
		if err := env.Validate(); err != nil {
			return repo.AppendResult{}, err
		}
		if idx, seen := log.byKey[env.IdempotencyKey]; seen {
			result.Deduped = append(result.Deduped, log.events[idx])
			continue
		}
		env.RunSeq = int64(len(log.events)) + 1
		persisted := s.now()
		env.PersistedAt = &persisted
		log.byKey[env.IdempotencyKey] = len(log.events)
		log.events = append(log.events, env)
		log.snapshot = projection.Apply(log.snapshot, env)
		result.Appended = append(result.Appended, env)
		if enqueue && s.outbox != nil {
			s.outbox.enqueue(env, persisted)
		}
	}
	return result, nil
}

func (s *Store) ListEvents(ctx context.Context, runID string, q repo.EventQuery) ([]domain.EventEnvelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.runs[strings.TrimSpace(runID)]
	if !ok {
		return nil, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 500
	}
	out := make([]domain.EventEnvelope, 0, limit)
	for _, env := range log.events {
		if env.RunSeq <= q.AfterSeq {
			continue
		}
		out = append(out, env)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) GetSnapshot(ctx context.Context, runID string) (domain.RunSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.runs[strings.TrimSpace(runID)]
	if !ok {
		return domain.RunSnapshot{}, repo.ErrNotFound
	}
	return log.snapshot.Clone(), nil
}

func (s *Store) ProjectSnapshot(ctx context.Context, runID string) (domain.RunSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.runs[strings.TrimSpace(runID)]
	if !ok {
		return domain.RunSnapshot{}, repo.ErrNotFound
	}
	return projection.Rebuild(runID, log.events), nil
}

func (s *Store) GetRunMetadata(ctx context.Context, runID string) (domain.RunMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.runs[strings.TrimSpace(runID)]
	if !ok || log.metadata.RunID == "" {
		return domain.RunMetadata{}, repo.ErrNotFound
	}
	return log.metadata, nil
}

func (s *Store) UpdateProviderInfo(ctx context.Context, runID string, info domain.ProviderInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.runs[strings.TrimSpace(runID)]
	if !ok || log.metadata.RunID == "" {
		return repo.ErrNotFound
	}
	log.metadata.ProviderWorkflowID = info.WorkflowID
	log.metadata.ProviderRunID = info.RunID
	log.metadata.ProviderNamespace = info.Namespace
	log.metadata.ProviderTaskQueue = info.TaskQueue
	log.metadata.ProviderEndpoint = info.Endpoint
	return nil
}

// Outbox is the in-memory counterpart of the Postgres outbox.
type Outbox struct {
	mu          sync.Mutex
	records     map[string]*repo.OutboxRecord
	deadLetters []repo.DeadLetterRecord
	now         func() time.Time
}

func NewOutbox() *Outbox {
	return &Outbox{
		records: map[string]*repo.OutboxRecord{},
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides time for lease-expiry tests.
func (o *Outbox) SetClock(now func() time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = now
}

func (o *Outbox) Ping(ctx context.Context) error { return nil }

func (o *Outbox) enqueue(env domain.EventEnvelope, createdAt time.Time) {
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	id := fmt.Sprintf("%s:%d", env.RunID, env.RunSeq)
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.records[id]; ok {
		return
	}
	o.records[id] = &repo.OutboxRecord{
		ID:             id,
		RunID:          env.RunID,
		RunSeq:         env.RunSeq,
		IdempotencyKey: env.IdempotencyKey,
		Payload:        payload,
		CreatedAt:      createdAt,
	}
}

func (o *Outbox) Claim(ctx context.Context, limit int, leaseTTL time.Duration) ([]repo.OutboxRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.now()

	candidates := make([]*repo.OutboxRecord, 0, len(o.records))
	for _, rec := range o.records {
		if rec.DeliveredAt != nil {
			continue
		}
		if rec.ClaimedAt != nil && rec.ClaimedAt.After(now.Add(-leaseTTL)) {
			continue
		}
		candidates = append(candidates, rec)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].ID < candidates[j].ID
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]repo.OutboxRecord, 0, len(candidates))
	for _, rec := range candidates {
		at := now
		rec.ClaimedAt = &at
		out = append(out, *rec)
	}
	return out, nil
}

func (o *Outbox) MarkDelivered(ctx context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.records[id]
	if !ok || rec.DeliveredAt != nil {
		return repo.ErrNotFound
	}
	at := o.now()
	rec.DeliveredAt = &at
	rec.ClaimedAt = nil
	return nil
}

func (o *Outbox) MarkFailed(ctx context.Context, id string, deliveryErr string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.records[id]
	if !ok || rec.DeliveredAt != nil {
		return repo.ErrNotFound
	}
	rec.Attempts++
	rec.LastError = deliveryErr
	rec.ClaimedAt = nil
	return nil
}

func (o *Outbox) DeadLetter(ctx context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.records[id]
	if !ok {
		return repo.ErrNotFound
	}
	delete(o.records, id)
	o.deadLetters = append(o.deadLetters, repo.DeadLetterRecord{
		ID:           rec.ID,
		RunID:        rec.RunID,
		RunSeq:       rec.RunSeq,
		Payload:      rec.Payload,
		Attempts:     rec.Attempts,
		LastError:    rec.LastError,
		CreatedAt:    rec.CreatedAt,
		DeadLetterAt: o.now(),
	})
	return nil
}

func (o *Outbox) OldestUndelivered(ctx context.Context) (time.Time, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var oldest time.Time
	found := false
	for _, rec := range o.records {
		if rec.DeliveredAt != nil {
			continue
		}
		if !found || rec.CreatedAt.Before(oldest) {
			oldest = rec.CreatedAt
			found = true
		}
	}
	return oldest, found, nil
}

func (o *Outbox) CountUndelivered(ctx context.Context) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var count int64
	for _, rec := range o.records {
		if rec.DeliveredAt == nil {
			count++
		}
	}
	return count, nil
}

func (o *Outbox) ListDeadLetters(ctx context.Context, limit int) ([]repo.DeadLetterRecord, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if limit <= 0 || limit > len(o.deadLetters) {
		limit = len(o.deadLetters)
	}
	out := make([]repo.DeadLetterRecord, limit)
	copy(out, o.deadLetters[len(o.deadLetters)-limit:])
	return out, nil
}
