// Package memory is an in-process bus for tests. It can be programmed to
// fail a number of times per event to exercise the worker's retry path.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/orchid-labs/orchid-go/internal/domain"
)

type Bus struct {
	mu        sync.Mutex
	published []domain.EventEnvelope
	failures  map[string]int
	failAll   error
	healthy   bool
}

func NewBus() *Bus {
	return &Bus{failures: map[string]int{}, healthy: true}
}

// FailNext makes the next n publishes of the event with the given
// idempotency key fail.
func (b *Bus) FailNext(idempotencyKey string, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[idempotencyKey] = n
}

// FailAll makes every publish fail with err until cleared with nil.
func (b *Bus) FailAll(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failAll = err
	b.healthy = err == nil
}

func (b *Bus) Publish(ctx context.Context, event domain.EventEnvelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failAll != nil {
		return b.failAll
	}
	if n := b.failures[event.IdempotencyKey]; n > 0 {
		b.failures[event.IdempotencyKey] = n - 1
		return errors.New("simulated publish failure")
	}
	b.published = append(b.published, event)
	return nil
}

func (b *Bus) Healthy(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.healthy {
		return errors.New("bus unhealthy")
	}
	return nil
}

// Published returns a copy of everything delivered so far.
func (b *Bus) Published() []domain.EventEnvelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.EventEnvelope, len(b.published))
	copy(out, b.published)
	return out
}
