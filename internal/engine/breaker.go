package engine

import (
	"sync"
	"time"

	"github.com/orchid-labs/orchid-go/internal/domain"
)

// breaker trips per provider after a streak of consecutive adapter
// failures and recovers on its own after the cool-down. Status reads use
// it to skip enrichment; mutating calls fail fast with
// ErrProviderUnavailable while it is open.
type breaker struct {
	threshold int
	coolDown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	failures map[domain.ProviderKind]int
	openedAt map[domain.ProviderKind]time.Time
}

func newBreaker(threshold int, coolDown time.Duration) *breaker {
	return &breaker{
		threshold: threshold,
		coolDown:  coolDown,
		now:       func() time.Time { return time.Now().UTC() },
		failures:  map[domain.ProviderKind]int{},
		openedAt:  map[domain.ProviderKind]time.Time{},
	}
}

// allow reports whether calls to the provider may proceed. An expired
// cool-down half-opens the breaker: the next call goes through and its
// outcome decides.
func (b *breaker) allow(kind domain.ProviderKind) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	opened, ok := b.openedAt[kind]
	if !ok {
		return true
	}
	return b.now().Sub(opened) >= b.coolDown
}

func (b *breaker) success(kind domain.ProviderKind) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[kind] = 0
	delete(b.openedAt, kind)
}

func (b *breaker) failure(kind domain.ProviderKind) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[kind]++
	if b.failures[kind] >= b.threshold {
		// A failed half-open probe restarts the cool-down.
		b.openedAt[kind] = b.now()
	}
}

func (b *breaker) open(kind domain.ProviderKind) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	opened, ok := b.openedAt[kind]
	if !ok {
		return false
	}
	return b.now().Sub(opened) < b.coolDown
}
