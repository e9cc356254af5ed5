// Package provider abstracts the execution substrate that drives runs. The
// engine talks only to Adapter; run metadata records which kind started a
// run so later calls resolve the same adapter.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/orchid-labs/orchid-go/internal/domain"
)

var ErrUnknownProvider = errors.New("unknown provider")

// StartInput carries everything an adapter needs to begin provider-side
// execution. The plan reference is passed by value; the provider fetches
// and re-verifies the document itself.
type StartInput struct {
	Run     domain.RunContext
	PlanRef domain.PlanRef
}

// RuntimeStatus is provider-side enrichment for status reads. It never
// overrides the canonical projected status.
type RuntimeStatus struct {
	State  string `json:"state,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Adapter is implemented per execution substrate. All operations take the
// stored run metadata so adapters can locate provider-side state from the
// correlation fields.
type Adapter interface {
	Kind() domain.ProviderKind

	// StartRun begins provider-side execution and returns correlation info.
	// Implementations must be safe to retry with the same run id.
	StartRun(ctx context.Context, in StartInput) (domain.ProviderInfo, error)

	// CancelRun requests provider-side cancellation. Cancelling an already
	// finished run is not an error.
	CancelRun(ctx context.Context, md domain.RunMetadata, reason string) error

	// GetRunStatus reads provider-side execution state.
	GetRunStatus(ctx context.Context, md domain.RunMetadata) (RuntimeStatus, error)

	// Signal forwards an intervention to the running provider-side program.
	Signal(ctx context.Context, md domain.RunMetadata, sig domain.SignalRequest) error

	Healthy(ctx context.Context) error
}

// Registry resolves adapters by kind.
type Registry struct {
	mu       sync.RWMutex
	adapters map[domain.ProviderKind]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: map[domain.ProviderKind]Adapter{}}
}

func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return errors.New("adapter is required")
	}
	kind := adapter.Kind()
	if !kind.Known() {
		return fmt.Errorf("%w: %q", ErrUnknownProvider, kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[kind]; ok {
		return fmt.Errorf("adapter already registered: %q", kind)
	}
	r.adapters[kind] = adapter
	return nil
}

func (r *Registry) Resolve(kind domain.ProviderKind) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, kind)
	}
	return adapter, nil
}

// Kinds lists the registered adapter kinds.
func (r *Registry) Kinds() []domain.ProviderKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ProviderKind, 0, len(r.adapters))
	for kind := range r.adapters {
		out = append(out, kind)
	}
	return out
}
