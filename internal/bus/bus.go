// Package bus defines the event-bus boundary the outbox worker publishes to.
// Delivery is at-least-once; consumers must deduplicate by the event's
// idempotency key.
package bus

import (
	"context"

	"github.com/orchid-labs/orchid-go/internal/domain"
)

type Bus interface {
	Publish(ctx context.Context, event domain.EventEnvelope) error
	Healthy(ctx context.Context) error
}
