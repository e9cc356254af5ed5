package auditlog

import (
	"context"
	"database/sql"
	"log/slog"
	"time"
)

// Recorder writes audit events best effort: the business operation already
// succeeded, so a failed audit insert is logged and swallowed rather than
// failing the request.
type Recorder struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewRecorder(db *sql.DB, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{db: db, logger: logger}
}

func (r *Recorder) Record(ctx context.Context, event Event) {
	if r == nil || r.db == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if _, err := Insert(ctx, r.db, event); err != nil {
		r.logger.Warn("audit insert failed",
			"action", event.Action,
			"resource_id", event.ResourceID,
			"error", err,
		)
	}
}
