// Package outbox delivers persisted events to the external bus at least
// once, decoupled from the store's write path. Multiple workers can share
// one outbox; the store's lease claims keep them from fighting over rows.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/orchid-labs/orchid-go/internal/bus"
	"github.com/orchid-labs/orchid-go/internal/domain"
	"github.com/orchid-labs/orchid-go/internal/platform/env"
	"github.com/orchid-labs/orchid-go/internal/repo"
)

type Config struct {
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	BatchSize       int
	LeaseTTL        time.Duration
	// MaxAttempts is the delivery budget per record; on reaching it the
	// record is dead-lettered, never retried again.
	MaxAttempts int
	// LagThreshold is the oldest-undelivered age at which the breaker opens.
	LagThreshold time.Duration
}

func ConfigFromEnv() (Config, error) {
	pollInterval, err := env.Duration("OUTBOX_POLL_INTERVAL", time.Second)
	if err != nil {
		return Config{}, err
	}
	maxPollInterval, err := env.Duration("OUTBOX_MAX_POLL_INTERVAL", 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	batchSize, err := env.Int("OUTBOX_BATCH_SIZE", 100)
	if err != nil {
		return Config{}, err
	}
	leaseTTL, err := env.Duration("OUTBOX_LEASE_TTL", time.Minute)
	if err != nil {
		return Config{}, err
	}
	maxAttempts, err := env.Int("OUTBOX_MAX_ATTEMPTS", 10)
	if err != nil {
		return Config{}, err
	}
	lagThreshold, err := env.Duration("OUTBOX_LAG_THRESHOLD", 5*time.Minute)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		PollInterval:    pollInterval,
		MaxPollInterval: maxPollInterval,
		BatchSize:       batchSize,
		LeaseTTL:        leaseTTL,
		MaxAttempts:     maxAttempts,
		LagThreshold:    lagThreshold,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.PollInterval <= 0 {
		return errors.New("OUTBOX_POLL_INTERVAL must be positive")
	}
	if c.MaxPollInterval < c.PollInterval {
		return errors.New("OUTBOX_MAX_POLL_INTERVAL must be >= OUTBOX_POLL_INTERVAL")
	}
	if c.BatchSize < 1 {
		return errors.New("OUTBOX_BATCH_SIZE must be >= 1")
	}
	if c.LeaseTTL <= 0 {
		return errors.New("OUTBOX_LEASE_TTL must be positive")
	}
	if c.MaxAttempts < 1 {
		return errors.New("OUTBOX_MAX_ATTEMPTS must be >= 1")
	}
	if c.LagThreshold <= 0 {
		return errors.New("OUTBOX_LAG_THRESHOLD must be positive")
	}
	return nil
}

// Stats is the observable worker state.
type Stats struct {
	Undelivered  int64         `json:"undelivered"`
	Lag          time.Duration `json:"lag"`
	DeliveryRate float64       `json:"delivery_rate"`
	BreakerOpen  bool          `json:"breaker_open"`
}

type Worker struct {
	store   repo.OutboxStore
	bus     bus.Bus
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time

	mu               sync.Mutex
	breakerOpen      bool
	pollFailures     int
	deliveredSince   int64
	lastRateSample   time.Time
	lastDeliveryRate float64
}

func NewWorker(store repo.OutboxStore, b bus.Bus, cfg Config, logger *slog.Logger, reg prometheus.Registerer) (*Worker, error) {
	if store == nil {
		return nil, errors.New("outbox store is required")
	}
	if b == nil {
		return nil, errors.New("bus is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &Worker{
		store:   store,
		bus:     b,
		cfg:     cfg,
		logger:  logger,
		metrics: NewMetrics(reg),
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Run polls until the context is cancelled. The interval grows
// exponentially with consecutive poll-level failures (capped) and resets to
// the base interval on the first successful poll.
func (w *Worker) Run(ctx context.Context) error {
	interval := w.cfg.PollInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		if err := w.Poll(ctx); err != nil {
			w.mu.Lock()
			w.pollFailures++
			failures := w.pollFailures
			w.mu.Unlock()
			interval = backoffInterval(w.cfg.PollInterval, w.cfg.MaxPollInterval, failures)
			w.logger.Error("outbox poll failed", "error", err, "consecutive_failures", failures, "next_poll_in", interval)
		} else {
			w.mu.Lock()
			w.pollFailures = 0
			w.mu.Unlock()
			interval = w.cfg.PollInterval
		}

		w.observe(ctx)
		timer.Reset(interval)
	}
}

// Poll runs one cycle: claim a batch, attempt delivery per record, update
// per-record outcome. Record-level failures do not fail the poll.
func (w *Worker) Poll(ctx context.Context) error {
	records, err := w.store.Claim(ctx, w.cfg.BatchSize, w.cfg.LeaseTTL)
	if err != nil {
		return fmt.Errorf("claim: %w", err)
	}
	for _, rec := range records {
		w.deliver(ctx, rec)
	}
	return nil
}

func (w *Worker) deliver(ctx context.Context, rec repo.OutboxRecord) {
	var event domain.EventEnvelope
	if err := json.Unmarshal(rec.Payload, &event); err != nil {
		// An undecodable payload can never succeed; retire it immediately.
		w.logger.Error("outbox payload undecodable, dead-lettering", "id", rec.ID, "error", err)
		w.retire(ctx, rec.ID, "payload undecodable: "+err.Error())
		return
	}

	if err := w.bus.Publish(ctx, event); err != nil {
		w.metrics.failures.Inc()
		attempts := rec.Attempts + 1
		if attempts >= w.cfg.MaxAttempts {
			w.logger.Warn("delivery budget exhausted, dead-lettering",
				"id", rec.ID, "attempts", attempts, "error", err)
			w.retire(ctx, rec.ID, err.Error())
			return
		}
		if markErr := w.store.MarkFailed(ctx, rec.ID, err.Error()); markErr != nil {
			w.logger.Error("mark failed", "id", rec.ID, "error", markErr)
		}
		return
	}

	if err := w.store.MarkDelivered(ctx, rec.ID); err != nil {
		w.logger.Error("mark delivered", "id", rec.ID, "error", err)
		return
	}
	w.metrics.delivered.Inc()
	w.mu.Lock()
	w.deliveredSince++
	w.mu.Unlock()
}

func (w *Worker) retire(ctx context.Context, id, reason string) {
	if err := w.store.MarkFailed(ctx, id, strings.TrimSpace(reason)); err != nil {
		w.logger.Error("mark failed before dead-letter", "id", id, "error", err)
	}
	if err := w.store.DeadLetter(ctx, id); err != nil {
		w.logger.Error("dead-letter", "id", id, "error", err)
		return
	}
	w.metrics.deadLetters.Inc()
}

// observe refreshes lag/undelivered metrics and drives the lag breaker.
func (w *Worker) observe(ctx context.Context) {
	now := w.now()

	var lag time.Duration
	oldest, found, err := w.store.OldestUndelivered(ctx)
	if err != nil {
		w.logger.Error("oldest undelivered", "error", err)
		return
	}
	if found {
		lag = now.Sub(oldest)
	}
	w.metrics.lagSeconds.Set(lag.Seconds())

	count, err := w.store.CountUndelivered(ctx)
	if err == nil {
		w.metrics.undelivered.Set(float64(count))
	}

	w.mu.Lock()
	wasOpen := w.breakerOpen
	w.breakerOpen = lag > w.cfg.LagThreshold
	isOpen := w.breakerOpen
	if !w.lastRateSample.IsZero() {
		elapsed := now.Sub(w.lastRateSample).Seconds()
		if elapsed > 0 {
			w.lastDeliveryRate = float64(w.deliveredSince) / elapsed
		}
	}
	w.deliveredSince = 0
	w.lastRateSample = now
	w.mu.Unlock()

	if isOpen {
		w.metrics.breakerOpen.Set(1)
	} else {
		w.metrics.breakerOpen.Set(0)
	}
	if isOpen && !wasOpen {
		w.logger.Warn("outbox delivery lag breaker opened", "lag", lag, "threshold", w.cfg.LagThreshold)
	}
	if !isOpen && wasOpen {
		w.logger.Info("outbox delivery lag breaker closed", "lag", lag)
	}
}

// BreakerOpen reports whether delivery lag currently exceeds the threshold.
func (w *Worker) BreakerOpen() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.breakerOpen
}

func (w *Worker) Stats(ctx context.Context) (Stats, error) {
	count, err := w.store.CountUndelivered(ctx)
	if err != nil {
		return Stats{}, err
	}
	var lag time.Duration
	oldest, found, err := w.store.OldestUndelivered(ctx)
	if err != nil {
		return Stats{}, err
	}
	if found {
		lag = w.now().Sub(oldest)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{
		Undelivered:  count,
		Lag:          lag,
		DeliveryRate: w.lastDeliveryRate,
		BreakerOpen:  w.breakerOpen,
	}, nil
}

func backoffInterval(base, max time.Duration, failures int) time.Duration {
	interval := base
	for i := 1; i < failures; i++ {
		interval *= 2
		if interval >= max {
			return max
		}
	}
	if interval > max {
		return max
	}
	return interval
}
