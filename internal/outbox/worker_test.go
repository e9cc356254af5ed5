package outbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	busmem "github.com/orchid-labs/orchid-go/internal/bus/memory"
	"github.com/orchid-labs/orchid-go/internal/domain"
	repomem "github.com/orchid-labs/orchid-go/internal/repo/memory"
)

func testConfig() Config {
	return Config{
		PollInterval:    10 * time.Millisecond,
		MaxPollInterval: 160 * time.Millisecond,
		BatchSize:       10,
		LeaseTTL:        time.Minute,
		MaxAttempts:     3,
		LagThreshold:    5 * time.Minute,
	}
}

func testWorker(t *testing.T, ob *repomem.Outbox, b *busmem.Bus, cfg Config) *Worker {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w, err := NewWorker(ob, b, cfg, logger, prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	return w
}

func enqueue(t *testing.T, store *repomem.Store, runID string, n int) []domain.EventEnvelope {
	t.Helper()
	envelopes := make([]domain.EventEnvelope, 0, n)
	for i := 0; i < n; i++ {
		envelopes = append(envelopes, domain.EventEnvelope{
			RunID:          runID,
			Type:           domain.EventRunStarted,
			IdempotencyKey: fmt.Sprintf("%s-key-%d", runID, i),
			EmittedAt:      time.Now().UTC(),
		})
	}
	res, err := store.AppendAndEnqueue(context.Background(), runID, envelopes)
	if err != nil {
		t.Fatalf("AppendAndEnqueue: %v", err)
	}
	return res.Appended
}

func TestPollDeliversBatch(t *testing.T) {
	ob := repomem.NewOutbox()
	store := repomem.NewStore(ob)
	b := busmem.NewBus()
	w := testWorker(t, ob, b, testConfig())

	enqueue(t, store, "run-1", 3)

	if err := w.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if got := len(b.Published()); got != 3 {
		t.Fatalf("published = %d, want 3", got)
	}
	count, err := ob.CountUndelivered(context.Background())
	if err != nil {
		t.Fatalf("CountUndelivered: %v", err)
	}
	if count != 0 {
		t.Fatalf("undelivered = %d, want 0", count)
	}
}

func TestPollRetriesUntilDelivered(t *testing.T) {
	ob := repomem.NewOutbox()
	store := repomem.NewStore(ob)
	b := busmem.NewBus()
	w := testWorker(t, ob, b, testConfig())

	appended := enqueue(t, store, "run-1", 1)
	b.FailNext(appended[0].IdempotencyKey, 2)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := w.Poll(ctx); err != nil {
			t.Fatalf("Poll %d: %v", i, err)
		}
	}
	published := b.Published()
	if len(published) != 1 {
		t.Fatalf("published = %d, want exactly 1", len(published))
	}
	if published[0].IdempotencyKey != appended[0].IdempotencyKey {
		t.Fatalf("published key = %q, want %q", published[0].IdempotencyKey, appended[0].IdempotencyKey)
	}
	count, err := ob.CountUndelivered(ctx)
	if err != nil {
		t.Fatalf("CountUndelivered: %v", err)
	}
	if count != 0 {
		t.Fatalf("undelivered = %d, want 0", count)
	}
}

func TestDeadLetterAtAttemptCeiling(t *testing.T) {
	ob := repomem.NewOutbox()
	store := repomem.NewStore(ob)
	b := busmem.NewBus()
	cfg := testConfig()
	cfg.MaxAttempts = 3
	w := testWorker(t, ob, b, cfg)

	appended := enqueue(t, store, "run-1", 1)
	b.FailNext(appended[0].IdempotencyKey, 100)

	ctx := context.Background()
	for i := 0; i < cfg.MaxAttempts; i++ {
		if err := w.Poll(ctx); err != nil {
			t.Fatalf("Poll %d: %v", i, err)
		}
	}
	if got := len(b.Published()); got != 0 {
		t.Fatalf("published = %d, want 0", got)
	}
	dead, err := ob.ListDeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("ListDeadLetters: %v", err)
	}
	if len(dead) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(dead))
	}
	if dead[0].Attempts != cfg.MaxAttempts {
		t.Fatalf("dead letter attempts = %d, want %d", dead[0].Attempts, cfg.MaxAttempts)
	}
	if dead[0].LastError == "" {
		t.Fatal("dead letter last error is empty")
	}
	count, err := ob.CountUndelivered(ctx)
	if err != nil {
		t.Fatalf("CountUndelivered: %v", err)
	}
	if count != 0 {
		t.Fatalf("undelivered = %d, want 0", count)
	}

	// A dead-lettered record must never be re-claimed.
	if err := w.Poll(ctx); err != nil {
		t.Fatalf("Poll after dead-letter: %v", err)
	}
	if got := len(b.Published()); got != 0 {
		t.Fatalf("published after dead-letter = %d, want 0", got)
	}
}

func TestBreakerOpensAndCloses(t *testing.T) {
	ob := repomem.NewOutbox()
	store := repomem.NewStore(ob)
	b := busmem.NewBus()
	cfg := testConfig()
	cfg.LagThreshold = 5 * time.Minute
	w := testWorker(t, ob, b, cfg)

	enqueue(t, store, "run-1", 1)

	ctx := context.Background()
	w.observe(ctx)
	if w.BreakerOpen() {
		t.Fatal("breaker open with fresh backlog")
	}

	// Age the backlog past the threshold from the worker's point of view.
	w.now = func() time.Time { return time.Now().UTC().Add(10 * time.Minute) }
	w.observe(ctx)
	if !w.BreakerOpen() {
		t.Fatal("breaker closed with lag past threshold")
	}

	if err := w.Poll(ctx); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	w.observe(ctx)
	if w.BreakerOpen() {
		t.Fatal("breaker open after backlog drained")
	}
}

func TestStats(t *testing.T) {
	ob := repomem.NewOutbox()
	store := repomem.NewStore(ob)
	b := busmem.NewBus()
	w := testWorker(t, ob, b, testConfig())

	enqueue(t, store, "run-1", 2)

	ctx := context.Background()
	stats, err := w.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Undelivered != 2 {
		t.Fatalf("undelivered = %d, want 2", stats.Undelivered)
	}
	if stats.BreakerOpen {
		t.Fatal("breaker open before any lag")
	}

	if err := w.Poll(ctx); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	stats, err = w.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Undelivered != 0 {
		t.Fatalf("undelivered after drain = %d, want 0", stats.Undelivered)
	}
	if stats.Lag != 0 {
		t.Fatalf("lag after drain = %v, want 0", stats.Lag)
	}
}

func TestBackoffInterval(t *testing.T) {
	base := 10 * time.Millisecond
	max := 160 * time.Millisecond
	cases := []struct {
		failures int
		want     time.Duration
	}{
		{failures: 0, want: 10 * time.Millisecond},
		{failures: 1, want: 10 * time.Millisecond},
		{failures: 2, want: 20 * time.Millisecond},
		{failures: 3, want: 40 * time.Millisecond},
		{failures: 4, want: 80 * time.Millisecond},
		{failures: 5, want: 160 * time.Millisecond},
		{failures: 20, want: 160 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := backoffInterval(base, max, tc.failures); got != tc.want {
			t.Errorf("backoffInterval(%d) = %v, want %v", tc.failures, got, tc.want)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "zero poll interval", mutate: func(c *Config) { c.PollInterval = 0 }, wantErr: true},
		{name: "max below base", mutate: func(c *Config) { c.MaxPollInterval = time.Millisecond }, wantErr: true},
		{name: "zero batch", mutate: func(c *Config) { c.BatchSize = 0 }, wantErr: true},
		{name: "zero lease", mutate: func(c *Config) { c.LeaseTTL = 0 }, wantErr: true},
		{name: "zero attempts", mutate: func(c *Config) { c.MaxAttempts = 0 }, wantErr: true},
		{name: "zero lag threshold", mutate: func(c *Config) { c.LagThreshold = 0 }, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr && err == nil {
				t.Fatal("expected error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
