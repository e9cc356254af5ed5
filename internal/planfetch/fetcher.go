// Package planfetch retrieves plan documents from object storage and
// verifies them before anything executes: content hash first, then the
// schema gate, then document validation, then identity against the
// reference. Any mismatch is fatal for the run.
package planfetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/orchid-labs/orchid-go/internal/domain"
	"github.com/orchid-labs/orchid-go/internal/platform/env"
)

var (
	ErrURINotAllowed = errors.New("plan uri not in allowlist")
	ErrPlanExpired   = errors.New("plan reference expired")
	ErrPlanTooLarge  = errors.New("plan document too large")
	ErrIntegrity     = errors.New("plan content hash mismatch")
	ErrSchemaVersion = errors.New("unsupported plan schema version")
	ErrSchemaInvalid = errors.New("plan document failed schema validation")
	ErrPlanMismatch  = errors.New("plan identity does not match reference")
)

// Source resolves a plan URI to raw bytes. Implementations must not cache
// across calls; the fetcher re-verifies content on every fetch.
type Source interface {
	Get(ctx context.Context, uri string) ([]byte, error)
}

type Config struct {
	// AllowedURIPrefixes gates which locations plans may be fetched from.
	// Empty means nothing is allowed; the allowlist is never open by default.
	AllowedURIPrefixes []string
	MaxPlanBytes       int64
}

func ConfigFromEnv() (Config, error) {
	maxBytes, err := env.Int("ORCHID_PLAN_MAX_BYTES", 1<<20)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		AllowedURIPrefixes: splitList(env.String("ORCHID_PLAN_URI_ALLOWLIST", "")),
		MaxPlanBytes:       int64(maxBytes),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.MaxPlanBytes < 1 {
		return errors.New("ORCHID_PLAN_MAX_BYTES must be >= 1")
	}
	for _, prefix := range c.AllowedURIPrefixes {
		if strings.TrimSpace(prefix) == "" {
			return errors.New("allowlist entries must be non-empty")
		}
	}
	return nil
}

type Fetcher struct {
	source Source
	cfg    Config
	now    func() time.Time
}

func NewFetcher(source Source, cfg Config) (*Fetcher, error) {
	if source == nil {
		return nil, errors.New("plan source is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Fetcher{
		source: source,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Fetch retrieves and fully verifies the plan named by ref.
func (f *Fetcher) Fetch(ctx context.Context, ref domain.PlanRef) (domain.Plan, error) {
	if f == nil || f.source == nil {
		return domain.Plan{}, errors.New("fetcher not initialized")
	}
	if err := ref.Validate(); err != nil {
		return domain.Plan{}, err
	}
	if !f.allowed(ref.URI) {
		return domain.Plan{}, fmt.Errorf("%w: %s", ErrURINotAllowed, ref.URI)
	}
	if ref.ExpiresAt != nil && ref.ExpiresAt.Before(f.now()) {
		return domain.Plan{}, fmt.Errorf("%w: expired at %s", ErrPlanExpired, ref.ExpiresAt.Format(time.RFC3339))
	}

	raw, err := f.source.Get(ctx, ref.URI)
	if err != nil {
		return domain.Plan{}, fmt.Errorf("fetch plan %s: %w", ref.URI, err)
	}
	if int64(len(raw)) > f.cfg.MaxPlanBytes {
		return domain.Plan{}, fmt.Errorf("%w: %d bytes", ErrPlanTooLarge, len(raw))
	}

	sum := sha256.Sum256(raw)
	if hex.EncodeToString(sum[:]) != strings.ToLower(strings.TrimSpace(ref.ContentSHA256)) {
		return domain.Plan{}, ErrIntegrity
	}

	major, err := majorOf(ref.SchemaVersion)
	if err != nil {
		return domain.Plan{}, fmt.Errorf("%w: %v", ErrSchemaVersion, err)
	}
	schema, ok := planSchemas[major]
	if !ok {
		return domain.Plan{}, fmt.Errorf("%w: major %d", ErrSchemaVersion, major)
	}
	if err := validateDocument(schema, raw); err != nil {
		return domain.Plan{}, fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
	}

	plan, err := domain.UnmarshalPlan(raw)
	if err != nil {
		return domain.Plan{}, err
	}
	if plan.ID != ref.PlanID || plan.Version != ref.PlanVersion {
		return domain.Plan{}, fmt.Errorf("%w: document %s@%s, reference %s@%s",
			ErrPlanMismatch, plan.ID, plan.Version, ref.PlanID, ref.PlanVersion)
	}
	return plan, nil
}

func (f *Fetcher) allowed(uri string) bool {
	for _, prefix := range f.cfg.AllowedURIPrefixes {
		if strings.HasPrefix(uri, prefix) {
			return true
		}
	}
	return false
}

func validateDocument(schema *openapi3.Schema, raw []byte) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return schema.VisitJSON(doc, openapi3.MultiErrors())
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
