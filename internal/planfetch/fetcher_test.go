package planfetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/orchid-labs/orchid-go/internal/domain"
)

type mapSource map[string][]byte

func (m mapSource) Get(ctx context.Context, uri string) ([]byte, error) {
	raw, ok := m[uri]
	if !ok {
		return nil, fmt.Errorf("no object at %s", uri)
	}
	return raw, nil
}

const validPlan = `{
  "id": "train-pipeline",
  "version": "3",
  "schema_version": "1.0",
  "steps": [
    {"id": "a", "uses": "actions/prepare"},
    {"id": "b", "uses": "actions/train", "depends_on": ["a"]},
    {"id": "c", "uses": "actions/report"}
  ]
}`

func hashOf(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func validRef(uri, raw string) domain.PlanRef {
	return domain.PlanRef{
		URI:           uri,
		ContentSHA256: hashOf(raw),
		SchemaVersion: "1.0",
		PlanID:        "train-pipeline",
		PlanVersion:   "3",
	}
}

func testFetcher(t *testing.T, source Source) *Fetcher {
	t.Helper()
	f, err := NewFetcher(source, Config{
		AllowedURIPrefixes: []string{"s3://plans/"},
		MaxPlanBytes:       1 << 20,
	})
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	return f
}

func TestFetchValidPlan(t *testing.T) {
	source := mapSource{"s3://plans/train.json": []byte(validPlan)}
	f := testFetcher(t, source)

	plan, err := f.Fetch(context.Background(), validRef("s3://plans/train.json", validPlan))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if plan.ID != "train-pipeline" || plan.Version != "3" {
		t.Fatalf("plan identity = %s@%s", plan.ID, plan.Version)
	}
	if len(plan.Steps) != 3 {
		t.Fatalf("steps = %d, want 3", len(plan.Steps))
	}
	if plan.Steps[1].DependsOn[0] != "a" {
		t.Fatalf("step b depends_on = %v", plan.Steps[1].DependsOn)
	}
}

func TestFetchRejections(t *testing.T) {
	source := mapSource{"s3://plans/train.json": []byte(validPlan)}
	past := time.Now().UTC().Add(-time.Hour)

	cases := []struct {
		name    string
		mutate  func(*domain.PlanRef)
		wantErr error
	}{
		{
			name:    "uri outside allowlist",
			mutate:  func(r *domain.PlanRef) { r.URI = "s3://other/train.json" },
			wantErr: ErrURINotAllowed,
		},
		{
			name:    "expired reference",
			mutate:  func(r *domain.PlanRef) { r.ExpiresAt = &past },
			wantErr: ErrPlanExpired,
		},
		{
			name: "content hash mismatch",
			mutate: func(r *domain.PlanRef) {
				r.ContentSHA256 = hashOf(validPlan + " ")
			},
			wantErr: ErrIntegrity,
		},
		{
			name:    "unsupported schema major",
			mutate:  func(r *domain.PlanRef) { r.SchemaVersion = "2.0" },
			wantErr: ErrSchemaVersion,
		},
		{
			name:    "malformed schema version",
			mutate:  func(r *domain.PlanRef) { r.SchemaVersion = "one" },
			wantErr: ErrSchemaVersion,
		},
		{
			name:    "plan id mismatch",
			mutate:  func(r *domain.PlanRef) { r.PlanID = "other-pipeline" },
			wantErr: ErrPlanMismatch,
		},
		{
			name:    "plan version mismatch",
			mutate:  func(r *domain.PlanRef) { r.PlanVersion = "4" },
			wantErr: ErrPlanMismatch,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := testFetcher(t, source)
			ref := validRef("s3://plans/train.json", validPlan)
			tc.mutate(&ref)
			_, err := f.Fetch(context.Background(), ref)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("Fetch err = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestFetchRejectsSchemaViolation(t *testing.T) {
	// uses missing on a step: passes JSON decode, fails the schema.
	badPlan := `{
  "id": "train-pipeline",
  "version": "3",
  "steps": [{"id": "a"}]
}`
	source := mapSource{"s3://plans/bad.json": []byte(badPlan)}
	f := testFetcher(t, source)

	ref := validRef("s3://plans/bad.json", badPlan)
	_, err := f.Fetch(context.Background(), ref)
	if !errors.Is(err, ErrSchemaInvalid) {
		t.Fatalf("Fetch err = %v, want %v", err, ErrSchemaInvalid)
	}
}

func TestFetchRejectsOversizedPlan(t *testing.T) {
	source := mapSource{"s3://plans/train.json": []byte(validPlan)}
	f, err := NewFetcher(source, Config{
		AllowedURIPrefixes: []string{"s3://plans/"},
		MaxPlanBytes:       10,
	})
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	_, err = f.Fetch(context.Background(), validRef("s3://plans/train.json", validPlan))
	if !errors.Is(err, ErrPlanTooLarge) {
		t.Fatalf("Fetch err = %v, want %v", err, ErrPlanTooLarge)
	}
}

func TestMajorOf(t *testing.T) {
	cases := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{in: "1", want: 1},
		{in: "1.0", want: 1},
		{in: "v1.2", want: 1},
		{in: " 2.9 ", want: 2},
		{in: "one", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range cases {
		got, err := majorOf(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("majorOf(%q) expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("majorOf(%q) err=%v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("majorOf(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestObjectSourceResolve(t *testing.T) {
	s := &ObjectSource{defaultBucket: "plans"}
	cases := []struct {
		uri        string
		wantBucket string
		wantKey    string
		wantErr    bool
	}{
		{uri: "s3://plans/a/b.json", wantBucket: "plans", wantKey: "a/b.json"},
		{uri: "minio://other/plan.json", wantBucket: "other", wantKey: "plan.json"},
		{uri: "bare/key.json", wantBucket: "plans", wantKey: "bare/key.json"},
		{uri: "https://example.com/plan.json", wantErr: true},
		{uri: "s3:///missing-bucket.json", wantErr: true},
		{uri: "", wantErr: true},
	}
	for _, tc := range cases {
		bucket, key, err := s.resolve(tc.uri)
		if tc.wantErr {
			if err == nil {
				t.Errorf("resolve(%q) expected error", tc.uri)
			}
			continue
		}
		if err != nil {
			t.Errorf("resolve(%q) err=%v", tc.uri, err)
			continue
		}
		if bucket != tc.wantBucket || key != tc.wantKey {
			t.Errorf("resolve(%q) = %s/%s, want %s/%s", tc.uri, bucket, key, tc.wantBucket, tc.wantKey)
		}
	}
}
