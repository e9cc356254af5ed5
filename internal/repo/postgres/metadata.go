package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/orchid-labs/orchid-go/internal/domain"
	"github.com/orchid-labs/orchid-go/internal/repo"
)

func insertMetadata(ctx context.Context, q DB, md domain.RunMetadata) error {
	_, err := q.ExecContext(
		ctx,
		`INSERT INTO run_metadata (
			run_id, tenant_id, project_id, environment_id,
			plan_id, plan_version, provider,
			provider_workflow_id, provider_run_id, provider_namespace,
			provider_task_queue, provider_endpoint, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		strings.TrimSpace(md.RunID),
		strings.TrimSpace(md.TenantID),
		strings.TrimSpace(md.ProjectID),
		strings.TrimSpace(md.EnvironmentID),
		strings.TrimSpace(md.PlanID),
		strings.TrimSpace(md.PlanVersion),
		string(md.Provider),
		nullIfEmpty(md.ProviderWorkflowID),
		nullIfEmpty(md.ProviderRunID),
		nullIfEmpty(md.ProviderNamespace),
		nullIfEmpty(md.ProviderTaskQueue),
		nullIfEmpty(md.ProviderEndpoint),
		normalizeTime(md.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repo.ErrRunExists
		}
		return fmt.Errorf("insert run metadata: %w", err)
	}
	return nil
}

func (s *Store) GetRunMetadata(ctx context.Context, runID string) (domain.RunMetadata, error) {
	if s == nil || s.db == nil {
		return domain.RunMetadata{}, fmt.Errorf("state store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.RunMetadata{}, fmt.Errorf("run id is required")
	}

	var md domain.RunMetadata
	var provider string
	var workflowID, providerRunID, namespace, taskQueue, endpoint sql.NullString
	err := s.db.QueryRowContext(
		ctx,
		`SELECT run_id, tenant_id, project_id, environment_id,
			plan_id, plan_version, provider,
			provider_workflow_id, provider_run_id, provider_namespace,
			provider_task_queue, provider_endpoint, created_at
		 FROM run_metadata WHERE run_id = $1`,
		runID,
	).Scan(
		&md.RunID,
		&md.TenantID,
		&md.ProjectID,
		&md.EnvironmentID,
		&md.PlanID,
		&md.PlanVersion,
		&provider,
		&workflowID,
		&providerRunID,
		&namespace,
		&taskQueue,
		&endpoint,
		&md.CreatedAt,
	)
	if err != nil {
		return domain.RunMetadata{}, handleNotFound(err)
	}
	md.Provider = domain.ProviderKind(provider)
	md.ProviderWorkflowID = workflowID.String
	md.ProviderRunID = providerRunID.String
	md.ProviderNamespace = namespace.String
	md.ProviderTaskQueue = taskQueue.String
	md.ProviderEndpoint = endpoint.String
	md.CreatedAt = md.CreatedAt.UTC()
	return md, nil
}

func (s *Store) UpdateProviderInfo(ctx context.Context, runID string, info domain.ProviderInfo) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("state store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE run_metadata SET
			provider_workflow_id = $1,
			provider_run_id = $2,
			provider_namespace = $3,
			provider_task_queue = $4,
			provider_endpoint = $5,
			provider_confirmed_at = $6
		 WHERE run_id = $7`,
		nullIfEmpty(info.WorkflowID),
		nullIfEmpty(info.RunID),
		nullIfEmpty(info.Namespace),
		nullIfEmpty(info.TaskQueue),
		nullIfEmpty(info.Endpoint),
		time.Now().UTC(),
		runID,
	)
	if err != nil {
		return fmt.Errorf("update provider info: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update provider info: %w", err)
	}
	if rows == 0 {
		return repo.ErrNotFound
	}
	return nil
}
