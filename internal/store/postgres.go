package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/logolens/logolens/internal/domain"
	_ "github.com/lib/pq"
)

// The partial unique index on active jobs and the per-unit index on attempts
// are what make concurrent start/record calls collapse onto one row.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS assets (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	filename TEXT NOT NULL DEFAULT '',
	size_bytes BIGINT NOT NULL DEFAULT 0,
	object_key TEXT NOT NULL,
	status TEXT NOT NULL,
	error_detail TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	asset_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	target_rate DOUBLE PRECISION NOT NULL DEFAULT 1,
	unit_count INT NOT NULL DEFAULT 0,
	error_detail TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS jobs_one_active_per_asset
	ON jobs (asset_id) WHERE status IN ('pending', 'processing');

CREATE TABLE IF NOT EXISTS processing_attempts (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	asset_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	frame_index INT,
	frame_timestamp DOUBLE PRECISION,
	input_key TEXT NOT NULL,
	status TEXT NOT NULL,
	error_detail TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS attempts_one_per_unit
	ON processing_attempts (job_id, COALESCE(frame_index, -1));

CREATE TABLE IF NOT EXISTS detection_results (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	attempt_id TEXT NOT NULL,
	asset_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	frame_index INT,
	frame_timestamp DOUBLE PRECISION,
	detector_kind TEXT NOT NULL,
	payload JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (job_id, attempt_id)
);

CREATE TABLE IF NOT EXISTS plans (
	user_id TEXT PRIMARY KEY,
	subscription_ref TEXT NOT NULL,
	unit_quota BIGINT NOT NULL,
	period_start TIMESTAMPTZ NOT NULL,
	active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS usage_reports (
	job_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	units BIGINT NOT NULL,
	overage BIGINT NOT NULL,
	idempotency_key TEXT NOT NULL,
	reported_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS free_tier_usage (
	user_id TEXT PRIMARY KEY,
	units BIGINT NOT NULL DEFAULT 0
);
`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) CreateAsset(ctx context.Context, asset domain.Asset) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO assets (id, user_id, kind, filename, size_bytes, object_key, status, error_detail, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO NOTHING`,
		asset.ID, asset.UserID, string(asset.Kind), asset.Filename, asset.SizeBytes,
		asset.ObjectKey, asset.Status, asset.ErrorDetail, asset.CreatedAt, asset.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert asset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAsset(ctx context.Context, id string) (domain.Asset, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, kind, filename, size_bytes, object_key, status, error_detail, created_at, updated_at
		 FROM assets WHERE id = $1`, id)

	var asset domain.Asset
	var kind string
	err := row.Scan(&asset.ID, &asset.UserID, &kind, &asset.Filename, &asset.SizeBytes,
		&asset.ObjectKey, &asset.Status, &asset.ErrorDetail, &asset.CreatedAt, &asset.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.Asset{}, false, nil
	}
	if err != nil {
		return domain.Asset{}, false, fmt.Errorf("query asset: %w", err)
	}
	asset.Kind = domain.MediaKind(kind)
	return asset, true, nil
}

func (s *PostgresStore) UpdateAssetStatus(ctx context.Context, id, status, errorDetail string) (domain.Asset, error) {
	_, err := s.db.ExecContext(ctx,
		`UPDATE assets SET status = $1, error_detail = $2, updated_at = $3 WHERE id = $4`,
		status, errorDetail, time.Now().UTC(), id)
	if err != nil {
		return domain.Asset{}, fmt.Errorf("update asset status: %w", err)
	}

	asset, ok, err := s.GetAsset(ctx, id)
	if err != nil {
		return domain.Asset{}, err
	}
	if !ok {
		return domain.Asset{}, domain.ErrAssetNotFound
	}
	return asset, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job domain.Job) (domain.Job, bool, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, asset_id, user_id, kind, status, target_rate, unit_count, error_detail, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (asset_id) WHERE status IN ('pending', 'processing') DO NOTHING`,
		job.ID, job.AssetID, job.UserID, string(job.Kind), job.Status, job.TargetRate,
		job.UnitCount, job.ErrorDetail, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("insert job: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("insert job rows affected: %w", err)
	}
	if inserted == 1 {
		return job, true, nil
	}

	// Conflict with the active job for this asset: resolve by re-reading.
	existing, ok, err := s.FindActiveJobByAsset(ctx, job.AssetID)
	if err != nil {
		return domain.Job{}, false, err
	}
	if !ok {
		return domain.Job{}, false, fmt.Errorf("%w: active job vanished for asset %s", domain.ErrPersistenceConflict, job.AssetID)
	}
	return existing, false, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (domain.Job, bool, error) {
	return s.scanJob(s.db.QueryRowContext(ctx, jobSelect+` WHERE id = $1`, id))
}

func (s *PostgresStore) FindActiveJobByAsset(ctx context.Context, assetID string) (domain.Job, bool, error) {
	return s.scanJob(s.db.QueryRowContext(ctx,
		jobSelect+` WHERE asset_id = $1 AND status IN ('pending', 'processing')`, assetID))
}

const jobSelect = `SELECT id, asset_id, user_id, kind, status, target_rate, unit_count, error_detail, created_at, updated_at, completed_at FROM jobs`

func (s *PostgresStore) scanJob(row *sql.Row) (domain.Job, bool, error) {
	var job domain.Job
	var kind string
	err := row.Scan(&job.ID, &job.AssetID, &job.UserID, &kind, &job.Status, &job.TargetRate,
		&job.UnitCount, &job.ErrorDetail, &job.CreatedAt, &job.UpdatedAt, &job.CompletedAt)
	if err == sql.ErrNoRows {
		return domain.Job{}, false, nil
	}
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("query job: %w", err)
	}
	job.Kind = domain.MediaKind(kind)
	return job, true, nil
}

func (s *PostgresStore) TransitionJob(ctx context.Context, id, from, to, errorDetail string) (domain.Job, bool, error) {
	now := time.Now().UTC()
	var completedAt *time.Time
	if domain.TerminalStatus(to) {
		completedAt = &now
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = $1, error_detail = $2, updated_at = $3, completed_at = COALESCE($4, completed_at)
		 WHERE id = $5 AND status = $6`,
		to, errorDetail, now, completedAt, id, from)
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("transition job: %w", err)
	}

	won, err := result.RowsAffected()
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("transition job rows affected: %w", err)
	}

	job, ok, err := s.GetJob(ctx, id)
	if err != nil {
		return domain.Job{}, false, err
	}
	if !ok {
		return domain.Job{}, false, domain.ErrJobNotFound
	}
	return job, won == 1, nil
}

func (s *PostgresStore) SetJobUnitCount(ctx context.Context, id string, unitCount int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET unit_count = $1, updated_at = $2 WHERE id = $3`,
		unitCount, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set job unit count: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAttempt(ctx context.Context, attempt domain.ProcessingAttempt) (domain.ProcessingAttempt, bool, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO processing_attempts (id, job_id, asset_id, user_id, frame_index, frame_timestamp, input_key, status, error_detail, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (job_id, COALESCE(frame_index, -1)) DO NOTHING`,
		attempt.ID, attempt.JobID, attempt.AssetID, attempt.UserID, attempt.FrameIndex,
		attempt.FrameTimestamp, attempt.InputKey, attempt.Status, attempt.ErrorDetail,
		attempt.CreatedAt, attempt.UpdatedAt,
	)
	if err != nil {
		return domain.ProcessingAttempt{}, false, fmt.Errorf("insert attempt: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return domain.ProcessingAttempt{}, false, fmt.Errorf("insert attempt rows affected: %w", err)
	}
	if inserted == 1 {
		return attempt, true, nil
	}

	existing, ok, err := s.findAttemptByUnit(ctx, attempt.JobID, attempt.FrameIndex)
	if err != nil {
		return domain.ProcessingAttempt{}, false, err
	}
	if !ok {
		return domain.ProcessingAttempt{}, false, fmt.Errorf("%w: attempt vanished for job %s", domain.ErrPersistenceConflict, attempt.JobID)
	}
	return existing, false, nil
}

const attemptSelect = `SELECT id, job_id, asset_id, user_id, frame_index, frame_timestamp, input_key, status, error_detail, created_at, updated_at, completed_at FROM processing_attempts`

func (s *PostgresStore) findAttemptByUnit(ctx context.Context, jobID string, frameIndex *int) (domain.ProcessingAttempt, bool, error) {
	return s.scanAttempt(s.db.QueryRowContext(ctx,
		attemptSelect+` WHERE job_id = $1 AND COALESCE(frame_index, -1) = COALESCE($2, -1)`,
		jobID, frameIndex))
}

func (s *PostgresStore) GetAttempt(ctx context.Context, id string) (domain.ProcessingAttempt, bool, error) {
	return s.scanAttempt(s.db.QueryRowContext(ctx, attemptSelect+` WHERE id = $1`, id))
}

func (s *PostgresStore) scanAttempt(row *sql.Row) (domain.ProcessingAttempt, bool, error) {
	var attempt domain.ProcessingAttempt
	err := row.Scan(&attempt.ID, &attempt.JobID, &attempt.AssetID, &attempt.UserID,
		&attempt.FrameIndex, &attempt.FrameTimestamp, &attempt.InputKey, &attempt.Status,
		&attempt.ErrorDetail, &attempt.CreatedAt, &attempt.UpdatedAt, &attempt.CompletedAt)
	if err == sql.ErrNoRows {
		return domain.ProcessingAttempt{}, false, nil
	}
	if err != nil {
		return domain.ProcessingAttempt{}, false, fmt.Errorf("query attempt: %w", err)
	}
	return attempt, true, nil
}

func (s *PostgresStore) TransitionAttempt(ctx context.Context, id, from, to, errorDetail string) (domain.ProcessingAttempt, bool, error) {
	now := time.Now().UTC()
	var completedAt *time.Time
	if to == domain.AttemptStatusCompleted || to == domain.AttemptStatusFailed {
		completedAt = &now
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE processing_attempts SET status = $1, error_detail = $2, updated_at = $3, completed_at = COALESCE($4, completed_at)
		 WHERE id = $5 AND status = $6`,
		to, errorDetail, now, completedAt, id, from)
	if err != nil {
		return domain.ProcessingAttempt{}, false, fmt.Errorf("transition attempt: %w", err)
	}

	won, err := result.RowsAffected()
	if err != nil {
		return domain.ProcessingAttempt{}, false, fmt.Errorf("transition attempt rows affected: %w", err)
	}

	attempt, ok, err := s.GetAttempt(ctx, id)
	if err != nil {
		return domain.ProcessingAttempt{}, false, err
	}
	if !ok {
		return domain.ProcessingAttempt{}, false, domain.ErrJobNotFound
	}
	return attempt, won == 1, nil
}

func (s *PostgresStore) CountAttempts(ctx context.Context, jobID string) (domain.AttemptCounts, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM processing_attempts WHERE job_id = $1 GROUP BY status`, jobID)
	if err != nil {
		return domain.AttemptCounts{}, fmt.Errorf("count attempts: %w", err)
	}
	defer rows.Close()

	var counts domain.AttemptCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return domain.AttemptCounts{}, fmt.Errorf("scan attempt count: %w", err)
		}
		switch status {
		case domain.AttemptStatusPending:
			counts.Pending = n
		case domain.AttemptStatusProcessing:
			counts.Processing = n
		case domain.AttemptStatusCompleted:
			counts.Completed = n
		case domain.AttemptStatusFailed:
			counts.Failed = n
		}
	}
	return counts, rows.Err()
}

func (s *PostgresStore) CreateDetectionResult(ctx context.Context, result domain.DetectionResult) (bool, error) {
	payload, err := json.Marshal(result.Payload)
	if err != nil {
		return false, fmt.Errorf("marshal detection payload: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO detection_results (id, job_id, attempt_id, asset_id, user_id, frame_index, frame_timestamp, detector_kind, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (job_id, attempt_id) DO NOTHING`,
		result.ID, result.JobID, result.AttemptID, result.AssetID, result.UserID,
		result.FrameIndex, result.FrameTimestamp, result.DetectorKind, payload, result.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert detection result: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert detection result rows affected: %w", err)
	}
	return inserted == 1, nil
}

func (s *PostgresStore) ListDetectionResults(ctx context.Context, jobID string) ([]domain.DetectionResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, attempt_id, asset_id, user_id, frame_index, frame_timestamp, detector_kind, payload, created_at
		 FROM detection_results WHERE job_id = $1 ORDER BY COALESCE(frame_index, 0)`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list detection results: %w", err)
	}
	defer rows.Close()

	var results []domain.DetectionResult
	for rows.Next() {
		var result domain.DetectionResult
		var payload []byte
		if err := rows.Scan(&result.ID, &result.JobID, &result.AttemptID, &result.AssetID,
			&result.UserID, &result.FrameIndex, &result.FrameTimestamp, &result.DetectorKind,
			&payload, &result.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan detection result: %w", err)
		}
		if err := json.Unmarshal(payload, &result.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal detection payload: %w", err)
		}
		results = append(results, result)
	}
	return results, rows.Err()
}

func (s *PostgresStore) ActivePlan(ctx context.Context, userID string) (domain.Plan, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT subscription_ref, unit_quota, period_start FROM plans WHERE user_id = $1 AND active`, userID)

	var plan domain.Plan
	err := row.Scan(&plan.SubscriptionRef, &plan.UnitQuota, &plan.PeriodStart)
	if err == sql.ErrNoRows {
		return domain.Plan{}, domain.ErrNoActivePlan
	}
	if err != nil {
		return domain.Plan{}, fmt.Errorf("%w: %v", domain.ErrQuotaLookup, err)
	}
	return plan, nil
}

func (s *PostgresStore) UnitsInPeriod(ctx context.Context, userID string, periodStart time.Time, excludeJobID string) (int64, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(units), 0) FROM usage_reports
		 WHERE user_id = $1 AND reported_at >= $2 AND job_id <> $3`,
		userID, periodStart, excludeJobID)

	var units int64
	if err := row.Scan(&units); err != nil {
		return 0, fmt.Errorf("sum period units: %w", err)
	}
	return units, nil
}

func (s *PostgresStore) RecordUsageReport(ctx context.Context, report domain.UsageReport) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_reports (job_id, user_id, units, overage, idempotency_key, reported_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (job_id) DO NOTHING`,
		report.JobID, report.UserID, report.Units, report.Overage, report.IdempotencyKey, report.ReportedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert usage report: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert usage report rows affected: %w", err)
	}
	return inserted == 1, nil
}

func (s *PostgresStore) IncrementFreeTierUnits(ctx context.Context, userID string, units int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO free_tier_usage (user_id, units) VALUES ($1, $2)
		 ON CONFLICT (user_id) DO UPDATE SET units = free_tier_usage.units + EXCLUDED.units`,
		userID, units)
	if err != nil {
		return fmt.Errorf("increment free tier units: %w", err)
	}
	return nil
}

func (s *PostgresStore) FreeTierUnits(ctx context.Context, userID string) (int64, error) {
	row := s.db.QueryRowContext(ctx, `SELECT units FROM free_tier_usage WHERE user_id = $1`, userID)

	var units int64
	err := row.Scan(&units)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query free tier units: %w", err)
	}
	return units, nil
}
