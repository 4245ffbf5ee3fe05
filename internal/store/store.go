package store

import (
	"context"
	"time"

	"github.com/logolens/logolens/internal/domain"
)

// All create operations are idempotent: a unique-constraint collision is
// resolved by returning the existing record with created=false, never by
// surfacing the conflict to the caller. Status transitions are conditional
// (compare-and-swap on the current status) so racing workers cannot both win.

type AssetStore interface {
	CreateAsset(ctx context.Context, asset domain.Asset) error
	GetAsset(ctx context.Context, id string) (domain.Asset, bool, error)
	UpdateAssetStatus(ctx context.Context, id, status, errorDetail string) (domain.Asset, error)
}

type JobStore interface {
	// CreateJob inserts a pending job unless a non-terminal job already
	// exists for the asset, in which case that job is returned.
	CreateJob(ctx context.Context, job domain.Job) (domain.Job, bool, error)
	GetJob(ctx context.Context, id string) (domain.Job, bool, error)
	FindActiveJobByAsset(ctx context.Context, assetID string) (domain.Job, bool, error)
	// TransitionJob moves a job from one status to another; false when the
	// job was not in the expected status.
	TransitionJob(ctx context.Context, id, from, to, errorDetail string) (domain.Job, bool, error)
	SetJobUnitCount(ctx context.Context, id string, unitCount int) error
}

type AttemptStore interface {
	// CreateAttempt inserts an attempt unless one already exists for the
	// same (job, unit key), in which case that attempt is returned.
	CreateAttempt(ctx context.Context, attempt domain.ProcessingAttempt) (domain.ProcessingAttempt, bool, error)
	GetAttempt(ctx context.Context, id string) (domain.ProcessingAttempt, bool, error)
	TransitionAttempt(ctx context.Context, id, from, to, errorDetail string) (domain.ProcessingAttempt, bool, error)
	CountAttempts(ctx context.Context, jobID string) (domain.AttemptCounts, error)
}

type ResultStore interface {
	// CreateDetectionResult keeps the first write per (job, attempt).
	CreateDetectionResult(ctx context.Context, result domain.DetectionResult) (bool, error)
	ListDetectionResults(ctx context.Context, jobID string) ([]domain.DetectionResult, error)
}

type PlanStore interface {
	// ActivePlan returns domain.ErrNoActivePlan for free-tier users.
	ActivePlan(ctx context.Context, userID string) (domain.Plan, error)
}

type UsageStore interface {
	// UnitsInPeriod counts units claimed since periodStart, excluding
	// excludeJobID so a retried finalize never double-counts itself.
	UnitsInPeriod(ctx context.Context, userID string, periodStart time.Time, excludeJobID string) (int64, error)
	// RecordUsageReport claims a job's units; false when already claimed.
	RecordUsageReport(ctx context.Context, report domain.UsageReport) (bool, error)
	IncrementFreeTierUnits(ctx context.Context, userID string, units int64) error
	FreeTierUnits(ctx context.Context, userID string) (int64, error)
}

// Store is the full persistence surface used by the pipeline.
type Store interface {
	AssetStore
	JobStore
	AttemptStore
	ResultStore
	PlanStore
	UsageStore
}
