package lifecycle

import (
	"context"
	"fmt"

	"github.com/logolens/logolens/internal/domain"
	"github.com/logolens/logolens/internal/store"
	"go.uber.org/zap"
)

// Recorder persists one attempt's detection output.
type Recorder interface {
	Record(ctx context.Context, result domain.DetectionResult) error
}

// Reconciler attributes a finalized job's processed units to billing.
type Reconciler interface {
	Reconcile(ctx context.Context, userID, jobID string, unitsProcessed int64) error
}

type Stores interface {
	store.AssetStore
	store.JobStore
	store.AttemptStore
}

// Manager owns the job state machine: pending, processing, then exactly one
// of completed or failed. Every mutation is either an idempotent create or a
// conditional transition, so redelivered queue messages and racing workers
// converge on the same state.
type Manager struct {
	stores   Stores
	recorder Recorder
	meter    Reconciler
	logger   *zap.Logger
}

func NewManager(stores Stores, recorder Recorder, meter Reconciler, logger *zap.Logger) *Manager {
	return &Manager{stores: stores, recorder: recorder, meter: meter, logger: logger}
}

// StartOrResumeJob creates the asset's job if none is active and moves it to
// processing. Called from the queue consumer, so a redelivery lands on the
// already-running job instead of a second one.
func (m *Manager) StartOrResumeJob(ctx context.Context, assetID string, targetRate float64) (domain.Job, error) {
	asset, ok, err := m.stores.GetAsset(ctx, assetID)
	if err != nil {
		return domain.Job{}, fmt.Errorf("load asset: %w", err)
	}
	if !ok {
		return domain.Job{}, domain.ErrAssetNotFound
	}
	if asset.Cancelled() {
		return domain.Job{}, domain.ErrJobCancelled
	}

	job, created, err := m.stores.CreateJob(ctx, domain.NewJob(asset.ID, asset.UserID, asset.Kind, targetRate))
	if err != nil {
		return domain.Job{}, fmt.Errorf("create job: %w", err)
	}
	if created {
		m.logger.Info("job created",
			zap.String("job_id", job.ID),
			zap.String("asset_id", asset.ID),
			zap.Float64("target_rate", targetRate),
		)
	}

	if job.Status == domain.JobStatusPending {
		moved, won, err := m.stores.TransitionJob(ctx, job.ID, domain.JobStatusPending, domain.JobStatusProcessing, "")
		if err != nil {
			return domain.Job{}, fmt.Errorf("start job: %w", err)
		}
		if won {
			job = moved
		} else {
			job, _, err = m.stores.GetJob(ctx, job.ID)
			if err != nil {
				return domain.Job{}, fmt.Errorf("reload job: %w", err)
			}
		}
	}

	if _, err := m.stores.UpdateAssetStatus(ctx, asset.ID, domain.AssetStatusProcessing, ""); err != nil {
		return domain.Job{}, fmt.Errorf("mark asset processing: %w", err)
	}
	return job, nil
}

// SetUnitCount records how many detection units the job fans out to. The
// count is fixed once extraction has planned the frames.
func (m *Manager) SetUnitCount(ctx context.Context, jobID string, unitCount int) error {
	if unitCount < 0 {
		return fmt.Errorf("unit count must be non-negative, got %d", unitCount)
	}
	return m.stores.SetJobUnitCount(ctx, jobID, unitCount)
}

// RecordAttempt registers one unit's detector invocation. The (job, unit)
// pair is unique: a redelivered frame task gets the original attempt back,
// possibly already terminal, and the caller decides whether work remains.
func (m *Manager) RecordAttempt(ctx context.Context, jobID string, unit domain.Unit) (domain.ProcessingAttempt, error) {
	job, ok, err := m.stores.GetJob(ctx, jobID)
	if err != nil {
		return domain.ProcessingAttempt{}, fmt.Errorf("load job: %w", err)
	}
	if !ok {
		return domain.ProcessingAttempt{}, domain.ErrJobNotFound
	}
	if job.Terminal() {
		return domain.ProcessingAttempt{}, domain.ErrJobCancelled
	}

	asset, ok, err := m.stores.GetAsset(ctx, job.AssetID)
	if err != nil {
		return domain.ProcessingAttempt{}, fmt.Errorf("load asset: %w", err)
	}
	if !ok || asset.Cancelled() {
		return domain.ProcessingAttempt{}, domain.ErrJobCancelled
	}

	attempt, created, err := m.stores.CreateAttempt(ctx, domain.NewAttempt(job, unit))
	if err != nil {
		return domain.ProcessingAttempt{}, fmt.Errorf("create attempt: %w", err)
	}
	if !created {
		m.logger.Debug("attempt already exists for unit",
			zap.String("job_id", jobID),
			zap.String("unit", unit.Key()),
			zap.String("status", attempt.Status),
		)
	}
	return attempt, nil
}

// CompleteAttemptSuccess stores the detection result and marks the attempt
// completed. The result write comes first: a crash between the two leaves a
// replayable attempt whose result dedupes on retry.
func (m *Manager) CompleteAttemptSuccess(ctx context.Context, attemptID string, payload domain.DetectionPayload) error {
	attempt, ok, err := m.stores.GetAttempt(ctx, attemptID)
	if err != nil {
		return fmt.Errorf("load attempt: %w", err)
	}
	if !ok {
		return fmt.Errorf("attempt %s not found", attemptID)
	}
	if attempt.Terminal() {
		return nil
	}

	result, err := domain.NewDetectionResult(attempt, payload)
	if err != nil {
		return err
	}
	if err := m.recorder.Record(ctx, result); err != nil {
		return err
	}

	_, won, err := m.stores.TransitionAttempt(ctx, attemptID, domain.AttemptStatusProcessing, domain.AttemptStatusCompleted, "")
	if err != nil {
		return fmt.Errorf("complete attempt: %w", err)
	}
	if !won {
		m.logger.Debug("attempt already terminal", zap.String("attempt_id", attemptID))
	}
	return nil
}

// CompleteAttemptFailure marks the attempt failed once its retries are spent.
func (m *Manager) CompleteAttemptFailure(ctx context.Context, attemptID, reason string) error {
	attempt, ok, err := m.stores.GetAttempt(ctx, attemptID)
	if err != nil {
		return fmt.Errorf("load attempt: %w", err)
	}
	if !ok {
		return fmt.Errorf("attempt %s not found", attemptID)
	}
	if attempt.Terminal() {
		return nil
	}

	_, _, err = m.stores.TransitionAttempt(ctx, attemptID, domain.AttemptStatusProcessing, domain.AttemptStatusFailed, reason)
	if err != nil {
		return fmt.Errorf("fail attempt: %w", err)
	}
	return nil
}

// FailJob force-terminates a job whose source media could not be processed at
// all, before any units fanned out.
func (m *Manager) FailJob(ctx context.Context, jobID, reason string) error {
	job, ok, err := m.stores.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.Terminal() {
		return nil
	}

	_, won, err := m.stores.TransitionJob(ctx, jobID, job.Status, domain.JobStatusFailed, reason)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if won {
		if _, err := m.stores.UpdateAssetStatus(ctx, job.AssetID, domain.AssetStatusFailed, reason); err != nil {
			return fmt.Errorf("mark asset failed: %w", err)
		}
		m.reconcile(ctx, job, 0)
	}
	return nil
}

// FinalizeJob moves the job to its terminal status once every unit has a
// terminal attempt. finalized is true for exactly one caller; that caller's
// side effects (asset status, usage reconcile) run once.
func (m *Manager) FinalizeJob(ctx context.Context, jobID string) (domain.Job, bool, error) {
	job, ok, err := m.stores.GetJob(ctx, jobID)
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("load job: %w", err)
	}
	if !ok {
		return domain.Job{}, false, domain.ErrJobNotFound
	}
	if job.Terminal() {
		return job, false, nil
	}
	if job.UnitCount == 0 {
		return job, false, nil
	}

	counts, err := m.stores.CountAttempts(ctx, jobID)
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("count attempts: %w", err)
	}
	if counts.Terminal() < job.UnitCount {
		return job, false, nil
	}

	target := domain.JobStatusCompleted
	errorDetail := ""
	if counts.Completed == 0 {
		target = domain.JobStatusFailed
		errorDetail = fmt.Sprintf("all %d units failed", counts.Failed)
	}

	final, won, err := m.stores.TransitionJob(ctx, jobID, domain.JobStatusProcessing, target, errorDetail)
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("finalize job: %w", err)
	}
	if !won {
		return final, false, nil
	}

	assetStatus := domain.AssetStatusProcessed
	if target == domain.JobStatusFailed {
		assetStatus = domain.AssetStatusFailed
	}
	asset, ok, err := m.stores.GetAsset(ctx, job.AssetID)
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("load asset: %w", err)
	}
	if ok && !asset.Cancelled() {
		if _, err := m.stores.UpdateAssetStatus(ctx, job.AssetID, assetStatus, errorDetail); err != nil {
			return domain.Job{}, false, fmt.Errorf("update asset status: %w", err)
		}
	}

	m.logger.Info("job finalized",
		zap.String("job_id", jobID),
		zap.String("status", target),
		zap.Int("completed_units", counts.Completed),
		zap.Int("failed_units", counts.Failed),
	)

	m.reconcile(ctx, final, int64(counts.Completed))
	return final, true, nil
}

// reconcile is best-effort relative to the job transition: usage accounting
// failure never rolls back a terminal job.
func (m *Manager) reconcile(ctx context.Context, job domain.Job, units int64) {
	if err := m.meter.Reconcile(ctx, job.UserID, job.ID, units); err != nil {
		m.logger.Error("usage reconcile failed",
			zap.String("job_id", job.ID),
			zap.String("user_id", job.UserID),
			zap.Error(err),
		)
	}
}
