package lifecycle

import (
	"context"
	"fmt"
	"testing"

	"github.com/logolens/logolens/internal/domain"
	"github.com/logolens/logolens/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type captureRecorder struct {
	results []domain.DetectionResult
}

func (r *captureRecorder) Record(_ context.Context, result domain.DetectionResult) error {
	r.results = append(r.results, result)
	return nil
}

type captureReconciler struct {
	calls []reconcileCall
}

type reconcileCall struct {
	userID string
	jobID  string
	units  int64
}

func (r *captureReconciler) Reconcile(_ context.Context, userID, jobID string, units int64) error {
	r.calls = append(r.calls, reconcileCall{userID, jobID, units})
	return nil
}

func newManager(t *testing.T) (*Manager, *store.MemoryStore, *captureRecorder, *captureReconciler) {
	t.Helper()
	mem := store.NewMemoryStore()
	recorder := &captureRecorder{}
	meter := &captureReconciler{}
	return NewManager(mem, recorder, meter, zap.NewNop()), mem, recorder, meter
}

func seedAsset(t *testing.T, s *store.MemoryStore, id, status string, kind domain.MediaKind) {
	t.Helper()
	require.NoError(t, s.CreateAsset(context.Background(), domain.Asset{
		ID:     id,
		UserID: "user-1",
		Kind:   kind,
		Status: status,
	}))
}

func validPayload() domain.DetectionPayload {
	return domain.DetectionPayload{
		Logos: []domain.Logo{{
			Name:       "Nike",
			Confidence: 0.9,
			Locations:  []domain.BoundingBox{{Left: 0.1, Top: 0.1, Width: 0.2, Height: 0.2}},
		}},
	}
}

func TestStartOrResumeJobIsIdempotent(t *testing.T) {
	ctx := context.Background()
	mgr, mem, _, _ := newManager(t)
	seedAsset(t, mem, "asset-1", domain.AssetStatusAvailable, domain.MediaKindVideo)

	first, err := mgr.StartOrResumeJob(ctx, "asset-1", 2)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusProcessing, first.Status)

	second, err := mgr.StartOrResumeJob(ctx, "asset-1", 2)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	asset, ok, err := mem.GetAsset(ctx, "asset-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.AssetStatusProcessing, asset.Status)
}

func TestStartOrResumeJobRefusesCancelledAsset(t *testing.T) {
	ctx := context.Background()
	mgr, mem, _, _ := newManager(t)
	seedAsset(t, mem, "asset-1", domain.AssetStatusDeleting, domain.MediaKindVideo)

	_, err := mgr.StartOrResumeJob(ctx, "asset-1", 1)
	require.ErrorIs(t, err, domain.ErrJobCancelled)
}

func TestStartOrResumeJobUnknownAsset(t *testing.T) {
	mgr, _, _, _ := newManager(t)

	_, err := mgr.StartOrResumeJob(context.Background(), "missing", 1)
	require.ErrorIs(t, err, domain.ErrAssetNotFound)
}

func TestRecordAttemptReturnsExistingAttemptForUnit(t *testing.T) {
	ctx := context.Background()
	mgr, mem, _, _ := newManager(t)
	seedAsset(t, mem, "asset-1", domain.AssetStatusAvailable, domain.MediaKindVideo)

	job, err := mgr.StartOrResumeJob(ctx, "asset-1", 1)
	require.NoError(t, err)

	frame := 5
	ts := 4.0
	unit := domain.Unit{FrameIndex: &frame, FrameTimestamp: &ts, InputKey: "frames/frame_0005.jpg"}

	first, err := mgr.RecordAttempt(ctx, job.ID, unit)
	require.NoError(t, err)

	dup, err := mgr.RecordAttempt(ctx, job.ID, unit)
	require.NoError(t, err)
	assert.Equal(t, first.ID, dup.ID)
}

func TestRecordAttemptStopsForCancelledAsset(t *testing.T) {
	ctx := context.Background()
	mgr, mem, _, _ := newManager(t)
	seedAsset(t, mem, "asset-1", domain.AssetStatusAvailable, domain.MediaKindVideo)

	job, err := mgr.StartOrResumeJob(ctx, "asset-1", 1)
	require.NoError(t, err)

	_, err = mem.UpdateAssetStatus(ctx, "asset-1", domain.AssetStatusDeleting, "")
	require.NoError(t, err)

	_, err = mgr.RecordAttempt(ctx, job.ID, domain.Unit{InputKey: "k"})
	require.ErrorIs(t, err, domain.ErrJobCancelled)
}

func TestCompleteAttemptSuccessIsIdempotent(t *testing.T) {
	ctx := context.Background()
	mgr, mem, recorder, _ := newManager(t)
	seedAsset(t, mem, "asset-1", domain.AssetStatusAvailable, domain.MediaKindImage)

	job, err := mgr.StartOrResumeJob(ctx, "asset-1", 1)
	require.NoError(t, err)

	attempt, err := mgr.RecordAttempt(ctx, job.ID, domain.Unit{InputKey: "k"})
	require.NoError(t, err)

	require.NoError(t, mgr.CompleteAttemptSuccess(ctx, attempt.ID, validPayload()))
	require.NoError(t, mgr.CompleteAttemptSuccess(ctx, attempt.ID, validPayload()))

	assert.Len(t, recorder.results, 1)

	got, ok, err := mem.GetAttempt(ctx, attempt.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.AttemptStatusCompleted, got.Status)
}

func runUnits(t *testing.T, mgr *Manager, jobID string, succeed, fail int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < succeed+fail; i++ {
		frame := i + 1
		ts := float64(i)
		attempt, err := mgr.RecordAttempt(ctx, jobID, domain.Unit{
			FrameIndex:     &frame,
			FrameTimestamp: &ts,
			InputKey:       fmt.Sprintf("frames/frame_%04d.jpg", frame),
		})
		require.NoError(t, err)
		if i < succeed {
			require.NoError(t, mgr.CompleteAttemptSuccess(ctx, attempt.ID, validPayload()))
		} else {
			require.NoError(t, mgr.CompleteAttemptFailure(ctx, attempt.ID, "detector unavailable"))
		}
	}
}

func TestFinalizeJobCompletesWhenAnyUnitSucceeded(t *testing.T) {
	ctx := context.Background()
	mgr, mem, _, meter := newManager(t)
	seedAsset(t, mem, "asset-1", domain.AssetStatusAvailable, domain.MediaKindVideo)

	job, err := mgr.StartOrResumeJob(ctx, "asset-1", 1)
	require.NoError(t, err)
	require.NoError(t, mgr.SetUnitCount(ctx, job.ID, 10))

	runUnits(t, mgr, job.ID, 8, 2)

	final, finalized, err := mgr.FinalizeJob(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, finalized)
	assert.Equal(t, domain.JobStatusCompleted, final.Status)
	require.NotNil(t, final.CompletedAt)

	asset, _, err := mem.GetAsset(ctx, "asset-1")
	require.NoError(t, err)
	assert.Equal(t, domain.AssetStatusProcessed, asset.Status)

	require.Len(t, meter.calls, 1)
	assert.Equal(t, int64(8), meter.calls[0].units)
	assert.Equal(t, job.ID, meter.calls[0].jobID)
}

func TestFinalizeJobFailsWhenEveryUnitFailed(t *testing.T) {
	ctx := context.Background()
	mgr, mem, _, meter := newManager(t)
	seedAsset(t, mem, "asset-1", domain.AssetStatusAvailable, domain.MediaKindVideo)

	job, err := mgr.StartOrResumeJob(ctx, "asset-1", 1)
	require.NoError(t, err)
	require.NoError(t, mgr.SetUnitCount(ctx, job.ID, 4))

	runUnits(t, mgr, job.ID, 0, 4)

	final, finalized, err := mgr.FinalizeJob(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, finalized)
	assert.Equal(t, domain.JobStatusFailed, final.Status)
	assert.Contains(t, final.ErrorDetail, "all 4 units failed")

	asset, _, err := mem.GetAsset(ctx, "asset-1")
	require.NoError(t, err)
	assert.Equal(t, domain.AssetStatusFailed, asset.Status)

	require.Len(t, meter.calls, 1)
	assert.Equal(t, int64(0), meter.calls[0].units)
}

func TestFinalizeJobWaitsForOutstandingUnits(t *testing.T) {
	ctx := context.Background()
	mgr, mem, _, meter := newManager(t)
	seedAsset(t, mem, "asset-1", domain.AssetStatusAvailable, domain.MediaKindVideo)

	job, err := mgr.StartOrResumeJob(ctx, "asset-1", 1)
	require.NoError(t, err)
	require.NoError(t, mgr.SetUnitCount(ctx, job.ID, 3))

	runUnits(t, mgr, job.ID, 2, 0)

	_, finalized, err := mgr.FinalizeJob(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, finalized)
	assert.Empty(t, meter.calls)
}

func TestFinalizeJobRunsSideEffectsOnce(t *testing.T) {
	ctx := context.Background()
	mgr, mem, _, meter := newManager(t)
	seedAsset(t, mem, "asset-1", domain.AssetStatusAvailable, domain.MediaKindImage)

	job, err := mgr.StartOrResumeJob(ctx, "asset-1", 1)
	require.NoError(t, err)
	require.NoError(t, mgr.SetUnitCount(ctx, job.ID, 1))

	attempt, err := mgr.RecordAttempt(ctx, job.ID, domain.Unit{InputKey: "k"})
	require.NoError(t, err)
	require.NoError(t, mgr.CompleteAttemptSuccess(ctx, attempt.ID, validPayload()))

	_, finalized, err := mgr.FinalizeJob(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, finalized)

	again, finalized, err := mgr.FinalizeJob(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, finalized)
	assert.Equal(t, domain.JobStatusCompleted, again.Status)
	assert.Len(t, meter.calls, 1)
}

func TestFailJobTerminatesBeforeFanout(t *testing.T) {
	ctx := context.Background()
	mgr, mem, _, meter := newManager(t)
	seedAsset(t, mem, "asset-1", domain.AssetStatusAvailable, domain.MediaKindVideo)

	job, err := mgr.StartOrResumeJob(ctx, "asset-1", 1)
	require.NoError(t, err)

	require.NoError(t, mgr.FailJob(ctx, job.ID, "source media is not decodable"))
	require.NoError(t, mgr.FailJob(ctx, job.ID, "late duplicate"))

	got, _, err := mem.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, got.Status)
	assert.Equal(t, "source media is not decodable", got.ErrorDetail)

	asset, _, err := mem.GetAsset(ctx, "asset-1")
	require.NoError(t, err)
	assert.Equal(t, domain.AssetStatusFailed, asset.Status)

	assert.Len(t, meter.calls, 1)
}
