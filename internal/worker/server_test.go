package worker

import (
	"context"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/logolens/logolens/internal/aggregate"
	"github.com/logolens/logolens/internal/domain"
	"github.com/logolens/logolens/internal/lifecycle"
	"github.com/logolens/logolens/internal/queue"
	"github.com/logolens/logolens/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

type fakeEnqueuer struct {
	detect  []queue.DetectFramePayload
	cleanup []queue.CleanupFramesPayload
}

func (f *fakeEnqueuer) EnqueueDetectFrame(_ context.Context, payload queue.DetectFramePayload) (*asynq.TaskInfo, error) {
	f.detect = append(f.detect, payload)
	return &asynq.TaskInfo{}, nil
}

func (f *fakeEnqueuer) EnqueueCleanupFrames(_ context.Context, payload queue.CleanupFramesPayload) (*asynq.TaskInfo, error) {
	f.cleanup = append(f.cleanup, payload)
	return &asynq.TaskInfo{}, nil
}

type fakeNotifier struct {
	notified []domain.Job
}

func (f *fakeNotifier) NotifyJobFinished(_ context.Context, _ string, job domain.Job, _ domain.AttemptCounts) error {
	f.notified = append(f.notified, job)
	return nil
}

type noopReconciler struct{}

func (noopReconciler) Reconcile(context.Context, string, string, int64) error { return nil }

func newTestServer(t *testing.T) (*Server, *store.MemoryStore, *fakeEnqueuer, *fakeNotifier) {
	t.Helper()
	mem := store.NewMemoryStore()
	logger := zap.NewNop()
	manager := lifecycle.NewManager(mem, aggregate.New(mem, mem, mem, logger), noopReconciler{}, logger)
	tasks := &fakeEnqueuer{}
	notifier := &fakeNotifier{}
	s := &Server{
		logger:    logger,
		lifecycle: manager,
		stores:    mem,
		tasks:     tasks,
		notifier:  notifier,
		metrics:   newMetrics(),
		tracer:    otel.Tracer("logolens/worker-test"),
	}
	return s, mem, tasks, notifier
}

func seedVideoJob(t *testing.T, mem *store.MemoryStore, manager *lifecycle.Manager, unitCount int) domain.Job {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, mem.CreateAsset(ctx, domain.Asset{
		ID:     "asset-1",
		UserID: "user-1",
		Kind:   domain.MediaKindVideo,
		Status: domain.AssetStatusAvailable,
	}))
	job, err := manager.StartOrResumeJob(ctx, "asset-1", 1)
	require.NoError(t, err)
	require.NoError(t, manager.SetUnitCount(ctx, job.ID, unitCount))
	return job
}

func TestTryFinalizeNotifiesAndSchedulesCleanupOnce(t *testing.T) {
	ctx := context.Background()
	s, mem, tasks, notifier := newTestServer(t)
	job := seedVideoJob(t, mem, s.lifecycle, 1)

	frame := 1
	ts := 0.0
	attempt, err := s.lifecycle.RecordAttempt(ctx, job.ID, domain.Unit{FrameIndex: &frame, FrameTimestamp: &ts, InputKey: "k"})
	require.NoError(t, err)
	require.NoError(t, s.lifecycle.CompleteAttemptFailure(ctx, attempt.ID, "detector unavailable"))

	require.NoError(t, s.tryFinalize(ctx, job.ID, "https://example.test/hook"))
	require.NoError(t, s.tryFinalize(ctx, job.ID, "https://example.test/hook"))

	require.Len(t, notifier.notified, 1)
	assert.Equal(t, domain.JobStatusFailed, notifier.notified[0].Status)
	require.Len(t, tasks.cleanup, 1)
	assert.Equal(t, "asset-1", tasks.cleanup[0].AssetID)
}

func TestTryFinalizeWaitsForOutstandingUnits(t *testing.T) {
	ctx := context.Background()
	s, mem, tasks, notifier := newTestServer(t)
	job := seedVideoJob(t, mem, s.lifecycle, 2)

	frame := 1
	ts := 0.0
	attempt, err := s.lifecycle.RecordAttempt(ctx, job.ID, domain.Unit{FrameIndex: &frame, FrameTimestamp: &ts, InputKey: "k"})
	require.NoError(t, err)
	require.NoError(t, s.lifecycle.CompleteAttemptFailure(ctx, attempt.ID, "boom"))

	require.NoError(t, s.tryFinalize(ctx, job.ID, ""))

	assert.Empty(t, notifier.notified)
	assert.Empty(t, tasks.cleanup)
}
