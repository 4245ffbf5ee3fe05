package usage

import (
	"context"
	"testing"
	"time"

	"github.com/logolens/logolens/internal/domain"
	"github.com/logolens/logolens/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type captureReporter struct {
	calls []reportCall
	err   error
}

type reportCall struct {
	subscriptionRef string
	quantity        int64
	idempotencyKey  string
}

func (r *captureReporter) ReportOverage(_ context.Context, subscriptionRef string, quantity int64, idempotencyKey string) error {
	r.calls = append(r.calls, reportCall{subscriptionRef, quantity, idempotencyKey})
	return r.err
}

func seedPriorUnits(t *testing.T, s *store.MemoryStore, userID string, units int64) {
	t.Helper()
	claimed, err := s.RecordUsageReport(context.Background(), domain.UsageReport{
		JobID:      "prior-" + userID,
		UserID:     userID,
		Units:      units,
		ReportedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.True(t, claimed)
}

func TestReconcileBillsOnlyUnitsBeyondQuotaBoundary(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	mem.SetPlan("user-1", domain.Plan{
		SubscriptionRef: "sub_123",
		UnitQuota:       1000,
		PeriodStart:     time.Now().UTC().Add(-24 * time.Hour),
	})
	seedPriorUnits(t, mem, "user-1", 980)

	reporter := &captureReporter{}
	meter := NewMeter(mem, mem, reporter, zap.NewNop())

	require.NoError(t, meter.Reconcile(ctx, "user-1", "job-1", 50))

	require.Len(t, reporter.calls, 1)
	assert.Equal(t, "sub_123", reporter.calls[0].subscriptionRef)
	assert.Equal(t, int64(30), reporter.calls[0].quantity)
	assert.Equal(t, "usage:job-1", reporter.calls[0].idempotencyKey)
}

func TestReconcileRetryIsNoOp(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	mem.SetPlan("user-1", domain.Plan{
		SubscriptionRef: "sub_123",
		UnitQuota:       10,
		PeriodStart:     time.Now().UTC().Add(-24 * time.Hour),
	})

	reporter := &captureReporter{}
	meter := NewMeter(mem, mem, reporter, zap.NewNop())

	require.NoError(t, meter.Reconcile(ctx, "user-1", "job-1", 25))
	require.NoError(t, meter.Reconcile(ctx, "user-1", "job-1", 25))

	assert.Len(t, reporter.calls, 1)
}

func TestReconcileEntireJobIsOverageWhenAlreadyPastQuota(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	mem.SetPlan("user-1", domain.Plan{
		SubscriptionRef: "sub_123",
		UnitQuota:       100,
		PeriodStart:     time.Now().UTC().Add(-24 * time.Hour),
	})
	seedPriorUnits(t, mem, "user-1", 150)

	reporter := &captureReporter{}
	meter := NewMeter(mem, mem, reporter, zap.NewNop())

	require.NoError(t, meter.Reconcile(ctx, "user-1", "job-1", 40))

	require.Len(t, reporter.calls, 1)
	assert.Equal(t, int64(40), reporter.calls[0].quantity)
}

func TestReconcileUnderQuotaReportsNothing(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	mem.SetPlan("user-1", domain.Plan{
		SubscriptionRef: "sub_123",
		UnitQuota:       1000,
		PeriodStart:     time.Now().UTC().Add(-24 * time.Hour),
	})

	reporter := &captureReporter{}
	meter := NewMeter(mem, mem, reporter, zap.NewNop())

	require.NoError(t, meter.Reconcile(ctx, "user-1", "job-1", 50))
	assert.Empty(t, reporter.calls)

	// Units still count toward the period for subsequent jobs.
	units, err := mem.UnitsInPeriod(ctx, "user-1", time.Now().UTC().Add(-48*time.Hour), "")
	require.NoError(t, err)
	assert.Equal(t, int64(50), units)
}

func TestReconcileWithoutPlanCountsFreeTier(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()

	reporter := &captureReporter{}
	meter := NewMeter(mem, mem, reporter, zap.NewNop())

	require.NoError(t, meter.Reconcile(ctx, "user-1", "job-1", 10))
	require.NoError(t, meter.Reconcile(ctx, "user-1", "job-1", 10)) // retry

	assert.Empty(t, reporter.calls)
	units, err := mem.FreeTierUnits(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), units)
}

func TestOverageClamping(t *testing.T) {
	assert.Equal(t, int64(0), Overage(0, 50, 1000))
	assert.Equal(t, int64(30), Overage(980, 50, 1000))
	assert.Equal(t, int64(50), Overage(1200, 50, 1000))
	assert.Equal(t, int64(50), Overage(1000, 50, 1000))
	assert.Equal(t, int64(0), Overage(950, 50, 1000))
}

func TestStatsFreeTier(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	require.NoError(t, mem.IncrementFreeTierUnits(ctx, "user-1", 7))

	stats, err := Stats(ctx, mem, mem, "user-1")
	require.NoError(t, err)
	assert.True(t, stats.FreeTier)
	assert.Equal(t, int64(7), stats.UnitsUsed)
}

func TestStatsWithPlan(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	mem.SetPlan("user-1", domain.Plan{
		SubscriptionRef: "sub_123",
		UnitQuota:       100,
		PeriodStart:     time.Now().UTC().Add(-24 * time.Hour),
	})
	seedPriorUnits(t, mem, "user-1", 130)

	stats, err := Stats(ctx, mem, mem, "user-1")
	require.NoError(t, err)
	assert.False(t, stats.FreeTier)
	assert.Equal(t, int64(130), stats.UnitsUsed)
	assert.Equal(t, int64(100), stats.UnitQuota)
	assert.Equal(t, int64(30), stats.OverageUnits)
}
