package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/logolens/logolens/internal/domain"
	"github.com/logolens/logolens/internal/id"
	"github.com/logolens/logolens/internal/store"
	"go.uber.org/zap"
)

// OverageReporter delivers a one-time incremental usage event to the billing
// collaborator.
type OverageReporter interface {
	ReportOverage(ctx context.Context, subscriptionRef string, quantity int64, idempotencyKey string) error
}

// Meter turns a finalized job's processed units into quota accounting. It is
// invoked once per job terminal transition; the usage-report claim keeps the
// math correct even if the finalize step is retried.
type Meter struct {
	plans    store.PlanStore
	usage    store.UsageStore
	reporter OverageReporter
	logger   *zap.Logger
}

func NewMeter(plans store.PlanStore, usage store.UsageStore, reporter OverageReporter, logger *zap.Logger) *Meter {
	return &Meter{plans: plans, usage: usage, reporter: reporter, logger: logger}
}

// Reconcile attributes unitsProcessed to the user's current billing period
// and reports any portion beyond the plan quota. Only the units crossing the
// quota boundary count as overage; a period already past quota makes the
// whole job overage.
func (m *Meter) Reconcile(ctx context.Context, userID, jobID string, unitsProcessed int64) error {
	if unitsProcessed < 0 {
		return fmt.Errorf("units processed must be non-negative, got %d", unitsProcessed)
	}

	plan, err := m.plans.ActivePlan(ctx, userID)
	if errors.Is(err, domain.ErrNoActivePlan) {
		return m.countFreeTier(ctx, userID, jobID, unitsProcessed)
	}
	if err != nil {
		// Plan unavailable: degrade to free-tier counting rather than block
		// job completion.
		m.logger.Warn("quota lookup failed, degrading to free-tier counting",
			zap.String("user_id", userID),
			zap.String("job_id", jobID),
			zap.Error(err),
		)
		return m.countFreeTier(ctx, userID, jobID, unitsProcessed)
	}

	priorUnits, err := m.usage.UnitsInPeriod(ctx, userID, plan.PeriodStart, jobID)
	if err != nil {
		return fmt.Errorf("count period units: %w", err)
	}

	overage := Overage(priorUnits, unitsProcessed, plan.UnitQuota)

	claimed, err := m.usage.RecordUsageReport(ctx, domain.UsageReport{
		JobID:          jobID,
		UserID:         userID,
		Units:          unitsProcessed,
		Overage:        overage,
		IdempotencyKey: id.UsageKey(jobID),
		ReportedAt:     time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("claim usage report: %w", err)
	}
	if !claimed {
		m.logger.Info("usage already reconciled for job", zap.String("job_id", jobID))
		return nil
	}

	if overage > 0 {
		if err := m.reporter.ReportOverage(ctx, plan.SubscriptionRef, overage, id.UsageKey(jobID)); err != nil {
			// Best-effort relative to job state; the claim guarantees we
			// never report twice, not that every report lands.
			m.logger.Error("overage report failed",
				zap.String("job_id", jobID),
				zap.String("subscription_ref", plan.SubscriptionRef),
				zap.Int64("overage", overage),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (m *Meter) countFreeTier(ctx context.Context, userID, jobID string, units int64) error {
	claimed, err := m.usage.RecordUsageReport(ctx, domain.UsageReport{
		JobID:          jobID,
		UserID:         userID,
		Units:          units,
		IdempotencyKey: id.UsageKey(jobID),
		ReportedAt:     time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("claim usage report: %w", err)
	}
	if !claimed {
		return nil
	}
	if err := m.usage.IncrementFreeTierUnits(ctx, userID, units); err != nil {
		return fmt.Errorf("increment free tier units: %w", err)
	}
	return nil
}

// Overage is the billable portion of units given priorUnits already counted
// this period. Clamped to [0, units]: crossing the boundary bills only the
// excess, a period already over quota bills every unit.
func Overage(priorUnits, units, quota int64) int64 {
	overage := priorUnits + units - quota
	if overage < 0 {
		return 0
	}
	if overage > units {
		return units
	}
	return overage
}

// Stats assembles the usage read model for one user.
func Stats(ctx context.Context, plans store.PlanStore, usage store.UsageStore, userID string) (domain.UsageStats, error) {
	plan, err := plans.ActivePlan(ctx, userID)
	if errors.Is(err, domain.ErrNoActivePlan) {
		units, err := usage.FreeTierUnits(ctx, userID)
		if err != nil {
			return domain.UsageStats{}, err
		}
		return domain.UsageStats{UserID: userID, FreeTier: true, UnitsUsed: units}, nil
	}
	if err != nil {
		return domain.UsageStats{}, fmt.Errorf("%w: %v", domain.ErrQuotaLookup, err)
	}

	used, err := usage.UnitsInPeriod(ctx, userID, plan.PeriodStart, "")
	if err != nil {
		return domain.UsageStats{}, err
	}

	return domain.UsageStats{
		UserID:       userID,
		UnitsUsed:    used,
		UnitQuota:    plan.UnitQuota,
		OverageUnits: Overage(0, used, plan.UnitQuota),
	}, nil
}
