package domain

import "time"

// Plan is the active billing plan for a user in the current period.
type Plan struct {
	SubscriptionRef string
	UnitQuota       int64
	PeriodStart     time.Time
}

// UsageReport claims a job's units toward the current period. One row exists
// per job regardless of finalize retries; the claim is what keeps overage
// reporting exactly-once.
type UsageReport struct {
	JobID          string
	UserID         string
	Units          int64
	Overage        int64
	IdempotencyKey string
	ReportedAt     time.Time
}

// UsageStats is the read model behind the usage endpoint.
type UsageStats struct {
	UserID       string `json:"user_id"`
	FreeTier     bool   `json:"free_tier"`
	UnitsUsed    int64  `json:"units_used"`
	UnitQuota    int64  `json:"unit_quota"`
	OverageUnits int64  `json:"overage_units"`
}
