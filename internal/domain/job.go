package domain

import (
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// Job is one logical processing run over an asset. At most one non-terminal
// job may exist per asset; terminal jobs are immutable.
type Job struct {
	ID          string
	AssetID     string
	UserID      string
	Kind        MediaKind
	Status      string
	TargetRate  float64
	UnitCount   int
	ErrorDetail string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

func NewJob(assetID, userID string, kind MediaKind, targetRate float64) Job {
	now := time.Now().UTC()
	return Job{
		ID:         uuid.NewString(),
		AssetID:    assetID,
		UserID:     userID,
		Kind:       kind,
		Status:     JobStatusPending,
		TargetRate: targetRate,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func (j Job) Terminal() bool {
	return TerminalStatus(j.Status)
}

func TerminalStatus(status string) bool {
	return status == JobStatusCompleted || status == JobStatusFailed
}
