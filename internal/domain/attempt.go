package domain

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

const (
	AttemptStatusPending    = "pending"
	AttemptStatusProcessing = "processing"
	AttemptStatusCompleted  = "completed"
	AttemptStatusFailed     = "failed"
)

// Unit identifies what one attempt covers: a whole image (nil FrameIndex) or
// one extracted video frame.
type Unit struct {
	FrameIndex     *int
	FrameTimestamp *float64
	InputKey       string
}

// Key is the dedupe key for a unit within a job. Image units share the single
// key "image"; frame units key on the extracted frame ordinal.
func (u Unit) Key() string {
	if u.FrameIndex == nil {
		return "image"
	}
	return "frame-" + strconv.Itoa(*u.FrameIndex)
}

// ProcessingAttempt is one detector invocation for one unit. Frame indices are
// unique within a job; at most one attempt exists per unit.
type ProcessingAttempt struct {
	ID             string
	JobID          string
	AssetID        string
	UserID         string
	FrameIndex     *int
	FrameTimestamp *float64
	InputKey       string
	Status         string
	ErrorDetail    string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}

func NewAttempt(job Job, unit Unit) ProcessingAttempt {
	now := time.Now().UTC()
	return ProcessingAttempt{
		ID:             uuid.NewString(),
		JobID:          job.ID,
		AssetID:        job.AssetID,
		UserID:         job.UserID,
		FrameIndex:     unit.FrameIndex,
		FrameTimestamp: unit.FrameTimestamp,
		InputKey:       unit.InputKey,
		Status:         AttemptStatusProcessing,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (a ProcessingAttempt) Terminal() bool {
	return a.Status == AttemptStatusCompleted || a.Status == AttemptStatusFailed
}

func (a ProcessingAttempt) Unit() Unit {
	return Unit{FrameIndex: a.FrameIndex, FrameTimestamp: a.FrameTimestamp, InputKey: a.InputKey}
}

// AttemptCounts summarizes attempt statuses for one job.
type AttemptCounts struct {
	Pending    int
	Processing int
	Completed  int
	Failed     int
}

func (c AttemptCounts) Terminal() int {
	return c.Completed + c.Failed
}
