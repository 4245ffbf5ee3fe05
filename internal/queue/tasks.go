package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	TypeProcessAsset  = "asset:process"
	TypeDetectFrame   = "frame:detect"
	TypeCleanupFrames = "frames:cleanup"
)

// ProcessAssetPayload drives the fan-out task: probe the source, plan the
// frame sample, extract, then enqueue one detect task per unit.
type ProcessAssetPayload struct {
	AssetID       string    `json:"asset_id"`
	UserID        string    `json:"user_id"`
	TargetRate    float64   `json:"target_rate"`
	HasActivePlan bool      `json:"has_active_plan"`
	WebhookURL    string    `json:"webhook_url,omitempty"`
	RequestedAt   time.Time `json:"requested_at"`
}

// DetectFramePayload drives one detector invocation. FrameIndex is nil for
// whole-image jobs.
type DetectFramePayload struct {
	JobID          string   `json:"job_id"`
	AssetID        string   `json:"asset_id"`
	UserID         string   `json:"user_id"`
	FrameIndex     *int     `json:"frame_index,omitempty"`
	FrameTimestamp *float64 `json:"frame_timestamp,omitempty"`
	ObjectKey      string   `json:"object_key"`
	WebhookURL     string   `json:"webhook_url,omitempty"`
}

// CleanupFramesPayload removes a finished job's extracted frames from object
// storage.
type CleanupFramesPayload struct {
	JobID   string `json:"job_id"`
	AssetID string `json:"asset_id"`
	UserID  string `json:"user_id"`
}

func NewProcessAssetTask(payload ProcessAssetPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal process payload: %w", err)
	}
	return asynq.NewTask(TypeProcessAsset, body), nil
}

func ParseProcessAssetPayload(task *asynq.Task) (ProcessAssetPayload, error) {
	var payload ProcessAssetPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return ProcessAssetPayload{}, fmt.Errorf("unmarshal process payload: %w", err)
	}
	return payload, nil
}

func NewDetectFrameTask(payload DetectFramePayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal detect payload: %w", err)
	}
	return asynq.NewTask(TypeDetectFrame, body), nil
}

func ParseDetectFramePayload(task *asynq.Task) (DetectFramePayload, error) {
	var payload DetectFramePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return DetectFramePayload{}, fmt.Errorf("unmarshal detect payload: %w", err)
	}
	return payload, nil
}

func NewCleanupFramesTask(payload CleanupFramesPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal cleanup payload: %w", err)
	}
	return asynq.NewTask(TypeCleanupFrames, body), nil
}

func ParseCleanupFramesPayload(task *asynq.Task) (CleanupFramesPayload, error) {
	var payload CleanupFramesPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return CleanupFramesPayload{}, fmt.Errorf("unmarshal cleanup payload: %w", err)
	}
	return payload, nil
}
