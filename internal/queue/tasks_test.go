package queue

import (
	"testing"
	"time"
)

func TestProcessAssetTaskRoundTrip(t *testing.T) {
	payload := ProcessAssetPayload{
		AssetID:       "asset-456",
		UserID:        "user-789",
		TargetRate:    2,
		HasActivePlan: true,
		RequestedAt:   time.Now().UTC(),
	}

	task, err := NewProcessAssetTask(payload)
	if err != nil {
		t.Fatalf("NewProcessAssetTask returned error: %v", err)
	}
	if task.Type() != TypeProcessAsset {
		t.Fatalf("expected task type %q, got %q", TypeProcessAsset, task.Type())
	}

	parsed, err := ParseProcessAssetPayload(task)
	if err != nil {
		t.Fatalf("ParseProcessAssetPayload returned error: %v", err)
	}
	if parsed.AssetID != payload.AssetID {
		t.Fatalf("expected asset_id %q, got %q", payload.AssetID, parsed.AssetID)
	}
	if !parsed.HasActivePlan {
		t.Fatal("expected has_active_plan to survive the round trip")
	}
}

func TestDetectFrameTaskRoundTrip(t *testing.T) {
	frame := 7
	ts := 6.0
	payload := DetectFramePayload{
		JobID:          "job-123",
		AssetID:        "asset-456",
		UserID:         "user-789",
		FrameIndex:     &frame,
		FrameTimestamp: &ts,
		ObjectKey:      "users/user-789/frames/asset-456/frame_0007.jpg",
	}

	task, err := NewDetectFrameTask(payload)
	if err != nil {
		t.Fatalf("NewDetectFrameTask returned error: %v", err)
	}

	parsed, err := ParseDetectFramePayload(task)
	if err != nil {
		t.Fatalf("ParseDetectFramePayload returned error: %v", err)
	}
	if parsed.FrameIndex == nil || *parsed.FrameIndex != 7 {
		t.Fatalf("expected frame index 7, got %v", parsed.FrameIndex)
	}
	if parsed.ObjectKey != payload.ObjectKey {
		t.Fatalf("expected object key %q, got %q", payload.ObjectKey, parsed.ObjectKey)
	}
}

func TestDetectFrameTaskOmitsFrameIndexForImages(t *testing.T) {
	task, err := NewDetectFrameTask(DetectFramePayload{
		JobID:     "job-123",
		AssetID:   "asset-456",
		UserID:    "user-789",
		ObjectKey: "users/user-789/assets/asset-456/source.jpg",
	})
	if err != nil {
		t.Fatalf("NewDetectFrameTask returned error: %v", err)
	}

	parsed, err := ParseDetectFramePayload(task)
	if err != nil {
		t.Fatalf("ParseDetectFramePayload returned error: %v", err)
	}
	if parsed.FrameIndex != nil {
		t.Fatalf("expected nil frame index, got %d", *parsed.FrameIndex)
	}
}
