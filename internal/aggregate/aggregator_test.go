package aggregate

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/logolens/logolens/internal/domain"
	"github.com/logolens/logolens/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func point(name string, confidence float64, frameIndex int, timestamp float64) detection {
	return detection{name: name, confidence: confidence, frameIndex: frameIndex, timestamp: timestamp}
}

func TestMergePresenceSplitsOnGapBeyondTolerance(t *testing.T) {
	detections := []detection{
		point("Nike", 0.9, 5, 5),
		point("Nike", 0.8, 6, 6),
		point("Nike", 0.7, 7, 7),
		point("Nike", 0.95, 15, 15),
	}

	presences := mergePresence(detections, 1)
	require.Len(t, presences, 1)

	nike := presences[0]
	assert.Equal(t, "Nike", nike.LogoName)
	require.Len(t, nike.Appearances, 2)
	assert.Equal(t, 2, nike.TotalAppearances)

	first := nike.Appearances[0]
	assert.Equal(t, 5, first.StartFrame)
	assert.Equal(t, 7, first.EndFrame)
	assert.InDelta(t, 0.8, first.MeanConfidence, 1e-9)

	second := nike.Appearances[1]
	assert.Equal(t, 15, second.StartFrame)
	assert.Equal(t, 15, second.EndFrame)
}

func TestMergePresenceToleratesSingleMissedFrame(t *testing.T) {
	detections := []detection{
		point("Adidas", 0.9, 1, 1),
		point("Adidas", 0.9, 3, 3), // one undetected frame between
	}

	presences := mergePresence(detections, 1)
	require.Len(t, presences, 1)
	require.Len(t, presences[0].Appearances, 1)
	assert.Equal(t, 1, presences[0].Appearances[0].StartFrame)
	assert.Equal(t, 3, presences[0].Appearances[0].EndFrame)
}

func TestSingleDetectionDurationIsOneFrameSpacing(t *testing.T) {
	// Spacing of 0.1s is derivable from the 10/0.1 steps around the lone hit.
	detections := []detection{
		point("Puma", 0.9, 1, 0.1),
		point("Puma", 0.9, 2, 0.2),
		point("Puma", 0.85, 10, 1.0),
	}

	presences := mergePresence(detections, 1)
	require.Len(t, presences, 1)
	require.Len(t, presences[0].Appearances, 2)

	lone := presences[0].Appearances[1]
	assert.Equal(t, 10, lone.StartFrame)
	assert.InDelta(t, 0.1, lone.Duration, 1e-9)
}

func TestMultiDetectionDurationIncludesFinalFrame(t *testing.T) {
	detections := []detection{
		point("Nike", 0.9, 1, 0.0),
		point("Nike", 0.9, 2, 0.5),
		point("Nike", 0.9, 3, 1.0),
	}

	presences := mergePresence(detections, 1)
	require.Len(t, presences, 1)
	app := presences[0].Appearances[0]
	// (1.0 - 0.0) + 0.5 mean spacing
	assert.InDelta(t, 1.5, app.Duration, 1e-9)
}

func TestMergePresenceDefaultSpacingWithSingleTimestamp(t *testing.T) {
	presences := mergePresence([]detection{point("Nike", 0.9, 4, 4)}, 1)
	require.Len(t, presences, 1)
	assert.InDelta(t, defaultFrameSpacing, presences[0].Appearances[0].Duration, 1e-9)
}

func TestMergePresenceOrderIndependent(t *testing.T) {
	detections := []detection{
		point("Nike", 0.7, 7, 7),
		point("Nike", 0.95, 15, 15),
		point("Nike", 0.9, 5, 5),
		point("Nike", 0.8, 6, 6),
	}

	presences := mergePresence(detections, 1)
	require.Len(t, presences, 1)
	require.Len(t, presences[0].Appearances, 2)
	assert.Equal(t, 5, presences[0].Appearances[0].StartFrame)
}

func TestPresencePassthroughForImageJobs(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	agg := New(mem, mem, mem, zap.NewNop())

	asset := domain.Asset{ID: "asset-1", UserID: "user-1", Kind: domain.MediaKindImage, Status: domain.AssetStatusProcessing}
	require.NoError(t, mem.CreateAsset(ctx, asset))

	job := domain.NewJob("asset-1", "user-1", domain.MediaKindImage, 1)
	_, _, err := mem.CreateJob(ctx, job)
	require.NoError(t, err)

	attempt := domain.NewAttempt(job, domain.Unit{InputKey: "users/user-1/images/a.jpg"})
	_, _, err = mem.CreateAttempt(ctx, attempt)
	require.NoError(t, err)

	result, err := domain.NewDetectionResult(attempt, domain.DetectionPayload{
		Logos: []domain.Logo{
			{Name: "Nike", Confidence: 0.9, Locations: []domain.BoundingBox{{Left: 0.1, Top: 0.1, Width: 0.2, Height: 0.2}}},
			{Name: "Puma", Confidence: 0.6, Locations: []domain.BoundingBox{{Left: 0.5, Top: 0.5, Width: 0.1, Height: 0.1}}},
		},
	})
	require.NoError(t, err)
	require.NoError(t, agg.Record(ctx, result))

	presences, err := agg.Presence(ctx, job.ID, DefaultFrameGapTolerance)
	require.NoError(t, err)
	require.Len(t, presences, 2)
	assert.Equal(t, "Nike", presences[0].LogoName)
	assert.Empty(t, presences[0].Appearances)
	assert.InDelta(t, 0.9, presences[0].MeanConfidence, 1e-9)
}

func TestRecordIsIdempotentPerAttempt(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	agg := New(mem, mem, mem, zap.NewNop())

	job := domain.NewJob("asset-1", "user-1", domain.MediaKindVideo, 1)
	_, _, err := mem.CreateJob(ctx, job)
	require.NoError(t, err)

	frameIndex := 1
	timestamp := 0.0
	attempt := domain.NewAttempt(job, domain.Unit{FrameIndex: &frameIndex, FrameTimestamp: &timestamp, InputKey: "k"})
	_, _, err = mem.CreateAttempt(ctx, attempt)
	require.NoError(t, err)

	result, err := domain.NewDetectionResult(attempt, domain.DetectionPayload{
		Logos: []domain.Logo{{Name: "Nike", Confidence: 0.9, Locations: []domain.BoundingBox{{Width: 0.2, Height: 0.2}}}},
	})
	require.NoError(t, err)

	require.NoError(t, agg.Record(ctx, result))
	require.NoError(t, agg.Record(ctx, result))

	stored, err := mem.ListDetectionResults(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestPresenceRefusesCancelledJob(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	agg := New(mem, mem, mem, zap.NewNop())

	asset := domain.Asset{ID: "asset-1", UserID: "user-1", Kind: domain.MediaKindVideo, Status: domain.AssetStatusDeleting}
	require.NoError(t, mem.CreateAsset(ctx, asset))

	job := domain.NewJob("asset-1", "user-1", domain.MediaKindVideo, 1)
	_, _, err := mem.CreateJob(ctx, job)
	require.NoError(t, err)

	_, err = agg.Presence(ctx, job.ID, DefaultFrameGapTolerance)
	require.ErrorIs(t, err, domain.ErrJobCancelled)
}

func TestWriteCSVMatchesExportLayout(t *testing.T) {
	presences := []domain.LogoPresence{
		{
			LogoName: "Nike",
			Appearances: []domain.Appearance{
				{StartTime: 5, EndTime: 7, Duration: 3, StartFrame: 5, EndFrame: 7, MeanConfidence: 0.8},
			},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, presences))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "Logo Name,Start Time (s),End Time (s),Duration (s),Start Frame,End Frame,Avg Confidence", lines[0])
	assert.Equal(t, "Nike,5.00,7.00,3.00,5,7,80.0%", lines[1])
}
