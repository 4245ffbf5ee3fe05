package aggregate

import (
	"context"
	"fmt"
	"sort"

	"github.com/logolens/logolens/internal/domain"
	"go.uber.org/zap"
)

// DefaultFrameGapTolerance allows one undetected frame inside a continuous
// presence before a new appearance starts.
const DefaultFrameGapTolerance = 1

// defaultFrameSpacing estimates one frame's display time when a job carries
// fewer than two timestamps. Matches a 30fps source.
const defaultFrameSpacing = 0.033

type ResultStore interface {
	CreateDetectionResult(ctx context.Context, result domain.DetectionResult) (bool, error)
	ListDetectionResults(ctx context.Context, jobID string) ([]domain.DetectionResult, error)
}

type AssetStore interface {
	GetAsset(ctx context.Context, id string) (domain.Asset, bool, error)
}

type JobStore interface {
	GetJob(ctx context.Context, id string) (domain.Job, bool, error)
}

// Aggregator stores raw detection output and reduces a video job's results
// into continuous logo-presence intervals on demand.
type Aggregator struct {
	results ResultStore
	jobs    JobStore
	assets  AssetStore
	logger  *zap.Logger
}

func New(results ResultStore, jobs JobStore, assets AssetStore, logger *zap.Logger) *Aggregator {
	return &Aggregator{results: results, jobs: jobs, assets: assets, logger: logger}
}

// Record appends a result, immutably keyed by (job, attempt). Replays of the
// same attempt keep the first write.
func (a *Aggregator) Record(ctx context.Context, result domain.DetectionResult) error {
	if err := result.Payload.Validate(); err != nil {
		return fmt.Errorf("reject detection payload: %w", err)
	}

	created, err := a.results.CreateDetectionResult(ctx, result)
	if err != nil {
		return fmt.Errorf("store detection result: %w", err)
	}
	if !created {
		a.logger.Debug("detection result already recorded",
			zap.String("job_id", result.JobID),
			zap.String("attempt_id", result.AttemptID),
		)
	}
	return nil
}

// Presence computes the per-logo timeline for a job. The merge is recomputed
// fresh on every call from whatever results exist; it depends only on the
// final sort by frame index, never on arrival order.
func (a *Aggregator) Presence(ctx context.Context, jobID string, frameGapTolerance int) ([]domain.LogoPresence, error) {
	job, ok, err := a.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	if !ok {
		return nil, domain.ErrJobNotFound
	}

	asset, ok, err := a.assets.GetAsset(ctx, job.AssetID)
	if err != nil {
		return nil, fmt.Errorf("load asset: %w", err)
	}
	if ok && asset.Cancelled() {
		return nil, domain.ErrJobCancelled
	}

	results, err := a.results.ListDetectionResults(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("list detection results: %w", err)
	}

	if job.Kind == domain.MediaKindImage {
		return imagePresence(results), nil
	}
	return mergePresence(flatten(results), frameGapTolerance), nil
}

// detection is one (logo, frame) point flattened from raw payloads.
type detection struct {
	name       string
	confidence float64
	frameIndex int
	timestamp  float64
}

func flatten(results []domain.DetectionResult) []detection {
	var points []detection
	for _, result := range results {
		if result.FrameIndex == nil {
			continue
		}
		timestamp := 0.0
		if result.FrameTimestamp != nil {
			timestamp = *result.FrameTimestamp
		}
		for _, logo := range result.Payload.Logos {
			points = append(points, detection{
				name:       logo.Name,
				confidence: logo.Confidence,
				frameIndex: *result.FrameIndex,
				timestamp:  timestamp,
			})
		}
	}
	return points
}

// mergePresence groups detections by logo and merges consecutive frames into
// appearances while the index gap stays within tolerance+1.
func mergePresence(detections []detection, frameGapTolerance int) []domain.LogoPresence {
	if len(detections) == 0 {
		return nil
	}
	if frameGapTolerance < 0 {
		frameGapTolerance = DefaultFrameGapTolerance
	}

	spacing := meanFrameSpacing(detections)

	byLogo := make(map[string][]detection)
	for _, d := range detections {
		byLogo[d.name] = append(byLogo[d.name], d)
	}

	names := make([]string, 0, len(byLogo))
	for name := range byLogo {
		names = append(names, name)
	}
	sort.Strings(names)

	presences := make([]domain.LogoPresence, 0, len(names))
	for _, name := range names {
		group := byLogo[name]
		sort.Slice(group, func(i, j int) bool { return group[i].frameIndex < group[j].frameIndex })

		var appearances []domain.Appearance
		run := []detection{group[0]}
		for _, d := range group[1:] {
			gap := d.frameIndex - run[len(run)-1].frameIndex
			if gap <= frameGapTolerance+1 {
				run = append(run, d)
				continue
			}
			appearances = append(appearances, buildAppearance(run, spacing))
			run = []detection{d}
		}
		appearances = append(appearances, buildAppearance(run, spacing))

		var totalDuration, confidenceSum float64
		for _, app := range appearances {
			totalDuration += app.Duration
		}
		for _, d := range group {
			confidenceSum += d.confidence
		}

		presences = append(presences, domain.LogoPresence{
			LogoName:         name,
			Appearances:      appearances,
			TotalAppearances: len(appearances),
			TotalDuration:    totalDuration,
			MeanConfidence:   confidenceSum / float64(len(group)),
		})
	}
	return presences
}

// buildAppearance turns one run of detections into an interval. A single
// detection lasts one frame spacing; longer runs add one spacing past the
// last timestamp so the final frame's display time is included.
func buildAppearance(run []detection, spacing float64) domain.Appearance {
	first := run[0]
	last := run[len(run)-1]

	var confidenceSum float64
	for _, d := range run {
		confidenceSum += d.confidence
	}

	duration := spacing
	if len(run) > 1 {
		duration = (last.timestamp - first.timestamp) + spacing
	}

	return domain.Appearance{
		StartTime:      first.timestamp,
		EndTime:        last.timestamp,
		Duration:       duration,
		StartFrame:     first.frameIndex,
		EndFrame:       last.frameIndex,
		MeanConfidence: confidenceSum / float64(len(run)),
	}
}

// meanFrameSpacing is the mean timestamp delta per frame step across the job,
// falling back to the default when fewer than two usable timestamps exist.
func meanFrameSpacing(detections []detection) float64 {
	sorted := make([]detection, len(detections))
	copy(sorted, detections)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].frameIndex < sorted[j].frameIndex })

	var sum float64
	var count int
	for i := 1; i < len(sorted); i++ {
		frameDiff := sorted[i].frameIndex - sorted[i-1].frameIndex
		timeDiff := sorted[i].timestamp - sorted[i-1].timestamp
		if frameDiff > 0 && timeDiff > 0 {
			sum += timeDiff / float64(frameDiff)
			count++
		}
	}
	if count == 0 {
		return defaultFrameSpacing
	}
	return sum / float64(count)
}

// imagePresence reports detections directly; image jobs have no frame axis to
// merge along.
func imagePresence(results []domain.DetectionResult) []domain.LogoPresence {
	byLogo := make(map[string][]float64)
	for _, result := range results {
		for _, logo := range result.Payload.Logos {
			byLogo[logo.Name] = append(byLogo[logo.Name], logo.Confidence)
		}
	}

	names := make([]string, 0, len(byLogo))
	for name := range byLogo {
		names = append(names, name)
	}
	sort.Strings(names)

	presences := make([]domain.LogoPresence, 0, len(names))
	for _, name := range names {
		confidences := byLogo[name]
		var sum float64
		for _, c := range confidences {
			sum += c
		}
		presences = append(presences, domain.LogoPresence{
			LogoName:         name,
			TotalAppearances: len(confidences),
			MeanConfidence:   sum / float64(len(confidences)),
		})
	}
	return presences
}
