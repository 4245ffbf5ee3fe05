package sampler

import (
	"fmt"
	"math"

	"github.com/logolens/logolens/internal/domain"
)

// FreeTierFrameLimit caps extraction for callers without an active plan.
const FreeTierFrameLimit = 10

// FrameDescriptor names one frame selected for extraction. Index is the
// 1-based ordinal among extracted frames, not the source frame number.
type FrameDescriptor struct {
	Index            int
	SourceFrame      int
	TimestampSeconds float64
}

// Policy bounds the target sampling rate. Out-of-range rates are rejected,
// not clamped, so callers never get silently larger bills.
type Policy struct {
	MinRate float64
	MaxRate float64
}

func DefaultPolicy() Policy {
	return Policy{MinRate: 1, MaxRate: 30}
}

func (p Policy) ValidateRate(targetRate float64) error {
	if math.IsNaN(targetRate) || targetRate < p.MinRate || targetRate > p.MaxRate {
		return fmt.Errorf("%w: target rate %v outside [%v, %v]",
			domain.ErrInvalidSampleRate, targetRate, p.MinRate, p.MaxRate)
	}
	return nil
}

// Plan decimates the source stream by an integer skip factor, selecting every
// skip-th source frame. Deterministic for a given source/target pair.
//
// TimestampSeconds is the nominal presentation time (index-1)/targetRate, not
// the true source timestamp of the selected frame; it drifts when the skip
// rounding is imprecise. Presence duration math downstream is calibrated to
// this approximation, so keep it.
func (p Policy) Plan(sourceFrameRate, targetRate float64, sourceFrameCount int) ([]FrameDescriptor, error) {
	if err := p.ValidateRate(targetRate); err != nil {
		return nil, err
	}
	if sourceFrameRate <= 0 {
		return nil, fmt.Errorf("%w: source frame rate %v", domain.ErrMediaDecode, sourceFrameRate)
	}
	if sourceFrameCount <= 0 {
		return nil, fmt.Errorf("%w: source has no frames", domain.ErrMediaDecode)
	}

	skip := Skip(sourceFrameRate, targetRate)

	frames := make([]FrameDescriptor, 0, sourceFrameCount/skip+1)
	for n := 0; n < sourceFrameCount; n += skip {
		index := len(frames) + 1
		frames = append(frames, FrameDescriptor{
			Index:            index,
			SourceFrame:      n,
			TimestampSeconds: float64(index-1) / targetRate,
		})
	}
	return frames, nil
}

// Skip is the integer decimation factor between extracted frames.
func Skip(sourceFrameRate, targetRate float64) int {
	skip := int(math.Round(sourceFrameRate / targetRate))
	if skip < 1 {
		skip = 1
	}
	return skip
}

// Truncate applies a tier cap as an explicit post-processing step. It never
// hides inside the sampling math.
func Truncate(frames []FrameDescriptor, limit int) []FrameDescriptor {
	if limit <= 0 || len(frames) <= limit {
		return frames
	}
	return frames[:limit]
}
