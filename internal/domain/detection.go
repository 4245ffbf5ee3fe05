package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const DetectorKindLogo = "logo_detection"

// BoundingBox is a detector-reported region in normalized [0,1] coordinates.
type BoundingBox struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Logo is one detected logo within a single image or frame.
type Logo struct {
	Name       string        `json:"name"`
	Confidence float64       `json:"confidence"`
	Locations  []BoundingBox `json:"locations"`
}

// DetectionPayload is the detector's raw structured output. The pipeline
// treats it opaquely beyond this schema.
type DetectionPayload struct {
	Logos   []Logo `json:"logos"`
	Summary string `json:"summary,omitempty"`
}

func (p DetectionPayload) Validate() error {
	for i, logo := range p.Logos {
		if strings.TrimSpace(logo.Name) == "" {
			return fmt.Errorf("logos[%d].name is required", i)
		}
		if logo.Confidence < 0 || logo.Confidence > 1 {
			return fmt.Errorf("logos[%d].confidence %v outside [0,1]", i, logo.Confidence)
		}
		if len(logo.Locations) == 0 {
			return fmt.Errorf("logos[%d] has no bounding boxes", i)
		}
		for j, box := range logo.Locations {
			if !normalized(box.Left) || !normalized(box.Top) || !normalized(box.Width) || !normalized(box.Height) {
				return fmt.Errorf("logos[%d].locations[%d] outside normalized coordinates", i, j)
			}
		}
	}
	return nil
}

func normalized(v float64) bool {
	return v >= 0 && v <= 1
}

// DetectionResult is the immutable output of one successful attempt.
type DetectionResult struct {
	ID             string
	JobID          string
	AttemptID      string
	AssetID        string
	UserID         string
	FrameIndex     *int
	FrameTimestamp *float64
	DetectorKind   string
	Payload        DetectionPayload
	CreatedAt      time.Time
}

func NewDetectionResult(attempt ProcessingAttempt, payload DetectionPayload) (DetectionResult, error) {
	if attempt.ID == "" || attempt.JobID == "" {
		return DetectionResult{}, errors.New("attempt must be persisted before recording a result")
	}
	return DetectionResult{
		ID:             uuid.NewString(),
		JobID:          attempt.JobID,
		AttemptID:      attempt.ID,
		AssetID:        attempt.AssetID,
		UserID:         attempt.UserID,
		FrameIndex:     attempt.FrameIndex,
		FrameTimestamp: attempt.FrameTimestamp,
		DetectorKind:   DetectorKindLogo,
		Payload:        payload,
		CreatedAt:      time.Now().UTC(),
	}, nil
}
