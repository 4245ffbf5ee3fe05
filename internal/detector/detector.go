package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/logolens/logolens/internal/domain"
)

// Detector runs logo detection over a single prepared frame or image and
// returns the normalized payload.
type Detector interface {
	Detect(ctx context.Context, imageURI string) (domain.DetectionPayload, error)
}

type Config struct {
	Endpoint      string
	APIKey        string
	Timeout       time.Duration
	MinConfidence float64
}

// HTTPDetector calls an external detection service. Invocation failures are
// wrapped in domain.ErrDetectorInvocation so callers can route them through
// the attempt retry path.
type HTTPDetector struct {
	httpClient    *http.Client
	endpoint      string
	apiKey        string
	minConfidence float64
}

type detectRequest struct {
	ImageURI      string  `json:"image_uri"`
	DetectorKind  string  `json:"detector_kind"`
	MinConfidence float64 `json:"min_confidence,omitempty"`
}

func NewHTTPDetector(cfg Config) *HTTPDetector {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPDetector{
		httpClient:    &http.Client{Timeout: timeout},
		endpoint:      cfg.Endpoint,
		apiKey:        cfg.APIKey,
		minConfidence: cfg.MinConfidence,
	}
}

func (d *HTTPDetector) Detect(ctx context.Context, imageURI string) (domain.DetectionPayload, error) {
	body, err := json.Marshal(detectRequest{
		ImageURI:      imageURI,
		DetectorKind:  domain.DetectorKindLogo,
		MinConfidence: d.minConfidence,
	})
	if err != nil {
		return domain.DetectionPayload{}, fmt.Errorf("marshal detect request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.DetectionPayload{}, fmt.Errorf("build detect request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return domain.DetectionPayload{}, fmt.Errorf("%w: %v", domain.ErrDetectorInvocation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return domain.DetectionPayload{}, fmt.Errorf("%w: status=%d body=%s", domain.ErrDetectorInvocation, resp.StatusCode, snippet)
	}

	var payload domain.DetectionPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return domain.DetectionPayload{}, fmt.Errorf("%w: decode response: %v", domain.ErrDetectorInvocation, err)
	}
	if err := payload.Validate(); err != nil {
		return domain.DetectionPayload{}, fmt.Errorf("%w: %v", domain.ErrDetectorInvocation, err)
	}
	return payload, nil
}
