package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/logolens/logolens/internal/domain"
	"go.uber.org/zap"
)

const (
	HeaderSignature = "X-Logolens-Signature"
	HeaderTimestamp = "X-Logolens-Timestamp"
	HeaderEvent     = "X-Logolens-Event"

	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
)

type Config struct {
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Notifier delivers signed job-state events to a caller-supplied endpoint.
// Delivery is at-least-once: receivers dedupe on job_id plus event.
type Notifier struct {
	httpClient     *http.Client
	signingSecret  string
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	logger         *zap.Logger
}

// JobEvent is the webhook body for both terminal job events.
type JobEvent struct {
	JobID          string  `json:"job_id"`
	AssetID        string  `json:"asset_id"`
	UserID         string  `json:"user_id"`
	Status         string  `json:"status"`
	UnitCount      int     `json:"unit_count"`
	CompletedUnits int     `json:"completed_units"`
	FailedUnits    int     `json:"failed_units"`
	ErrorDetail    string  `json:"error_detail,omitempty"`
	OccurredAt     string  `json:"occurred_at"`
	TargetRate     float64 `json:"target_rate"`
}

func NewNotifier(cfg Config, logger *zap.Logger) *Notifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	initialBackoff := cfg.InitialBackoff
	if initialBackoff <= 0 {
		initialBackoff = 1 * time.Second
	}

	maxBackoff := cfg.MaxBackoff
	if maxBackoff < initialBackoff {
		maxBackoff = initialBackoff
	}

	return &Notifier{
		httpClient:     &http.Client{Timeout: timeout},
		signingSecret:  cfg.SigningSecret,
		maxAttempts:    maxAttempts,
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
		logger:         logger,
	}
}

// NotifyJobFinished sends the terminal event for a job. An empty endpoint is
// a no-op so callers can pass through whatever the enqueue request carried.
func (n *Notifier) NotifyJobFinished(ctx context.Context, endpoint string, job domain.Job, counts domain.AttemptCounts) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}

	event := EventJobCompleted
	if job.Status == domain.JobStatusFailed {
		event = EventJobFailed
	}

	body, err := json.Marshal(JobEvent{
		JobID:          job.ID,
		AssetID:        job.AssetID,
		UserID:         job.UserID,
		Status:         job.Status,
		UnitCount:      job.UnitCount,
		CompletedUnits: counts.Completed,
		FailedUnits:    counts.Failed,
		ErrorDetail:    job.ErrorDetail,
		OccurredAt:     time.Now().UTC().Format(time.RFC3339),
		TargetRate:     job.TargetRate,
	})
	if err != nil {
		return fmt.Errorf("marshal job event: %w", err)
	}

	timestamp := strconv.FormatInt(time.Now().UTC().Unix(), 10)
	signature := n.sign(timestamp, body)

	backoff := n.initialBackoff
	var lastErr error
	for attempt := 1; attempt <= n.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderTimestamp, timestamp)
		req.Header.Set(HeaderSignature, signature)
		req.Header.Set(HeaderEvent, event)

		resp, err := n.httpClient.Do(req)
		if err == nil && resp != nil {
			resp.Body.Close()
		}

		if err == nil && resp != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}

		lastErr = deliveryError(err, resp)
		n.logger.Warn("webhook delivery attempt failed",
			zap.String("job_id", job.ID),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)
		if attempt == n.maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, n.maxBackoff)
	}

	return fmt.Errorf("webhook delivery failed after %d attempts: %w", n.maxAttempts, lastErr)
}

func (n *Notifier) sign(timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(n.signingSecret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func deliveryError(err error, resp *http.Response) error {
	if err != nil {
		return err
	}
	if resp == nil {
		return fmt.Errorf("webhook request failed: no response")
	}
	return fmt.Errorf("webhook returned status=%d", resp.StatusCode)
}
