package id

import "github.com/google/uuid"

func New() string {
	return uuid.NewString()
}

// UsageKey derives the idempotency key for a job's one-time overage report.
// Deterministic so retried finalize calls produce the same key.
func UsageKey(jobID string) string {
	return "usage:" + jobID
}
