package domain

import "errors"

var (
	// ErrInvalidSampleRate rejects a target rate outside the policy range.
	ErrInvalidSampleRate = errors.New("invalid sample rate")

	// ErrMediaDecode means the source media could not be probed or decoded.
	// Unrecoverable for the asset; the job fails.
	ErrMediaDecode = errors.New("media decode failed")

	// ErrDetectorInvocation covers detector call failures and timeouts. The
	// surrounding queue retries until the attempt budget is exhausted.
	ErrDetectorInvocation = errors.New("detector invocation failed")

	// ErrPersistenceConflict signals a unique-constraint collision under
	// concurrent idempotent writes. Callers resolve it by re-reading the
	// existing record.
	ErrPersistenceConflict = errors.New("persistence conflict")

	// ErrQuotaLookup means the billing plan is unavailable; usage metering
	// degrades to free-tier counting.
	ErrQuotaLookup = errors.New("quota lookup failed")

	// ErrNoActivePlan routes usage to the free-tier counter.
	ErrNoActivePlan = errors.New("no active plan")

	ErrAssetNotFound = errors.New("asset not found")
	ErrJobNotFound   = errors.New("job not found")
	ErrJobCancelled  = errors.New("job cancelled")
)
