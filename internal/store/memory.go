package store

import (
	"context"
	"sync"
	"time"

	"github.com/logolens/logolens/internal/domain"
)

// MemoryStore backs local development and tests. It mirrors the postgres
// store's uniqueness guarantees under a single mutex.
type MemoryStore struct {
	mu            sync.Mutex
	assets        map[string]domain.Asset
	jobs          map[string]domain.Job
	attempts      map[string]domain.ProcessingAttempt
	attemptByUnit map[string]string // jobID+"/"+unitKey -> attemptID
	results       map[string]domain.DetectionResult
	resultKeys    map[string]struct{} // jobID+"/"+attemptID
	plans         map[string]domain.Plan
	reports       map[string]domain.UsageReport
	freeTier      map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assets:        make(map[string]domain.Asset),
		jobs:          make(map[string]domain.Job),
		attempts:      make(map[string]domain.ProcessingAttempt),
		attemptByUnit: make(map[string]string),
		results:       make(map[string]domain.DetectionResult),
		resultKeys:    make(map[string]struct{}),
		plans:         make(map[string]domain.Plan),
		reports:       make(map[string]domain.UsageReport),
		freeTier:      make(map[string]int64),
	}
}

func (s *MemoryStore) CreateAsset(_ context.Context, asset domain.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.assets[asset.ID]; !exists {
		s.assets[asset.ID] = asset
	}
	return nil
}

func (s *MemoryStore) GetAsset(_ context.Context, id string) (domain.Asset, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	asset, ok := s.assets[id]
	return asset, ok, nil
}

func (s *MemoryStore) UpdateAssetStatus(_ context.Context, id, status, errorDetail string) (domain.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	asset, ok := s.assets[id]
	if !ok {
		return domain.Asset{}, domain.ErrAssetNotFound
	}
	asset.Status = status
	asset.ErrorDetail = errorDetail
	asset.UpdatedAt = time.Now().UTC()
	s.assets[id] = asset
	return asset, nil
}

func (s *MemoryStore) CreateJob(_ context.Context, job domain.Job) (domain.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.jobs {
		if existing.AssetID == job.AssetID && !existing.Terminal() {
			return existing, false, nil
		}
	}
	s.jobs[job.ID] = job
	return job, true, nil
}

func (s *MemoryStore) GetJob(_ context.Context, id string) (domain.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	return job, ok, nil
}

func (s *MemoryStore) FindActiveJobByAsset(_ context.Context, assetID string) (domain.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.AssetID == assetID && !job.Terminal() {
			return job, true, nil
		}
	}
	return domain.Job{}, false, nil
}

func (s *MemoryStore) TransitionJob(_ context.Context, id, from, to, errorDetail string) (domain.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, false, domain.ErrJobNotFound
	}
	if job.Status != from {
		return job, false, nil
	}

	now := time.Now().UTC()
	job.Status = to
	job.ErrorDetail = errorDetail
	job.UpdatedAt = now
	if domain.TerminalStatus(to) {
		job.CompletedAt = &now
	}
	s.jobs[id] = job
	return job, true, nil
}

func (s *MemoryStore) SetJobUnitCount(_ context.Context, id string, unitCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	job.UnitCount = unitCount
	job.UpdatedAt = time.Now().UTC()
	s.jobs[id] = job
	return nil
}

func (s *MemoryStore) CreateAttempt(_ context.Context, attempt domain.ProcessingAttempt) (domain.ProcessingAttempt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	unitKey := attempt.JobID + "/" + attempt.Unit().Key()
	if existingID, ok := s.attemptByUnit[unitKey]; ok {
		return s.attempts[existingID], false, nil
	}
	s.attempts[attempt.ID] = attempt
	s.attemptByUnit[unitKey] = attempt.ID
	return attempt, true, nil
}

func (s *MemoryStore) GetAttempt(_ context.Context, id string) (domain.ProcessingAttempt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempt, ok := s.attempts[id]
	return attempt, ok, nil
}

func (s *MemoryStore) TransitionAttempt(_ context.Context, id, from, to, errorDetail string) (domain.ProcessingAttempt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	attempt, ok := s.attempts[id]
	if !ok {
		return domain.ProcessingAttempt{}, false, domain.ErrJobNotFound
	}
	if attempt.Status != from {
		return attempt, false, nil
	}

	now := time.Now().UTC()
	attempt.Status = to
	attempt.ErrorDetail = errorDetail
	attempt.UpdatedAt = now
	if to == domain.AttemptStatusCompleted || to == domain.AttemptStatusFailed {
		attempt.CompletedAt = &now
	}
	s.attempts[id] = attempt
	return attempt, true, nil
}

func (s *MemoryStore) CountAttempts(_ context.Context, jobID string) (domain.AttemptCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var counts domain.AttemptCounts
	for _, attempt := range s.attempts {
		if attempt.JobID != jobID {
			continue
		}
		switch attempt.Status {
		case domain.AttemptStatusPending:
			counts.Pending++
		case domain.AttemptStatusProcessing:
			counts.Processing++
		case domain.AttemptStatusCompleted:
			counts.Completed++
		case domain.AttemptStatusFailed:
			counts.Failed++
		}
	}
	return counts, nil
}

func (s *MemoryStore) CreateDetectionResult(_ context.Context, result domain.DetectionResult) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := result.JobID + "/" + result.AttemptID
	if _, exists := s.resultKeys[key]; exists {
		return false, nil
	}
	s.resultKeys[key] = struct{}{}
	s.results[result.ID] = result
	return true, nil
}

func (s *MemoryStore) ListDetectionResults(_ context.Context, jobID string) ([]domain.DetectionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var results []domain.DetectionResult
	for _, result := range s.results {
		if result.JobID == jobID {
			results = append(results, result)
		}
	}
	return results, nil
}

// SetPlan seeds a plan for tests and local runs.
func (s *MemoryStore) SetPlan(userID string, plan domain.Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[userID] = plan
}

func (s *MemoryStore) ActivePlan(_ context.Context, userID string) (domain.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	plan, ok := s.plans[userID]
	if !ok {
		return domain.Plan{}, domain.ErrNoActivePlan
	}
	return plan, nil
}

func (s *MemoryStore) UnitsInPeriod(_ context.Context, userID string, periodStart time.Time, excludeJobID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var units int64
	for _, report := range s.reports {
		if report.UserID != userID || report.JobID == excludeJobID {
			continue
		}
		if report.ReportedAt.Before(periodStart) {
			continue
		}
		units += report.Units
	}
	return units, nil
}

func (s *MemoryStore) RecordUsageReport(_ context.Context, report domain.UsageReport) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.reports[report.JobID]; exists {
		return false, nil
	}
	s.reports[report.JobID] = report
	return true, nil
}

func (s *MemoryStore) IncrementFreeTierUnits(_ context.Context, userID string, units int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.freeTier[userID] += units
	return nil
}

func (s *MemoryStore) FreeTierUnits(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freeTier[userID], nil
}
