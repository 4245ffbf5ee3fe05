package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/logolens/logolens/internal/aggregate"
	"github.com/logolens/logolens/internal/domain"
	"github.com/logolens/logolens/internal/queue"
	"github.com/logolens/logolens/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeQueue struct {
	process []queue.ProcessAssetPayload
	cleanup []queue.CleanupFramesPayload
}

func (f *fakeQueue) EnqueueProcessAsset(_ context.Context, payload queue.ProcessAssetPayload) (*asynq.TaskInfo, error) {
	f.process = append(f.process, payload)
	return &asynq.TaskInfo{ID: "task-1", Queue: "default", State: asynq.TaskStatePending}, nil
}

func (f *fakeQueue) EnqueueCleanupFrames(_ context.Context, payload queue.CleanupFramesPayload) (*asynq.TaskInfo, error) {
	f.cleanup = append(f.cleanup, payload)
	return &asynq.TaskInfo{ID: "task-2", Queue: "default", State: asynq.TaskStatePending}, nil
}

type fakeStorage struct {
	exists bool
}

func (fakeStorage) PresignedPutURL(_ context.Context, objectKey string, _ time.Duration) (string, error) {
	return "https://minio.test/" + objectKey + "?signed", nil
}

func (f fakeStorage) ObjectExists(context.Context, string) (bool, error) {
	return f.exists, nil
}

func newTestServer(t *testing.T, objects objectStorage) (*Server, *store.MemoryStore, *fakeQueue) {
	t.Helper()
	mem := store.NewMemoryStore()
	logger := zap.NewNop()
	q := &fakeQueue{}
	s := NewServer(logger, q, mem, aggregate.New(mem, mem, mem, logger), objects, Options{})
	return s, mem, q
}

func seedAvailableAsset(t *testing.T, mem *store.MemoryStore, kind domain.MediaKind) domain.Asset {
	t.Helper()
	asset := domain.Asset{
		ID:        "asset-1",
		UserID:    "user-1",
		Kind:      kind,
		ObjectKey: "users/user-1/assets/asset-1/source.mp4",
		Status:    domain.AssetStatusAvailable,
	}
	require.NoError(t, mem.CreateAsset(context.Background(), asset))
	return asset
}

func doRequest(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(UserIDHeader, "user-1")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestCreateAssetReturnsPresignedUpload(t *testing.T) {
	s, mem, _ := newTestServer(t, fakeStorage{})

	rec := doRequest(s, http.MethodPost, "/v1/assets", `{"filename":"clip.mp4","media_kind":"video","size_bytes":1024}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		AssetID string `json:"asset_id"`
		Status  string `json:"status"`
		Upload  struct {
			ObjectKey       string `json:"object_key"`
			PresignedPutURL string `json:"presigned_put_url"`
		} `json:"upload"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, domain.AssetStatusUploading, resp.Status)
	assert.Contains(t, resp.Upload.ObjectKey, "users/user-1/assets/")
	assert.Contains(t, resp.Upload.ObjectKey, "source.mp4")
	assert.NotEmpty(t, resp.Upload.PresignedPutURL)

	_, ok, err := mem.GetAsset(context.Background(), resp.AssetID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCreateAssetRejectsUnknownMediaKind(t *testing.T) {
	s, _, _ := newTestServer(t, fakeStorage{})

	rec := doRequest(s, http.MethodPost, "/v1/assets", `{"filename":"doc.pdf","media_kind":"document"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProcessAssetEnqueuesFanOutTask(t *testing.T) {
	s, mem, q := newTestServer(t, fakeStorage{exists: true})
	seedAvailableAsset(t, mem, domain.MediaKindVideo)

	rec := doRequest(s, http.MethodPost, "/v1/assets/asset-1/process", `{"target_rate":2}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Len(t, q.process, 1)
	assert.Equal(t, "asset-1", q.process[0].AssetID)
	assert.Equal(t, 2.0, q.process[0].TargetRate)
	assert.False(t, q.process[0].HasActivePlan)
}

func TestProcessAssetCarriesPlanFlag(t *testing.T) {
	s, mem, q := newTestServer(t, fakeStorage{exists: true})
	seedAvailableAsset(t, mem, domain.MediaKindVideo)
	mem.SetPlan("user-1", domain.Plan{SubscriptionRef: "sub_1", UnitQuota: 1000, PeriodStart: time.Now().UTC()})

	rec := doRequest(s, http.MethodPost, "/v1/assets/asset-1/process", `{"target_rate":1}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, q.process, 1)
	assert.True(t, q.process[0].HasActivePlan)
}

func TestProcessAssetRejectsOutOfRangeRate(t *testing.T) {
	s, mem, q := newTestServer(t, fakeStorage{exists: true})
	seedAvailableAsset(t, mem, domain.MediaKindVideo)

	rec := doRequest(s, http.MethodPost, "/v1/assets/asset-1/process", `{"target_rate":500}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, q.process)
}

func TestProcessAssetRequiresUploadedObject(t *testing.T) {
	s, mem, q := newTestServer(t, fakeStorage{exists: false})
	seedAvailableAsset(t, mem, domain.MediaKindVideo)

	rec := doRequest(s, http.MethodPost, "/v1/assets/asset-1/process", `{"target_rate":1}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Empty(t, q.process)
}

func TestProcessAssetReturnsActiveJobInsteadOfReEnqueueing(t *testing.T) {
	s, mem, q := newTestServer(t, fakeStorage{exists: true})
	seedAvailableAsset(t, mem, domain.MediaKindVideo)

	active, created, err := mem.CreateJob(context.Background(), domain.NewJob("asset-1", "user-1", domain.MediaKindVideo, 1))
	require.NoError(t, err)
	require.True(t, created)

	rec := doRequest(s, http.MethodPost, "/v1/assets/asset-1/process", `{"target_rate":1}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, active.ID, resp.JobID)
	assert.Empty(t, q.process)
}

func TestProcessAssetUnknownAsset(t *testing.T) {
	s, _, _ := newTestServer(t, fakeStorage{exists: true})

	rec := doRequest(s, http.MethodPost, "/v1/assets/missing/process", `{"target_rate":1}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteAssetSoftDeletesAndSchedulesCleanup(t *testing.T) {
	s, mem, q := newTestServer(t, fakeStorage{exists: true})
	seedAvailableAsset(t, mem, domain.MediaKindVideo)

	rec := doRequest(s, http.MethodDelete, "/v1/assets/asset-1", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	asset, _, err := mem.GetAsset(context.Background(), "asset-1")
	require.NoError(t, err)
	assert.Equal(t, domain.AssetStatusDeleting, asset.Status)
	require.Len(t, q.cleanup, 1)
	assert.Equal(t, "asset-1", q.cleanup[0].AssetID)
}

func TestGetJobReportsUnitCounts(t *testing.T) {
	s, mem, _ := newTestServer(t, fakeStorage{exists: true})
	seedAvailableAsset(t, mem, domain.MediaKindVideo)

	job, _, err := mem.CreateJob(context.Background(), domain.NewJob("asset-1", "user-1", domain.MediaKindVideo, 1))
	require.NoError(t, err)

	frame := 1
	ts := 0.0
	attempt, _, err := mem.CreateAttempt(context.Background(), domain.NewAttempt(job, domain.Unit{FrameIndex: &frame, FrameTimestamp: &ts, InputKey: "k"}))
	require.NoError(t, err)
	_, _, err = mem.TransitionAttempt(context.Background(), attempt.ID, domain.AttemptStatusProcessing, domain.AttemptStatusCompleted, "")
	require.NoError(t, err)

	rec := doRequest(s, http.MethodGet, "/v1/jobs/"+job.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		JobID string         `json:"job_id"`
		Units map[string]int `json:"units"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, job.ID, resp.JobID)
	assert.Equal(t, 1, resp.Units["completed"])
}

func TestGetJobNotFound(t *testing.T) {
	s, _, _ := newTestServer(t, fakeStorage{})

	rec := doRequest(s, http.MethodGet, "/v1/jobs/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPresenceExportsCSV(t *testing.T) {
	s, mem, _ := newTestServer(t, fakeStorage{exists: true})
	seedAvailableAsset(t, mem, domain.MediaKindVideo)

	job, _, err := mem.CreateJob(context.Background(), domain.NewJob("asset-1", "user-1", domain.MediaKindVideo, 1))
	require.NoError(t, err)

	frame := 5
	ts := 4.0
	attempt, _, err := mem.CreateAttempt(context.Background(), domain.NewAttempt(job, domain.Unit{FrameIndex: &frame, FrameTimestamp: &ts, InputKey: "k"}))
	require.NoError(t, err)

	result, err := domain.NewDetectionResult(attempt, domain.DetectionPayload{
		Logos: []domain.Logo{{
			Name:       "Nike",
			Confidence: 0.8,
			Locations:  []domain.BoundingBox{{Width: 0.1, Height: 0.1}},
		}},
	})
	require.NoError(t, err)
	_, err = mem.CreateDetectionResult(context.Background(), result)
	require.NoError(t, err)

	rec := doRequest(s, http.MethodGet, "/v1/jobs/"+job.ID+"/presence?format=csv", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "Logo Name,Start Time (s),End Time (s),Duration (s),Start Frame,End Frame,Avg Confidence", lines[0])
	assert.Contains(t, lines[1], "Nike")
}

func TestPresenceUnknownJob(t *testing.T) {
	s, _, _ := newTestServer(t, fakeStorage{})

	rec := doRequest(s, http.MethodGet, "/v1/jobs/missing/presence", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUsageEndpointReportsFreeTier(t *testing.T) {
	s, mem, _ := newTestServer(t, fakeStorage{})
	require.NoError(t, mem.IncrementFreeTierUnits(context.Background(), "user-1", 4))

	rec := doRequest(s, http.MethodGet, "/v1/usage", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats domain.UsageStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.True(t, stats.FreeTier)
	assert.Equal(t, int64(4), stats.UnitsUsed)
}

func TestExtractAssetProcessPath(t *testing.T) {
	assetID, err := extractAssetProcessPath("/v1/assets/abc123/process")
	require.NoError(t, err)
	assert.Equal(t, "abc123", assetID)

	_, err = extractAssetProcessPath("/v1/assets/abc123")
	assert.Error(t, err)
}

func TestExtractJobPath(t *testing.T) {
	jobID, sub, err := extractJobPath("/v1/jobs/abc123")
	require.NoError(t, err)
	assert.Equal(t, "abc123", jobID)
	assert.Empty(t, sub)

	jobID, sub, err = extractJobPath("/v1/jobs/abc123/presence")
	require.NoError(t, err)
	assert.Equal(t, "abc123", jobID)
	assert.Equal(t, "presence", sub)
}
