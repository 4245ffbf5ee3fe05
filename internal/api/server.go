package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/logolens/logolens/internal/aggregate"
	"github.com/logolens/logolens/internal/domain"
	"github.com/logolens/logolens/internal/id"
	"github.com/logolens/logolens/internal/queue"
	"github.com/logolens/logolens/internal/sampler"
	"github.com/logolens/logolens/internal/storage"
	"github.com/logolens/logolens/internal/store"
	"github.com/logolens/logolens/internal/usage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// UserIDHeader carries the caller identity. Authentication sits in front of
// this service; the header is trusted as-is.
const UserIDHeader = "X-Logolens-User"

type queueEnqueuer interface {
	EnqueueProcessAsset(ctx context.Context, payload queue.ProcessAssetPayload) (*asynq.TaskInfo, error)
	EnqueueCleanupFrames(ctx context.Context, payload queue.CleanupFramesPayload) (*asynq.TaskInfo, error)
}

type objectStorage interface {
	PresignedPutURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
	ObjectExists(ctx context.Context, objectKey string) (bool, error)
}

type Server struct {
	logger      *zap.Logger
	queueClient queueEnqueuer
	stores      store.Store
	aggregator  *aggregate.Aggregator
	storage     objectStorage
	policy      sampler.Policy
	presignTTL  time.Duration
	rateLimiter RateLimiter
	metrics     *metrics
	tracer      trace.Tracer
	mux         *http.ServeMux
}

type Options struct {
	PresignTTL  time.Duration
	RateLimiter RateLimiter
	Policy      sampler.Policy
}

func NewServer(
	logger *zap.Logger,
	queueClient queueEnqueuer,
	stores store.Store,
	aggregator *aggregate.Aggregator,
	objects objectStorage,
	opts Options,
) *Server {
	presignTTL := opts.PresignTTL
	if presignTTL <= 0 {
		presignTTL = 15 * time.Minute
	}
	policy := opts.Policy
	if policy.MaxRate <= 0 {
		policy = sampler.DefaultPolicy()
	}
	if objects == nil {
		objects = unavailableObjectStorage{}
	}

	s := &Server{
		logger:      logger,
		queueClient: queueClient,
		stores:      stores,
		aggregator:  aggregator,
		storage:     objects,
		policy:      policy,
		presignTTL:  presignTTL,
		rateLimiter: opts.RateLimiter,
		metrics:     newMetrics(),
		tracer:      otel.Tracer("logolens/api"),
		mux:         http.NewServeMux(),
	}
	s.routes()
	return s
}

type unavailableObjectStorage struct{}

func (unavailableObjectStorage) PresignedPutURL(context.Context, string, time.Duration) (string, error) {
	return "", errors.New("object storage is unavailable")
}

func (unavailableObjectStorage) ObjectExists(context.Context, string) (bool, error) {
	return false, errors.New("object storage is unavailable")
}

func (s *Server) Handler() http.Handler {
	return s.metrics.withHTTPMetrics(s.withTracing(s.withRateLimit(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
	s.mux.HandleFunc("POST /v1/assets", s.handleCreateAsset)
	s.mux.HandleFunc("POST /v1/assets/", s.handleProcessAsset)
	s.mux.HandleFunc("DELETE /v1/assets/", s.handleDeleteAsset)
	s.mux.HandleFunc("GET /v1/jobs/", s.handleJobRoutes)
	s.mux.HandleFunc("GET /v1/usage", s.handleUsage)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createAssetRequest struct {
	Filename  string `json:"filename"`
	MediaKind string `json:"media_kind"`
	SizeBytes int64  `json:"size_bytes"`
}

func (r createAssetRequest) validate() error {
	if strings.TrimSpace(r.Filename) == "" {
		return errors.New("filename is required")
	}
	switch domain.MediaKind(r.MediaKind) {
	case domain.MediaKindImage, domain.MediaKindVideo:
		return nil
	default:
		return fmt.Errorf("media_kind must be %q or %q", domain.MediaKindImage, domain.MediaKindVideo)
	}
}

func (s *Server) handleCreateAsset(w http.ResponseWriter, r *http.Request) {
	userID := callerID(r)

	var req createAssetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := req.validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	now := time.Now().UTC()
	assetID := id.New()
	objectKey := storage.SourceKey(userID, assetID, strings.ToLower(filepath.Ext(req.Filename)))

	uploadURL, err := s.storage.PresignedPutURL(r.Context(), objectKey, s.presignTTL)
	if err != nil {
		s.logger.Error("generate upload url", zap.String("asset_id", assetID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to generate upload URL"})
		return
	}

	asset := domain.Asset{
		ID:        assetID,
		UserID:    userID,
		Kind:      domain.MediaKind(req.MediaKind),
		Filename:  req.Filename,
		SizeBytes: req.SizeBytes,
		ObjectKey: objectKey,
		Status:    domain.AssetStatusUploading,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.stores.CreateAsset(r.Context(), asset); err != nil {
		s.logger.Error("create asset", zap.String("asset_id", assetID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to create asset"})
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"asset_id": asset.ID,
		"status":   asset.Status,
		"upload": map[string]string{
			"object_key":        objectKey,
			"presigned_put_url": uploadURL,
		},
		"process_url": fmt.Sprintf("/v1/assets/%s/process", asset.ID),
	})
}

type processAssetRequest struct {
	TargetRate float64 `json:"target_rate"`
	WebhookURL string  `json:"webhook_url,omitempty"`
}

func (s *Server) handleProcessAsset(w http.ResponseWriter, r *http.Request) {
	assetID, err := extractAssetProcessPath(r.URL.Path)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var req processAssetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.TargetRate == 0 {
		req.TargetRate = s.policy.MinRate
	}
	if err := s.policy.ValidateRate(req.TargetRate); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	asset, ok, err := s.stores.GetAsset(r.Context(), assetID)
	if err != nil {
		s.logger.Error("load asset", zap.String("asset_id", assetID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load asset"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "asset not found"})
		return
	}
	if asset.Cancelled() {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "asset is deleted"})
		return
	}

	exists, err := s.storage.ObjectExists(r.Context(), asset.ObjectKey)
	if err != nil {
		s.logger.Error("check source object", zap.String("asset_id", assetID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "source object check failed"})
		return
	}
	if !exists {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "source object has not been uploaded"})
		return
	}
	if asset.Status == domain.AssetStatusUploading {
		if _, err := s.stores.UpdateAssetStatus(r.Context(), asset.ID, domain.AssetStatusAvailable, ""); err != nil {
			s.logger.Error("mark asset available", zap.String("asset_id", assetID), zap.Error(err))
		}
	}

	// Resuming an active job is a no-op for the caller: same job, no second
	// fan-out from the API side.
	if active, found, err := s.stores.FindActiveJobByAsset(r.Context(), assetID); err == nil && found {
		writeJSON(w, http.StatusOK, map[string]any{
			"job_id":   active.ID,
			"asset_id": assetID,
			"status":   active.Status,
		})
		return
	}

	hasPlan := true
	if _, err := s.stores.ActivePlan(r.Context(), asset.UserID); err != nil {
		if !errors.Is(err, domain.ErrNoActivePlan) {
			s.logger.Warn("plan lookup failed, assuming free tier",
				zap.String("user_id", asset.UserID),
				zap.Error(err),
			)
		}
		hasPlan = false
	}

	taskInfo, err := s.queueClient.EnqueueProcessAsset(r.Context(), queue.ProcessAssetPayload{
		AssetID:       asset.ID,
		UserID:        asset.UserID,
		TargetRate:    req.TargetRate,
		HasActivePlan: hasPlan,
		WebhookURL:    req.WebhookURL,
		RequestedAt:   time.Now().UTC(),
	})
	if err != nil {
		s.logger.Error("enqueue asset processing", zap.String("asset_id", assetID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to enqueue processing"})
		return
	}

	s.metrics.queueEnqueued.WithLabelValues(taskInfo.Queue).Inc()
	writeJSON(w, http.StatusAccepted, map[string]any{
		"asset_id":    asset.ID,
		"target_rate": req.TargetRate,
		"queue":       taskInfo.Queue,
		"task_id":     taskInfo.ID,
		"state":       taskInfo.State.String(),
	})
}

// handleDeleteAsset soft-deletes: the asset moves to deleting immediately,
// which cancels pending work, and frame cleanup confirms the storage side.
func (s *Server) handleDeleteAsset(w http.ResponseWriter, r *http.Request) {
	assetID, err := extractAssetPath(r.URL.Path)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	asset, ok, err := s.stores.GetAsset(r.Context(), assetID)
	if err != nil {
		s.logger.Error("load asset", zap.String("asset_id", assetID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load asset"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "asset not found"})
		return
	}

	if !asset.Cancelled() {
		if _, err := s.stores.UpdateAssetStatus(r.Context(), assetID, domain.AssetStatusDeleting, ""); err != nil {
			s.logger.Error("mark asset deleting", zap.String("asset_id", assetID), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to delete asset"})
			return
		}
		if _, err := s.queueClient.EnqueueCleanupFrames(r.Context(), queue.CleanupFramesPayload{
			AssetID: asset.ID,
			UserID:  asset.UserID,
		}); err != nil {
			s.logger.Warn("enqueue cleanup for deleted asset", zap.String("asset_id", assetID), zap.Error(err))
		}
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"asset_id": assetID,
		"status":   domain.AssetStatusDeleting,
	})
}

func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	jobID, sub, err := extractJobPath(r.URL.Path)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	switch sub {
	case "":
		s.handleGetJob(w, r, jobID)
	case "presence":
		s.handleGetPresence(w, r, jobID)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown job resource"})
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request, jobID string) {
	job, ok, err := s.stores.GetJob(r.Context(), jobID)
	if err != nil {
		s.logger.Error("load job", zap.String("job_id", jobID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load job"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}

	counts, err := s.stores.CountAttempts(r.Context(), jobID)
	if err != nil {
		s.logger.Error("count attempts", zap.String("job_id", jobID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load job"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":       job.ID,
		"asset_id":     job.AssetID,
		"status":       job.Status,
		"kind":         job.Kind,
		"target_rate":  job.TargetRate,
		"unit_count":   job.UnitCount,
		"error_detail": job.ErrorDetail,
		"units": map[string]int{
			"processing": counts.Processing,
			"completed":  counts.Completed,
			"failed":     counts.Failed,
		},
		"created_at":   job.CreatedAt,
		"completed_at": job.CompletedAt,
	})
}

func (s *Server) handleGetPresence(w http.ResponseWriter, r *http.Request, jobID string) {
	tolerance := aggregate.DefaultFrameGapTolerance
	if raw := r.URL.Query().Get("gap_tolerance"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "gap_tolerance must be a non-negative integer"})
			return
		}
		tolerance = parsed
	}

	presences, err := s.aggregator.Presence(r.Context(), jobID, tolerance)
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	case errors.Is(err, domain.ErrJobCancelled):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "asset was deleted"})
		return
	case err != nil:
		s.logger.Error("compute presence", zap.String("job_id", jobID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to compute presence"})
		return
	}

	if wantsCSV(r) {
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "presence-"+jobID+".csv"))
		if err := aggregate.WriteCSV(w, presences); err != nil {
			s.logger.Error("write presence csv", zap.String("job_id", jobID), zap.Error(err))
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := aggregate.WriteJSON(w, presences); err != nil {
		s.logger.Error("write presence json", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	stats, err := usage.Stats(r.Context(), s.stores, s.stores, callerID(r))
	if err != nil {
		s.logger.Error("load usage stats", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load usage"})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func wantsCSV(r *http.Request) bool {
	if strings.EqualFold(r.URL.Query().Get("format"), "csv") {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/csv")
}

func callerID(r *http.Request) string {
	user := strings.TrimSpace(r.Header.Get(UserIDHeader))
	if user == "" {
		return "anonymous"
	}
	return user
}

func extractAssetProcessPath(path string) (string, error) {
	trimmed := strings.TrimPrefix(path, "/v1/assets/")
	parts := strings.Split(strings.Trim(trimmed, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "process" {
		return "", errors.New("expected path format /v1/assets/{id}/process")
	}
	return parts[0], nil
}

func extractAssetPath(path string) (string, error) {
	trimmed := strings.Trim(strings.TrimPrefix(path, "/v1/assets/"), "/")
	if trimmed == "" || strings.Contains(trimmed, "/") {
		return "", errors.New("expected path format /v1/assets/{id}")
	}
	return trimmed, nil
}

func extractJobPath(path string) (string, string, error) {
	trimmed := strings.TrimPrefix(path, "/v1/jobs/")
	parts := strings.Split(strings.Trim(trimmed, "/"), "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		return parts[0], "", nil
	case len(parts) == 2 && parts[0] != "":
		return parts[0], parts[1], nil
	default:
		return "", "", errors.New("expected path format /v1/jobs/{id} or /v1/jobs/{id}/presence")
	}
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
