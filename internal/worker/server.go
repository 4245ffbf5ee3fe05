package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/hibiken/asynq"
	"github.com/logolens/logolens/internal/config"
	"github.com/logolens/logolens/internal/detector"
	"github.com/logolens/logolens/internal/domain"
	"github.com/logolens/logolens/internal/extract"
	"github.com/logolens/logolens/internal/lifecycle"
	"github.com/logolens/logolens/internal/preprocess"
	"github.com/logolens/logolens/internal/queue"
	"github.com/logolens/logolens/internal/sampler"
	"github.com/logolens/logolens/internal/storage"
	"github.com/logolens/logolens/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type objectStore interface {
	ReadObject(ctx context.Context, objectKey string) ([]byte, error)
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
	WriteFile(ctx context.Context, objectKey, localPath, contentType string) error
	DownloadObject(ctx context.Context, objectKey, localPath string) error
	RemovePrefix(ctx context.Context, prefix string) (int, error)
	URI(objectKey string) string
}

type taskEnqueuer interface {
	EnqueueDetectFrame(ctx context.Context, payload queue.DetectFramePayload) (*asynq.TaskInfo, error)
	EnqueueCleanupFrames(ctx context.Context, payload queue.CleanupFramesPayload) (*asynq.TaskInfo, error)
}

type jobNotifier interface {
	NotifyJobFinished(ctx context.Context, endpoint string, job domain.Job, counts domain.AttemptCounts) error
}

// Server consumes the three pipeline task types. Extraction runs as one
// sequential pass per asset; detection fans out to one task per unit and the
// last terminal unit finalizes the job.
type Server struct {
	logger    *zap.Logger
	server    *asynq.Server
	sem       chan struct{}
	extractor *extract.Extractor
	preparer  preprocess.Preparer
	detect    detector.Detector
	objects   objectStore
	tasks     taskEnqueuer
	lifecycle *lifecycle.Manager
	stores    store.Store
	notifier  jobNotifier
	metrics   *metrics
	tracer    trace.Tracer
	policy    sampler.Policy
	cfg       config.WorkerConfig
}

func NewServer(
	logger *zap.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	samplingCfg config.SamplingConfig,
	storageClient *storage.Client,
	tasks *queue.Client,
	manager *lifecycle.Manager,
	stores store.Store,
	det detector.Detector,
	notifier jobNotifier,
) (*Server, error) {
	if storageClient == nil {
		return nil, fmt.Errorf("storage client is required")
	}

	preparer, err := preprocess.New(preprocess.Options{
		MaxEdge: workerCfg.FrameMaxEdge,
		Quality: workerCfg.FrameQuality,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize frame preparer: %w", err)
	}

	policy := sampler.DefaultPolicy()
	if samplingCfg.MinRate > 0 && samplingCfg.MaxRate >= samplingCfg.MinRate {
		policy = sampler.Policy{MinRate: samplingCfg.MinRate, MaxRate: samplingCfg.MaxRate}
	}

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: workerCfg.Concurrency,
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Warn("task failed",
						zap.String("type", task.Type()),
						zap.Int("retry", retried),
						zap.Int("max_retry", maxRetry),
						zap.Error(err),
					)
				}),
			},
		),
		sem:       make(chan struct{}, maxInt(1, workerCfg.MaxActiveJobs)),
		extractor: extract.New(workerCfg.FFmpegPath, workerCfg.FFprobePath, logger),
		preparer:  preparer,
		detect:    det,
		objects:   storageClient,
		tasks:     tasks,
		lifecycle: manager,
		stores:    stores,
		notifier:  notifier,
		metrics:   newMetrics(),
		tracer:    otel.Tracer("logolens/worker"),
		policy:    policy,
		cfg:       workerCfg,
	}
	return s, nil
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeProcessAsset, s.handleProcessAsset)
	mux.HandleFunc(queue.TypeDetectFrame, s.handleDetectFrame)
	mux.HandleFunc(queue.TypeCleanupFrames, s.handleCleanupFrames)
	return s.server.Run(mux)
}

func (s *Server) Shutdown() {
	s.server.Shutdown()
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

// handleProcessAsset is the sequential half of a job: probe, plan, extract,
// upload, then fan out one detect task per unit.
func (s *Server) handleProcessAsset(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.ParseProcessAssetPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.process_asset", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("asset.id", payload.AssetID),
		attribute.Float64("job.target_rate", payload.TargetRate),
		attribute.Bool("job.has_active_plan", payload.HasActivePlan),
	)
	defer span.End()

	s.sem <- struct{}{}
	s.metrics.activeTasks.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeTasks.Dec()
	}()

	job, err := s.lifecycle.StartOrResumeJob(ctx, payload.AssetID, payload.TargetRate)
	if errors.Is(err, domain.ErrJobCancelled) {
		s.logger.Info("asset cancelled before processing", zap.String("asset_id", payload.AssetID))
		return nil
	}
	if errors.Is(err, domain.ErrAssetNotFound) {
		return fmt.Errorf("asset %s not found: %w", payload.AssetID, asynq.SkipRetry)
	}
	if err != nil {
		return fmt.Errorf("start job: %w", err)
	}
	span.SetAttributes(attribute.String("job.id", job.ID))

	asset, ok, err := s.stores.GetAsset(ctx, payload.AssetID)
	if err != nil || !ok {
		return fmt.Errorf("load asset %s: %v", payload.AssetID, err)
	}

	if !asset.IsVideo() {
		return s.fanOutImage(ctx, span, job, asset, payload)
	}
	return s.fanOutVideo(ctx, span, job, asset, payload)
}

func (s *Server) fanOutImage(ctx context.Context, span trace.Span, job domain.Job, asset domain.Asset, payload queue.ProcessAssetPayload) error {
	if err := s.lifecycle.SetUnitCount(ctx, job.ID, 1); err != nil {
		return fmt.Errorf("set unit count: %w", err)
	}
	if _, err := s.tasks.EnqueueDetectFrame(ctx, queue.DetectFramePayload{
		JobID:      job.ID,
		AssetID:    asset.ID,
		UserID:     asset.UserID,
		ObjectKey:  asset.ObjectKey,
		WebhookURL: payload.WebhookURL,
	}); err != nil {
		return fmt.Errorf("enqueue image detection: %w", err)
	}

	s.metrics.unitsPlannedTotal.Add(1)
	span.SetStatus(codes.Ok, "image fanned out")
	return nil
}

func (s *Server) fanOutVideo(ctx context.Context, span trace.Span, job domain.Job, asset domain.Asset, payload queue.ProcessAssetPayload) error {
	scratch, err := os.MkdirTemp(s.cfg.ScratchDir, "job-"+job.ID+"-")
	if err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	videoPath := filepath.Join(scratch, "source"+filepath.Ext(asset.ObjectKey))
	if err := s.objects.DownloadObject(ctx, asset.ObjectKey, videoPath); err != nil {
		return fmt.Errorf("download source: %w", err)
	}

	info, err := s.extractor.Probe(ctx, videoPath)
	if err != nil {
		return s.failDecodedJob(ctx, span, job, err)
	}

	frames, err := s.policy.Plan(info.FrameRate, payload.TargetRate, info.FrameCount)
	if err != nil {
		return s.failDecodedJob(ctx, span, job, err)
	}
	if !payload.HasActivePlan {
		frames = sampler.Truncate(frames, sampler.FreeTierFrameLimit)
	}

	framesDir := filepath.Join(scratch, "frames")
	if err := os.MkdirAll(framesDir, 0o755); err != nil {
		return fmt.Errorf("create frames dir: %w", err)
	}

	extracted, err := s.extractor.Extract(ctx, videoPath, framesDir, sampler.Skip(info.FrameRate, payload.TargetRate))
	if err != nil {
		return s.failDecodedJob(ctx, span, job, err)
	}
	if len(extracted) < len(frames) {
		// ffmpeg found fewer frames than the probe promised; trust ffmpeg.
		frames = frames[:len(extracted)]
	}
	if len(frames) == 0 {
		return s.failDecodedJob(ctx, span, job, fmt.Errorf("%w: no frames extracted", domain.ErrMediaDecode))
	}

	for i, fd := range frames {
		key := storage.FrameKey(asset.UserID, asset.ID, fd.Index)
		if err := s.objects.WriteFile(ctx, key, extracted[i], "image/jpeg"); err != nil {
			return fmt.Errorf("upload frame %d: %w", fd.Index, err)
		}
	}
	s.metrics.framesExtractedTotal.Add(float64(len(frames)))

	if err := s.lifecycle.SetUnitCount(ctx, job.ID, len(frames)); err != nil {
		return fmt.Errorf("set unit count: %w", err)
	}

	for _, fd := range frames {
		index := fd.Index
		timestamp := fd.TimestampSeconds
		if _, err := s.tasks.EnqueueDetectFrame(ctx, queue.DetectFramePayload{
			JobID:          job.ID,
			AssetID:        asset.ID,
			UserID:         asset.UserID,
			FrameIndex:     &index,
			FrameTimestamp: &timestamp,
			ObjectKey:      storage.FrameKey(asset.UserID, asset.ID, index),
			WebhookURL:     payload.WebhookURL,
		}); err != nil {
			return fmt.Errorf("enqueue frame %d detection: %w", index, err)
		}
	}

	s.metrics.unitsPlannedTotal.Add(float64(len(frames)))
	s.logger.Info("asset fanned out",
		zap.String("job_id", job.ID),
		zap.String("asset_id", asset.ID),
		zap.Int("units", len(frames)),
		zap.Float64("source_fps", info.FrameRate),
	)
	span.SetStatus(codes.Ok, "video fanned out")
	return nil
}

// failDecodedJob terminates a job whose source cannot produce frames. These
// failures are deterministic, so the task never retries.
func (s *Server) failDecodedJob(ctx context.Context, span trace.Span, job domain.Job, cause error) error {
	span.RecordError(cause)
	span.SetStatus(codes.Error, "media decode failed")
	s.metrics.decodeFailuresTotal.Inc()

	if err := s.lifecycle.FailJob(ctx, job.ID, cause.Error()); err != nil {
		s.logger.Error("fail job after decode error",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
	}
	return fmt.Errorf("media decode: %v: %w", cause, asynq.SkipRetry)
}

// handleDetectFrame runs detection for one unit. Transient detector errors
// ride the task retry budget; the final exhausted retry converts into a
// failed attempt so the job can still finalize.
func (s *Server) handleDetectFrame(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.ParseDetectFramePayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.detect_frame", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(attribute.String("job.id", payload.JobID))
	if payload.FrameIndex != nil {
		span.SetAttributes(attribute.Int("frame.index", *payload.FrameIndex))
	}
	defer span.End()

	unit := domain.Unit{
		FrameIndex:     payload.FrameIndex,
		FrameTimestamp: payload.FrameTimestamp,
		InputKey:       payload.ObjectKey,
	}

	attempt, err := s.lifecycle.RecordAttempt(ctx, payload.JobID, unit)
	if errors.Is(err, domain.ErrJobCancelled) {
		s.logger.Info("dropping detection for cancelled job",
			zap.String("job_id", payload.JobID),
			zap.String("unit", unit.Key()),
		)
		return nil
	}
	if errors.Is(err, domain.ErrJobNotFound) {
		return fmt.Errorf("job %s not found: %w", payload.JobID, asynq.SkipRetry)
	}
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	if attempt.Terminal() {
		return s.tryFinalize(ctx, payload.JobID, payload.WebhookURL)
	}

	startedAt := time.Now()
	detection, err := s.runDetection(ctx, payload, attempt)
	if err != nil {
		span.RecordError(err)
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		if retried < maxRetry {
			s.metrics.detectionRetriesTotal.Inc()
			return fmt.Errorf("detect unit %s: %w", unit.Key(), err)
		}

		s.metrics.unitsTotal.WithLabelValues(domain.AttemptStatusFailed).Inc()
		if err := s.lifecycle.CompleteAttemptFailure(ctx, attempt.ID, err.Error()); err != nil {
			return fmt.Errorf("fail attempt: %w", err)
		}
		return s.tryFinalize(ctx, payload.JobID, payload.WebhookURL)
	}

	if err := s.lifecycle.CompleteAttemptSuccess(ctx, attempt.ID, detection); err != nil {
		return fmt.Errorf("complete attempt: %w", err)
	}

	s.metrics.unitsTotal.WithLabelValues(domain.AttemptStatusCompleted).Inc()
	s.metrics.detectionDuration.Observe(time.Since(startedAt).Seconds())
	span.SetStatus(codes.Ok, "unit detected")
	return s.tryFinalize(ctx, payload.JobID, payload.WebhookURL)
}

func (s *Server) runDetection(ctx context.Context, payload queue.DetectFramePayload, attempt domain.ProcessingAttempt) (domain.DetectionPayload, error) {
	raw, err := s.objects.ReadObject(ctx, payload.ObjectKey)
	if err != nil {
		return domain.DetectionPayload{}, fmt.Errorf("read unit object: %w", err)
	}

	prepared, _, _, err := s.preparer.Prepare(ctx, raw)
	if err != nil {
		return domain.DetectionPayload{}, fmt.Errorf("%w: %v", domain.ErrMediaDecode, err)
	}

	preparedKey := storage.PreparedImageKey(payload.UserID, payload.AssetID)
	if attempt.FrameIndex != nil {
		preparedKey = storage.PreparedKey(payload.UserID, payload.AssetID, *attempt.FrameIndex)
	}
	if err := s.objects.WriteObject(ctx, preparedKey, prepared, "image/jpeg"); err != nil {
		return domain.DetectionPayload{}, fmt.Errorf("write prepared unit: %w", err)
	}

	return s.detect.Detect(ctx, s.objects.URI(preparedKey))
}

// tryFinalize finalizes the job if this was the last outstanding unit. The
// winner notifies the caller's webhook and schedules frame cleanup.
func (s *Server) tryFinalize(ctx context.Context, jobID, webhookURL string) error {
	job, finalized, err := s.lifecycle.FinalizeJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("finalize job: %w", err)
	}
	if !finalized {
		return nil
	}

	s.metrics.jobsTotal.WithLabelValues(string(job.Kind), job.Status).Inc()

	counts, err := s.stores.CountAttempts(ctx, jobID)
	if err != nil {
		s.logger.Warn("count attempts for notification", zap.String("job_id", jobID), zap.Error(err))
	}
	if err := s.notifier.NotifyJobFinished(ctx, webhookURL, job, counts); err != nil {
		s.logger.Warn("job webhook delivery failed",
			zap.String("job_id", jobID),
			zap.Error(err),
		)
	}

	if job.Kind == domain.MediaKindVideo {
		if _, err := s.tasks.EnqueueCleanupFrames(ctx, queue.CleanupFramesPayload{
			JobID:   job.ID,
			AssetID: job.AssetID,
			UserID:  job.UserID,
		}); err != nil {
			s.logger.Warn("enqueue frame cleanup failed",
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (s *Server) handleCleanupFrames(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.ParseCleanupFramesPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	removed, err := s.objects.RemovePrefix(ctx, storage.FramePrefix(payload.UserID, payload.AssetID))
	if err != nil {
		return fmt.Errorf("remove extracted frames: %w", err)
	}

	s.metrics.framesCleanedTotal.Add(float64(removed))
	s.logger.Info("extracted frames removed",
		zap.String("job_id", payload.JobID),
		zap.String("asset_id", payload.AssetID),
		zap.Int("removed", removed),
	)
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
