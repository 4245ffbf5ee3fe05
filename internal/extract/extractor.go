package extract

import (
	"context"
	"fmt"
	"math"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/logolens/logolens/internal/domain"
	"go.uber.org/zap"
)

// ProbeInfo describes the source video stream.
type ProbeInfo struct {
	FrameRate  float64
	Duration   float64
	FrameCount int
}

// Extractor drives ffmpeg/ffprobe for a single sequential decode pass. The
// source cannot be decoded in parallel segments, so extraction runs once and
// fan-out to detection happens afterwards.
type Extractor struct {
	ffmpegPath  string
	ffprobePath string
	quality     int
	logger      *zap.Logger
}

func New(ffmpegPath, ffprobePath string, logger *zap.Logger) *Extractor {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Extractor{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		quality:     2,
		logger:      logger,
	}
}

// Probe reads the source frame rate, duration and frame count. Failures are
// unrecoverable for the asset.
func (e *Extractor) Probe(ctx context.Context, videoPath string) (ProbeInfo, error) {
	rate, err := e.probeFrameRate(ctx, videoPath)
	if err != nil {
		return ProbeInfo{}, err
	}

	duration, err := e.probeDuration(ctx, videoPath)
	if err != nil {
		return ProbeInfo{}, err
	}

	frameCount := int(math.Floor(duration * rate))
	if frameCount < 1 {
		return ProbeInfo{}, fmt.Errorf("%w: source has no frames", domain.ErrMediaDecode)
	}

	return ProbeInfo{FrameRate: rate, Duration: duration, FrameCount: frameCount}, nil
}

// Extract writes every skip-th source frame as JPEG into outputDir and
// returns the written paths in extraction order.
func (e *Extractor) Extract(ctx context.Context, videoPath, outputDir string, skip int) ([]string, error) {
	if skip < 1 {
		skip = 1
	}

	framePattern := filepath.Join(outputDir, "frame_%04d.jpg")
	cmd := exec.CommandContext(ctx, e.ffmpegPath,
		"-i", videoPath,
		"-vf", fmt.Sprintf("select='not(mod(n\\,%d))',setpts=N/FRAME_RATE/TB", skip),
		"-vsync", "vfr",
		"-q:v", strconv.Itoa(e.quality),
		"-y",
		framePattern,
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("%w: ffmpeg: %v: %s", domain.ErrMediaDecode, err, truncateOutput(output))
	}

	frames, err := filepath.Glob(filepath.Join(outputDir, "frame_*.jpg"))
	if err != nil {
		return nil, fmt.Errorf("glob frames: %w", err)
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("%w: no frames extracted", domain.ErrMediaDecode)
	}
	sort.Strings(frames)

	e.logger.Info("frames extracted",
		zap.Int("count", len(frames)),
		zap.Int("skip", skip),
		zap.String("video_path", videoPath),
	)
	return frames, nil
}

func (e *Extractor) probeFrameRate(ctx context.Context, videoPath string) (float64, error) {
	out, err := e.runProbe(ctx, videoPath, "-select_streams", "v:0", "-show_entries", "stream=r_frame_rate")
	if err != nil {
		return 0, err
	}

	// r_frame_rate arrives as a ratio, e.g. "30/1" or "30000/1001".
	num, den, ok := strings.Cut(out, "/")
	if !ok {
		return 0, fmt.Errorf("%w: unexpected frame rate %q", domain.ErrMediaDecode, out)
	}
	n, errN := strconv.ParseFloat(num, 64)
	d, errD := strconv.ParseFloat(den, 64)
	if errN != nil || errD != nil || d == 0 || n <= 0 {
		return 0, fmt.Errorf("%w: unexpected frame rate %q", domain.ErrMediaDecode, out)
	}
	return n / d, nil
}

func (e *Extractor) probeDuration(ctx context.Context, videoPath string) (float64, error) {
	out, err := e.runProbe(ctx, videoPath, "-show_entries", "format=duration")
	if err != nil {
		return 0, err
	}

	duration, err := strconv.ParseFloat(out, 64)
	if err != nil || duration <= 0 {
		return 0, fmt.Errorf("%w: unexpected duration %q", domain.ErrMediaDecode, out)
	}
	return duration, nil
}

func (e *Extractor) runProbe(ctx context.Context, videoPath string, entries ...string) (string, error) {
	args := append([]string{"-v", "error"}, entries...)
	args = append(args, "-of", "default=noprint_wrappers=1:nokey=1", videoPath)

	cmd := exec.CommandContext(ctx, e.ffprobePath, args...)
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%w: ffprobe: %v", domain.ErrMediaDecode, err)
	}
	return strings.TrimSpace(string(output)), nil
}

func truncateOutput(out []byte) string {
	const maxLen = 512
	s := string(out)
	if len(s) > maxLen {
		return s[len(s)-maxLen:]
	}
	return s
}
