package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"

	"github.com/ktbr/veil/internal/ffmpeg"
	"github.com/ktbr/veil/internal/media"
	"github.com/ktbr/veil/internal/store"
	"github.com/ktbr/veil/internal/workspace"
)

// Config wires the orchestrator's collaborators and limits.
type Config struct {
	Classifier Classifier
	Detector   Detector
	Renderer   Renderer
	Transcoder Transcoder
	Workspaces *workspace.Manager
	Repo       store.Repository
	Logger     *slog.Logger

	// OutputDir receives processed files moved out of their workspace
	// so they survive workspace release until delivery.
	OutputDir string

	// RequestTimeout bounds a single request end to end. Zero disables
	// the deadline.
	RequestTimeout time.Duration

	// MaxConcurrentVideos caps videos in the frame-processing stage.
	// Images are never queued.
	MaxConcurrentVideos int

	// MaxVideoDuration rejects longer videos after probing. Zero
	// disables the check.
	MaxVideoDuration time.Duration

	// MaxImageBytes and MaxVideoBytes reject oversized inputs after
	// classification. Zero disables the respective check.
	MaxImageBytes int64
	MaxVideoBytes int64
}

// Service runs requests through the full anonymization pipeline. Process
// is safe for concurrent use; each request gets its own workspace.
type Service struct {
	classifier Classifier
	detector   Detector
	renderer   Renderer
	transcoder Transcoder
	workspaces *workspace.Manager
	repo       store.Repository
	logger     *slog.Logger

	outputDir        string
	requestTimeout   time.Duration
	maxVideoDuration time.Duration
	maxImageBytes    int64
	maxVideoBytes    int64
	videoSem         chan struct{}

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Classifier == nil || cfg.Detector == nil || cfg.Renderer == nil || cfg.Transcoder == nil {
		return nil, fmt.Errorf("pipeline: missing component")
	}
	if cfg.Workspaces == nil {
		return nil, fmt.Errorf("pipeline: missing workspace manager")
	}
	if cfg.OutputDir == "" {
		return nil, fmt.Errorf("pipeline: missing output directory")
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o700); err != nil {
		return nil, fmt.Errorf("pipeline: create output directory: %w", err)
	}
	slots := cfg.MaxConcurrentVideos
	if slots <= 0 {
		slots = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		classifier:       cfg.Classifier,
		detector:         cfg.Detector,
		renderer:         cfg.Renderer,
		transcoder:       cfg.Transcoder,
		workspaces:       cfg.Workspaces,
		repo:             cfg.Repo,
		logger:           logger,
		outputDir:        cfg.OutputDir,
		requestTimeout:   cfg.RequestTimeout,
		maxVideoDuration: cfg.MaxVideoDuration,
		maxImageBytes:    cfg.MaxImageBytes,
		maxVideoBytes:    cfg.MaxVideoBytes,
		videoSem:         make(chan struct{}, slots),
		active:           make(map[string]context.CancelFunc),
	}, nil
}

// Cancel aborts an in-flight request. It reports whether the request was
// found; the request itself fails with a canceled outcome.
func (s *Service) Cancel(id string) bool {
	s.mu.Lock()
	cancel, ok := s.active[id]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// ActiveCount reports requests currently inside Process.
func (s *Service) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Process runs one request to completion. On failure the returned error
// is an *Error carrying the failure kind; the request record in the
// store reflects the terminal state either way.
func (s *Service) Process(ctx context.Context, req Request) (*Result, error) {
	if s.requestTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, s.requestTimeout)
		defer cancelTimeout()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.active[req.ID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.active, req.ID)
		s.mu.Unlock()
	}()

	logger := s.logger.With("request_id", req.ID)
	s.recordCreate(req)

	result, err := s.run(ctx, logger, req)
	if err != nil {
		failure := wrapFailure(ctx, err)
		s.recordState(req.ID, StateFailed, string(failure.Kind), failure.Err.Error())
		logger.Error("request failed", "kind", failure.Kind, "error", failure.Err)
		return nil, failure
	}
	s.recordState(req.ID, StateDone, "", "")
	logger.Info("request done",
		"media_kind", result.Kind,
		"frames", result.Frames,
		"faces", result.Faces)
	return result, nil
}

func (s *Service) run(ctx context.Context, logger *slog.Logger, req Request) (*Result, error) {
	ws, err := s.workspaces.Acquire(req.ID)
	if err != nil {
		return nil, err
	}
	defer ws.Release()

	input := ws.Path("input" + strings.ToLower(filepath.Ext(req.Filename)))
	if err := copyFile(req.SrcPath, input); err != nil {
		return nil, fmt.Errorf("%w: spool input: %v", workspace.ErrWorkspace, err)
	}

	kind, err := s.classifier.Classify(input, req.DeclaredHint)
	if err != nil {
		return nil, err
	}
	s.recordKind(req.ID, kind)
	s.recordState(req.ID, StateClassified, "", "")
	logger.Debug("classified", "media_kind", kind)

	if err := s.checkSize(input, kind); err != nil {
		return nil, err
	}

	var result *Result
	switch kind {
	case media.KindImage:
		s.recordState(req.ID, StateProcessing, "", "")
		result, err = s.processImage(ctx, logger, req, ws, input)
	case media.KindVideo:
		select {
		case s.videoSem <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		s.recordState(req.ID, StateProcessing, "", "")
		result, err = s.processVideo(ctx, logger, req, ws, input)
		<-s.videoSem
	default:
		return nil, media.ErrUnsupported
	}
	if err != nil {
		return nil, err
	}

	// Move the finished file out before the deferred release empties
	// the workspace.
	final := filepath.Join(s.outputDir, req.ID+filepath.Ext(result.OutputPath))
	if err := moveFile(result.OutputPath, final); err != nil {
		return nil, fmt.Errorf("%w: publish output: %v", workspace.ErrWorkspace, err)
	}
	result.OutputPath = final
	return result, nil
}

func (s *Service) checkSize(path string, kind media.Kind) error {
	limit := s.maxImageBytes
	if kind == media.KindVideo {
		limit = s.maxVideoBytes
	}
	if limit <= 0 {
		return nil
	}
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: stat input: %v", workspace.ErrWorkspace, err)
	}
	if fi.Size() > limit {
		return fmt.Errorf("%w: %s of %d bytes, limit is %d", ErrLimit, kind, fi.Size(), limit)
	}
	return nil
}

func (s *Service) processImage(ctx context.Context, logger *slog.Logger, req Request, ws *workspace.Handle, input string) (*Result, error) {
	img, err := imaging.Open(input)
	if err != nil {
		return nil, fmt.Errorf("%w: decode image: %v", media.ErrUnsupported, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	frame := imaging.Clone(img)
	dets := s.detector.Detect(frame)

	ext := imageExt(req.Filename)
	out := ws.Path("output" + ext)
	if len(dets) == 0 {
		// Nothing to redact: hand back the file untouched rather than
		// re-encoding it.
		logger.Debug("no faces found, passing image through")
		if err := copyFile(input, out); err != nil {
			return nil, fmt.Errorf("%w: copy passthrough: %v", workspace.ErrWorkspace, err)
		}
		return &Result{OutputPath: out, Kind: media.KindImage, Frames: 1}, nil
	}

	frame = s.renderer.Render(frame, dets)
	if err := imaging.Save(frame, out); err != nil {
		return nil, fmt.Errorf("%w: encode image: %v", workspace.ErrWorkspace, err)
	}
	logger.Debug("image rendered", "faces", len(dets))
	return &Result{OutputPath: out, Kind: media.KindImage, Frames: 1, Faces: len(dets)}, nil
}

func (s *Service) processVideo(ctx context.Context, logger *slog.Logger, req Request, ws *workspace.Handle, input string) (*Result, error) {
	info, err := s.transcoder.Probe(ctx, input)
	if err != nil {
		return nil, err
	}
	if s.maxVideoDuration > 0 && info.Duration > s.maxVideoDuration+info.FrameInterval() {
		return nil, fmt.Errorf("%w: video runs %s, limit is %s",
			ErrLimit, info.Duration.Round(time.Millisecond), s.maxVideoDuration)
	}
	logger.Debug("video probed",
		"width", info.Width,
		"height", info.Height,
		"fps", info.FPS,
		"duration", info.Duration,
		"has_audio", info.HasAudio)

	intermediate := ws.Path("video-only.mp4")
	frames, faces, err := s.renderVideo(ctx, input, intermediate, info)
	if err != nil {
		return nil, err
	}

	out := ws.Path("output.mp4")
	if err := s.remuxWithRetry(ctx, logger, intermediate, input, out); err != nil {
		return nil, err
	}
	logger.Debug("video reassembled", "frames", frames, "faces", faces)
	return &Result{OutputPath: out, Kind: media.KindVideo, Frames: frames, Faces: faces}, nil
}

// renderVideo streams decoded frames through detection and blurring into
// the intermediate video-only encode.
func (s *Service) renderVideo(ctx context.Context, input, intermediate string, info *ffmpeg.MediaInfo) (frames, faces int, err error) {
	src, err := s.transcoder.OpenFrameSource(ctx, input, info)
	if err != nil {
		return 0, 0, err
	}
	defer src.Close()

	sink, err := s.transcoder.OpenFrameSink(ctx, intermediate, info)
	if err != nil {
		return 0, 0, err
	}
	abort := true
	defer func() {
		if abort {
			sink.Abort()
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return frames, faces, err
		}
		frame, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return frames, faces, err
		}
		dets := s.detector.Detect(frame.Image)
		if len(dets) > 0 {
			frame.Image = s.renderer.Render(frame.Image, dets)
			faces += len(dets)
		}
		if err := sink.WriteFrame(frame.Image); err != nil {
			return frames, faces, err
		}
		frames++
	}

	abort = false
	if err := sink.Close(); err != nil {
		return frames, faces, err
	}
	return frames, faces, nil
}

// remuxWithRetry marries the processed video stream to the original
// audio. The remux is cheap and occasionally flaky on network
// filesystems, so a failed attempt gets exactly one retry.
func (s *Service) remuxWithRetry(ctx context.Context, logger *slog.Logger, processed, original, out string) error {
	err := s.transcoder.Remux(ctx, processed, original, out)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}
	logger.Warn("reassembly failed, retrying once", "error", err)
	return s.transcoder.Remux(ctx, processed, original, out)
}

// Record helpers write on a background context so terminal states land
// in the store even when the request context is already canceled.

func (s *Service) recordCreate(req Request) {
	if s.repo == nil {
		return
	}
	rec := &store.RequestRecord{
		ID:        req.ID,
		Requester: req.Requester,
		State:     StateReceived,
	}
	if err := s.repo.CreateRequest(context.Background(), rec); err != nil {
		s.logger.Warn("record request", "request_id", req.ID, "error", err)
	}
}

func (s *Service) recordKind(id string, kind media.Kind) {
	if s.repo == nil {
		return
	}
	if err := s.repo.UpdateRequestKind(context.Background(), id, string(kind)); err != nil {
		s.logger.Warn("record media kind", "request_id", id, "error", err)
	}
}

func (s *Service) recordState(id, state, failureKind, detail string) {
	if s.repo == nil {
		return
	}
	if err := s.repo.UpdateRequestState(context.Background(), id, state, failureKind, detail); err != nil {
		s.logger.Warn("record state", "request_id", id, "state", state, "error", err)
	}
}

func imageExt(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".png":
		return ".png"
	default:
		return ".jpg"
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// moveFile renames when possible and falls back to copy+remove so output
// directories on a different filesystem still work.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrInvalid) && !isCrossDevice(err) {
		return err
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func isCrossDevice(err error) bool {
	var linkErr *os.LinkError
	return errors.As(err, &linkErr)
}
