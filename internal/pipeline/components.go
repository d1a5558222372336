package pipeline

import (
	"context"
	"image"

	"github.com/ktbr/veil/internal/detect"
	"github.com/ktbr/veil/internal/ffmpeg"
	"github.com/ktbr/veil/internal/media"
)

// The orchestrator consumes its components through narrow interfaces so
// the state machine can be driven by fakes in tests.

type Classifier interface {
	Classify(path, declaredHint string) (media.Kind, error)
}

// ClassifierFunc adapts a plain function to the Classifier interface.
type ClassifierFunc func(path, declaredHint string) (media.Kind, error)

func (f ClassifierFunc) Classify(path, declaredHint string) (media.Kind, error) {
	return f(path, declaredHint)
}

type Detector interface {
	Detect(frame image.Image) []detect.Detection
}

type Renderer interface {
	Render(frame *image.NRGBA, dets []detect.Detection) *image.NRGBA
}

type FrameSource interface {
	Next() (*ffmpeg.Frame, error)
	Count() int
	Close() error
}

type FrameSink interface {
	WriteFrame(img *image.NRGBA) error
	Count() int
	Close() error
	Abort()
}

// Transcoder is the narrow capability over the external media executable:
// probing, demultiplexing, encoding and the final remux.
type Transcoder interface {
	Probe(ctx context.Context, path string) (*ffmpeg.MediaInfo, error)
	OpenFrameSource(ctx context.Context, path string, info *ffmpeg.MediaInfo) (FrameSource, error)
	OpenFrameSink(ctx context.Context, path string, info *ffmpeg.MediaInfo) (FrameSink, error)
	Remux(ctx context.Context, processedVideo, audioSource, outPath string) error
}

// ffmpegTranscoder adapts the concrete implementation to the interface.
type ffmpegTranscoder struct {
	t *ffmpeg.Transcoder
}

// NewFFmpegTranscoder wraps an ffmpeg.Transcoder for the orchestrator.
func NewFFmpegTranscoder(t *ffmpeg.Transcoder) Transcoder {
	return &ffmpegTranscoder{t: t}
}

func (w *ffmpegTranscoder) Probe(ctx context.Context, path string) (*ffmpeg.MediaInfo, error) {
	return w.t.Probe(ctx, path)
}

func (w *ffmpegTranscoder) OpenFrameSource(ctx context.Context, path string, info *ffmpeg.MediaInfo) (FrameSource, error) {
	return w.t.OpenFrameSource(ctx, path, info)
}

func (w *ffmpegTranscoder) OpenFrameSink(ctx context.Context, path string, info *ffmpeg.MediaInfo) (FrameSink, error) {
	return w.t.OpenFrameSink(ctx, path, info)
}

func (w *ffmpegTranscoder) Remux(ctx context.Context, processedVideo, audioSource, outPath string) error {
	return w.t.Remux(ctx, processedVideo, audioSource, outPath)
}
