// Package ffmpeg drives the external ffmpeg/ffprobe executables to
// demultiplex videos into raw frames and to reassemble processed frames
// with the original audio track.
package ffmpeg

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os/exec"
	"time"
)

const (
	maxStderrBytes = 8 * 1024 // 8 KB tail of stderr kept for diagnostics
	stderrLogBytes = 512
)

var (
	// ErrExtraction marks a source that cannot be probed or demultiplexed.
	ErrExtraction = errors.New("frame extraction failed")
	// ErrReassembly marks a failed encode or remux of the output container.
	ErrReassembly = errors.New("reassembly failed")
)

// MediaInfo describes the video stream of a probed file.
type MediaInfo struct {
	Width      int
	Height     int
	FrameRate  string // rational, e.g. "30000/1001", preserved exactly
	FPS        float64
	Duration   time.Duration
	FrameCount int // 0 when the container does not declare it
	HasAudio   bool
}

// FrameInterval returns the duration of one frame.
func (m *MediaInfo) FrameInterval() time.Duration {
	if m.FPS <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / m.FPS)
}

// Frame is one decoded raster image in presentation order.
type Frame struct {
	Index int
	PTS   time.Duration
	Image *image.NRGBA
}

// Transcoder wraps the ffmpeg and ffprobe executables. Both are resolved
// at construction so a missing binary fails the process at startup, not
// per request.
type Transcoder struct {
	ffmpeg  string
	ffprobe string
	logger  *slog.Logger
}

// New resolves the executables, preferring the configured paths and
// falling back to PATH lookup when they are empty.
func New(ffmpegPath, ffprobePath string, logger *slog.Logger) (*Transcoder, error) {
	ffmpeg, err := resolveBinary(ffmpegPath, "ffmpeg")
	if err != nil {
		return nil, err
	}
	ffprobe, err := resolveBinary(ffprobePath, "ffprobe")
	if err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("transcoder initialised", "ffmpeg", ffmpeg, "ffprobe", ffprobe)
	}
	return &Transcoder{ffmpeg: ffmpeg, ffprobe: ffprobe, logger: logger}, nil
}

func resolveBinary(preferred, name string) (string, error) {
	if preferred != "" {
		if p, err := exec.LookPath(preferred); err == nil {
			return p, nil
		}
		return "", fmt.Errorf("configured %s %q not found", name, preferred)
	}
	p, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%s not found on PATH", name)
	}
	return p, nil
}

func truncateTail(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}

// limitedWriter is an io.Writer that keeps only the last `limit` bytes.
type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	lw.w.Write(p)
	if lw.w.Len() > lw.limit {
		// Keep only the tail
		b := lw.w.Bytes()
		lw.w.Reset()
		lw.w.Write(b[len(b)-lw.limit:])
	}
	return n, nil
}

func newStderrTail() *limitedWriter {
	return &limitedWriter{w: &bytes.Buffer{}, limit: maxStderrBytes}
}
