package ffmpeg

import (
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"time"
)

// FrameSource streams decoded RGBA frames out of a video file in strict
// presentation order. It holds at most one frame of look-ahead: the next
// frame is only read from the pipe when Next is called.
type FrameSource struct {
	cmd       *exec.Cmd
	stdout    io.ReadCloser
	stderr    *limitedWriter
	width     int
	height    int
	interval  time.Duration
	frameSize int
	index     int
	waited    bool
}

// OpenFrameSource starts an ffmpeg process demultiplexing the file into a
// rawvideo RGBA stream. The caller must drain it with Next until io.EOF
// or abandon it with Close; either way the process is reaped.
func (t *Transcoder) OpenFrameSource(ctx context.Context, path string, info *MediaInfo) (*FrameSource, error) {
	stderr := newStderrTail()
	cmd := exec.CommandContext(ctx, t.ffmpeg,
		"-hide_banner", "-loglevel", "error",
		"-i", path,
		"-map", "0:v:0",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"pipe:1",
	)
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrExtraction, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start ffmpeg: %v", ErrExtraction, err)
	}

	return &FrameSource{
		cmd:       cmd,
		stdout:    stdout,
		stderr:    stderr,
		width:     info.Width,
		height:    info.Height,
		interval:  info.FrameInterval(),
		frameSize: info.Width * info.Height * 4,
	}, nil
}

// Next returns the next frame in presentation order, or io.EOF after the
// last one. A decode failure mid-stream surfaces as ErrExtraction with
// the process diagnostics attached.
func (s *FrameSource) Next() (*Frame, error) {
	buf := make([]byte, s.frameSize)
	_, err := io.ReadFull(s.stdout, buf)
	if err == io.EOF {
		if werr := s.wait(); werr != nil {
			return nil, werr
		}
		return nil, io.EOF
	}
	if err != nil {
		// Truncated frame: the demuxer died mid-stream.
		if werr := s.wait(); werr != nil {
			return nil, werr
		}
		return nil, fmt.Errorf("%w: truncated frame %d: %v", ErrExtraction, s.index, err)
	}

	frame := &Frame{
		Index: s.index,
		PTS:   time.Duration(s.index) * s.interval,
		Image: &image.NRGBA{
			Pix:    buf,
			Stride: s.width * 4,
			Rect:   image.Rect(0, 0, s.width, s.height),
		},
	}
	s.index++
	return frame, nil
}

// Count reports how many frames have been produced so far.
func (s *FrameSource) Count() int {
	return s.index
}

func (s *FrameSource) wait() error {
	if s.waited {
		return nil
	}
	s.waited = true
	if err := s.cmd.Wait(); err != nil {
		return fmt.Errorf("%w: ffmpeg: %v: %s", ErrExtraction, err, truncateTail(s.stderr.w.String(), stderrLogBytes))
	}
	return nil
}

// Close reaps the process; safe after EOF and on abandonment mid-stream.
func (s *FrameSource) Close() error {
	s.stdout.Close()
	if !s.waited {
		s.waited = true
		s.cmd.Wait()
	}
	return nil
}

// FrameSink encodes an ordered stream of processed RGBA frames into a
// video-only intermediate file at the source frame rate.
type FrameSink struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *limitedWriter
	width  int
	height int
	count  int
	waited bool
}

// OpenFrameSink starts an ffmpeg process encoding rawvideo from stdin
// into path. The frame rate is passed through as the exact rational from
// the probe so timestamps and duration are preserved.
func (t *Transcoder) OpenFrameSink(ctx context.Context, path string, info *MediaInfo) (*FrameSink, error) {
	stderr := newStderrTail()
	cmd := exec.CommandContext(ctx, t.ffmpeg,
		"-hide_banner", "-loglevel", "error",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", info.Width, info.Height),
		"-framerate", info.FrameRate,
		"-i", "pipe:0",
		"-an",
		"-c:v", "libx264",
		"-preset", "fast",
		"-crf", "23",
		"-pix_fmt", "yuv420p",
		"-y", path,
	)
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrReassembly, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start ffmpeg: %v", ErrReassembly, err)
	}

	return &FrameSink{
		cmd:    cmd,
		stdin:  stdin,
		stderr: stderr,
		width:  info.Width,
		height: info.Height,
	}, nil
}

// WriteFrame appends one frame to the stream. Frames must arrive in
// presentation order and match the sink's geometry.
func (k *FrameSink) WriteFrame(img *image.NRGBA) error {
	b := img.Bounds()
	if b.Dx() != k.width || b.Dy() != k.height {
		return fmt.Errorf("%w: frame %d is %dx%d, want %dx%d", ErrReassembly, k.count, b.Dx(), b.Dy(), k.width, k.height)
	}

	rowBytes := k.width * 4
	if img.Stride == rowBytes && len(img.Pix) == rowBytes*k.height {
		if _, err := k.stdin.Write(img.Pix); err != nil {
			return k.writeError(err)
		}
	} else {
		for y := 0; y < k.height; y++ {
			row := img.Pix[y*img.Stride : y*img.Stride+rowBytes]
			if _, err := k.stdin.Write(row); err != nil {
				return k.writeError(err)
			}
		}
	}
	k.count++
	return nil
}

func (k *FrameSink) writeError(err error) error {
	// A broken pipe means the encoder died; surface its diagnostics.
	k.stdin.Close()
	if !k.waited {
		k.waited = true
		k.cmd.Wait()
	}
	return fmt.Errorf("%w: write frame %d: %v: %s", ErrReassembly, k.count, err, truncateTail(k.stderr.w.String(), stderrLogBytes))
}

// Count reports how many frames were written.
func (k *FrameSink) Count() int {
	return k.count
}

// Close finishes the stream and waits for the encoder. A non-zero exit
// or a missing output file is a reassembly failure.
func (k *FrameSink) Close() error {
	k.stdin.Close()
	if k.waited {
		return nil
	}
	k.waited = true
	if err := k.cmd.Wait(); err != nil {
		return fmt.Errorf("%w: ffmpeg exited: %v: %s", ErrReassembly, err, truncateTail(k.stderr.w.String(), stderrLogBytes))
	}
	return nil
}

// Abort kills the encoder without finalizing the stream.
func (k *FrameSink) Abort() {
	k.stdin.Close()
	if !k.waited {
		k.waited = true
		k.cmd.Process.Kill()
		k.cmd.Wait()
	}
}

// Remux merges the processed video stream with the original audio into
// the final container. Neither stream is re-encoded; metadata is
// stripped. Sources without an audio track produce a video-only output.
func (t *Transcoder) Remux(ctx context.Context, processedVideo, audioSource, outPath string) error {
	start := time.Now()
	stderr := newStderrTail()
	cmd := exec.CommandContext(ctx, t.ffmpeg,
		"-hide_banner", "-loglevel", "error",
		"-i", processedVideo,
		"-i", audioSource,
		"-map", "0:v:0",
		"-map", "1:a:0?",
		"-c:v", "copy",
		"-c:a", "copy",
		"-map_metadata", "-1",
		"-map_chapters", "-1",
		"-movflags", "+faststart",
		"-y", outPath,
	)
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: remux: %v: %s", ErrReassembly, err, truncateTail(stderr.w.String(), stderrLogBytes))
	}

	st, err := os.Stat(outPath)
	if err != nil || st.Size() == 0 {
		return fmt.Errorf("%w: remux produced no output file", ErrReassembly)
	}

	if t.logger != nil {
		t.logger.Info("remux complete", "output_bytes", st.Size(), "duration_ms", time.Since(start).Milliseconds())
	}
	return nil
}
