package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

type probeOutput struct {
	Streams []probeStream `json:"streams"`
	Format  probeFormat   `json:"format"`
}

type probeStream struct {
	CodecType  string `json:"codec_type"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	RFrameRate string `json:"r_frame_rate"`
	NbFrames   string `json:"nb_frames"`
	Duration   string `json:"duration"`
}

type probeFormat struct {
	Duration string `json:"duration"`
}

// Probe inspects a video file and returns its stream geometry, frame
// rate, duration and audio presence. A file ffprobe cannot parse is a
// frame-extraction failure.
func (t *Transcoder) Probe(ctx context.Context, path string) (*MediaInfo, error) {
	stderr := newStderrTail()
	cmd := exec.CommandContext(ctx, t.ffprobe,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	cmd.Stderr = stderr

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%w: ffprobe: %v: %s", ErrExtraction, err, truncateTail(stderr.w.String(), stderrLogBytes))
	}

	var parsed probeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, fmt.Errorf("%w: parse ffprobe output: %v", ErrExtraction, err)
	}

	info := &MediaInfo{}
	for _, s := range parsed.Streams {
		switch s.CodecType {
		case "video":
			if info.Width != 0 {
				continue // first video stream wins
			}
			info.Width = s.Width
			info.Height = s.Height
			info.FrameRate = s.RFrameRate
			info.FPS = parseRational(s.RFrameRate)
			if n, err := strconv.Atoi(s.NbFrames); err == nil {
				info.FrameCount = n
			}
			if d := parseSeconds(s.Duration); d > 0 {
				info.Duration = d
			}
		case "audio":
			info.HasAudio = true
		}
	}

	if info.Duration == 0 {
		info.Duration = parseSeconds(parsed.Format.Duration)
	}

	if info.Width <= 0 || info.Height <= 0 || info.FPS <= 0 {
		return nil, fmt.Errorf("%w: no decodable video stream in %s", ErrExtraction, path)
	}

	// Derive the frame count when the container does not declare it.
	if info.FrameCount == 0 && info.Duration > 0 {
		info.FrameCount = int(math.Round(info.Duration.Seconds() * info.FPS))
	}

	return info, nil
}

// parseRational parses ffprobe rate strings like "30/1" or "30000/1001".
func parseRational(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		f, _ := strconv.ParseFloat(s, 64)
		return f
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}

func parseSeconds(s string) time.Duration {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return 0
	}
	return time.Duration(f * float64(time.Second))
}
