package detect

import (
	"errors"
	"fmt"
	"image"
	"os"

	"github.com/disintegration/imaging"
	pigo "github.com/esimov/pigo/core"
)

// ErrUnavailable marks a detector that could not be initialized. It is a
// startup-fatal condition: the process must not accept requests without a
// working detector.
var ErrUnavailable = errors.New("face detector unavailable")

// scoreHalfPoint maps the cascade's unbounded quality score q onto [0,1)
// via q/(q+scoreHalfPoint); a score equal to the half point becomes 0.5.
const scoreHalfPoint = 5.0

// Options are the detector tunables. Zero values select defaults.
type Options struct {
	// WorkingWidth bounds the width frames are downscaled to before the
	// cascade runs; boxes are rescaled to source coordinates afterwards.
	WorkingWidth int
	// MinFaceSize is the smallest face edge, in working-image pixels.
	MinFaceSize int
	// MinConfidence discards detections below this normalized score.
	MinConfidence float64
	// NMSThreshold is the overlap ratio above which boxes collapse.
	NMSThreshold float64
}

func (o *Options) applyDefaults() {
	if o.WorkingWidth <= 0 {
		o.WorkingWidth = 640
	}
	if o.MinFaceSize <= 0 {
		o.MinFaceSize = 20
	}
	if o.MinConfidence <= 0 {
		o.MinConfidence = 0.5
	}
	if o.NMSThreshold <= 0 {
		o.NMSThreshold = 0.3
	}
}

// Detector runs cascade inference against frames. The loaded cascade is
// read-only after New and safe for concurrent Detect calls.
type Detector struct {
	classifier *pigo.Pigo
	opts       Options
}

// New loads the binary cascade from path. Any failure wraps ErrUnavailable.
func New(cascadePath string, opts Options) (*Detector, error) {
	opts.applyDefaults()

	data, err := os.ReadFile(cascadePath)
	if err != nil {
		return nil, fmt.Errorf("%w: read cascade %s: %v", ErrUnavailable, cascadePath, err)
	}

	classifier, err := pigo.NewPigo().Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("%w: unpack cascade %s: %v", ErrUnavailable, cascadePath, err)
	}

	return &Detector{classifier: classifier, opts: opts}, nil
}

// Detect returns the faces found in frame, in frame coordinates, clamped
// to frame bounds, thresholded and de-duplicated. It is deterministic for
// a given frame and carries no state between calls.
func (d *Detector) Detect(frame image.Image) []Detection {
	bounds := frame.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()
	if srcW == 0 || srcH == 0 {
		return nil
	}

	working := frame
	scale := 1.0
	if srcW > d.opts.WorkingWidth {
		working = imaging.Resize(frame, d.opts.WorkingWidth, 0, imaging.Linear)
		scale = float64(srcW) / float64(d.opts.WorkingWidth)
	}

	wb := working.Bounds()
	rows, cols := wb.Dy(), wb.Dx()
	pixels := pigo.RgbToGrayscale(working)

	maxSize := rows
	if cols > maxSize {
		maxSize = cols
	}

	params := pigo.CascadeParams{
		MinSize:     d.opts.MinFaceSize,
		MaxSize:     maxSize,
		ShiftFactor: 0.1,
		ScaleFactor: 1.1,
		ImageParams: pigo.ImageParams{
			Pixels: pixels,
			Rows:   rows,
			Cols:   cols,
			Dim:    cols,
		},
	}

	raw := d.classifier.RunCascade(params, 0.0)

	frameBounds := image.Rect(0, 0, srcW, srcH)
	var dets []Detection
	for _, r := range raw {
		conf := normalizeScore(float64(r.Q))
		if conf < d.opts.MinConfidence {
			continue
		}

		// Cascade results are center+scale; convert to a corner box in
		// source coordinates.
		half := float64(r.Scale) / 2
		det := Detection{
			X:          int((float64(r.Col) - half) * scale),
			Y:          int((float64(r.Row) - half) * scale),
			W:          int(float64(r.Scale) * scale),
			H:          int(float64(r.Scale) * scale),
			Confidence: conf,
		}
		det = det.Clamp(frameBounds)
		if det.W <= 0 || det.H <= 0 {
			continue
		}
		dets = append(dets, det)
	}

	return Suppress(dets, d.opts.NMSThreshold)
}

func normalizeScore(q float64) float64 {
	if q <= 0 {
		return 0
	}
	return q / (q + scoreHalfPoint)
}
