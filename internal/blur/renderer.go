// Package blur irreversibly obscures detected face regions with a
// Gaussian blur whose strength scales with the region size.
package blur

import (
	"image"
	"image/draw"
	"math"

	"github.com/disintegration/imaging"

	"github.com/ktbr/veil/internal/detect"
)

// Options are the renderer tunables. Zero values select defaults.
type Options struct {
	// MarginFactor expands each detection box by this fraction per side so
	// hair and ear edges are fully covered.
	MarginFactor float64
	// SigmaDivisor sets the blur strength: sigma = max(w,h)/SigmaDivisor.
	// Tying sigma to face size is what makes the blur non-recoverable for
	// close-up faces; a fixed small sigma would not be.
	SigmaDivisor float64
	// SigmaFloor is the minimum sigma so tiny detections are still
	// visibly obscured.
	SigmaFloor float64
}

func (o *Options) applyDefaults() {
	if o.MarginFactor <= 0 {
		o.MarginFactor = 0.18
	}
	if o.SigmaDivisor <= 0 {
		o.SigmaDivisor = 6.0
	}
	if o.SigmaFloor <= 0 {
		o.SigmaFloor = 6.0
	}
}

type Renderer struct {
	opts Options
}

func New(opts Options) *Renderer {
	opts.applyDefaults()
	return &Renderer{opts: opts}
}

// Spec derives the obscured region for one detection: the box expanded by
// the margin factor per side, clamped to bounds.
func (r *Renderer) Spec(d detect.Detection, bounds image.Rectangle) image.Rectangle {
	mx := int(math.Round(float64(d.W) * r.opts.MarginFactor))
	my := int(math.Round(float64(d.H) * r.opts.MarginFactor))
	expanded := image.Rect(d.X-mx, d.Y-my, d.X+d.W+mx, d.Y+d.H+my)
	return expanded.Intersect(bounds)
}

// Sigma returns the Gaussian sigma used for a region of the given size.
func (r *Renderer) Sigma(w, h int) float64 {
	longer := w
	if h > longer {
		longer = h
	}
	sigma := float64(longer) / r.opts.SigmaDivisor
	if sigma < r.opts.SigmaFloor {
		sigma = r.opts.SigmaFloor
	}
	return sigma
}

// Render blurs every detection's expanded region in place and returns the
// frame. Pixels outside all regions are untouched. With zero detections
// the frame is returned unmodified.
func (r *Renderer) Render(frame *image.NRGBA, dets []detect.Detection) *image.NRGBA {
	if len(dets) == 0 {
		return frame
	}

	bounds := frame.Bounds()
	for _, d := range dets {
		region := r.Spec(d, bounds)
		if region.Empty() {
			continue
		}

		roi := imaging.Crop(frame, region)
		blurred := imaging.Blur(roi, r.Sigma(region.Dx(), region.Dy()))
		draw.Draw(frame, region, blurred, blurred.Bounds().Min, draw.Src)
	}
	return frame
}
