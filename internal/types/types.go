package types

import (
	"fmt"
	"image"
	"time"
)

// CanonicalWidth and CanonicalHeight are the size every still image is normalized to before inference.
const (
	CanonicalWidth  = 800
	CanonicalHeight = 608
)

// Foreground is the pixel value of a set mask pixel.
const Foreground = 255

// CombinedInstance marks rows that describe a whole frame rather than one instance.
const CombinedInstance = -1

// Frame is a single decoded picture handed to the runner.
// The runner owns it until Release is called.
type Frame struct {
	Index  int         // position within the run
	Source string      // originating file name or "<video>@<timestamp>"
	Item   string      // file the frame was read from
	Offset int         // frame number within Item
	PTS    time.Duration
	Image  *image.NRGBA

	release func()
}

// NewFrame builds a frame whose pixel buffer is handed back through release once processing is done.
func NewFrame(img *image.NRGBA, release func()) *Frame {
	return &Frame{Image: img, release: release}
}

// Release returns the frame's buffer to its source. Safe to call more than once.
func (f *Frame) Release() {
	if f.release != nil {
		f.release()
		f.release = nil
	}
}

// RGB packs the frame as tightly packed 24-bit RGB.
func (f *Frame) RGB() []byte {
	b := f.Image.Bounds()
	w, h := b.Dx(), b.Dy()
	out := make([]byte, 0, w*h*3)
	for y := 0; y < h; y++ {
		row := f.Image.Pix[y*f.Image.Stride : y*f.Image.Stride+w*4]
		for x := 0; x < w*4; x += 4 {
			out = append(out, row[x], row[x+1], row[x+2])
		}
	}
	return out
}

// Mask is a single channel bitmap the size of the frame. Pixels are 0 or Foreground.
type Mask struct {
	Width  int
	Height int
	Pix    []uint8
}

// NewMask allocates an empty mask.
func NewMask(width, height int) *Mask {
	return &Mask{Width: width, Height: height, Pix: make([]uint8, width*height)}
}

// Box is an axis aligned rectangle in frame pixel coordinates.
type Box struct {
	X1, Y1, X2, Y2 float64
}

func (b Box) Width() float64  { return b.X2 - b.X1 }
func (b Box) Height() float64 { return b.Y2 - b.Y1 }

// Rect rounds the box to integer pixels.
func (b Box) Rect() image.Rectangle {
	return image.Rect(int(b.X1+0.5), int(b.Y1+0.5), int(b.X2+0.5), int(b.Y2+0.5))
}

// Instance is one detected object.
type Instance struct {
	Box   Box
	Score float32
	Class int
	Label string
	Mask  *Mask // nil when the model produced no mask
}

// Timing holds the model's own per-stage timings.
type Timing struct {
	Preprocess  time.Duration
	Inference   time.Duration
	Postprocess time.Duration
}

// DetectionResult is everything the model reported for one frame.
type DetectionResult struct {
	Width     int
	Height    int
	Instances []Instance
	Timing    Timing
}

// HasMasks reports whether any instance carries a mask.
func (r *DetectionResult) HasMasks() bool {
	for i := range r.Instances {
		if r.Instances[i].Mask != nil {
			return true
		}
	}
	return false
}

// MeasurementRow is one line of a measurement table.
type MeasurementRow struct {
	Source   string    // frame identifier, the join key together with Instance
	Instance int       // CombinedInstance for whole-frame rows
	Name     string    // optional artifact name, e.g. "boat_mask_0.png"
	Values   []float64 // ordered as the table's value columns
}

// Key is the composite join key.
func (r MeasurementRow) Key() string {
	return fmt.Sprintf("%s#%d", r.Source, r.Instance)
}

// EmptyResultWarning is logged when a frame yields nothing to measure. It never stops a run.
type EmptyResultWarning struct {
	Source string
	Reason string
}

func (w *EmptyResultWarning) Error() string {
	return fmt.Sprintf("%s: %s", w.Source, w.Reason)
}
