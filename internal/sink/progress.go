package sink

import (
	"image"
	"io"
	"math"
	"os"

	"github.com/schollz/progressbar/v3"
)

// Progress receives the run's completion percentage after every frame.
type Progress interface {
	SetProgress(percent float64)
}

// Display receives one image per processed frame for live preview.
// It is called from the run's worker goroutine.
type Display interface {
	Show(source string, img image.Image)
}

// ProgressFunc adapts a function to Progress.
type ProgressFunc func(percent float64)

func (f ProgressFunc) SetProgress(percent float64) { f(percent) }

// DisplayFunc adapts a function to Display.
type DisplayFunc func(source string, img image.Image)

func (f DisplayFunc) Show(source string, img image.Image) { f(source, img) }

// NoDisplay drops every frame.
type NoDisplay struct{}

func (NoDisplay) Show(string, image.Image) {}

// Bar renders progress on the terminal. Percentages are shown in tenths.
// With an unknown total the bar degrades to a spinner.
type Bar struct {
	bar *progressbar.ProgressBar
}

// NewBar creates a bar writing to w (stderr when nil).
func NewBar(description string, w io.Writer, spinner bool) *Bar {
	if w == nil {
		w = os.Stderr
	}
	max := int64(1000)
	if spinner {
		max = -1
	}
	return &Bar{bar: progressbar.NewOptions64(max,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(w),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionClearOnFinish(),
	)}
}

func (b *Bar) SetProgress(percent float64) {
	b.bar.Set64(int64(math.Round(percent * 10)))
}

// Finish completes the bar.
func (b *Bar) Finish() {
	b.bar.Finish()
}

// Progresses forwards progress to every sink.
type Progresses []Progress

func (p Progresses) SetProgress(percent float64) {
	for _, s := range p {
		s.SetProgress(percent)
	}
}
