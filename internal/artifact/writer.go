package artifact

import (
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/segmetric/segmetric/internal/metrics"
	"github.com/segmetric/segmetric/internal/sink"
	"github.com/segmetric/segmetric/internal/types"
	"gocv.io/x/gocv"
)

// Writer saves artifacts. A failed write is logged and counted, and the run carries on;
// every artifact type follows that policy.
type Writer struct {
	namer    *Namer
	log      sink.Log
	metrics  *metrics.Metrics
	written  atomic.Int64
	failures atomic.Int64
}

func NewWriter(namer *Namer, log sink.Log, m *metrics.Metrics) *Writer {
	if log == nil {
		log = sink.Discard{}
	}
	return &Writer{namer: namer, log: log, metrics: m}
}

func (w *Writer) Namer() *Namer { return w.namer }

// Written is the number of artifacts saved so far.
func (w *Writer) Written() int { return int(w.written.Load()) }

// Failures is the number of artifacts that could not be saved.
func (w *Writer) Failures() int { return int(w.failures.Load()) }

// Failed records a write failure for an artifact produced elsewhere (e.g. a video frame).
func (w *Writer) Failed(what string, err error) {
	w.failures.Add(1)
	w.metrics.ArtifactFailed()
	w.log.Errorf("Failed to write %s: %v", what, err)
}

// Succeeded records a write performed elsewhere.
func (w *Writer) Succeeded() {
	w.written.Add(1)
	w.metrics.ArtifactWritten()
}

// WriteMat saves an image under name and returns the base name actually used.
// ok is false when the write failed.
func (w *Writer) WriteMat(name string, m gocv.Mat) (string, bool) {
	path := w.namer.Path(name)
	if m.Empty() {
		w.Failed(filepath.Base(path), fmt.Errorf("empty image"))
		return filepath.Base(path), false
	}
	if !gocv.IMWrite(path, m) {
		w.Failed(filepath.Base(path), fmt.Errorf("encoder rejected %s", path))
		return filepath.Base(path), false
	}
	w.Succeeded()
	return filepath.Base(path), true
}

// WriteMask saves a single channel mask as PNG.
func (w *Writer) WriteMask(name string, mask *types.Mask) (string, bool) {
	m, err := MaskMat(mask)
	if err != nil {
		w.Failed(name, err)
		return name, false
	}
	defer m.Close()
	return w.WriteMat(name, m)
}

// MaskMat wraps a mask in a single channel Mat. The caller closes it.
func MaskMat(mask *types.Mask) (gocv.Mat, error) {
	if len(mask.Pix) != mask.Width*mask.Height {
		return gocv.NewMat(), fmt.Errorf("mask buffer is %d bytes, expected %dx%d", len(mask.Pix), mask.Width, mask.Height)
	}
	return gocv.NewMatFromBytes(mask.Height, mask.Width, gocv.MatTypeCV8UC1, mask.Pix)
}
