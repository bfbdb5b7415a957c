// Package detector adapts an opaque segmentation model to a uniform per-frame result.
package detector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/segmetric/segmetric/internal/types"
	"github.com/segmetric/segmetric/internal/worker"
)

// Detector turns one frame into zero or more instances.
// An empty instance list is a valid result, not an error.
type Detector interface {
	Detect(ctx context.Context, frame *types.Frame, confidence float64) (*types.DetectionResult, error)
}

// ModelInvalidError means the model could not be loaded at all.
type ModelInvalidError struct {
	Path string
	Err  error
}

func (e *ModelInvalidError) Error() string {
	return fmt.Sprintf("invalid model %q: %v", e.Path, e.Err)
}

func (e *ModelInvalidError) Unwrap() error { return e.Err }

// ModelInferenceError means the model failed on a frame. It is never retried.
type ModelInferenceError struct {
	Source string
	Err    error
}

func (e *ModelInferenceError) Error() string {
	return fmt.Sprintf("inference failed on %s: %v", e.Source, e.Err)
}

func (e *ModelInferenceError) Unwrap() error { return e.Err }

// Backend is the subset of the Python worker the adapter needs.
type Backend interface {
	Detect(width, height int, confidence float32, rgb []byte) (*types.DetectionResult, error)
	Close() error
}

// WorkerDetector runs inference through a Python worker process.
type WorkerDetector struct {
	modelPath string
	backend   Backend
	logs      func() string

	mu     sync.Mutex
	served int
}

// CheckModel verifies that the model file is present.
func CheckModel(path string) error {
	if path == "" {
		return &ModelInvalidError{Path: path, Err: errors.New("no model configured")}
	}
	info, err := os.Stat(path)
	if err != nil {
		return &ModelInvalidError{Path: path, Err: err}
	}
	if !info.Mode().IsRegular() {
		return &ModelInvalidError{Path: path, Err: errors.New("not a regular file")}
	}
	return nil
}

// NewWorkerDetector checks the model file and starts the worker.
func NewWorkerDetector(ctx context.Context, cfg worker.Config) (*WorkerDetector, error) {
	if err := CheckModel(cfg.ModelPath); err != nil {
		return nil, err
	}
	w, err := worker.NewPythonWorker(ctx, 0, cfg)
	if err != nil {
		return nil, &ModelInvalidError{Path: cfg.ModelPath, Err: err}
	}
	return &WorkerDetector{modelPath: cfg.ModelPath, backend: w, logs: w.Cmd.Logs}, nil
}

// NewWithBackend wraps an already running backend.
func NewWithBackend(modelPath string, b Backend) *WorkerDetector {
	return &WorkerDetector{modelPath: modelPath, backend: b}
}

func (d *WorkerDetector) Detect(ctx context.Context, frame *types.Frame, confidence float64) (*types.DetectionResult, error) {
	if d == nil || d.backend == nil {
		return nil, &ModelInvalidError{Path: "", Err: errors.New("model handle is absent")}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b := frame.Image.Bounds()
	d.mu.Lock()
	res, err := d.backend.Detect(b.Dx(), b.Dy(), float32(confidence), frame.RGB())
	first := d.served == 0
	if err == nil {
		d.served++
	}
	d.mu.Unlock()

	if err != nil {
		var remote *worker.RemoteError
		var load *worker.LoadError
		if errors.As(err, &load) {
			return nil, &ModelInvalidError{Path: d.modelPath, Err: d.withLogs(err)}
		}
		// A worker that dies before its first answer never loaded the model.
		if first && !errors.As(err, &remote) && !errors.Is(err, worker.ErrTimeout) {
			return nil, &ModelInvalidError{Path: d.modelPath, Err: d.withLogs(err)}
		}
		return nil, &ModelInferenceError{Source: frame.Source, Err: d.withLogs(err)}
	}
	return res, nil
}

func (d *WorkerDetector) withLogs(err error) error {
	if d.logs == nil {
		return err
	}
	if logs := d.logs(); logs != "" {
		return fmt.Errorf("%w\n%s", err, logs)
	}
	return err
}

// Close stops the worker.
func (d *WorkerDetector) Close() error {
	if d == nil || d.backend == nil {
		return nil
	}
	return d.backend.Close()
}
