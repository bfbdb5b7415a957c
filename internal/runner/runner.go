// Package runner drives frames through detection, measurement and artifact stages.
package runner

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmetric/segmetric/internal/detector"
	"github.com/segmetric/segmetric/internal/framesource"
	"github.com/segmetric/segmetric/internal/metrics"
	"github.com/segmetric/segmetric/internal/sink"
	"github.com/segmetric/segmetric/internal/types"
)

// State of a run.
type State int32

const (
	Idle State = iota
	Running
	Completed
	Cancelled
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

var (
	ErrNotIdle = errors.New("run already executed, call Reset first")
	ErrRunning = errors.New("run is in progress")
)

// Output is what a stage produced for one frame.
type Output struct {
	Rows    []types.MeasurementRow
	Preview image.Image // optional, shown on the display sink
}

// Stage consumes one frame's detections.
type Stage interface {
	Name() string
	Handle(ctx context.Context, frame *types.Frame, res *types.DetectionResult) (Output, error)
	// Finish persists the stage's rows. It is only called when the run completes.
	Finish(rows []types.MeasurementRow) error
	// Close releases per-run resources. It is called after every run, whatever the outcome.
	Close() error
}

// EmptyFrameHandler is implemented by stages that must see frames without detections,
// such as video writers that keep every frame.
type EmptyFrameHandler interface {
	HandlesEmpty() bool
}

// Config is kept across Reset.
type Config struct {
	// Open creates a fresh source for each execution.
	Open       func(ctx context.Context) (framesource.Source, error)
	Detector   detector.Detector
	Confidence float64
	Stages     []Stage
	Progress   sink.Progress
	Display    sink.Display
	Log        sink.Log
	Metrics    *metrics.Metrics
}

// Summary describes a finished execution.
type Summary struct {
	State    State
	Frames   int // frames taken through the pipeline, including empty and unreadable ones
	Total    int // -1 when unknown
	Empty    int
	Skipped  int // unreadable items
	Rows     map[string]int
	Progress float64
	Started  time.Time
	Finished time.Time
}

// Result is delivered by Start.
type Result struct {
	Summary Summary
	Err     error
}

// Run is one configured pipeline. It executes on a single worker goroutine; Cancel,
// SkipCurrent, State and Progress may be called from any goroutine.
type Run struct {
	cfg Config

	state        atomic.Int32
	progressBits atomic.Uint64
	cancelReq    atomic.Bool
	skipReq      atomic.Bool

	mu      sync.Mutex // guards rows for Flush and Rows callers
	rows    map[string][]types.MeasurementRow
	summary Summary
}

// New validates the configuration and returns an idle run.
func New(cfg Config) (*Run, error) {
	if cfg.Open == nil {
		return nil, errors.New("runner: no frame source")
	}
	if cfg.Detector == nil {
		return nil, &detector.ModelInvalidError{Err: errors.New("no detector configured")}
	}
	if cfg.Log == nil {
		cfg.Log = sink.Discard{}
	}
	if cfg.Display == nil {
		cfg.Display = sink.NoDisplay{}
	}
	if cfg.Progress == nil {
		cfg.Progress = sink.ProgressFunc(func(float64) {})
	}
	seen := map[string]bool{}
	for _, s := range cfg.Stages {
		if seen[s.Name()] {
			return nil, fmt.Errorf("runner: duplicate stage %q", s.Name())
		}
		seen[s.Name()] = true
	}
	r := &Run{cfg: cfg}
	r.rows = map[string][]types.MeasurementRow{}
	return r, nil
}

func (r *Run) State() State { return State(r.state.Load()) }

// Progress is the completion percentage, never decreasing within an execution.
func (r *Run) Progress() float64 { return math.Float64frombits(r.progressBits.Load()) }

// Cancel stops the run at the next frame boundary. Inference in flight is not interrupted.
func (r *Run) Cancel() { r.cancelReq.Store(true) }

// SkipCurrent abandons the rest of the current video file and moves on to the next one.
func (r *Run) SkipCurrent() { r.skipReq.Store(true) }

// Reset returns a finished run to Idle. Rows and progress are cleared, configuration is kept.
func (r *Run) Reset() error {
	if r.State() == Running {
		return ErrRunning
	}
	r.mu.Lock()
	r.rows = map[string][]types.MeasurementRow{}
	r.summary = Summary{}
	r.mu.Unlock()
	r.progressBits.Store(0)
	r.cancelReq.Store(false)
	r.skipReq.Store(false)
	r.state.Store(int32(Idle))
	return nil
}

// Rows returns a copy of the rows a stage has produced so far.
func (r *Run) Rows(stage string) []types.MeasurementRow {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.MeasurementRow(nil), r.rows[stage]...)
}

// Flush hands every stage's accumulated rows to fn. It may be called at any point,
// including while the run is executing.
func (r *Run) Flush(fn func(stage string, rows []types.MeasurementRow) error) error {
	for _, s := range r.cfg.Stages {
		if err := fn(s.Name(), r.Rows(s.Name())); err != nil {
			return err
		}
	}
	return nil
}

// Summary returns the result of the last execution.
func (r *Run) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summary
}

// Start executes the run on its own goroutine. The channel yields exactly one Result.
func (r *Run) Start(ctx context.Context) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		defer close(ch)
		s, err := r.Execute(ctx)
		ch <- Result{Summary: s, Err: err}
	}()
	return ch
}

// Execute runs the pipeline on the calling goroutine until the source is exhausted,
// the run is cancelled or an error aborts it.
func (r *Run) Execute(ctx context.Context) (Summary, error) {
	if !r.state.CompareAndSwap(int32(Idle), int32(Running)) {
		if r.State() == Running {
			return Summary{}, ErrRunning
		}
		return Summary{}, ErrNotIdle
	}
	r.cfg.Metrics.RunStarted()
	e := &execution{run: r, summary: Summary{Started: time.Now(), Rows: map[string]int{}}}
	r.setProgress(0)

	state, err := e.loop(ctx)
	return r.finish(e, state, err)
}

type execution struct {
	run     *Run
	src     framesource.Source
	summary Summary
}

func (e *execution) loop(ctx context.Context) (State, error) {
	r := e.run
	log := r.cfg.Log

	src, err := r.cfg.Open(ctx)
	if err != nil {
		return Failed, fmt.Errorf("failed to open frame source: %w", err)
	}
	e.src = src
	e.summary.Total = src.Total()
	if e.summary.Total == 0 {
		log.Warnf("Nothing to process: the source has no frames")
	}

	for {
		if r.cancelReq.Load() || ctx.Err() != nil {
			return Cancelled, nil
		}
		if r.skipReq.Swap(false) {
			if src.SkipCurrent() {
				log.Infof("Skipped the rest of the current item")
				r.advance(e)
			} else {
				log.Warnf("Skip ignored: the source has a single item")
			}
		}

		frame, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return Completed, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return Cancelled, nil
			}
			var decodeErr *framesource.DecodeError
			if errors.As(err, &decodeErr) {
				log.Errorf("Skipping unreadable item: %v", err)
				r.cfg.Metrics.FrameSkipped()
				e.summary.Skipped++
				e.summary.Frames++
				r.advance(e)
				continue
			}
			return Failed, err
		}

		err = e.process(ctx, frame)
		frame.Release()
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return Cancelled, nil
			}
			return Failed, err
		}
		e.summary.Frames++
		r.advance(e)
	}
}

func (e *execution) process(ctx context.Context, frame *types.Frame) error {
	r := e.run
	res, err := r.cfg.Detector.Detect(ctx, frame, r.cfg.Confidence)
	if err != nil {
		return err
	}
	r.cfg.Metrics.FrameProcessed(len(res.Instances), res.Timing.Inference)

	empty := len(res.Instances) == 0
	if empty {
		e.summary.Empty++
		r.cfg.Metrics.FrameEmpty()
		r.cfg.Log.Warnf("%v", &types.EmptyResultWarning{Source: frame.Source, Reason: "no detections"})
	}

	var preview image.Image
	for _, s := range r.cfg.Stages {
		if empty {
			if h, ok := s.(EmptyFrameHandler); !ok || !h.HandlesEmpty() {
				continue
			}
		}
		out, err := s.Handle(ctx, frame, res)
		if err != nil {
			return fmt.Errorf("%s stage failed on %s: %w", s.Name(), frame.Source, err)
		}
		if len(out.Rows) > 0 {
			r.mu.Lock()
			r.rows[s.Name()] = append(r.rows[s.Name()], out.Rows...)
			r.mu.Unlock()
			e.summary.Rows[s.Name()] += len(out.Rows)
			r.cfg.Metrics.Rows(len(out.Rows))
		}
		if preview == nil && out.Preview != nil {
			preview = out.Preview
		}
	}

	if preview == nil {
		preview = frame.Image
	}
	r.cfg.Display.Show(frame.Source, preview)
	return nil
}

// advance recomputes progress from the frame count, or from the item count when the
// frame total is unknown, and pushes it to the sink. Progress never goes backwards.
func (r *Run) advance(e *execution) {
	p := -1.0
	if e.summary.Total > 0 {
		p = float64(e.summary.Frames) / float64(e.summary.Total) * 100
	} else if ic, ok := e.src.(framesource.ItemCounter); ok {
		if done, total := ic.Items(); total > 0 {
			p = float64(done) / float64(total) * 100
		}
	}
	if p < 0 {
		return
	}
	if p > 100 {
		p = 100
	}
	if p > r.Progress() {
		r.setProgress(p)
	}
}

func (r *Run) setProgress(p float64) {
	r.progressBits.Store(math.Float64bits(p))
	r.cfg.Progress.SetProgress(p)
	r.cfg.Metrics.SetProgress(p)
}

func (r *Run) finish(e *execution, state State, runErr error) (Summary, error) {
	log := r.cfg.Log
	if e.src != nil {
		if err := e.src.Close(); err != nil {
			log.Warnf("Closing frame source: %v", err)
		}
	}
	for _, s := range r.cfg.Stages {
		if err := s.Close(); err != nil {
			log.Errorf("Closing %s stage: %v", s.Name(), err)
		}
	}

	if state == Completed {
		for _, s := range r.cfg.Stages {
			if err := s.Finish(r.Rows(s.Name())); err != nil {
				state, runErr = Failed, fmt.Errorf("failed to persist %s table: %w", s.Name(), err)
				break
			}
		}
		if state == Completed {
			r.setProgress(100)
		}
	}

	switch state {
	case Completed:
		r.cfg.Metrics.RunCompleted()
		log.Infof("Run completed: %d frames", e.summary.Frames)
	case Cancelled:
		r.cfg.Metrics.RunCancelled()
		log.Warnf("Run cancelled after %d frames", e.summary.Frames)
	case Failed:
		r.cfg.Metrics.RunFailed()
		log.Errorf("Run failed after %d frames: %v", e.summary.Frames, runErr)
	}

	e.summary.State = state
	e.summary.Progress = r.Progress()
	e.summary.Finished = time.Now()
	r.mu.Lock()
	r.summary = e.summary
	r.mu.Unlock()
	r.state.Store(int32(state))
	return e.summary, runErr
}
