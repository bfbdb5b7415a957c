package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/segmetric/segmetric/internal/artifact"
	"github.com/segmetric/segmetric/internal/config"
	"github.com/segmetric/segmetric/internal/detector"
	"github.com/segmetric/segmetric/internal/framesource"
	"github.com/segmetric/segmetric/internal/runner"
	"github.com/segmetric/segmetric/internal/sink"
	"github.com/segmetric/segmetric/internal/store"
	"github.com/segmetric/segmetric/internal/types"
	"github.com/segmetric/segmetric/internal/utils"
	"github.com/segmetric/segmetric/internal/worker"
)

// startDetector launches the model worker. Its stderr is shown if it fails to start.
func startDetector(ctx context.Context, cfg config.Config) (*detector.WorkerDetector, error) {
	fmt.Fprintf(os.Stderr, "🧠 Loading model %s...\n", cfg.ModelPath)
	det, err := detector.NewWorkerDetector(ctx, worker.Config{
		PythonBin:   cfg.PythonBin,
		Script:      cfg.WorkerScript,
		ModelPath:   cfg.ModelPath,
		ReadTimeout: cfg.Timeout(),
	})
	if err != nil {
		utils.ShowError("Failed to start model worker", err, nil)
		return nil, err
	}
	return det, nil
}

// job is one configured run plus the terminal pieces around it.
type job struct {
	command string
	cfg     config.Config
	run     *runner.Run
	writer  *artifact.Writer
	bar     *sink.Bar
}

// newJob wires a Run to the terminal bar, the preview hub and the metrics.
func newJob(command string, cfg config.Config, det detector.Detector, writer *artifact.Writer,
	open func(ctx context.Context) (framesource.Source, error), spinner bool, stages ...runner.Stage) (*job, error) {

	j := &job{command: command, cfg: cfg, writer: writer}
	var progress sink.Progresses
	if !quiet {
		j.bar = sink.NewBar(fmt.Sprintf("🔍 %s", command), os.Stderr, spinner)
		progress = append(progress, j.bar)
	}
	var display sink.Display = sink.NoDisplay{}
	if hub != nil {
		progress = append(progress, hub)
		display = hub
	}

	r, err := runner.New(runner.Config{
		Open:       open,
		Detector:   det,
		Confidence: cfg.Confidence,
		Stages:     stages,
		Progress:   progress,
		Display:    display,
		Log:        Log,
		Metrics:    runMetrics,
	})
	if err != nil {
		return nil, err
	}
	j.run = r
	return j, nil
}

// execute runs once and archives the outcome. A cancelled run is not an error.
func (j *job) execute(ctx context.Context) (runner.Summary, error) {
	summary, err := j.run.Execute(ctx)
	return j.complete(summary, err)
}

// executeWithControls runs in the background while lines read from in steer it:
// "s" skips the rest of the current item, "q" cancels the run.
func (j *job) executeWithControls(ctx context.Context, in io.Reader) (runner.Summary, error) {
	results := j.run.Start(ctx)
	go readControls(in, j.run)
	res := <-results
	return j.complete(res.Summary, res.Err)
}

// controller is the part of a Run the keyboard can reach.
type controller interface {
	SkipCurrent()
	Cancel()
}

func readControls(in io.Reader, r controller) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
		case "s", "skip":
			r.SkipCurrent()
		case "q", "quit":
			r.Cancel()
			return
		}
	}
}

func (j *job) complete(summary runner.Summary, err error) (runner.Summary, error) {
	if j.bar != nil {
		j.bar.Finish()
	}
	j.report(summary)
	if err != nil {
		utils.ShowError(fmt.Sprintf("%s run failed", j.command), err, nil)
		return summary, err
	}
	if summary.State == runner.Completed {
		j.archive(summary)
	}
	return summary, nil
}

func (j *job) report(s runner.Summary) {
	icon := "✅"
	switch s.State {
	case runner.Cancelled:
		icon = "🛑"
	case runner.Failed:
		icon = "❌"
	}
	total := "?"
	if s.Total >= 0 {
		total = fmt.Sprint(s.Total)
	}
	fmt.Fprintf(os.Stderr, "%s %s %s: %d/%s frames (%d empty, %d unreadable) in %s\n",
		icon, j.command, s.State, s.Frames, total, s.Empty, s.Skipped, s.Finished.Sub(s.Started).Round(time.Millisecond))
	for stage, n := range s.Rows {
		fmt.Fprintf(os.Stderr, "   %s: %d rows\n", stage, n)
	}
	if j.writer != nil {
		fmt.Fprintf(os.Stderr, "   artifacts: %d written, %d failed, in %s\n", j.writer.Written(), j.writer.Failures(), j.writer.Namer().Dir())
	}
}

// archive stores a completed run when --db is configured. Failures are reported, not fatal.
func (j *job) archive(s runner.Summary) {
	if DB == nil {
		return
	}
	tables := map[string][]types.MeasurementRow{}
	j.run.Flush(func(stage string, rows []types.MeasurementRow) error {
		if len(rows) > 0 {
			tables[stage] = rows
		}
		return nil
	})
	key, _ := utils.GenerateRunKey(j.cfg.InputPath)
	rec := store.RunRecord{
		Key:        key,
		Command:    j.command,
		Input:      j.cfg.InputPath,
		OutputDir:  j.cfg.OutputDir,
		State:      s.State.String(),
		Frames:     s.Frames,
		Empty:      s.Empty,
		Skipped:    s.Skipped,
		StartedAt:  s.Started,
		FinishedAt: s.Finished,
	}
	// The command context may already be cancelled; the archive write is short.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	id, err := DB.SaveRun(ctx, rec, tables)
	if err != nil {
		utils.ShowError("Failed to archive run", err, nil)
		return
	}
	fmt.Fprintf(os.Stderr, "🗄️  Archived as run %d\n", id)
}
