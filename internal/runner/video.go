package runner

import (
	"context"
	"fmt"
	"image"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/segmetric/segmetric/internal/artifact"
	"github.com/segmetric/segmetric/internal/measure"
	"github.com/segmetric/segmetric/internal/table"
	"github.com/segmetric/segmetric/internal/types"
)

// Encoder receives the annotated frames of one output video.
type Encoder interface {
	WriteFrame(img image.Image) error
	Close() error
}

// EncoderFactory opens an encoder for path. The default starts ffmpeg.
type EncoderFactory func(ctx context.Context, path string, width, height int, fps float64) (Encoder, error)

func ffmpegEncoder(ctx context.Context, path string, width, height int, fps float64) (Encoder, error) {
	return artifact.OpenVideo(ctx, path, width, height, fps)
}

// VideoStage writes "<name>_output.avi" per input video with every frame annotated,
// and collects per-frame box sizes. Frames without detections are written unchanged.
type VideoStage struct {
	Writer *artifact.Writer
	// ResizeFactor divides the output dimensions. 1 keeps the source size.
	ResizeFactor int
	FPS          float64
	Open         EncoderFactory

	started bool
	item    string
	enc     Encoder
	path    string
	encErrs int
}

func NewVideoStage(w *artifact.Writer, resizeFactor int) *VideoStage {
	return &VideoStage{Writer: w, ResizeFactor: resizeFactor, FPS: artifact.OutputFPS, Open: ffmpegEncoder}
}

func (s *VideoStage) Name() string       { return StageVideo }
func (s *VideoStage) HandlesEmpty() bool { return true }

// OutputSize is the encoded size for a source frame, kept even for the codec.
func OutputSize(width, height, factor int) (int, int) {
	if factor < 1 {
		factor = 1
	}
	w, h := width/factor, height/factor
	w, h = w&^1, h&^1
	if w < 2 {
		w = 2
	}
	if h < 2 {
		h = 2
	}
	return w, h
}

func (s *VideoStage) Handle(ctx context.Context, frame *types.Frame, res *types.DetectionResult) (Output, error) {
	if !s.started || frame.Item != s.item {
		s.closeEncoder()
		s.started = true
		s.item = frame.Item
		base := filepath.Base(frame.Item)
		name := strings.TrimSuffix(base, filepath.Ext(base)) + "_output.avi"
		s.path = s.Writer.Namer().Path(name)
		b := frame.Image.Bounds()
		w, h := OutputSize(b.Dx(), b.Dy(), s.ResizeFactor)
		// The encoder must outlive a cancelled run so the file is finalized.
		enc, err := s.Open(context.WithoutCancel(ctx), s.path, w, h, s.FPS)
		if err != nil {
			s.Writer.Failed(filepath.Base(s.path), err)
		} else {
			s.enc = enc
			s.encErrs = 0
		}
	}

	var img image.Image = frame.Image
	var out Output
	if len(res.Instances) > 0 {
		mat, err := artifact.Annotate(frame.Image, res, artifact.StylePredicted)
		if err != nil {
			return Output{}, err
		}
		rendered, err := mat.ToImage()
		mat.Close()
		if err != nil {
			return Output{}, err
		}
		img = rendered
		out.Rows = measure.BBoxRows(frame.Source, res)
	}
	if s.ResizeFactor > 1 {
		b := img.Bounds()
		w, h := OutputSize(b.Dx(), b.Dy(), s.ResizeFactor)
		img = imaging.Resize(img, w, h, imaging.Lanczos)
	}
	out.Preview = img

	if s.enc != nil {
		if err := s.enc.WriteFrame(img); err != nil {
			// One report per file; the encoder is usually gone for good.
			if s.encErrs == 0 {
				s.Writer.Failed(fmt.Sprintf("%s frame %d", filepath.Base(s.path), frame.Offset), err)
			}
			s.encErrs++
		}
	}
	return out, nil
}

func (s *VideoStage) closeEncoder() {
	if s.enc == nil {
		return
	}
	if err := s.enc.Close(); err != nil {
		s.Writer.Failed(filepath.Base(s.path), err)
	} else if s.encErrs == 0 {
		s.Writer.Succeeded()
	}
	s.enc = nil
}

func (s *VideoStage) Finish(rows []types.MeasurementRow) error {
	path := filepath.Join(s.Writer.Namer().Dir(), table.VideoFile)
	return table.FromRows("", measure.BBoxColumns, rows).Write(path)
}

func (s *VideoStage) Close() error {
	s.closeEncoder()
	s.started = false
	return nil
}

// Recorder receives the raw frames of a recording.
type Recorder interface {
	Write(img image.Image) error
	Close() error
}

// RecorderFactory opens a recorder for path. The default uses OpenCV's writer.
type RecorderFactory func(path string, width, height int) (Recorder, error)

func opencvRecorder(path string, width, height int) (Recorder, error) {
	return artifact.OpenRecorder(path, width, height)
}

// RecordStage saves raw camera frames to an mp4 file. A recorder that cannot be
// opened is reported once and the run goes on without it.
type RecordStage struct {
	Writer *artifact.Writer
	File   string // output file name, e.g. "camera.mp4"
	Open   RecorderFactory

	started bool
	path    string
	rec     Recorder
	recErrs int
}

func (s *RecordStage) Name() string       { return StageRecord }
func (s *RecordStage) HandlesEmpty() bool { return true }

func (s *RecordStage) Handle(_ context.Context, frame *types.Frame, _ *types.DetectionResult) (Output, error) {
	if !s.started {
		s.started = true
		open := s.Open
		if open == nil {
			open = opencvRecorder
		}
		s.path = s.Writer.Namer().Path(s.File)
		b := frame.Image.Bounds()
		rec, err := open(s.path, b.Dx(), b.Dy())
		if err != nil {
			s.Writer.Failed(filepath.Base(s.path), err)
		} else {
			s.rec = rec
			s.recErrs = 0
		}
	}
	if s.rec == nil {
		return Output{}, nil
	}
	if err := s.rec.Write(frame.Image); err != nil {
		if s.recErrs == 0 {
			s.Writer.Failed(fmt.Sprintf("%s frame %d", filepath.Base(s.path), frame.Offset), err)
		}
		s.recErrs++
	}
	return Output{}, nil
}

func (s *RecordStage) Finish([]types.MeasurementRow) error { return nil }

func (s *RecordStage) Close() error {
	s.started = false
	if s.rec == nil {
		return nil
	}
	if err := s.rec.Close(); err != nil {
		s.Writer.Failed(filepath.Base(s.path), err)
	} else if s.recErrs == 0 {
		s.Writer.Succeeded()
	}
	s.rec = nil
	return nil
}
