package runner

import (
	"context"
	"fmt"
	"image"
	"path/filepath"

	"github.com/segmetric/segmetric/internal/artifact"
	"github.com/segmetric/segmetric/internal/measure"
	"github.com/segmetric/segmetric/internal/sink"
	"github.com/segmetric/segmetric/internal/table"
	"github.com/segmetric/segmetric/internal/types"
)

// Stage names, also used as table names in the run archive.
const (
	StagePredict = "predict"
	StageMasks   = "masks"
	StageBBox    = "bbox"
	StageVideo   = "video"
	StageRecord  = "record"
)

// annotated renders res onto the frame and optionally saves it. The rendered image is
// returned for the display sink.
func annotated(w *artifact.Writer, frame *types.Frame, res *types.DetectionResult, style artifact.Style, name string) (image.Image, error) {
	mat, err := artifact.Annotate(frame.Image, res, style)
	if err != nil {
		return nil, err
	}
	defer mat.Close()
	if w != nil && name != "" {
		w.WriteMat(name, mat)
	}
	return mat.ToImage()
}

// PredictStage saves "<stem>_predicted.png" with every detection drawn on it.
type PredictStage struct {
	Writer *artifact.Writer
	// Save is false when annotated frames are only wanted for display, as with a camera.
	Save bool
}

func NewPredictStage(w *artifact.Writer) *PredictStage { return &PredictStage{Writer: w, Save: true} }

func (s *PredictStage) Name() string { return StagePredict }

func (s *PredictStage) Handle(_ context.Context, frame *types.Frame, res *types.DetectionResult) (Output, error) {
	name := ""
	if s.Save {
		name = s.Writer.Namer().Stem(frame.Source) + "_predicted.png"
	}
	img, err := annotated(s.Writer, frame, res, artifact.StylePredicted, name)
	if err != nil {
		return Output{}, err
	}
	return Output{Preview: img}, nil
}

func (s *PredictStage) Finish([]types.MeasurementRow) error { return nil }
func (s *PredictStage) Close() error                        { return nil }

// MaskStage writes every instance mask and their union, and measures their contour areas.
type MaskStage struct {
	Writer *artifact.Writer
	Log    sink.Log
}

func (s *MaskStage) Name() string { return StageMasks }

func (s *MaskStage) Handle(_ context.Context, frame *types.Frame, res *types.DetectionResult) (Output, error) {
	perInstance, combined, err := measure.Contours(res)
	if err != nil {
		return Output{}, err
	}
	if combined == nil {
		s.Log.Warnf("%v", &types.EmptyResultWarning{Source: frame.Source, Reason: "no masks"})
		return Output{}, nil
	}

	stem := s.Writer.Namer().Stem(frame.Source)
	var out Output
	for _, c := range perInstance {
		if c.Empty() {
			s.Log.Warnf("%s: mask %d has no foreground, no area recorded", frame.Source, c.Instance)
			continue
		}
		name, _ := s.Writer.WriteMask(fmt.Sprintf("%s_mask_%d.png", stem, c.Instance), c.Mask)
		out.Rows = append(out.Rows, c.Row(frame.Source, name))
	}
	if !combined.Empty() {
		name, _ := s.Writer.WriteMask(stem+"_masks.png", combined.Mask)
		out.Rows = append(out.Rows, combined.Row(frame.Source, name))
	}
	u := combined.Mask
	out.Preview = &image.Gray{Pix: u.Pix, Stride: u.Width, Rect: image.Rect(0, 0, u.Width, u.Height)}
	return out, nil
}

func (s *MaskStage) Finish(rows []types.MeasurementRow) error {
	path := filepath.Join(s.Writer.Namer().Dir(), table.ContourFile)
	return table.FromRows("Mask", measure.ContourColumns, rows).Write(path)
}

func (s *MaskStage) Close() error { return nil }

// BBoxStage measures box sizes and saves "<stem>_bbox.png" with numbered boxes.
type BBoxStage struct {
	Writer *artifact.Writer
}

func (s *BBoxStage) Name() string { return StageBBox }

func (s *BBoxStage) Handle(_ context.Context, frame *types.Frame, res *types.DetectionResult) (Output, error) {
	name := s.Writer.Namer().Stem(frame.Source) + "_bbox.png"
	img, err := annotated(s.Writer, frame, res, artifact.StyleIndexed, name)
	if err != nil {
		return Output{}, err
	}
	return Output{Rows: measure.BBoxRows(frame.Source, res), Preview: img}, nil
}

func (s *BBoxStage) Finish(rows []types.MeasurementRow) error {
	path := filepath.Join(s.Writer.Namer().Dir(), table.BBoxFile)
	return table.FromRows("", measure.BBoxColumns, rows).Write(path)
}

func (s *BBoxStage) Close() error { return nil }
