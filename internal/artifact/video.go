package artifact

import (
	"context"
	"fmt"
	"image"
	"io"

	"github.com/disintegration/imaging"
	"github.com/segmetric/segmetric/internal/utils"
	"gocv.io/x/gocv"
)

// OutputFPS is the frame rate of every encoded video regardless of the source rate.
const OutputFPS = 30

// VideoWriter streams RGBA frames into an ffmpeg encoder.
type VideoWriter struct {
	Path   string
	width  int
	height int
	cmd    *utils.SafeCommand
	in     io.WriteCloser
	frames int
}

// OpenVideo starts an encoder producing path at width x height.
func OpenVideo(ctx context.Context, path string, width, height int, fps float64) (*VideoWriter, error) {
	cmd := utils.NewFFmpegEncoder(ctx, path, fps, width, height)
	in, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start encoder: %w", err)
	}
	return &VideoWriter{Path: path, width: width, height: height, cmd: cmd, in: in}, nil
}

// WriteFrame encodes one frame, resizing it to the writer's size when needed.
func (v *VideoWriter) WriteFrame(img image.Image) error {
	b := img.Bounds()
	var pix []byte
	switch m := img.(type) {
	case *image.RGBA:
		if b.Dx() == v.width && b.Dy() == v.height && m.Stride == v.width*4 {
			pix = m.Pix
		}
	case *image.NRGBA:
		if b.Dx() == v.width && b.Dy() == v.height && m.Stride == v.width*4 {
			pix = m.Pix
		}
	}
	if pix == nil {
		pix = imaging.Resize(img, v.width, v.height, imaging.Linear).Pix
	}
	if _, err := v.in.Write(pix); err != nil {
		return fmt.Errorf("encoder write failed: %w", err)
	}
	v.frames++
	return nil
}

// Frames is the number of frames written.
func (v *VideoWriter) Frames() int { return v.frames }

// Close flushes the encoder and waits for the file to be finalized.
func (v *VideoWriter) Close() error {
	v.in.Close()
	if err := v.cmd.Wait(); err != nil {
		return fmt.Errorf("encoder failed on %s: %w: %s", v.Path, err, v.cmd.Logs())
	}
	return nil
}

// Recorder writes raw camera frames with OpenCV's own writer.
type Recorder struct {
	Path   string
	writer *gocv.VideoWriter
}

// RecorderFPS is the camera recording rate.
const RecorderFPS = 20

// OpenRecorder creates an mp4v file for frames of the given size.
func OpenRecorder(path string, width, height int) (*Recorder, error) {
	w, err := gocv.VideoWriterFile(path, "mp4v", RecorderFPS, width, height, true)
	if err != nil {
		return nil, fmt.Errorf("failed to open recorder %s: %w", path, err)
	}
	if !w.IsOpened() {
		w.Close()
		return nil, fmt.Errorf("failed to open recorder %s: unwritable path or unsupported codec", path)
	}
	return &Recorder{Path: path, writer: w}, nil
}

// Write appends one frame.
func (r *Recorder) Write(img image.Image) error {
	m, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return err
	}
	defer m.Close()
	return r.writer.Write(m)
}

func (r *Recorder) Close() error {
	return r.writer.Close()
}
