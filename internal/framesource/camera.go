package framesource

import (
	"context"
	"fmt"
	"time"

	"github.com/disintegration/imaging"
	"github.com/segmetric/segmetric/internal/types"
	"gocv.io/x/gocv"
)

// Camera reads frames from a capture device until the run is stopped.
type Camera struct {
	device  int
	capture *gocv.VideoCapture
	mat     gocv.Mat
	index   int
	started time.Time
}

// OpenCamera opens a capture device and requests a frame size. Drivers may ignore the request.
func OpenCamera(device, width, height int) (*Camera, error) {
	vc, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, fmt.Errorf("failed to open camera %d: %w", device, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("camera %d is not available", device)
	}
	if width > 0 && height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(height))
	}
	return &Camera{device: device, capture: vc, mat: gocv.NewMat(), started: time.Now()}, nil
}

func (c *Camera) Total() int { return -1 }

func (c *Camera) Next(ctx context.Context) (*types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ok := c.capture.Read(&c.mat); !ok || c.mat.Empty() {
		return nil, fmt.Errorf("camera %d: failed to read frame", c.device)
	}
	img, err := c.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("camera %d: %w", c.device, err)
	}

	frame := types.NewFrame(imaging.Clone(img), nil)
	frame.Index = c.index
	frame.Offset = c.index
	frame.PTS = time.Since(c.started)
	frame.Item = fmt.Sprintf("camera%d", c.device)
	frame.Source = fmt.Sprintf("%s@%s", frame.Item, FormatTimestamp(frame.PTS))
	c.index++
	return frame, nil
}

func (c *Camera) SkipCurrent() bool { return false }

func (c *Camera) Close() error {
	c.mat.Close()
	return c.capture.Close()
}
