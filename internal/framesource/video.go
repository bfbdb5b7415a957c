package framesource

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/segmetric/segmetric/internal/types"
	"github.com/segmetric/segmetric/internal/utils"
)

// VideoSource reads frames sequentially from one video file or every video in a folder.
// Frames come out at the file's native resolution.
type VideoSource struct {
	files []string
	infos []utils.VideoInfo
	total int

	idx      int // current file
	done     int
	emitted  int
	cur      *decoding
	pool     sync.Pool
	poolSize int
}

type decoding struct {
	cmd    *utils.SafeCommand
	out    io.ReadCloser
	cancel context.CancelFunc
	info   utils.VideoInfo
	path   string
	offset int
}

// OpenVideo probes the input. path may be a single file or a folder of mp4/avi files.
func OpenVideo(ctx context.Context, path string) (*VideoSource, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	files := []string{path}
	if st.IsDir() {
		if files, err = listDir(path, IsVideoFile); err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", path, err)
		}
	}

	s := &VideoSource{files: files}
	for _, f := range files {
		info, err := utils.ProbeVideo(ctx, f)
		if err != nil {
			return nil, err
		}
		if info.Frames <= 0 {
			info.Frames = utils.CountFrames(ctx, f)
		}
		s.infos = append(s.infos, info)
	}
	s.total = s.countTotal()
	return s, nil
}

func (s *VideoSource) countTotal() int {
	total := 0
	for _, info := range s.infos {
		if info.Frames <= 0 {
			return -1
		}
		total += info.Frames
	}
	return total
}

// Files returns the videos in iteration order.
func (s *VideoSource) Files() []string { return s.files }

// Info returns the probe result for a file.
func (s *VideoSource) Info(i int) utils.VideoInfo { return s.infos[i] }

func (s *VideoSource) Total() int { return s.total }

func (s *VideoSource) Items() (done, total int) { return s.done, len(s.files) }

func (s *VideoSource) Next(ctx context.Context) (*types.Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if s.cur == nil {
			if s.idx >= len(s.files) {
				return nil, io.EOF
			}
			if err := s.start(ctx, s.idx); err != nil {
				return nil, err
			}
		}

		frame, err := s.read()
		if err == nil {
			return frame, nil
		}
		if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, err
		}
		if err := s.finish(); err != nil {
			return nil, err
		}
	}
}

func (s *VideoSource) start(ctx context.Context, i int) error {
	dctx, cancel := context.WithCancel(ctx)
	cmd := utils.NewFFmpegRawDecoder(dctx, s.files[i])
	out, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create decoder pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("failed to start decoder for %s: %w", s.files[i], err)
	}
	s.cur = &decoding{cmd: cmd, out: out, cancel: cancel, info: s.infos[i], path: s.files[i]}
	return nil
}

func (s *VideoSource) read() (*types.Frame, error) {
	d := s.cur
	w, h := d.info.Width, d.info.Height
	size := w * h * 4

	// Buffers are recycled through the pool to reduce GC pressure
	buf, _ := s.pool.Get().([]byte)
	if cap(buf) < size {
		buf = make([]byte, size)
	}
	buf = buf[:size]
	if _, err := io.ReadFull(d.out, buf); err != nil {
		s.pool.Put(buf)
		return nil, err
	}

	img := &image.NRGBA{Pix: buf, Stride: w * 4, Rect: image.Rect(0, 0, w, h)}
	frame := types.NewFrame(img, func() { s.pool.Put(buf) })
	frame.Index = s.emitted
	frame.Item = d.path
	frame.Offset = d.offset
	if d.info.FPS > 0 {
		frame.PTS = time.Duration(float64(d.offset) / d.info.FPS * float64(time.Second))
	}
	frame.Source = fmt.Sprintf("%s@%s", filepath.Base(d.path), FormatTimestamp(frame.PTS))
	d.offset++
	s.emitted++
	return frame, nil
}

// finish waits for a decoder that reached end of stream.
func (s *VideoSource) finish() error {
	d := s.cur
	s.cur = nil
	s.idx++
	s.done++
	err := d.cmd.Wait()
	d.cancel()
	if err != nil {
		return fmt.Errorf("decoder failed on %s: %w: %s", d.path, err, d.cmd.Logs())
	}
	return nil
}

// stop kills the running decoder, if any.
func (s *VideoSource) stop() {
	if s.cur == nil {
		return
	}
	s.cur.cancel()
	s.cur.out.Close()
	s.cur.cmd.Wait()
	s.cur = nil
}

func (s *VideoSource) SkipCurrent() bool {
	if len(s.files) < 2 {
		return false
	}
	if s.cur == nil && s.idx >= len(s.files) {
		return false
	}
	s.stop()
	s.idx++
	s.done++
	return true
}

func (s *VideoSource) Close() error {
	s.stop()
	return nil
}

// FormatTimestamp renders a stream offset as HH:MM:SS.mmm.
func FormatTimestamp(d time.Duration) string {
	ms := d.Milliseconds()
	return fmt.Sprintf("%02d:%02d:%02d.%03d", ms/3600000, ms/60000%60, ms/1000%60, ms%1000)
}
