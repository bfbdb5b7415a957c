package framesource

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/segmetric/segmetric/internal/types"
)

// ImageFolder yields one frame per image file, resized to the canonical resolution.
type ImageFolder struct {
	dir    string
	files  []string
	pos    int
	width  int
	height int
}

// OpenImageFolder lists the folder once. Files added later are not picked up.
func OpenImageFolder(dir string) (*ImageFolder, error) {
	files, err := listDir(dir, IsImageFile)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	return &ImageFolder{
		dir:    dir,
		files:  files,
		width:  types.CanonicalWidth,
		height: types.CanonicalHeight,
	}, nil
}

func (s *ImageFolder) Total() int { return len(s.files) }

// Files returns the matching files in iteration order.
func (s *ImageFolder) Files() []string { return s.files }

func (s *ImageFolder) Items() (done, total int) { return s.pos, len(s.files) }

func (s *ImageFolder) Next(ctx context.Context) (*types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.files) {
		return nil, io.EOF
	}
	path := s.files[s.pos]
	index := s.pos
	s.pos++

	img, err := imaging.Open(path)
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	frame := types.NewFrame(imaging.Resize(img, s.width, s.height, imaging.Lanczos), nil)
	frame.Index = index
	frame.Source = filepath.Base(path)
	frame.Item = path
	return frame, nil
}

// SkipCurrent is meaningless for still images: every item is a single frame.
func (s *ImageFolder) SkipCurrent() bool { return false }

func (s *ImageFolder) Close() error { return nil }
