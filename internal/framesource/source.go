// Package framesource yields ordered frames from image folders, video files and cameras.
package framesource

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/segmetric/segmetric/internal/types"
)

// Source is a lazy, finite sequence of frames. Next returns io.EOF once exhausted.
// A Source is single use; open a new one for every run.
type Source interface {
	// Total is the number of frames the source will produce, or -1 when unknown.
	Total() int
	Next(ctx context.Context) (*types.Frame, error)
	// SkipCurrent abandons the rest of the current item. It reports false when the source
	// has a single item and skipping is not meaningful.
	SkipCurrent() bool
	Close() error
}

// ItemCounter is implemented by sources made of several files.
type ItemCounter interface {
	Items() (done, total int)
}

// DecodeError is returned for a single unreadable item. The source stays usable.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("cannot decode %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

var (
	imageExtensions = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}
	videoExtensions = map[string]bool{".mp4": true, ".avi": true}
)

// IsImageFile reports whether the name has a recognized image extension.
func IsImageFile(name string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(name))]
}

// IsVideoFile reports whether the name has a recognized video extension.
func IsVideoFile(name string) bool {
	return videoExtensions[strings.ToLower(filepath.Ext(name))]
}

// listDir returns matching regular files in directory order. The order is whatever the
// file system reports and is deliberately not sorted.
func listDir(dir string, match func(string) bool) ([]string, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	entries, err := f.ReadDir(-1)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !match(e.Name()) {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	return out, nil
}
