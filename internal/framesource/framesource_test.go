package framesource

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/segmetric/segmetric/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeImage(t *testing.T, path string, w, h int) {
	t.Helper()
	img := imaging.New(w, h, color.NRGBA{R: 20, G: 120, B: 200, A: 255})
	require.NoError(t, imaging.Save(img, path))
}

func TestIsImageFile(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"boat.jpg", true},
		{"boat.JPEG", true},
		{"boat.Png", true},
		{"boat.gif", false},
		{"notes.txt", false},
		{"jpg", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsImageFile(tt.name))
		})
	}
	assert.True(t, IsVideoFile("clip.MP4"))
	assert.False(t, IsVideoFile("clip.mov"))
}

func TestImageFolderFiltersAndResizes(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, filepath.Join(dir, "a.jpg"), 64, 48)
	writeImage(t, filepath.Join(dir, "b.PNG"), 30, 90)
	writeImage(t, filepath.Join(dir, "c.jpeg"), 10, 10)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "d.gif"), []byte("x"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.jpg"), 0755))

	src, err := OpenImageFolder(dir)
	require.NoError(t, err)
	defer src.Close()
	assert.Equal(t, 3, src.Total())

	// Files added after opening do not change the denominator
	writeImage(t, filepath.Join(dir, "late.png"), 8, 8)

	seen := map[string]bool{}
	for {
		frame, err := src.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, image.Rect(0, 0, types.CanonicalWidth, types.CanonicalHeight), frame.Image.Bounds())
		seen[frame.Source] = true
		frame.Release()
	}
	assert.Equal(t, map[string]bool{"a.jpg": true, "b.PNG": true, "c.jpeg": true}, seen)
	assert.Equal(t, 3, src.Total())
	assert.False(t, src.SkipCurrent())
}

func TestImageFolderDecodeError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.jpg"), []byte("not a jpeg"), 0644))

	src, err := OpenImageFolder(dir)
	require.NoError(t, err)

	_, err = src.Next(context.Background())
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, filepath.Join(dir, "broken.jpg"), decodeErr.Path)

	_, err = src.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestImageFolderCancelled(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, filepath.Join(dir, "a.jpg"), 8, 8)

	src, err := OpenImageFolder(dir)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpenImageFolderMissing(t *testing.T) {
	_, err := OpenImageFolder(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestFormatTimestamp(t *testing.T) {
	assert.Equal(t, "00:00:00.000", FormatTimestamp(0))
	assert.Equal(t, "01:02:03.450", FormatTimestamp(time.Hour+2*time.Minute+3*time.Second+450*time.Millisecond))
}

func makeVideo(t *testing.T, path string, frames int) {
	t.Helper()
	out, err := exec.Command("ffmpeg", "-hide_banner", "-loglevel", "error", "-y",
		"-f", "lavfi", "-i", "testsrc=size=64x48:rate=10", "-frames:v", strconv.Itoa(frames), path).CombinedOutput()
	require.NoError(t, err, string(out))
}

func requireFFmpeg(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping ffmpeg test in short mode")
	}
	for _, bin := range []string{"ffmpeg", "ffprobe"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not installed", bin)
		}
	}
}

func TestVideoFolderSkip(t *testing.T) {
	requireFFmpeg(t)
	dir := t.TempDir()
	makeVideo(t, filepath.Join(dir, "a.mp4"), 5)
	makeVideo(t, filepath.Join(dir, "b.avi"), 3)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("x"), 0644))

	ctx := context.Background()
	src, err := OpenVideo(ctx, dir)
	require.NoError(t, err)
	defer src.Close()
	require.Len(t, src.Files(), 2)

	first, err := src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, first.Offset)
	assert.Equal(t, image.Rect(0, 0, 64, 48), first.Image.Bounds())
	skippedItem := first.Item
	first.Release()

	require.True(t, src.SkipCurrent())
	done, total := src.Items()
	assert.Equal(t, 1, done)
	assert.Equal(t, 2, total)

	count := 0
	for {
		frame, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		assert.NotEqual(t, skippedItem, frame.Item)
		count++
		frame.Release()
	}
	// The remaining file is read in full
	remaining := 3
	if filepath.Ext(skippedItem) == ".avi" {
		remaining = 5
	}
	assert.Equal(t, remaining, count)
}

func TestVideoSingleFileCannotSkip(t *testing.T) {
	requireFFmpeg(t)
	path := filepath.Join(t.TempDir(), "clip.mp4")
	makeVideo(t, path, 4)

	ctx := context.Background()
	src, err := OpenVideo(ctx, path)
	require.NoError(t, err)
	defer src.Close()

	assert.False(t, src.SkipCurrent())
	n := 0
	for {
		frame, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, n, frame.Index)
		assert.Contains(t, frame.Source, "clip.mp4@")
		frame.Release()
		n++
	}
	assert.Equal(t, 4, n)
}
