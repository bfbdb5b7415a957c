package artifact

import (
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/segmetric/segmetric/internal/metrics"
	"github.com/segmetric/segmetric/internal/sink"
	"github.com/segmetric/segmetric/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func TestNamerStem(t *testing.T) {
	n := NewNamer(t.TempDir())
	assert.Equal(t, "boat", n.Stem("boat.jpg"))
	assert.Equal(t, "boat", n.Stem("boat.jpg"), "same source keeps its stem")
	assert.Equal(t, "boat_png", n.Stem("boat.png"))
	assert.Equal(t, "boat.v2", n.Stem("boat.v2.jpg"))
	assert.Equal(t, "harbor", n.Stem("/data/in/harbor.JPEG"))
}

func TestNamerPathNeverReusesExistingFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "boat_predicted.png"), []byte("first run"), 0644))

	n := NewNamer(dir)
	p1 := n.Path("boat_predicted.png")
	assert.Equal(t, filepath.Join(dir, "boat_predicted-2.png"), p1)

	// Reserved paths are not handed out twice even before they are written
	p2 := n.Path("boat_predicted.png")
	assert.Equal(t, filepath.Join(dir, "boat_predicted-3.png"), p2)

	assert.Equal(t, filepath.Join(dir, "boat_bbox.png"), n.Path("boat_bbox.png"))
}

func TestWriteMaskAndRerun(t *testing.T) {
	dir := t.TempDir()
	mask := types.NewMask(20, 10)
	for i := 0; i < 50; i++ {
		mask.Pix[i] = types.Foreground
	}

	m := metrics.New()
	for run := 0; run < 2; run++ {
		w := NewWriter(NewNamer(dir), sink.Discard{}, m)
		name, ok := w.WriteMask("boat_mask_0.png", mask)
		require.True(t, ok)
		if run == 0 {
			assert.Equal(t, "boat_mask_0.png", name)
		} else {
			assert.Equal(t, "boat_mask_0-2.png", name)
		}
		assert.Equal(t, 1, w.Written())
	}

	img := gocv.IMRead(filepath.Join(dir, "boat_mask_0.png"), gocv.IMReadGrayScale)
	defer img.Close()
	require.False(t, img.Empty())
	assert.Equal(t, 20, img.Cols())
	assert.Equal(t, 10, img.Rows())
	assert.Equal(t, uint64(2), m.ArtifactsWritten.Load())
}

func TestWriteFailureIsCounted(t *testing.T) {
	mem := sink.NewMemory(10)
	w := NewWriter(NewNamer(filepath.Join(t.TempDir(), "missing", "dir")), mem, nil)

	_, ok := w.WriteMask("x_mask_0.png", types.NewMask(4, 4))
	assert.False(t, ok)
	_, ok = w.WriteMask("bad.png", &types.Mask{Width: 4, Height: 4, Pix: make([]uint8, 3)})
	assert.False(t, ok)

	assert.Equal(t, 2, w.Failures())
	assert.Len(t, mem.Lines(), 2)
	assert.Equal(t, "ERROR", mem.Lines()[0].Level)
}

func TestOpenRecorderUnwritablePath(t *testing.T) {
	_, err := OpenRecorder(filepath.Join(t.TempDir(), "missing", "camera.mp4"), 64, 48)
	assert.Error(t, err)
}

func TestAnnotate(t *testing.T) {
	img := imaging.New(80, 60, color.NRGBA{A: 255})
	mask := types.NewMask(80, 60)
	mask.Pix[30*80+30] = types.Foreground
	res := &types.DetectionResult{Width: 80, Height: 60, Instances: []types.Instance{
		{Box: types.Box{X1: 10, Y1: 10, X2: 50, Y2: 40}, Score: 0.9, Class: 8, Label: "boat", Mask: mask},
	}}

	for _, style := range []Style{StylePredicted, StyleIndexed} {
		mat, err := Annotate(img, res, style)
		require.NoError(t, err)
		assert.Equal(t, 80, mat.Cols())
		assert.Equal(t, 60, mat.Rows())

		out, err := mat.ToImage()
		require.NoError(t, err)
		// The box outline is drawn in a non-black color
		r, g, b, _ := out.At(10, 25).RGBA()
		assert.NotZero(t, r+g+b)
		mat.Close()
	}

	// The source image is left untouched
	assert.Equal(t, color.NRGBA{A: 255}, img.NRGBAAt(10, 25))
}

func TestClassColorWraps(t *testing.T) {
	assert.Equal(t, ClassColor(0), ClassColor(len(palette)))
	assert.Equal(t, ClassColor(3), ClassColor(-3))
}

func TestBlend(t *testing.T) {
	assert.Equal(t, uint8(100), blend(100, 100, 0.4))
	assert.Equal(t, uint8(102), blend(0, 255, 0.4))
}
