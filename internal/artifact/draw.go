package artifact

import (
	"fmt"
	"image"
	"image/color"
	"strconv"

	"github.com/disintegration/imaging"
	"github.com/segmetric/segmetric/internal/types"
	"gocv.io/x/gocv"
)

// Style selects how detections are drawn.
type Style int

const (
	// StylePredicted colors boxes and masks by class and prints "label score".
	StylePredicted Style = iota
	// StyleIndexed draws red boxes labelled with the instance index.
	StyleIndexed
)

var (
	red     = color.RGBA{R: 255, A: 255}
	palette = []color.RGBA{
		{R: 255, G: 56, B: 56, A: 255},
		{R: 255, G: 157, B: 151, A: 255},
		{R: 255, G: 112, B: 31, A: 255},
		{R: 255, G: 178, B: 29, A: 255},
		{R: 207, G: 210, B: 49, A: 255},
		{R: 72, G: 249, B: 10, A: 255},
		{R: 146, G: 204, B: 23, A: 255},
		{R: 61, G: 219, B: 134, A: 255},
		{R: 26, G: 147, B: 52, A: 255},
		{R: 0, G: 212, B: 187, A: 255},
		{R: 44, G: 153, B: 168, A: 255},
		{R: 0, G: 194, B: 255, A: 255},
	}
)

// ClassColor is the drawing color for a class id.
func ClassColor(class int) color.RGBA {
	if class < 0 {
		class = -class
	}
	return palette[class%len(palette)]
}

// Annotate draws the detections onto a copy of img and returns it as a BGR Mat.
// The caller closes the Mat.
func Annotate(img image.Image, res *types.DetectionResult, style Style) (gocv.Mat, error) {
	canvas := imaging.Clone(img)
	if style == StylePredicted {
		for _, inst := range res.Instances {
			if inst.Mask != nil {
				overlayMask(canvas, inst.Mask, ClassColor(inst.Class), 0.4)
			}
		}
	}

	mat, err := gocv.ImageToMatRGB(canvas)
	if err != nil {
		return mat, fmt.Errorf("failed to convert frame: %w", err)
	}

	for i, inst := range res.Instances {
		rect := inst.Box.Rect()
		c, text := red, strconv.Itoa(i)
		if style == StylePredicted {
			c = ClassColor(inst.Class)
			text = fmt.Sprintf("%s %.2f", inst.Label, inst.Score)
		}
		gocv.Rectangle(&mat, rect, c, 2)
		org := image.Pt(rect.Min.X, rect.Min.Y-10)
		if org.Y < 15 {
			org.Y = rect.Min.Y + 20
		}
		gocv.PutText(&mat, text, org, gocv.FontHersheySimplex, 0.6, c, 2)
	}
	return mat, nil
}

func overlayMask(img *image.NRGBA, mask *types.Mask, c color.RGBA, alpha float64) {
	b := img.Bounds()
	if mask.Width != b.Dx() || mask.Height != b.Dy() {
		return
	}
	for y := 0; y < mask.Height; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < mask.Width; x++ {
			if mask.Pix[y*mask.Width+x] == 0 {
				continue
			}
			p := row[x*4 : x*4+3]
			p[0] = blend(p[0], c.R, alpha)
			p[1] = blend(p[1], c.G, alpha)
			p[2] = blend(p[2], c.B, alpha)
		}
	}
}

func blend(dst, src uint8, alpha float64) uint8 {
	return uint8(float64(dst)*(1-alpha) + float64(src)*alpha + 0.5)
}
