package measure

import (
	"fmt"

	"github.com/segmetric/segmetric/internal/types"
	"gocv.io/x/gocv"
)

// ContourColumns are the value columns of a contour area table.
var ContourColumns = []string{"Total_Contour_Area"}

// ContourResult is the outcome for one mask.
type ContourResult struct {
	Instance int // types.CombinedInstance for the union mask
	Mask     *types.Mask
	Area     float64
	Contours int
}

// Empty reports whether the mask had no foreground region at all.
func (c ContourResult) Empty() bool { return c.Contours == 0 }

// Row builds the table row for this result. name is the mask artifact it refers to.
func (c ContourResult) Row(source, name string) types.MeasurementRow {
	return types.MeasurementRow{Source: source, Instance: c.Instance, Name: name, Values: []float64{c.Area}}
}

// ContourArea thresholds the mask and sums the area of its external contours.
// Holes are not subtracted.
func ContourArea(m *types.Mask) (float64, int, error) {
	if len(m.Pix) != m.Width*m.Height {
		return 0, 0, fmt.Errorf("mask buffer is %d bytes, expected %dx%d", len(m.Pix), m.Width, m.Height)
	}
	src, err := gocv.NewMatFromBytes(m.Height, m.Width, gocv.MatTypeCV8UC1, m.Pix)
	if err != nil {
		return 0, 0, err
	}
	defer src.Close()

	bin := gocv.NewMat()
	defer bin.Close()
	gocv.Threshold(src, &bin, 0, types.Foreground, gocv.ThresholdBinary)

	contours := gocv.FindContours(bin, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	area := 0.0
	for i := 0; i < contours.Size(); i++ {
		area += gocv.ContourArea(contours.At(i))
	}
	return area, contours.Size(), nil
}

// CombineMasks adds masks pixel by pixel and clamps at Foreground, so overlaps never wrap.
func CombineMasks(width, height int, masks []*types.Mask) *types.Mask {
	out := types.NewMask(width, height)
	for _, m := range masks {
		if m == nil || m.Width != width || m.Height != height {
			continue
		}
		for i, v := range m.Pix {
			sum := int(out.Pix[i]) + int(v)
			if sum > types.Foreground {
				sum = types.Foreground
			}
			out.Pix[i] = uint8(sum)
		}
	}
	return out
}

// Contours measures every instance mask and their union. Instances without a mask are
// skipped. combined is nil when no instance has a mask.
func Contours(res *types.DetectionResult) (perInstance []ContourResult, combined *ContourResult, err error) {
	var masks []*types.Mask
	for i, inst := range res.Instances {
		if inst.Mask == nil {
			continue
		}
		area, n, err := ContourArea(inst.Mask)
		if err != nil {
			return nil, nil, fmt.Errorf("instance %d: %w", i, err)
		}
		perInstance = append(perInstance, ContourResult{Instance: i, Mask: inst.Mask, Area: area, Contours: n})
		masks = append(masks, inst.Mask)
	}
	if len(masks) == 0 {
		return nil, nil, nil
	}

	union := CombineMasks(res.Width, res.Height, masks)
	area, n, err := ContourArea(union)
	if err != nil {
		return nil, nil, fmt.Errorf("combined mask: %w", err)
	}
	return perInstance, &ContourResult{Instance: types.CombinedInstance, Mask: union, Area: area, Contours: n}, nil
}
