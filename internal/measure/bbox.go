// Package measure derives geometric measurements from detections.
package measure

import "github.com/segmetric/segmetric/internal/types"

// BBoxColumns are the value columns of a bounding box table.
var BBoxColumns = []string{"BBox_Width", "BBox_Height"}

// BBoxRows emits one row per instance. Boxes are not filtered; zero sized boxes are kept.
func BBoxRows(source string, res *types.DetectionResult) []types.MeasurementRow {
	rows := make([]types.MeasurementRow, 0, len(res.Instances))
	for i, inst := range res.Instances {
		rows = append(rows, types.MeasurementRow{
			Source:   source,
			Instance: i,
			Values:   []float64{inst.Box.Width(), inst.Box.Height()},
		})
	}
	return rows
}
