package worker

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/segmetric/segmetric/internal/types"
)

const (
	statusOK        = 0
	statusError     = 1
	statusNotLoaded = 2
)

// EncodeRequest builds a frame request.
// Layout: [Width u32][Height u32][Confidence f32][RGB bytes]
func EncodeRequest(width, height int, confidence float32, rgb []byte) ([]byte, error) {
	if len(rgb) != width*height*3 {
		return nil, fmt.Errorf("frame buffer is %d bytes, expected %d for %dx%d RGB", len(rgb), width*height*3, width, height)
	}
	buf := bytes.NewBuffer(make([]byte, 0, 12+len(rgb)))
	binary.Write(buf, binary.BigEndian, uint32(width))
	binary.Write(buf, binary.BigEndian, uint32(height))
	binary.Write(buf, binary.BigEndian, confidence)
	buf.Write(rgb)
	return buf.Bytes(), nil
}

// DecodeResponse parses a worker reply.
//
// OK:    [Status:0][Pre f32][Inf f32][Post f32][N u32] then N x
//
//	[Box 4xf32][Score f32][Class i32][LabelLen u16][Label][MaskLen u32][Mask]
//
// Error: [Status:1][MsgLen u32][Msg]
//
// Not loaded: [Status:2][MsgLen u32][Msg], the model failed to load and every request gets this reply.
func DecodeResponse(body []byte, width, height int) (*types.DetectionResult, error) {
	r := bytes.NewReader(body)
	status, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("empty response from worker")
	}

	if status == statusError {
		msg, err := readString32(r)
		if err != nil {
			return nil, fmt.Errorf("malformed error response: %w", err)
		}
		return nil, &RemoteError{Message: msg}
	}
	if status == statusNotLoaded {
		msg, err := readString32(r)
		if err != nil {
			return nil, fmt.Errorf("malformed load error response: %w", err)
		}
		return nil, &LoadError{Message: msg}
	}
	if status != statusOK {
		return nil, fmt.Errorf("unknown worker status %d", status)
	}

	var timing [3]float32
	if err := binary.Read(r, binary.BigEndian, &timing); err != nil {
		return nil, fmt.Errorf("malformed timing header: %w", err)
	}
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("malformed instance count: %w", err)
	}

	res := &types.DetectionResult{
		Width:  width,
		Height: height,
		Timing: types.Timing{
			Preprocess:  msToDuration(timing[0]),
			Inference:   msToDuration(timing[1]),
			Postprocess: msToDuration(timing[2]),
		},
	}

	for i := 0; i < int(n); i++ {
		inst, err := readInstance(r, width, height)
		if err != nil {
			return nil, fmt.Errorf("instance %d: %w", i, err)
		}
		res.Instances = append(res.Instances, inst)
	}
	return res, nil
}

func readInstance(r *bytes.Reader, width, height int) (types.Instance, error) {
	var fixed struct {
		Box   [4]float32
		Score float32
		Class int32
	}
	if err := binary.Read(r, binary.BigEndian, &fixed); err != nil {
		return types.Instance{}, err
	}

	var labelLen uint16
	if err := binary.Read(r, binary.BigEndian, &labelLen); err != nil {
		return types.Instance{}, err
	}
	label := make([]byte, labelLen)
	if _, err := io.ReadFull(r, label); err != nil {
		return types.Instance{}, err
	}

	inst := types.Instance{
		Box:   types.Box{X1: float64(fixed.Box[0]), Y1: float64(fixed.Box[1]), X2: float64(fixed.Box[2]), Y2: float64(fixed.Box[3])},
		Score: fixed.Score,
		Class: int(fixed.Class),
		Label: string(label),
	}

	var maskLen uint32
	if err := binary.Read(r, binary.BigEndian, &maskLen); err != nil {
		return types.Instance{}, err
	}
	if maskLen == 0 {
		return inst, nil
	}
	if int(maskLen) != width*height {
		return types.Instance{}, fmt.Errorf("mask is %d bytes, expected %d", maskLen, width*height)
	}
	mask := types.NewMask(width, height)
	if _, err := io.ReadFull(r, mask.Pix); err != nil {
		return types.Instance{}, err
	}
	for i, v := range mask.Pix {
		if v != 0 {
			mask.Pix[i] = types.Foreground
		}
	}
	inst.Mask = mask
	return inst, nil
}

func readString32(r *bytes.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func msToDuration(ms float32) time.Duration {
	if ms < 0 || math.IsNaN(float64(ms)) {
		return 0
	}
	return time.Duration(float64(ms) * float64(time.Millisecond))
}
