package vision

import (
	"fmt"
	"image"
	"slices"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/your-org/attend/internal/tracking"
)

// FaceDetector finds faces in a decoded frame.
type FaceDetector interface {
	Detect(img image.Image) ([]tracking.Detection, error)
}

// Detector runs RetinaFace (det_10g) through ONNX Runtime. A session is not
// reentrant, so Detect serializes callers.
type Detector struct {
	mu            sync.Mutex
	session       *ort.AdvancedSession
	inputTensor   *ort.Tensor[float32]
	outputTensors []*ort.Tensor[float32]
	threshold     float32
	inputW        int
	inputH        int
}

var strides = []int{8, 16, 32}

const (
	anchorsPerStride = 2
	nmsIoU           = 0.4
)

// NewDetector loads the RetinaFace ONNX model.
// opts may be nil (ORT defaults) or a pre-configured *ort.SessionOptions.
func NewDetector(modelPath string, threshold float32, opts *ort.SessionOptions) (*Detector, error) {
	inputW, inputH := 640, 640

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(inputH), int64(inputW)))
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}

	// Per stride the model emits (W/s)*(H/s)*2 anchors:
	// 12800 at stride 8, 3200 at 16, 800 at 32.
	outputs := []struct {
		name  string
		shape ort.Shape
	}{
		{"448", ort.NewShape(12800, 1)},
		{"471", ort.NewShape(3200, 1)},
		{"494", ort.NewShape(800, 1)},
		{"451", ort.NewShape(12800, 4)},
		{"474", ort.NewShape(3200, 4)},
		{"497", ort.NewShape(800, 4)},
		{"454", ort.NewShape(12800, 10)},
		{"477", ort.NewShape(3200, 10)},
		{"500", ort.NewShape(800, 10)},
	}

	outputNames := make([]string, len(outputs))
	outputTensors := make([]*ort.Tensor[float32], len(outputs))
	outputValues := make([]ort.Value, len(outputs))
	destroy := func() {
		inputTensor.Destroy()
		for _, t := range outputTensors {
			if t != nil {
				t.Destroy()
			}
		}
	}

	for i, o := range outputs {
		t, err := ort.NewEmptyTensor[float32](o.shape)
		if err != nil {
			destroy()
			return nil, fmt.Errorf("create output tensor %s: %w", o.name, err)
		}
		outputNames[i] = o.name
		outputTensors[i] = t
		outputValues[i] = t
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input.1"},
		outputNames,
		[]ort.Value{inputTensor},
		outputValues,
		opts,
	)
	if err != nil {
		destroy()
		return nil, fmt.Errorf("create detector session: %w", err)
	}

	return &Detector{
		session:       session,
		inputTensor:   inputTensor,
		outputTensors: outputTensors,
		threshold:     threshold,
		inputW:        inputW,
		inputH:        inputH,
	}, nil
}

// Detect runs face detection on img and returns boxes in its pixel space.
func (d *Detector) Detect(img image.Image) ([]tracking.Detection, error) {
	b := img.Bounds()

	d.mu.Lock()
	defer d.mu.Unlock()

	copy(d.inputTensor.GetData(), toCHW(img, d.inputW, d.inputH, detectionNorm))
	if err := d.session.Run(); err != nil {
		return nil, fmt.Errorf("run detection: %w", err)
	}

	return nms(d.decode(b.Dx(), b.Dy()), nmsIoU), nil
}

// decode turns anchor-relative RetinaFace outputs into pixel-space detections.
func (d *Detector) decode(origW, origH int) []tracking.Detection {
	var dets []tracking.Detection

	scaleW := float64(origW) / float64(d.inputW)
	scaleH := float64(origH) / float64(d.inputH)

	for si, stride := range strides {
		scores := d.outputTensors[si].GetData()
		boxes := d.outputTensors[si+3].GetData()
		marks := d.outputTensors[si+6].GetData()

		st := float64(stride)
		idx := 0
		for cy := 0; cy < d.inputH/stride; cy++ {
			for cx := 0; cx < d.inputW/stride; cx++ {
				for a := 0; a < anchorsPerStride; a++ {
					if scores[idx] < d.threshold {
						idx++
						continue
					}
					ax, ay := float64(cx)*st, float64(cy)*st

					box := tracking.BBox{
						clamp((ax-float64(boxes[idx*4+0])*st)*scaleW, 0, float64(origW)),
						clamp((ay-float64(boxes[idx*4+1])*st)*scaleH, 0, float64(origH)),
						clamp((ax+float64(boxes[idx*4+2])*st)*scaleW, 0, float64(origW)),
						clamp((ay+float64(boxes[idx*4+3])*st)*scaleH, 0, float64(origH)),
					}

					var lm [5][2]float64
					for li := range lm {
						lm[li][0] = (ax + float64(marks[idx*10+li*2])*st) * scaleW
						lm[li][1] = (ay + float64(marks[idx*10+li*2+1])*st) * scaleH
					}

					dets = append(dets, tracking.Detection{
						BBox:       box,
						Confidence: float64(scores[idx]),
						Landmarks:  &lm,
					})
					idx++
				}
			}
		}
	}

	return dets
}

func (d *Detector) Close() {
	if d.session != nil {
		d.session.Destroy()
	}
	if d.inputTensor != nil {
		d.inputTensor.Destroy()
	}
	for _, t := range d.outputTensors {
		if t != nil {
			t.Destroy()
		}
	}
}

// nms keeps the most confident of every group of boxes overlapping by more
// than iouThreshold. The result is ordered by descending confidence.
func nms(dets []tracking.Detection, iouThreshold float64) []tracking.Detection {
	if len(dets) == 0 {
		return dets
	}

	slices.SortStableFunc(dets, func(a, b tracking.Detection) int {
		switch {
		case a.Confidence > b.Confidence:
			return -1
		case a.Confidence < b.Confidence:
			return 1
		}
		return 0
	})

	boxes := make([]tracking.BBox, len(dets))
	for i, d := range dets {
		boxes[i] = d.BBox
	}
	overlap := tracking.IoU(boxes, boxes)

	suppressed := make([]bool, len(dets))
	var kept []tracking.Detection
	for i := range dets {
		if suppressed[i] {
			continue
		}
		kept = append(kept, dets[i])
		for j := i + 1; j < len(dets); j++ {
			if overlap.At(i, j) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}

func clamp(v, lo, hi float64) float64 {
	return min(hi, max(lo, v))
}
