package tracking

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// iouEpsilon keeps the IoU denominator positive for zero-area boxes.
const iouEpsilon = 1e-9

// BBox is an axis-aligned box in pixel coordinates: x1, y1, x2, y2.
type BBox [4]float64

// BoxFromXYWH converts a top-left + size box into corner form.
func BoxFromXYWH(x, y, w, h float64) BBox {
	return BBox{x, y, x + w, y + h}
}

func (b BBox) Width() float64  { return b[2] - b[0] }
func (b BBox) Height() float64 { return b[3] - b[1] }

// Area returns 0 for inverted boxes.
func (b BBox) Area() float64 {
	return math.Max(0, b.Width()) * math.Max(0, b.Height())
}

// Valid reports whether the box has finite coordinates and positive size.
func (b BBox) Valid() bool {
	for _, v := range b {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return b.Width() > 0 && b.Height() > 0
}

func pairIoU(a, b BBox) float64 {
	xx1 := math.Max(a[0], b[0])
	yy1 := math.Max(a[1], b[1])
	xx2 := math.Min(a[2], b[2])
	yy2 := math.Min(a[3], b[3])

	inter := math.Max(0, xx2-xx1) * math.Max(0, yy2-yy1)
	union := a.Area() + b.Area() - inter
	return inter / (union + iouEpsilon)
}

// IoU returns the len(a)×len(b) intersection-over-union matrix.
// Returns nil when either side is empty.
func IoU(a, b []BBox) *mat.Dense {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}

	out := mat.NewDense(len(a), len(b), nil)
	for i := range a {
		for j := range b {
			out.Set(i, j, pairIoU(a[i], b[j]))
		}
	}
	return out
}

// IoUCost returns 1 - IoU for every pair; disjoint boxes cost exactly 1.
func IoUCost(a, b []BBox) *mat.Dense {
	iou := IoU(a, b)
	if iou == nil {
		return nil
	}

	iou.Apply(func(_, _ int, v float64) float64 {
		return 1 - v
	}, iou)
	return iou
}

// FuseScore scales the similarity in each column by that detection's
// confidence, so weak detections become costlier matches at equal overlap.
// An empty matrix is returned unchanged.
func FuseScore(cost *mat.Dense, scores []float64) *mat.Dense {
	if cost == nil || cost.IsEmpty() {
		return cost
	}

	rows, cols := cost.Dims()
	if len(scores) != cols {
		return cost
	}

	fused := mat.NewDense(rows, cols, nil)
	fused.Apply(func(_, j int, v float64) float64 {
		return 1 - (1-v)*clamp01(scores[j])
	}, cost)
	return fused
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(1, math.Max(0, v))
}
