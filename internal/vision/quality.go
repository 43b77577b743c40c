package vision

import (
	"math"

	"github.com/your-org/attend/internal/tracking"
)

const (
	minFaceSide  = 40.0  // px; smaller faces get no size credit
	goodFaceSide = 160.0 // px; full size credit
	borderMargin = 0.02  // share of the frame treated as the border band
)

// CropQuality rates how usable a detection is for liveness scoring, in
// [0, 1]. It looks at face size, detector confidence, truncation at the frame
// border and, when landmarks are present, how frontal the face is.
func CropQuality(det tracking.Detection, frameW, frameH int) float64 {
	if !det.BBox.Valid() || frameW <= 0 || frameH <= 0 {
		return 0
	}

	side := math.Min(det.BBox.Width(), det.BBox.Height())
	size := clamp((side-minFaceSide)/(goodFaceSide-minFaceSide), 0, 1)

	conf := clamp(det.Confidence, 0, 1)
	if math.IsNaN(conf) {
		conf = 0
	}

	border := 1.0
	mx, my := borderMargin*float64(frameW), borderMargin*float64(frameH)
	b := det.BBox
	if b[0] <= mx || b[1] <= my || b[2] >= float64(frameW)-mx || b[3] >= float64(frameH)-my {
		border = 0.7
	}

	q := (0.4*size + 0.4*conf + 0.2*frontalness(det)) * border
	return clamp(q, 0, 1)
}

// frontalness compares the nose position with the midpoint of the eyes:
// 1 for a frontal face, falling to 0 as the head turns. Without landmarks
// it is neutral.
func frontalness(det tracking.Detection) float64 {
	lm := det.Landmarks
	if lm == nil {
		return 0.5
	}
	eyeDist := math.Abs(lm[1][0] - lm[0][0])
	if eyeDist <= 0 {
		return 0
	}
	mid := (lm[0][0] + lm[1][0]) / 2
	offset := math.Abs(lm[2][0]-mid) / eyeDist
	return clamp(1-2*offset, 0, 1)
}
