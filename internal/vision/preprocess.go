package vision

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"

	"github.com/your-org/attend/internal/tracking"
)

// normalization maps 8-bit pixels to model input: (pixel - mean) / std.
type normalization struct {
	mean [3]float32
	std  [3]float32
	bgr  bool // channel order expected by the model
}

var (
	detectionNorm = normalization{mean: [3]float32{127.5, 127.5, 127.5}, std: [3]float32{128, 128, 128}}
	embeddingNorm = normalization{mean: [3]float32{127.5, 127.5, 127.5}, std: [3]float32{127.5, 127.5, 127.5}}
	// MiniFASNet was trained on raw BGR pixels.
	antiSpoofNorm = normalization{std: [3]float32{1, 1, 1}, bgr: true}
)

// toCHW resizes img and lays it out as planar float32 [3][H][W].
func toCHW(img image.Image, targetW, targetH int, n normalization) []float32 {
	resized := resize(img, targetW, targetH)
	plane := targetW * targetH
	data := make([]float32, 3*plane)

	for y := 0; y < targetH; y++ {
		for x := 0; x < targetW; x++ {
			r, g, b, _ := resized.At(x, y).RGBA()
			px := [3]float32{float32(r >> 8), float32(g >> 8), float32(b >> 8)}
			if n.bgr {
				px[0], px[2] = px[2], px[0]
			}
			idx := y*targetW + x
			for c := 0; c < 3; c++ {
				data[c*plane+idx] = (px[c] - n.mean[c]) / n.std[c]
			}
		}
	}
	return data
}

// resize is a nearest-neighbour resize; good enough for model input.
func resize(img image.Image, targetW, targetH int) *image.RGBA {
	b := img.Bounds()
	srcW, srcH := b.Dx(), b.Dy()

	dst := image.NewRGBA(image.Rect(0, 0, targetW, targetH))
	for y := 0; y < targetH; y++ {
		for x := 0; x < targetW; x++ {
			dst.Set(x, y, img.At(b.Min.X+x*srcW/targetW, b.Min.Y+y*srcH/targetH))
		}
	}
	return dst
}

// cropFace cuts the box out of img with 10% padding on each side.
// It returns nil when the box does not intersect the image.
func cropFace(img image.Image, box tracking.BBox) image.Image {
	padW, padH := box.Width()*0.1, box.Height()*0.1
	return cropRect(img, box[0]-padW, box[1]-padH, box[2]+padW, box[3]+padH)
}

// scaledCrop cuts a window of scale times the box size, centred on the box
// and shifted to stay inside the image.
func scaledCrop(img image.Image, box tracking.BBox, scale float64) image.Image {
	b := img.Bounds()
	imgW, imgH := float64(b.Dx()), float64(b.Dy())

	w, h := box.Width(), box.Height()
	if w <= 0 || h <= 0 {
		return nil
	}
	scale = min(scale, imgH/h, imgW/w)
	sw, sh := w*scale, h*scale
	cx, cy := box[0]+w/2, box[1]+h/2

	x1, y1 := cx-sw/2, cy-sh/2
	x2, y2 := cx+sw/2, cy+sh/2
	if x1 < 0 {
		x2 -= x1
		x1 = 0
	}
	if y1 < 0 {
		y2 -= y1
		y1 = 0
	}
	if x2 > imgW {
		x1 -= x2 - imgW
		x2 = imgW
	}
	if y2 > imgH {
		y1 -= y2 - imgH
		y2 = imgH
	}
	return cropRect(img, float64(b.Min.X)+x1, float64(b.Min.Y)+y1, float64(b.Min.X)+x2, float64(b.Min.Y)+y2)
}

func cropRect(img image.Image, fx1, fy1, fx2, fy2 float64) image.Image {
	r := image.Rect(int(fx1), int(fy1), int(fx2), int(fy2)).Intersect(img.Bounds())
	if r.Empty() {
		return nil
	}

	crop := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			crop.Set(x-r.Min.X, y-r.Min.Y, img.At(x, y))
		}
	}
	return crop
}

// decodeFrame decodes a JPEG or PNG frame.
func decodeFrame(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return img, nil
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
