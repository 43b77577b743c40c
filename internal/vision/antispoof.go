package vision

import (
	"fmt"
	"image"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/your-org/attend/internal/tracking"
)

// Classifier scores how likely a face is a live person, in [0, 1].
type Classifier interface {
	Name() string
	Score(frame image.Image, box tracking.BBox) (float64, error)
}

// AntiSpoofer runs one MiniFASNet model. Each model looks at the face with a
// different amount of surrounding context, given by its crop scale.
type AntiSpoofer struct {
	mu           sync.Mutex
	name         string
	scale        float64
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	inputW       int
	inputH       int
}

const (
	antiSpoofClasses  = 3
	antiSpoofRealIdx  = 1
	defaultCropScale  = 2.7
	antiSpoofInputDim = 80
)

// NewAntiSpoofer loads a MiniFASNet model. The crop scale is parsed from
// file names like "minifasnet_v2_2.7.onnx"; other names use 2.7.
func NewAntiSpoofer(modelPath string, opts *ort.SessionOptions) (*AntiSpoofer, error) {
	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, antiSpoofInputDim, antiSpoofInputDim))
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, antiSpoofClasses))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input"},
		[]string{"output"},
		[]ort.Value{inputTensor},
		[]ort.Value{outputTensor},
		opts,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("create antispoof session: %w", err)
	}

	name := strings.TrimSuffix(filepath.Base(modelPath), filepath.Ext(modelPath))
	return &AntiSpoofer{
		name:         name,
		scale:        cropScale(name),
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		inputW:       antiSpoofInputDim,
		inputH:       antiSpoofInputDim,
	}, nil
}

func (a *AntiSpoofer) Name() string { return a.name }

// Score returns the softmax probability of the "real" class.
func (a *AntiSpoofer) Score(frame image.Image, box tracking.BBox) (float64, error) {
	crop := scaledCrop(frame, box, a.scale)
	if crop == nil {
		return 0, fmt.Errorf("%s: box %v outside frame", a.name, box)
	}
	input := toCHW(crop, a.inputW, a.inputH, antiSpoofNorm)

	a.mu.Lock()
	defer a.mu.Unlock()

	copy(a.inputTensor.GetData(), input)
	if err := a.session.Run(); err != nil {
		return 0, fmt.Errorf("run %s: %w", a.name, err)
	}
	probs := softmax(a.outputTensor.GetData())
	return probs[antiSpoofRealIdx], nil
}

func (a *AntiSpoofer) Close() {
	if a.session != nil {
		a.session.Destroy()
	}
	if a.inputTensor != nil {
		a.inputTensor.Destroy()
	}
	if a.outputTensor != nil {
		a.outputTensor.Destroy()
	}
}

// cropScale extracts the trailing "_<scale>" from a model name.
func cropScale(name string) float64 {
	i := strings.LastIndexByte(name, '_')
	if i < 0 {
		return defaultCropScale
	}
	s, err := strconv.ParseFloat(name[i+1:], 64)
	if err != nil || s <= 0 {
		return defaultCropScale
	}
	return s
}

func softmax(logits []float32) []float64 {
	out := make([]float64, len(logits))
	if len(logits) == 0 {
		return out
	}
	hi := math.Inf(-1)
	for _, l := range logits {
		hi = math.Max(hi, float64(l))
	}
	var sum float64
	for i, l := range logits {
		out[i] = math.Exp(float64(l) - hi)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
