package facedet

import (
	"context"
	"image"
	"io"
	"runtime"
	"sync"

	"github.com/edaniels/golog"
	tflite "github.com/mattn/go-tflite"
	"github.com/nfnt/resize"
	"github.com/pkg/errors"

	"github.com/camm-cisco-hackathon/cctv-encrypt/utils"
)

// TFLiteConfig configures a detector backed by an SSD-style face model.
type TFLiteConfig struct {
	ModelPath  string
	NumThreads int
}

type tfliteCloser struct {
	model       *tflite.Model
	options     *tflite.InterpreterOptions
	interpreter *tflite.Interpreter
}

func (c *tfliteCloser) Close() error {
	c.interpreter.Delete()
	c.options.Delete()
	c.model.Delete()
	return nil
}

// NewTFLiteDetector loads the face model from cfg.ModelPath and returns a
// Detector running it. The model file is resolved once, up front; a missing
// or corrupt file is a construction error. The returned closer frees the
// interpreter and must be called once the detector is no longer in use.
func NewTFLiteDetector(cfg TFLiteConfig, logger golog.Logger) (Detector, io.Closer, error) {
	model := tflite.NewModelFromFile(cfg.ModelPath)
	if model == nil {
		return nil, nil, errors.Errorf("failed to load model from %q", cfg.ModelPath)
	}

	numThreads := cfg.NumThreads
	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
	}
	options := tflite.NewInterpreterOptions()
	if options == nil {
		model.Delete()
		return nil, nil, errors.New("interpreter options failed to be created")
	}
	options.SetNumThread(numThreads)
	options.SetErrorReporter(func(msg string, userData interface{}) {
		logger.Warnw("tflite runtime error", "message", msg)
	}, nil)

	interpreter := tflite.NewInterpreter(model, options)
	if interpreter == nil {
		options.Delete()
		model.Delete()
		return nil, nil, errors.New("failed to create interpreter")
	}
	if status := interpreter.AllocateTensors(); status != tflite.OK {
		interpreter.Delete()
		options.Delete()
		model.Delete()
		return nil, nil, errors.New("failed to allocate tensors")
	}

	input := interpreter.GetInputTensor(0)
	inHeight, inWidth := uint(input.Dim(1)), uint(input.Dim(2))
	logger.Infow("face model loaded",
		"path", cfg.ModelPath,
		"input_width", inWidth,
		"input_height", inHeight,
		"input_type", input.Type().String(),
		"threads", numThreads,
	)

	// the interpreter reuses its tensors, so inference is serialized
	var mu sync.Mutex
	detector := func(ctx context.Context, img image.Image) ([]Detection, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		origW, origH := img.Bounds().Dx(), img.Bounds().Dy()
		resized := resize.Resize(inWidth, inHeight, img, resize.Bilinear)

		mu.Lock()
		defer mu.Unlock()
		in := interpreter.GetInputTensor(0)
		var status tflite.Status
		switch in.Type() {
		case tflite.UInt8:
			status = in.CopyFromBuffer(imageToUInt8Buffer(resized))
		case tflite.Float32:
			status = in.CopyFromBuffer(imageToFloatBuffer(resized))
		default:
			return nil, errors.Errorf("unsupported input tensor type %s", in.Type())
		}
		if status != tflite.OK {
			return nil, errors.New("copying to input tensor failed")
		}
		if status := interpreter.Invoke(); status != tflite.OK {
			return nil, errors.New("invoke failed")
		}

		// SSD layout: locations first, scores third, both over the same boxes
		locations := tensorToFloat64(interpreter.GetOutputTensor(0))
		scores := tensorToFloat64(interpreter.GetOutputTensor(2))

		detections := make([]Detection, 0, len(scores))
		for i := 0; i < len(scores) && 4*i+3 < len(locations); i++ {
			ymin := utils.Clamp(locations[4*i], 0, 1) * float64(origH)
			xmin := utils.Clamp(locations[4*i+1], 0, 1) * float64(origW)
			ymax := utils.Clamp(locations[4*i+2], 0, 1) * float64(origH)
			xmax := utils.Clamp(locations[4*i+3], 0, 1) * float64(origW)
			rect := image.Rect(int(xmin), int(ymin), int(xmax), int(ymax))
			if rect.Empty() {
				continue
			}
			detections = append(detections, NewDetection(rect, scores[i]))
		}
		return detections, nil
	}

	closer := &tfliteCloser{model: model, options: options, interpreter: interpreter}
	return detector, closer, nil
}

// imageToUInt8Buffer packs img into the RGB byte layout the model expects.
func imageToUInt8Buffer(img image.Image) []byte {
	bounds := img.Bounds()
	out := make([]byte, bounds.Dx()*bounds.Dy()*3)
	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			out[i] = byte(r >> 8)
			out[i+1] = byte(g >> 8)
			out[i+2] = byte(b >> 8)
			i += 3
		}
	}
	return out
}

// imageToFloatBuffer packs img into RGB float32s normalized to [-1, 1].
func imageToFloatBuffer(img image.Image) []float32 {
	bounds := img.Bounds()
	out := make([]float32, bounds.Dx()*bounds.Dy()*3)
	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			out[i] = (float32(r>>8) - 127.5) / 127.5
			out[i+1] = (float32(g>>8) - 127.5) / 127.5
			out[i+2] = (float32(b>>8) - 127.5) / 127.5
			i += 3
		}
	}
	return out
}

// tensorToFloat64 copies an output tensor into a fresh []float64.
func tensorToFloat64(t *tflite.Tensor) []float64 {
	switch t.Type() {
	case tflite.Float32:
		src := t.Float32s()
		out := make([]float64, len(src))
		for i, v := range src {
			out[i] = float64(v)
		}
		return out
	case tflite.UInt8:
		src := t.UInt8s()
		out := make([]float64, len(src))
		for i, v := range src {
			out[i] = float64(v)
		}
		return out
	default:
		return nil
	}
}
