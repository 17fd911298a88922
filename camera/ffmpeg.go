package camera

import (
	"context"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	ffmpeg "github.com/u2takey/ffmpeg-go"
	viamutils "go.viam.com/utils"
)

// FFmpegConfig describes the stream an ffmpeg-backed source decodes.
type FFmpegConfig struct {
	// URL is an rtsp:// stream, a video file, or a capture device path.
	URL    string
	Width  int
	Height int
	// InputKWArgs are passed through to the ffmpeg input. rtsp:// inputs
	// default to TCP transport unless overridden here.
	InputKWArgs map[string]interface{}
}

type ffmpegSource struct {
	cfg         FFmpegConfig
	shutdownCtx context.Context
	cancelFunc  func()

	activeBackgroundWorkers sync.WaitGroup

	gotFirstFrame chan struct{}
	latest        atomic.Value // capturedImage
	terminalErr   atomic.Value // error

	nextSeq uint64
}

type capturedImage struct {
	img      image.Image
	captured time.Time
}

// NewFFmpegSource spawns an ffmpeg process decoding cfg.URL to raw BGR24
// frames on a pipe and returns a Source over them. The process lives until
// Close. Next returns the most recently decoded frame, so a slow caller
// samples the stream rather than stalling it.
func NewFFmpegSource(cfg FFmpegConfig, logger golog.Logger) (Source, error) {
	// make sure ffmpeg is in the path before doing anything else
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, err
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, errors.Errorf("invalid frame dimensions %dx%d", cfg.Width, cfg.Height)
	}

	inArgs := make(map[string]interface{}, len(cfg.InputKWArgs)+1)
	if strings.HasPrefix(cfg.URL, "rtsp://") {
		inArgs["rtsp_transport"] = "tcp"
	}
	for key, value := range cfg.InputKWArgs {
		inArgs[key] = value
	}
	outArgs := map[string]interface{}{
		"format":  "rawvideo",
		"pix_fmt": "bgr24",
		"s":       fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
	}

	cancelableCtx, cancel := context.WithCancel(context.Background())
	src := &ffmpegSource{
		cfg:           cfg,
		shutdownCtx:   cancelableCtx,
		cancelFunc:    cancel,
		gotFirstFrame: make(chan struct{}),
	}

	// one worker runs ffmpeg and feeds decoded bytes into the pipe
	in, out := io.Pipe()
	var ffmpegErr atomic.Value
	src.activeBackgroundWorkers.Add(1)
	viamutils.ManagedGo(func() {
		stream := ffmpeg.Input(cfg.URL, inArgs).Output("pipe:", outArgs)
		stream.Context = cancelableCtx
		if err := stream.WithOutput(out).Run(); err != nil {
			ffmpegErr.Store(err)
		}
		viamutils.UncheckedError(out.Close())
	}, func() {
		cancel()
		src.activeBackgroundWorkers.Done()
	})

	// another worker consumes whole frames from the pipe and keeps the
	// most recent one available for Next
	frameLen := cfg.Width * cfg.Height * 3
	var gotFirstFrameOnce bool
	src.activeBackgroundWorkers.Add(1)
	viamutils.ManagedGo(func() {
		buf := make([]byte, frameLen)
		for {
			if _, err := io.ReadFull(in, buf); err != nil {
				switch {
				case ffmpegErr.Load() != nil:
					src.terminalErr.Store(errors.Wrap(ffmpegErr.Load().(error), "ffmpeg exited"))
				case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
					// clean process exit means the stream ended
					src.terminalErr.Store(ErrEndOfStream)
				default:
					src.terminalErr.Store(err)
				}
				return
			}
			src.latest.Store(capturedImage{
				img:      decodeBGR24(buf, cfg.Width, cfg.Height),
				captured: time.Now(),
			})
			if !gotFirstFrameOnce {
				close(src.gotFirstFrame)
				gotFirstFrameOnce = true
			}
		}
	}, src.activeBackgroundWorkers.Done)

	logger.Infow("ffmpeg source started",
		"url", cfg.URL,
		"width", cfg.Width,
		"height", cfg.Height,
	)
	return src, nil
}

func (s *ffmpegSource) Next(ctx context.Context) (Frame, error) {
	if err, ok := s.terminalErr.Load().(error); ok {
		return Frame{}, err
	}
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-s.shutdownCtx.Done():
		if err, ok := s.terminalErr.Load().(error); ok {
			return Frame{}, err
		}
		return Frame{}, s.shutdownCtx.Err()
	case <-s.gotFirstFrame:
	}
	if err, ok := s.terminalErr.Load().(error); ok {
		return Frame{}, err
	}
	snap, ok := s.latest.Load().(capturedImage)
	if !ok {
		return Frame{}, ErrEndOfStream
	}
	frame := Frame{
		Seq:       s.nextSeq,
		Timestamp: snap.captured,
		Image:     snap.img,
	}
	s.nextSeq++
	return frame, nil
}

func (s *ffmpegSource) Close(ctx context.Context) error {
	s.cancelFunc()
	s.activeBackgroundWorkers.Wait()
	return nil
}

// decodeBGR24 converts one packed BGR24 frame into an RGBA image.
func decodeBGR24(buf []byte, width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		srcOff := y * width * 3
		dstOff := y * img.Stride
		for x := 0; x < width; x++ {
			b, g, r := buf[srcOff], buf[srcOff+1], buf[srcOff+2]
			img.Pix[dstOff] = r
			img.Pix[dstOff+1] = g
			img.Pix[dstOff+2] = b
			img.Pix[dstOff+3] = 0xff
			srcOff += 3
			dstOff += 4
		}
	}
	return img
}
