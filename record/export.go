package record

import (
	"context"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	ffmpeg "github.com/u2takey/ffmpeg-go"
	viamutils "go.viam.com/utils"
)

// Export renders a completed segment into a standard media container at
// outPath by piping its frames to an external ffmpeg process. The container
// format follows from outPath's extension. A framerate of zero plays one
// frame per half second, matching the default capture interval.
func Export(ctx context.Context, segmentPath, outPath string, framerate float64, logger golog.Logger) error {
	// make sure ffmpeg is in the path before doing anything else
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return err
	}
	if framerate <= 0 {
		framerate = 2
	}

	r, err := OpenSegment(segmentPath)
	if err != nil {
		return err
	}
	md := r.Metadata()
	if md.FrameFormat != "jpeg" {
		viamutils.UncheckedError(r.Close())
		return errors.Errorf("cannot export %s frames", md.FrameFormat)
	}

	// one worker feeds frame payloads into ffmpeg's stdin
	in, out := io.Pipe()
	var workers sync.WaitGroup
	workers.Add(1)
	viamutils.ManagedGo(func() {
		defer viamutils.UncheckedError(r.Close())
		count := 0
		for {
			rec, err := r.Next()
			if err != nil {
				if errors.Is(err, io.EOF) {
					viamutils.UncheckedError(out.Close())
				} else {
					out.CloseWithError(err)
				}
				logger.Debugw("export pipe finished", "segment", segmentPath, "frames", count)
				return
			}
			if _, err := out.Write(rec.Payload); err != nil {
				// ffmpeg exited; its error surfaces from Run
				return
			}
			count++
		}
	}, workers.Done)

	stream := ffmpeg.Input("pipe:", ffmpeg.KwArgs{
		"format":    "image2pipe",
		"framerate": strconv.FormatFloat(framerate, 'f', -1, 64),
	}).Output(outPath, ffmpeg.KwArgs{
		"pix_fmt": "yuv420p",
	}).OverWriteOutput()
	stream.Context = ctx
	runErr := stream.WithInput(in).Run()
	viamutils.UncheckedError(in.Close())
	workers.Wait()
	if runErr != nil {
		return errors.Wrapf(runErr, "ffmpeg export of %s failed", segmentPath)
	}
	logger.Infow("segment exported", "segment", segmentPath, "out", outPath)
	return nil
}
