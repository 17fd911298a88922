package record

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"go.viam.com/test"
)

func TestExportWithoutFFmpeg(t *testing.T) {
	logger := golog.NewTestLogger(t)
	oldpath := os.Getenv("PATH")
	defer func() {
		os.Setenv("PATH", oldpath)
	}()
	os.Unsetenv("PATH")
	err := Export(context.Background(), "whatever.rec", "out.mp4", 2, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "not found")
}

func TestExportRejectsUnknownFrameFormat(t *testing.T) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}
	logger := golog.NewTestLogger(t)
	dir := t.TempDir()
	md := testMetadata(VariantRaw)
	md.FrameFormat = "rawvideo"
	w, err := NewSegmentWriter(dir, 0, md)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, w.WriteFrame(0, time.Now(), []byte("x")), test.ShouldBeNil)
	test.That(t, w.Close(), test.ShouldBeNil)

	err = Export(context.Background(), w.Path(), filepath.Join(dir, "out.mp4"), 2, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "cannot export")
}

func TestExportProducesContainer(t *testing.T) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}
	logger := golog.NewTestLogger(t)
	dir := t.TempDir()

	w, err := NewSegmentWriter(dir, 0, testMetadata(VariantRaw))
	test.That(t, err, test.ShouldBeNil)
	for i := 0; i < 6; i++ {
		img := image.NewRGBA(image.Rect(0, 0, 64, 48))
		for y := 0; y < 48; y++ {
			for x := 0; x < 64; x++ {
				img.Set(x, y, color.RGBA{R: uint8(40 * i), G: uint8(x), B: uint8(y), A: 255})
			}
		}
		var buf bytes.Buffer
		test.That(t, jpeg.Encode(&buf, img, nil), test.ShouldBeNil)
		test.That(t, w.WriteFrame(uint64(i), time.Now(), buf.Bytes()), test.ShouldBeNil)
	}
	test.That(t, w.Close(), test.ShouldBeNil)

	outPath := filepath.Join(dir, "out.mp4")
	test.That(t, Export(context.Background(), w.Path(), outPath, 4, logger), test.ShouldBeNil)

	info, err := os.Stat(outPath)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, info.Size(), test.ShouldBeGreaterThan, 0)
}
