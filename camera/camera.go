// Package camera acquires frames from a live video source.
package camera

import (
	"context"
	"image"
	"time"

	"github.com/pkg/errors"
)

// Frame is a single decoded image along with its position in the stream.
// A Frame is immutable once produced; stages hand it off by value and the
// redactor copies pixels before mutating them.
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Image     image.Image
}

// A Source produces frames in capture order. Sequence numbers start at zero
// and increment by exactly one per successful read.
type Source interface {
	// Next blocks until a frame is available, the stream ends, or ctx is
	// done. A source that has ended keeps returning ErrEndOfStream.
	Next(ctx context.Context) (Frame, error)
	// Close releases the underlying stream or device handle.
	Close(ctx context.Context) error
}

var (
	// ErrEndOfStream is returned by Next once the source has no more frames.
	ErrEndOfStream = errors.New("end of stream")

	// ErrSourceUnavailable is returned when the source keeps failing and the
	// retry bound is exhausted. It ends the session.
	ErrSourceUnavailable = errors.New("source unavailable")
)
