package camera

import (
	"context"
	"image"
	"sync"
	"time"
)

// StaticSource cycles through a fixed set of images. It backs dry runs and
// tests that need a source with no external process.
type StaticSource struct {
	mu      sync.Mutex
	imgs    []image.Image
	limit   uint64
	nextSeq uint64
	closed  bool
}

// NewStaticSource returns a StaticSource over imgs that ends the stream
// after limit frames. A limit of zero means no limit.
func NewStaticSource(limit uint64, imgs ...image.Image) *StaticSource {
	return &StaticSource{imgs: imgs, limit: limit}
}

func (s *StaticSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.imgs) == 0 {
		return Frame{}, ErrEndOfStream
	}
	if s.limit > 0 && s.nextSeq >= s.limit {
		return Frame{}, ErrEndOfStream
	}
	frame := Frame{
		Seq:       s.nextSeq,
		Timestamp: time.Now(),
		Image:     s.imgs[s.nextSeq%uint64(len(s.imgs))],
	}
	s.nextSeq++
	return frame, nil
}

func (s *StaticSource) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
