package record

import (
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/camm-cisco-hackathon/cctv-encrypt/utils"
)

// ErrSinkClosed indicates a Write or Skip was attempted on a closed sink.
var ErrSinkClosed = errors.New("sink is closed")

// FramePair carries one frame's encoded raw and mosaic payloads through the
// reorder buffer to the two segment writers.
type FramePair struct {
	Seq       uint64
	Timestamp time.Time
	Raw       []byte
	Mosaic    []byte
}

// SegmentNotifyFunc is called with the completed path of every segment after
// it has been flushed, closed and renamed. It must not block.
type SegmentNotifyFunc func(path string, variant Variant)

// SinkConfig configures a session's recording sink.
type SinkConfig struct {
	SessionID       string
	RawDir          string
	MosaicDir       string
	Width           int
	Height          int
	FrameFormat     string
	MaxSegmentBytes int64
	ReorderWindow   int
	// OnSegmentComplete, if set, is told about every finalized segment.
	OnSegmentComplete SegmentNotifyFunc
}

// Sink appends raw and mosaic frame pairs to two parallel series of segment
// files, reordering out-of-order arrivals up to a bounded window. One sink
// serves one session; its mutex is what serializes the detection and
// redaction paths into a single writer.
type Sink struct {
	cfg    SinkConfig
	logger golog.Logger

	mu      sync.Mutex
	buf     *reorderBuffer
	raw     *SegmentWriter
	mosaic  *SegmentWriter
	ordinal int
	written int64
	closed  bool
}

type completedSegment struct {
	path    string
	variant Variant
}

// NewSink returns a sink writing under cfg's directories. Segment files are
// created lazily on the first write.
func NewSink(cfg SinkConfig, logger golog.Logger) (*Sink, error) {
	if cfg.SessionID == "" {
		return nil, errors.New("sink requires a session id")
	}
	if cfg.RawDir == "" || cfg.MosaicDir == "" {
		return nil, errors.New("sink requires both output directories")
	}
	if cfg.FrameFormat == "" {
		cfg.FrameFormat = "jpeg"
	}
	return &Sink{
		cfg:    cfg,
		logger: logger,
		buf:    newReorderBuffer(cfg.ReorderWindow),
	}, nil
}

// Write accepts a frame pair, possibly out of order, and appends every pair
// that is now at the contiguous head of the reorder buffer to both segment
// series. An arrival outside the reorder window returns ErrReorderOverflow.
func (s *Sink) Write(pair FramePair) error {
	var completed []completedSegment
	s.mu.Lock()
	err := s.writeLocked(pair, &completed)
	s.mu.Unlock()
	s.notify(completed)
	return err
}

func (s *Sink) writeLocked(pair FramePair, completed *[]completedSegment) error {
	if s.closed {
		return ErrSinkClosed
	}
	if err := s.buf.insert(pair); err != nil {
		return err
	}
	return s.flushReady(completed)
}

// Skip tells the sink that seq was dropped upstream and will never arrive,
// letting the reorder window advance past it.
func (s *Sink) Skip(seq uint64) error {
	var completed []completedSegment
	s.mu.Lock()
	err := s.skipLocked(seq, &completed)
	s.mu.Unlock()
	s.notify(completed)
	return err
}

func (s *Sink) skipLocked(seq uint64, completed *[]completedSegment) error {
	if s.closed {
		return ErrSinkClosed
	}
	if err := s.buf.skip(seq); err != nil {
		return err
	}
	return s.flushReady(completed)
}

func (s *Sink) flushReady(completed *[]completedSegment) error {
	for _, ready := range s.buf.popReady() {
		if err := s.appendPair(ready, completed); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) appendPair(pair FramePair, completed *[]completedSegment) error {
	if s.raw != nil && s.cfg.MaxSegmentBytes > 0 &&
		(s.raw.Size() > s.cfg.MaxSegmentBytes || s.mosaic.Size() > s.cfg.MaxSegmentBytes) {
		if err := s.rollLocked(completed); err != nil {
			return err
		}
	}
	if s.raw == nil {
		if err := s.openWriters(); err != nil {
			return err
		}
	}
	if err := s.raw.WriteFrame(pair.Seq, pair.Timestamp, pair.Raw); err != nil {
		return errors.Wrap(err, "raw segment append failed")
	}
	if err := s.mosaic.WriteFrame(pair.Seq, pair.Timestamp, pair.Mosaic); err != nil {
		return errors.Wrap(err, "mosaic segment append failed")
	}
	s.written++
	return nil
}

func (s *Sink) openWriters() error {
	started := time.Now()
	raw, err := NewSegmentWriter(s.cfg.RawDir, s.ordinal, SegmentMetadata{
		SessionID:   s.cfg.SessionID,
		Variant:     VariantRaw,
		Width:       s.cfg.Width,
		Height:      s.cfg.Height,
		FrameFormat: s.cfg.FrameFormat,
		StartedAt:   started,
	})
	if err != nil {
		return errors.Wrap(err, "failed to open raw segment")
	}
	mosaic, err := NewSegmentWriter(s.cfg.MosaicDir, s.ordinal, SegmentMetadata{
		SessionID:   s.cfg.SessionID,
		Variant:     VariantMosaic,
		Width:       s.cfg.Width,
		Height:      s.cfg.Height,
		FrameFormat: s.cfg.FrameFormat,
		StartedAt:   started,
	})
	if err != nil {
		return multierr.Combine(errors.Wrap(err, "failed to open mosaic segment"), raw.Close())
	}
	s.raw = raw
	s.mosaic = mosaic
	s.ordinal++
	return nil
}

// rollLocked finalizes the current pair of segments so fresh ones open on
// the next append. Both variants roll together to keep their series aligned.
func (s *Sink) rollLocked(completed *[]completedSegment) error {
	if s.raw == nil {
		return nil
	}
	s.logger.Debugw("rolling segments",
		"session", s.cfg.SessionID,
		"frames", s.raw.FrameCount(),
		"raw_bytes", utils.FormatBytesI64(s.raw.Size()),
		"mosaic_bytes", utils.FormatBytesI64(s.mosaic.Size()),
	)
	if err := s.closeWriters(completed); err != nil {
		return err
	}
	return nil
}

func (s *Sink) closeWriters(completed *[]completedSegment) error {
	rawErr := s.raw.Close()
	if rawErr == nil {
		*completed = append(*completed, completedSegment{s.raw.Path(), VariantRaw})
	}
	mosaicErr := s.mosaic.Close()
	if mosaicErr == nil {
		*completed = append(*completed, completedSegment{s.mosaic.Path(), VariantMosaic})
	}
	s.raw, s.mosaic = nil, nil
	return multierr.Combine(rawErr, mosaicErr)
}

func (s *Sink) notify(completed []completedSegment) {
	if s.cfg.OnSegmentComplete == nil {
		return
	}
	for _, c := range completed {
		s.cfg.OnSegmentComplete(c.path, c.variant)
	}
}

// FrameCount returns how many frame pairs have been appended to segments.
func (s *Sink) FrameCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// Pending returns how many frames are held in the reorder buffer awaiting
// their turn.
func (s *Sink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.holds()
}

// Close drains everything still held in the reorder buffer and finalizes the
// open segments. By the time Close is called all producers must have
// stopped; any holes left at the head of the buffer are logged and skipped
// so the frames behind them are not lost.
func (s *Sink) Close() error {
	var completed []completedSegment
	s.mu.Lock()
	err := s.closeLocked(&completed)
	s.mu.Unlock()
	s.notify(completed)
	return err
}

func (s *Sink) closeLocked(completed *[]completedSegment) error {
	if s.closed {
		return nil
	}
	s.closed = true

	var err error
	if held := s.buf.holds(); held > 0 {
		s.logger.Warnw("draining reorder buffer with holes", "held", held, "session", s.cfg.SessionID)
	}
	for _, pair := range s.buf.drainRemaining() {
		if appendErr := s.appendPair(pair, completed); appendErr != nil {
			err = multierr.Combine(err, appendErr)
			break
		}
	}
	if s.raw != nil {
		err = multierr.Combine(err, s.closeWriters(completed))
	}
	return err
}
