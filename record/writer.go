package record

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// SegmentWriter appends frame records to a single segment file. It writes to
// a .prog file and atomically renames it to its completed name on Close, so
// a reader never observes a truncated completed segment.
type SegmentWriter struct {
	progPath  string
	finalPath string
	file      *os.File
	writer    *bufio.Writer
	size      int64

	metadata   SegmentMetadata
	lastSeq    uint64
	frameCount int
	closed     bool
}

// NewSegmentWriter creates the next segment file in dir. The ordinal keeps
// segment names sortable in write order within a session directory.
func NewSegmentWriter(dir string, ordinal int, md SegmentMetadata) (*SegmentWriter, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	name := filePathWithReplacedReservedChars(fmt.Sprintf("%05d_%s", ordinal, getFileTimestampName()))
	progPath := filepath.Join(dir, name+InProgressExt)
	//nolint:gosec
	f, err := os.Create(progPath)
	if err != nil {
		return nil, err
	}

	w := &SegmentWriter{
		progPath:  progPath,
		finalPath: filepath.Join(dir, name+CompletedExt),
		file:      f,
		writer:    bufio.NewWriter(f),
		metadata:  md,
	}
	if err := w.writeHeader(); err != nil {
		return nil, multierr.Combine(err, f.Close(), os.Remove(progPath))
	}
	return w, nil
}

func (w *SegmentWriter) writeHeader() error {
	n, err := w.writer.Write(append(append([]byte{}, segmentMagic...), segmentVersion))
	w.size += int64(n)
	if err != nil {
		return errors.Wrap(err, "failed to write segment magic")
	}
	doc, err := json.Marshal(w.metadata)
	if err != nil {
		return errors.Wrap(err, "failed to encode segment metadata")
	}
	// the newline terminates the metadata document; readers consume it
	doc = append(doc, '\n')
	n, err = w.writer.Write(doc)
	w.size += int64(n)
	if err != nil {
		return errors.Wrap(err, "failed to write segment metadata")
	}
	return nil
}

// WriteFrame appends one frame record. Sequence numbers must be strictly
// increasing within a segment.
func (w *SegmentWriter) WriteFrame(seq uint64, ts time.Time, payload []byte) error {
	if w.closed {
		return errors.New("segment writer is closed")
	}
	if w.frameCount > 0 && seq <= w.lastSeq {
		return errors.Errorf("frame seq %d does not follow %d", seq, w.lastSeq)
	}
	if err := binary.Write(w.writer, binary.BigEndian, seq); err != nil {
		return errors.Wrap(err, "failed to write frame seq")
	}
	if err := binary.Write(w.writer, binary.BigEndian, ts.UnixNano()); err != nil {
		return errors.Wrap(err, "failed to write frame time")
	}
	if err := binary.Write(w.writer, binary.BigEndian, uint32(len(payload))); err != nil {
		return errors.Wrap(err, "failed to write frame length")
	}
	n, err := w.writer.Write(payload)
	if err != nil {
		return errors.Wrap(err, "failed to write frame payload")
	}
	w.size += 8 + 8 + 4 + int64(n)
	w.lastSeq = seq
	w.frameCount++
	return nil
}

// Size returns the number of bytes written so far, including the header.
func (w *SegmentWriter) Size() int64 { return w.size }

// FrameCount returns how many frames have been written so far.
func (w *SegmentWriter) FrameCount() int { return w.frameCount }

// Path returns the location of the segment: the in-progress path while open
// and the completed path once closed.
func (w *SegmentWriter) Path() string {
	if w.closed {
		return w.finalPath
	}
	return w.progPath
}

// Close flushes buffered records to durable storage and renames the segment
// to its completed name.
func (w *SegmentWriter) Close() error {
	if w.closed {
		return nil
	}
	if err := w.writer.Flush(); err != nil {
		return multierr.Combine(errors.Wrap(err, "failed to flush segment"), w.file.Close())
	}
	if err := w.file.Sync(); err != nil {
		return multierr.Combine(errors.Wrap(err, "failed to sync segment"), w.file.Close())
	}
	if err := w.file.Close(); err != nil {
		return errors.Wrap(err, "failed to close segment")
	}
	if err := os.Rename(w.progPath, w.finalPath); err != nil {
		return errors.Wrap(err, "failed to finalize segment")
	}
	w.closed = true
	return nil
}
