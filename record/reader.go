package record

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
)

// FrameRecord is one frame as stored in a segment file.
type FrameRecord struct {
	Seq       uint64
	Timestamp time.Time
	Payload   []byte
}

// SegmentReader iterates over the frame records of a segment file.
type SegmentReader struct {
	file     *os.File
	reader   *bufio.Reader
	metadata SegmentMetadata
}

// OpenSegment opens a segment file and reads its header.
func OpenSegment(path string) (*SegmentReader, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	reader := bufio.NewReader(f)

	header := make([]byte, len(segmentMagic)+1)
	if _, err := io.ReadFull(reader, header); err != nil {
		return nil, multiCloseErr(f, errors.Wrapf(err, "failed to read segment header from %s", path))
	}
	if !bytes.Equal(header[:len(segmentMagic)], segmentMagic) {
		return nil, multiCloseErr(f, errors.Errorf("%s is not a segment file", path))
	}
	if header[len(segmentMagic)] != segmentVersion {
		return nil, multiCloseErr(f, errors.Errorf("unsupported segment version %#x in %s", header[len(segmentMagic)], path))
	}

	var md SegmentMetadata
	decoder := json.NewDecoder(reader)
	if err := decoder.Decode(&md); err != nil {
		return nil, multiCloseErr(f, errors.Wrapf(err, "failed to read segment metadata from %s", path))
	}
	// the JSON decoder may over-read; reassemble a reader over its buffered
	// remainder and consume the newline terminating the metadata document
	rest := bufio.NewReader(io.MultiReader(decoder.Buffered(), reader))
	ch, err := rest.ReadByte()
	if err != nil || ch != '\n' {
		return nil, multiCloseErr(f, errors.Errorf("segment metadata in %s is not newline terminated", path))
	}

	return &SegmentReader{file: f, reader: rest, metadata: md}, nil
}

func multiCloseErr(f *os.File, err error) error {
	if cerr := f.Close(); cerr != nil {
		return errors.Wrapf(err, "(also failed to close file: %v)", cerr)
	}
	return err
}

// Metadata returns the segment's header document.
func (r *SegmentReader) Metadata() SegmentMetadata { return r.metadata }

// Next returns the next frame record, or io.EOF once the segment is
// exhausted. A truncated trailing record surfaces as io.ErrUnexpectedEOF.
func (r *SegmentReader) Next() (FrameRecord, error) {
	var rec FrameRecord
	if err := binary.Read(r.reader, binary.BigEndian, &rec.Seq); err != nil {
		return FrameRecord{}, err
	}
	var nanos int64
	if err := binary.Read(r.reader, binary.BigEndian, &nanos); err != nil {
		return FrameRecord{}, unexpectedIfEOF(err)
	}
	rec.Timestamp = time.Unix(0, nanos)
	var payloadLen uint32
	if err := binary.Read(r.reader, binary.BigEndian, &payloadLen); err != nil {
		return FrameRecord{}, unexpectedIfEOF(err)
	}
	rec.Payload = make([]byte, payloadLen)
	if _, err := io.ReadFull(r.reader, rec.Payload); err != nil {
		return FrameRecord{}, unexpectedIfEOF(err)
	}
	return rec, nil
}

// unexpectedIfEOF upgrades an EOF in the middle of a record to
// io.ErrUnexpectedEOF so callers can tell truncation from a clean end.
func unexpectedIfEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// Close closes the underlying file.
func (r *SegmentReader) Close() error {
	return r.file.Close()
}

// ReadAllFrames returns the metadata and every frame record in the segment
// at path.
func ReadAllFrames(path string) (SegmentMetadata, []FrameRecord, error) {
	r, err := OpenSegment(path)
	if err != nil {
		return SegmentMetadata{}, nil, err
	}
	defer func() {
		//nolint:errcheck
		r.Close()
	}()

	var frames []FrameRecord
	for {
		rec, err := r.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return r.Metadata(), frames, err
		}
		frames = append(frames, rec)
	}
	return r.Metadata(), frames, nil
}
