package record

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.viam.com/test"
)

func testMetadata(variant Variant) SegmentMetadata {
	return SegmentMetadata{
		SessionID:   "11111111-2222-3333-4444-555555555555",
		Variant:     variant,
		Width:       640,
		Height:      480,
		FrameFormat: "jpeg",
		StartedAt:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestSegmentRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := NewSegmentWriter(dir, 0, testMetadata(VariantRaw))
	test.That(t, err, test.ShouldBeNil)

	base := time.Date(2024, 5, 1, 12, 0, 1, 0, time.UTC)
	payloads := [][]byte{[]byte("frame zero"), []byte("frame one"), []byte("frame two")}
	for i, p := range payloads {
		err := w.WriteFrame(uint64(i), base.Add(time.Duration(i)*time.Second), p)
		test.That(t, err, test.ShouldBeNil)
	}
	test.That(t, w.FrameCount(), test.ShouldEqual, 3)
	test.That(t, IsInProgressSegment(w.Path()), test.ShouldBeTrue)

	test.That(t, w.Close(), test.ShouldBeNil)
	test.That(t, IsCompletedSegment(w.Path()), test.ShouldBeTrue)

	r, err := OpenSegment(w.Path())
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, r.Close(), test.ShouldBeNil)
	}()
	test.That(t, r.Metadata(), test.ShouldResemble, testMetadata(VariantRaw))

	for i, p := range payloads {
		rec, err := r.Next()
		test.That(t, err, test.ShouldBeNil)
		test.That(t, rec.Seq, test.ShouldEqual, uint64(i))
		test.That(t, rec.Timestamp.UTC(), test.ShouldEqual, base.Add(time.Duration(i)*time.Second))
		test.That(t, rec.Payload, test.ShouldResemble, p)
	}
	_, err = r.Next()
	test.That(t, err, test.ShouldBeError, io.EOF)
}

func TestSegmentWriterRejectsOutOfOrder(t *testing.T) {
	w, err := NewSegmentWriter(t.TempDir(), 0, testMetadata(VariantRaw))
	test.That(t, err, test.ShouldBeNil)

	test.That(t, w.WriteFrame(4, time.Now(), []byte("a")), test.ShouldBeNil)
	err = w.WriteFrame(4, time.Now(), []byte("b"))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "does not follow")
	err = w.WriteFrame(3, time.Now(), []byte("c"))
	test.That(t, err, test.ShouldNotBeNil)

	// a later seq is fine, including with gaps
	test.That(t, w.WriteFrame(7, time.Now(), []byte("d")), test.ShouldBeNil)
	test.That(t, w.Close(), test.ShouldBeNil)
}

func TestSegmentWriterClosed(t *testing.T) {
	w, err := NewSegmentWriter(t.TempDir(), 0, testMetadata(VariantMosaic))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, w.WriteFrame(0, time.Now(), []byte("a")), test.ShouldBeNil)
	test.That(t, w.Close(), test.ShouldBeNil)

	err = w.WriteFrame(1, time.Now(), []byte("b"))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "closed")

	// closing again is a no-op
	test.That(t, w.Close(), test.ShouldBeNil)
}

func TestSegmentFinalizedAtomically(t *testing.T) {
	dir := t.TempDir()
	w, err := NewSegmentWriter(dir, 0, testMetadata(VariantRaw))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, w.WriteFrame(0, time.Now(), []byte("a")), test.ShouldBeNil)

	// while writing, only the in-progress file exists
	entries, err := os.ReadDir(dir)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, entries, test.ShouldHaveLength, 1)
	test.That(t, IsInProgressSegment(entries[0].Name()), test.ShouldBeTrue)

	test.That(t, w.Close(), test.ShouldBeNil)

	entries, err = os.ReadDir(dir)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, entries, test.ShouldHaveLength, 1)
	test.That(t, IsCompletedSegment(entries[0].Name()), test.ShouldBeTrue)
}

func TestOpenSegmentRejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-a-segment.rec")
	test.That(t, os.WriteFile(path, []byte("clearly not a segment header"), 0o600), test.ShouldBeNil)

	_, err := OpenSegment(path)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "not a segment file")
}

func TestOpenSegmentRejectsUnknownVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "future.rec")
	content := append(append([]byte{}, segmentMagic...), 0x7f)
	content = append(content, []byte("{}\n")...)
	test.That(t, os.WriteFile(path, content, 0o600), test.ShouldBeNil)

	_, err := OpenSegment(path)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "unsupported segment version")
}

func TestSegmentReaderDetectsTruncation(t *testing.T) {
	dir := t.TempDir()
	w, err := NewSegmentWriter(dir, 0, testMetadata(VariantRaw))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, w.WriteFrame(0, time.Now(), []byte("first payload")), test.ShouldBeNil)
	test.That(t, w.WriteFrame(1, time.Now(), []byte("second payload")), test.ShouldBeNil)
	test.That(t, w.Close(), test.ShouldBeNil)

	// chop a few bytes off the final record
	info, err := os.Stat(w.Path())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, os.Truncate(w.Path(), info.Size()-4), test.ShouldBeNil)

	r, err := OpenSegment(w.Path())
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, r.Close(), test.ShouldBeNil)
	}()

	rec, err := r.Next()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rec.Payload, test.ShouldResemble, []byte("first payload"))
	_, err = r.Next()
	test.That(t, err, test.ShouldBeError, io.ErrUnexpectedEOF)
}

func TestReadAllFrames(t *testing.T) {
	dir := t.TempDir()
	w, err := NewSegmentWriter(dir, 3, testMetadata(VariantMosaic))
	test.That(t, err, test.ShouldBeNil)
	for i := 0; i < 5; i++ {
		test.That(t, w.WriteFrame(uint64(i), time.Now(), []byte{byte(i)}), test.ShouldBeNil)
	}
	test.That(t, w.Close(), test.ShouldBeNil)

	md, frames, err := ReadAllFrames(w.Path())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, md.Variant, test.ShouldEqual, VariantMosaic)
	test.That(t, frames, test.ShouldHaveLength, 5)
	for i, rec := range frames {
		test.That(t, rec.Seq, test.ShouldEqual, uint64(i))
		test.That(t, rec.Payload, test.ShouldResemble, []byte{byte(i)})
	}
}

func TestSegmentNamesSortInWriteOrder(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for i := 0; i < 3; i++ {
		w, err := NewSegmentWriter(dir, i, testMetadata(VariantRaw))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, w.WriteFrame(uint64(i), time.Now(), []byte("x")), test.ShouldBeNil)
		test.That(t, w.Close(), test.ShouldBeNil)
		paths = append(paths, w.Path())
	}
	entries, err := os.ReadDir(dir)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, entries, test.ShouldHaveLength, 3)
	// ReadDir sorts lexically; the ordinal prefix keeps that write order
	for i, entry := range entries {
		test.That(t, filepath.Join(dir, entry.Name()), test.ShouldEqual, paths[i])
	}
}
