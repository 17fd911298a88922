// Package record persists recordings as append-only segment files. Each
// session writes two parallel series of segments, one for the raw frames and
// one for the mosaic frames, rolled by size and finalized atomically.
package record

import (
	"path/filepath"
	"strings"
	"time"
)

const (
	// InProgressExt defines the file extension for segment files which are
	// currently being written to.
	InProgressExt = ".prog"
	// CompletedExt defines the file extension for segment files which are
	// no longer being written to.
	CompletedExt = ".rec"

	segmentVersion = byte(0x1)

	// Non-exhaustive list of characters to strip from file paths, since not
	// allowed on certain file systems.
	filePathReservedChars = ":"
)

// segmentMagic starts every segment file. It is followed by one version
// byte, a JSON metadata document terminated by '\n', and then frame records:
// sequence number (uint64), capture time in unix nanoseconds (int64),
// payload length (uint32) and the payload bytes, all big-endian.
var segmentMagic = []byte("CCTV")

// Variant names which copy of the recording a segment holds.
type Variant string

const (
	// VariantRaw segments hold frames exactly as captured.
	VariantRaw Variant = "raw"
	// VariantMosaic segments hold frames with detected faces redacted.
	VariantMosaic Variant = "mosaic"
)

// SegmentMetadata is the JSON document at the head of every segment file.
type SegmentMetadata struct {
	SessionID   string    `json:"session_id"`
	Variant     Variant   `json:"variant"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	FrameFormat string    `json:"frame_format"`
	StartedAt   time.Time `json:"started_at"`
}

// IsCompletedSegment returns whether path looks like a finalized segment file.
func IsCompletedSegment(path string) bool {
	return filepath.Ext(path) == CompletedExt
}

// IsInProgressSegment returns whether path looks like a segment file that was
// still being written to.
func IsInProgressSegment(path string) bool {
	return filepath.Ext(path) == InProgressExt
}

// Create a filename based on the current time.
func getFileTimestampName() string {
	// RFC3339Nano is a standard time format e.g. 2006-01-02T15:04:05Z07:00.
	return time.Now().Format(time.RFC3339Nano)
}

// filePathWithReplacedReservedChars returns the filepath with substitutions
// for reserved characters.
func filePathWithReplacedReservedChars(filePath string) string {
	return strings.ReplaceAll(filePath, filePathReservedChars, "_")
}
