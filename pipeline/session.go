package pipeline

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/camm-cisco-hackathon/cctv-encrypt/config"
)

// stampLayout names session directories after their start time with enough
// resolution that two sessions on one host never collide.
const stampLayout = "20060102T150405.000"

const sessionMetadataName = "session.json"

// DegradedInterval is one contiguous span during which detection was failing
// and the mosaic output was a passthrough copy of raw. End is nil while the
// interval is still open.
type DegradedInterval struct {
	Start time.Time  `json:"start"`
	End   *time.Time `json:"end,omitempty"`
}

// SessionCounters are the frame accounting totals of a session plus the
// service's encryption progress at the time of the snapshot.
type SessionCounters struct {
	FramesProduced     int64 `json:"frames_produced"`
	FramesRecorded     int64 `json:"frames_recorded"`
	FramesDropped      int64 `json:"frames_dropped"`
	DetectionsSkipped  int64 `json:"detections_skipped"`
	DetectorFailures   int64 `json:"detector_failures"`
	SegmentsEncrypted  int64 `json:"segments_encrypted"`
	PendingEncryptions int   `json:"pending_encryptions"`
}

// SessionMetadata is the session.json sidecar kept next to a session's raw
// segments. It is rewritten on every change and finalized at teardown.
type SessionMetadata struct {
	ID                string             `json:"id"`
	Stamp             string             `json:"stamp"`
	StartedAt         time.Time          `json:"started_at"`
	EndedAt           *time.Time         `json:"ended_at,omitempty"`
	SourceURL         string             `json:"source_url"`
	Width             int                `json:"width"`
	Height            int                `json:"height"`
	DegradedIntervals []DegradedInterval `json:"degraded_intervals,omitempty"`
	Counters          SessionCounters    `json:"counters"`
	Error             string             `json:"error,omitempty"`
}

// Session owns the on-disk layout of one recording run: one directory per
// output root, all named by the same start stamp, plus the metadata sidecar.
type Session struct {
	ID         string
	Stamp      string
	StartedAt  time.Time
	RawDir     string
	MosaicDir  string
	EncryptDir string

	mu sync.Mutex
	md SessionMetadata
}

// newSession creates the session directories under the three roots and
// writes the initial metadata sidecar. A stamp collision is an error rather
// than a merge; the caller retries with a later clock reading if it wants to.
func newSession(rawRoot, mosaicRoot, encryptRoot string, src config.Source, startedAt time.Time) (*Session, error) {
	stamp := startedAt.UTC().Format(stampLayout)
	s := &Session{
		ID:         uuid.NewString(),
		Stamp:      stamp,
		StartedAt:  startedAt,
		RawDir:     filepath.Join(rawRoot, stamp),
		MosaicDir:  filepath.Join(mosaicRoot, stamp),
		EncryptDir: filepath.Join(encryptRoot, stamp),
	}
	for _, dir := range []string{s.RawDir, s.MosaicDir, s.EncryptDir} {
		if err := os.Mkdir(dir, 0o700); err != nil {
			if os.IsExist(err) {
				return nil, errors.Errorf("session %s already exists under %s", stamp, filepath.Dir(dir))
			}
			return nil, errors.Wrap(err, "creating session directory")
		}
	}
	s.md = SessionMetadata{
		ID:        s.ID,
		Stamp:     stamp,
		StartedAt: startedAt,
		SourceURL: src.URL,
		Width:     src.Width,
		Height:    src.Height,
	}
	if err := s.writeMetadataLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

// beginDegraded opens a new degraded interval. A no-op if one is already
// open.
func (s *Session) beginDegraded(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.md.DegradedIntervals); n > 0 && s.md.DegradedIntervals[n-1].End == nil {
		return
	}
	s.md.DegradedIntervals = append(s.md.DegradedIntervals, DegradedInterval{Start: now})
	// best effort; finalize rewrites the sidecar with the in-memory truth
	goutils.UncheckedError(s.writeMetadataLocked())
}

// endDegraded closes the open degraded interval, if any.
func (s *Session) endDegraded(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.md.DegradedIntervals)
	if n == 0 || s.md.DegradedIntervals[n-1].End != nil {
		return
	}
	end := now
	s.md.DegradedIntervals[n-1].End = &end
	goutils.UncheckedError(s.writeMetadataLocked())
}

// finalize records the session outcome and rewrites the sidecar one last
// time. An open degraded interval is closed at the end time.
func (s *Session) finalize(endedAt time.Time, counters SessionCounters, sessionErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	end := endedAt
	s.md.EndedAt = &end
	s.md.Counters = counters
	if sessionErr != nil {
		s.md.Error = sessionErr.Error()
	}
	if n := len(s.md.DegradedIntervals); n > 0 && s.md.DegradedIntervals[n-1].End == nil {
		s.md.DegradedIntervals[n-1].End = &end
	}
	return s.writeMetadataLocked()
}

// Metadata returns a copy of the current sidecar contents.
func (s *Session) Metadata() SessionMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	md := s.md
	md.DegradedIntervals = append([]DegradedInterval(nil), s.md.DegradedIntervals...)
	return md
}

// MetadataPath returns where the session sidecar lives.
func (s *Session) MetadataPath() string {
	return filepath.Join(s.RawDir, sessionMetadataName)
}

func (s *Session) writeMetadataLocked() error {
	data, err := json.MarshalIndent(s.md, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding session metadata")
	}
	path := s.MetadataPath()
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return errors.Wrap(err, "writing session metadata")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errors.Wrap(err, "writing session metadata")
	}
	return nil
}
