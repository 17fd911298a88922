package record

import (
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// OrphanedExt marks in-progress segments that were left behind by a crash and
// could not be promoted to completed segments.
const OrphanedExt = ".orphaned"

// ValidateSegment reads the whole segment at path and returns nil only if the
// header parses and every frame record is complete.
func ValidateSegment(path string) error {
	r, err := OpenSegment(path)
	if err != nil {
		return err
	}
	defer func() {
		//nolint:errcheck
		r.Close()
	}()
	for {
		if _, err := r.Next(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return errors.Wrapf(err, "segment %s is damaged", path)
		}
	}
}

// FinalizeSegment promotes an in-progress segment left behind by a crash to
// its completed name. The segment is validated first; a damaged segment is
// left untouched and the error returned.
func FinalizeSegment(progPath string) (string, error) {
	if !IsInProgressSegment(progPath) {
		return "", errors.Errorf("%s is not an in-progress segment", progPath)
	}
	if err := ValidateSegment(progPath); err != nil {
		return "", err
	}
	finalPath := strings.TrimSuffix(progPath, InProgressExt) + CompletedExt
	if err := os.Rename(progPath, finalPath); err != nil {
		return "", errors.Wrap(err, "failed to finalize segment")
	}
	return finalPath, nil
}

// QuarantineSegment moves a damaged in-progress segment aside so it is never
// mistaken for a completed recording. The bytes are preserved for manual
// recovery.
func QuarantineSegment(progPath string) (string, error) {
	if !IsInProgressSegment(progPath) {
		return "", errors.Errorf("%s is not an in-progress segment", progPath)
	}
	orphanPath := strings.TrimSuffix(progPath, InProgressExt) + OrphanedExt
	if err := os.Rename(progPath, orphanPath); err != nil {
		return "", errors.Wrap(err, "failed to quarantine segment")
	}
	return orphanPath, nil
}
