package pipeline

import (
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/multierr"

	"github.com/camm-cisco-hackathon/cctv-encrypt/record"
)

// sweepLeftovers restores the output roots to a consistent state after a
// crash or unclean shutdown: in-progress segments are finalized when intact
// and quarantined when not, and finished raw segments that never got an
// encrypted counterpart are queued for encryption. In-progress segments are
// handled first so a segment finalized here is caught by the encryption scan.
func (c *Controller) sweepLeftovers() error {
	for _, root := range []string{c.rawRoot, c.mosaicRoot} {
		if err := c.sweepInProgress(root); err != nil {
			return err
		}
	}
	return c.sweepUnencrypted()
}

func (c *Controller) sweepInProgress(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !record.IsInProgressSegment(path) {
			return nil
		}
		finalized, finErr := record.FinalizeSegment(path)
		if finErr == nil {
			c.logger.Infow("finalized leftover segment", "segment", finalized)
			return nil
		}
		quarantined, qErr := record.QuarantineSegment(path)
		if qErr != nil {
			return multierr.Combine(finErr, qErr)
		}
		c.logger.Warnw("quarantined damaged leftover segment",
			"segment", quarantined, "error", finErr)
		return nil
	})
}

func (c *Controller) sweepUnencrypted() error {
	return filepath.WalkDir(c.rawRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !record.IsCompletedSegment(path) {
			return nil
		}
		dst, err := c.encrypter.destination(path)
		if err != nil {
			return err
		}
		if _, err := os.Stat(dst); err == nil {
			return nil
		}
		c.logger.Infow("queueing leftover segment for encryption", "segment", path)
		c.encrypter.enqueue(path)
		return nil
	})
}
