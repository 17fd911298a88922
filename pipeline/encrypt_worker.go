package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/camm-cisco-hackathon/cctv-encrypt/encrypt"
)

type encryptWorkerConfig struct {
	rawRoot         string
	encryptRoot     string
	deletePlaintext bool
	retryInterval   time.Duration
}

// encryptWorker turns finished raw segments into encrypted artifacts. Failed
// attempts stay pending and are retried on a clock interval, so a full disk
// or an unreachable destination delays encryption instead of losing it.
type encryptWorker struct {
	cfg    encryptWorkerConfig
	enc    *encrypt.Encryptor
	clk    clock.Clock
	logger golog.Logger

	// kick wakes the worker ahead of its next tick; capacity one because a
	// single wakeup serves any number of enqueues.
	kick chan struct{}

	mu        sync.Mutex
	pending   map[string]struct{}
	encrypted int64
}

func newEncryptWorker(cfg encryptWorkerConfig, enc *encrypt.Encryptor, clk clock.Clock, logger golog.Logger) *encryptWorker {
	return &encryptWorker{
		cfg:     cfg,
		enc:     enc,
		clk:     clk,
		logger:  logger,
		kick:    make(chan struct{}, 1),
		pending: make(map[string]struct{}),
	}
}

// start launches the retry loop. It runs until ctx is done.
func (w *encryptWorker) start(ctx context.Context, workers *sync.WaitGroup) {
	workers.Add(1)
	goutils.ManagedGo(func() {
		ticker := w.clk.Ticker(w.cfg.retryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.kick:
			case <-ticker.C:
			}
			w.drain(ctx)
		}
	}, workers.Done)
}

// enqueue marks a finished raw segment for encryption and wakes the worker.
func (w *encryptWorker) enqueue(path string) {
	w.mu.Lock()
	w.pending[path] = struct{}{}
	w.mu.Unlock()
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// drain attempts every pending segment once, oldest path first.
func (w *encryptWorker) drain(ctx context.Context) {
	for _, path := range w.snapshot() {
		if ctx.Err() != nil {
			return
		}
		if err := w.attempt(path); err != nil {
			w.logger.Warnw("segment encryption failed; will retry",
				"segment", path, "error", err)
		}
	}
}

func (w *encryptWorker) snapshot() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	paths := make([]string, 0, len(w.pending))
	for path := range w.pending {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

func (w *encryptWorker) attempt(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// the plaintext is gone; there is nothing left to encrypt
		w.forget(path)
		w.logger.Warnw("pending segment disappeared before encryption", "segment", path)
		return nil
	}
	dst, err := w.destination(path)
	if err != nil {
		w.forget(path)
		return err
	}
	artifact, err := w.enc.EncryptFile(path, dst)
	if err != nil {
		return err
	}

	w.mu.Lock()
	if _, ok := w.pending[path]; ok {
		delete(w.pending, path)
		w.encrypted++
	}
	w.mu.Unlock()
	w.logger.Infow("segment encrypted",
		"segment", path,
		"artifact", artifact.Path,
		"plaintext_bytes", artifact.PlaintextBytes,
		"ciphertext_bytes", artifact.CiphertextBytes,
	)

	if w.cfg.deletePlaintext {
		if err := os.Remove(path); err != nil {
			w.logger.Warnw("failed to remove plaintext segment", "segment", path, "error", err)
		}
	}
	return nil
}

func (w *encryptWorker) forget(path string) {
	w.mu.Lock()
	delete(w.pending, path)
	w.mu.Unlock()
}

// destination rebases a raw segment path under the encryption root and
// appends the artifact extension.
func (w *encryptWorker) destination(path string) (string, error) {
	rel, err := filepath.Rel(w.cfg.rawRoot, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", errors.Errorf("segment %s is outside the raw root", path)
	}
	return filepath.Join(w.cfg.encryptRoot, rel) + encrypt.Ext, nil
}

func (w *encryptWorker) pendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

func (w *encryptWorker) encryptedCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.encrypted
}
