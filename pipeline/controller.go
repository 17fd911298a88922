// Package pipeline drives frames from a camera source through face
// detection, mosaic redaction and the dual recording sink, and encrypts
// finished raw segments as they close. A controller runs at most one
// recording session at a time.
package pipeline

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"github.com/camm-cisco-hackathon/cctv-encrypt/camera"
	"github.com/camm-cisco-hackathon/cctv-encrypt/config"
	"github.com/camm-cisco-hackathon/cctv-encrypt/encrypt"
	"github.com/camm-cisco-hackathon/cctv-encrypt/facedet"
	"github.com/camm-cisco-hackathon/cctv-encrypt/record"
	"github.com/camm-cisco-hackathon/cctv-encrypt/redact"
)

var (
	// ErrAlreadyRunning is returned by Start while a session is active.
	ErrAlreadyRunning = errors.New("a recording session is already running")

	// ErrDetectorDegraded is surfaced in status while consecutive detector
	// failures have put the pipeline into passthrough recording.
	ErrDetectorDegraded = errors.New("detector degraded; recording passthrough")
)

// The three output roots under Recording.Dir.
const (
	rawRootName     = "record"
	mosaicRootName  = "record_mosaic"
	encryptRootName = "record_encrypt"
)

// A SourceFactory builds the camera source a session reads from. Production
// uses the ffmpeg source behind a retry wrapper; tests inject static sources.
type SourceFactory func(ctx context.Context, cfg config.Source, logger golog.Logger) (camera.Source, error)

// Params configures a Controller. Config and Logger are required; the rest
// default to the production implementations.
type Params struct {
	Config config.Config
	Logger golog.Logger

	// Detector, when set, replaces the TFLite detector loaded from
	// Config.Detector.ModelPath. Thresholding and overlap merging are
	// applied on top either way.
	Detector facedet.Detector
	// DetectorCloser is closed together with the controller.
	DetectorCloser io.Closer

	// NewSource, when set, replaces the default ffmpeg source chain.
	NewSource SourceFactory

	// Clock paces frame capture and encryption retries.
	Clock clock.Clock
}

// Status is a point-in-time snapshot of the controller.
type Status struct {
	State    State            `json:"state"`
	Session  *SessionMetadata `json:"session,omitempty"`
	Counters SessionCounters  `json:"counters"`
	Error    string           `json:"error,omitempty"`
}

// Controller owns the stage goroutines of the active session and the
// longer-lived encryption worker.
type Controller struct {
	cfg    config.Config
	logger golog.Logger
	clock  clock.Clock

	detector  facedet.Detector
	detCloser io.Closer
	newSource SourceFactory

	rawRoot     string
	mosaicRoot  string
	encryptRoot string

	encrypter *encryptWorker

	closeCtx    context.Context
	closeCancel func()

	mu      sync.Mutex
	state   State
	run     *sessionRun
	lastErr error
	closed  bool

	activeBackgroundWorkers sync.WaitGroup
}

// sessionRun is the in-flight state of one session.
type sessionRun struct {
	session *Session
	source  camera.Source
	sink    *record.Sink

	cancelCapture func()

	detectQueue chan camera.Frame
	recordQueue chan recordItem

	captureDone chan struct{}
	detectDone  chan struct{}
	recordDone  chan struct{}
	// done closes once teardown has finished and the controller is Idle.
	done chan struct{}

	framesProduced    atomic.Int64
	framesDropped     atomic.Int64
	detectionsSkipped atomic.Int64
	detectorFailures  atomic.Int64

	// degradation bookkeeping, guarded by the controller mutex
	consecFailures  int
	consecSuccesses int
	degradedErr     error

	// first fatal session error, guarded by the controller mutex
	err error
}

// recordItem is one frame on its way to the sink together with the face
// regions to redact. Nil detections mean the mosaic output is a passthrough.
type recordItem struct {
	frame      camera.Frame
	detections []facedet.Detection
}

// New builds a controller from params, prepares the output roots, sweeps
// leftovers from earlier runs and starts the encryption worker. The detector
// model is loaded here; a bad model path is a construction error.
func New(params Params) (*Controller, error) {
	cfg := params.Config
	logger := params.Logger
	clk := params.Clock
	if clk == nil {
		clk = clock.New()
	}

	detector, detCloser := params.Detector, params.DetectorCloser
	if detector == nil {
		var err error
		detector, detCloser, err = facedet.NewTFLiteDetector(facedet.TFLiteConfig{
			ModelPath: cfg.Detector.ModelPath,
		}, logger.Named("facedet"))
		if err != nil {
			return nil, errors.Wrap(err, "loading face detector")
		}
	}
	detector = facedet.Compose(detector,
		facedet.NewScoreFilter(cfg.Detector.ConfidenceThreshold),
		facedet.MergeOverlapping(cfg.Detector.IOUThreshold),
	)

	newSource := params.NewSource
	if newSource == nil {
		newSource = newFFmpegSourceChain
	}

	rawRoot := filepath.Join(cfg.Recording.Dir, rawRootName)
	mosaicRoot := filepath.Join(cfg.Recording.Dir, mosaicRootName)
	encryptRoot := filepath.Join(cfg.Recording.Dir, encryptRootName)
	for _, root := range []string{rawRoot, mosaicRoot, encryptRoot} {
		if err := os.MkdirAll(root, 0o700); err != nil {
			return nil, errors.Wrap(err, "creating output root")
		}
	}

	enc, err := encrypt.NewEncryptor(cfg.Encryption.Passphrase, cfg.Encryption.KDFIterations)
	if err != nil {
		return nil, errors.Wrap(err, "building encryptor")
	}

	closeCtx, closeCancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:         cfg,
		logger:      logger,
		clock:       clk,
		detector:    detector,
		detCloser:   detCloser,
		newSource:   newSource,
		rawRoot:     rawRoot,
		mosaicRoot:  mosaicRoot,
		encryptRoot: encryptRoot,
		closeCtx:    closeCtx,
		closeCancel: closeCancel,
		state:       StateIdle,
	}
	c.encrypter = newEncryptWorker(encryptWorkerConfig{
		rawRoot:         rawRoot,
		encryptRoot:     encryptRoot,
		deletePlaintext: cfg.Encryption.DeletePlaintext,
		retryInterval:   cfg.Encryption.RetryInterval(),
	}, enc, clk, logger.Named("encrypt"))

	// restore consistency before accepting sessions: finalize or quarantine
	// crash leftovers and queue finished segments that were never encrypted
	if err := c.sweepLeftovers(); err != nil {
		closeCancel()
		return nil, errors.Wrap(err, "sweeping recording roots")
	}
	c.encrypter.start(closeCtx, &c.activeBackgroundWorkers)
	return c, nil
}

// newFFmpegSourceChain is the production source: ffmpeg decoding cfg.URL,
// wrapped with bounded retries.
func newFFmpegSourceChain(_ context.Context, cfg config.Source, logger golog.Logger) (camera.Source, error) {
	src, err := camera.NewFFmpegSource(camera.FFmpegConfig{
		URL:    cfg.URL,
		Width:  cfg.Width,
		Height: cfg.Height,
	}, logger)
	if err != nil {
		return nil, err
	}
	return camera.NewRetrySource(src, cfg.MaxRetries, cfg.RetryBackoff(), logger), nil
}

// Start begins a new recording session. Only an Idle controller starts;
// anything else returns ErrAlreadyRunning.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.state = StateStarting
	c.mu.Unlock()

	run, err := c.launch(ctx)
	if err != nil {
		c.mu.Lock()
		c.state = StateIdle
		c.lastErr = err
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.run = run
	c.state = StateRunning
	c.mu.Unlock()
	c.logger.Infow("session started",
		"session", run.session.ID,
		"stamp", run.session.Stamp,
		"source", c.cfg.Source.URL,
	)
	return nil
}

func (c *Controller) launch(ctx context.Context) (*sessionRun, error) {
	session, err := newSession(c.rawRoot, c.mosaicRoot, c.encryptRoot, c.cfg.Source, c.clock.Now())
	if err != nil {
		return nil, err
	}
	source, err := c.newSource(ctx, c.cfg.Source, c.logger.Named("camera"))
	if err != nil {
		err = errors.Wrap(err, "building source")
		goutils.UncheckedError(session.finalize(c.clock.Now(), SessionCounters{}, err))
		return nil, err
	}
	sink, err := record.NewSink(record.SinkConfig{
		SessionID:         session.ID,
		RawDir:            session.RawDir,
		MosaicDir:         session.MosaicDir,
		Width:             c.cfg.Source.Width,
		Height:            c.cfg.Source.Height,
		FrameFormat:       "jpeg",
		MaxSegmentBytes:   c.cfg.Recording.MaxSegmentBytes,
		ReorderWindow:     c.cfg.Pipeline.ReorderWindow,
		OnSegmentComplete: c.onSegmentComplete,
	}, c.logger.Named("record"))
	if err != nil {
		err = errors.Wrap(err, "building sink")
		goutils.UncheckedError(multierr.Combine(
			source.Close(ctx),
			session.finalize(c.clock.Now(), SessionCounters{}, err),
		))
		return nil, err
	}

	captureCtx, cancelCapture := context.WithCancel(context.Background())
	run := &sessionRun{
		session:       session,
		source:        source,
		sink:          sink,
		cancelCapture: cancelCapture,
		detectQueue:   make(chan camera.Frame, c.cfg.Pipeline.DetectQueueSize),
		recordQueue:   make(chan recordItem, c.cfg.Pipeline.RecordQueueSize),
		captureDone:   make(chan struct{}),
		detectDone:    make(chan struct{}),
		recordDone:    make(chan struct{}),
		done:          make(chan struct{}),
	}

	c.activeBackgroundWorkers.Add(1)
	goutils.ManagedGo(func() {
		c.captureLoop(captureCtx, run)
	}, func() {
		close(run.captureDone)
		c.activeBackgroundWorkers.Done()
	})

	c.activeBackgroundWorkers.Add(1)
	goutils.ManagedGo(func() {
		c.detectLoop(run)
	}, func() {
		close(run.detectDone)
		c.activeBackgroundWorkers.Done()
	})

	c.activeBackgroundWorkers.Add(1)
	goutils.ManagedGo(func() {
		c.recordLoop(run)
	}, func() {
		close(run.recordDone)
		c.activeBackgroundWorkers.Done()
	})

	c.activeBackgroundWorkers.Add(1)
	goutils.ManagedGo(func() {
		c.supervise(run)
	}, c.activeBackgroundWorkers.Done)

	return run, nil
}

// Stop ends the active session and blocks until teardown completes or ctx is
// done. Stopping an Idle controller is a no-op.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	run := c.run
	if run == nil || (c.state != StateRunning && c.state != StateDegraded) {
		c.mu.Unlock()
		return nil
	}
	c.state = StateStopping
	c.mu.Unlock()

	c.logger.Infow("stopping session", "session", run.session.ID)
	run.cancelCapture()
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status reports the controller state, active session metadata and counters.
// After a session ends its terminal error, if any, stays visible until the
// next Start.
func (c *Controller) Status() Status {
	c.mu.Lock()
	state := c.state
	run := c.run
	lastErr := c.lastErr
	var degradedErr error
	if run != nil {
		degradedErr = run.degradedErr
	}
	c.mu.Unlock()

	st := Status{State: state}
	if run != nil {
		md := run.session.Metadata()
		st.Session = &md
		st.Counters = c.counters(run)
		if degradedErr != nil {
			st.Error = degradedErr.Error()
		}
		return st
	}
	st.Counters = SessionCounters{
		SegmentsEncrypted:  c.encrypter.encryptedCount(),
		PendingEncryptions: c.encrypter.pendingCount(),
	}
	if lastErr != nil {
		st.Error = lastErr.Error()
	}
	return st
}

func (c *Controller) counters(run *sessionRun) SessionCounters {
	return SessionCounters{
		FramesProduced:     run.framesProduced.Load(),
		FramesRecorded:     run.sink.FrameCount(),
		FramesDropped:      run.framesDropped.Load(),
		DetectionsSkipped:  run.detectionsSkipped.Load(),
		DetectorFailures:   run.detectorFailures.Load(),
		SegmentsEncrypted:  c.encrypter.encryptedCount(),
		PendingEncryptions: c.encrypter.pendingCount(),
	}
}

// Artifacts lists every encrypted artifact under the encryption root.
func (c *Controller) Artifacts() ([]encrypt.Artifact, error) {
	return encrypt.ListArtifacts(c.encryptRoot)
}

// VerifyPassphrase checks passphrase against the most recent encrypted
// artifact by test-decrypting it.
func (c *Controller) VerifyPassphrase(passphrase string) error {
	artifacts, err := encrypt.ListArtifacts(c.encryptRoot)
	if err != nil {
		return err
	}
	if len(artifacts) == 0 {
		return errors.New("no encrypted artifacts to verify against")
	}
	return encrypt.VerifyPassphrase(artifacts[len(artifacts)-1].Path, passphrase)
}

// Close stops the active session, the encryption worker and the detector.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	stopErr := c.Stop(ctx)
	c.closeCancel()
	c.activeBackgroundWorkers.Wait()
	var detErr error
	if c.detCloser != nil {
		detErr = c.detCloser.Close()
	}
	return multierr.Combine(stopErr, detErr)
}

// captureLoop samples the source on every clock tick and hands frames to the
// detection stage. It returns on cancellation, end of stream, or a source
// failure that exhausted its retries.
func (c *Controller) captureLoop(ctx context.Context, run *sessionRun) {
	ticker := c.clock.Ticker(c.cfg.Source.CaptureInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		frame, err := run.source.Next(ctx)
		if err != nil {
			switch {
			case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
				return
			case errors.Is(err, camera.ErrEndOfStream):
				c.logger.Infow("source ended; stopping session", "session", run.session.ID)
				return
			default:
				c.setRunErr(run, errors.Wrap(err, "capture failed"))
				c.logger.Errorw("capture failed; stopping session",
					"session", run.session.ID, "error", err)
				return
			}
		}
		run.framesProduced.Add(1)
		c.enqueueDetect(run, frame)
	}
}

// enqueueDetect hands a frame to the detection stage without ever blocking
// capture. When the queue is full the oldest queued frame loses its
// detection pass and goes straight to recording unredacted.
func (c *Controller) enqueueDetect(run *sessionRun, frame camera.Frame) {
	for {
		select {
		case run.detectQueue <- frame:
			return
		default:
		}
		select {
		case stolen := <-run.detectQueue:
			run.detectionsSkipped.Add(1)
			c.logger.Debugw("detect queue full; recording frame unredacted", "seq", stolen.Seq)
			c.forwardToRecord(run, recordItem{frame: stolen})
		default:
			// the detector drained the queue in the meantime; retry the send
		}
	}
}

// detectLoop runs the detector over queued frames. Failures are per-frame:
// the frame is recorded without detections and consecutive failures beyond
// the threshold flip the controller to Degraded until enough successes
// accumulate. The loop drains its queue fully once capture stops.
func (c *Controller) detectLoop(run *sessionRun) {
	for frame := range run.detectQueue {
		// shutdown must not fail queued frames, so inference gets a fresh
		// context and runs to completion even while the session drains
		detections, err := c.detector(context.Background(), frame.Image)
		if err != nil {
			run.detectorFailures.Add(1)
			detections = nil
			c.noteDetectorFailure(run, err)
			c.logger.Debugw("detector failed on frame", "seq", frame.Seq, "error", err)
		} else {
			c.noteDetectorSuccess(run)
		}
		if c.stateIs(StateDegraded) {
			detections = nil
		}
		c.forwardToRecord(run, recordItem{frame: frame, detections: detections})
	}
}

// forwardToRecord hands an item to the recording stage without blocking.
// A full record queue drops the frame entirely; the sink is told to skip its
// sequence number so the reorder window keeps advancing.
func (c *Controller) forwardToRecord(run *sessionRun, item recordItem) {
	select {
	case run.recordQueue <- item:
		return
	default:
	}
	run.framesDropped.Add(1)
	c.logger.Warnw("record queue full; dropping frame", "seq", item.frame.Seq)
	if err := run.sink.Skip(item.frame.Seq); err != nil && !errors.Is(err, record.ErrSinkClosed) {
		c.noteFatal(run, errors.Wrap(err, "advancing past dropped frame"))
	}
}

// recordLoop encodes both variants of every queued frame and appends them to
// the sink. A sink failure is fatal for the session, but the loop keeps
// consuming until its queue closes so upstream stages never stall.
func (c *Controller) recordLoop(run *sessionRun) {
	mosaic := redact.Mosaic{Block: c.cfg.Redaction.BlockSize}
	var broken bool
	for item := range run.recordQueue {
		if broken {
			run.framesDropped.Add(1)
			continue
		}
		pair, err := c.encodePair(mosaic, item)
		if err != nil {
			run.framesDropped.Add(1)
			c.logger.Errorw("frame encode failed; dropping frame", "seq", item.frame.Seq, "error", err)
			if skipErr := run.sink.Skip(item.frame.Seq); skipErr != nil && !errors.Is(skipErr, record.ErrSinkClosed) {
				c.noteFatal(run, errors.Wrap(skipErr, "advancing past unencodable frame"))
				broken = true
			}
			continue
		}
		if err := run.sink.Write(pair); err != nil {
			c.noteFatal(run, errors.Wrap(err, "sink write failed"))
			broken = true
		}
	}
}

// encodePair produces the raw and mosaic payloads for one frame. With no
// detections the mosaic payload reuses the raw bytes, so an unredacted frame
// is byte-identical across both outputs.
func (c *Controller) encodePair(mosaic redact.Mosaic, item recordItem) (record.FramePair, error) {
	raw, err := encodeJPEG(item.frame.Image, c.cfg.Recording.JPEGQuality)
	if err != nil {
		return record.FramePair{}, err
	}
	mosaicBytes := raw
	if len(item.detections) > 0 {
		redacted := mosaic.Apply(item.frame.Image, item.detections)
		if mosaicBytes, err = encodeJPEG(redacted, c.cfg.Recording.JPEGQuality); err != nil {
			return record.FramePair{}, err
		}
	}
	return record.FramePair{
		Seq:       item.frame.Seq,
		Timestamp: item.frame.Timestamp,
		Raw:       raw,
		Mosaic:    mosaicBytes,
	}, nil
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// supervise joins the stage goroutines in pipeline order once capture ends,
// finalizes the session on disk and returns the controller to Idle.
func (c *Controller) supervise(run *sessionRun) {
	<-run.captureDone
	c.mu.Lock()
	if c.state == StateRunning || c.state == StateDegraded {
		c.state = StateStopping
	}
	c.mu.Unlock()

	close(run.detectQueue)
	<-run.detectDone
	close(run.recordQueue)
	<-run.recordDone

	sinkErr := run.sink.Close()
	sourceErr := run.source.Close(context.Background())
	// push outstanding finished segments through encryption before the
	// session is declared over; failures stay pending for the retry tick
	c.encrypter.drain(c.closeCtx)

	c.mu.Lock()
	runErr := run.err
	c.mu.Unlock()
	endErr := multierr.Combine(runErr, sinkErr, sourceErr)

	counters := c.counters(run)
	if err := run.session.finalize(c.clock.Now(), counters, endErr); err != nil {
		c.logger.Errorw("failed to finalize session metadata",
			"session", run.session.ID, "error", err)
	}

	c.mu.Lock()
	c.lastErr = endErr
	c.run = nil
	c.state = StateIdle
	c.mu.Unlock()

	c.logger.Infow("session ended",
		"session", run.session.ID,
		"produced", counters.FramesProduced,
		"recorded", counters.FramesRecorded,
		"dropped", counters.FramesDropped,
		"detections_skipped", counters.DetectionsSkipped,
		"detector_failures", counters.DetectorFailures,
		"error", endErr,
	)
	close(run.done)
}

func (c *Controller) onSegmentComplete(path string, variant record.Variant) {
	// only raw segments are encrypted; the mosaic variant is already redacted
	if variant != record.VariantRaw {
		return
	}
	c.encrypter.enqueue(path)
}

func (c *Controller) stateIs(state State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == state
}

func (c *Controller) setRunErr(run *sessionRun, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if run.err == nil {
		run.err = err
	}
}

// noteFatal records the session's first fatal error and forces teardown.
func (c *Controller) noteFatal(run *sessionRun, err error) {
	c.setRunErr(run, err)
	c.logger.Errorw("fatal session error; stopping session",
		"session", run.session.ID, "error", err)
	run.cancelCapture()
}

// noteDetectorFailure counts a consecutive detector failure and flips the
// controller to Degraded at the configured threshold.
func (c *Controller) noteDetectorFailure(run *sessionRun, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	run.consecSuccesses = 0
	run.consecFailures++
	if c.state != StateRunning || run.consecFailures < c.cfg.Detector.FailureThreshold {
		return
	}
	c.state = StateDegraded
	run.degradedErr = errors.Wrapf(ErrDetectorDegraded, "%v", cause)
	run.session.beginDegraded(c.clock.Now())
	c.logger.Warnw("detector degraded; mosaic output is now a raw passthrough",
		"session", run.session.ID,
		"consecutive_failures", run.consecFailures,
		"error", cause,
	)
}

// noteDetectorSuccess counts a consecutive detector success and restores
// Running once the recovery threshold is met.
func (c *Controller) noteDetectorSuccess(run *sessionRun) {
	c.mu.Lock()
	defer c.mu.Unlock()
	run.consecFailures = 0
	if c.state != StateDegraded {
		run.consecSuccesses = 0
		return
	}
	run.consecSuccesses++
	if run.consecSuccesses < c.cfg.Detector.RecoveryThreshold {
		return
	}
	c.state = StateRunning
	run.degradedErr = nil
	run.session.endDegraded(c.clock.Now())
	c.logger.Infow("detector recovered; redaction restored",
		"session", run.session.ID,
		"consecutive_successes", run.consecSuccesses,
	)
	run.consecSuccesses = 0
}
