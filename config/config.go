// Package config describes and validates the recording service configuration.
package config

import (
	"time"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
)

var (
	errConfidenceRange = errors.New("confidence_threshold must be within [0, 1]")
	errIOURange        = errors.New("iou_threshold must be within [0, 1]")
	errBlockSize       = errors.New("block_size must be at least 1")
	errJPEGQuality     = errors.New("jpeg_quality must be within [1, 100]")
	errKDFIterations   = errors.New("kdf_iterations must be at least 1")
	errQueueSize       = errors.New("queue sizes must be at least 1")
	errReorderWindow   = errors.New("reorder_window must be at least 1")
)

// Config is the top-level service configuration.
type Config struct {
	Source     Source     `json:"source"`
	Detector   Detector   `json:"detector"`
	Redaction  Redaction  `json:"redaction"`
	Recording  Recording  `json:"recording"`
	Encryption Encryption `json:"encryption"`
	Pipeline   Pipeline   `json:"pipeline,omitempty"`
	Web        Web        `json:"web,omitempty"`

	ConfigFilePath string `json:"-"`
}

// Source configures where frames come from.
type Source struct {
	// URL is an rtsp:// stream, a video file, or a capture device path.
	URL               string `json:"url"`
	Width             int    `json:"width"`
	Height            int    `json:"height"`
	CaptureIntervalMs int    `json:"capture_interval_ms,omitempty"`
	MaxRetries        int    `json:"max_retries,omitempty"`
	RetryBackoffMs    int    `json:"retry_backoff_ms,omitempty"`
}

// Detector configures the face detector stage.
type Detector struct {
	ModelPath           string  `json:"model_path"`
	ConfidenceThreshold float64 `json:"confidence_threshold,omitempty"`
	IOUThreshold        float64 `json:"iou_threshold,omitempty"`
	FailureThreshold    int     `json:"failure_threshold,omitempty"`
	RecoveryThreshold   int     `json:"recovery_threshold,omitempty"`
}

// Redaction configures the mosaic applied over detected regions.
type Redaction struct {
	BlockSize int `json:"block_size,omitempty"`
}

// Recording configures the on-disk session layout.
type Recording struct {
	// Dir is the parent directory holding the three output roots.
	Dir             string `json:"dir"`
	MaxSegmentBytes int64  `json:"max_segment_bytes,omitempty"`
	JPEGQuality     int    `json:"jpeg_quality,omitempty"`
}

// Encryption configures the encrypted copy of each finished segment.
type Encryption struct {
	// Passphrase may be set here or via the CCTV_ENCRYPT_PASSPHRASE
	// environment variable; the environment wins.
	Passphrase      string `json:"passphrase,omitempty"`
	KDFIterations   int    `json:"kdf_iterations,omitempty"`
	DeletePlaintext bool   `json:"delete_plaintext,omitempty"`
	RetryIntervalMs int    `json:"retry_interval_ms,omitempty"`
}

// Pipeline tunes the queues between stages.
type Pipeline struct {
	DetectQueueSize int `json:"detect_queue_size,omitempty"`
	RecordQueueSize int `json:"record_queue_size,omitempty"`
	ReorderWindow   int `json:"reorder_window,omitempty"`
}

// Web configures the HTTP control surface.
type Web struct {
	BindAddress string `json:"bind_address,omitempty"`
}

const (
	defaultCaptureIntervalMs = 500
	defaultMaxRetries        = 5
	defaultRetryBackoffMs    = 250

	defaultConfidenceThreshold = 0.5
	defaultIOUThreshold        = 0.5
	defaultFailureThreshold    = 5
	defaultRecoveryThreshold   = 3

	defaultBlockSize = 10

	defaultMaxSegmentBytes = int64(32 << 20)
	defaultJPEGQuality     = 75

	defaultKDFIterations   = 100000
	defaultRetryIntervalMs = 10000

	defaultDetectQueueSize = 8
	defaultRecordQueueSize = 16
	defaultReorderWindow   = 64

	defaultBindAddress = ":8080"
)

func (c *Config) fillDefaults() {
	if c.Source.CaptureIntervalMs == 0 {
		c.Source.CaptureIntervalMs = defaultCaptureIntervalMs
	}
	if c.Source.MaxRetries == 0 {
		c.Source.MaxRetries = defaultMaxRetries
	}
	if c.Source.RetryBackoffMs == 0 {
		c.Source.RetryBackoffMs = defaultRetryBackoffMs
	}
	if c.Detector.ConfidenceThreshold == 0 {
		c.Detector.ConfidenceThreshold = defaultConfidenceThreshold
	}
	if c.Detector.IOUThreshold == 0 {
		c.Detector.IOUThreshold = defaultIOUThreshold
	}
	if c.Detector.FailureThreshold == 0 {
		c.Detector.FailureThreshold = defaultFailureThreshold
	}
	if c.Detector.RecoveryThreshold == 0 {
		c.Detector.RecoveryThreshold = defaultRecoveryThreshold
	}
	if c.Redaction.BlockSize == 0 {
		c.Redaction.BlockSize = defaultBlockSize
	}
	if c.Recording.MaxSegmentBytes == 0 {
		c.Recording.MaxSegmentBytes = defaultMaxSegmentBytes
	}
	if c.Recording.JPEGQuality == 0 {
		c.Recording.JPEGQuality = defaultJPEGQuality
	}
	if c.Encryption.KDFIterations == 0 {
		c.Encryption.KDFIterations = defaultKDFIterations
	}
	if c.Encryption.RetryIntervalMs == 0 {
		c.Encryption.RetryIntervalMs = defaultRetryIntervalMs
	}
	if c.Pipeline.DetectQueueSize == 0 {
		c.Pipeline.DetectQueueSize = defaultDetectQueueSize
	}
	if c.Pipeline.RecordQueueSize == 0 {
		c.Pipeline.RecordQueueSize = defaultRecordQueueSize
	}
	if c.Pipeline.ReorderWindow == 0 {
		c.Pipeline.ReorderWindow = defaultReorderWindow
	}
	if c.Web.BindAddress == "" {
		c.Web.BindAddress = defaultBindAddress
	}
}

// Ensure validates the whole config after defaults have been applied.
func (c *Config) Ensure() error {
	if err := c.Source.Validate("source"); err != nil {
		return err
	}
	if err := c.Detector.Validate("detector"); err != nil {
		return err
	}
	if err := c.Redaction.Validate("redaction"); err != nil {
		return err
	}
	if err := c.Recording.Validate("recording"); err != nil {
		return err
	}
	if err := c.Encryption.Validate("encryption"); err != nil {
		return err
	}
	return c.Pipeline.Validate("pipeline")
}

// Validate ensures all parts of the config are valid.
func (s *Source) Validate(path string) error {
	if s.URL == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "url")
	}
	if s.Width <= 0 {
		return goutils.NewConfigValidationFieldRequiredError(path, "width")
	}
	if s.Height <= 0 {
		return goutils.NewConfigValidationFieldRequiredError(path, "height")
	}
	return nil
}

// Validate ensures all parts of the config are valid.
func (d *Detector) Validate(path string) error {
	if d.ModelPath == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "model_path")
	}
	if d.ConfidenceThreshold < 0 || d.ConfidenceThreshold > 1 {
		return goutils.NewConfigValidationError(path, errConfidenceRange)
	}
	if d.IOUThreshold < 0 || d.IOUThreshold > 1 {
		return goutils.NewConfigValidationError(path, errIOURange)
	}
	return nil
}

// Validate ensures all parts of the config are valid.
func (r *Redaction) Validate(path string) error {
	if r.BlockSize < 1 {
		return goutils.NewConfigValidationError(path, errBlockSize)
	}
	return nil
}

// Validate ensures all parts of the config are valid.
func (r *Recording) Validate(path string) error {
	if r.Dir == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "dir")
	}
	if r.JPEGQuality < 1 || r.JPEGQuality > 100 {
		return goutils.NewConfigValidationError(path, errJPEGQuality)
	}
	return nil
}

// Validate ensures all parts of the config are valid.
func (e *Encryption) Validate(path string) error {
	if e.Passphrase == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "passphrase")
	}
	if e.KDFIterations < 1 {
		return goutils.NewConfigValidationError(path, errKDFIterations)
	}
	return nil
}

// Validate ensures all parts of the config are valid.
func (p *Pipeline) Validate(path string) error {
	if p.DetectQueueSize < 1 || p.RecordQueueSize < 1 {
		return goutils.NewConfigValidationError(path, errQueueSize)
	}
	if p.ReorderWindow < 1 {
		return goutils.NewConfigValidationError(path, errReorderWindow)
	}
	return nil
}

// CaptureInterval returns the configured sampling interval.
func (s *Source) CaptureInterval() time.Duration {
	return time.Duration(s.CaptureIntervalMs) * time.Millisecond
}

// RetryBackoff returns the configured backoff between source retries.
func (s *Source) RetryBackoff() time.Duration {
	return time.Duration(s.RetryBackoffMs) * time.Millisecond
}

// RetryInterval returns how often failed encryptions are retried.
func (e *Encryption) RetryInterval() time.Duration {
	return time.Duration(e.RetryIntervalMs) * time.Millisecond
}
