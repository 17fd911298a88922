package config

import (
	"strings"
	"testing"

	"github.com/edaniels/golog"
	"go.viam.com/test"
)

const goodConfig = `{
	"source": {"url": "rtsp://127.0.0.1:8554/cam", "width": 1920, "height": 1080},
	"detector": {"model_path": "/models/face.tflite", "confidence_threshold": 0.6},
	"redaction": {"block_size": 12},
	"recording": {"dir": "/tmp/out"},
	"encryption": {"passphrase": "opensesame"}
}`

func TestFromReader(t *testing.T) {
	logger := golog.NewTestLogger(t)

	cfg, err := FromReader("test.json", strings.NewReader(goodConfig), logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.Source.URL, test.ShouldEqual, "rtsp://127.0.0.1:8554/cam")
	test.That(t, cfg.Source.Width, test.ShouldEqual, 1920)
	test.That(t, cfg.Detector.ConfidenceThreshold, test.ShouldEqual, 0.6)
	test.That(t, cfg.Redaction.BlockSize, test.ShouldEqual, 12)
	test.That(t, cfg.ConfigFilePath, test.ShouldEqual, "test.json")

	// unset fields pick up defaults
	test.That(t, cfg.Source.CaptureIntervalMs, test.ShouldEqual, defaultCaptureIntervalMs)
	test.That(t, cfg.Detector.FailureThreshold, test.ShouldEqual, defaultFailureThreshold)
	test.That(t, cfg.Detector.RecoveryThreshold, test.ShouldEqual, defaultRecoveryThreshold)
	test.That(t, cfg.Recording.MaxSegmentBytes, test.ShouldEqual, defaultMaxSegmentBytes)
	test.That(t, cfg.Encryption.KDFIterations, test.ShouldEqual, defaultKDFIterations)
	test.That(t, cfg.Pipeline.ReorderWindow, test.ShouldEqual, defaultReorderWindow)
	test.That(t, cfg.Web.BindAddress, test.ShouldEqual, defaultBindAddress)
	test.That(t, cfg.Encryption.DeletePlaintext, test.ShouldBeFalse)
}

func TestFromReaderValidation(t *testing.T) {
	logger := golog.NewTestLogger(t)

	for _, tc := range []struct {
		name string
		json string
		want string
	}{
		{
			"missing url",
			`{"source": {"width": 1, "height": 1}, "detector": {"model_path": "m"},
			 "recording": {"dir": "d"}, "encryption": {"passphrase": "p"}}`,
			"url",
		},
		{
			"missing model path",
			`{"source": {"url": "u", "width": 1, "height": 1},
			 "recording": {"dir": "d"}, "encryption": {"passphrase": "p"}}`,
			"model_path",
		},
		{
			"missing recording dir",
			`{"source": {"url": "u", "width": 1, "height": 1},
			 "detector": {"model_path": "m"}, "encryption": {"passphrase": "p"}}`,
			"dir",
		},
		{
			"missing passphrase",
			`{"source": {"url": "u", "width": 1, "height": 1},
			 "detector": {"model_path": "m"}, "recording": {"dir": "d"}}`,
			"passphrase",
		},
		{
			"bad confidence",
			`{"source": {"url": "u", "width": 1, "height": 1},
			 "detector": {"model_path": "m", "confidence_threshold": 1.5},
			 "recording": {"dir": "d"}, "encryption": {"passphrase": "p"}}`,
			"confidence_threshold",
		},
		{
			"bad json",
			`{"source":`,
			"failed to decode",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromReader("test.json", strings.NewReader(tc.json), logger)
			test.That(t, err, test.ShouldNotBeNil)
			test.That(t, err.Error(), test.ShouldContainSubstring, tc.want)
		})
	}
}

func TestPassphraseFromEnv(t *testing.T) {
	logger := golog.NewTestLogger(t)
	t.Setenv(PassphraseEnvVar, "fromenv")

	cfg, err := FromReader("test.json", strings.NewReader(goodConfig), logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.Encryption.Passphrase, test.ShouldEqual, "fromenv")
}
