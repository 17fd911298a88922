package web

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"go.viam.com/test"

	"github.com/camm-cisco-hackathon/cctv-encrypt/camera"
	"github.com/camm-cisco-hackathon/cctv-encrypt/config"
	"github.com/camm-cisco-hackathon/cctv-encrypt/encrypt"
	"github.com/camm-cisco-hackathon/cctv-encrypt/facedet"
	"github.com/camm-cisco-hackathon/cctv-encrypt/pipeline"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Source: config.Source{
			URL:               "static://test",
			Width:             32,
			Height:            24,
			CaptureIntervalMs: 10,
			MaxRetries:        1,
			RetryBackoffMs:    1,
		},
		Detector: config.Detector{
			ModelPath:           "unused.tflite",
			ConfidenceThreshold: 0.5,
			IOUThreshold:        0.5,
			FailureThreshold:    5,
			RecoveryThreshold:   3,
		},
		Redaction: config.Redaction{BlockSize: 10},
		Recording: config.Recording{
			Dir:             t.TempDir(),
			MaxSegmentBytes: 32 << 20,
			JPEGQuality:     75,
		},
		Encryption: config.Encryption{
			Passphrase:      "hunter2",
			KDFIterations:   1000,
			RetryIntervalMs: 50,
		},
		Pipeline: config.Pipeline{
			DetectQueueSize: 8,
			RecordQueueSize: 16,
			ReorderWindow:   64,
		},
	}
}

func newTestService(t *testing.T) (*Service, config.Config) {
	t.Helper()
	cfg := testConfig(t)
	logger := golog.NewTestLogger(t)
	img := image.NewRGBA(image.Rect(0, 0, 32, 24))
	for y := 0; y < 24; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 8), uint8(y * 8), 0, 0xff})
		}
	}
	ctrl, err := pipeline.New(pipeline.Params{
		Config: cfg,
		Logger: logger,
		Detector: func(context.Context, image.Image) ([]facedet.Detection, error) {
			return nil, nil
		},
		NewSource: func(context.Context, config.Source, golog.Logger) (camera.Source, error) {
			return camera.NewStaticSource(0, img), nil
		},
		Clock: clock.NewMock(),
	})
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() {
		test.That(t, ctrl.Close(context.Background()), test.ShouldBeNil)
	})
	return New(ctrl, logger), cfg
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body []byte) (int, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	var payload map[string]interface{}
	test.That(t, json.Unmarshal(rec.Body.Bytes(), &payload), test.ShouldBeNil)
	return rec.Code, payload
}

func TestStatusEndpoint(t *testing.T) {
	svc, _ := newTestService(t)
	mux := svc.mux()

	code, payload := doJSON(t, mux, http.MethodGet, "/api/status", nil)
	test.That(t, code, test.ShouldEqual, http.StatusOK)
	test.That(t, payload["state"], test.ShouldEqual, "idle")
}

func TestStartStopEndpoints(t *testing.T) {
	svc, _ := newTestService(t)
	mux := svc.mux()

	code, payload := doJSON(t, mux, http.MethodPost, "/api/start", nil)
	test.That(t, code, test.ShouldEqual, http.StatusOK)
	test.That(t, payload["state"], test.ShouldEqual, "running")
	test.That(t, payload["session"], test.ShouldNotBeNil)

	// a second start conflicts with the active session
	code, payload = doJSON(t, mux, http.MethodPost, "/api/start", nil)
	test.That(t, code, test.ShouldEqual, http.StatusConflict)
	test.That(t, payload["error"], test.ShouldContainSubstring, "already running")

	code, payload = doJSON(t, mux, http.MethodPost, "/api/stop", nil)
	test.That(t, code, test.ShouldEqual, http.StatusOK)
	test.That(t, payload["state"], test.ShouldEqual, "idle")

	// stopping again is a no-op
	code, _ = doJSON(t, mux, http.MethodPost, "/api/stop", nil)
	test.That(t, code, test.ShouldEqual, http.StatusOK)
}

func TestArtifactsEndpointEmpty(t *testing.T) {
	svc, _ := newTestService(t)

	code, payload := doJSON(t, svc.mux(), http.MethodGet, "/api/artifacts", nil)
	test.That(t, code, test.ShouldEqual, http.StatusOK)
	artifacts, ok := payload["artifacts"].([]interface{})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, artifacts, test.ShouldHaveLength, 0)
}

func TestVerifyKeyEndpoint(t *testing.T) {
	svc, cfg := newTestService(t)
	mux := svc.mux()

	code, _ := doJSON(t, mux, http.MethodPost, "/api/verify-key", []byte("{not json"))
	test.That(t, code, test.ShouldEqual, http.StatusBadRequest)

	code, payload := doJSON(t, mux, http.MethodPost, "/api/verify-key", []byte(`{}`))
	test.That(t, code, test.ShouldEqual, http.StatusBadRequest)
	test.That(t, payload["error"], test.ShouldContainSubstring, "passphrase")

	// nothing encrypted yet, so no passphrase can be verified
	code, payload = doJSON(t, mux, http.MethodPost, "/api/verify-key", []byte(`{"passphrase":"hunter2"}`))
	test.That(t, code, test.ShouldEqual, http.StatusOK)
	test.That(t, payload["valid"], test.ShouldBeFalse)

	// plant an artifact under the encryption root and verify against it
	enc, err := encrypt.NewEncryptor(cfg.Encryption.Passphrase, cfg.Encryption.KDFIterations)
	test.That(t, err, test.ShouldBeNil)
	src := filepath.Join(cfg.Recording.Dir, "plain.bin")
	test.That(t, os.WriteFile(src, []byte("segment bytes"), 0o600), test.ShouldBeNil)
	_, err = enc.EncryptFile(src, filepath.Join(cfg.Recording.Dir, "record_encrypt", "session", "plain.bin"+encrypt.Ext))
	test.That(t, err, test.ShouldBeNil)

	code, payload = doJSON(t, mux, http.MethodPost, "/api/verify-key", []byte(`{"passphrase":"hunter2"}`))
	test.That(t, code, test.ShouldEqual, http.StatusOK)
	test.That(t, payload["valid"], test.ShouldBeTrue)

	code, payload = doJSON(t, mux, http.MethodPost, "/api/verify-key", []byte(`{"passphrase":"wrong"}`))
	test.That(t, code, test.ShouldEqual, http.StatusOK)
	test.That(t, payload["valid"], test.ShouldBeFalse)
	test.That(t, payload["error"], test.ShouldNotBeEmpty)
}

func TestCORSPreflight(t *testing.T) {
	svc, _ := newTestService(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/start", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	svc.mux().ServeHTTP(rec, req)

	test.That(t, rec.Code, test.ShouldEqual, http.StatusNoContent)
	test.That(t, rec.Header().Get("Access-Control-Allow-Origin"), test.ShouldEqual, "*")
}

func TestServeAndShutdown(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	test.That(t, svc.Start(ctx, "localhost:0"), test.ShouldBeNil)
	addr := svc.Addr()
	test.That(t, addr, test.ShouldNotBeNil)

	err := svc.Start(ctx, "localhost:0")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "already started")

	resp, err := http.Get("http://" + addr.String() + "/api/status")
	test.That(t, err, test.ShouldBeNil)
	var payload map[string]interface{}
	test.That(t, json.NewDecoder(resp.Body).Decode(&payload), test.ShouldBeNil)
	test.That(t, resp.Body.Close(), test.ShouldBeNil)
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)
	test.That(t, payload["state"], test.ShouldEqual, "idle")

	test.That(t, svc.Stop(ctx), test.ShouldBeNil)
	test.That(t, svc.Addr(), test.ShouldBeNil)
	test.That(t, svc.Stop(ctx), test.ShouldBeNil)
}
