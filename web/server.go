// Package web exposes the recording pipeline over a small JSON HTTP API.
package web

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	"go.uber.org/multierr"
	"go.viam.com/utils"
	"goji.io"
	"goji.io/pat"

	"github.com/camm-cisco-hackathon/cctv-encrypt/encrypt"
	"github.com/camm-cisco-hackathon/cctv-encrypt/pipeline"
)

// Service serves the control API for a pipeline controller.
type Service struct {
	ctrl   *pipeline.Controller
	logger golog.Logger

	mu         sync.Mutex
	listener   net.Listener
	httpServer *http.Server

	webWorkers sync.WaitGroup
}

// New returns a web service controlling ctrl. Start must be called before it
// serves anything.
func New(ctrl *pipeline.Controller, logger golog.Logger) *Service {
	return &Service{ctrl: ctrl, logger: logger}
}

// Start begins serving the control API on bindAddress until Stop is called.
func (svc *Service) Start(_ context.Context, bindAddress string) error {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.listener != nil {
		return errors.New("web service already started")
	}

	listener, err := net.Listen("tcp", bindAddress)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", bindAddress)
	}
	httpServer, err := utils.NewPossiblySecureHTTPServer(svc.mux(), utils.HTTPServerOptions{
		MaxHeaderBytes: 1 << 20,
		Addr:           listener.Addr().String(),
	})
	if err != nil {
		return multierr.Combine(err, listener.Close())
	}

	svc.listener = listener
	svc.httpServer = httpServer
	svc.webWorkers.Add(1)
	utils.PanicCapturingGo(func() {
		defer svc.webWorkers.Done()
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			svc.logger.Errorw("error serving http", "error", err)
		}
	})
	svc.logger.Infow("serving control api", "address", listener.Addr().String())
	return nil
}

// Stop shuts the server down gracefully and waits for the serve loop to exit.
// Stopping a service that never started is a no-op.
func (svc *Service) Stop(ctx context.Context) error {
	svc.mu.Lock()
	httpServer := svc.httpServer
	svc.httpServer = nil
	svc.listener = nil
	svc.mu.Unlock()
	if httpServer == nil {
		return nil
	}
	err := httpServer.Shutdown(ctx)
	svc.webWorkers.Wait()
	return err
}

// Addr returns the bound address while the service is running.
func (svc *Service) Addr() net.Addr {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.listener == nil {
		return nil
	}
	return svc.listener.Addr()
}

// mux routes the control API. The whole subtree is wrapped with permissive
// CORS so browser dashboards on other origins can drive the recorder.
func (svc *Service) mux() *goji.Mux {
	api := goji.SubMux()
	api.HandleFunc(pat.Post("/start"), svc.handleStart)
	api.HandleFunc(pat.Post("/stop"), svc.handleStop)
	api.HandleFunc(pat.Get("/status"), svc.handleStatus)
	api.HandleFunc(pat.Get("/artifacts"), svc.handleArtifacts)
	api.HandleFunc(pat.Post("/verify-key"), svc.handleVerifyKey)

	mux := goji.NewMux()
	mux.Handle(pat.New("/api/*"), cors.AllowAll().Handler(api))
	return mux
}

type errorResponse struct {
	Error string `json:"error"`
}

type artifactsResponse struct {
	Artifacts []encrypt.Artifact `json:"artifacts"`
}

type verifyKeyRequest struct {
	Passphrase string `json:"passphrase"`
}

type verifyKeyResponse struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

func (svc *Service) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := svc.ctrl.Start(r.Context()); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, pipeline.ErrAlreadyRunning) {
			code = http.StatusConflict
		}
		svc.writeJSON(w, code, errorResponse{Error: err.Error()})
		return
	}
	svc.writeJSON(w, http.StatusOK, svc.ctrl.Status())
}

func (svc *Service) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := svc.ctrl.Stop(r.Context()); err != nil {
		svc.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	svc.writeJSON(w, http.StatusOK, svc.ctrl.Status())
}

func (svc *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	svc.writeJSON(w, http.StatusOK, svc.ctrl.Status())
}

func (svc *Service) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	artifacts, err := svc.ctrl.Artifacts()
	if err != nil {
		svc.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	if artifacts == nil {
		artifacts = []encrypt.Artifact{}
	}
	svc.writeJSON(w, http.StatusOK, artifactsResponse{Artifacts: artifacts})
}

// handleVerifyKey checks a passphrase against the most recent encrypted
// artifact. An unverifiable passphrase is a valid outcome, not an HTTP error.
func (svc *Service) handleVerifyKey(w http.ResponseWriter, r *http.Request) {
	var req verifyKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		svc.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.Passphrase == "" {
		svc.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "passphrase is required"})
		return
	}
	if err := svc.ctrl.VerifyPassphrase(req.Passphrase); err != nil {
		svc.writeJSON(w, http.StatusOK, verifyKeyResponse{Valid: false, Error: err.Error()})
		return
	}
	svc.writeJSON(w, http.StatusOK, verifyKeyResponse{Valid: true})
}

func (svc *Service) writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		svc.logger.Errorw("failed to write response", "error", err)
	}
}
