// Package server exposes the loop as a local control API, mirroring the CLI
// verbs for scripted callers.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"forgeloop/internal/backlog"
	"forgeloop/internal/browser"
	"forgeloop/internal/engine"
	"forgeloop/internal/gate"
	"forgeloop/internal/loop"
	"forgeloop/internal/policy"
)

// Server is the local control service. It is meant for loopback use by
// scripts and editor integrations, not for exposure beyond the machine.
type Server struct {
	store  *backlog.Store
	pol    *policy.Config
	gate   *gate.Gate
	engine *engine.Engine
	runner *loop.Runner
	logger *zap.Logger
}

func New(store *backlog.Store, pol *policy.Config, g *gate.Gate, eng *engine.Engine, runner *loop.Runner, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{store: store, pol: pol, gate: g, engine: eng, runner: runner, logger: logger}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/policy", s.handlePolicy)
	mux.HandleFunc("/quality-gate", s.handleQualityGate)
	mux.HandleFunc("/iterate", s.handleIterate)
	mux.HandleFunc("/iterate-parallel", s.handleIterateParallel)
	mux.HandleFunc("/run-project", s.handleRunProject)
	mux.HandleFunc("/browser-validate", s.handleBrowserValidate)
	return mux
}

// ListenAndServe runs the control service until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("control server listening", zap.String("addr", addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}
	status, err := s.store.LoadStatus(policy.StateDir)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	features, err := s.store.LoadFeatures()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   status,
		"features": features,
	})
}

func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.pol)
}

func (s *Server) handleQualityGate(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}
	result := s.gate.Evaluate(r.Context())
	code := http.StatusOK
	if !result.Passed {
		code = http.StatusConflict
	}
	writeJSON(w, code, result)
}

type iterateRequest struct {
	Teams       int  `json:"teams"`
	MaxFeatures int  `json:"max_features"`
	ForceUnsafe bool `json:"force_unsafe"`
	Commit      bool `json:"commit"`
}

func (s *Server) handleIterate(w http.ResponseWriter, r *http.Request) {
	var req iterateRequest
	if !s.decode(w, r, &req) {
		return
	}
	rec, err := s.engine.RunSingleIteration(r.Context(), engine.Options{Commit: req.Commit})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleIterateParallel(w http.ResponseWriter, r *http.Request) {
	var req iterateRequest
	if !s.decode(w, r, &req) {
		return
	}
	rec, err := s.engine.RunParallelIteration(r.Context(), engine.Options{
		Teams:       req.Teams,
		MaxFeatures: req.MaxFeatures,
		ForceUnsafe: req.ForceUnsafe,
		Commit:      req.Commit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type runProjectRequest struct {
	Mode          string `json:"mode"`
	MaxIterations int    `json:"max_iterations"`
	Teams         int    `json:"teams"`
	MaxFeatures   int    `json:"max_features"`
	ForceUnsafe   bool   `json:"force_unsafe"`
	Commit        bool   `json:"commit"`
}

func (s *Server) handleRunProject(w http.ResponseWriter, r *http.Request) {
	var req runProjectRequest
	if !s.decode(w, r, &req) {
		return
	}
	mode := loop.ModeSingle
	if req.Mode == string(loop.ModeParallel) {
		mode = loop.ModeParallel
	}
	decision, err := s.runner.Run(r.Context(), loop.RunOptions{
		Mode:          mode,
		MaxIterations: req.MaxIterations,
		Teams:         req.Teams,
		MaxFeatures:   req.MaxFeatures,
		ForceUnsafe:   req.ForceUnsafe,
		Commit:        req.Commit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	code := http.StatusOK
	if !decision.Success() {
		code = http.StatusConflict
	}
	writeJSON(w, code, decision)
}

type browserValidateRequest struct {
	URL            string `json:"url"`
	Backend        string `json:"backend"`
	StepsFile      string `json:"steps_file"`
	ExpectText     string `json:"expect_text"`
	Headless       *bool  `json:"headless"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

func (s *Server) handleBrowserValidate(w http.ResponseWriter, r *http.Request) {
	var req browserValidateRequest
	if !s.decode(w, r, &req) {
		return
	}
	headless := true
	if req.Headless != nil {
		headless = *req.Headless
	}
	report := browser.Validate(r.Context(), browser.Options{
		URL:            req.URL,
		Backend:        req.Backend,
		StepsFile:      req.StepsFile,
		ExpectText:     req.ExpectText,
		Headless:       headless,
		TimeoutSeconds: req.TimeoutSeconds,
	}, s.logger)
	code := http.StatusOK
	if !report.Passed {
		code = http.StatusConflict
	}
	writeJSON(w, code, report)
}

func (s *Server) allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return false
	}
	return true
}

// decode enforces POST and parses an optional JSON body.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if !s.allow(w, r, http.MethodPost) {
		return false
	}
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
