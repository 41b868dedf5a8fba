// Package httpapi exposes live patient state and backend proxies to local
// renderers over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"vitals-monitor/internal/api"
	"vitals-monitor/internal/database"
	"vitals-monitor/internal/models"
	"vitals-monitor/internal/monitor"
)

// LiveView is implemented by *monitor.Processor.
type LiveView interface {
	Snapshot(ctx context.Context, patientID string) (models.PatientLiveState, bool, error)
	Snapshots(ctx context.Context) ([]models.PatientLiveState, error)
	AcknowledgeFall(ctx context.Context, patientID string) (bool, error)
}

// Watcher is implemented by *handler.Watcher.
type Watcher interface {
	Watch(ctx context.Context, patientID string) (*models.PatientView, error)
	Unwatch(ctx context.Context, patientID string) (bool, error)
}

// Backend is implemented by *api.Client.
type Backend interface {
	ListPatients(ctx context.Context) ([]models.Patient, error)
	CreatePatient(ctx context.Context, p models.NewPatient) (*models.Patient, error)
	UpdateActivity(ctx context.Context, id, activity string) error
	GetAnalysis(ctx context.Context, id string) (*models.AgentAnalysis, error)
	GetGuidance(ctx context.Context, id string, onlyContext bool) (*models.AgentGuidance, error)
	GenerateReport(ctx context.Context, patientID string) error
	Register(ctx context.Context, req models.RegisterRequest) error
}

// SessionLookup is implemented by *database.Repository.
type SessionLookup interface {
	GetSession(patientID string) (models.MonitoringSession, error)
}

type Server struct {
	addr     string
	live     LiveView
	watcher  Watcher
	backend  Backend
	sessions SessionLookup
	metrics  http.Handler
	logger   *zap.Logger
}

func NewServer(addr string, live LiveView, watcher Watcher, backend Backend, sessions SessionLookup, metrics http.Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = http.NotFoundHandler()
	}
	return &Server{
		addr:     addr,
		live:     live,
		watcher:  watcher,
		backend:  backend,
		sessions: sessions,
		metrics:  metrics,
		logger:   logger,
	}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics).Methods(http.MethodGet)

	r.HandleFunc("/live", s.listLive).Methods(http.MethodGet)
	r.HandleFunc("/live/{id}", s.getLive).Methods(http.MethodGet)
	r.HandleFunc("/live/{id}", s.watch).Methods(http.MethodPut)
	r.HandleFunc("/live/{id}", s.unwatch).Methods(http.MethodDelete)
	r.HandleFunc("/live/{id}/fall/ack", s.ackFall).Methods(http.MethodPost)
	r.HandleFunc("/live/{id}/session", s.getSession).Methods(http.MethodGet)

	r.HandleFunc("/auth/register", s.register).Methods(http.MethodPost)

	r.HandleFunc("/patients", s.listPatients).Methods(http.MethodGet)
	r.HandleFunc("/patients", s.createPatient).Methods(http.MethodPost)
	r.HandleFunc("/patients/{id}/activity", s.updateActivity).Methods(http.MethodPatch)
	r.HandleFunc("/patients/{id}/analysis", s.analysis).Methods(http.MethodGet)
	r.HandleFunc("/patients/{id}/guidance", s.guidance).Methods(http.MethodGet)
	r.HandleFunc("/patients/{id}/report", s.report).Methods(http.MethodPost)
	return r
}

// Handler wraps the router with CORS for the browser dashboard and panic recovery.
func (s *Server) Handler() http.Handler {
	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)
	recovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(zap.NewStdLog(s.logger)),
		handlers.PrintRecoveryStack(true),
	)
	return recovery(cors(s.Router()))
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP API listening", zap.String("addr", s.addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.logger.Info("HTTP API shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listLive(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.live.Snapshots(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) getLive(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	snap, ok, err := s.live.Snapshot(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "patient not watched")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) watch(w http.ResponseWriter, r *http.Request) {
	view, err := s.watcher.Watch(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) unwatch(w http.ResponseWriter, r *http.Request) {
	removed, err := s.watcher.Unwatch(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "patient not watched")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) ackFall(w http.ResponseWriter, r *http.Request) {
	ok, err := s.live.AcknowledgeFall(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "patient not watched")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.GetSession(mux.Vars(r)["id"])
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no monitoring session")
		return
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var in models.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Email == "" || in.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password required")
		return
	}
	if err := s.backend.Register(r.Context(), in); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) listPatients(w http.ResponseWriter, r *http.Request) {
	patients, err := s.backend.ListPatients(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, patients)
}

func (s *Server) createPatient(w http.ResponseWriter, r *http.Request) {
	var in models.NewPatient
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	p, err := s.backend.CreatePatient(r.Context(), in)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) updateActivity(w http.ResponseWriter, r *http.Request) {
	var in models.ActivityUpdate
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Activity == "" {
		writeError(w, http.StatusBadRequest, "activity required")
		return
	}
	if err := s.backend.UpdateActivity(r.Context(), mux.Vars(r)["id"], in.Activity); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) analysis(w http.ResponseWriter, r *http.Request) {
	a, err := s.backend.GetAnalysis(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) guidance(w http.ResponseWriter, r *http.Request) {
	onlyContext := r.URL.Query().Get("onlyContext") == "true"
	g, err := s.backend.GetGuidance(r.Context(), mux.Vars(r)["id"], onlyContext)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) report(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.GenerateReport(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// fail maps domain errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, err error) {
	var apiErr *api.APIError
	switch {
	case errors.Is(err, api.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "login required")
	case errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500:
		writeError(w, apiErr.Status, apiErr.Message)
	case errors.As(err, &apiErr):
		writeError(w, http.StatusBadGateway, apiErr.Error())
	case errors.Is(err, monitor.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, "monitor stopped")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		s.logger.Error("Request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
