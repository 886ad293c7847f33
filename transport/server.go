package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/NickB03/vana/broadcast"
	"github.com/NickB03/vana/core"
	"github.com/NickB03/vana/dispatcher"
	"github.com/NickB03/vana/logging"
)

// Server wires the HTTP surface over the store, broadcaster and dispatcher.
type Server struct {
	store  core.SessionStore
	bcast  *broadcast.Broadcaster
	disp   *dispatcher.Dispatcher
	logger logging.Logger
}

// NewServer constructs the HTTP layer. A nil logger disables logging.
func NewServer(store core.SessionStore, bcast *broadcast.Broadcaster, disp *dispatcher.Dispatcher, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Server{store: store, bcast: bcast, disp: disp, logger: logger}
}

// Handler returns the fully routed http.Handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Get("/{id}", s.handleGetSession)
		r.Post("/{id}/run", s.handleRun)
		r.Post("/{id}/cancel", s.handleCancel)
		r.Get("/{id}/events", s.handleStream)
	})
	return r
}

type createSessionRequest struct {
	UserID   string            `json:"user_id"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type createSessionResponse struct {
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
}

type runRequest struct {
	Pipeline core.Pipeline   `json:"pipeline"`
	Input    json.RawMessage `json:"input,omitempty"`
}

type errorResponse struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{ErrorCode: code, Message: msg})
}

// statusForErr maps core sentinel errors onto HTTP statuses.
func statusForErr(err error) (int, string) {
	switch {
	case errors.Is(err, core.ErrSessionNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, core.ErrSessionExpired):
		return http.StatusGone, "session_expired"
	case errors.Is(err, core.ErrPipelineActive):
		return http.StatusConflict, "pipeline_active"
	case errors.Is(err, core.ErrInvalidCursor):
		return http.StatusBadRequest, "invalid_cursor"
	case errors.Is(err, core.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, "storage_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	sess, err := s.store.Create(r.Context(), req.UserID, req.Metadata)
	if err != nil {
		status, code := statusForErr(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, createSessionResponse{SessionID: sess.ID, CreatedAt: sess.CreatedAt})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		status, code := statusForErr(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleRun accepts a pipeline run request and returns 202 immediately;
// progress and the outcome stream through the events endpoint.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	runID, err := s.disp.Run(r.Context(), id, req.Pipeline, req.Input)
	if err != nil {
		if errors.Is(err, core.ErrSessionNotFound) || errors.Is(err, core.ErrPipelineActive) || errors.Is(err, core.ErrStorageUnavailable) {
			status, code := statusForErr(err)
			writeError(w, status, code, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_pipeline", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.disp.Cancel(chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusNotFound, "no_run_in_flight", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}
