package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/zoff-tech/go-offline/pkg/queue"
)

// ActionQueue is the part of *queue.Queue the HTTP API drives.
type ActionQueue interface {
	Execute(ctx context.Context, actionType string, fn queue.ActionFunc, data json.RawMessage) (any, error)
	Enqueue(ctx context.Context, actionType string, data json.RawMessage, maxRetries int) (string, error)
	Retry(ctx context.Context, id string, replay queue.ReplayFunc) error
	TriggerRetryAll() error
	Remove(ctx context.Context, id string) bool
	Clear(ctx context.Context)
	ListPending() []queue.PendingAction
	State() queue.ConnectivityState
}

// ActionResolver returns the function that performs a fresh action of the given type.
type ActionResolver func(actionType string) queue.ActionFunc

type Server struct {
	r       *chi.Mux
	queue   ActionQueue
	actions ActionResolver
}

func NewServer(q ActionQueue, actions ActionResolver) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger, middleware.Recoverer)

	s := &Server{r: r, queue: q, actions: actions}

	r.Get("/health", s.health)
	r.Get("/api/state", s.state)
	r.Get("/api/actions", s.listActions)
	r.Post("/api/actions", s.executeAction)
	r.Post("/api/actions/queue", s.enqueueAction)
	r.Post("/api/actions/retry", s.retryAll)
	r.Post("/api/actions/{id}/retry", s.retryAction)
	r.Delete("/api/actions", s.clearActions)
	r.Delete("/api/actions/{id}", s.removeAction)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) state(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.State())
}

func (s *Server) listActions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.ListPending())
}

type actionReq struct {
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data"`
	MaxRetries int             `json:"maxRetries"`
}

type queuedResp struct {
	ID     string `json:"id"`
	Queued bool   `json:"queued"`
	Reason string `json:"reason,omitempty"`
}

type errorResp struct {
	Error string `json:"error"`
}

func decodeAction(w http.ResponseWriter, r *http.Request) (actionReq, bool) {
	var req actionReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: err.Error()})
		return req, false
	}
	if req.Type == "" {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "type is required"})
		return req, false
	}
	return req, true
}

func (s *Server) executeAction(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAction(w, r)
	if !ok {
		return
	}

	result, err := s.queue.Execute(r.Context(), req.Type, s.actions(req.Type), req.Data)
	var queued *queue.QueuedError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, result)
	case errors.As(err, &queued):
		writeJSON(w, http.StatusAccepted, queuedResp{ID: queued.ActionID, Queued: true, Reason: queued.Reason.Error()})
	case errors.Is(err, queue.ErrInvalidPayload):
		writeJSON(w, http.StatusBadRequest, errorResp{Error: err.Error()})
	default:
		writeJSON(w, http.StatusBadGateway, errorResp{Error: err.Error()})
	}
}

func (s *Server) enqueueAction(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAction(w, r)
	if !ok {
		return
	}

	id, err := s.queue.Enqueue(r.Context(), req.Type, req.Data, req.MaxRetries)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, queuedResp{ID: id, Queued: true})
}

func (s *Server) retryAll(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.TriggerRetryAll(); err != nil {
		writeJSON(w, http.StatusConflict, errorResp{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, s.queue.State())
}

func (s *Server) retryAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.queue.Retry(r.Context(), id, nil)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, queue.ErrActionNotFound):
		writeJSON(w, http.StatusNotFound, errorResp{Error: err.Error()})
	case errors.Is(err, queue.ErrRetryInFlight), errors.Is(err, queue.ErrNoReplayFunc):
		writeJSON(w, http.StatusConflict, errorResp{Error: err.Error()})
	default:
		// the attempt was counted and the action stays queued if retries remain
		writeJSON(w, http.StatusBadGateway, errorResp{Error: err.Error()})
	}
}

func (s *Server) clearActions(w http.ResponseWriter, r *http.Request) {
	s.queue.Clear(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) removeAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.queue.Remove(r.Context(), id) {
		writeJSON(w, http.StatusNotFound, errorResp{Error: queue.ErrActionNotFound.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			log.Debug().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("http request")
		}()
		next.ServeHTTP(ww, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
