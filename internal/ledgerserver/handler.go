package ledgerserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/lbricheux/pointeuse/internal/entry"
	"github.com/lbricheux/pointeuse/internal/ledger"
)

type contextKey string

const userIDKey contextKey = "userID"

// Handler exposes the ledger service over HTTP.
type Handler struct {
	service *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{service: svc}
}

// Router assembles the full route tree, including the health endpoint the
// client connectivity monitor probes.
func (h *Handler) Router(syncRPS float64, syncBurst int) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(requireUser)

		r.Post("/api/v1/timers/start", h.handleStart)
		r.Post("/api/v1/timers/{id}/pause", h.handlePause)
		r.Post("/api/v1/timers/{id}/resume", h.handleResume)
		r.Post("/api/v1/timers/{id}/stop", h.handleStop)
		r.Get("/api/v1/timers/active", h.handleActive)

		r.Get("/api/v1/entries", h.handleList)
		r.Post("/api/v1/entries", h.handleCreate)
		r.Put("/api/v1/entries/{id}", h.handleUpdate)
		r.Delete("/api/v1/entries/{id}", h.handleDelete)

		r.Get("/api/v1/report", h.handleReport)

		r.Group(func(r chi.Router) {
			r.Use(rateLimit(syncRPS, syncBurst))
			r.Post("/api/v1/sync", h.handleSync)
		})
	})

	return r
}

// requireUser extracts the identity the upstream auth layer established.
// Authentication itself lives outside this service.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("X-User-ID")
		if userID == "" {
			writeJSON(w, http.StatusUnauthorized, errorResponse("missing user identity"))
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userID(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}

// rateLimit bounds the sync endpoint; a buggy client draining in a tight
// loop must not take the ledger down.
func rateLimit(rps float64, burst int) func(http.Handler) http.Handler {
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				writeJSON(w, http.StatusTooManyRequests, errorResponse("too many requests"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	var req ledger.StartRequest
	if err := decodeBody(w, r, &req); err != nil {
		return
	}
	e, err := h.service.Start(r.Context(), userID(r), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (h *Handler) handlePause(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, h.service.Pause)
}

func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, h.service.Resume)
}

func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, h.service.Stop)
}

func (h *Handler) handleTransition(w http.ResponseWriter, r *http.Request, op func(context.Context, string, string, time.Time) (*entry.TimeEntry, error)) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("missing entry id"))
		return
	}

	var req ledger.TransitionRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			return
		}
	}
	var at time.Time
	if req.At != "" {
		t, err := time.Parse(time.RFC3339, req.At)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse("bad transition timestamp"))
			return
		}
		at = t
	}

	e, err := op(r.Context(), userID(r), id, at)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *Handler) handleActive(w http.ResponseWriter, r *http.Request) {
	e, err := h.service.Active(r.Context(), userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if e == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.List(r.Context(), userID(r), r.URL.Query().Get("from"), r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []entry.TimeEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var e entry.TimeEntry
	if err := decodeBody(w, r, &e); err != nil {
		return
	}
	created, err := h.service.Create(r.Context(), userID(r), &e)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var e entry.TimeEntry
	if err := decodeBody(w, r, &e); err != nil {
		return
	}
	e.ID = id
	updated, err := h.service.Update(r.Context(), userID(r), &e)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.service.Delete(r.Context(), userID(r), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mutations []ledger.BatchMutation `json:"mutations"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		return
	}
	if len(req.Mutations) > 1000 {
		writeJSON(w, http.StatusBadRequest, errorResponse("too many mutations in one batch (max 1000)"))
		return
	}

	results := h.service.Sync(r.Context(), userID(r), req.Mutations)
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rep, err := h.service.Report(r.Context(), userID(r), ledger.ReportQuery{
		From:      q.Get("from"),
		To:        q.Get("to"),
		ProjectID: q.Get("projectId"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, 10<<20) // 10MB
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if err.Error() == "http: request body too large" {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse("request body too large"))
			return err
		}
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return err
	}
	return nil
}

func writeError(w http.ResponseWriter, err error) {
	var conflict *ConflictError
	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":    conflict.Error(),
			"existing": conflict.Existing,
		})
	case errors.Is(err, ErrEntryNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse(err.Error()))
	case errors.Is(err, ErrInvalidEntry), errors.Is(err, ErrInvalidPeriod),
		errors.Is(err, entry.ErrNotRunning), errors.Is(err, entry.ErrNotPaused):
		writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse("internal server error"))
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func errorResponse(msg string) map[string]string {
	return map[string]string{"error": msg}
}
