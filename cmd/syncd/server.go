package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kimhsiao/mindharbor/backend/internal/app"
	apperrors "github.com/kimhsiao/mindharbor/backend/internal/errors"
	"github.com/kimhsiao/mindharbor/backend/internal/logging"
	"github.com/kimhsiao/mindharbor/backend/internal/models"
	"github.com/kimhsiao/mindharbor/backend/internal/sync/queue"
	"github.com/kimhsiao/mindharbor/backend/internal/sync/scheduler"
)

// Server is the local HTTP surface of the daemon: health, sync control,
// queueing, conflict resolution, metrics and the event stream.
type Server struct {
	app      *app.App
	sched    *scheduler.Scheduler
	hub      *WSHub
	gatherer prometheus.Gatherer
}

// NewServer creates a Server. gatherer serves /metrics; nil uses the
// default registry.
func NewServer(a *app.App, sched *scheduler.Scheduler, hub *WSHub, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{app: a, sched: sched, hub: hub, gatherer: gatherer}
}

// Routes returns the request router.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.health)
	mux.HandleFunc("GET /api/sync/status", s.syncStatus)
	mux.HandleFunc("POST /api/sync", s.syncNow)
	mux.HandleFunc("POST /api/sync/delta", s.deltaSync)
	mux.HandleFunc("POST /api/queue/{type}", s.enqueue)
	mux.HandleFunc("GET /api/storage", s.storage)
	mux.HandleFunc("POST /api/storage/cleanup", s.cleanup)
	mux.HandleFunc("GET /api/conflicts", s.conflicts)
	mux.HandleFunc("GET /api/conflicts/{id}", s.pendingConflict)
	mux.HandleFunc("POST /api/conflicts/{id}/resolve", s.resolveConflict)
	mux.HandleFunc("GET /api/errors", s.errorHistory)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /ws", HandleWebSocket(s.hub))
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps engine error codes onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case apperrors.ErrInvalid, apperrors.ErrValidation:
		status = http.StatusBadRequest
	case apperrors.ErrNotFound:
		status = http.StatusNotFound
	case apperrors.ErrSyncInProgress, apperrors.ErrSyncConflict, apperrors.ErrDuplicate:
		status = http.StatusConflict
	case apperrors.ErrOffline, apperrors.ErrNetwork, apperrors.ErrServiceUnavailable:
		status = http.StatusServiceUnavailable
	case apperrors.ErrStorageQuota:
		status = http.StatusInsufficientStorage
	}
	if status == http.StatusInternalServerError {
		logging.Error("Request failed", err, nil)
	}
	writeJSON(w, status, map[string]interface{}{
		"error": err.Error(),
		"code":  code,
	})
}

// userID reads the required user_id query parameter.
func userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.URL.Query().Get("user_id")
	if id == "" {
		writeError(w, apperrors.New(apperrors.ErrInvalid, "user_id is required"))
		return "", false
	}
	return id, true
}

// health handles GET /api/health
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"service":   "mindharbor-syncd",
		"device_id": s.app.DeviceID,
	})
}

// syncStatus handles GET /api/sync/status
func (s *Server) syncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.GetStatus(r.Context()))
}

// syncNow handles POST /api/sync?user_id=
// Runs a pass and waits for its result.
func (s *Server) syncNow(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}
	res, err := s.sched.SyncNow(r.Context(), user)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// deltaSync handles POST /api/sync/delta?user_id=&since=
func (s *Server) deltaSync(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}
	var since *time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "since must be RFC 3339", err))
			return
		}
		since = &t
	}
	res, err := s.app.Engine.PerformDeltaSync(r.Context(), user, since)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// enqueue handles POST /api/queue/{type}?user_id=
// The body is the item payload.
func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}
	itemType := models.ItemType(r.PathValue("type"))
	if !itemType.Valid() {
		writeError(w, apperrors.Newf(apperrors.ErrInvalid, "unknown item type %q", itemType))
		return
	}
	var payload map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err))
		return
	}
	item, err := s.app.Engine.Enqueue(r.Context(), queue.EnqueueRequest{
		UserID:   user,
		ItemType: itemType,
		Payload:  payload,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

// storage handles GET /api/storage?user_id=
func (s *Server) storage(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}
	info, err := s.app.Engine.GetStorageInfo(r.Context(), user)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// cleanup handles POST /api/storage/cleanup?user_id=&days=
func (s *Server) cleanup(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	res, err := s.app.Engine.CleanupOldOfflineData(r.Context(), user, days)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// conflicts handles GET /api/conflicts?user_id=&limit=
func (s *Server) conflicts(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 || limit > 100 {
		limit = 20
	}
	history, err := s.app.Engine.GetConflictHistory(r.Context(), user, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conflicts": history})
}

// pendingConflict handles GET /api/conflicts/{id}
// Returns the candidates of a conflict waiting for a user choice.
func (s *Server) pendingConflict(w http.ResponseWriter, r *http.Request) {
	res, ok := s.app.Engine.PendingConflict(r.PathValue("id"))
	if !ok {
		writeError(w, apperrors.Newf(apperrors.ErrNotFound, "no pending conflict %s", r.PathValue("id")))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// resolveConflict handles POST /api/conflicts/{id}/resolve
// Body: {"choice": "local" | "server" | "merge"}
func (s *Server) resolveConflict(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Choice string `json:"choice"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil || request.Choice == "" {
		writeError(w, apperrors.New(apperrors.ErrInvalid, "choice is required"))
		return
	}
	res, err := s.app.Engine.ResolveUserChoice(r.Context(), r.PathValue("id"), request.Choice)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// errorHistory handles GET /api/errors
func (s *Server) errorHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"errors": s.app.Engine.GetErrorHistory()})
}
