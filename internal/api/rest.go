package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/devghori1264/aerophoenix/rackd/internal/lifecycle"
	"github.com/devghori1264/aerophoenix/rackd/internal/metrics"
	"github.com/devghori1264/aerophoenix/rackd/internal/models"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

var validate = validator.New()

type createRackRequest struct {
	Capacity *int64 `json:"capacity" validate:"required,gte=0"`
}

type createServerRequest struct {
	Rack *int64 `json:"rack" validate:"required,gt=0"`
}

type changeStateRequest struct {
	State  string `json:"state" validate:"required"`
	Months int    `json:"months" validate:"gte=0,lte=1200"`
}

type Handler struct {
	svc *lifecycle.Service
	log *zap.Logger
}

// NewHTTPHandler serves the rack and server API. When m is non-nil the
// handler also exposes /metrics.
func NewHTTPHandler(svc *lifecycle.Service, m *metrics.Metrics, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Handler{svc: svc, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", h.handlePing)

	mux.HandleFunc("POST /racks", h.handleCreateRack)
	mux.HandleFunc("GET /racks", h.handleListRacks)
	mux.HandleFunc("GET /racks/{id}", h.handleGetRack)
	mux.HandleFunc("PUT /racks/{id}", h.handleResizeRack)
	mux.HandleFunc("DELETE /racks/{id}", h.handleDeleteRack)

	mux.HandleFunc("POST /servers", h.handleCreateServer)
	mux.HandleFunc("GET /servers", h.handleListServers)
	mux.HandleFunc("GET /servers/{id}", h.handleGetServer)
	mux.HandleFunc("PATCH /servers/{id}", h.handleChangeState)
	mux.HandleFunc("DELETE /servers/{id}", h.handleDeleteServer)

	if m != nil {
		RegisterMetrics(mux, m)
	}
	return h.logRequests(mux)
}

func (h *Handler) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"msg": "pong from rackd http"})
}

// ---------- racks ----------

func (h *Handler) handleCreateRack(w http.ResponseWriter, r *http.Request) {
	var req createRackRequest
	if !h.decode(w, r, &req) {
		return
	}
	rack, err := h.svc.CreateRack(r.Context(), *req.Capacity)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rack)
}

func (h *Handler) handleListRacks(w http.ResponseWriter, r *http.Request) {
	racks, err := h.svc.ListRacks(r.Context(), sortOrder(r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(racks))
}

func (h *Handler) handleGetRack(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	rack, err := h.svc.GetRack(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rack)
}

func (h *Handler) handleResizeRack(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req createRackRequest
	if !h.decode(w, r, &req) {
		return
	}
	rack, err := h.svc.ResizeRack(r.Context(), id, *req.Capacity)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rack)
}

func (h *Handler) handleDeleteRack(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.svc.DeleteRack(r.Context(), id); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------- servers ----------

func (h *Handler) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	var req createServerRequest
	if !h.decode(w, r, &req) {
		return
	}
	m, err := h.svc.CreateServer(r.Context(), *req.Rack)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *Handler) handleListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := h.svc.ListServers(r.Context(), sortOrder(r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(servers))
}

func (h *Handler) handleGetServer(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	m, err := h.svc.GetServer(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) handleChangeState(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req changeStateRequest
	if !h.decode(w, r, &req) {
		return
	}
	m, err := h.svc.RequestStateChange(r.Context(), id, models.State(req.State), req.Months)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if _, err := h.svc.DeleteServer(r.Context(), id); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------- helpers ----------

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return false
	}
	if err := validate.Struct(v); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, http.StatusBadRequest, "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func sortOrder(r *http.Request) models.Order {
	return models.ParseOrder(r.URL.Query().Get("sort_by"))
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// statusFor maps lifecycle errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrRackNotFound), errors.Is(err, models.ErrServerNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrRackFull), errors.Is(err, models.ErrRackNotEmpty),
		errors.Is(err, models.ErrCapacityBelowLoad):
		return http.StatusConflict
	case errors.Is(err, models.ErrIllegalTransition):
		return http.StatusNotAcceptable
	case errors.Is(err, models.ErrInvalidState), errors.Is(err, models.ErrInvalidCapacity):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrActivationUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", zap.Error(err))
		h.writeError(w, status, "internal error")
		return
	}
	h.writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
	h.log.Debug("http error", zap.Int("status", status), zap.String("error", msg))
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		h.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("took", time.Since(start)))
	})
}
