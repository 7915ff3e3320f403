package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/surfdude29/tweets-2-bsky-sub001/internal/logging"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/models"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/scheduler"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/search"
	mirror "github.com/surfdude29/tweets-2-bsky-sub001/internal/sync"
)

const (
	defaultListLimit = 20
	maxListLimit     = 200
)

// Controller is the scheduler as the API drives it.
type Controller interface {
	Status(ctx context.Context) (scheduler.Status, error)
	QueueBackfill(ctx context.Context, account string, limit int) (string, error)
	CancelBackfill(ctx context.Context, account, requestID string) error
	RunIncrementalCheck(ctx context.Context, account string) (mirror.Stats, error)
}

// DeliveryStore is the read side of the delivery store.
type DeliveryStore interface {
	search.Source
	RecentDeliveries(ctx context.Context, limit int) ([]*models.DeliveryRecord, error)
	CountDeliveries(ctx context.Context) (map[models.DeliveryStatus]int, error)
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	ctl   Controller
	store DeliveryStore
	now   func() time.Time
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Scheduler  scheduler.Status              `json:"scheduler"`
	Deliveries map[models.DeliveryStatus]int `json:"deliveries"`
}

type backfillRequest struct {
	Account string `json:"account"`
	Limit   int    `json:"limit"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewHandler creates a new Handler instance.
func NewHandler(ctl Controller, store DeliveryStore) *Handler {
	return &Handler{ctl: ctl, store: store, now: time.Now}
}

// RegisterRoutes sets up the HTTP routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.handleStatus)
		r.Get("/deliveries/recent", h.handleRecent)
		r.Get("/deliveries/search", h.handleSearch)
		r.Post("/backfills", h.handleQueueBackfill)
		r.Delete("/backfills/{account}", h.handleCancelBackfill)
		r.Post("/accounts/{account}/check", h.handleCheck)
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.ctl.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	counts, err := h.store.CountDeliveries(r.Context())
	if err != nil {
		logging.Error("Failed to count deliveries: %v", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Scheduler: st, Deliveries: counts})
}

func (h *Handler) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit, ok := listLimit(w, r)
	if !ok {
		return
	}
	recs, err := h.store.RecentDeliveries(r.Context(), limit)
	if err != nil {
		logging.Error("Failed to list recent deliveries: %v", err)
		writeError(w, err)
		return
	}
	if recs == nil {
		recs = []*models.DeliveryRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing q parameter"})
		return
	}
	limit, ok := listLimit(w, r)
	if !ok {
		return
	}
	results, err := search.Deliveries(r.Context(), h.store, q, limit, h.now())
	if err != nil {
		logging.Error("Delivery search failed: %v", err)
		writeError(w, err)
		return
	}
	if results == nil {
		results = []search.Result{}
	}
	writeJSON(w, http.StatusOK, results)
}

func (h *Handler) handleQueueBackfill(w http.ResponseWriter, r *http.Request) {
	var req backfillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	if req.Account == "" || req.Limit < 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "account is required and limit must not be negative"})
		return
	}
	id, err := h.ctl.QueueBackfill(r.Context(), req.Account, req.Limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"request_id": id})
}

func (h *Handler) handleCancelBackfill(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	if err := h.ctl.CancelBackfill(r.Context(), account, r.URL.Query().Get("request_id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCheck(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	stats, err := h.ctl.RunIncrementalCheck(r.Context(), account)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// listLimit parses ?limit=, writing a 400 on garbage.
func listLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
		return 0, false
	}
	return min(n, maxListLimit), true
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, scheduler.ErrUnknownAccount), errors.Is(err, scheduler.ErrBackfillNotFound):
		status = http.StatusNotFound
	case errors.Is(err, scheduler.ErrAccountBusy), errors.Is(err, scheduler.ErrAccountDisabled):
		status = http.StatusConflict
	case errors.Is(err, scheduler.ErrStopped):
		status = http.StatusServiceUnavailable
	case errors.Is(err, models.ErrTaskTimeout):
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("Failed to write response: %v", err)
	}
}
