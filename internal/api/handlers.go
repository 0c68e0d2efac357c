package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"stridenotes/services/activitycache/internal/archive"
	"stridenotes/services/activitycache/internal/engine"
	"stridenotes/services/activitycache/internal/metrics"
	"stridenotes/services/activitycache/internal/store"
	"stridenotes/services/activitycache/internal/strava"
	"stridenotes/services/activitycache/internal/weekly"
)

const defaultListWindowDays = 30

// Handler is the UI-facing JSON surface over the cache subsystem.
type Handler struct {
	store              store.Store
	engine             *engine.Engine
	aggregator         *weekly.Aggregator
	archive            archive.Store
	corsAllowedOrigins []string
	apiKey             string
	retentionDays      int
	weeklyMaxWeeks     int
	rateLimiter        *clientRateLimiter

	weeklyMu         sync.Mutex
	lastWeeklyResult *weekly.Result
}

func NewHandler(
	st store.Store,
	eng *engine.Engine,
	aggregator *weekly.Aggregator,
	arch archive.Store,
	corsAllowedOrigins []string,
	apiKey string,
	retentionDays int,
	weeklyMaxWeeks int,
	rateLimitRequestsPerSec float64,
	rateLimitBurst int,
) *Handler {
	if arch == nil {
		arch = archive.NewNoopStore()
	}
	return &Handler{
		store:              st,
		engine:             eng,
		aggregator:         aggregator,
		archive:            arch,
		corsAllowedOrigins: corsAllowedOrigins,
		apiKey:             apiKey,
		retentionDays:      retentionDays,
		weeklyMaxWeeks:     weeklyMaxWeeks,
		rateLimiter:        newClientRateLimiter(rateLimitRequestsPerSec, rateLimitBurst),
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(metrics.Middleware())
	if h.rateLimiter != nil {
		r.Use(h.rateLimiter.Middleware)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.corsAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Api-Key"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/activities", h.listActivities)
		r.Get("/activities/{activityID}", h.getActivity)
		r.Get("/activities/{activityID}/raw", h.getActivityRaw)
		r.Get("/notes", h.listNotes)
		r.Get("/weekly", h.listWeekly)
		r.Get("/weekly/status", h.weeklyStatus)
		r.Get("/cache/stats", h.cacheStats)

		r.Group(func(r chi.Router) {
			r.Use(h.requireWriteAccess)

			r.Post("/refresh", h.refresh)
			r.Post("/weekly/recompute", h.recomputeWeekly)
			r.Post("/cache/clear", h.clearCache)
			r.Post("/cache/evict", h.evictCache)
		})
	})

	return r
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Health(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "down"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type refreshRequest struct {
	From *time.Time `json:"from"`
	To   *time.Time `json:"to"`
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	payload := refreshRequest{}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
			return
		}
	}

	var rng *engine.Range
	if payload.From != nil || payload.To != nil {
		if payload.From == nil || payload.To == nil || payload.To.Before(*payload.From) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "from and to must form a valid range"})
			return
		}
		rng = &engine.Range{From: *payload.From, To: *payload.To}
	}

	result, err := h.engine.Refresh(r.Context(), rng)
	if err != nil {
		writeRefreshError(w, result.RunID, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func writeRefreshError(w http.ResponseWriter, runID string, err error) {
	switch {
	case errors.Is(err, strava.ErrUnauthorized):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "credential rejected, re-authentication required"})
	case errors.Is(err, engine.ErrNoData):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no data available"})
	default:
		log.Printf("refresh failed run=%s err=%v", runID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "refresh failed"})
	}
}

func (h *Handler) listActivities(w http.ResponseWriter, r *http.Request) {
	from, to, err := rangeFromQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	activities, err := h.store.GetInRange(r.Context(), from, to)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"activities": activities})
}

func (h *Handler) getActivity(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "activityID"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid activity id"})
		return
	}

	activity, err := h.store.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if activity == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "activity not found"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"activity": activity})
}

func (h *Handler) getActivityRaw(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "activityID"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid activity id"})
		return
	}

	payload, err := h.archive.LoadJSON(r.Context(), archive.ActivityKey(id))
	if err != nil {
		if errors.Is(err, archive.ErrNotConfigured) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "payload archive unavailable"})
			return
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "raw payload not found"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"id": id, "payload": payload})
}

func (h *Handler) listNotes(w http.ResponseWriter, r *http.Request) {
	from, to, err := rangeFromQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	activities, err := h.store.GetInRange(r.Context(), from, to)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	withNotes := make([]store.Activity, 0)
	for _, activity := range activities {
		if activity.HasPrivateNote {
			withNotes = append(withNotes, activity)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"activities": withNotes})
}

func (h *Handler) listWeekly(w http.ResponseWriter, r *http.Request) {
	aggregates, err := h.store.ListWeeklyAggregates(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"weeks": aggregates})
}

func (h *Handler) weeklyStatus(w http.ResponseWriter, r *http.Request) {
	h.weeklyMu.Lock()
	last := h.lastWeeklyResult
	h.weeklyMu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"inProgress": h.aggregator.InProgress(),
		"lastResult": last,
	})
}

type recomputeRequest struct {
	MaxWeeks int `json:"maxWeeks"`
}

// recomputeWeekly kicks the backfill off in the background and returns
// immediately; progress is observed through GET /v1/weekly/status.
func (h *Handler) recomputeWeekly(w http.ResponseWriter, r *http.Request) {
	payload := recomputeRequest{}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
			return
		}
	}

	maxWeeks := payload.MaxWeeks
	if maxWeeks <= 0 {
		maxWeeks = h.weeklyMaxWeeks
	}

	if h.aggregator.InProgress() {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "weekly computation already in progress"})
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
		defer cancel()

		result, err := h.aggregator.ComputeBackward(ctx, maxWeeks)
		if err != nil {
			if errors.Is(err, weekly.ErrAlreadyRunning) {
				return
			}
			log.Printf("weekly recompute failed: %v", err)
		}

		h.weeklyMu.Lock()
		h.lastWeeklyResult = &result
		h.weeklyMu.Unlock()
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{"started": true, "maxWeeks": maxWeeks})
}

func (h *Handler) cacheStats(w http.ResponseWriter, r *http.Request) {
	storeStats, err := h.store.Stats(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"store":   storeStats,
		"session": h.engine.Stats(),
	})
}

func (h *Handler) clearCache(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Clear(r.Context()); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleared": true})
}

type evictRequest struct {
	MaxAgeDays int `json:"maxAgeDays"`
}

func (h *Handler) evictCache(w http.ResponseWriter, r *http.Request) {
	payload := evictRequest{}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
			return
		}
	}

	maxAgeDays := payload.MaxAgeDays
	if maxAgeDays <= 0 {
		maxAgeDays = h.retentionDays
	}

	deleted, err := h.store.DeleteOlderThan(r.Context(), maxAgeDays)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted, "maxAgeDays": maxAgeDays})
}

func (h *Handler) requireWriteAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(h.apiKey) == "" {
			next.ServeHTTP(w, r)
			return
		}

		provided := strings.TrimSpace(r.Header.Get("X-Api-Key"))
		if provided == h.apiKey {
			next.ServeHTTP(w, r)
			return
		}

		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	})
}

func rangeFromQuery(r *http.Request) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	from := now.AddDate(0, 0, -defaultListWindowDays)
	to := now

	if raw := strings.TrimSpace(r.URL.Query().Get("from")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("from must be RFC3339")
		}
		from = parsed
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("to")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("to must be RFC3339")
		}
		to = parsed
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, errors.New("to must not precede from")
	}
	return from, to, nil
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrStorageUnavailable) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "cache storage unavailable"})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cache lookup failed"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
