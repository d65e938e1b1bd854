package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"prediction-monitor/internal/service"
	"prediction-monitor/internal/version"
)

// defaultSeriesLimit matches the upstream per-query row cap.
const defaultSeriesLimit = 100

type handlers struct {
	svc    *service.Service
	logger zerolog.Logger
}

// GET /api/health
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.Version,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"sources": h.svc.Sources(),
	})
}

// GET /api/sources
func (h *handlers) listSources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sources": h.svc.Sources(),
		"stats":   h.svc.AllStats(),
	})
}

// GET /api/sources/{name}/stats
func (h *handlers) sourceStats(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	stats, ok := h.svc.Stats(name)
	if !ok {
		writeError(w, http.StatusNotFound, "source not found")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GET /api/sources/{name}/predictions
func (h *handlers) sourcePredictions(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	limit := parseLimit(r, defaultSeriesLimit)

	rows, ok := h.svc.Predictions(name, limit)
	if !ok {
		writeError(w, http.StatusNotFound, "source not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"source": name,
		"count":  len(rows),
		"rows":   rows,
	})
}

// GET /api/sources/{name}/asset/{asset}
func (h *handlers) assetSeries(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	asset := r.PathValue("asset")

	query := service.SeriesQuery{Limit: parseLimit(r, defaultSeriesLimit)}
	var err error
	if query.Start, err = parseTime(r, "start"); err != nil {
		writeError(w, http.StatusBadRequest, "invalid start time")
		return
	}
	if query.End, err = parseTime(r, "end"); err != nil {
		writeError(w, http.StatusBadRequest, "invalid end time")
		return
	}

	eval, ok := h.svc.AssetSeries(name, asset, query)
	if !ok {
		writeError(w, http.StatusNotFound, "source not found")
		return
	}
	writeJSON(w, http.StatusOK, eval)
}

// POST /api/sources/{name}/fetch
func (h *handlers) triggerFetch(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	ok, msg := h.svc.TriggerFetch(r.Context(), name)
	status := http.StatusOK
	if !ok {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]any{
		"success": ok,
		"message": msg,
	})
}

// POST /api/fetch
func (h *handlers) triggerFetchAll(w http.ResponseWriter, r *http.Request) {
	results := h.svc.TriggerFetchAll(r.Context())
	success := true
	for _, res := range results {
		if !res.Success {
			success = false
		}
	}
	status := http.StatusOK
	if !success {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]any{
		"success": success,
		"results": results,
	})
}

// POST /api/prices/reload
func (h *handlers) reloadPrices(w http.ResponseWriter, r *http.Request) {
	counts := h.svc.ReloadPrices()
	writeJSON(w, http.StatusOK, map[string]any{
		"reloaded": true,
		"buckets":  counts,
	})
}

// writeJSON marshals v and writes it with the given status. A marshal
// failure falls back to a plain 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func parseLimit(r *http.Request, fallback int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func parseTime(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, err
	}
	utc := t.UTC()
	return &utc, nil
}
