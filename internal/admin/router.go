// Package admin is the operational HTTP surface of the daemon: health
// and readiness probes, Prometheus metrics, and a read-only rollup of
// fleet registration state for dashboards.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/glowbound/fleetcore/internal/regcache"
	"github.com/glowbound/fleetcore/pkg/models"
)

// Deps are the collaborators the admin surface reads from. Ready
// reports transport connectivity for the readiness probe.
type Deps struct {
	Version string
	Tracker *Tracker
	Cache   regcache.Cache
	Ready   func() bool
	Metrics http.Handler
}

// NewRouter creates the admin HTTP router.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", healthHandler(deps))
	r.Get("/readyz", readyHandler(deps))
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	} else {
		r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	}

	r.Route("/fleet", func(r chi.Router) {
		r.Get("/status", fleetStatusHandler(deps))
		r.Get("/status/{componentID}", componentStatusHandler(deps))
	})

	return r
}

func healthHandler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "healthy",
			"service": "fleetcore",
			"version": deps.Version,
		})
	}
}

func readyHandler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if deps.Ready != nil && !deps.Ready() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "broker disconnected"})
			return
		}
		if deps.Cache != nil {
			if err := deps.Cache.Ping(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "cache unreachable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func fleetStatusHandler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids := deps.Tracker.ComponentIDs()
		out := make([]models.ComponentStatus, 0, len(ids))
		for _, id := range ids {
			status, ok := deps.Tracker.Status(id)
			if !ok {
				continue
			}
			enrichFromCache(r.Context(), deps.Cache, &status)
			out = append(out, status)
		}
		writeJSON(w, http.StatusOK, map[string]any{"components": out})
	}
}

func componentStatusHandler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "componentID")
		status, ok := deps.Tracker.Status(id)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown component"})
			return
		}
		enrichFromCache(r.Context(), deps.Cache, &status)
		writeJSON(w, http.StatusOK, status)
	}
}

// enrichFromCache fills in the fields only the registration cache
// knows. Cache failures leave the event-derived fields intact.
func enrichFromCache(ctx context.Context, cache regcache.Cache, status *models.ComponentStatus) {
	if cache == nil {
		return
	}
	if v, known, err := cache.GetApiVersion(ctx, status.ComponentID); err == nil && known {
		status.ApiVersion = v
	}
	if props, err := cache.GetAllProperties(ctx, status.ComponentID, models.SourceSystem); err == nil {
		status.SystemProps = len(props)
	}
	if props, err := cache.GetAllProperties(ctx, status.ComponentID, models.SourceApp); err == nil {
		status.AppProps = len(props)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
