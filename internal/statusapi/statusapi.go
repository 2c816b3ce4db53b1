// Package statusapi exposes a loopback-only diagnostics HTTP server:
// a JSON /status endpoint reporting the supervisor's lifecycle state
// and pool stats, and /metrics for Prometheus scraping. Modeled on
// the teacher's gateway API router (api.go/health.go); no
// authentication is applied since the listener is loopback-only, the
// same trust boundary the SOCKS5 and HTTP CONNECT heads rely on.
package statusapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/thatcooperguy/tunnelproxy/internal/pool"
)

// StatusProvider is the minimal view of the supervisor the status
// endpoint needs.
type StatusProvider interface {
	StateString() string
	PoolStats() (pool.Stats, bool)
}

// statusResponse is the /status JSON envelope.
type statusResponse struct {
	State string      `json:"state"`
	Pool  *pool.Stats `json:"pool,omitempty"`
}

// NewRouter builds the diagnostics HTTP router.
func NewRouter(sp StatusProvider) http.Handler {
	r := mux.NewRouter()
	r.Use(loggingMiddleware)

	r.HandleFunc("/status", handleStatus(sp)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}

func handleStatus(sp StatusProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := statusResponse{State: sp.StateString()}
		if stats, ok := sp.PoolStats(); ok {
			resp.Pool = &stats
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			slog.Error("statusapi: failed to encode status response", "error", err)
		}
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("statusapi request", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}
