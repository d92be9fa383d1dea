// Package gateway is the daemon's HTTP surface: a health endpoint for
// probes and the status subcommand, and a runtime metrics snapshot.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/basket/nodepilot/internal/store"
)

type Config struct {
	Store  *store.Store
	Logger *slog.Logger

	// Version is the build version stamped into responses.
	Version string

	// AuthToken, when set, is required as a bearer token on /metricsz and
	// the job API. /healthz stays open for liveness probes.
	AuthToken string

	// Jobs enables the job API routes when non-nil.
	Jobs JobAPI
}

type Server struct {
	cfg     Config
	started time.Time
}

func New(cfg Config) *Server {
	return &Server{cfg: cfg, started: time.Now()}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metricsz", s.handleMetricsz)
	if s.cfg.Jobs != nil {
		mux.HandleFunc("POST /api/jobs", s.requireAuth(s.handleSubmitJob))
		mux.HandleFunc("GET /api/jobs/{id}", s.requireAuth(s.handleJobStatus))
		mux.HandleFunc("POST /api/jobs/{id}/retry", s.requireAuth(s.handleJobRetry))
		mux.HandleFunc("POST /api/jobs/{id}/revoke", s.requireAuth(s.handleJobRevoke))
		mux.HandleFunc("GET /api/jobs/{id}/commands", s.requireAuth(s.handleJobCommands))
		mux.HandleFunc("GET /api/subscriptions/{id}/rollback", s.requireAuth(s.handleRollbackPreview))
	}
	return mux
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	dbOK := true
	openJobs := 0
	if jobs, err := s.cfg.Store.ListOpenJobs(ctx, 1000); err != nil {
		dbOK = false
	} else {
		openJobs = len(jobs)
	}

	payload := map[string]any{
		"status":         "ok",
		"version":        s.cfg.Version,
		"db_ok":          dbOK,
		"open_jobs":      openJobs,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	}
	code := http.StatusOK
	if !dbOK {
		payload["status"] = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (s *Server) handleMetricsz(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	counts := s.tableCounts(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"version":          s.cfg.Version,
		"uptime_seconds":   int64(time.Since(s.started).Seconds()),
		"goroutines":       runtime.NumGoroutine(),
		"heap_alloc_bytes": mem.HeapAlloc,
		"gc_cycles":        mem.NumGC,
		"tables":           counts,
	})
}

// tableCounts snapshots row counts of the main entity tables. Missing or
// failing tables report -1 rather than failing the whole endpoint.
func (s *Server) tableCounts(ctx context.Context) map[string]int64 {
	out := map[string]int64{}
	for _, table := range []string{
		"subscriptions", "subscription_tasks", "instance_records",
		"jobs", "pipeline_trees", "pipeline_nodes", "plugin_facts",
	} {
		var n int64 = -1
		if err := s.cfg.Store.DB().QueryRowContext(ctx,
			"SELECT COUNT(*) FROM "+table+";").Scan(&n); err != nil {
			n = -1
			if s.cfg.Logger != nil {
				s.cfg.Logger.Warn("count table", "table", table, "error", err)
			}
		}
		out[table] = n
	}
	return out
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
