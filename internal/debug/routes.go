package debug

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"stepwise/internal/trigger"
	logx "stepwise/pkg/logx"
)

const (
	defaultRunsLimit = 50
	maxRunsLimit     = 1000
)

// Validate checks a config the way Start would, without binding.
func Validate(cfg Config) error {
	if !cfg.Enabled {
		return nil
	}
	return checkBind(cfg.bindAddr(), cfg)
}

// Handler returns the router for the current config.
func (s *Service) Handler() http.Handler {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	return s.router(cfg)
}

func (s *Service) router(cfg Config) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(withAuth(cfg.Token))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/status", s.handleStatus)
	r.Get("/runs", s.handleRuns)
	r.Post("/workloads/{name}/fire", s.handleFire)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
	r.Mount("/debug", middleware.Profiler())
	return r
}

// GET /status
func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.backend == nil {
		respondError(w, http.StatusServiceUnavailable, "no backend")
		return
	}
	respondJSON(w, http.StatusOK, s.backend.Status())
}

// handleRuns lists recent run records, newest first.
// GET /runs?name=<workload>&limit=<n>
func (s *Service) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.backend == nil {
		respondError(w, http.StatusServiceUnavailable, "no backend")
		return
	}
	limit := defaultRunsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRunsLimit)
	}
	runs, err := s.backend.RecentRuns(r.Context(), strings.TrimSpace(r.URL.Query().Get("name")), limit)
	if err != nil {
		s.log.Warn("debug runs query failed", logx.Err(err))
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, runs)
}

// POST /workloads/{name}/fire
func (s *Service) handleFire(w http.ResponseWriter, r *http.Request) {
	if s.backend == nil {
		respondError(w, http.StatusServiceUnavailable, "no backend")
		return
	}
	name := chi.URLParam(r, "name")
	err := s.backend.Fire(name)
	switch {
	case err == nil:
		s.log.Info("workload fired via debug", logx.String("workload", name))
		respondJSON(w, http.StatusAccepted, map[string]string{"fired": name})
	case errors.Is(err, trigger.ErrUnknown):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, trigger.ErrOverlapSkip):
		respondError(w, http.StatusConflict, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("token"); got != "" {
				if got == tok {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w)
				return
			}
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	respondError(w, http.StatusUnauthorized, "unauthorized")
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
