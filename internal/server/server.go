package server

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/commontrace/commontrace/internal/metrics"
	"github.com/commontrace/commontrace/internal/ratelimit"
	"github.com/commontrace/commontrace/internal/store"
	"github.com/commontrace/commontrace/internal/trust"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// ContributorHeader carries the authenticated contributor id. Identity is
// established by the gateway in front of this service.
const ContributorHeader = "X-Contributor-ID"

// Options wires the server's collaborators. Trust is required; the rest
// default to no-ops or sensible values.
type Options struct {
	Version        string
	Trust          *trust.Service
	Limiter        *ratelimit.Governor
	ReadPerMinute  int
	WritePerMinute int
	Metrics        *metrics.Registry
	Logger         *zap.Logger
}

// Server is the commontrace HTTP API server.
type Server struct {
	db      *store.DB
	trust   *trust.Service
	limiter *ratelimit.Governor
	read    int
	write   int
	metrics *metrics.Registry
	logger  *zap.Logger
	router  chi.Router
	version string
	started time.Time
}

// New creates a new Server over db.
func New(db *store.DB, opts Options) *Server {
	s := &Server{
		db:      db,
		trust:   opts.Trust,
		limiter: opts.Limiter,
		read:    opts.ReadPerMinute,
		write:   opts.WritePerMinute,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		version: opts.Version,
		started: time.Now(),
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.trust == nil {
		s.trust = trust.NewService(db, trust.Config{}, s.metrics, s.logger)
	}
	if s.limiter == nil {
		s.limiter = ratelimit.New(ratelimit.NewMemoryStore(), ratelimit.WithMetrics(s.metrics), ratelimit.WithLogger(s.logger))
	}
	if s.read <= 0 {
		s.read = 60
	}
	if s.write <= 0 {
		s.write = 20
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(s.instrument)

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Middleware(ratelimit.ClassRead, s.read, subject))
			r.Get("/traces/{traceID}", s.handleGetTrace)
			r.Get("/contributors/{contributorID}/reputation", s.handleReputation)
			r.Get("/consolidation/runs", s.handleListRuns)
		})

		r.Group(func(r chi.Router) {
			r.Use(requireContributor)
			r.Use(s.limiter.Middleware(ratelimit.ClassWrite, s.write, subject))
			r.Post("/traces", s.handleCreateTrace)
			r.Post("/traces/{traceID}/votes", s.handleVote)
			r.Post("/traces/{traceID}/retrievals", s.handleRecordRetrieval)
		})
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.db.PingContext(r.Context()); err != nil {
		dbOK = false
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
		"db":      dbOK,
	})
}

// subject is the rate-limit identity: the contributor when known, else
// the client host. The port is dropped so new connections share a bucket.
func subject(r *http.Request) string {
	if id := r.Header.Get(ContributorHeader); id != "" {
		return id
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func requireContributor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(ContributorHeader) == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": ContributorHeader + " header required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// instrument records request counts and latency per route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		s.metrics.ObserveRequest(route, code, time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
