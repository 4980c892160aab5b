// Package api exposes the study repository over HTTP under /api/v1.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"gorm.io/gorm"

	"github.com/openstudybuilder/study-mdr/pkg/audit"
	"github.com/openstudybuilder/study-mdr/pkg/authz"
	"github.com/openstudybuilder/study-mdr/pkg/metrics"
	"github.com/openstudybuilder/study-mdr/pkg/studyrepo"
	"github.com/openstudybuilder/study-mdr/pkg/terminology"
)

// BasePath prefixes every study route.
const BasePath = "/api/v1"

// Server wires the repository, reference data and the ambient middleware
// into one chi router.
type Server struct {
	repo      *studyrepo.Repository
	terms     *terminology.Resolver
	db        *gorm.DB
	logger    *slog.Logger
	now       func() time.Time
	startedAt time.Time

	identity    func(http.Handler) http.Handler
	authorizer  authz.Authorizer
	auditStore  *audit.Store
	auditConfig audit.Settings
	metrics     *metrics.Metrics
	corsOrigins []string
}

// Option configures a Server.
type Option func(*Server)

// WithDB sets the database pinged by /readyz.
func WithDB(db *gorm.DB) Option {
	return func(s *Server) { s.db = db }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithClock sets the clock used to stamp new versions.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithIdentity replaces the default X-Remote-User header identity middleware,
// e.g. with authz.JWTIdentityMiddleware.
func WithIdentity(mw func(http.Handler) http.Handler) Option {
	return func(s *Server) { s.identity = mw }
}

// WithAuthorizer sets the authorizer consulted for every /api/v1 request.
func WithAuthorizer(a authz.Authorizer) Option {
	return func(s *Server) { s.authorizer = a }
}

// WithRequestLog records mutating requests in store and mounts the request
// log under /api/v1/request-log.
func WithRequestLog(store *audit.Store, cfg audit.Settings) Option {
	return func(s *Server) {
		s.auditStore = store
		s.auditConfig = cfg
	}
}

// WithMetrics instruments requests and serves /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithCORSOrigins restricts CORS to the given origins. Empty allows any
// http(s) origin.
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// NewServer returns a Server over repo. terms is used for reference data
// seeding.
func NewServer(repo *studyrepo.Repository, terms *terminology.Resolver, opts ...Option) *Server {
	s := &Server{
		repo:       repo,
		terms:      terms,
		logger:     slog.Default(),
		now:        func() time.Time { return time.Now().UTC() },
		identity:   authz.IdentityMiddleware(),
		authorizer: &authz.NoopAuthorizer{},
	}
	for _, o := range opts {
		o(s)
	}
	s.startedAt = s.now()
	return s
}

// Routes builds the router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
	}
	origins := s.corsOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Remote-User", "X-Remote-Group", "X-Correlation-ID"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.healthHandler)
	r.Get("/livez", s.healthHandler)
	r.Get("/readyz", s.readyHandler)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route(BasePath, func(r chi.Router) {
		r.Use(s.identity)
		if s.auditStore != nil && s.auditConfig.Enabled {
			r.Use(audit.Middleware(s.auditStore, s.auditConfig, s.logger))
		}
		r.Use(authz.AuthzMiddleware(s.authorizer))

		r.Route("/studies", func(r chi.Router) {
			r.Get("/", s.listStudies)
			r.Post("/", s.createStudy)
			r.Route("/{uid}", func(r chi.Router) {
				r.Get("/", s.getStudy)
				r.Patch("/", s.patchStudy)
				r.Post("/actions/{action}", s.studyAction)
				r.Get("/audit-trail", s.auditTrail)
				r.Get("/versions", s.versionHistory)
				r.Get("/versions/{version}", s.getVersion)
				r.Get("/released-version", s.releasedVersion)
				r.Post("/selections/{family}", s.attachSelection)
			})
		})
		r.Get("/library-items/{uid}/studies", s.listByLibraryItem)
		r.Post("/reference-data", s.seedReferenceData)
		if s.auditStore != nil {
			r.Mount("/request-log", audit.Router(s.auditStore))
		}
	})
	return r
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "alive",
		"uptime": s.now().Sub(s.startedAt).Round(time.Second).String(),
	})
}

// readyHandler reports whether the database answers.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	dbStatus := map[string]string{"status": "up"}
	ready := true
	if s.db == nil {
		dbStatus["status"] = "not_configured"
	} else if sqlDB, err := s.db.DB(); err != nil {
		dbStatus["status"] = "down"
		dbStatus["error"] = err.Error()
		ready = false
	} else if err := sqlDB.PingContext(r.Context()); err != nil {
		dbStatus["status"] = "down"
		dbStatus["error"] = err.Error()
		ready = false
	}

	status := http.StatusOK
	overall := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		overall = "not_ready"
	}
	writeJSON(w, status, map[string]any{
		"status":   overall,
		"database": dbStatus,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
