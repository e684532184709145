package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"github.com/arxiv/compiler/pkg/health"
	"github.com/arxiv/compiler/pkg/log"
	"github.com/arxiv/compiler/pkg/metrics"
	"github.com/arxiv/compiler/pkg/types"
)

// TaskService starts compilations and answers task-state queries.
type TaskService interface {
	Start(ctx context.Context, sourceID, checksum, stampLabel, stampLink string,
		format types.Format, token, owner string) (string, error)
	Get(ctx context.Context, sourceID, checksum string, format types.Format) (types.Task, error)
}

// ProductStore retrieves stored compilation products and logs.
type ProductStore interface {
	Retrieve(ctx context.Context, sourceID, checksum string, format types.Format) (types.Product, error)
	RetrieveLog(ctx context.Context, sourceID, checksum string, format types.Format) (types.Product, error)
}

// OwnerService resolves the owner of a source package.
type OwnerService interface {
	Owner(ctx context.Context, sourceID, checksum, token string) (string, error)
}

// Server implements the compiler HTTP API.
type Server struct {
	router *chi.Mux
	http   *http.Server

	tasks    TaskService
	products ProductStore
	owners   OwnerService
	health   *health.Service
	validate *validator.Validate

	// Authorize inspects the bearer token of write requests. The default
	// accepts every request; deployments front the service with the arXiv
	// auth layer and the file management service enforces per-source access.
	Authorize func(token string) error

	// ParseSession resolves a bearer token to the calling session. The
	// default verifies the token as an HS256 JWT under the configured
	// secret; unverifiable tokens are anonymous.
	ParseSession func(token string) *Session

	// IsAuthorized decides whether a session may read a task. The default
	// policy: ownerless tasks are public, owned tasks require the owner's
	// session or a task-scoped capability.
	IsAuthorized func(task types.Task, session *Session) bool

	verifyChecksum bool
}

// NewServer creates the API server over its collaborators.
func NewServer(tasks TaskService, products ProductStore, owners OwnerService,
	checks *health.Service, verifyChecksum bool, jwtSecret string) *Server {
	s := &Server{
		tasks:     tasks,
		products:  products,
		owners:    owners,
		health:    checks,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		Authorize: func(string) error { return nil },
		ParseSession: func(token string) *Session {
			return parseSession(token, jwtSecret)
		},
		IsAuthorized:   defaultIsAuthorized,
		verifyChecksum: verifyChecksum,
	}
	s.router = s.routes()
	return s
}

// session resolves the calling session from the request, anonymous when the
// token does not verify.
func (s *Server) session(r *http.Request) *Session {
	return s.ParseSession(bearerToken(r))
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodPost},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))
	r.Use(countRequests)

	r.Get("/status", s.getServiceStatus)
	r.Handle("/metrics", metrics.Handler())
	r.Post("/", s.requestCompilation)

	r.Route("/{source_id}/{checksum}/{output_format}", func(r chi.Router) {
		r.Get("/", s.getTaskStatus)
		r.Get("/product", s.getProduct)
		r.Get("/log", s.getLog)
	})

	return r
}

// ServeHTTP dispatches to the router; the server is a plain http.Handler so
// tests can drive it with httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start runs the HTTP server until Stop is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.WithComponent("api").Info().Str("addr", addr).Msg("HTTP API listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// countRequests records per-route request counts on the metrics registry.
func countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = r.URL.Path
		}
		metrics.APIRequestsTotal.WithLabelValues(pattern, strconv.Itoa(ww.Status())).Inc()
	})
}
