// Package server wires the HTTP surface: operational routes at the root and
// the scheduler API under /api/v1.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/HarrisonFulford/cacheout/internal/errors"
	"github.com/HarrisonFulford/cacheout/internal/server/handlers"
	"github.com/HarrisonFulford/cacheout/internal/server/middleware"
	"github.com/HarrisonFulford/cacheout/pkg/api"
	"github.com/HarrisonFulford/cacheout/pkg/scriptgen"
)

// Timeouts configures the underlying http.Server.
type Timeouts struct {
	Read     time.Duration
	Write    time.Duration
	Idle     time.Duration
	Shutdown time.Duration
}

// DefaultTimeouts matches the config defaults.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Read:     30 * time.Second,
		Write:    30 * time.Second,
		Idle:     120 * time.Second,
		Shutdown: 10 * time.Second,
	}
}

// Option configures a Server.
type Option func(*Server)

// WithScheduler mounts the /api/v1 routes over sched.
func WithScheduler(sched handlers.Scheduler) Option {
	return func(s *Server) { s.sched = sched }
}

// WithGenerator enables POST /api/v1/process-natural-language.
func WithGenerator(gen scriptgen.Generator) Option {
	return func(s *Server) { s.gen = gen }
}

// WithAdminToken sets the credential privileged routes require. Without one
// those routes always answer 401.
func WithAdminToken(token string) Option {
	return func(s *Server) { s.adminToken = token }
}

// WithLogger sets the access and handler logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.log = logger
		}
	}
}

// WithVersion sets what /version reports.
func WithVersion(info handlers.VersionInfo) Option {
	return func(s *Server) { s.version = info }
}

// WithTimeouts overrides DefaultTimeouts.
func WithTimeouts(t Timeouts) Option {
	return func(s *Server) { s.timeouts = t }
}

// Server is the HTTP front end.
type Server struct {
	host       string
	port       int
	sched      handlers.Scheduler
	gen        scriptgen.Generator
	adminToken string
	log        *zap.Logger
	version    handlers.VersionInfo
	timeouts   Timeouts

	router chi.Router
}

// New builds a server for host:port.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:     host,
		port:     port,
		log:      zap.NewNop(),
		version:  handlers.VersionInfo{Version: "dev"},
		timeouts: DefaultTimeouts(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.AccessLog(s.log))
	r.Use(middleware.RecoveryWithLogger(s.log))

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		apperrors.RespondWithError(w, req, apperrors.NewNotFoundError("route not found: "+req.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		apperrors.RespondWithError(w, req, apperrors.NewMethodNotAllowedError(req.Method+" is not allowed on "+req.URL.Path))
	})

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler(s.version))

	if s.sched != nil {
		r.Route(api.BasePath, s.apiRoutes)
	}
	return r
}

func (s *Server) apiRoutes(r chi.Router) {
	h := handlers.NewSchedulerAPI(s.sched, s.gen, s.log)
	admin := middleware.RequireAdmin(s.adminToken)

	r.Post("/register", h.Register)
	r.Post("/unregister", h.Unregister)
	r.Get("/task", h.Task)
	r.Post("/status", h.Status)

	r.Get("/jobs", h.Jobs)
	r.Get("/jobs/{jobID}", h.Job)
	r.Get("/workers", h.Workers)
	r.Get("/credits/{accountID}", h.Credits)
	r.Get("/quote", h.Quote)

	r.Group(func(r chi.Router) {
		r.Use(admin)
		r.Post("/submit", h.Submit)
		r.Post("/credits/{accountID}/grant", h.Grant)
		r.Post("/process-natural-language", h.Generate)
	})
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// Start serves until ctx is cancelled, then shuts down gracefully within
// the shutdown timeout.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.Addr(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start over an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadTimeout:       s.timeouts.Read,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.timeouts.Write,
		IdleTimeout:       s.timeouts.Idle,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.timeouts.Shutdown)
	defer cancel()
	s.log.Info("http server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
