// Package api is the HTTP surface of the service.
package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"mp3relay/internal/convert"
	"mp3relay/internal/metrics"
)

// PendingCounter reports scheduled reclamations for /health.
type PendingCounter interface {
	Pending() int
}

// Options configures a Server.
type Options struct {
	// PublicBaseURL overrides the base of retrieval references. When empty
	// the base is derived from each request.
	PublicBaseURL string
	Reclaimer     PendingCounter
	Metrics       metrics.Metrics
	Gatherer      prometheus.Gatherer
	Logger        *slog.Logger
}

// Server routes HTTP requests to the conversion service.
type Server struct {
	svc     *convert.Service
	opts    Options
	started time.Time
	router  chi.Router
}

func NewServer(svc *convert.Service, opts Options) *Server {
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{svc: svc, opts: opts, started: time.Now()}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(withCORS)
	r.Use(s.observe)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleHome)
	r.Post("/download", s.handleDownload)
	r.Get("/stream/{jobID}", s.handleStream)
	r.Get("/status/{jobID}", s.handleStatus)
	r.Delete("/delete/{jobID}", s.handleDelete)
	r.Get("/health", s.handleHealth)
	if s.opts.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(s.opts.Gatherer))
	}
	return r
}

// withCORS allows any origin, which the mobile and web clients rely on, and
// answers preflight requests itself.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// observe logs each request and records it in the request metrics under its
// route pattern, so job ids do not explode label cardinality.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		elapsed := time.Since(start)
		s.opts.Metrics.ObserveRequest(r.Method, route, strconv.Itoa(status), elapsed.Seconds())
		s.opts.Logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration", elapsed,
		)
	})
}
