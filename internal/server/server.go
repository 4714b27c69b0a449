package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	// HTTP server timeouts
	HTTPReadTimeout  = 10 * time.Second
	HTTPWriteTimeout = 10 * time.Second
	HTTPIdleTimeout  = 60 * time.Second

	DefaultHealthPath = "/health"
)

// RecordWriter receives the records produced for one request.
// *logsink.Sink satisfies it.
type RecordWriter interface {
	Append(records []string) error
}

// Server represents the HTTP server
type Server struct {
	Sink     RecordWriter
	Verifier Verifier // nil accepts every request
	Logger   *slog.Logger

	HealthPath   string
	MaxBodyBytes int64 // 0 means unlimited
	RateLimit    int   // requests per minute per client IP, 0 disables

	mu         sync.Mutex
	httpServer *http.Server
	stopped    bool
}

// NewServer creates a new server instance. Pass a nil verifier to run
// without authentication.
func NewServer(sink RecordWriter, verifier Verifier, logger *slog.Logger) *Server {
	return &Server{
		Sink:       sink,
		Verifier:   verifier,
		Logger:     logger,
		HealthPath: DefaultHealthPath,
	}
}

// Router creates and configures the HTTP router. Every method and path
// reaches HandleRequest, which decides the response.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				level := slog.LevelInfo
				if r.URL.Path == s.HealthPath {
					level = slog.LevelDebug
				}
				s.Logger.Log(r.Context(), level, "http_request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration_ms", time.Since(start).Milliseconds(),
					"remote", r.RemoteAddr,
					"request_id", middleware.GetReqID(r.Context()))
			}()

			next.ServeHTTP(ww, r)
		})
	})

	if s.RateLimit > 0 {
		r.Use(NewRateLimitMiddleware(s.RateLimit, s.HealthPath, s.Logger))
	}

	r.HandleFunc("/", s.HandleRequest)
	r.HandleFunc("/*", s.HandleRequest)

	// chi answers 405 itself for methods it has no route table entry for
	// (e.g. PROPFIND); route those through the dispatcher as well.
	r.MethodNotAllowed(s.HandleRequest)
	r.NotFound(s.HandleRequest)

	return r
}

// Start listens on host:port and serves until Shutdown is called. A bind
// failure is returned immediately.
func (s *Server) Start(host string, port int) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	server := &http.Server{
		Handler:      s.Router(),
		ReadTimeout:  HTTPReadTimeout,
		WriteTimeout: HTTPWriteTimeout,
		IdleTimeout:  HTTPIdleTimeout,
		ErrorLog:     slog.NewLogLogger(s.Logger.Handler(), slog.LevelWarn),
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.httpServer = server
	s.mu.Unlock()

	s.Logger.Info("Starting server", "addr", ln.Addr().String())

	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests
// to finish or ctx to expire. A Serve that starts after Shutdown returns
// immediately.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	server := s.httpServer
	s.mu.Unlock()

	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}
