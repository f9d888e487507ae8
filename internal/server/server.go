package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/semaphore"

	"homeautomation-gateway/internal/config"
	"homeautomation-gateway/internal/gateway"
	"homeautomation-gateway/internal/logger"
	"homeautomation-gateway/internal/logstream"
)

// Server is the HTTP listener in front of the gateway.
type Server struct {
	conf   *config.GatewayConfig
	router *mux.Router
	http   *http.Server
	done   chan error
}

// New wires the routes. hub may be nil, in which case no log stream is served.
func New(conf *config.GatewayConfig, d *gateway.Dispatcher, hub *logstream.Hub) *Server {
	s := &Server{conf: conf, router: mux.NewRouter()}
	s.setupRoutes(d, hub)
	s.http = &http.Server{
		Addr:              conf.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes(d *gateway.Dispatcher, hub *logstream.Hub) {
	if hub != nil {
		s.router.HandleFunc(s.conf.LogStreamPath, hub.ServeWs).Methods(http.MethodGet)
	}

	static := http.FileServer(http.Dir(s.conf.DocumentRoot))
	pool := semaphore.NewWeighted(int64(s.conf.Workers))
	s.router.PathPrefix("/").Handler(limit(pool, gateway.NewHandler(d, static)))
}

// limit bounds the number of requests handled at once. Requests wait for a
// free worker until their client goes away.
func limit(pool *semaphore.Weighted, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Acquire(r.Context(), 1); err != nil {
			return
		}
		defer pool.Release(1)
		logger.Debug("HTTP Request: %s %s", r.Method, r.URL.RequestURI())
		next.ServeHTTP(w, r)
	})
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("could not bind to address '%s': %w", s.http.Addr, err)
	}
	s.done = make(chan error, 1)
	go func() {
		err := s.http.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.done <- err
	}()
	return nil
}

// Done delivers the serve loop's terminal error, or nil after Shutdown.
func (s *Server) Done() <-chan error {
	return s.done
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
