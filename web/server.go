package web

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mbocsi/goremote/services"
)

// Server exposes the service layer as a JSON HTTP API.
type Server struct {
	services *services.ServiceContainer
	logger   *slog.Logger

	mu     sync.Mutex
	server *http.Server
	closed bool
	done   chan struct{} // closed by Shutdown; ends open event streams
}

func NewServer(serviceContainer *services.ServiceContainer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		services: serviceContainer,
		logger:   logger.With("component", "web"),
		done:     make(chan struct{}),
	}
}

// Routes returns the HTTP routes of the control API
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.HandleStatus)
		r.Get("/devices", s.HandleDiscover)
		r.Get("/devices/known", s.HandleKnownDevices)
		r.Get("/devices/current", s.HandleCurrentDevice)
		r.Post("/connect", s.HandleConnect)
		r.Post("/reconnect", s.HandleReconnect)
		r.Post("/cancel", s.HandleCancel)
		r.Post("/disconnect", s.HandleDisconnect)
		r.Post("/commands", s.HandleSendCommand)
		r.Get("/events", s.HandleRecentEvents)
		r.Get("/events/stream", s.HandleEventStream)
	})
	return r
}

// Start serves the API on addr until Shutdown. It returns nil after a
// clean shutdown.
func (s *Server) Start(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

func (s *Server) Serve(l net.Listener) error {
	srv := &http.Server{Handler: s.Routes(), ReadHeaderTimeout: 5 * time.Second}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return l.Close()
	}
	s.server = srv
	s.mu.Unlock()

	s.logger.Info("Starting web server", "addr", l.Addr().String())
	err := srv.Serve(l)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.logger.Info("Shutting down web server")
	return srv.Shutdown(ctx)
}
