package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/meross-core/internal/device"
	"github.com/nerrad567/meross-core/internal/infrastructure/config"
	"github.com/nerrad567/meross-core/internal/infrastructure/logging"
	"github.com/nerrad567/meross-core/internal/protocol"
)

const shutdownTimeout = 10 * time.Second

// DeviceService is the live device set. *manager.Manager satisfies it.
type DeviceService interface {
	Registry() *device.Registry
	Publish(ctx context.Context, id string, method protocol.Method, namespace string, payload protocol.Payload) (protocol.Payload, error)
}

// HealthChecker is a component reported by the health endpoint.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps wires the server.
type Deps struct {
	Config  config.APIConfig
	WS      config.WebSocketConfig
	Logger  *logging.Logger
	Devices DeviceService

	// History is optional; without it the history endpoint returns 503.
	History device.StateHistoryRepository

	// Checks are keyed by component name.
	Checks map[string]HealthChecker

	// Stream is optional. Passing one lets the caller register it as an
	// event sink before the server starts.
	Stream *Stream

	Version string
}

// Server serves the REST API and the event stream.
type Server struct {
	cfg      config.APIConfig
	wsCfg    config.WebSocketConfig
	logger   *logging.Logger
	devices  DeviceService
	history  device.StateHistoryRepository
	checks   map[string]HealthChecker
	version  string
	stream   *Stream
	limiters *clientLimiters
	upgrader websocket.Upgrader

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// New validates deps and builds a server. Nothing listens until Start.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if deps.Devices == nil {
		return nil, errors.New("device service is required")
	}

	s := &Server{
		cfg:      deps.Config,
		wsCfg:    deps.WS,
		logger:   deps.Logger,
		devices:  deps.Devices,
		history:  deps.History,
		checks:   deps.Checks,
		version:  deps.Version,
		stream:   deps.Stream,
		limiters: newClientLimiters(),
	}
	if s.stream == nil {
		s.stream = NewStream(s.wsCfg, s.logger)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return originPolicy(s.cfg.CORS.AllowedOrigins).allows(r.Header.Get("Origin"))
		},
	}
	return s, nil
}

// Stream returns the server's event stream.
func (s *Server) Stream() *Stream {
	return s.stream
}

// Start binds the listen address and serves in the background. Bind
// failures are returned here rather than logged later.
func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return errors.New("api server already started")
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", addr, err)
	}

	read := config.Seconds(s.cfg.Timeouts.Read)
	srv := &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       read,
		ReadHeaderTimeout: read,
		WriteTimeout:      config.Seconds(s.cfg.Timeouts.Write),
		IdleTimeout:       config.Seconds(s.cfg.Timeouts.Idle),
	}
	s.server, s.listener = srv, ln

	tls := s.cfg.TLS
	s.logger.Info("api server listening", "address", ln.Addr().String(), "tls", tls.Enabled)
	go func() {
		var err error
		if tls.Enabled {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server stopped", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close disconnects stream clients and waits up to shutdownTimeout for
// in-flight requests.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	// Hijacked stream connections are invisible to Shutdown.
	s.stream.Close()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Info("api server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down api server: %w", err)
	}
	return nil
}

// HealthCheck fails until Start has bound the listener.
func (s *Server) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("api health check: %w", err)
	}
	if s.Addr() == "" {
		return errors.New("api server not started")
	}
	return nil
}
