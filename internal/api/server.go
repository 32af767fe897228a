package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/nerrad567/airvinyl/internal/device"
	"github.com/nerrad567/airvinyl/internal/infrastructure/config"
	"github.com/nerrad567/airvinyl/internal/infrastructure/logging"
	"github.com/nerrad567/airvinyl/internal/session"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Session is the streaming session as the API drives it.
type Session interface {
	State() session.State
	Apply(ctx context.Context, devices session.DeviceLookup, req session.Request) error
}

// HealthChecker is an optional dependency reported by /api/health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// RequestRecorder receives per-request metrics.
type RequestRecorder interface {
	RecordHTTPRequest(method, route, statusCode string, durationSeconds float64)
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Registry *device.Registry
	Session  Session

	// Metrics, when set, is served at /metrics and fed by the middleware.
	Metrics        http.Handler
	RequestMetrics RequestRecorder

	// Checks are named optional components (mqtt, influxdb) included in
	// the health report.
	Checks map[string]HealthChecker

	Version string
}

// Server is the HTTP API server for Air Vinyl.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
// It implements session.Observer and device.Observer so changes reach
// WebSocket clients as they happen.
type Server struct {
	cfg      config.APIConfig
	wsCfg    config.WebSocketConfig
	secCfg   config.SecurityConfig
	logger   *logging.Logger
	registry *device.Registry
	session  Session
	metrics  http.Handler
	recorder RequestRecorder
	checks   map[string]HealthChecker
	version  string

	hub       *Hub
	tickets   *ticketStore
	startTime time.Time

	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("device registry is required")
	}
	if deps.Session == nil {
		return nil, fmt.Errorf("session is required")
	}

	if deps.Config.MaxBodyBytes <= 0 {
		deps.Config.MaxBodyBytes = defaultMaxBodyBytes
	}
	if deps.WS.PingInterval <= 0 {
		deps.WS.PingInterval = 30
	}
	if deps.WS.PongTimeout <= 0 {
		deps.WS.PongTimeout = 10
	}
	if deps.WS.MaxMessageSize <= 0 {
		deps.WS.MaxMessageSize = 8192
	}

	return &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		secCfg:    deps.Security,
		logger:    deps.Logger,
		registry:  deps.Registry,
		session:   deps.Session,
		metrics:   deps.Metrics,
		recorder:  deps.RequestMetrics,
		checks:    deps.Checks,
		version:   deps.Version,
		hub:       NewHub(deps.WS, deps.Logger),
		tickets:   newTicketStore(),
		startTime: time.Now(),
	}, nil
}

// Start begins listening for HTTP connections.
//
// It binds the listener synchronously so a port conflict is reported to the
// caller, then starts the WebSocket hub and serves in the background. The
// server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.listener = ln

	// Create internal context so Close() can stop background goroutines
	// independently of the parent context.
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)
	go s.tickets.cleanLoop(srvCtx)

	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       s.cfg.GetReadTimeout(),
		ReadHeaderTimeout: s.cfg.GetReadTimeout(),
		WriteTimeout:      s.cfg.GetWriteTimeout(),
		IdleTimeout:       s.cfg.GetIdleTimeout(),
	}

	s.logger.Info("API server starting", "address", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	// Cancel background goroutines (hub, ticket cleanup)
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}

// SessionChanged broadcasts the new session view to WebSocket clients.
func (s *Server) SessionChanged(session.State) {
	s.hub.Broadcast(ChannelState, s.view())
}

// DeviceAdded broadcasts the device list to WebSocket clients.
func (s *Server) DeviceAdded(device.Device) {
	s.hub.Broadcast(ChannelDevices, s.registry.Snapshot())
}

// DeviceRemoved broadcasts the device list to WebSocket clients.
func (s *Server) DeviceRemoved(device.Device) {
	s.hub.Broadcast(ChannelDevices, s.registry.Snapshot())
}
