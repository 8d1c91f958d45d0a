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

	"github.com/nerrad567/gray-logic-xmv/internal/bridges/xmv"
	"github.com/nerrad567/gray-logic-xmv/internal/history"
	"github.com/nerrad567/gray-logic-xmv/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-xmv/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-xmv/internal/infrastructure/mqtt"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// ChannelController is the slice of *xmv.Controller the API depends on.
type ChannelController interface {
	SetPower(ctx context.Context, channelID int, on bool) error
	SetVolume(ctx context.Context, channelID int, fraction float64) error
	SetVolumeDB(ctx context.Context, channelID int, db float64) error
	SetMute(ctx context.Context, channelID int, muted bool) error
	Refresh(ctx context.Context, channelID int) error
	GetState(channelID int) (xmv.ChannelState, error)
	State() xmv.ConnectionState
	Channel(channelID int) (xmv.ChannelConfig, bool)
	Channels() []xmv.ChannelConfig
	VolumeRange() xmv.VolumeRange
	Stats() xmv.ClientStats
}

var _ ChannelController = (*xmv.Controller)(nil)

// HistoryReader lists recorded channel changes.
type HistoryReader interface {
	List(ctx context.Context, filter history.Filter) ([]history.Entry, error)
}

// MQTTStatus reports broker session counters. Satisfied by *mqtt.Client.
type MQTTStatus interface {
	Stats() mqtt.Stats
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config     config.APIConfig
	WS         config.WebSocketConfig
	Logger     *logging.Logger
	Controller ChannelController
	History    HistoryReader // Optional: history endpoint returns 503 without it
	MQTT       MQTTStatus    // Optional: adds broker gauges to /metrics
	Version    string
}

// Server is the HTTP API server for the XMV bridge.
//
// It also implements xmv.Listener so controller events reach WebSocket clients:
//
//	unsubscribe := controller.Subscribe(server)
type Server struct {
	cfg     config.APIConfig
	wsCfg   config.WebSocketConfig
	logger  *logging.Logger
	ctrl    ChannelController
	history HistoryReader
	version string

	hub       *Hub
	metrics   *metrics
	startTime time.Time

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc
}

var _ xmv.Listener = (*Server)(nil)

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
	if deps.Controller == nil {
		return nil, fmt.Errorf("controller is required")
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		logger:    deps.Logger,
		ctrl:      deps.Controller,
		history:   deps.History,
		version:   deps.Version,
		startTime: time.Now(),
	}
	s.hub = NewHub(deps.WS, deps.Logger)
	s.metrics = newMetrics(deps.Controller, deps.MQTT, s.hub)

	return s, nil
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the fully wired router.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start binds the listener and serves HTTP in a background goroutine.
//
// Binding happens before Start returns, so a port already in use is
// reported here rather than logged later.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return fmt.Errorf("api server already started")
	}

	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(srvCtx)

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.buildRouter(),
		ReadTimeout:       config.Seconds(s.cfg.Timeouts.Read),
		ReadHeaderTimeout: config.Seconds(s.cfg.Timeouts.Read),
		WriteTimeout:      config.Seconds(s.cfg.Timeouts.Write),
		IdleTimeout:       config.Seconds(s.cfg.Timeouts.Idle),
	}

	srv := s.server
	go func() {
		var serveErr error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", ln.Addr().String(),
				"cert", s.cfg.TLS.CertFile,
			)
			serveErr = srv.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", ln.Addr().String())
			serveErr = srv.Serve(ln)
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", serveErr)
		}
	}()

	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections. WebSocket clients are
// disconnected.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.server
	cancel := s.cancel
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if cancel != nil {
		cancel()
	}

	ctx, cancelShutdown := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancelShutdown()

	s.logger.Info("API server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}

// OnConnectivityChange implements xmv.Listener.
func (s *Server) OnConnectivityChange(state xmv.ConnectionState) {
	s.hub.Broadcast(EventConnectivityChanged, ConnectivityEvent{
		State:     state.String(),
		Connected: state == xmv.Connected,
	})
}

// OnChannelChange implements xmv.Listener.
func (s *Server) OnChannelChange(channelID int, state xmv.ChannelState) {
	ch, ok := s.ctrl.Channel(channelID)
	if !ok {
		return
	}
	s.hub.Broadcast(EventChannelStateChanged, s.channelView(ch, state))
}
