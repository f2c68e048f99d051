package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"
	wsrshare "github.com/sammck-go/wsrelay/share"
)

// Server is the relay service: it accepts client WebSockets, pairs each one with
// its own upstream connection, and forwards messages both ways.
type Server struct {
	wsrshare.ShutdownHelper
	config      Config
	connStats   wsrshare.ConnStats
	httpServer  *wsrshare.HTTPServer
	registry    *Registry
	forwarder   *Forwarder
	env         *sessionEnv
	upgrader    websocket.Upgrader
	httpHandler http.Handler
}

// NewServer creates a Server dialing config.UpstreamURL for every Session
func NewServer(config Config, logger wsrshare.Logger) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	dialer, err := NewWebSocketDialer(config.UpstreamURL, config.ConnectTimeout, nil)
	if err != nil {
		return nil, err
	}
	return NewServerWithDialer(config, logger, dialer)
}

// NewServerWithDialer creates a Server that opens upstream connections with dialer.
// config.UpstreamURL is ignored.
func NewServerWithDialer(config Config, logger wsrshare.Logger, dialer UpstreamDialer) (*Server, error) {
	if err := config.validateLimits(); err != nil {
		return nil, err
	}
	if config.ListenAddr == "" {
		config.ListenAddr = DefaultListenAddr
	}
	if config.MaxPendingMessages == 0 {
		config.MaxPendingMessages = DefaultMaxPendingMessages
	}
	logger = logger.Fork("relay")
	registry := NewRegistry(logger)
	forwarder := NewForwarder(logger, registry)
	s := &Server{
		config:     config,
		httpServer: wsrshare.NewHTTPServer(logger.Fork("http")),
		registry:   registry,
		forwarder:  forwarder,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.env = &sessionEnv{
		logger:    logger,
		registry:  registry,
		forwarder: forwarder,
		dialer:    dialer,
		connOpts: ConnOptions{
			WriteTimeout: config.WriteTimeout,
			ReadLimit:    config.ReadLimit,
		},
		maxPending: config.MaxPendingMessages,
	}
	s.InitShutdownHelper(logger, s)
	return s, nil
}

// Start binds the listening address and begins accepting clients in the background.
// The Server shuts down when ctx is done or Shutdown/Close is called.
func (s *Server) Start(ctx context.Context) error {
	return s.DoOnceActivate(
		func() error {
			s.ShutdownOnContext(ctx)

			h := http.Handler(http.HandlerFunc(s.handleClientHandler))
			if s.GetLogLevel() >= wsrshare.LogLevelDebug {
				h = requestlog.Wrap(h)
			}
			s.httpHandler = h

			if err := s.httpServer.Start(ctx, s.config.ListenAddr, s.httpHandler); err != nil {
				return err
			}
			s.ILogf("Listening on %s, relaying to %s", s.httpServer.ListenAddr(), s.env.dialer)
			// the Server is not done until its listener is
			s.AddShutdownChild(s.httpServer)

			go func() {
				// the listener can fail on its own; take the whole relay down with it
				err := s.httpServer.WaitShutdown()
				s.StartShutdown(err)
			}()
			return nil
		},
		true,
	)
}

// Run starts the Server and blocks until it has completely shut down
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	return s.WaitShutdown()
}

// Addr returns the bound listening address, or nil before Start
func (s *Server) Addr() net.Addr {
	return s.httpServer.ListenAddr()
}

// Registry returns the Server's Session Registry
func (s *Server) Registry() *Registry {
	return s.registry
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It should take completionError
// as an advisory completion value, actually shut down, then return the real completion value.
//
// The listener starts closing first, then every live Session is torn down with
// ErrServerClosing and waited for. The listener is waited for as a shutdown child.
func (s *Server) HandleOnceShutdown(completionErr error) error {
	s.DLogf("HandleOnceShutdown")
	s.httpServer.StartShutdown(completionErr)
	sessions := s.registry.Close()
	if len(sessions) > 0 {
		s.ILogf("Closing %d sessions", len(sessions))
	}
	drainErr := fmt.Errorf("%w", ErrServerClosing)
	for _, session := range sessions {
		session.teardown(drainErr)
	}
	for _, session := range sessions {
		session.WaitShutdown()
	}
	// a cancelled context is how the process asks for a normal stop
	if errors.Is(completionErr, context.Canceled) {
		completionErr = nil
	}
	return completionErr
}
