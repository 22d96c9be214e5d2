// Package server is a reference long-link peer. It verifies identify
// frames with a TokenVerifier, acks them, and echoes application frames
// back once a client is accepted. Clients reach it over plain TCP or over
// WebSocket on the HTTP listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/imlink/internal/identify"
	"github.com/danmuck/imlink/internal/observability"
	"github.com/danmuck/imlink/internal/protocol/frame"
)

type Config struct {
	// Addr is the TCP long-link listener. Empty disables it.
	Addr string
	// HTTPAddr serves /health, /metrics and the WebSocket long-link. Empty disables it.
	HTTPAddr string
	WSPath   string
	Version  uint32
	// Clients maps client id to shared secret.
	Clients map[string]string

	// RatePerSecond bounds inbound application frames per connection. Zero disables the limit.
	RatePerSecond   float64
	RateBurst       int
	IdentifyTimeout time.Duration
	IdleTimeout     time.Duration
	WriteTimeout    time.Duration
}

func DefaultConfig() Config {
	return Config{
		Addr:            "127.0.0.1:9410",
		HTTPAddr:        "127.0.0.1:9411",
		WSPath:          "/ws",
		Version:         frame.DefaultVersion,
		RatePerSecond:   200,
		RateBurst:       50,
		IdentifyTimeout: 10 * time.Second,
		IdleTimeout:     5 * time.Minute,
		WriteTimeout:    15 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WSPath == "" {
		c.WSPath = d.WSPath
	}
	if c.Version == 0 {
		c.Version = d.Version
	}
	if c.RateBurst <= 0 {
		c.RateBurst = d.RateBurst
	}
	if c.IdentifyTimeout <= 0 {
		c.IdentifyTimeout = d.IdentifyTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	return c
}

type Server struct {
	ID string

	cfg      Config
	verifier *identify.TokenVerifier
	router   *gin.Engine
	upgrader websocket.Upgrader
	appeared time.Time

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
	active  atomic.Int64
}

func New(cfg Config) *Server {
	cfg = cfg.withDefaults()
	observability.RegisterMetrics()

	r := gin.New()
	r.Use(gin.Recovery())
	s := &Server{
		ID:       "imserver-" + uuid.NewString()[:8],
		cfg:      cfg,
		verifier: identify.NewTokenVerifier(cfg.Clients),
		router:   r,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		appeared: time.Now(),
		conns:    make(map[net.Conn]struct{}),
	}
	r.Use(observability.HTTPMiddleware(s.ID, log.Logger))
	s.registerRoutes()
	return s
}

func (s *Server) Verifier() *identify.TokenVerifier {
	return s.verifier
}

func (s *Server) Router() *gin.Engine {
	return s.router
}

// Active returns the number of open long-link connections.
func (s *Server) Active() int64 {
	return s.active.Load()
}

// Run serves the configured listeners until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	if s.cfg.Addr == "" && s.cfg.HTTPAddr == "" {
		return errors.New("server: no listener configured")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 2)

	if s.cfg.Addr != "" {
		ln, err := net.Listen("tcp", s.cfg.Addr)
		if err != nil {
			return fmt.Errorf("server: listen %s: %w", s.cfg.Addr, err)
		}
		log.Info().Str("server", s.ID).Str("addr", ln.Addr().String()).Msg("long-link listener up")
		go func() { errCh <- s.Serve(ctx, ln) }()
	}
	if s.cfg.HTTPAddr != "" {
		httpSrv := &http.Server{Addr: s.cfg.HTTPAddr, Handler: s.router}
		go func() {
			<-ctx.Done()
			stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			_ = httpSrv.Shutdown(stopCtx)
		}()
		go func() {
			log.Info().Str("server", s.ID).Str("addr", s.cfg.HTTPAddr).Str("ws_path", s.cfg.WSPath).Msg("http listener up")
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
				return
			}
			errCh <- nil
		}()
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Serve accepts long-link connections on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	go func() {
		<-ctx.Done()
		s.closeAllConns()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.HandleConn(conn)
	}
}

func (s *Server) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Server) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}
