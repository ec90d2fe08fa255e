package tracker

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/warelink/warelink/internal/hub"
	"github.com/warelink/warelink/internal/warehouse"
)

// Config holds the tracker runtime settings.
type Config struct {
	ListenAddr        string
	AdminAddr         string
	HeartbeatInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:        ":7700",
		AdminAddr:         ":7701",
		HeartbeatInterval: hub.DefaultHeartbeatInterval,
	}
}

// Service wires the lifecycle engine, the broadcast hub, and the protocol
// listener into one runnable warehouse tracker.
type Service struct {
	cfg    Config
	engine *warehouse.Engine
	hub    *hub.Hub
}

func NewService(cfg Config) *Service {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = DefaultConfig().ListenAddr
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = hub.DefaultHeartbeatInterval
	}
	engine := warehouse.NewEngine()
	h := hub.New(engine, cfg.HeartbeatInterval)
	engine.Subscribe(h)
	return &Service{
		cfg:    cfg,
		engine: engine,
		hub:    h,
	}
}

// Engine exposes the lifecycle engine for in-process collaborators.
func (s *Service) Engine() *warehouse.Engine {
	return s.engine
}

// Hub exposes the connection registry.
func (s *Service) Hub() *hub.Hub {
	return s.hub
}

// Run blocks until SIGINT/SIGTERM, serving the protocol listener, the
// heartbeat loop, and the admin HTTP endpoints.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer s.engine.Close()

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	log.Info().Str("addr", ln.Addr().String()).Msg("tracker.Run listening")

	go s.hub.RunHeartbeat(ctx)

	adminErr := make(chan error, 1)
	if strings.TrimSpace(s.cfg.AdminAddr) != "" {
		go func() {
			adminErr <- s.serveAdmin(ctx, s.cfg.AdminAddr)
		}()
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.Serve(ctx, ln)
	}()
	select {
	case err := <-serveErr:
		return err
	case err := <-adminErr:
		if err != nil {
			return err
		}
		return <-serveErr
	}
}

// Serve accepts protocol connections on an existing listener until ctx is
// done, spawning one read loop per connection.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	go func() {
		<-ctx.Done()
		s.hub.CloseAll()
		_ = ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		c := hub.NewConn(nc)
		s.hub.Register(c)
		go s.readLoop(c, nc)
	}
}

// readLoop pulls raw bytes off one socket into the hub. Any read error,
// including a clean EOF, unregisters the connection; reconnects arrive as
// fresh connections.
func (s *Service) readLoop(c *hub.Conn, nc net.Conn) {
	defer s.hub.Unregister(c)
	buf := make([]byte, 4096)
	for {
		n, err := nc.Read(buf)
		if n > 0 {
			s.hub.HandleIncoming(c, buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Warn().Str("remote", c.RemoteAddr()).Err(err).Msg("tracker.readLoop read failed")
			}
			return
		}
	}
}

func (s *Service) serveAdmin(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.adminRouter(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("addr", addr).Msg("tracker.serveAdmin listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
