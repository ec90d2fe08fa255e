package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/warelink/warelink/internal/bridge"
	"github.com/warelink/warelink/internal/observability"
	"github.com/warelink/warelink/internal/wire"
)

// Config holds the HTTP-facing settings of the gateway.
type Config struct {
	HTTPAddr       string
	CORSOrigins    []string
	RequestTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		HTTPAddr:       ":7780",
		CORSOrigins:    []string{"http://localhost:3000"},
		RequestTimeout: 5 * time.Second,
	}
}

// Server translates HTTP calls into correlated protocol exchanges with the
// tracker. It owns no package state; the tracker is the source of truth.
type Server struct {
	cfg    Config
	client *bridge.Client
	router *gin.Engine
}

func NewServer(cfg Config, client *bridge.Client) *Server {
	observability.RegisterMetrics()
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware("gatewayd"))
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CORSOrigins,
			AllowMethods: []string{"GET", "POST"},
			AllowHeaders: []string{"Origin", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}

	s := &Server{cfg: cfg, client: client, router: r}
	s.registerRoutes()
	return s
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run serves HTTP until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.HTTPAddr,
		Handler: s.router,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("addr", s.cfg.HTTPAddr).Msg("gateway.Run listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type receiveRequest struct {
	PackageID string   `json:"packageId" binding:"required"`
	ClientID  string   `json:"clientId" binding:"required"`
	OrderID   string   `json:"orderId" binding:"required"`
	Items     []string `json:"items"`
	Address   string   `json:"address"`
}

type storeRequest struct {
	Location string `json:"location" binding:"required"`
}

type loadRequest struct {
	VehicleID string `json:"vehicleId" binding:"required"`
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":           "ok",
			"trackerConnected": s.client.Connected(),
		})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.POST("/packages", func(c *gin.Context) {
		var req receiveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.forward(c, http.StatusCreated, wire.TypePackageReceived, map[string]any{
			"packageId": req.PackageID,
			"clientId":  req.ClientID,
			"orderId":   req.OrderID,
			"items":     req.Items,
			"address":   req.Address,
		})
	})

	s.router.POST("/packages/:id/store", func(c *gin.Context) {
		var req storeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.forward(c, http.StatusOK, wire.TypePackageStored, map[string]any{
			"packageId": c.Param("id"),
			"location":  req.Location,
		})
	})

	s.router.POST("/packages/:id/pick", func(c *gin.Context) {
		s.forward(c, http.StatusOK, wire.TypePackagePicked, map[string]any{
			"packageId": c.Param("id"),
		})
	})

	s.router.POST("/packages/:id/load", func(c *gin.Context) {
		var req loadRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.forward(c, http.StatusOK, wire.TypePackageLoaded, map[string]any{
			"packageId": c.Param("id"),
			"vehicleId": req.VehicleID,
		})
	})

	s.router.GET("/packages/:id", func(c *gin.Context) {
		s.forward(c, http.StatusOK, wire.TypeStatusRequest, map[string]any{
			"query":     "track",
			"packageId": c.Param("id"),
		})
	})

	s.router.GET("/packages", func(c *gin.Context) {
		payload := map[string]any{"query": "list"}
		if filter := c.Query("status"); filter != "" {
			payload["statusFilter"] = filter
		}
		s.forward(c, http.StatusOK, wire.TypeStatusRequest, payload)
	})

	s.router.GET("/stats", func(c *gin.Context) {
		s.forward(c, http.StatusOK, wire.TypeStatusRequest, map[string]any{
			"query": "stats",
		})
	})
}

// forward runs one correlated exchange and maps the outcome onto HTTP.
func (s *Server) forward(c *gin.Context, okStatus int, frameType string, payload map[string]any) {
	resp, err := s.client.Request(c.Request.Context(), frameType, payload, s.cfg.RequestTimeout)
	if err != nil {
		s.writeError(c, err)
		return
	}
	delete(resp, "correlationId")
	c.JSON(okStatus, resp)
}

func (s *Server) writeError(c *gin.Context, err error) {
	var remote *bridge.RemoteError
	switch {
	case errors.As(err, &remote):
		c.JSON(statusForKind(remote.Kind), gin.H{"kind": remote.Kind, "error": remote.Message})
	case errors.Is(err, bridge.ErrRequestTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{"kind": "timeout", "error": err.Error()})
	case errors.Is(err, bridge.ErrConnectionLost), errors.Is(err, bridge.ErrClientClosed):
		c.JSON(http.StatusBadGateway, gin.H{"kind": "connection_lost", "error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"kind": "internal", "error": err.Error()})
	}
}

func statusForKind(kind string) int {
	switch kind {
	case "not_found":
		return http.StatusNotFound
	case "duplicate", "invalid_transition":
		return http.StatusConflict
	case "bad_request":
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}
