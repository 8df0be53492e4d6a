// Package admin is the optional HTTP surface of a peerctl node:
// health, readiness, Prometheus metrics, and read-only views of the
// peer registry and open command channels. It stays off unless an
// admin address is configured.
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/peerctl/internal/node"
	"github.com/danmuck/peerctl/internal/observability"
)

// Channels is the slice of the dialer the admin surface needs.
type Channels interface {
	OpenPeers() []string
}

// Server exposes one node's admin routes.
type Server struct {
	NodeID   string
	Addr     string
	Registry *node.Registry
	Channels Channels
	Appeared time.Time

	router *gin.Engine
	srv    *http.Server
}

func New(nodeID, addr string, reg *node.Registry, channels Channels, corsOrigins []string) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(nodeID))
	if len(corsOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: corsOrigins,
			AllowMethods: []string{"GET"},
			AllowHeaders: []string{"Origin", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		NodeID:   nodeID,
		Addr:     addr,
		Registry: reg,
		Channels: channels,
		Appeared: time.Now(),
		router:   r,
	}
	s.RegisterRoutes()
	return s
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

func (s *Server) RegisterRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Appeared).String(),
			"node":    s.NodeID,
			"version": "0.0.1",
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"uptime": time.Since(s.Appeared).String(),
			"node":   s.NodeID,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/peers", func(c *gin.Context) {
		records := s.Registry.Snapshot()
		peers := make([]peerInfo, 0, len(records))
		for _, rec := range records {
			peers = append(peers, peerInfo{
				ID:          rec.Identity.ID,
				DisplayName: rec.Identity.DisplayName,
				Addr:        rec.Identity.CommandAddr(),
				State:       string(rec.State),
				LastSeen:    rec.LastSeenAt,
			})
		}
		c.JSON(http.StatusOK, gin.H{"peers": peers})
	})

	s.router.GET("/channels", func(c *gin.Context) {
		open := s.Channels.OpenPeers()
		c.JSON(http.StatusOK, gin.H{"channels": open, "count": len(open)})
	})
}

type peerInfo struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name,omitempty"`
	Addr        string    `json:"addr"`
	State       string    `json:"state"`
	LastSeen    time.Time `json:"last_seen"`
}

// Start serves in the background until Shutdown.
func (s *Server) Start() error {
	s.srv = &http.Server{Addr: s.Addr, Handler: s.router}
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", s.Addr).Msg("admin server failed")
		}
	}()
	log.Info().Str("node_id", s.NodeID).Str("addr", ln.Addr().String()).Msg("admin surface up")
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
