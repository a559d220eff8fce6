// Package server exposes the comet HTTP surface: the WebSocket endpoint,
// health, metrics and a few internal operator routes.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/zhixiangxue/chalk-ai/internal/hub"
	"github.com/zhixiangxue/chalk-ai/internal/session"
	"github.com/zhixiangxue/chalk-ai/pkg/channel"
	"github.com/zhixiangxue/chalk-ai/pkg/event"
	"github.com/zhixiangxue/chalk-ai/pkg/push"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type Notifier interface {
	Notify(ctx context.Context, n event.Notification) bool
}

type PresenceReader interface {
	IsOnline(ctx context.Context, userID string) bool
}

type Server struct {
	Sessions *session.Manager
	Hub      *hub.Hub
	Health   Pinger
	Notifier Notifier
	Presence PresenceReader
	WS       session.WSOptions
	Log      *zap.Logger

	// Base outlives single requests; cancelling it ends every session.
	Base context.Context
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) Router() *gin.Engine {
	if s.Log == nil {
		s.Log = zap.NewNop()
	}
	if s.Base == nil {
		s.Base = context.Background()
	}
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/ws/:user_id", s.serveWS)
	r.GET("/healthz", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	internal := r.Group("/internal")
	{
		internal.POST("/notify", s.notify)
		internal.GET("/presence/:user_id", s.presence)
		internal.POST("/kick/:user_id", s.kick)
	}
	return r
}

func (s *Server) serveWS(c *gin.Context) {
	userID := c.Param("user_id")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.Log.Debug("ws upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	t := session.NewWSTransport(conn, s.WS)
	// Rejections are logged and counted inside Serve.
	if err := s.Sessions.Serve(s.Base, userID, t); err != nil && !errors.Is(err, push.ErrValidation) {
		s.Log.Warn("session failed", zap.String("user_id", userID), zap.Error(err))
	}
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := s.Health.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  "redis unavailable",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"sessions": s.Hub.Len(),
		"time":     time.Now().Unix(),
	})
}

type notifyRequest struct {
	UserID  string         `json:"user_id" binding:"required"`
	Kind    string         `json:"kind" binding:"required"`
	Payload map[string]any `json:"payload"`
}

func (s *Server) notify(c *gin.Context) {
	var req notifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !channel.ValidUserID(req.UserID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
		return
	}
	ok := s.Notifier.Notify(c.Request.Context(), event.Notification{
		UserID:  req.UserID,
		Kind:    req.Kind,
		Payload: req.Payload,
	})
	if !ok {
		c.JSON(http.StatusBadGateway, gin.H{"published": false})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"published": true})
}

func (s *Server) presence(c *gin.Context) {
	userID := c.Param("user_id")
	if !channel.ValidUserID(userID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
		return
	}
	_, local := s.Hub.Lookup(userID)
	c.JSON(http.StatusOK, gin.H{
		"user_id": userID,
		"online":  s.Presence.IsOnline(c.Request.Context(), userID),
		"local":   local,
	})
}

func (s *Server) kick(c *gin.Context) {
	userID := c.Param("user_id")
	if !s.Hub.Kick(userID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no local session"})
		return
	}
	c.Status(http.StatusNoContent)
}
