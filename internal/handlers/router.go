package handlers

import (
	"net/http"

	"github.com/gastric-adci/collab-signaling/config"
	"github.com/gastric-adci/collab-signaling/internal/middleware"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// NewRouter wires the signaling hub and the room API into a gin engine.
func NewRouter(cfg *config.Config, hub *Hub, logger zerolog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	auth := middleware.JWTAuth(cfg.JWTSecret)

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/auth/login", Login(cfg.JWTSecret))
		apiGroup.POST("/rooms", auth, hub.CreateRoom)
		apiGroup.GET("/rooms/:roomId", hub.GetRoom)
		apiGroup.DELETE("/rooms/:roomId", auth, hub.DeleteRoom)
	}

	p2pGroup := router.Group("/p2p")
	{
		if cfg.RequireAuth {
			p2pGroup.GET("/ws/peer", auth, hub.HandleSignaling)
		} else {
			p2pGroup.GET("/ws/peer", hub.HandleSignaling)
		}
		p2pGroup.GET("/peers", hub.ListPeers)
		p2pGroup.GET("/status", hub.Status)
		p2pGroup.POST("/rooms/:roomId/broadcast", auth, hub.BroadcastToRoom)
	}

	return router
}
