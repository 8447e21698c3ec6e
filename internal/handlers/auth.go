package handlers

import (
	"net/http"
	"time"

	"github.com/gastric-adci/collab-signaling/internal/middleware"
	"github.com/gin-gonic/gin"
)

type LoginRequest struct {
	Username    string `json:"username" binding:"required"`
	Password    string `json:"password" binding:"required"`
	DisplayName string `json:"display_name"`
}

// LoginResponse carries the bearer token and the identity a peer announces
// in join_room metadata.
type LoginResponse struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Login issues a signaling token for any username/password pair. Clinician
// credentials are checked by the identity provider in front of this service.
func Login(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}

		now := time.Now()
		token, err := middleware.IssueToken(jwtSecret, req.Username, now)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to generate token",
			})
			return
		}

		name := req.DisplayName
		if name == "" {
			name = req.Username
		}
		c.JSON(http.StatusOK, LoginResponse{
			Token:     token,
			UserID:    req.Username,
			UserName:  name,
			ExpiresAt: now.Add(middleware.TokenTTL).UTC(),
		})
	}
}
