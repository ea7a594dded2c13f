package relay

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"classroom_live/native/internal/auth"
)

// NewRouter wires the relay's HTTP surface.
func NewRouter(h *Hub) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	ws := router.Group("/ws")
	{
		ws.GET("/classroom/:sessionId", h.ServeSession)
		ws.GET("/course/:courseId", h.ServeCourse)
	}

	api := router.Group("/api")
	{
		api.GET("/sessions/:sessionId/state", JWTAuth(h.secret), h.Snapshot)
	}
	return router
}

// JWTAuth validates the bearer token and stores its user id under "user_id".
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization header required",
			})
			return
		}

		parts := strings.Split(header, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid authorization header format",
			})
			return
		}

		claims, err := auth.Verify(secret, parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid token",
			})
			return
		}
		c.Set("user_id", claims.UserID)
		c.Next()
	}
}
