package http

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"braindump/internal/services"
)

const userIDKey = "userID"

var allowedOrigins = []string{
	"http://localhost:3000",
	"http://localhost:5173",
	"http://localhost:8080",
}

func CORS() gin.HandlerFunc {
	config := cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		ExposeHeaders:    []string{fallbackHeader},
		AllowCredentials: true,
	}
	return cors.New(config)
}

func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start)
		log.Printf("%s %s %d %s", c.Request.Method, c.FullPath(), c.Writer.Status(), duration)
	}
}

func MaxBodySize(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limit > 0 {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		}
		c.Next()
	}
}

// RequireUser resolves the caller's identity from a bearer token, or from
// the access_token query parameter for websocket clients.
func RequireUser(signer *services.Signer) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		if token == "" {
			token = c.Query("access_token")
		}
		if token == "" {
			respondMessage(c, http.StatusUnauthorized, "authentication required")
			c.Abort()
			return
		}

		userID, err := signer.VerifyUserToken(token)
		if err != nil {
			respondMessage(c, http.StatusUnauthorized, err.Error())
			c.Abort()
			return
		}

		c.Set(userIDKey, userID)
		c.Next()
	}
}

func currentUser(c *gin.Context) string {
	return c.GetString(userIDKey)
}
