package web

import (
	"net/http"
	"strings"

	"github.com/deemkeen/mammut/cache"
	"github.com/gin-gonic/gin"
)

// RateLimitMiddleware buckets requests per (client IP, action). Each
// route group passes its own action name so hammering the inbox cannot
// starve the API.
func RateLimitMiddleware(limiter *cache.Limiter, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := limiter.Allow(c.ClientIP(), action); err != nil {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded. Please try again later.",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// MaxBytesMiddleware limits the size of request bodies
func MaxBytesMiddleware(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": "Request body too large",
			})
			c.Abort()
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

const sessionContextKey = "session"

// AuthMiddleware resolves the Bearer token to a session and aborts with
// 401 when it cannot.
func AuthMiddleware(sessions *cache.Sessions) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing bearer token"})
			c.Abort()
			return
		}

		session, err := sessions.Validate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid session"})
			c.Abort()
			return
		}

		c.Set(sessionContextKey, session)
		c.Next()
	}
}

func sessionFrom(c *gin.Context) *cache.Session {
	if v, ok := c.Get(sessionContextKey); ok {
		if session, ok := v.(*cache.Session); ok {
			return session
		}
	}
	return nil
}
