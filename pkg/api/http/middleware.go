package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// UserIDHeader carries the caller's user id
	UserIDHeader = "X-User-ID"
	// UserIDQuery is accepted for browser WebSocket and EventSource
	// clients, which cannot set headers
	UserIDQuery = "user_id"

	userIDKey = "user_id"
)

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, "+UserIDHeader)
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// identityMiddleware resolves the calling user. Authentication happens in
// front of this service; the user id is trusted as given.
func identityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader(UserIDHeader)
		if userID == "" {
			userID = c.Query(UserIDQuery)
		}
		if userID == "" {
			abortWithError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing "+UserIDHeader+" header", nil)
			return
		}

		c.Set(userIDKey, userID)
		c.Next()
	}
}

// UserID returns the user id resolved by the identity middleware
func UserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}
