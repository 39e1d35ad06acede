package middleware

import (
	"net/http"
	"strings"

	"microlearn/utils"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// IdentityKey holds the caller's external id (JWT subject) in the gin context.
const IdentityKey = "identity"

func AuthRequired(secret string, log *utils.Logger) gin.HandlerFunc {
	return authenticate(secret, log, true)
}

// OptionalAuth accepts anonymous requests but still rejects a token that fails validation.
func OptionalAuth(secret string, log *utils.Logger) gin.HandlerFunc {
	return authenticate(secret, log, false)
}

// Identity returns the external id set by the auth middleware.
func Identity(c *gin.Context) (string, bool) {
	v, ok := c.Get(IdentityKey)
	if !ok {
		return "", false
	}
	id, ok := v.(string)
	return id, ok && id != ""
}

func authenticate(secret string, log *utils.Logger, required bool) gin.HandlerFunc {
	if log == nil {
		log = utils.NewNopLogger()
	}
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			if required {
				abortUnauthenticated(c, "No token provided")
				return
			}
			c.Next()
			return
		}

		subject, err := utils.ValidateJWT(token, secret)
		if err != nil {
			log.Debug("token validation failed", "path", c.Request.URL.Path, "error", err)
			abortUnauthenticated(c, "Invalid token")
			return
		}

		c.Set(IdentityKey, subject)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	if authHeader := c.GetHeader("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	// Browsers cannot set headers on a websocket handshake.
	if websocket.IsWebSocketUpgrade(c.Request) {
		return c.Query("token")
	}
	return ""
}

func abortUnauthenticated(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg, "kind": "unauthenticated"})
}
