package middlewares

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/datapipe_backend/config"
	"github.com/mmdatafocus/datapipe_backend/utils"
)

// Session is written to redis under "Session:<token>" by the login service.
type Session struct {
	Username string `json:"username"`
	TenantId string `json:"tenantId"`
	IsAdmin  bool   `json:"isAdmin"`
}

// SessionLookup resolves a token; ok is false for unknown or expired tokens.
type SessionLookup func(token string) (session Session, ok bool, err error)

func RedisSessionLookup(token string) (Session, bool, error) {
	var s Session
	exists, err := config.GetRedisObject("Session:"+token, &s)
	if err != nil || !exists {
		return Session{}, false, err
	}
	return s, true, nil
}

func SessionMiddleware() gin.HandlerFunc {
	return SessionMiddlewareWith(RedisSessionLookup)
}

func SessionMiddlewareWith(lookup SessionLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Request.Header.Get("token")
		if token == "" {
			c.Next()
			return
		}
		session, exists, err := lookup(token)
		if err != nil || !exists || strings.TrimSpace(session.Username) == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := utils.SetUsernameInContext(c.Request.Context(), session.Username)
		ctx = utils.SetTenantIdInContext(ctx, session.TenantId)
		ctx = utils.SetIsAdminInContext(ctx, session.IsAdmin)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequireSession rejects requests that did not carry a valid session token.
func RequireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		username, ok := utils.GetUsernameFromContext(c.Request.Context())
		if !ok || strings.TrimSpace(username) == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		c.Next()
	}
}
