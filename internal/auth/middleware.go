package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const claimsKey = "session"

// DefaultCookieName is the session cookie set by the storefront
const DefaultCookieName = "auth_session"

// Middleware resolves the session from a Bearer header or the session cookie
type Middleware struct {
	sessions   *Sessions
	cookieName string
}

// NewMiddleware creates the session middleware
func NewMiddleware(sessions *Sessions, cookieName string) *Middleware {
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	return &Middleware{sessions: sessions, cookieName: cookieName}
}

func (m *Middleware) token(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	if v, err := c.Cookie(m.cookieName); err == nil {
		return v
	}
	return ""
}

// RequireUser aborts with 401 unless the request carries a valid session
func (m *Middleware) RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := m.token(c)
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}

		claims, err := m.sessions.Parse(raw)
		if err != nil {
			msg := "Invalid session"
			if err == ErrExpiredToken {
				msg = "Session expired"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}

		c.Set(claimsKey, claims)
		c.Next()
	}
}

// RequireAdmin must run after RequireUser
func (m *Middleware) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := FromContext(c)
		if !ok || !claims.IsAdmin() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin role required"})
			return
		}
		c.Next()
	}
}

// FromContext returns the session stored by RequireUser
func FromContext(c *gin.Context) (*Claims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*Claims)
	return claims, ok
}
