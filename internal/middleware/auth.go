package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/oriva/events-api/internal/handler"
	"github.com/oriva/events-api/pkg/auth"
)

const (
	ContextUserID = "userID"
	ContextAppID  = "appID"
)

type AuthMiddleware struct {
	jwtService auth.JWTService
}

func NewAuthMiddleware(jwtService auth.JWTService) *AuthMiddleware {
	return &AuthMiddleware{jwtService: jwtService}
}

// Authenticate verifies the bearer token and sets the acting user and calling
// app in the request context.
func (m *AuthMiddleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, handler.NewErrorResponse("missing authorization header"))
			c.Abort()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, handler.NewErrorResponse("invalid authorization format"))
			c.Abort()
			return
		}

		claims, err := m.jwtService.ValidateToken(parts[1])
		if err != nil {
			c.JSON(http.StatusUnauthorized, handler.NewErrorResponse("invalid token"))
			c.Abort()
			return
		}

		c.Set(ContextUserID, claims.UserID.String())
		c.Set(ContextAppID, claims.AppID)
		c.Next()
	}
}

// RequireApp rejects tokens that carry no app identity. The publish and
// webhook surfaces are app-scoped; user-only tokens cannot reach them.
func (m *AuthMiddleware) RequireApp() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ContextAppID) == "" {
			c.JSON(http.StatusForbidden, handler.NewErrorResponse("app identity required"))
			c.Abort()
			return
		}
		c.Next()
	}
}
