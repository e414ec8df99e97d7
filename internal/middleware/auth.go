package middleware

import (
	"net/http"
	"strings"

	"mistica-notifications/internal/models"
	"mistica-notifications/pkg/auth"

	"github.com/gin-gonic/gin"
)

// Ключі контексту gin
const (
	ContextUserID    = "user_id"
	ContextUserEmail = "user_email"
	ContextRole      = "role"
)

func AuthMiddleware(jwtManager *auth.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization header is required",
			})
			return
		}

		// Перевіряємо формат "Bearer <token>"
		token, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid authorization header format",
			})
			return
		}

		claims, err := jwtManager.ValidateToken(strings.TrimSpace(token))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid token",
			})
			return
		}

		// Додаємо інформацію про користувача в контекст
		c.Set(ContextUserID, claims.Identity())
		c.Set(ContextUserEmail, claims.Email)
		c.Set(ContextRole, string(models.RoleOrDefault(claims.Role)))

		c.Next()
	}
}

// UserID повертає id автентифікованого користувача
func UserID(c *gin.Context) string {
	return c.GetString(ContextUserID)
}
