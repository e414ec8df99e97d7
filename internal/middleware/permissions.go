// internal/middleware/permissions.go

package middleware

import (
	"net/http"

	"mistica-notifications/internal/models"

	"github.com/gin-gonic/gin"
)

// roleFromContext дістає роль, встановлену AuthMiddleware
func roleFromContext(c *gin.Context) (models.UserRole, bool) {
	roleStr := c.GetString(ContextRole)
	if roleStr == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "User not authenticated",
		})
		return "", false
	}

	role := models.UserRole(roleStr)
	if !role.IsValid() {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error": "Invalid role",
		})
		return "", false
	}
	return role, true
}

// RequirePermission створює middleware для перевірки конкретного дозволу
func RequirePermission(permission models.Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, ok := roleFromContext(c)
		if !ok {
			return
		}

		if !role.HasPermission(permission) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":     "Insufficient permissions",
				"required":  permission,
				"user_role": role,
			})
			return
		}

		c.Next()
	}
}

// RequireAnyRole створює middleware для перевірки однієї з можливих ролей
func RequireAnyRole(roles ...models.UserRole) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, ok := roleFromContext(c)
		if !ok {
			return
		}

		for _, allowed := range roles {
			if role == allowed {
				c.Next()
				return
			}
		}

		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":          "Insufficient permissions",
			"required_roles": roles,
			"user_role":      role,
		})
	}
}
