package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"telemed/internal/models"
)

// RequireRolesAny 要求 roles（由 AuthMiddleware 写入）至少包含一个指定角色
func RequireRolesAny(required ...models.Role) gin.HandlerFunc {
	reqSet := make(map[string]struct{}, len(required))
	for _, r := range required {
		reqSet[string(r)] = struct{}{}
	}
	return func(c *gin.Context) {
		var roles []string
		if v, ok := c.Get(ContextRoles); ok {
			switch t := v.(type) {
			case []string:
				roles = t
			case string:
				if t != "" {
					roles = []string{t}
				}
			}
		}
		for _, r := range roles {
			if _, ok := reqSet[r]; ok {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "Forbidden",
			"message": "insufficient role",
		})
	}
}
