package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"telemed/internal/services"
	"telemed/pkg/apperr"
)

// gin.Context 键
const (
	ContextUserID   = "user_id"
	ContextRoles    = "roles"
	ContextIdentity = "identity"
)

// AuthMiddleware 要求 Authorization: Bearer <jwt>
// 成功后向 gin.Context 注入 user_id、roles 与 identity。
func AuthMiddleware(identity services.IdentityProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		ah := c.GetHeader("Authorization")
		if !strings.HasPrefix(strings.ToLower(ah), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "Unauthorized",
				"message": "missing bearer token",
			})
			return
		}
		token := strings.TrimSpace(ah[len("Bearer "):])
		if token == "" || identity == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "Unauthorized",
				"message": "invalid token or server misconfig",
			})
			return
		}
		id, err := identity.Authenticate(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "Unauthorized",
				"message": apperr.MessageOf(err),
			})
			return
		}

		c.Set(ContextUserID, id.UserID)
		c.Set(ContextRoles, []string{string(id.Role)})
		c.Set(ContextIdentity, id)
		c.Next()
	}
}

// CurrentIdentity 取出已认证身份
func CurrentIdentity(c *gin.Context) (*services.Identity, bool) {
	v, ok := c.Get(ContextIdentity)
	if !ok {
		return nil, false
	}
	id, ok := v.(*services.Identity)
	return id, ok && id != nil
}

// CurrentUserID 已认证用户 id，未认证时为空
func CurrentUserID(c *gin.Context) string {
	return c.GetString(ContextUserID)
}
