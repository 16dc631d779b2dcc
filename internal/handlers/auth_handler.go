package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"telemed/internal/middleware"
	"telemed/internal/models"
	"telemed/internal/services"
	"telemed/pkg/apperr"
)

// AuthHandler 注册、登录与令牌
type AuthHandler struct {
	accounts *services.AccountService
	logger   *logrus.Logger
}

// NewAuthHandler 创建认证处理器
func NewAuthHandler(accounts *services.AccountService, logger *logrus.Logger) *AuthHandler {
	return &AuthHandler{accounts: accounts, logger: ensureLogger(logger)}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func authResponse(res *services.AuthResult) gin.H {
	return gin.H{
		"id":            res.User.ID,
		"name":          res.User.Name,
		"email":         res.User.Email,
		"role":          res.User.Role,
		"avatar":        res.User.Avatar,
		"access_token":  res.Tokens.AccessToken,
		"refresh_token": res.Tokens.RefreshToken,
	}
}

// Register 注册
// @Router /api/register [post]
func (h *AuthHandler) Register(c *gin.Context) {
	var req services.RegisterRequest
	if !bindJSON(c, &req) {
		return
	}
	res, err := h.accounts.Register(c.Request.Context(), req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, authResponse(res))
}

// Login 登录
// @Router /api/login [post]
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if !bindJSON(c, &req) {
		return
	}
	res, err := h.accounts.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, authResponse(res))
}

// Refresh 刷新令牌可放在请求体或 Bearer 头
// @Router /api/token/refresh [post]
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req refreshRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	token := strings.TrimSpace(req.RefreshToken)
	if token == "" {
		ah := c.GetHeader("Authorization")
		if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
			token = strings.TrimSpace(ah[len("Bearer "):])
		}
	}
	if token == "" {
		respondError(c, h.logger, apperr.Unauthorized("refresh token is required"))
		return
	}
	access, err := h.accounts.Refresh(c.Request.Context(), token)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": access})
}

// Logout 吊销当前访问令牌
// @Router /api/logout [post]
func (h *AuthHandler) Logout(c *gin.Context) {
	id, ok := middleware.CurrentIdentity(c)
	if !ok {
		respondError(c, h.logger, apperr.Unauthorized("not authenticated"))
		return
	}
	if err := h.accounts.Logout(c.Request.Context(), id); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Logged out successfully"})
}

// Me 当前用户
// @Router /api/user [get]
func (h *AuthHandler) Me(c *gin.Context) {
	u, err := h.accounts.Me(c.Request.Context(), currentUser(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	body := gin.H{
		"id":     u.ID,
		"name":   u.Name,
		"email":  u.Email,
		"role":   u.Role,
		"status": u.Status,
	}
	if u.Role == models.RoleDoctor {
		body["specialty"] = u.Specialty
		body["availability"] = u.Availability
	}
	c.JSON(http.StatusOK, body)
}

// RegisterAuthRoutes 注册认证路由；protected 需已挂载 AuthMiddleware
func RegisterAuthRoutes(public, protected *gin.RouterGroup, h *AuthHandler) {
	public.POST("/register", h.Register)
	public.POST("/login", h.Login)
	public.POST("/token/refresh", h.Refresh)

	protected.POST("/logout", h.Logout)
	protected.GET("/user", h.Me)
}
