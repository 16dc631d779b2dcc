package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"telemed/internal/services"
)

// WebSocketHandler 实时连接入口
type WebSocketHandler struct {
	hub *services.WebSocketHub
}

// NewWebSocketHandler 创建实时连接处理器
func NewWebSocketHandler(hub *services.WebSocketHub) *WebSocketHandler {
	return &WebSocketHandler{hub: hub}
}

// HandleWebSocket 升级为 WebSocket，令牌取自 ?token= 或 Bearer 头
// @Router /api/ws [get]
func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	h.hub.HandleWebSocket(c)
}

// GetStats 连接统计
// @Router /api/ws/stats [get]
func (h *WebSocketHandler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    h.hub.Stats(),
	})
}

// RegisterWebSocketRoutes 注册实时连接路由；升级请求自行认证，统计接口需挂在受保护分组
func RegisterWebSocketRoutes(public, protected *gin.RouterGroup, h *WebSocketHandler) {
	public.GET("/ws", h.HandleWebSocket)
	protected.GET("/ws/stats", h.GetStats)
}
