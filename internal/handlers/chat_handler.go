package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"telemed/internal/models"
	"telemed/internal/services"
)

// ChatHandler 聊天室
type ChatHandler struct {
	chat   *services.ChatService
	logger *logrus.Logger
}

// NewChatHandler 创建聊天处理器
func NewChatHandler(chat *services.ChatService, logger *logrus.Logger) *ChatHandler {
	return &ChatHandler{chat: chat, logger: ensureLogger(logger)}
}

type openRoomRequest struct {
	ParticipantID string `json:"participant_id"`
}

// ListRooms 当前用户的聊天室
// @Router /api/chat/rooms [get]
func (h *ChatHandler) ListRooms(c *gin.Context) {
	rooms, err := h.chat.ListRooms(c.Request.Context(), currentUser(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, rooms)
}

// CreateRoom 获取或创建与对方的聊天室，新建返回 201
// @Router /api/chat/rooms [post]
func (h *ChatHandler) CreateRoom(c *gin.Context) {
	var req openRoomRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	room, created, err := h.chat.OpenRoom(c.Request.Context(), currentUser(c), strings.TrimSpace(req.ParticipantID))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{
		"room_id":      room.ID,
		"name":         room.Name,
		"participants": room.Participants,
		"created_at":   room.CreatedAt,
		"created":      created,
	})
}

// History 聊天记录
// @Router /api/chat/history/{room_id} [get]
func (h *ChatHandler) History(c *gin.Context) {
	msgs, err := h.chat.GetHistory(c.Request.Context(), c.Param("room_id"), currentUser(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if msgs == nil {
		msgs = []*models.ChatMessage{}
	}
	c.JSON(http.StatusOK, msgs)
}

// MarkRead 标记对方消息已读
// @Router /api/chat/rooms/{room_id}/read [post]
func (h *ChatHandler) MarkRead(c *gin.Context) {
	n, err := h.chat.MarkRead(c.Request.Context(), c.Param("room_id"), currentUser(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "marked_read": n})
}

// RegisterChatRoutes 注册聊天路由
func RegisterChatRoutes(r *gin.RouterGroup, h *ChatHandler) {
	g := r.Group("/chat")
	{
		g.GET("/rooms", h.ListRooms)
		g.POST("/rooms", h.CreateRoom)
		g.POST("/rooms/:room_id/read", h.MarkRead)
		g.GET("/history/:room_id", h.History)
	}
}
