package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"telemed/internal/models"
	"telemed/internal/services"
)

// VideoHandler 视频通话
type VideoHandler struct {
	video     *services.VideoService
	signaling *services.SignalingService
	logger    *logrus.Logger
}

// NewVideoHandler 创建视频通话处理器；signaling 为空时 ICE 列表为空
func NewVideoHandler(video *services.VideoService, signaling *services.SignalingService, logger *logrus.Logger) *VideoHandler {
	return &VideoHandler{video: video, signaling: signaling, logger: ensureLogger(logger)}
}

type respondRequest struct {
	Response string `json:"response"`
}

func createdRoomResponse(res *services.CreateRoomResult) gin.H {
	body := gin.H{
		"room_id":     res.Room.ID,
		"creator":     res.Requester.Name,
		"created_at":  res.Room.CreatedAt,
		"call_status": res.Room.CallStatus,
	}
	callee := gin.H{
		"id":     res.Callee.ID,
		"name":   res.Callee.Name,
		"avatar": res.Callee.Avatar,
	}
	if res.Callee.Role == models.RoleDoctor {
		callee["specialty"] = res.Callee.Specialty
		body["doctor"] = callee
	} else {
		body["patient"] = callee
	}
	return body
}

// CallDoctor 患者直接呼叫指定医生
// @Router /api/video/call-doctor/{doctor_id} [post]
func (h *VideoHandler) CallDoctor(c *gin.Context) {
	res, err := h.video.CallDoctor(c.Request.Context(), currentUser(c), c.Param("doctor_id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, createdRoomResponse(res))
}

// CreateRoom 创建视频房间；患者未指定医生时自动分配
// @Router /api/video/create-room [post]
func (h *VideoHandler) CreateRoom(c *gin.Context) {
	var req services.CreateRoomRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	res, err := h.video.CreateRoom(c.Request.Context(), currentUser(c), req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, createdRoomResponse(res))
}

// JoinRoom 加入视频房间
// @Router /api/video/join-room/{room_id} [post]
func (h *VideoHandler) JoinRoom(c *gin.Context) {
	res, err := h.video.Join(c.Request.Context(), c.Param("room_id"), currentUser(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"room_id":      res.Room.ID,
		"participants": res.Participants,
		"created_at":   res.Room.CreatedAt,
		"patient_id":   res.Room.PatientID,
		"doctor_id":    res.Room.DoctorID,
		"call_status":  res.Room.CallStatus,
	})
}

// Respond 接听或拒绝来电，response 缺省为 accept
// @Router /api/video/respond/{room_id} [post]
func (h *VideoHandler) Respond(c *gin.Context) {
	var req respondRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	room, err := h.video.Respond(c.Request.Context(), c.Param("room_id"), currentUser(c), req.Response)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": room.CallStatus, "room_id": room.ID})
}

// EndRoom 结束通话
// @Router /api/video/end-room/{room_id} [post]
func (h *VideoHandler) EndRoom(c *gin.Context) {
	var req services.EndRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	room, err := h.video.End(c.Request.Context(), c.Param("room_id"), currentUser(c), req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"ended_at":  room.EndTime,
		"follow_up": room.FollowUp,
	})
}

// ListRooms 进行中的通话
// @Router /api/video/rooms [get]
func (h *VideoHandler) ListRooms(c *gin.Context) {
	rooms, err := h.video.ListActive(c.Request.Context(), currentUser(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, rooms)
}

// History 通话历史
// @Router /api/video/history [get]
func (h *VideoHandler) History(c *gin.Context) {
	entries, err := h.video.ListHistory(c.Request.Context(), currentUser(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

// ICEServers WebRTC ICE 服务器配置
// @Router /api/video/ice-servers [get]
func (h *VideoHandler) ICEServers(c *gin.Context) {
	if h.signaling == nil {
		c.JSON(http.StatusOK, gin.H{"ice_servers": []interface{}{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ice_servers": h.signaling.ICEServers()})
}

// RegisterVideoRoutes 注册视频通话路由
func RegisterVideoRoutes(r *gin.RouterGroup, h *VideoHandler) {
	g := r.Group("/video")
	{
		g.POST("/call-doctor/:doctor_id", h.CallDoctor)
		g.POST("/create-room", h.CreateRoom)
		g.POST("/join-room/:room_id", h.JoinRoom)
		g.POST("/respond/:room_id", h.Respond)
		g.POST("/end-room/:room_id", h.EndRoom)
		g.GET("/rooms", h.ListRooms)
		g.GET("/history", h.History)
		g.GET("/ice-servers", h.ICEServers)
	}
}
