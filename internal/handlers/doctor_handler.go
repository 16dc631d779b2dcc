package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"telemed/internal/middleware"
	"telemed/internal/models"
	"telemed/internal/services"
	"telemed/pkg/apperr"
)

// DoctorHandler 医生目录
type DoctorHandler struct {
	directory *services.DoctorDirectory
	logger    *logrus.Logger
}

// NewDoctorHandler 创建医生目录处理器
func NewDoctorHandler(directory *services.DoctorDirectory, logger *logrus.Logger) *DoctorHandler {
	return &DoctorHandler{directory: directory, logger: ensureLogger(logger)}
}

type availabilityRequest struct {
	Availability *bool `json:"availability"`
}

// List 医生列表，可按专科过滤
// @Router /api/doctors [get]
func (h *DoctorHandler) List(c *gin.Context) {
	h.list(c, services.DoctorFilter{Specialty: strings.TrimSpace(c.Query("specialty"))})
}

// Search 按姓名、专科与接诊状态搜索
// @Router /api/doctors/search [get]
func (h *DoctorHandler) Search(c *gin.Context) {
	f := services.DoctorFilter{
		Name:      strings.TrimSpace(c.Query("query")),
		Specialty: strings.TrimSpace(c.Query("specialty")),
	}
	if raw := strings.TrimSpace(c.Query("availability")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			respondError(c, h.logger, apperr.Validation("availability must be true or false"))
			return
		}
		f.Availability = &v
	}
	h.list(c, f)
}

func (h *DoctorHandler) list(c *gin.Context, f services.DoctorFilter) {
	doctors, err := h.directory.ListDoctors(c.Request.Context(), currentUser(c), f)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if doctors == nil {
		doctors = []services.DoctorView{}
	}
	c.JSON(http.StatusOK, doctors)
}

// UpdateAvailability 医生更新自己的接诊状态
// @Router /api/doctors/availability [post]
func (h *DoctorHandler) UpdateAvailability(c *gin.Context) {
	var req availabilityRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	if req.Availability == nil {
		respondError(c, h.logger, apperr.Validation("Availability status is required"))
		return
	}
	uid := currentUser(c)
	u, err := h.directory.SetAvailability(c.Request.Context(), uid, uid, *req.Availability)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "availability": u.Availability})
}

// RegisterDoctorRoutes 注册医生目录路由
func RegisterDoctorRoutes(r *gin.RouterGroup, h *DoctorHandler) {
	g := r.Group("/doctors")
	{
		g.GET("", h.List)
		g.GET("/search", h.Search)
		g.POST("/availability", middleware.RequireRolesAny(models.RoleDoctor), h.UpdateAvailability)
	}
}
