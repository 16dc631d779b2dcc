package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"telemed/internal/services"
	"telemed/pkg/apperr"
	"telemed/pkg/inference"
)

const diagnosisTimeout = 60 * time.Second

// DiagnosisHandler 图像诊断与报告
type DiagnosisHandler struct {
	diagnosis *services.DiagnosisService
	logger    *logrus.Logger
}

// NewDiagnosisHandler 创建诊断处理器
func NewDiagnosisHandler(diagnosis *services.DiagnosisService, logger *logrus.Logger) *DiagnosisHandler {
	return &DiagnosisHandler{diagnosis: diagnosis, logger: ensureLogger(logger)}
}

// Models 可用模型
// @Router /api/models [get]
func (h *DiagnosisHandler) Models(c *gin.Context) {
	c.JSON(http.StatusOK, h.diagnosis.Models())
}

// Predict 上传图像并分类
// @Router /api/predict [post]
func (h *DiagnosisHandler) Predict(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		respondError(c, h.logger, apperr.Validation("No file part"))
		return
	}
	defer file.Close()

	if max := h.diagnosis.MaxFileSize(); max > 0 && header.Size > max {
		respondError(c, h.logger, apperr.Newf(apperr.CodeValidation, "File too large: %d bytes (max: %d)", header.Size, max))
		return
	}
	if !h.diagnosis.AllowedFile(header.Filename) {
		respondError(c, h.logger, apperr.Newf(apperr.CodeValidation, "File type not allowed: %s", header.Filename))
		return
	}

	reader := io.Reader(file)
	if max := h.diagnosis.MaxFileSize(); max > 0 {
		// 多读一个字节，交给服务层判定超限
		reader = io.LimitReader(file, max+1)
	}
	image, err := io.ReadAll(reader)
	if err != nil {
		respondError(c, h.logger, fmt.Errorf("read upload: %w", err))
		return
	}

	generate, _ := strconv.ParseBool(c.DefaultPostForm("generate_report", "false"))

	ctx, cancel := context.WithTimeout(c.Request.Context(), diagnosisTimeout)
	defer cancel()

	pred, err := h.diagnosis.Predict(ctx, services.PredictRequest{
		Model:          c.PostForm("model"),
		Filename:       header.Filename,
		Image:          image,
		GenerateReport: generate,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, pred)
}

// RenderReport 渲染 PDF 报告
// @Router /api/predict/report [post]
func (h *DiagnosisHandler) RenderReport(c *gin.Context) {
	var req inference.ReportRequest
	if !bindJSON(c, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), diagnosisTimeout)
	defer cancel()

	doc, err := h.diagnosis.RenderReport(ctx, req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	filename := fmt.Sprintf("%s_report_%s.pdf", req.Model, time.Now().Format("20060102_150405"))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Data(http.StatusOK, "application/pdf", doc)
}

type assistantChatRequest struct {
	Message string `json:"message"`
}

// AssistantChat 医疗助手问答
// @Router /api/chat [post]
func (h *DiagnosisHandler) AssistantChat(c *gin.Context) {
	var req assistantChatRequest
	if !bindJSON(c, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), diagnosisTimeout)
	defer cancel()

	reply, err := h.diagnosis.Chat(ctx, req.Message)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"response": reply})
}

// CheckSymptoms 症状分诊
// @Router /api/check-symptoms [post]
func (h *DiagnosisHandler) CheckSymptoms(c *gin.Context) {
	var req services.SymptomCheckRequest
	if !bindJSON(c, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), diagnosisTimeout)
	defer cancel()

	res, err := h.diagnosis.CheckSymptoms(ctx, req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// RegisterDiagnosisRoutes 注册诊断路由
func RegisterDiagnosisRoutes(r *gin.RouterGroup, h *DiagnosisHandler) {
	r.GET("/models", h.Models)
	r.POST("/predict", h.Predict)
	r.POST("/predict/report", h.RenderReport)
	r.POST("/chat", h.AssistantChat)
	r.POST("/check-symptoms", h.CheckSymptoms)
}
