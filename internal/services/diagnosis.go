package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"telemed/internal/config"
	"telemed/pkg/apperr"
	"telemed/pkg/inference"
	"telemed/pkg/utils"
)

// PredictRequest 图像诊断请求
type PredictRequest struct {
	Model          string
	Filename       string
	Image          []byte
	GenerateReport bool
}

// Prediction 诊断结果，置信度为百分比
type Prediction struct {
	Prediction    string             `json:"prediction"`
	Confidence    float64            `json:"confidence"`
	ModelUsed     string             `json:"model_used"`
	DisplayName   string             `json:"display_name"`
	Probabilities map[string]float64 `json:"probabilities"`
	ReportContent string             `json:"report_content,omitempty"`
}

// DiagnosisService 外部分类器与报告生成的网关
type DiagnosisService struct {
	classifier inference.Classifier
	reports    inference.ReportGenerator
	assistant  inference.Assistant
	breaker    *CircuitBreaker
	upload     config.UploadConfig
	logger     *logrus.Logger
}

// NewDiagnosisService 创建诊断网关；classifier 为空表示未启用
func NewDiagnosisService(classifier inference.Classifier, reports inference.ReportGenerator, breaker *CircuitBreaker, upload config.UploadConfig, logger *logrus.Logger) *DiagnosisService {
	if logger == nil {
		logger = logrus.New()
	}
	if upload.MaxFileSize <= 0 {
		upload.MaxFileSize = 16 << 20
	}
	if len(upload.AllowedTypes) == 0 {
		upload.AllowedTypes = []string{"png", "jpg", "jpeg"}
	}
	return &DiagnosisService{
		classifier: classifier,
		reports:    reports,
		breaker:    breaker,
		upload:     upload,
		logger:     logger,
	}
}

// Models 可用模型注册表，按键索引
func (d *DiagnosisService) Models() map[string]inference.ModelInfo {
	out := make(map[string]inference.ModelInfo)
	for _, m := range inference.Models() {
		out[m.Key] = m
	}
	return out
}

// MaxFileSize 上传大小上限
func (d *DiagnosisService) MaxFileSize() int64 { return d.upload.MaxFileSize }

// AllowedFile 扩展名是否在白名单内
func (d *DiagnosisService) AllowedFile(filename string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	if ext == "" {
		return false
	}
	for _, t := range d.upload.AllowedTypes {
		if strings.EqualFold(strings.TrimPrefix(t, "."), ext) {
			return true
		}
	}
	return false
}

// Predict 校验上传并调用分类器
func (d *DiagnosisService) Predict(ctx context.Context, req PredictRequest) (*Prediction, error) {
	if req.Model == "" {
		req.Model = inference.DefaultModel
	}
	model, ok := inference.LookupModel(req.Model)
	if !ok {
		return nil, apperr.Validation("Invalid model selection")
	}
	if strings.TrimSpace(req.Filename) == "" {
		return nil, apperr.Validation("No selected file")
	}
	if !d.AllowedFile(req.Filename) {
		return nil, apperr.Validation("Invalid file type")
	}
	if len(req.Image) == 0 {
		return nil, apperr.Validation("No file part")
	}
	if int64(len(req.Image)) > d.upload.MaxFileSize {
		return nil, apperr.Newf(apperr.CodeValidation, "file exceeds the %d byte limit", d.upload.MaxFileSize)
	}
	if d.classifier == nil {
		return nil, apperr.Unavailable("diagnosis service is not configured")
	}

	ctx, span := tracer.Start(ctx, "diagnosis.predict")
	defer span.End()
	span.SetAttributes(attribute.String("model", model.Key))

	var result *inference.Classification
	err := d.guard(ctx, func(ctx context.Context) error {
		var err error
		result, err = d.classifier.Classify(ctx, &inference.ClassifyRequest{
			Model:    model.Key,
			Filename: filepath.Base(req.Filename),
			Image:    req.Image,
		})
		return err
	})
	if err != nil {
		return nil, d.translate(err, "classification failed")
	}

	pred := &Prediction{
		Prediction:    result.Label,
		Confidence:    percent(result.Confidence),
		ModelUsed:     model.Key,
		DisplayName:   model.DisplayName,
		Probabilities: make(map[string]float64, len(result.Probabilities)),
	}
	for label, p := range result.Probabilities {
		pred.Probabilities[label] = percent(p)
	}

	if req.GenerateReport && d.reports != nil {
		var content string
		err := d.guard(ctx, func(ctx context.Context) error {
			var err error
			content, err = d.reports.GenerateReport(ctx, reportRequestFor(pred))
			return err
		})
		if err != nil {
			// 报告失败不影响分类结果
			d.logger.WithError(err).WithField("model", model.Key).Warn("report generation failed")
		} else {
			pred.ReportContent = content
		}
	}

	d.logger.WithFields(logrus.Fields{
		"model":      model.Key,
		"prediction": pred.Prediction,
		"confidence": pred.Confidence,
	}).Info("prediction completed")
	return pred, nil
}

// RenderReport 渲染 PDF 报告
func (d *DiagnosisService) RenderReport(ctx context.Context, req inference.ReportRequest) ([]byte, error) {
	model, ok := inference.LookupModel(req.Model)
	if !ok {
		return nil, apperr.Validation("Invalid model selection")
	}
	if strings.TrimSpace(req.Prediction) == "" {
		return nil, apperr.Validation("prediction is required")
	}
	if d.reports == nil {
		return nil, apperr.Unavailable("report generator is not configured")
	}
	if req.DisplayName == "" {
		req.DisplayName = model.DisplayName
	}

	ctx, span := tracer.Start(ctx, "diagnosis.render_report")
	defer span.End()

	var doc []byte
	err := d.guard(ctx, func(ctx context.Context) error {
		var err error
		doc, err = d.reports.RenderDocument(ctx, &req)
		return err
	})
	if err != nil {
		return nil, d.translate(err, "report rendering failed")
	}
	return doc, nil
}

// SymptomCheckRequest 症状分诊请求
type SymptomCheckRequest struct {
	Symptoms       string `json:"symptoms"`
	Age            string `json:"age"`
	Gender         string `json:"gender"`
	MedicalHistory string `json:"medicalHistory"`
}

// SymptomCheckResult 分诊分析与推荐模型
type SymptomCheckResult struct {
	Analysis          string                          `json:"analysis"`
	RecommendedModels []inference.ModelRecommendation `json:"recommended_models"`
}

// SetAssistant 设置医疗助手
func (d *DiagnosisService) SetAssistant(assistant inference.Assistant) {
	d.assistant = assistant
}

// Chat 医疗助手单轮问答
func (d *DiagnosisService) Chat(ctx context.Context, message string) (string, error) {
	message, ok := utils.NormalizeMessage(message)
	if !ok {
		if message == "" {
			return "", apperr.Validation("No message provided")
		}
		return "", apperr.Newf(apperr.CodeValidation, "message exceeds %d characters", utils.MaxMessageLength)
	}
	if d.assistant == nil {
		return "", apperr.Unavailable("assistant is not configured")
	}

	ctx, span := tracer.Start(ctx, "diagnosis.chat")
	defer span.End()

	var reply string
	err := d.guard(ctx, func(ctx context.Context) error {
		var err error
		reply, err = d.assistant.Chat(ctx, &inference.ChatRequest{Message: message})
		return err
	})
	if err != nil {
		return "", d.translate(err, "assistant chat failed")
	}
	return reply, nil
}

// CheckSymptoms 症状分诊，并根据分析文本推荐可用模型
func (d *DiagnosisService) CheckSymptoms(ctx context.Context, req SymptomCheckRequest) (*SymptomCheckResult, error) {
	symptoms, ok := utils.NormalizeMessage(req.Symptoms)
	if !ok {
		if symptoms == "" {
			return nil, apperr.Validation("No symptoms provided")
		}
		return nil, apperr.Newf(apperr.CodeValidation, "symptoms exceed %d characters", utils.MaxMessageLength)
	}
	if d.assistant == nil {
		return nil, apperr.Unavailable("assistant is not configured")
	}

	ctx, span := tracer.Start(ctx, "diagnosis.check_symptoms")
	defer span.End()

	var analysis string
	err := d.guard(ctx, func(ctx context.Context) error {
		var err error
		analysis, err = d.assistant.AnalyzeSymptoms(ctx, &inference.SymptomRequest{
			Symptoms:       symptoms,
			Age:            strings.TrimSpace(req.Age),
			Gender:         strings.TrimSpace(req.Gender),
			MedicalHistory: strings.TrimSpace(req.MedicalHistory),
		})
		return err
	})
	if err != nil {
		return nil, d.translate(err, "symptom analysis failed")
	}
	return &SymptomCheckResult{
		Analysis:          analysis,
		RecommendedModels: inference.RecommendModels(analysis),
	}, nil
}

// BreakerStats 熔断器状态
func (d *DiagnosisService) BreakerStats() map[string]interface{} {
	if d.breaker == nil {
		return map[string]interface{}{"state": "disabled"}
	}
	return d.breaker.Stats()
}

func (d *DiagnosisService) guard(ctx context.Context, fn func(context.Context) error) error {
	if d.breaker == nil {
		return fn(ctx)
	}
	return d.breaker.Execute(ctx, fn)
}

func (d *DiagnosisService) translate(err error, msg string) error {
	if apperr.CodeOf(err) != apperr.CodeInternal {
		return err
	}
	var apiErr *inference.APIError
	if errors.As(err, &apiErr) && !apiErr.Temporary() {
		return apperr.Wrap(apperr.CodeValidation, apiErr.Message, err)
	}
	d.logger.WithError(err).Error(msg)
	return apperr.Wrap(apperr.CodeUnavailable, fmt.Sprintf("%s: upstream unavailable", msg), err)
}

func reportRequestFor(p *Prediction) *inference.ReportRequest {
	return &inference.ReportRequest{
		Model:       p.ModelUsed,
		DisplayName: p.DisplayName,
		Prediction:  p.Prediction,
		Confidence:  p.Confidence,
	}
}

func percent(p float64) float64 {
	return math.Round(p*10000) / 100
}
