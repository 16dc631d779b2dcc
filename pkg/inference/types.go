package inference

import (
	"context"
	"fmt"
	"time"
)

// Classifier 图像分类
type Classifier interface {
	Classify(ctx context.Context, req *ClassifyRequest) (*Classification, error)
}

// ReportGenerator 诊断报告文本生成与文档渲染
type ReportGenerator interface {
	GenerateReport(ctx context.Context, req *ReportRequest) (string, error)
	RenderDocument(ctx context.Context, req *ReportRequest) ([]byte, error)
}

// Assistant 医疗助手对话与症状分诊
type Assistant interface {
	Chat(ctx context.Context, req *ChatRequest) (string, error)
	AnalyzeSymptoms(ctx context.Context, req *SymptomRequest) (string, error)
}

// ChatRequest 助手对话请求
type ChatRequest struct {
	Message string `json:"message"`
}

// SymptomRequest 症状分诊请求
type SymptomRequest struct {
	Symptoms       string `json:"symptoms"`
	Age            string `json:"age,omitempty"`
	Gender         string `json:"gender,omitempty"`
	MedicalHistory string `json:"medical_history,omitempty"`
}

type chatResponse struct {
	Response string `json:"response"`
}

type symptomResponse struct {
	Analysis string `json:"analysis"`
}

// ClassifyRequest 分类请求
type ClassifyRequest struct {
	Model    string
	Filename string
	Image    []byte
}

// Classification 分类结果，概率取值 0..1
type Classification struct {
	Label         string             `json:"label"`
	Confidence    float64            `json:"confidence"`
	Probabilities map[string]float64 `json:"probabilities"`
}

// ReportRequest 报告生成请求
type ReportRequest struct {
	Model       string  `json:"model"`
	DisplayName string  `json:"display_name"`
	Prediction  string  `json:"prediction"`
	Confidence  float64 `json:"confidence"` // 百分比
	Content     string  `json:"content,omitempty"`
}

type reportResponse struct {
	Content string `json:"content"`
}

type healthResponse struct {
	Status string `json:"status"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// APIError 推理服务返回的非 2xx 响应
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("inference API error [%d]: %s", e.StatusCode, e.Message)
}

// Temporary 5xx 与 429 可重试
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// Config 客户端配置
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		BaseURL:    "http://localhost:9000",
		Timeout:    30 * time.Second,
		MaxRetries: 3,
		RetryDelay: 1 * time.Second,
	}
}
