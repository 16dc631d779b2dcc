package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxResponseBody = 32 << 20

// Client 推理服务 HTTP 客户端，同时实现 Classifier 与 ReportGenerator
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *logrus.Logger
	config     *Config
}

// NewClient 创建客户端；出站请求经 otelhttp 传播追踪上下文
func NewClient(config *Config, logger *logrus.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		apiKey:  config.APIKey,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
		config: config,
	}
}

type requestBody struct {
	contentType string
	payload     []byte
}

func jsonBody(v interface{}) (*requestBody, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}
	return &requestBody{contentType: "application/json", payload: b}, nil
}

func (c *Client) createRequest(ctx context.Context, method, endpoint string, body *requestBody) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body.payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", body.contentType)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	req.Header.Set("User-Agent", "Telemed-Inference-Client/1.0")
	return req, nil
}

// doRequest 执行请求并返回响应体
func (c *Client) doRequest(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	c.logger.Debugf("inference API %s %s -> %d", req.Method, req.URL.Path, resp.StatusCode)

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		var er errorResponse
		if json.Unmarshal(body, &er) == nil {
			if er.Message != "" {
				apiErr.Message = er.Message
			} else if er.Error != "" {
				apiErr.Message = er.Error
			}
		}
		return nil, apiErr
	}
	return body, nil
}

func (c *Client) doRequestWithRetry(ctx context.Context, method, endpoint string, body *requestBody) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.config.RetryDelay * time.Duration(attempt)):
			}
			c.logger.Warnf("inference API retry attempt %d/%d", attempt, c.config.MaxRetries)
		}

		req, err := c.createRequest(ctx, method, endpoint, body)
		if err != nil {
			return nil, err
		}
		out, err := c.doRequest(req)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !shouldRetry(ctx, err) {
			break
		}
	}
	return nil, lastErr
}

// shouldRetry 网络错误与 5xx/429 重试，其余 4xx 不重试
func shouldRetry(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return true
}

func (c *Client) doJSON(ctx context.Context, method, endpoint string, in, out interface{}) error {
	var body *requestBody
	if in != nil {
		b, err := jsonBody(in)
		if err != nil {
			return err
		}
		body = b
	}
	raw, err := c.doRequestWithRetry(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// Classify 上传图像并返回分类结果
func (c *Client) Classify(ctx context.Context, req *ClassifyRequest) (*Classification, error) {
	if req == nil || len(req.Image) == 0 {
		return nil, fmt.Errorf("image is required")
	}
	if req.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("model", req.Model); err != nil {
		return nil, fmt.Errorf("write model field: %w", err)
	}
	part, err := w.CreateFormFile("file", req.Filename)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(req.Image); err != nil {
		return nil, fmt.Errorf("write image: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	raw, err := c.doRequestWithRetry(ctx, http.MethodPost, "/v1/classify", &requestBody{
		contentType: w.FormDataContentType(),
		payload:     buf.Bytes(),
	})
	if err != nil {
		return nil, err
	}
	var out Classification
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if out.Label == "" {
		return nil, fmt.Errorf("classifier returned no label")
	}
	return &out, nil
}

// GenerateReport 生成报告正文
func (c *Client) GenerateReport(ctx context.Context, req *ReportRequest) (string, error) {
	var out reportResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/reports", req, &out); err != nil {
		return "", err
	}
	return out.Content, nil
}

// RenderDocument 将报告渲染为 PDF
func (c *Client) RenderDocument(ctx context.Context, req *ReportRequest) ([]byte, error) {
	body, err := jsonBody(req)
	if err != nil {
		return nil, err
	}
	return c.doRequestWithRetry(ctx, http.MethodPost, "/v1/reports/render", body)
}

// Chat 医疗助手单轮对话
func (c *Client) Chat(ctx context.Context, req *ChatRequest) (string, error) {
	var out chatResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/assistant/chat", req, &out); err != nil {
		return "", err
	}
	return out.Response, nil
}

// AnalyzeSymptoms 根据症状与病史生成分诊分析
func (c *Client) AnalyzeSymptoms(ctx context.Context, req *SymptomRequest) (string, error) {
	var out symptomResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/assistant/symptoms", req, &out); err != nil {
		return "", err
	}
	if out.Analysis == "" {
		return "", fmt.Errorf("assistant returned an empty analysis")
	}
	return out.Analysis, nil
}

// HealthCheck 健康检查
func (c *Client) HealthCheck(ctx context.Context) error {
	var resp healthResponse
	if err := c.doJSON(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.Status != "healthy" && resp.Status != "ok" {
		return fmt.Errorf("service unhealthy: %s", resp.Status)
	}
	return nil
}

// GetStats 客户端配置快照
func (c *Client) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"base_url":    c.baseURL,
		"timeout":     c.config.Timeout.String(),
		"max_retries": c.config.MaxRetries,
	}
}
