package handlers

import (
	"context"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// CheckFunc 依赖探测，返回 nil 表示健康
type CheckFunc func(ctx context.Context) error

type healthCheck struct {
	name     string
	critical bool
	fn       CheckFunc
}

// HealthHandler 健康与就绪检查
type HealthHandler struct {
	version   string
	startedAt time.Time
	checks    []healthCheck
	logger    *logrus.Logger
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(version string, logger *logrus.Logger) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startedAt: time.Now(),
		logger:    ensureLogger(logger),
	}
}

// AddCheck 注册依赖检查；critical 检查失败时服务不可用且未就绪，其余只降级
func (h *HealthHandler) AddCheck(name string, critical bool, fn CheckFunc) {
	h.checks = append(h.checks, healthCheck{name: name, critical: critical, fn: fn})
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]ServiceInfo `json:"services"`
	System    SystemInfo             `json:"system"`
}

// ServiceInfo 单个依赖状态
type ServiceInfo struct {
	Status   string `json:"status"`
	Critical bool   `json:"critical"`
	Latency  string `json:"latency,omitempty"`
	Error    string `json:"error,omitempty"`
}

// SystemInfo 系统信息
type SystemInfo struct {
	Uptime     string `json:"uptime"`
	GoVersion  string `json:"go_version"`
	Goroutines int    `json:"goroutines"`
}

func (h *HealthHandler) runChecks(ctx context.Context) (map[string]ServiceInfo, bool, bool) {
	results := make(map[string]ServiceInfo, len(h.checks))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, chk := range h.checks {
		wg.Add(1)
		go func(chk healthCheck) {
			defer wg.Done()
			start := time.Now()
			err := chk.fn(ctx)
			info := ServiceInfo{
				Status:   "healthy",
				Critical: chk.critical,
				Latency:  time.Since(start).String(),
			}
			if err != nil {
				info.Status = "unhealthy"
				info.Error = err.Error()
			}
			mu.Lock()
			results[chk.name] = info
			mu.Unlock()
		}(chk)
	}
	wg.Wait()

	criticalOK, allOK := true, true
	for _, info := range results {
		if info.Status == "healthy" {
			continue
		}
		allOK = false
		if info.Critical {
			criticalOK = false
		}
	}
	return results, criticalOK, allOK
}

// Health 健康检查
// @Router /health [get]
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	results, criticalOK, allOK := h.runChecks(ctx)
	resp := HealthResponse{
		Status:    "healthy",
		Version:   h.version,
		Timestamp: time.Now(),
		Services:  results,
		System: SystemInfo{
			Uptime:     time.Since(h.startedAt).Round(time.Second).String(),
			GoVersion:  runtime.Version(),
			Goroutines: runtime.NumGoroutine(),
		},
	}

	status := http.StatusOK
	switch {
	case !criticalOK:
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	case !allOK:
		resp.Status = "degraded"
	}
	if !allOK {
		failed := make([]string, 0)
		for name, info := range results {
			if info.Status != "healthy" {
				failed = append(failed, name)
			}
		}
		sort.Strings(failed)
		h.logger.WithField("failed", failed).Warn("health check reported failures")
	}
	c.JSON(status, resp)
}

// Ready 就绪检查，只看关键依赖
// @Router /ready [get]
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	results, criticalOK, _ := h.runChecks(ctx)
	services := make(map[string]string, len(results))
	for name, info := range results {
		if !info.Critical {
			continue
		}
		if info.Status == "healthy" {
			services[name] = "ready"
		} else {
			services[name] = "not_ready"
		}
	}

	status := http.StatusOK
	if !criticalOK {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"ready":     criticalOK,
		"timestamp": time.Now(),
		"services":  services,
	})
}

// RegisterHealthRoutes 注册健康检查路由
func RegisterHealthRoutes(r gin.IRoutes, h *HealthHandler) {
	r.GET("/health", h.Health)
	r.GET("/ready", h.Ready)
}
