package handlers

import (
	"database/sql"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	appmetrics "telemed/internal/metrics"
	"telemed/internal/services"
)

// BuildInfo 构建信息
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// MetricsHandler 以 Prometheus 文本格式输出运行指标
type MetricsHandler struct {
	hub       *services.WebSocketHub
	diagnosis *services.DiagnosisService
	dbStats   func() sql.DBStats
	build     BuildInfo
	startedAt time.Time
}

// NewMetricsHandler 创建指标处理器；hub 与 diagnosis 可为空
func NewMetricsHandler(hub *services.WebSocketHub, diagnosis *services.DiagnosisService, build BuildInfo) *MetricsHandler {
	return &MetricsHandler{hub: hub, diagnosis: diagnosis, build: build, startedAt: time.Now()}
}

// SetDBStats 注入连接池统计来源
func (h *MetricsHandler) SetDBStats(fn func() sql.DBStats) {
	h.dbStats = fn
}

func writeMetric(b *strings.Builder, name, typ, help string) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
}

func writeLabeled(b *strings.Builder, name, label string, by map[string]uint64) {
	keys := make([]string, 0, len(by))
	for k := range by {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "%s{%s=%q} %d\n", name, label, k, by[k])
	}
}

func breakerStateValue(state string) int {
	switch state {
	case "open":
		return 1
	case "half-open":
		return 2
	default:
		return 0
	}
}

// GetMetrics 指标输出
// @Router /metrics [get]
func (h *MetricsHandler) GetMetrics(c *gin.Context) {
	var hubStats services.HubStats
	if h.hub != nil {
		hubStats = h.hub.Stats()
	}

	b := &strings.Builder{}
	writeMetric(b, "telemed_info", "gauge", "Build information of the telemed instance")
	fmt.Fprintf(b, "telemed_info{version=%q,commit=%q,build_time=%q} 1\n\n", h.build.Version, h.build.Commit, h.build.BuildTime)

	writeMetric(b, "telemed_uptime_seconds", "counter", "Total uptime in seconds")
	fmt.Fprintf(b, "telemed_uptime_seconds %.0f\n\n", time.Since(h.startedAt).Seconds())

	writeMetric(b, "telemed_websocket_active_connections", "gauge", "Active realtime connections")
	fmt.Fprintf(b, "telemed_websocket_active_connections %d\n\n", hubStats.Connections)

	writeMetric(b, "telemed_websocket_rooms", "gauge", "Realtime rooms with at least one member")
	fmt.Fprintf(b, "telemed_websocket_rooms %d\n\n", hubStats.Rooms)

	writeMetric(b, "telemed_online_users", "gauge", "Users with at least one live connection")
	fmt.Fprintf(b, "telemed_online_users %d\n\n", hubStats.OnlineUsers)

	total, by := appmetrics.RateLimitSnapshot()
	writeMetric(b, "telemed_ratelimit_dropped_total", "counter", "Requests rejected by the rate limiter")
	fmt.Fprintf(b, "telemed_ratelimit_dropped_total %d\n", total)
	writeLabeled(b, "telemed_ratelimit_dropped_by_prefix_total", "prefix", by)
	b.WriteString("\n")

	total, by = appmetrics.RelayDropSnapshot()
	writeMetric(b, "telemed_relay_dropped_total", "counter", "Realtime events dropped for slow subscribers")
	fmt.Fprintf(b, "telemed_relay_dropped_total %d\n", total)
	writeLabeled(b, "telemed_relay_dropped_by_event_total", "event", by)
	b.WriteString("\n")

	total, by = appmetrics.CallTransitionSnapshot()
	writeMetric(b, "telemed_call_transitions_total", "counter", "Video call state transitions")
	fmt.Fprintf(b, "telemed_call_transitions_total %d\n", total)
	writeLabeled(b, "telemed_call_transitions_by_status_total", "status", by)
	b.WriteString("\n")

	writeMetric(b, "telemed_video_rooms_reaped_total", "counter", "Stale video rooms ended by the reaper")
	fmt.Fprintf(b, "telemed_video_rooms_reaped_total %d\n\n", appmetrics.ReapedRooms())

	if h.diagnosis != nil {
		state, _ := h.diagnosis.BreakerStats()["state"].(string)
		writeMetric(b, "telemed_inference_breaker_state", "gauge", "Inference circuit breaker state (0 closed, 1 open, 2 half-open)")
		fmt.Fprintf(b, "telemed_inference_breaker_state %d\n\n", breakerStateValue(state))
	}

	if h.dbStats != nil {
		s := h.dbStats()
		writeMetric(b, "telemed_db_open_connections", "gauge", "Open database connections")
		fmt.Fprintf(b, "telemed_db_open_connections %d\n", s.OpenConnections)
		writeMetric(b, "telemed_db_in_use_connections", "gauge", "Database connections in use")
		fmt.Fprintf(b, "telemed_db_in_use_connections %d\n", s.InUse)
		writeMetric(b, "telemed_db_wait_count_total", "counter", "Total waits for a database connection")
		fmt.Fprintf(b, "telemed_db_wait_count_total %d\n\n", s.WaitCount)
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	writeMetric(b, "telemed_goroutines", "gauge", "Number of goroutines")
	fmt.Fprintf(b, "telemed_goroutines %d\n", runtime.NumGoroutine())
	writeMetric(b, "telemed_memory_alloc_bytes", "gauge", "Bytes of allocated heap objects")
	fmt.Fprintf(b, "telemed_memory_alloc_bytes %d\n", mem.Alloc)

	c.Header("Content-Type", "text/plain; version=0.0.4")
	c.String(http.StatusOK, b.String())
}
