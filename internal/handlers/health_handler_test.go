package handlers

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appmetrics "telemed/internal/metrics"
)

func TestHealthHandler_Healthy(t *testing.T) {
	s := newServer(t)

	w := s.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp HealthResponse
	decode(t, w, &resp)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "test", resp.Version)
	assert.Equal(t, "healthy", resp.Services["store"].Status)
	assert.True(t, resp.Services["store"].Critical)

	w = s.do(t, http.MethodGet, "/ready", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decodeMap(t, w)["ready"])
}

func TestHealthHandler_DegradedAndUnhealthy(t *testing.T) {
	s := newServer(t)
	s.health.AddCheck("redis", false, func(ctx context.Context) error { return errors.New("connection refused") })

	w := s.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp HealthResponse
	decode(t, w, &resp)
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "connection refused", resp.Services["redis"].Error)

	// 非关键依赖不影响就绪
	w = s.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	s.health.AddCheck("database", true, func(ctx context.Context) error { return errors.New("timeout") })
	w = s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	resp = HealthResponse{}
	decode(t, w, &resp)
	assert.Equal(t, "unhealthy", resp.Status)

	w = s.do(t, http.MethodGet, "/ready", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := decodeMap(t, w)
	assert.Equal(t, false, body["ready"])
	assert.Equal(t, map[string]interface{}{"store": "ready", "database": "not_ready"}, body["services"])
}

func TestMetricsHandler_ExposesCounters(t *testing.T) {
	appmetrics.Reset()
	t.Cleanup(appmetrics.Reset)
	s := newServer(t)
	s.online(t, "doctor-2")

	w := s.do(t, http.MethodPost, "/api/video/call-doctor/doctor-2", "patient-1", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	appmetrics.IncRateLimitDrop("/api/login")

	w = s.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `telemed_info{version="test",commit="abc123",build_time="now"} 1`)
	assert.Contains(t, body, "telemed_websocket_active_connections 0")
	assert.Contains(t, body, "telemed_online_users 1")
	assert.Contains(t, body, `telemed_call_transitions_by_status_total{status="pending"} 1`)
	assert.Contains(t, body, `telemed_ratelimit_dropped_by_prefix_total{prefix="/api/login"} 1`)
	assert.Contains(t, body, "telemed_inference_breaker_state 0")
	assert.NotContains(t, body, "telemed_db_open_connections")
}

func TestWebSocketHandler_Stats(t *testing.T) {
	s := newServer(t)

	w := s.do(t, http.MethodGet, "/api/ws/stats", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodGet, "/api/ws/stats", "patient-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true,"data":{"connections":0,"rooms":0,"online_users":0}}`, w.Body.String())

	// 未携带令牌的升级请求被拒绝
	w = s.do(t, http.MethodGet, "/api/ws", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
