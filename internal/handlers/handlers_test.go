package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"telemed/internal/config"
	"telemed/internal/middleware"
	"telemed/internal/models"
	"telemed/internal/services"
	"telemed/internal/store"
	"telemed/pkg/inference"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeInference struct {
	result *inference.Classification
	doc    []byte
	err    error
	calls  int
}

func (f *fakeInference) Classify(ctx context.Context, req *inference.ClassifyRequest) (*inference.Classification, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeInference) GenerateReport(ctx context.Context, req *inference.ReportRequest) (string, error) {
	return "Findings consistent with " + req.Prediction, nil
}

func (f *fakeInference) RenderDocument(ctx context.Context, req *inference.ReportRequest) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.doc, nil
}

func (f *fakeInference) Chat(ctx context.Context, req *inference.ChatRequest) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "You asked: " + req.Message, nil
}

func (f *fakeInference) AnalyzeSymptoms(ctx context.Context, req *inference.SymptomRequest) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "Symptoms suggest COVID-19 Analysis is worthwhile.", nil
}

type server struct {
	router    *gin.Engine
	store     store.Store
	identity  *services.JWTIdentityProvider
	presence  *services.PresenceTracker
	chat      *services.ChatService
	hub       *services.WebSocketHub
	inference *fakeInference
	health    *HealthHandler
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newServer(t *testing.T) *server {
	t.Helper()
	ctx := context.Background()
	logger := quietLogger()
	s := store.NewMemoryStore()
	identity := services.NewJWTIdentityProvider("handler-secret", "telemed", time.Hour, 24*time.Hour, services.NewMemoryRevocationList())

	presence := services.NewPresenceTracker(s, logger)
	directory := services.NewDoctorDirectory(s, services.NopRelay{}, logger)
	chat := services.NewChatService(s, services.NopRelay{}, logger)
	video := services.NewVideoService(s, directory, services.NopRelay{}, logger)
	accounts := services.NewAccountService(s, identity, presence, logger)
	_, err := accounts.SeedSampleUsers(ctx)
	require.NoError(t, err)
	require.NoError(t, s.CreateUser(ctx, &models.User{
		ID: "patient-2", Email: "john@example.com", Name: "John Doe",
		Role: models.RolePatient, Status: models.StatusOffline,
	}))

	signaling := services.NewSignalingService(config.WebRTCConfig{
		STUNServers: []string{"stun:stun.l.google.com:19302"},
	})
	hub := services.NewWebSocketHub(config.WebSocketConfig{}, identity, presence, logger)

	fake := &fakeInference{
		result: &inference.Classification{
			Label:         "Malignant",
			Confidence:    0.8765,
			Probabilities: map[string]float64{"Benign": 0.1235, "Malignant": 0.8765},
		},
		doc: []byte("%PDF-1.4 fake"),
	}
	diagnosis := services.NewDiagnosisService(fake, fake, nil, config.UploadConfig{
		MaxFileSize:  1024,
		AllowedTypes: []string{"png", "jpg", "jpeg"},
	}, logger)
	diagnosis.SetAssistant(fake)

	health := NewHealthHandler("test", logger)
	health.AddCheck("store", true, s.Ping)

	r := gin.New()
	RegisterHealthRoutes(r, health)
	r.GET("/metrics", NewMetricsHandler(hub, diagnosis, BuildInfo{Version: "test", Commit: "abc123", BuildTime: "now"}).GetMetrics)

	public := r.Group("/api")
	protected := r.Group("/api")
	protected.Use(middleware.AuthMiddleware(identity))

	RegisterAuthRoutes(public, protected, NewAuthHandler(accounts, logger))
	RegisterDoctorRoutes(protected, NewDoctorHandler(directory, logger))
	RegisterVideoRoutes(protected, NewVideoHandler(video, signaling, logger))
	RegisterChatRoutes(protected, NewChatHandler(chat, logger))
	RegisterDiagnosisRoutes(protected, NewDiagnosisHandler(diagnosis, logger))
	RegisterWebSocketRoutes(public, protected, NewWebSocketHandler(hub))

	return &server{
		router:    r,
		store:     s,
		identity:  identity,
		presence:  presence,
		chat:      chat,
		hub:       hub,
		inference: fake,
		health:    health,
	}
}

func (s *server) token(t *testing.T, userID string) string {
	t.Helper()
	role := models.RolePatient
	if u, err := s.store.GetUser(context.Background(), userID); err == nil {
		role = u.Role
	}
	tok, err := s.identity.IssueAccessToken(context.Background(), userID, role)
	require.NoError(t, err)
	return tok
}

func (s *server) online(t *testing.T, userID string) {
	t.Helper()
	require.NoError(t, s.presence.RegisterConnection(context.Background(), "conn-"+userID, userID))
}

func (s *server) do(t *testing.T, method, path, userID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+s.token(t, userID))
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func decodeMap(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	decode(t, w, &m)
	return m
}
