package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"telemed/internal/models"
	"telemed/internal/store"
)

type relayEvent struct {
	Scope   string
	Target  string
	Event   string
	Payload interface{}
	Exclude string
}

// recordingRelay 记录全部事件，同时支持 mock 断言
type recordingRelay struct {
	mock.Mock
	mu     sync.Mutex
	events []relayEvent
}

func newRecordingRelay() *recordingRelay {
	r := &recordingRelay{}
	r.On("BroadcastToRoom", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Maybe()
	r.On("BroadcastToUser", mock.Anything, mock.Anything, mock.Anything).Maybe()
	r.On("BroadcastGlobal", mock.Anything, mock.Anything, mock.Anything).Maybe()
	return r
}

func (r *recordingRelay) record(e relayEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingRelay) BroadcastToRoom(roomID, event string, payload interface{}, excludeConn string) {
	r.Called(roomID, event, payload, excludeConn)
	r.record(relayEvent{Scope: "room", Target: roomID, Event: event, Payload: payload, Exclude: excludeConn})
}

func (r *recordingRelay) BroadcastToUser(userID, event string, payload interface{}) {
	r.Called(userID, event, payload)
	r.record(relayEvent{Scope: "user", Target: userID, Event: event, Payload: payload})
}

func (r *recordingRelay) BroadcastGlobal(event string, payload interface{}, excludeConn string) {
	r.Called(event, payload, excludeConn)
	r.record(relayEvent{Scope: "global", Event: event, Payload: payload, Exclude: excludeConn})
}

func (r *recordingRelay) named(event string) []relayEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []relayEvent
	for _, e := range r.events {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

func (r *recordingRelay) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	ctx       context.Context
	store     store.Store
	relay     *recordingRelay
	clock     *fakeClock
	presence  *PresenceTracker
	directory *DoctorDirectory
	chat      *ChatService
	video     *VideoService
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()
	relay := newRecordingRelay()
	clock := newFakeClock()
	logger := quietLogger()

	for _, u := range []*models.User{
		{ID: "patient-1", Email: "jane@example.com", Name: "Jane Smith", Role: models.RolePatient, Status: models.StatusOffline},
		{ID: "patient-2", Email: "john@example.com", Name: "John Doe", Role: models.RolePatient, Status: models.StatusOffline},
		{ID: "doctor-2", Email: "chen@example.com", Name: "Dr. Michael Chen", Role: models.RoleDoctor, Specialty: "Cardiology", Availability: true, Status: models.StatusOffline},
		{ID: "doctor-3", Email: "rodriguez@example.com", Name: "Dr. Emily Rodriguez", Role: models.RoleDoctor, Specialty: "Dermatology", Availability: false, Status: models.StatusOffline},
	} {
		u.CreatedAt = clock.Now()
		require.NoError(t, s.CreateUser(ctx, u))
	}

	presence := NewPresenceTracker(s, logger)
	presence.SetRelay(relay)
	directory := NewDoctorDirectory(s, relay, logger)
	chat := NewChatService(s, relay, logger)
	chat.now = clock.Now
	video := NewVideoService(s, directory, relay, logger)
	video.now = clock.Now

	return &testEnv{
		ctx:       ctx,
		store:     s,
		relay:     relay,
		clock:     clock,
		presence:  presence,
		directory: directory,
		chat:      chat,
		video:     video,
	}
}

// online 为用户注册一个连接
func (e *testEnv) online(t *testing.T, userID string) {
	t.Helper()
	require.NoError(t, e.presence.RegisterConnection(e.ctx, "conn-"+userID, userID))
}
