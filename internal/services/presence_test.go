package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telemed/internal/models"
	"telemed/pkg/apperr"
)

func TestPresenceTracker_RegisterAndUnregister(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.presence.RegisterConnection(env.ctx, "h1", "patient-1"))
	status, err := env.presence.GetStatus(env.ctx, "patient-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOnline, status)

	changes := env.relay.named(EventUserStatusChange)
	require.Len(t, changes, 1)
	assert.Equal(t, "global", changes[0].Scope)
	assert.Equal(t, "h1", changes[0].Exclude)
	assert.Equal(t, models.StatusOnline, changes[0].Payload.(map[string]interface{})["status"])

	assert.Equal(t, []string{"h1"}, env.presence.ConnectionsOf("patient-1"))

	env.presence.UnregisterConnection(env.ctx, "h1")
	status, err = env.presence.GetStatus(env.ctx, "patient-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOffline, status)
	assert.Empty(t, env.presence.ConnectionsOf("patient-1"))
	assert.Len(t, env.relay.named(EventUserStatusChange), 2)
}

func TestPresenceTracker_UnknownHandleIsSilent(t *testing.T) {
	env := newTestEnv(t)
	env.presence.UnregisterConnection(env.ctx, "never-registered")
	assert.Empty(t, env.relay.named(EventUserStatusChange))
}

func TestPresenceTracker_MultipleConnections(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.presence.RegisterConnection(env.ctx, "tab-1", "doctor-2"))
	require.NoError(t, env.presence.RegisterConnection(env.ctx, "tab-2", "doctor-2"))
	assert.ElementsMatch(t, []string{"tab-1", "tab-2"}, env.presence.ConnectionsOf("doctor-2"))
	assert.Equal(t, 1, env.presence.OnlineCount())

	env.presence.UnregisterConnection(env.ctx, "tab-1")
	status, err := env.presence.GetStatus(env.ctx, "doctor-2")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOnline, status, "still connected through tab-2")

	env.presence.UnregisterConnection(env.ctx, "tab-2")
	status, err = env.presence.GetStatus(env.ctx, "doctor-2")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOffline, status)
	assert.Equal(t, 0, env.presence.OnlineCount())
}

func TestPresenceTracker_RebindHandle(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.presence.RegisterConnection(env.ctx, "h", "patient-1"))
	require.NoError(t, env.presence.RegisterConnection(env.ctx, "h", "patient-2"))

	s1, err := env.presence.GetStatus(env.ctx, "patient-1")
	require.NoError(t, err)
	s2, err := env.presence.GetStatus(env.ctx, "patient-2")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOffline, s1)
	assert.Equal(t, models.StatusOnline, s2)
}

func TestPresenceTracker_Errors(t *testing.T) {
	env := newTestEnv(t)
	err := env.presence.RegisterConnection(env.ctx, "", "patient-1")
	assert.True(t, apperr.HasCode(err, apperr.CodeValidation))
	err = env.presence.RegisterConnection(env.ctx, "h", "ghost")
	assert.True(t, apperr.HasCode(err, apperr.CodeNotFound))
	_, err = env.presence.GetStatus(env.ctx, "ghost")
	assert.True(t, apperr.HasCode(err, apperr.CodeNotFound))
}

func TestPresenceTracker_MarkOffline(t *testing.T) {
	env := newTestEnv(t)
	env.online(t, "patient-1")
	require.NoError(t, env.presence.MarkOffline(env.ctx, "patient-1"))
	status, err := env.presence.GetStatus(env.ctx, "patient-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOffline, status)
	assert.Len(t, env.relay.named(EventUserStatusChange), 2)
}
