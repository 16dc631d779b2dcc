package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telemed/internal/models"
	"telemed/pkg/apperr"
)

func TestDoctorDirectory_ListDoctorsFilters(t *testing.T) {
	env := newTestEnv(t)
	room, _, err := env.chat.OpenRoom(env.ctx, "patient-1", "doctor-3")
	require.NoError(t, err)

	all, err := env.directory.ListDoctors(env.ctx, "patient-1", DoctorFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "doctor-2", all[0].ID)
	assert.Nil(t, all[0].ExistingChatRoom)
	require.NotNil(t, all[1].ExistingChatRoom)
	assert.Equal(t, room.ID, *all[1].ExistingChatRoom)

	cardio, err := env.directory.ListDoctors(env.ctx, "patient-1", DoctorFilter{Specialty: "Cardiology"})
	require.NoError(t, err)
	require.Len(t, cardio, 1)
	assert.Equal(t, "doctor-2", cardio[0].ID)

	byName, err := env.directory.ListDoctors(env.ctx, "", DoctorFilter{Name: "emily"})
	require.NoError(t, err)
	require.Len(t, byName, 1)
	assert.Equal(t, "doctor-3", byName[0].ID)

	available := true
	avail, err := env.directory.ListDoctors(env.ctx, "", DoctorFilter{Availability: &available})
	require.NoError(t, err)
	require.Len(t, avail, 1)
	assert.Equal(t, "doctor-2", avail[0].ID)

	none, err := env.directory.ListDoctors(env.ctx, "", DoctorFilter{Specialty: "Neurology"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDoctorDirectory_GetDoctor(t *testing.T) {
	env := newTestEnv(t)
	d, err := env.directory.GetDoctor(env.ctx, "doctor-2")
	require.NoError(t, err)
	assert.Equal(t, "Cardiology", d.Specialty)

	_, err = env.directory.GetDoctor(env.ctx, "patient-1")
	assert.True(t, apperr.HasCode(err, apperr.CodeNotFound))
	_, err = env.directory.GetDoctor(env.ctx, "nobody")
	assert.True(t, apperr.HasCode(err, apperr.CodeNotFound))
}

func TestDoctorDirectory_SetAvailability(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.directory.SetAvailability(env.ctx, "doctor-2", "doctor-3", true)
	assert.True(t, apperr.HasCode(err, apperr.CodeAccessDenied))
	_, err = env.directory.SetAvailability(env.ctx, "patient-1", "patient-1", true)
	assert.True(t, apperr.HasCode(err, apperr.CodeAccessDenied))
	assert.Empty(t, env.relay.named(EventDoctorAvailabilityChange))

	u, err := env.directory.SetAvailability(env.ctx, "doctor-3", "doctor-3", true)
	require.NoError(t, err)
	assert.True(t, u.Availability)

	events := env.relay.named(EventDoctorAvailabilityChange)
	require.Len(t, events, 1)
	assert.Equal(t, "global", events[0].Scope)
	payload := events[0].Payload.(map[string]interface{})
	assert.Equal(t, "doctor-3", payload["doctor_id"])
	assert.Equal(t, true, payload["availability"])
}

func TestDoctorDirectory_AvailabilityIndependentOfStatus(t *testing.T) {
	env := newTestEnv(t)
	env.online(t, "doctor-2")
	_, err := env.directory.SetAvailability(env.ctx, "doctor-2", "doctor-2", false)
	require.NoError(t, err)

	d, err := env.directory.GetDoctor(env.ctx, "doctor-2")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOnline, d.Status)
	assert.False(t, d.Assignable())

	_, err = env.directory.AutoAssign(env.ctx)
	assert.True(t, apperr.HasCode(err, apperr.CodeNoDoctorAvailable))
}

type lastDoctorPolicy struct{}

func (lastDoctorPolicy) Pick(doctors []*models.User) (*models.User, bool) {
	if len(doctors) == 0 {
		return nil, false
	}
	return doctors[len(doctors)-1], true
}

func TestDoctorDirectory_CustomPolicy(t *testing.T) {
	env := newTestEnv(t)
	env.directory.SetPolicy(lastDoctorPolicy{})
	d, err := env.directory.AutoAssign(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, "doctor-3", d.ID)
}
