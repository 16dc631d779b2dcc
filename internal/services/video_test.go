package services

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"telemed/internal/metrics"
	"telemed/internal/models"
	"telemed/pkg/apperr"
)

func TestVideoService_PatientCallsDoctorLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.online(t, "doctor-2")

	res, err := env.video.CreateRoom(env.ctx, "patient-1", CreateRoomRequest{DoctorID: "doctor-2"})
	require.NoError(t, err)
	room := res.Room
	assert.True(t, strings.HasPrefix(room.ID, "room-"))
	assert.Equal(t, models.CallPending, room.CallStatus)
	assert.True(t, room.Active)
	assert.Nil(t, room.EndTime)
	assert.ElementsMatch(t, []string{"patient-1", "doctor-2"}, room.Participants)
	assert.Equal(t, "doctor-2", res.Callee.ID)
	env.relay.AssertCalled(t, "BroadcastToUser", "doctor-2", EventVideoCallRequest, mock.Anything)

	accepted, err := env.video.Respond(env.ctx, room.ID, "doctor-2", ResponseAccept)
	require.NoError(t, err)
	assert.Equal(t, models.CallAccepted, accepted.CallStatus)
	env.relay.AssertCalled(t, "BroadcastToUser", "patient-1", EventVideoCallAccepted, mock.Anything)

	joined, err := env.video.Join(env.ctx, room.ID, "patient-1")
	require.NoError(t, err)
	assert.Equal(t, models.CallAccepted, joined.Room.CallStatus, "join must not move an accepted call backwards")
	assert.Len(t, joined.Participants, 2)

	env.clock.Advance(12 * time.Minute)
	ended, err := env.video.End(env.ctx, room.ID, "doctor-2", EndRequest{FollowUp: "2024-03-08", Notes: "recheck BP"})
	require.NoError(t, err)
	assert.False(t, ended.Active)
	require.NotNil(t, ended.EndTime)
	require.NotNil(t, ended.EndedBy)
	assert.Equal(t, "doctor-2", *ended.EndedBy)
	assert.Equal(t, "2024-03-08", *ended.FollowUp)

	endedEvents := env.relay.named(EventVideoRoomEnded)
	require.Len(t, endedEvents, 1)
	assert.Equal(t, room.ID, endedEvents[0].Target)
	followUps := env.relay.named(EventFollowUpNotification)
	require.Len(t, followUps, 1)
	assert.Equal(t, "patient-1", followUps[0].Target)

	history, err := env.video.ListHistory(env.ctx, "patient-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 12.0, history[0].Duration)
	assert.Equal(t, "Dr. Michael Chen", history[0].OtherParticipant.Name)
}

func TestVideoService_CreateRoomDoctorChecks(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.video.CreateRoom(env.ctx, "patient-1", CreateRoomRequest{DoctorID: "doctor-2"})
	assert.True(t, apperr.HasCode(err, apperr.CodeDoctorUnavailable), "offline doctor")

	env.online(t, "doctor-3")
	_, err = env.video.CreateRoom(env.ctx, "patient-1", CreateRoomRequest{DoctorID: "doctor-3"})
	assert.True(t, apperr.HasCode(err, apperr.CodeDoctorUnavailable), "unavailable doctor")

	_, err = env.video.CreateRoom(env.ctx, "patient-1", CreateRoomRequest{DoctorID: "doctor-404"})
	assert.True(t, apperr.HasCode(err, apperr.CodeNotFound))

	_, err = env.video.CreateRoom(env.ctx, "patient-1", CreateRoomRequest{DoctorID: "patient-2"})
	assert.True(t, apperr.HasCode(err, apperr.CodeNotFound), "a patient is not a doctor")

	rooms, err := env.store.ListVideoRoomsForUser(env.ctx, "patient-1")
	require.NoError(t, err)
	assert.Empty(t, rooms, "failed validation must not create rooms")
}

func TestVideoService_AutoAssign(t *testing.T) {
	env := newTestEnv(t)
	env.online(t, "doctor-3")

	_, err := env.video.CreateRoom(env.ctx, "patient-1", CreateRoomRequest{})
	assert.True(t, apperr.HasCode(err, apperr.CodeNoDoctorAvailable))

	env.online(t, "doctor-2")
	res, err := env.video.CreateRoom(env.ctx, "patient-1", CreateRoomRequest{})
	require.NoError(t, err)
	assert.Equal(t, "doctor-2", res.Room.DoctorID)
}

func TestVideoService_DoctorInitiated(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.video.CreateRoom(env.ctx, "doctor-2", CreateRoomRequest{})
	assert.True(t, apperr.HasCode(err, apperr.CodeMissingParticipant))

	_, err = env.video.CreateRoom(env.ctx, "doctor-2", CreateRoomRequest{PatientID: "patient-99"})
	assert.True(t, apperr.HasCode(err, apperr.CodeNotFound))

	res, err := env.video.CreateRoom(env.ctx, "doctor-2", CreateRoomRequest{PatientID: "patient-1"})
	require.NoError(t, err)
	assert.Equal(t, "doctor-2", res.Room.Creator)
	assert.Equal(t, "patient-1", res.Room.PatientID)
	calls := env.relay.named(EventVideoCallRequest)
	require.Len(t, calls, 1)
	assert.Equal(t, "patient-1", calls[0].Target)
	payload := calls[0].Payload.(map[string]interface{})
	assert.Equal(t, "Cardiology", payload["doctor_specialty"])
}

func TestVideoService_CallDoctorRequiresPatient(t *testing.T) {
	env := newTestEnv(t)
	env.online(t, "doctor-2")

	_, err := env.video.CallDoctor(env.ctx, "doctor-3", "doctor-2")
	assert.True(t, apperr.HasCode(err, apperr.CodeAccessDenied))

	res, err := env.video.CallDoctor(env.ctx, "patient-1", "doctor-2")
	require.NoError(t, err)
	assert.Equal(t, "doctor-2", res.Callee.ID)
}

func TestVideoService_NonParticipantDenied(t *testing.T) {
	env := newTestEnv(t)
	env.online(t, "doctor-2")
	res, err := env.video.CreateRoom(env.ctx, "patient-1", CreateRoomRequest{DoctorID: "doctor-2"})
	require.NoError(t, err)
	id := res.Room.ID

	_, err = env.video.Join(env.ctx, id, "patient-2")
	assert.True(t, apperr.HasCode(err, apperr.CodeAccessDenied))
	_, err = env.video.Respond(env.ctx, id, "patient-2", ResponseAccept)
	assert.True(t, apperr.HasCode(err, apperr.CodeAccessDenied))
	_, err = env.video.End(env.ctx, id, "patient-2", EndRequest{})
	assert.True(t, apperr.HasCode(err, apperr.CodeAccessDenied))

	_, err = env.video.Join(env.ctx, "room-missing", "patient-1")
	assert.True(t, apperr.HasCode(err, apperr.CodeNotFound))

	room, err := env.store.GetVideoRoom(env.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.CallPending, room.CallStatus)
	assert.True(t, room.Active)
}

func TestVideoService_JoinAdvancesPending(t *testing.T) {
	env := newTestEnv(t)
	env.online(t, "doctor-2")
	res, err := env.video.CreateRoom(env.ctx, "patient-1", CreateRoomRequest{DoctorID: "doctor-2"})
	require.NoError(t, err)

	joined, err := env.video.Join(env.ctx, res.Room.ID, "doctor-2")
	require.NoError(t, err)
	assert.Equal(t, models.CallConnected, joined.Room.CallStatus)
	require.Len(t, env.relay.named(EventUserJoinedVideo), 1)

	_, err = env.video.End(env.ctx, res.Room.ID, "patient-1", EndRequest{})
	require.NoError(t, err)
	_, err = env.video.Join(env.ctx, res.Room.ID, "doctor-2")
	assert.True(t, apperr.HasCode(err, apperr.CodeInvalidState))
}

func TestVideoService_RejectIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	env.online(t, "doctor-2")
	res, err := env.video.CreateRoom(env.ctx, "patient-1", CreateRoomRequest{DoctorID: "doctor-2"})
	require.NoError(t, err)
	id := res.Room.ID

	_, err = env.video.Respond(env.ctx, id, "doctor-2", "maybe")
	assert.True(t, apperr.HasCode(err, apperr.CodeValidation))

	rejected, err := env.video.Respond(env.ctx, id, "doctor-2", ResponseReject)
	require.NoError(t, err)
	assert.False(t, rejected.Active)
	assert.Equal(t, models.CallRejected, rejected.CallStatus)
	require.NotNil(t, rejected.EndTime)
	assert.Equal(t, "Call rejected by Dr. Michael Chen", *rejected.EndReason)
	env.relay.AssertCalled(t, "BroadcastToUser", "patient-1", EventVideoCallRejected, mock.Anything)

	_, err = env.video.Respond(env.ctx, id, "doctor-2", ResponseReject)
	require.NoError(t, err)
	assert.Len(t, env.relay.named(EventVideoCallRejected), 1, "repeat reject is a no-op")

	_, err = env.video.Respond(env.ctx, id, "doctor-2", ResponseAccept)
	assert.True(t, apperr.HasCode(err, apperr.CodeInvalidState))
}

func TestVideoService_IdempotentAcceptAndEnd(t *testing.T) {
	env := newTestEnv(t)
	env.online(t, "doctor-2")
	res, err := env.video.CreateRoom(env.ctx, "patient-1", CreateRoomRequest{DoctorID: "doctor-2"})
	require.NoError(t, err)
	id := res.Room.ID

	for i := 0; i < 2; i++ {
		_, err = env.video.Respond(env.ctx, id, "doctor-2", ResponseAccept)
		require.NoError(t, err)
	}
	assert.Len(t, env.relay.named(EventVideoCallAccepted), 1)

	_, err = env.video.Respond(env.ctx, id, "patient-1", ResponseReject)
	assert.True(t, apperr.HasCode(err, apperr.CodeInvalidState), "accepted call cannot be rejected")

	first, err := env.video.End(env.ctx, id, "patient-1", EndRequest{Reason: "done"})
	require.NoError(t, err)
	second, err := env.video.End(env.ctx, id, "doctor-2", EndRequest{Reason: "again"})
	require.NoError(t, err)
	assert.Equal(t, *first.EndTime, *second.EndTime)
	assert.Equal(t, "done", *second.EndReason)
	assert.Len(t, env.relay.named(EventVideoRoomEnded), 1)
}

func TestVideoService_PatientEndWithFollowUpDoesNotNotify(t *testing.T) {
	env := newTestEnv(t)
	env.online(t, "doctor-2")
	res, err := env.video.CreateRoom(env.ctx, "patient-1", CreateRoomRequest{DoctorID: "doctor-2"})
	require.NoError(t, err)

	_, err = env.video.End(env.ctx, res.Room.ID, "patient-1", EndRequest{FollowUp: "next week"})
	require.NoError(t, err)
	assert.Empty(t, env.relay.named(EventFollowUpNotification))
}

func TestVideoService_ReapStaleThreshold(t *testing.T) {
	metrics.Reset()
	env := newTestEnv(t)
	env.online(t, "doctor-2")
	res, err := env.video.CreateRoom(env.ctx, "patient-1", CreateRoomRequest{DoctorID: "doctor-2"})
	require.NoError(t, err)
	id := res.Room.ID

	env.clock.Advance(29*time.Minute + 59*time.Second)
	n, err := env.video.ReapStale(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	env.clock.Advance(time.Second)
	n, err = env.video.ReapStale(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	room, err := env.store.GetVideoRoom(env.ctx, id)
	require.NoError(t, err)
	assert.False(t, room.Active)
	require.NotNil(t, room.EndTime)
	assert.Equal(t, "System", *room.EndedBy)
	assert.Equal(t, "Call automatically ended due to inactivity", *room.EndReason)

	ended := env.relay.named(EventVideoRoomEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, "System", ended[0].Payload.(map[string]interface{})["ended_by"])
	assert.Equal(t, uint64(1), metrics.ReapedRooms())

	n, err = env.video.ReapStale(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestVideoService_ConcurrentTerminalTransitions(t *testing.T) {
	for i := 0; i < 100; i++ {
		env := newTestEnv(t)
		env.online(t, "doctor-2")
		res, err := env.video.CreateRoom(env.ctx, "patient-1", CreateRoomRequest{DoctorID: "doctor-2"})
		require.NoError(t, err)
		id := res.Room.ID
		env.clock.Advance(31 * time.Minute)

		start := make(chan struct{})
		var wg sync.WaitGroup
		run := func(fn func()) {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				fn()
			}()
		}
		run(func() { _, _ = env.video.End(env.ctx, id, "patient-1", EndRequest{Reason: "done"}) })
		run(func() { _, _ = env.video.ReapStale(env.ctx) })
		run(func() { _, _ = env.video.Respond(env.ctx, id, "doctor-2", ResponseAccept) })
		run(func() { _, _ = env.video.Respond(env.ctx, id, "doctor-2", ResponseReject) })
		close(start)
		wg.Wait()

		room, err := env.store.GetVideoRoom(env.ctx, id)
		require.NoError(t, err)
		assert.False(t, room.Active)
		require.NotNil(t, room.EndTime)

		ended := len(env.relay.named(EventVideoRoomEnded))
		rejected := len(env.relay.named(EventVideoCallRejected))
		accepted := len(env.relay.named(EventVideoCallAccepted))
		assert.Equal(t, 1, ended+rejected, "exactly one terminal event (iteration %d)", i)
		assert.LessOrEqual(t, accepted+rejected, 1, "accept and reject are exclusive (iteration %d)", i)
		if rejected == 1 {
			assert.Equal(t, models.CallRejected, room.CallStatus)
		}
	}
}

func TestVideoService_ListActiveAndHistoryOrder(t *testing.T) {
	env := newTestEnv(t)
	env.online(t, "doctor-2")

	var ids []string
	for i := 0; i < 3; i++ {
		res, err := env.video.CreateRoom(env.ctx, "patient-1", CreateRoomRequest{DoctorID: "doctor-2"})
		require.NoError(t, err)
		ids = append(ids, res.Room.ID)
		env.clock.Advance(time.Minute)
	}
	_, err := env.video.End(env.ctx, ids[0], "patient-1", EndRequest{})
	require.NoError(t, err)
	_, err = env.video.End(env.ctx, ids[2], "patient-1", EndRequest{})
	require.NoError(t, err)

	active, err := env.video.ListActive(env.ctx, "doctor-2")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, ids[1], active[0].ID)
	assert.Equal(t, "patient-1", active[0].OtherParticipant.ID)

	history, err := env.video.ListHistory(env.ctx, "patient-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, ids[2], history[0].ID)
	assert.Equal(t, ids[0], history[1].ID)

	for _, h := range history {
		room, err := env.store.GetVideoRoom(env.ctx, h.ID)
		require.NoError(t, err)
		assert.Equal(t, !room.Active, room.EndTime != nil)
	}
}

func TestVideoService_CanAccess(t *testing.T) {
	env := newTestEnv(t)
	env.online(t, "doctor-2")
	res, err := env.video.CreateRoom(env.ctx, "patient-1", CreateRoomRequest{DoctorID: "doctor-2"})
	require.NoError(t, err)

	found, allowed, err := env.video.CanAccess(env.ctx, res.Room.ID, "patient-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, allowed)

	found, allowed, err = env.video.CanAccess(env.ctx, res.Room.ID, "patient-2")
	require.NoError(t, err)
	assert.True(t, found)
	assert.False(t, allowed)

	found, _, err = env.video.CanAccess(env.ctx, "room-nope", "patient-1")
	require.NoError(t, err)
	assert.False(t, found)
}
