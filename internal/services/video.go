package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"telemed/internal/metrics"
	"telemed/internal/models"
	"telemed/internal/store"
	"telemed/pkg/apperr"
	"telemed/pkg/utils"
)

const (
	ResponseAccept = "accept"
	ResponseReject = "reject"

	systemEnder         = "System"
	inactivityEndReason = "Call automatically ended due to inactivity"
	defaultStaleAfter   = 30 * time.Minute
)

var tracer = otel.Tracer("telemed/internal/services")

// CreateRoomRequest 发起视频通话参数；患者可指定 DoctorID，医生必须指定 PatientID
type CreateRoomRequest struct {
	DoctorID  string `json:"doctor_id"`
	PatientID string `json:"patient_id"`
}

// CreateRoomResult 新建房间及双方信息
type CreateRoomResult struct {
	Room      *models.VideoRoom
	Requester *models.User
	Callee    *models.User
}

// JoinResult 加入房间后的参与者列表
type JoinResult struct {
	Room         *models.VideoRoom
	Participants []*ParticipantView
}

// EndRequest 结束通话参数
type EndRequest struct {
	Reason   string `json:"reason"`
	FollowUp string `json:"follow_up"`
	Notes    string `json:"notes"`
}

// ActiveRoomView 进行中的房间
type ActiveRoomView struct {
	ID               string            `json:"id"`
	CreatedAt        time.Time         `json:"created_at"`
	CallStatus       models.CallStatus `json:"call_status"`
	OtherParticipant *ParticipantView  `json:"other_participant"`
}

// HistoryEntry 已结束的通话记录
type HistoryEntry struct {
	ID               string            `json:"id"`
	StartedAt        time.Time         `json:"started_at"`
	EndedAt          time.Time         `json:"ended_at"`
	Duration         float64           `json:"duration"` // 分钟，保留一位小数
	CallStatus       models.CallStatus `json:"call_status"`
	OtherParticipant *ParticipantView  `json:"other_participant"`
	EndReason        *string           `json:"end_reason"`
	FollowUp         *string           `json:"follow_up"`
	Notes            *string           `json:"notes"`
}

// VideoService 视频通话状态机
//
// 所有状态迁移都在 store.UpdateVideoRoom 的实体锁内完成；
// 重复 accept、重复 end 为幂等空操作，不再发送事件。
type VideoService struct {
	store      store.Store
	directory  *DoctorDirectory
	relay      Relay
	logger     *logrus.Logger
	now        func() time.Time
	staleAfter time.Duration
}

// NewVideoService 创建视频通话服务
func NewVideoService(s store.Store, directory *DoctorDirectory, relay Relay, logger *logrus.Logger) *VideoService {
	if logger == nil {
		logger = logrus.New()
	}
	if relay == nil {
		relay = NopRelay{}
	}
	return &VideoService{
		store:      s,
		directory:  directory,
		relay:      relay,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		staleAfter: defaultStaleAfter,
	}
}

// SetRelay 注入事件中继
func (v *VideoService) SetRelay(r Relay) {
	if r != nil {
		v.relay = r
	}
}

// SetStaleAfter 设置超时回收阈值
func (v *VideoService) SetStaleAfter(d time.Duration) {
	if d > 0 {
		v.staleAfter = d
	}
}

// CallDoctor 患者直接呼叫指定医生
func (v *VideoService) CallDoctor(ctx context.Context, requesterID, doctorID string) (*CreateRoomResult, error) {
	requester, err := v.store.GetUser(ctx, requesterID)
	if err != nil {
		return nil, userLookupError(err, "User not found")
	}
	if requester.Role != models.RolePatient {
		return nil, apperr.AccessDenied("Only patients can initiate doctor calls")
	}
	return v.CreateRoom(ctx, requesterID, CreateRoomRequest{DoctorID: doctorID})
}

// CreateRoom 创建视频房间并通知被叫方
func (v *VideoService) CreateRoom(ctx context.Context, requesterID string, req CreateRoomRequest) (*CreateRoomResult, error) {
	ctx, span := tracer.Start(ctx, "video.CreateRoom")
	defer span.End()

	requester, err := v.store.GetUser(ctx, requesterID)
	if err != nil {
		return nil, userLookupError(err, "User not found")
	}

	var patient, doctor *models.User
	switch requester.Role {
	case models.RolePatient:
		patient = requester
		if req.DoctorID != "" {
			doctor, err = v.directory.GetDoctor(ctx, req.DoctorID)
			if err != nil {
				return nil, err
			}
			if !doctor.Availability {
				return nil, apperr.DoctorUnavailable("Doctor is not available right now")
			}
			if doctor.Status != models.StatusOnline {
				return nil, apperr.DoctorUnavailable("Doctor is currently offline")
			}
		} else {
			doctor, err = v.directory.AutoAssign(ctx)
			if err != nil {
				return nil, err
			}
		}
	case models.RoleDoctor:
		doctor = requester
		if req.PatientID == "" {
			return nil, apperr.MissingParticipant("Patient ID is required")
		}
		patient, err = v.store.GetUser(ctx, req.PatientID)
		if err != nil {
			return nil, userLookupError(err, "Patient not found")
		}
		if patient.Role != models.RolePatient {
			return nil, apperr.NotFound("Patient not found")
		}
	default:
		return nil, apperr.AccessDenied("Unsupported role")
	}

	room := &models.VideoRoom{
		ID:           utils.ShortID("room", 6),
		Creator:      requester.ID,
		CreatedAt:    v.now(),
		Participants: []string{requester.ID, counterpart(requester, patient, doctor).ID},
		PatientID:    patient.ID,
		DoctorID:     doctor.ID,
		Active:       true,
		CallStatus:   models.CallPending,
	}
	if err := v.store.CreateVideoRoom(ctx, room); err != nil {
		return nil, fmt.Errorf("create video room: %w", err)
	}
	span.SetAttributes(attribute.String("room.id", room.ID))
	metrics.IncCallTransition(string(models.CallPending))

	callee := counterpart(requester, patient, doctor)
	v.logger.WithFields(logrus.Fields{
		"room_id":    room.ID,
		"creator":    requester.ID,
		"patient_id": patient.ID,
		"doctor_id":  doctor.ID,
	}).Info("video room created")
	v.relay.BroadcastToUser(callee.ID, EventVideoCallRequest, callRequestPayload(room.ID, requester))

	return &CreateRoomResult{Room: room, Requester: requester, Callee: callee}, nil
}

func counterpart(requester, patient, doctor *models.User) *models.User {
	if requester.ID == patient.ID {
		return doctor
	}
	return patient
}

func callRequestPayload(roomID string, requester *models.User) map[string]interface{} {
	if requester.IsDoctor() {
		return map[string]interface{}{
			"room_id":          roomID,
			"doctor_name":      requester.Name,
			"doctor_id":        requester.ID,
			"doctor_avatar":    requester.Avatar,
			"doctor_specialty": requester.Specialty,
		}
	}
	return map[string]interface{}{
		"room_id":        roomID,
		"patient_name":   requester.Name,
		"patient_id":     requester.ID,
		"patient_avatar": requester.Avatar,
	}
}

// participantRoom 加载房间并校验参与者身份；成员校验先于状态校验
func (v *VideoService) participantRoom(ctx context.Context, roomID, userID string) (*models.VideoRoom, error) {
	room, err := v.store.GetVideoRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("Room not found")
		}
		return nil, err
	}
	if !room.HasParticipant(userID) {
		return nil, apperr.AccessDenied("You are not a participant in this room")
	}
	return room, nil
}

// Join 参与者加入房间；pending 状态下首次加入推进为 connected
func (v *VideoService) Join(ctx context.Context, roomID, callerID string) (*JoinResult, error) {
	if _, err := v.participantRoom(ctx, roomID, callerID); err != nil {
		return nil, err
	}
	caller, err := v.store.GetUser(ctx, callerID)
	if err != nil {
		return nil, userLookupError(err, "User not found")
	}

	advanced := false
	room, err := v.store.UpdateVideoRoom(ctx, roomID, func(r *models.VideoRoom) error {
		advanced = false
		if !r.Active {
			return apperr.InvalidState("Room is no longer active")
		}
		if r.CallStatus == models.CallPending {
			r.CallStatus = models.CallConnected
			advanced = true
		}
		return nil
	})
	if err != nil {
		return nil, translateRoomErr(err)
	}
	if advanced {
		metrics.IncCallTransition(string(models.CallConnected))
	}

	participants := make([]*ParticipantView, 0, 2)
	for _, id := range []string{room.PatientID, room.DoctorID} {
		p, err := lookupParticipant(ctx, v.store, id)
		if err != nil {
			return nil, err
		}
		if p != nil {
			participants = append(participants, p)
		}
	}

	v.relay.BroadcastToRoom(room.ID, EventUserJoinedVideo, map[string]interface{}{
		"room_id": room.ID,
		"user":    newParticipantView(caller),
	}, "")
	return &JoinResult{Room: room, Participants: participants}, nil
}

// Respond 接听或拒绝通话
func (v *VideoService) Respond(ctx context.Context, roomID, callerID, response string) (*models.VideoRoom, error) {
	if _, err := v.participantRoom(ctx, roomID, callerID); err != nil {
		return nil, err
	}
	response = strings.ToLower(strings.TrimSpace(response))
	if response == "" {
		response = ResponseAccept
	}
	if response != ResponseAccept && response != ResponseReject {
		return nil, apperr.Validation("Invalid response. Must be 'accept' or 'reject'")
	}
	caller, err := v.store.GetUser(ctx, callerID)
	if err != nil {
		return nil, userLookupError(err, "User not found")
	}

	changed := false
	room, err := v.store.UpdateVideoRoom(ctx, roomID, func(r *models.VideoRoom) error {
		changed = false
		switch response {
		case ResponseAccept:
			if !r.Active {
				return apperr.InvalidState("Room is no longer active")
			}
			if r.CallStatus == models.CallAccepted {
				return nil
			}
			r.CallStatus = models.CallAccepted
		case ResponseReject:
			if !r.Active {
				if r.CallStatus == models.CallRejected {
					return nil
				}
				return apperr.InvalidState("Room is no longer active")
			}
			if r.CallStatus == models.CallAccepted {
				return apperr.InvalidState("Call already accepted; end the call instead")
			}
			now := v.now()
			reason := fmt.Sprintf("Call rejected by %s", caller.Name)
			endedBy := caller.ID
			r.Active = false
			r.CallStatus = models.CallRejected
			r.EndTime = &now
			r.EndedBy = &endedBy
			r.EndReason = &reason
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, translateRoomErr(err)
	}
	if !changed {
		return room, nil
	}

	metrics.IncCallTransition(string(room.CallStatus))
	other := room.OtherParticipant(callerID)
	if response == ResponseAccept {
		v.relay.BroadcastToUser(other, EventVideoCallAccepted, map[string]interface{}{
			"room_id":        room.ID,
			"accepted_by":    caller.Name,
			"accepted_by_id": caller.ID,
		})
	} else {
		v.relay.BroadcastToUser(other, EventVideoCallRejected, map[string]interface{}{
			"room_id":        room.ID,
			"rejected_by":    caller.Name,
			"rejected_by_id": caller.ID,
		})
	}
	v.logger.WithFields(logrus.Fields{"room_id": room.ID, "user_id": callerID, "response": response}).Info("video call response")
	return room, nil
}

// End 结束通话；对已结束的房间为幂等空操作
func (v *VideoService) End(ctx context.Context, roomID, callerID string, req EndRequest) (*models.VideoRoom, error) {
	ctx, span := tracer.Start(ctx, "video.End")
	defer span.End()
	span.SetAttributes(attribute.String("room.id", roomID))

	if _, err := v.participantRoom(ctx, roomID, callerID); err != nil {
		return nil, err
	}
	caller, err := v.store.GetUser(ctx, callerID)
	if err != nil {
		return nil, userLookupError(err, "User not found")
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "Call ended by " + caller.Name
	}
	followUp := strings.TrimSpace(req.FollowUp)
	notes := strings.TrimSpace(req.Notes)

	changed := false
	room, err := v.store.UpdateVideoRoom(ctx, roomID, func(r *models.VideoRoom) error {
		changed = false
		if !r.Active {
			return nil
		}
		now := v.now()
		endedBy := caller.ID
		endReason := reason
		r.Active = false
		r.EndTime = &now
		r.EndedBy = &endedBy
		r.EndReason = &endReason
		if followUp != "" {
			r.FollowUp = &followUp
		}
		if notes != "" {
			r.Notes = &notes
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, translateRoomErr(err)
	}
	if !changed {
		return room, nil
	}

	metrics.IncCallTransition("ended")
	v.relay.BroadcastToRoom(room.ID, EventVideoRoomEnded, map[string]interface{}{
		"room_id":    room.ID,
		"ended_by":   caller.Name,
		"end_reason": reason,
		"follow_up":  optional(followUp),
	}, "")
	if caller.IsDoctor() && followUp != "" {
		v.relay.BroadcastToUser(room.PatientID, EventFollowUpNotification, map[string]interface{}{
			"doctor_name":    caller.Name,
			"follow_up_date": followUp,
			"notes":          optional(notes),
		})
	}
	v.logger.WithFields(logrus.Fields{"room_id": room.ID, "ended_by": callerID}).Info("video room ended")
	return room, nil
}

// ListActive 用户参与的进行中房间
func (v *VideoService) ListActive(ctx context.Context, userID string) ([]ActiveRoomView, error) {
	if _, err := v.store.GetUser(ctx, userID); err != nil {
		return nil, userLookupError(err, "User not found")
	}
	rooms, err := v.store.ListVideoRoomsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]ActiveRoomView, 0, len(rooms))
	for _, r := range rooms {
		if !r.Active {
			continue
		}
		other, err := lookupParticipant(ctx, v.store, r.OtherParticipant(userID))
		if err != nil {
			return nil, err
		}
		out = append(out, ActiveRoomView{
			ID:               r.ID,
			CreatedAt:        r.CreatedAt,
			CallStatus:       r.CallStatus,
			OtherParticipant: other,
		})
	}
	return out, nil
}

// ListHistory 用户已结束的通话，按开始时间倒序
func (v *VideoService) ListHistory(ctx context.Context, userID string) ([]HistoryEntry, error) {
	if _, err := v.store.GetUser(ctx, userID); err != nil {
		return nil, userLookupError(err, "User not found")
	}
	rooms, err := v.store.ListVideoRoomsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]HistoryEntry, 0, len(rooms))
	for _, r := range rooms {
		if r.Active || r.EndTime == nil {
			continue
		}
		other, err := lookupParticipant(ctx, v.store, r.OtherParticipant(userID))
		if err != nil {
			return nil, err
		}
		out = append(out, HistoryEntry{
			ID:               r.ID,
			StartedAt:        r.CreatedAt,
			EndedAt:          *r.EndTime,
			Duration:         durationMinutes(r.CreatedAt, *r.EndTime),
			CallStatus:       r.CallStatus,
			OtherParticipant: other,
			EndReason:        r.EndReason,
			FollowUp:         r.FollowUp,
			Notes:            r.Notes,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

// CanAccess 用户是否为视频房间参与者；房间不存在时 found=false
func (v *VideoService) CanAccess(ctx context.Context, roomID, userID string) (found, allowed bool, err error) {
	room, err := v.store.GetVideoRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, false, nil
		}
		return false, false, err
	}
	return true, room.HasParticipant(userID), nil
}

// ReapStale 强制结束超过阈值仍处于活动状态的房间，返回回收数量
func (v *VideoService) ReapStale(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "video.ReapStale")
	defer span.End()

	rooms, err := v.store.ListActiveVideoRooms(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active rooms: %w", err)
	}

	reaped := 0
	for _, r := range rooms {
		if v.now().Sub(r.CreatedAt) < v.staleAfter {
			continue
		}
		ended := false
		room, err := v.store.UpdateVideoRoom(ctx, r.ID, func(cur *models.VideoRoom) error {
			ended = false
			now := v.now()
			if !cur.Active || now.Sub(cur.CreatedAt) < v.staleAfter {
				return nil
			}
			endedBy := systemEnder
			reason := inactivityEndReason
			cur.Active = false
			cur.EndTime = &now
			cur.EndedBy = &endedBy
			cur.EndReason = &reason
			ended = true
			return nil
		})
		if err != nil {
			v.logger.WithError(err).WithField("room_id", r.ID).Error("failed to reap stale video room")
			continue
		}
		if !ended {
			continue
		}
		reaped++
		metrics.IncCallTransition("ended")
		v.relay.BroadcastToRoom(room.ID, EventVideoRoomEnded, map[string]interface{}{
			"room_id":    room.ID,
			"ended_by":   systemEnder,
			"end_reason": inactivityEndReason,
		}, "")
		v.logger.WithField("room_id", room.ID).Info("stale video room reaped")
	}
	metrics.AddReapedRooms(reaped)
	span.SetAttributes(attribute.Int("rooms.reaped", reaped))
	return reaped, nil
}

// StartReaper 周期性回收超时房间，ctx 取消时退出
func (v *VideoService) StartReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := v.ReapStale(ctx); err != nil {
				v.logger.WithError(err).Warn("stale room sweep failed")
			} else if n > 0 {
				v.logger.Infof("stale room sweep ended %d rooms", n)
			}
		}
	}
}

func translateRoomErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound("Room not found")
	}
	return err
}

func durationMinutes(start, end time.Time) float64 {
	return math.Round(end.Sub(start).Minutes()*10) / 10
}

func optional(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
