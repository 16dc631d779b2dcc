package services

// 实时事件名
const (
	EventUserStatusChange         = "user_status_change"
	EventDoctorAvailabilityChange = "doctor_availability_change"
	EventVideoCallRequest         = "video_call_request"
	EventUserJoinedVideo          = "user_joined_video"
	EventVideoCallAccepted        = "video_call_accepted"
	EventVideoCallRejected        = "video_call_rejected"
	EventVideoRoomEnded           = "video_room_ended"
	EventFollowUpNotification     = "follow_up_notification"
	EventMessage                  = "message"
	EventUserLeft                 = "user-left"
	EventError                    = "error"
)

// Relay 实时事件扇出
//
// 实现不得因单个连接投递失败而阻塞或中断其余投递；excludeConn 为空表示不排除。
type Relay interface {
	BroadcastToRoom(roomID, event string, payload interface{}, excludeConn string)
	BroadcastToUser(userID, event string, payload interface{})
	BroadcastGlobal(event string, payload interface{}, excludeConn string)
}

// NopRelay 丢弃所有事件
type NopRelay struct{}

func (NopRelay) BroadcastToRoom(string, string, interface{}, string) {}
func (NopRelay) BroadcastToUser(string, string, interface{})         {}
func (NopRelay) BroadcastGlobal(string, interface{}, string)         {}
