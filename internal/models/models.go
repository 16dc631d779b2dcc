package models

import (
	"time"
)

// Role 用户角色
type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
)

// Valid 是否为受支持的角色
func (r Role) Valid() bool {
	return r == RolePatient || r == RoleDoctor
}

// PresenceStatus 在线状态
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
)

// 用户模型
type User struct {
	ID           string         `gorm:"primaryKey;size:64" json:"id"`
	Email        string         `gorm:"uniqueIndex;not null" json:"email"`
	Name         string         `json:"name"`
	PasswordHash string         `json:"-"`
	Role         Role           `gorm:"index;size:16" json:"role"`
	Status       PresenceStatus `gorm:"size:16" json:"status"`
	Specialty    string         `json:"specialty,omitempty"`
	Availability bool           `json:"availability"`
	Avatar       string         `json:"avatar,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"-"`
}

// IsDoctor 是否为医生
func (u *User) IsDoctor() bool { return u.Role == RoleDoctor }

// Assignable 医生同时在线且接诊时才能被自动分配
func (u *User) Assignable() bool {
	return u.IsDoctor() && u.Availability && u.Status == StatusOnline
}

// 聊天室：固定两名参与者，消息只追加
type ChatRoom struct {
	ID           string    `gorm:"primaryKey;size:64" json:"id"`
	Name         string    `json:"name"`
	Participants []string  `gorm:"serializer:json" json:"participants"`
	UserA        string    `gorm:"index;size:64" json:"-"`
	UserB        string    `gorm:"index;size:64" json:"-"`
	PairKey      string    `gorm:"uniqueIndex;size:160" json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// HasParticipant 判断用户是否属于该聊天室
func (r *ChatRoom) HasParticipant(userID string) bool {
	for _, p := range r.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// OtherParticipant 返回另一方的用户 ID
func (r *ChatRoom) OtherParticipant(userID string) string {
	for _, p := range r.Participants {
		if p != userID {
			return p
		}
	}
	return ""
}

// 聊天消息
type ChatMessage struct {
	ID         string    `gorm:"primaryKey;size:64" json:"id"`
	RoomID     string    `gorm:"uniqueIndex:idx_room_seq,priority:1;size:64" json:"room_id"`
	Seq        int64     `gorm:"uniqueIndex:idx_room_seq,priority:2" json:"-"`
	SenderID   string    `gorm:"size:64" json:"sender_id"`
	SenderName string    `json:"sender_name"`
	Content    string    `gorm:"type:text" json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	Read       bool      `json:"read"`
}

// CallStatus 视频通话状态
type CallStatus string

const (
	CallPending   CallStatus = "pending"
	CallConnected CallStatus = "connected"
	CallAccepted  CallStatus = "accepted"
	CallRejected  CallStatus = "rejected"
)

// 视频房间
type VideoRoom struct {
	ID           string     `gorm:"primaryKey;size:64" json:"id"`
	Creator      string     `gorm:"size:64" json:"creator"`
	CreatedAt    time.Time  `gorm:"index" json:"created_at"`
	Participants []string   `gorm:"serializer:json" json:"participants"`
	PatientID    string     `gorm:"index;size:64" json:"patient_id"`
	DoctorID     string     `gorm:"index;size:64" json:"doctor_id"`
	Active       bool       `gorm:"index" json:"active"`
	CallStatus   CallStatus `gorm:"size:16" json:"call_status"`
	EndedBy      *string    `json:"ended_by,omitempty"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	EndReason    *string    `json:"end_reason,omitempty"`
	FollowUp     *string    `json:"follow_up,omitempty"`
	Notes        *string    `gorm:"type:text" json:"notes,omitempty"`
}

// HasParticipant 判断用户是否属于该视频房间
func (r *VideoRoom) HasParticipant(userID string) bool {
	return userID != "" && (r.PatientID == userID || r.DoctorID == userID)
}

// OtherParticipant 返回另一方的用户 ID
func (r *VideoRoom) OtherParticipant(userID string) string {
	if r.PatientID == userID {
		return r.DoctorID
	}
	return r.PatientID
}
