package store

import (
	"context"
	"errors"
	"sort"
	"strings"

	"telemed/internal/models"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
)

// Store 信令子系统的持久化接口
//
// Update* 方法在实体级锁（或行锁）内执行 fn，fn 返回错误时不落盘。
// 返回的对象都是副本，调用方修改不会影响存储。
type Store interface {
	CreateUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	// ListUsers 按创建顺序返回；role 为空时返回全部
	ListUsers(ctx context.Context, role models.Role) ([]*models.User, error)
	UpdateUser(ctx context.Context, id string, fn func(*models.User) error) (*models.User, error)

	CreateChatRoom(ctx context.Context, room *models.ChatRoom) error
	GetChatRoom(ctx context.Context, id string) (*models.ChatRoom, error)
	FindChatRoom(ctx context.Context, userA, userB string) (*models.ChatRoom, error)
	ListChatRoomsForUser(ctx context.Context, userID string) ([]*models.ChatRoom, error)
	// AppendMessage 分配房间内递增序号，并保证时间戳不早于上一条
	AppendMessage(ctx context.Context, msg *models.ChatMessage) error
	ListMessages(ctx context.Context, roomID string) ([]*models.ChatMessage, error)
	// MarkMessagesRead 将房间内非 readerID 发送的未读消息标记为已读
	MarkMessagesRead(ctx context.Context, roomID, readerID string) (int, error)

	CreateVideoRoom(ctx context.Context, room *models.VideoRoom) error
	GetVideoRoom(ctx context.Context, id string) (*models.VideoRoom, error)
	UpdateVideoRoom(ctx context.Context, id string, fn func(*models.VideoRoom) error) (*models.VideoRoom, error)
	ListVideoRoomsForUser(ctx context.Context, userID string) ([]*models.VideoRoom, error)
	ListActiveVideoRooms(ctx context.Context) ([]*models.VideoRoom, error)

	Ping(ctx context.Context) error
	Close() error
}

// PairKey 无序用户对的规范键
func PairKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "|")
}

// normalizeChatRoom 按字典序填充 UserA/UserB 与 PairKey
func normalizeChatRoom(room *models.ChatRoom) error {
	if len(room.Participants) != 2 || room.Participants[0] == room.Participants[1] {
		return errors.New("chat room requires exactly two distinct participants")
	}
	ids := []string{room.Participants[0], room.Participants[1]}
	sort.Strings(ids)
	room.UserA, room.UserB = ids[0], ids[1]
	room.PairKey = PairKey(ids[0], ids[1])
	return nil
}

func cloneUser(u *models.User) *models.User {
	c := *u
	return &c
}

func cloneChatRoom(r *models.ChatRoom) *models.ChatRoom {
	c := *r
	c.Participants = append([]string(nil), r.Participants...)
	return &c
}

func cloneMessage(m *models.ChatMessage) *models.ChatMessage {
	c := *m
	return &c
}

func cloneVideoRoom(r *models.VideoRoom) *models.VideoRoom {
	c := *r
	c.Participants = append([]string(nil), r.Participants...)
	c.EndedBy = cloneString(r.EndedBy)
	c.EndReason = cloneString(r.EndReason)
	c.FollowUp = cloneString(r.FollowUp)
	c.Notes = cloneString(r.Notes)
	if r.EndTime != nil {
		t := *r.EndTime
		c.EndTime = &t
	}
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
