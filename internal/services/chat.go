package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"telemed/internal/models"
	"telemed/internal/store"
	"telemed/pkg/apperr"
	"telemed/pkg/utils"
)

// RoomSummary 聊天室列表项
type RoomSummary struct {
	ID               string              `json:"id"`
	Name             string              `json:"name"`
	OtherParticipant *ParticipantView    `json:"other_participant"`
	LastMessage      *models.ChatMessage `json:"last_message"`
	UnreadCount      int                 `json:"unread_count"`
}

// ChatService 一对一聊天室与消息日志
type ChatService struct {
	store  store.Store
	relay  Relay
	logger *logrus.Logger
	now    func() time.Time

	pairLocks *KeyedMutex
	roomLocks *KeyedMutex
}

// NewChatService 创建聊天服务
func NewChatService(s store.Store, relay Relay, logger *logrus.Logger) *ChatService {
	if logger == nil {
		logger = logrus.New()
	}
	if relay == nil {
		relay = NopRelay{}
	}
	return &ChatService{
		store:     s,
		relay:     relay,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		pairLocks: NewKeyedMutex(),
		roomLocks: NewKeyedMutex(),
	}
}

// SetRelay 注入事件中继
func (s *ChatService) SetRelay(r Relay) {
	if r != nil {
		s.relay = r
	}
}

// FindRoom 查找两人之间的聊天室
func (s *ChatService) FindRoom(ctx context.Context, userA, userB string) (*models.ChatRoom, bool, error) {
	room, err := s.store.FindChatRoom(ctx, userA, userB)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("find chat room: %w", err)
	}
	return room, true, nil
}

// OpenRoom 获取或创建调用方与 otherID 之间的聊天室，created 表示本次新建
func (s *ChatService) OpenRoom(ctx context.Context, callerID, otherID string) (room *models.ChatRoom, created bool, err error) {
	if otherID == "" {
		return nil, false, apperr.MissingParticipant("participant_id is required")
	}
	if otherID == callerID {
		return nil, false, apperr.Validation("cannot open a chat room with yourself")
	}
	caller, err := s.store.GetUser(ctx, callerID)
	if err != nil {
		return nil, false, userLookupError(err, "User not found")
	}
	other, err := s.store.GetUser(ctx, otherID)
	if err != nil {
		return nil, false, userLookupError(err, "Participant not found")
	}

	unlock := s.pairLocks.Lock(store.PairKey(callerID, otherID))
	defer unlock()

	if existing, ok, err := s.FindRoom(ctx, callerID, otherID); err != nil || ok {
		return existing, false, err
	}

	room = &models.ChatRoom{
		ID:           uuid.NewString(),
		Name:         fmt.Sprintf("%s & %s", caller.Name, other.Name),
		Participants: []string{callerID, otherID},
		CreatedAt:    s.now(),
	}
	if err := s.store.CreateChatRoom(ctx, room); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			existing, _, ferr := s.FindRoom(ctx, callerID, otherID)
			return existing, false, ferr
		}
		return nil, false, fmt.Errorf("create chat room: %w", err)
	}
	s.logger.WithFields(logrus.Fields{"room_id": room.ID, "participants": room.Participants}).Info("chat room created")
	return room, true, nil
}

// PostMessage 追加消息并广播到房间
func (s *ChatService) PostMessage(ctx context.Context, roomID, senderID, content string) (*models.ChatMessage, error) {
	content, ok := utils.NormalizeMessage(content)
	if !ok {
		if content == "" {
			return nil, apperr.Validation("message content is required")
		}
		return nil, apperr.Validation("message content is too long")
	}
	room, err := s.participantRoom(ctx, roomID, senderID)
	if err != nil {
		return nil, err
	}
	sender, err := s.store.GetUser(ctx, senderID)
	if err != nil {
		return nil, userLookupError(err, "User not found")
	}

	msg := &models.ChatMessage{
		ID:         uuid.NewString(),
		RoomID:     room.ID,
		SenderID:   senderID,
		SenderName: sender.Name,
		Content:    content,
		Read:       false,
	}

	// 追加与广播在同一把房间锁内，保证订阅者按追加顺序收到
	unlock := s.roomLocks.Lock(room.ID)
	defer unlock()

	msg.Timestamp = s.now()
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	s.relay.BroadcastToRoom(room.ID, EventMessage, msg, "")
	return msg, nil
}

// ListRooms 列出用户参与的聊天室及未读数
func (s *ChatService) ListRooms(ctx context.Context, userID string) ([]RoomSummary, error) {
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return nil, userLookupError(err, "User not found")
	}
	rooms, err := s.store.ListChatRoomsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]RoomSummary, 0, len(rooms))
	for _, room := range rooms {
		msgs, err := s.store.ListMessages(ctx, room.ID)
		if err != nil {
			return nil, fmt.Errorf("list messages for %s: %w", room.ID, err)
		}
		other, err := lookupParticipant(ctx, s.store, room.OtherParticipant(userID))
		if err != nil {
			return nil, err
		}
		summary := RoomSummary{
			ID:               room.ID,
			Name:             room.Name,
			OtherParticipant: other,
			UnreadCount:      unreadFor(msgs, userID),
		}
		if n := len(msgs); n > 0 {
			summary.LastMessage = msgs[n-1]
		}
		out = append(out, summary)
	}
	return out, nil
}

// GetHistory 按追加顺序返回房间消息
func (s *ChatService) GetHistory(ctx context.Context, roomID, callerID string) ([]*models.ChatMessage, error) {
	if _, err := s.participantRoom(ctx, roomID, callerID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, roomID)
}

// MarkRead 将对方发送的消息标记为已读
func (s *ChatService) MarkRead(ctx context.Context, roomID, callerID string) (int, error) {
	if _, err := s.participantRoom(ctx, roomID, callerID); err != nil {
		return 0, err
	}
	unlock := s.roomLocks.Lock(roomID)
	defer unlock()
	return s.store.MarkMessagesRead(ctx, roomID, callerID)
}

// CanAccess 用户是否为聊天室参与者；房间不存在时 found=false
func (s *ChatService) CanAccess(ctx context.Context, roomID, userID string) (found, allowed bool, err error) {
	room, err := s.store.GetChatRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, false, nil
		}
		return false, false, err
	}
	return true, room.HasParticipant(userID), nil
}

func (s *ChatService) participantRoom(ctx context.Context, roomID, userID string) (*models.ChatRoom, error) {
	room, err := s.store.GetChatRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("Chat room not found")
		}
		return nil, err
	}
	if !room.HasParticipant(userID) {
		return nil, apperr.AccessDenied("Access denied")
	}
	return room, nil
}

func unreadFor(msgs []*models.ChatMessage, userID string) int {
	n := 0
	for _, m := range msgs {
		if !m.Read && m.SenderID != userID {
			n++
		}
	}
	return n
}

func userLookupError(err error, msg string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound(msg)
	}
	return err
}
