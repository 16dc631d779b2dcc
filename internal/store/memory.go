package store

import (
	"context"
	"strings"
	"sync"

	"telemed/internal/models"
)

type userEntry struct {
	mu   sync.Mutex
	user *models.User
}

type chatEntry struct {
	mu       sync.Mutex
	room     *models.ChatRoom
	messages []*models.ChatMessage
}

type videoEntry struct {
	mu   sync.Mutex
	room *models.VideoRoom
}

// MemoryStore 进程内存储
//
// 顶层锁只保护索引，实体修改在各自的 entry 锁内完成。
type MemoryStore struct {
	mu sync.RWMutex

	users      map[string]*userEntry
	userOrder  []string
	usersEmail map[string]string

	chats      map[string]*chatEntry
	chatPairs  map[string]string
	chatByUser map[string][]string

	videos      map[string]*videoEntry
	videoOrder  []string
	videoByUser map[string][]string
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[string]*userEntry),
		usersEmail:  make(map[string]string),
		chats:       make(map[string]*chatEntry),
		chatPairs:   make(map[string]string),
		chatByUser:  make(map[string][]string),
		videos:      make(map[string]*videoEntry),
		videoByUser: make(map[string][]string),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) CreateUser(ctx context.Context, u *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	email := strings.ToLower(u.Email)
	if _, ok := s.users[u.ID]; ok {
		return ErrAlreadyExists
	}
	if _, ok := s.usersEmail[email]; ok {
		return ErrAlreadyExists
	}
	s.users[u.ID] = &userEntry{user: cloneUser(u)}
	s.userOrder = append(s.userOrder, u.ID)
	s.usersEmail[email] = u.ID
	return nil
}

func (s *MemoryStore) userEntry(id string) (*userEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.users[id]
	return e, ok
}

func (s *MemoryStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	e, ok := s.userEntry(id)
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneUser(e.user), nil
}

func (s *MemoryStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	s.mu.RLock()
	id, ok := s.usersEmail[strings.ToLower(email)]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.GetUser(ctx, id)
}

func (s *MemoryStore) ListUsers(ctx context.Context, role models.Role) ([]*models.User, error) {
	s.mu.RLock()
	entries := make([]*userEntry, 0, len(s.userOrder))
	for _, id := range s.userOrder {
		entries = append(entries, s.users[id])
	}
	s.mu.RUnlock()

	out := make([]*models.User, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if role == "" || e.user.Role == role {
			out = append(out, cloneUser(e.user))
		}
		e.mu.Unlock()
	}
	return out, nil
}

func (s *MemoryStore) UpdateUser(ctx context.Context, id string, fn func(*models.User) error) (*models.User, error) {
	e, ok := s.userEntry(id)
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	next := cloneUser(e.user)
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = e.user.ID
	next.Email = e.user.Email
	e.user = next
	return cloneUser(next), nil
}

func (s *MemoryStore) CreateChatRoom(ctx context.Context, room *models.ChatRoom) error {
	if err := normalizeChatRoom(room); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[room.ID]; ok {
		return ErrAlreadyExists
	}
	if _, ok := s.chatPairs[room.PairKey]; ok {
		return ErrAlreadyExists
	}
	s.chats[room.ID] = &chatEntry{room: cloneChatRoom(room)}
	s.chatPairs[room.PairKey] = room.ID
	for _, p := range room.Participants {
		s.chatByUser[p] = append(s.chatByUser[p], room.ID)
	}
	return nil
}

func (s *MemoryStore) chatEntry(id string) (*chatEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.chats[id]
	return e, ok
}

func (s *MemoryStore) GetChatRoom(ctx context.Context, id string) (*models.ChatRoom, error) {
	e, ok := s.chatEntry(id)
	if !ok {
		return nil, ErrNotFound
	}
	return cloneChatRoom(e.room), nil
}

func (s *MemoryStore) FindChatRoom(ctx context.Context, userA, userB string) (*models.ChatRoom, error) {
	s.mu.RLock()
	id, ok := s.chatPairs[PairKey(userA, userB)]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.GetChatRoom(ctx, id)
}

func (s *MemoryStore) ListChatRoomsForUser(ctx context.Context, userID string) ([]*models.ChatRoom, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.chatByUser[userID]
	out := make([]*models.ChatRoom, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneChatRoom(s.chats[id].room))
	}
	return out, nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, msg *models.ChatMessage) error {
	e, ok := s.chatEntry(msg.RoomID)
	if !ok {
		return ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if n := len(e.messages); n > 0 {
		last := e.messages[n-1]
		if msg.Timestamp.Before(last.Timestamp) {
			msg.Timestamp = last.Timestamp
		}
	}
	msg.Seq = int64(len(e.messages) + 1)
	e.messages = append(e.messages, cloneMessage(msg))
	return nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, roomID string) ([]*models.ChatMessage, error) {
	e, ok := s.chatEntry(roomID)
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*models.ChatMessage, len(e.messages))
	for i, m := range e.messages {
		out[i] = cloneMessage(m)
	}
	return out, nil
}

func (s *MemoryStore) MarkMessagesRead(ctx context.Context, roomID, readerID string) (int, error) {
	e, ok := s.chatEntry(roomID)
	if !ok {
		return 0, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, m := range e.messages {
		if !m.Read && m.SenderID != readerID {
			m.Read = true
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CreateVideoRoom(ctx context.Context, room *models.VideoRoom) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.videos[room.ID]; ok {
		return ErrAlreadyExists
	}
	s.videos[room.ID] = &videoEntry{room: cloneVideoRoom(room)}
	s.videoOrder = append(s.videoOrder, room.ID)
	for _, p := range []string{room.PatientID, room.DoctorID} {
		if p != "" {
			s.videoByUser[p] = append(s.videoByUser[p], room.ID)
		}
	}
	return nil
}

func (s *MemoryStore) videoEntry(id string) (*videoEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.videos[id]
	return e, ok
}

func (s *MemoryStore) GetVideoRoom(ctx context.Context, id string) (*models.VideoRoom, error) {
	e, ok := s.videoEntry(id)
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneVideoRoom(e.room), nil
}

func (s *MemoryStore) UpdateVideoRoom(ctx context.Context, id string, fn func(*models.VideoRoom) error) (*models.VideoRoom, error) {
	e, ok := s.videoEntry(id)
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	next := cloneVideoRoom(e.room)
	if err := fn(next); err != nil {
		return nil, err
	}
	// 参与者与创建信息不可变
	next.ID = e.room.ID
	next.PatientID = e.room.PatientID
	next.DoctorID = e.room.DoctorID
	next.Creator = e.room.Creator
	next.CreatedAt = e.room.CreatedAt
	e.room = next
	return cloneVideoRoom(next), nil
}

func (s *MemoryStore) videoRooms(ids []string, keep func(*models.VideoRoom) bool) []*models.VideoRoom {
	s.mu.RLock()
	entries := make([]*videoEntry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, s.videos[id])
	}
	s.mu.RUnlock()

	out := make([]*models.VideoRoom, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if keep == nil || keep(e.room) {
			out = append(out, cloneVideoRoom(e.room))
		}
		e.mu.Unlock()
	}
	return out
}

func (s *MemoryStore) ListVideoRoomsForUser(ctx context.Context, userID string) ([]*models.VideoRoom, error) {
	s.mu.RLock()
	ids := append([]string(nil), s.videoByUser[userID]...)
	s.mu.RUnlock()
	return s.videoRooms(ids, nil), nil
}

func (s *MemoryStore) ListActiveVideoRooms(ctx context.Context) ([]*models.VideoRoom, error) {
	s.mu.RLock()
	ids := append([]string(nil), s.videoOrder...)
	s.mu.RUnlock()
	return s.videoRooms(ids, func(r *models.VideoRoom) bool { return r.Active }), nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func (s *MemoryStore) Close() error { return nil }
