package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"telemed/internal/models"
)

// GormStore 基于 GORM 的存储实现（Postgres；测试使用 SQLite）
type GormStore struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// NewGormStore 包装已打开的数据库连接
func NewGormStore(db *gorm.DB, logger *logrus.Logger) *GormStore {
	if logger == nil {
		logger = logrus.New()
	}
	return &GormStore{db: db, logger: logger}
}

var _ Store = (*GormStore)(nil)

// AutoMigrate 创建或更新表结构
func (s *GormStore) AutoMigrate() error {
	return s.db.AutoMigrate(
		&models.User{},
		&models.ChatRoom{},
		&models.ChatMessage{},
		&models.VideoRoom{},
	)
}

// DB 暴露底层连接
func (s *GormStore) DB() *gorm.DB { return s.db }

// forUpdate SQLite 不支持 SELECT ... FOR UPDATE，写事务本身已串行
func (s *GormStore) forUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey), isUniqueViolation(err):
		return ErrAlreadyExists
	default:
		return err
	}
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

func (s *GormStore) CreateUser(ctx context.Context, u *models.User) error {
	u.Email = strings.ToLower(u.Email)
	return translate(s.db.WithContext(ctx).Create(u).Error)
}

func (s *GormStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	if err := s.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &u, nil
}

func (s *GormStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	if err := s.db.WithContext(ctx).First(&u, "email = ?", strings.ToLower(email)).Error; err != nil {
		return nil, translate(err)
	}
	return &u, nil
}

func (s *GormStore) ListUsers(ctx context.Context, role models.Role) ([]*models.User, error) {
	q := s.db.WithContext(ctx).Order("created_at ASC").Order("id ASC")
	if role != "" {
		q = q.Where("role = ?", role)
	}
	var users []*models.User
	if err := q.Find(&users).Error; err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

func (s *GormStore) UpdateUser(ctx context.Context, id string, fn func(*models.User) error) (*models.User, error) {
	var out models.User
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.forUpdate(tx).First(&out, "id = ?", id).Error; err != nil {
			return err
		}
		if err := fn(&out); err != nil {
			return err
		}
		out.ID = id
		return tx.Save(&out).Error
	})
	if err != nil {
		return nil, translate(err)
	}
	return &out, nil
}

func (s *GormStore) CreateChatRoom(ctx context.Context, room *models.ChatRoom) error {
	if err := normalizeChatRoom(room); err != nil {
		return err
	}
	return translate(s.db.WithContext(ctx).Create(room).Error)
}

func (s *GormStore) GetChatRoom(ctx context.Context, id string) (*models.ChatRoom, error) {
	var r models.ChatRoom
	if err := s.db.WithContext(ctx).First(&r, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &r, nil
}

func (s *GormStore) FindChatRoom(ctx context.Context, userA, userB string) (*models.ChatRoom, error) {
	var r models.ChatRoom
	if err := s.db.WithContext(ctx).First(&r, "pair_key = ?", PairKey(userA, userB)).Error; err != nil {
		return nil, translate(err)
	}
	return &r, nil
}

func (s *GormStore) ListChatRoomsForUser(ctx context.Context, userID string) ([]*models.ChatRoom, error) {
	var rooms []*models.ChatRoom
	err := s.db.WithContext(ctx).
		Where("user_a = ? OR user_b = ?", userID, userID).
		Order("created_at ASC").
		Find(&rooms).Error
	if err != nil {
		return nil, fmt.Errorf("list chat rooms: %w", err)
	}
	return rooms, nil
}

func (s *GormStore) AppendMessage(ctx context.Context, msg *models.ChatMessage) error {
	return translate(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last models.ChatMessage
		err := tx.Where("room_id = ?", msg.RoomID).Order("seq DESC").Limit(1).Find(&last).Error
		if err != nil {
			return err
		}
		if last.ID != "" {
			if msg.Timestamp.Before(last.Timestamp) {
				msg.Timestamp = last.Timestamp
			}
		} else {
			var count int64
			if err := tx.Model(&models.ChatRoom{}).Where("id = ?", msg.RoomID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return gorm.ErrRecordNotFound
			}
		}
		msg.Seq = last.Seq + 1
		return tx.Create(msg).Error
	}))
}

func (s *GormStore) ListMessages(ctx context.Context, roomID string) ([]*models.ChatMessage, error) {
	if _, err := s.GetChatRoom(ctx, roomID); err != nil {
		return nil, err
	}
	var msgs []*models.ChatMessage
	if err := s.db.WithContext(ctx).Where("room_id = ?", roomID).Order("seq ASC").Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}

func (s *GormStore) MarkMessagesRead(ctx context.Context, roomID, readerID string) (int, error) {
	res := s.db.WithContext(ctx).Model(&models.ChatMessage{}).
		Where("room_id = ? AND sender_id <> ? AND read = ?", roomID, readerID, false).
		Update("read", true)
	if res.Error != nil {
		return 0, fmt.Errorf("mark messages read: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

func (s *GormStore) CreateVideoRoom(ctx context.Context, room *models.VideoRoom) error {
	return translate(s.db.WithContext(ctx).Create(room).Error)
}

func (s *GormStore) GetVideoRoom(ctx context.Context, id string) (*models.VideoRoom, error) {
	var r models.VideoRoom
	if err := s.db.WithContext(ctx).First(&r, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &r, nil
}

func (s *GormStore) UpdateVideoRoom(ctx context.Context, id string, fn func(*models.VideoRoom) error) (*models.VideoRoom, error) {
	var out models.VideoRoom
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.forUpdate(tx).First(&out, "id = ?", id).Error; err != nil {
			return err
		}
		orig := out
		if err := fn(&out); err != nil {
			return err
		}
		out.ID = orig.ID
		out.PatientID = orig.PatientID
		out.DoctorID = orig.DoctorID
		out.Creator = orig.Creator
		out.CreatedAt = orig.CreatedAt
		return tx.Save(&out).Error
	})
	if err != nil {
		return nil, translate(err)
	}
	return &out, nil
}

func (s *GormStore) ListVideoRoomsForUser(ctx context.Context, userID string) ([]*models.VideoRoom, error) {
	var rooms []*models.VideoRoom
	err := s.db.WithContext(ctx).
		Where("patient_id = ? OR doctor_id = ?", userID, userID).
		Order("created_at ASC").
		Find(&rooms).Error
	if err != nil {
		return nil, fmt.Errorf("list video rooms: %w", err)
	}
	return rooms, nil
}

func (s *GormStore) ListActiveVideoRooms(ctx context.Context) ([]*models.VideoRoom, error) {
	var rooms []*models.VideoRoom
	if err := s.db.WithContext(ctx).Where("active = ?", true).Order("created_at ASC").Find(&rooms).Error; err != nil {
		return nil, fmt.Errorf("list active video rooms: %w", err)
	}
	return rooms, nil
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
