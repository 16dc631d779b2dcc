package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"telemed/internal/models"
	"telemed/internal/store"
	"telemed/pkg/apperr"
)

// DoctorFilter 医生列表过滤条件，零值字段不参与过滤
type DoctorFilter struct {
	Specialty    string
	Name         string // 名称子串，不区分大小写
	Availability *bool
}

// DoctorView 医生信息及与调用方已有的聊天室
type DoctorView struct {
	models.User
	ExistingChatRoom *string `json:"existing_chat_room"`
}

// AssignmentPolicy 自动分配策略
type AssignmentPolicy interface {
	Pick(doctors []*models.User) (*models.User, bool)
}

// FirstAvailablePolicy 按目录顺序选择第一个在线且接诊的医生
type FirstAvailablePolicy struct{}

func (FirstAvailablePolicy) Pick(doctors []*models.User) (*models.User, bool) {
	for _, d := range doctors {
		if d.Assignable() {
			return d, true
		}
	}
	return nil, false
}

// DoctorDirectory 医生目录
type DoctorDirectory struct {
	store  store.Store
	relay  Relay
	policy AssignmentPolicy
	logger *logrus.Logger

	doctorLocks *KeyedMutex
}

// NewDoctorDirectory 创建医生目录
func NewDoctorDirectory(s store.Store, relay Relay, logger *logrus.Logger) *DoctorDirectory {
	if logger == nil {
		logger = logrus.New()
	}
	if relay == nil {
		relay = NopRelay{}
	}
	return &DoctorDirectory{
		store:       s,
		relay:       relay,
		policy:      FirstAvailablePolicy{},
		logger:      logger,
		doctorLocks: NewKeyedMutex(),
	}
}

// SetPolicy 替换自动分配策略
func (d *DoctorDirectory) SetPolicy(p AssignmentPolicy) {
	if p != nil {
		d.policy = p
	}
}

// SetRelay 注入事件中继
func (d *DoctorDirectory) SetRelay(r Relay) {
	if r != nil {
		d.relay = r
	}
}

// ListDoctors 按条件列出医生，附带调用方与该医生的已有聊天室
func (d *DoctorDirectory) ListDoctors(ctx context.Context, callerID string, f DoctorFilter) ([]DoctorView, error) {
	if callerID != "" {
		if _, err := d.store.GetUser(ctx, callerID); err != nil {
			return nil, userLookupError(err, "User not found")
		}
	}
	doctors, err := d.store.ListUsers(ctx, models.RoleDoctor)
	if err != nil {
		return nil, fmt.Errorf("list doctors: %w", err)
	}
	name := strings.ToLower(strings.TrimSpace(f.Name))

	out := make([]DoctorView, 0, len(doctors))
	for _, doc := range doctors {
		if f.Specialty != "" && doc.Specialty != f.Specialty {
			continue
		}
		if name != "" && !strings.Contains(strings.ToLower(doc.Name), name) {
			continue
		}
		if f.Availability != nil && doc.Availability != *f.Availability {
			continue
		}
		view := DoctorView{User: *doc}
		if callerID != "" && callerID != doc.ID {
			room, err := d.store.FindChatRoom(ctx, callerID, doc.ID)
			switch {
			case err == nil:
				id := room.ID
				view.ExistingChatRoom = &id
			case !errors.Is(err, store.ErrNotFound):
				return nil, fmt.Errorf("find chat room: %w", err)
			}
		}
		if view.Status == "" {
			view.Status = models.StatusOffline
		}
		out = append(out, view)
	}
	return out, nil
}

// GetDoctor 按 ID 查询医生；非医生视为不存在
func (d *DoctorDirectory) GetDoctor(ctx context.Context, doctorID string) (*models.User, error) {
	u, err := d.store.GetUser(ctx, doctorID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("Doctor not found")
		}
		return nil, err
	}
	if !u.IsDoctor() {
		return nil, apperr.NotFound("Doctor not found")
	}
	return u, nil
}

// SetAvailability 医生切换接诊状态并广播
func (d *DoctorDirectory) SetAvailability(ctx context.Context, callerID, doctorID string, available bool) (*models.User, error) {
	if callerID != doctorID {
		return nil, apperr.AccessDenied("Only the doctor can update their own availability")
	}

	unlock := d.doctorLocks.Lock(doctorID)
	defer unlock()

	updated, err := d.store.UpdateUser(ctx, doctorID, func(u *models.User) error {
		if !u.IsDoctor() {
			return apperr.AccessDenied("Only doctors can update availability")
		}
		u.Availability = available
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("User not found")
		}
		return nil, err
	}

	d.logger.WithFields(logrus.Fields{"doctor_id": doctorID, "availability": available}).Info("doctor availability changed")
	d.relay.BroadcastGlobal(EventDoctorAvailabilityChange, map[string]interface{}{
		"doctor_id":    doctorID,
		"availability": updated.Availability,
	}, "")
	return updated, nil
}

// AutoAssign 按策略选择医生
func (d *DoctorDirectory) AutoAssign(ctx context.Context) (*models.User, error) {
	doctors, err := d.store.ListUsers(ctx, models.RoleDoctor)
	if err != nil {
		return nil, fmt.Errorf("list doctors: %w", err)
	}
	doc, ok := d.policy.Pick(doctors)
	if !ok {
		return nil, apperr.NoDoctorAvailable("No doctors available at this time")
	}
	return doc, nil
}
