package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"telemed/internal/models"
	"telemed/internal/store"
	"telemed/pkg/apperr"
)

// PresenceTracker 维护连接句柄与用户的映射，并驱动在线状态
//
// 同一用户可能同时持有多个连接，只有最后一个连接断开时才置为离线。
type PresenceTracker struct {
	store  store.Store
	logger *logrus.Logger

	mu      sync.RWMutex
	relay   Relay
	handles map[string]string
	byUser  map[string]map[string]struct{}

	userLocks *KeyedMutex
}

// NewPresenceTracker 创建在线状态跟踪器
func NewPresenceTracker(s store.Store, logger *logrus.Logger) *PresenceTracker {
	if logger == nil {
		logger = logrus.New()
	}
	return &PresenceTracker{
		store:     s,
		logger:    logger,
		relay:     NopRelay{},
		handles:   make(map[string]string),
		byUser:    make(map[string]map[string]struct{}),
		userLocks: NewKeyedMutex(),
	}
}

// SetRelay 注入事件中继（WebSocketHub 创建后回填）
func (p *PresenceTracker) SetRelay(r Relay) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r == nil {
		r = NopRelay{}
	}
	p.relay = r
}

func (p *PresenceTracker) getRelay() Relay {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.relay
}

// RegisterConnection 绑定连接句柄与用户，置为在线并通知其他连接
func (p *PresenceTracker) RegisterConnection(ctx context.Context, handle, userID string) error {
	if handle == "" || userID == "" {
		return apperr.Validation("connection handle and user id are required")
	}

	// 句柄改绑到其他用户时先解除旧绑定
	p.mu.RLock()
	prev, bound := p.handles[handle]
	p.mu.RUnlock()
	if bound && prev != userID {
		p.UnregisterConnection(ctx, handle)
	}

	unlock := p.userLocks.Lock(userID)
	defer unlock()

	if _, err := p.store.UpdateUser(ctx, userID, func(u *models.User) error {
		u.Status = models.StatusOnline
		return nil
	}); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("user not found")
		}
		return fmt.Errorf("set user online: %w", err)
	}

	p.mu.Lock()
	p.handles[handle] = userID
	set, ok := p.byUser[userID]
	if !ok {
		set = make(map[string]struct{})
		p.byUser[userID] = set
	}
	set[handle] = struct{}{}
	relay := p.relay
	p.mu.Unlock()

	p.logger.WithFields(logrus.Fields{"user_id": userID, "conn_id": handle}).Debug("connection registered")
	relay.BroadcastGlobal(EventUserStatusChange, statusPayload(userID, models.StatusOnline), handle)
	return nil
}

// UnregisterConnection 解除连接绑定；未知句柄静默忽略
func (p *PresenceTracker) UnregisterConnection(ctx context.Context, handle string) {
	p.mu.RLock()
	userID, ok := p.handles[handle]
	p.mu.RUnlock()
	if !ok {
		return
	}

	unlock := p.userLocks.Lock(userID)
	defer unlock()

	p.mu.Lock()
	if p.handles[handle] != userID {
		p.mu.Unlock()
		return
	}
	delete(p.handles, handle)
	remaining := 0
	if set, ok := p.byUser[userID]; ok {
		delete(set, handle)
		remaining = len(set)
		if remaining == 0 {
			delete(p.byUser, userID)
		}
	}
	relay := p.relay
	p.mu.Unlock()

	if remaining > 0 {
		return
	}

	if _, err := p.store.UpdateUser(ctx, userID, func(u *models.User) error {
		u.Status = models.StatusOffline
		return nil
	}); err != nil {
		p.logger.WithError(err).WithField("user_id", userID).Warn("failed to mark user offline")
	}
	p.logger.WithFields(logrus.Fields{"user_id": userID, "conn_id": handle}).Debug("connection unregistered")
	relay.BroadcastGlobal(EventUserStatusChange, statusPayload(userID, models.StatusOffline), handle)
}

// MarkOffline 显式下线（登出），不解除现有连接
func (p *PresenceTracker) MarkOffline(ctx context.Context, userID string) error {
	unlock := p.userLocks.Lock(userID)
	defer unlock()

	if _, err := p.store.UpdateUser(ctx, userID, func(u *models.User) error {
		u.Status = models.StatusOffline
		return nil
	}); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("user not found")
		}
		return fmt.Errorf("set user offline: %w", err)
	}
	p.getRelay().BroadcastGlobal(EventUserStatusChange, statusPayload(userID, models.StatusOffline), "")
	return nil
}

// GetStatus 查询用户在线状态
func (p *PresenceTracker) GetStatus(ctx context.Context, userID string) (models.PresenceStatus, error) {
	u, err := p.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", apperr.NotFound("user not found")
		}
		return "", err
	}
	if u.Status == "" {
		return models.StatusOffline, nil
	}
	return u.Status, nil
}

// ConnectionsOf 返回用户当前的全部连接句柄
func (p *PresenceTracker) ConnectionsOf(userID string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	set := p.byUser[userID]
	out := make([]string, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	return out
}

// OnlineCount 当前在线用户数
func (p *PresenceTracker) OnlineCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byUser)
}

func statusPayload(userID string, status models.PresenceStatus) map[string]interface{} {
	return map[string]interface{}{
		"user_id": userID,
		"status":  status,
	}
}
