package services

import (
	"context"
	"errors"

	"telemed/internal/models"
	"telemed/internal/store"
)

// ParticipantView 对外暴露的参与者摘要
type ParticipantView struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Role      models.Role `json:"role"`
	Avatar    string      `json:"avatar,omitempty"`
	Specialty *string     `json:"specialty"`
}

func newParticipantView(u *models.User) *ParticipantView {
	v := &ParticipantView{ID: u.ID, Name: u.Name, Role: u.Role, Avatar: u.Avatar}
	if u.IsDoctor() {
		s := u.Specialty
		v.Specialty = &s
	}
	return v
}

// lookupParticipant 查询参与者；用户不存在时返回 nil
func lookupParticipant(ctx context.Context, s store.Store, userID string) (*ParticipantView, error) {
	if userID == "" {
		return nil, nil
	}
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return newParticipantView(u), nil
}
