package services

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"telemed/internal/models"
	"telemed/internal/store"
	"telemed/pkg/apperr"
	"telemed/pkg/utils"
)

const (
	minPasswordLength = 8
	defaultSpecialty  = "General Medicine"
)

// RegisterRequest 注册参数
type RegisterRequest struct {
	Email     string      `json:"email"`
	Password  string      `json:"password"`
	Name      string      `json:"name"`
	Role      models.Role `json:"role"`
	Specialty string      `json:"specialty"`
}

// AuthResult 登录/注册结果
type AuthResult struct {
	User   *models.User
	Tokens *TokenPair
}

// AccountService 账户注册、登录与登出
type AccountService struct {
	store    store.Store
	identity IdentityProvider
	presence *PresenceTracker
	logger   *logrus.Logger
	now      func() time.Time
}

// NewAccountService 创建账户服务
func NewAccountService(s store.Store, identity IdentityProvider, presence *PresenceTracker, logger *logrus.Logger) *AccountService {
	if logger == nil {
		logger = logrus.New()
	}
	return &AccountService{
		store:    s,
		identity: identity,
		presence: presence,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Register 创建账户并签发令牌
func (a *AccountService) Register(ctx context.Context, req RegisterRequest) (*AuthResult, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	name := strings.TrimSpace(req.Name)
	if email == "" || req.Password == "" || name == "" {
		return nil, apperr.Validation("email, password and name are required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, apperr.Validation("invalid email address")
	}
	if len(req.Password) < minPasswordLength {
		return nil, apperr.Validation(fmt.Sprintf("password must be at least %d characters", minPasswordLength))
	}
	role := req.Role
	if role == "" {
		role = models.RolePatient
	}
	if !role.Valid() {
		return nil, apperr.Validation("role must be patient or doctor")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	now := a.now()
	user := &models.User{
		ID:           utils.ShortID(string(role), 4),
		Email:        email,
		Name:         name,
		PasswordHash: string(hash),
		Role:         role,
		Status:       models.StatusOffline,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if role == models.RoleDoctor {
		user.Specialty = strings.TrimSpace(req.Specialty)
		if user.Specialty == "" {
			user.Specialty = defaultSpecialty
		}
		user.Availability = true
	}

	if err := a.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, apperr.AlreadyExists("Email already registered")
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	tokens, err := a.identity.IssueTokens(ctx, user)
	if err != nil {
		return nil, err
	}
	a.logger.WithFields(logrus.Fields{"user_id": user.ID, "role": user.Role}).Info("user registered")
	return &AuthResult{User: user, Tokens: tokens}, nil
}

// Login 校验凭据并签发令牌
func (a *AccountService) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return nil, apperr.Validation("email and password are required")
	}
	user, err := a.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.Unauthorized("Invalid credentials")
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, apperr.Unauthorized("Invalid credentials")
	}
	tokens, err := a.identity.IssueTokens(ctx, user)
	if err != nil {
		return nil, err
	}
	a.logger.WithField("user_id", user.ID).Info("user logged in")
	return &AuthResult{User: user, Tokens: tokens}, nil
}

// Refresh 用刷新令牌换取新的访问令牌
func (a *AccountService) Refresh(ctx context.Context, refreshToken string) (string, error) {
	id, err := a.identity.AuthenticateRefresh(ctx, refreshToken)
	if err != nil {
		return "", err
	}
	user, err := a.store.GetUser(ctx, id.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", apperr.Unauthorized("user no longer exists")
		}
		return "", err
	}
	return a.identity.IssueAccessToken(ctx, user.ID, user.Role)
}

// Logout 吊销当前令牌并置为离线
func (a *AccountService) Logout(ctx context.Context, id *Identity) error {
	if err := a.identity.Revoke(ctx, id); err != nil {
		return err
	}
	if a.presence != nil {
		if err := a.presence.MarkOffline(ctx, id.UserID); err != nil && !apperr.HasCode(err, apperr.CodeNotFound) {
			return err
		}
	}
	a.logger.WithField("user_id", id.UserID).Info("user logged out")
	return nil
}

// Me 查询当前用户
func (a *AccountService) Me(ctx context.Context, userID string) (*models.User, error) {
	u, err := a.store.GetUser(ctx, userID)
	if err != nil {
		return nil, userLookupError(err, "User not found")
	}
	return u, nil
}

type sampleUser struct {
	id, email, name string
	role            models.Role
	specialty       string
	available       bool
}

var sampleUsers = []sampleUser{
	{id: "patient-1", email: "patient1@example.com", name: "Jane Smith", role: models.RolePatient},
	{id: "doctor-2", email: "doctor2@example.com", name: "Dr. Michael Chen", role: models.RoleDoctor, specialty: "Cardiology", available: true},
	{id: "doctor-3", email: "doctor3@example.com", name: "Dr. Emily Rodriguez", role: models.RoleDoctor, specialty: "Dermatology"},
}

const samplePassword = "password123"

// SeedSampleUsers 写入演示账户，已存在的跳过
func (a *AccountService) SeedSampleUsers(ctx context.Context) (int, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(samplePassword), bcrypt.DefaultCost)
	if err != nil {
		return 0, fmt.Errorf("hash password: %w", err)
	}
	created := 0
	for _, su := range sampleUsers {
		now := a.now()
		err := a.store.CreateUser(ctx, &models.User{
			ID:           su.id,
			Email:        su.email,
			Name:         su.name,
			PasswordHash: string(hash),
			Role:         su.role,
			Status:       models.StatusOffline,
			Specialty:    su.specialty,
			Availability: su.available,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
		switch {
		case err == nil:
			created++
		case errors.Is(err, store.ErrAlreadyExists):
		default:
			return created, fmt.Errorf("seed %s: %w", su.id, err)
		}
	}
	a.logger.WithField("created", created).Info("sample users seeded")
	return created, nil
}
