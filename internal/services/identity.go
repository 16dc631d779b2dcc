package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"telemed/internal/models"
	"telemed/pkg/apperr"
)

const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Identity 已验证的调用方身份
type Identity struct {
	UserID    string
	Role      models.Role
	TokenID   string
	TokenType string
	ExpiresAt time.Time
}

// TokenPair 登录签发的令牌
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// IdentityProvider 身份令牌的签发、校验与吊销
type IdentityProvider interface {
	// Authenticate 校验访问令牌；无效、过期或已吊销时返回 Unauthorized
	Authenticate(ctx context.Context, token string) (*Identity, error)
	// AuthenticateRefresh 校验刷新令牌
	AuthenticateRefresh(ctx context.Context, token string) (*Identity, error)
	IssueTokens(ctx context.Context, user *models.User) (*TokenPair, error)
	IssueAccessToken(ctx context.Context, userID string, role models.Role) (string, error)
	Revoke(ctx context.Context, id *Identity) error
}

// RevocationList 已吊销令牌 ID（jti）集合
type RevocationList interface {
	Revoke(ctx context.Context, jti string, ttl time.Duration) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

type tokenClaims struct {
	Role models.Role `json:"role"`
	Type string      `json:"typ"`
	jwt.RegisteredClaims
}

// JWTIdentityProvider HS256 JWT 实现
type JWTIdentityProvider struct {
	secret      []byte
	issuer      string
	accessTTL   time.Duration
	refreshTTL  time.Duration
	revocations RevocationList
	now         func() time.Time
}

// NewJWTIdentityProvider 创建 JWT 身份提供者；revocations 为空时使用内存实现
func NewJWTIdentityProvider(secret, issuer string, accessTTL, refreshTTL time.Duration, revocations RevocationList) *JWTIdentityProvider {
	if revocations == nil {
		revocations = NewMemoryRevocationList()
	}
	if accessTTL <= 0 {
		accessTTL = time.Hour
	}
	if refreshTTL <= 0 {
		refreshTTL = 30 * 24 * time.Hour
	}
	return &JWTIdentityProvider{
		secret:      []byte(secret),
		issuer:      issuer,
		accessTTL:   accessTTL,
		refreshTTL:  refreshTTL,
		revocations: revocations,
		now:         time.Now,
	}
}

func (p *JWTIdentityProvider) sign(userID string, role models.Role, typ string, ttl time.Duration) (string, error) {
	now := p.now()
	claims := tokenClaims{
		Role: role,
		Type: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			Issuer:    p.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (p *JWTIdentityProvider) IssueAccessToken(ctx context.Context, userID string, role models.Role) (string, error) {
	return p.sign(userID, role, TokenTypeAccess, p.accessTTL)
}

func (p *JWTIdentityProvider) IssueTokens(ctx context.Context, user *models.User) (*TokenPair, error) {
	access, err := p.sign(user.ID, user.Role, TokenTypeAccess, p.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := p.sign(user.ID, user.Role, TokenTypeRefresh, p.refreshTTL)
	if err != nil {
		return nil, err
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

func (p *JWTIdentityProvider) Authenticate(ctx context.Context, token string) (*Identity, error) {
	return p.verify(ctx, token, TokenTypeAccess)
}

func (p *JWTIdentityProvider) AuthenticateRefresh(ctx context.Context, token string) (*Identity, error) {
	return p.verify(ctx, token, TokenTypeRefresh)
}

func (p *JWTIdentityProvider) verify(ctx context.Context, token, typ string) (*Identity, error) {
	if token == "" {
		return nil, apperr.Unauthorized("missing token")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(p.now),
		jwt.WithExpirationRequired(),
	}
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return p.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperr.Unauthorized("token has expired")
		}
		return nil, apperr.Wrap(apperr.CodeUnauthorized, "invalid token", err)
	}
	if claims.Type != typ {
		return nil, apperr.Unauthorized(fmt.Sprintf("expected %s token", typ))
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, apperr.Unauthorized("token is missing subject or id")
	}
	revoked, err := p.revocations.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return nil, apperr.Unauthorized("token has been revoked")
	}
	return &Identity{
		UserID:    claims.Subject,
		Role:      claims.Role,
		TokenID:   claims.ID,
		TokenType: claims.Type,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Revoke 吊销令牌直至其自然过期
func (p *JWTIdentityProvider) Revoke(ctx context.Context, id *Identity) error {
	if id == nil || id.TokenID == "" {
		return apperr.Validation("token id is required")
	}
	ttl := id.ExpiresAt.Sub(p.now())
	if ttl <= 0 {
		return nil
	}
	return p.revocations.Revoke(ctx, id.TokenID, ttl)
}

// MemoryRevocationList 进程内吊销列表，过期条目惰性清理
type MemoryRevocationList struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewMemoryRevocationList() *MemoryRevocationList {
	return &MemoryRevocationList{entries: make(map[string]time.Time), now: time.Now}
}

func (m *MemoryRevocationList) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for k, exp := range m.entries {
		if !now.Before(exp) {
			delete(m.entries, k)
		}
	}
	m.entries[jti] = now.Add(ttl)
	return nil
}

func (m *MemoryRevocationList) IsRevoked(ctx context.Context, jti string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.entries[jti]
	if !ok {
		return false, nil
	}
	if !m.now().Before(exp) {
		delete(m.entries, jti)
		return false, nil
	}
	return true, nil
}

// RedisRevocationList 基于 Redis 的吊销列表，键随令牌过期自动删除
type RedisRevocationList struct {
	client *redis.Client
	prefix string
}

func NewRedisRevocationList(client *redis.Client, prefix string) *RedisRevocationList {
	if prefix == "" {
		prefix = "telemed:revoked:"
	}
	return &RedisRevocationList{client: client, prefix: prefix}
}

func (r *RedisRevocationList) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.prefix+jti, 1, ttl).Err(); err != nil {
		return fmt.Errorf("redis revoke: %w", err)
	}
	return nil
}

func (r *RedisRevocationList) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := r.client.Exists(ctx, r.prefix+jti).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}
