package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"supportdesk/internal/models"
	"supportdesk/internal/store"
)

// ErrUnknownUser 令牌有效但用户不存在
var ErrUnknownUser = errors.New("unknown user")

// Identity 认证后的调用方
type Identity struct {
	UserID string      `json:"user_id"`
	Role   models.Role `json:"role"`
}

// UserInfo 对外展示的用户信息
type UserInfo struct {
	ID          string      `json:"id"`
	DisplayName string      `json:"display_name"`
	Role        models.Role `json:"role"`
}

// UserReader 只读用户查询
type UserReader interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
}

// Provider 以 JWT 校验凭证，以用户表为角色的权威来源
type Provider struct {
	tokens *JWTAuthenticator
	users  UserReader
}

// NewProvider 创建认证提供者
func NewProvider(tokens *JWTAuthenticator, users UserReader) *Provider {
	return &Provider{tokens: tokens, users: users}
}

// Authenticate 校验凭证（可带 "Bearer " 前缀）
func (p *Provider) Authenticate(ctx context.Context, credentials string) (*Identity, error) {
	token := strings.TrimSpace(credentials)
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	if token == "" {
		return nil, ErrInvalidToken
	}
	claims, err := p.tokens.Parse(token)
	if err != nil {
		return nil, err
	}
	u, err := p.lookup(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}
	return &Identity{UserID: u.ID, Role: u.Role}, nil
}

// UserByID 查询用户信息
func (p *Provider) UserByID(ctx context.Context, id string) (*UserInfo, error) {
	u, err := p.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	name := u.DisplayName
	if name == "" {
		name = u.Username
	}
	return &UserInfo{ID: u.ID, DisplayName: name, Role: u.Role}, nil
}

func (p *Provider) lookup(ctx context.Context, id string) (*models.User, error) {
	u, err := p.users.GetUser(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownUser, id)
		}
		return nil, err
	}
	if _, ok := models.ParseRole(string(u.Role)); !ok {
		return nil, fmt.Errorf("user %s has unsupported role %q", id, u.Role)
	}
	return u, nil
}
