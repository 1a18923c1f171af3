package auth

import (
	"context"
	"testing"
	"time"

	"supportdesk/internal/models"
	"supportdesk/internal/store"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapUsers map[string]*models.User

func (m mapUsers) GetUser(_ context.Context, id string) (*models.User, error) {
	if u, ok := m[id]; ok {
		return u, nil
	}
	return nil, store.ErrNotFound
}

func TestJWTAuthenticator_IssueAndParse(t *testing.T) {
	a := NewJWTAuthenticator("secret", "supportdesk")
	tok, err := a.Issue("bob", models.RoleOperator, time.Hour)
	require.NoError(t, err)

	claims, err := a.Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, "bob", claims.Subject)
	assert.Equal(t, "operator", claims.Role)
}

func TestJWTAuthenticator_RejectsBadTokens(t *testing.T) {
	a := NewJWTAuthenticator("secret", "supportdesk")

	other := NewJWTAuthenticator("other", "supportdesk")
	tok, err := other.Issue("bob", models.RoleOperator, time.Hour)
	require.NoError(t, err)
	_, err = a.Parse(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	past := time.Now().Add(-2 * time.Hour)
	a.now = func() time.Time { return past }
	expired, err := a.Issue("bob", models.RoleOperator, time.Minute)
	require.NoError(t, err)
	a.now = time.Now
	_, err = a.Parse(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "bob"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = a.Parse(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = a.Parse("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestProvider_AuthenticateUsesStoredRole(t *testing.T) {
	a := NewJWTAuthenticator("secret", "")
	users := mapUsers{
		"bob":   {ID: "bob", Username: "bob", DisplayName: "Bob", Role: models.RoleOperator},
		"alice": {ID: "alice", Username: "alice", Role: models.RoleCustomer},
	}
	p := NewProvider(a, users)

	// 令牌中的角色不可信，以用户表为准
	tok, err := a.Issue("alice", models.RoleOperator, time.Hour)
	require.NoError(t, err)
	id, err := p.Authenticate(context.Background(), "Bearer "+tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.UserID)
	assert.Equal(t, models.RoleCustomer, id.Role)

	info, err := p.UserByID(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", info.DisplayName)

	ghost, err := a.Issue("ghost", models.RoleCustomer, time.Hour)
	require.NoError(t, err)
	_, err = p.Authenticate(context.Background(), ghost)
	assert.ErrorIs(t, err, ErrUnknownUser)

	_, err = p.Authenticate(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
