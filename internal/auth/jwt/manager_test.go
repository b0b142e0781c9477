package jwt

import (
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaymail/backend/internal/domain"
)

const testSecret = "test-secret-with-at-least-32-characters"

func testAccount(role domain.AccountRole) *domain.Account {
	return &domain.Account{ID: "acc-1", ExternalID: "1001", Role: role}
}

func TestManager_GenerateAndValidate(t *testing.T) {
	manager := NewManager(testSecret, "relaymail", 15*time.Minute)

	token, err := manager.GenerateToken(testAccount(domain.RoleUser))
	require.NoError(t, err)
	assert.NotEmpty(t, token.AccessToken)
	assert.Equal(t, "Bearer", token.TokenType)
	assert.Equal(t, int64(15*60), token.ExpiresIn)

	claims, err := manager.ValidateToken(token.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "acc-1", claims.AccountID)
	assert.Equal(t, "1001", claims.ExternalID)
	assert.Equal(t, domain.RoleUser, claims.Role)
	assert.False(t, claims.IsAdmin())
}

func TestManager_AdminRole(t *testing.T) {
	manager := NewManager(testSecret, "relaymail", time.Hour)

	token, err := manager.GenerateToken(testAccount(domain.RoleAdmin))
	require.NoError(t, err)

	claims, err := manager.ValidateToken(token.AccessToken)
	require.NoError(t, err)
	assert.True(t, claims.IsAdmin())
}

func TestManager_ValidateToken_Invalid(t *testing.T) {
	manager := NewManager(testSecret, "relaymail", time.Hour)

	t.Run("格式错误", func(t *testing.T) {
		_, err := manager.ValidateToken("invalid-token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("签名密钥不同", func(t *testing.T) {
		other := NewManager("another-secret-with-at-least-32-chars", "relaymail", time.Hour)
		token, err := other.GenerateToken(testAccount(domain.RoleUser))
		require.NoError(t, err)

		_, err = manager.ValidateToken(token.AccessToken)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("签发者不同", func(t *testing.T) {
		other := NewManager(testSecret, "someone-else", time.Hour)
		token, err := other.GenerateToken(testAccount(domain.RoleUser))
		require.NoError(t, err)

		_, err = manager.ValidateToken(token.AccessToken)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("非 HMAC 算法", func(t *testing.T) {
		token := gojwt.NewWithClaims(gojwt.SigningMethodNone, Claims{AccountID: "acc-1"})
		signed, err := token.SignedString(gojwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		_, err = manager.ValidateToken(signed)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestManager_ValidateToken_Expired(t *testing.T) {
	manager := NewManager(testSecret, "relaymail", time.Minute)
	issued := time.Now()
	manager.now = func() time.Time { return issued }

	token, err := manager.GenerateToken(testAccount(domain.RoleUser))
	require.NoError(t, err)

	manager.now = func() time.Time { return issued.Add(2 * time.Minute) }
	_, err = manager.ValidateToken(token.AccessToken)
	assert.ErrorIs(t, err, ErrExpiredToken)
}
