package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradefloor/internal/models"
)

func TestIssueAndVerifyToken(t *testing.T) {
	svc := NewService("test-secret")

	token, err := svc.IssueToken("user-1", "session-1", models.RoleAdmin)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := svc.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "session-1", claims.SessionID)
	assert.Equal(t, models.RoleAdmin, claims.Role)
}

func TestVerifyToken_WrongSecret(t *testing.T) {
	token, err := NewService("secret-a").IssueToken("user-1", "session-1", models.RolePlayer)
	require.NoError(t, err)

	_, err = NewService("secret-b").VerifyToken(token)
	assert.Error(t, err)
}

func TestVerifyToken_Garbage(t *testing.T) {
	svc := NewService("test-secret")

	for _, tok := range []string{"", "not-a-token", "a.b.c"} {
		_, err := svc.VerifyToken(tok)
		assert.Error(t, err)
	}
}

func TestVerifyToken_WrongSigningMethod(t *testing.T) {
	svc := NewService("test-secret")

	// alg=none is never acceptable.
	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"user_id":    "user-1",
		"session_id": "session-1",
	})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = svc.VerifyToken(signed)
	assert.Error(t, err)
}

func TestVerifyToken_MissingIdentityClaims(t *testing.T) {
	secret := []byte("test-secret")
	svc := NewService("test-secret")

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString(secret)
	require.NoError(t, err)

	_, err = svc.VerifyToken(signed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "identity")
}

func TestVerifyToken_Expired(t *testing.T) {
	secret := []byte("test-secret")
	svc := NewService("test-secret")

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id":    "user-1",
		"session_id": "session-1",
		"exp":        time.Now().Add(-time.Hour).Unix(),
	})
	signed, err := token.SignedString(secret)
	require.NoError(t, err)

	_, err = svc.VerifyToken(signed)
	assert.Error(t, err)
}
