package security

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SaintWyss/ragcore/model"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestJWTRoundTrip(t *testing.T) {
	svc := NewJWTService(testSecret, time.Hour)

	token, err := svc.GenerateToken("user-1", "ana@example.com", model.RoleEmployee)
	require.NoError(t, err)

	actor, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", actor.UserID)
	assert.Equal(t, model.RoleEmployee, actor.Role)
}

func TestJWTRejections(t *testing.T) {
	svc := NewJWTService(testSecret, time.Hour)
	other := NewJWTService(strings.Repeat("x", 32), time.Hour)

	token, err := other.GenerateToken("user-1", "", model.RoleAdmin)
	require.NoError(t, err)
	_, err = svc.ValidateToken(token)
	assert.Equal(t, model.CodeUnauthorized, model.CodeOf(err))

	expiredSvc := NewJWTService(testSecret, -time.Minute)
	token, err = expiredSvc.GenerateToken("user-1", "", model.RoleAdmin)
	require.NoError(t, err)
	_, err = svc.ValidateToken(token)
	assert.Equal(t, model.CodeUnauthorized, model.CodeOf(err))

	_, err = svc.ValidateToken("garbage")
	assert.Equal(t, model.CodeUnauthorized, model.CodeOf(err))
}

func TestTokenSealerRoundTrip(t *testing.T) {
	sealer, err := NewTokenSealer([]byte(testSecret))
	require.NoError(t, err)

	sealed, err := sealer.Seal("refresh-token-value")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "refresh-token-value")

	opened, err := sealer.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "refresh-token-value", opened)

	// A second sealing of the same plaintext uses a fresh nonce.
	sealed2, err := sealer.Seal("refresh-token-value")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, sealed2)
}

func TestTokenSealerRejects(t *testing.T) {
	_, err := NewTokenSealer([]byte("short"))
	assert.Error(t, err)

	sealer, err := NewTokenSealer([]byte(testSecret))
	require.NoError(t, err)

	_, err = sealer.Open("!!not-base64!!")
	assert.Error(t, err)

	sealed, err := sealer.Seal("secreto")
	require.NoError(t, err)
	tampered := "A" + sealed[1:]
	if tampered == sealed {
		tampered = "B" + sealed[1:]
	}
	_, err = sealer.Open(tampered)
	assert.Error(t, err)
}
