package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndValidate(t *testing.T) {
	svc := NewTokenService("secret", "dispatchd", time.Hour)

	tok, expires, err := svc.Issue("alice")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expires, 5*time.Second)

	sub, err := svc.Validate(tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", sub)
}

func TestIssueRequiresSubject(t *testing.T) {
	svc := NewTokenService("secret", "dispatchd", time.Hour)
	_, _, err := svc.Issue("  ")
	assert.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	svc := NewTokenService("secret", "dispatchd", time.Hour)

	other := NewTokenService("other-secret", "dispatchd", time.Hour)
	wrongKey, _, err := other.Issue("alice")
	require.NoError(t, err)

	foreign := NewTokenService("secret", "someone-else", time.Hour)
	wrongIssuer, _, err := foreign.Issue("alice")
	require.NoError(t, err)

	expired := NewTokenService("secret", "dispatchd", time.Hour)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	old, _, err := expired.Issue("alice")
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "dispatchd", Subject: "alice"},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, tok := range map[string]string{
		"garbage":      "not-a-token",
		"wrong key":    wrongKey,
		"wrong issuer": wrongIssuer,
		"expired":      old,
		"alg none":     none,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Validate(tok)
			assert.True(t, errors.Is(err, ErrInvalidToken), "got %v", err)
		})
	}
}

func TestBearerToken(t *testing.T) {
	tok, ok := BearerToken("Bearer abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", tok)

	tok, ok = BearerToken("bearer  abc ")
	assert.True(t, ok)
	assert.Equal(t, "abc", tok)

	for _, h := range []string{"", "Bearer", "Bearer ", "Basic abc"} {
		_, ok := BearerToken(h)
		assert.False(t, ok, h)
	}
}
