package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bissquit/herald/internal/domain"
)

func newTestAuthenticator() *Authenticator {
	return NewAuthenticator(Config{
		SecretKey:     "test-secret-key-at-least-32-bytes!!",
		Issuer:        "herald",
		TokenDuration: time.Hour,
	})
}

func TestAuthenticator_RoundTrip(t *testing.T) {
	a := newTestAuthenticator()

	token, err := a.IssueToken("billing-service", domain.RoleProducer)
	require.NoError(t, err)

	subject, role, err := a.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "billing-service", subject)
	assert.Equal(t, domain.RoleProducer, role)
}

func TestAuthenticator_Expired(t *testing.T) {
	a := newTestAuthenticator()
	a.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }

	token, err := a.IssueToken("svc", domain.RoleAdmin)
	require.NoError(t, err)

	a.now = time.Now
	_, _, err = a.ValidateToken(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticator_WrongSecret(t *testing.T) {
	token, err := newTestAuthenticator().IssueToken("svc", domain.RoleAdmin)
	require.NoError(t, err)

	other := NewAuthenticator(Config{SecretKey: "another-secret-key-with-32-bytes!!", Issuer: "herald"})
	_, _, err = other.ValidateToken(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticator_RejectsOtherAlgorithms(t *testing.T) {
	a := newTestAuthenticator()
	token := jwt.NewWithClaims(jwt.SigningMethodHS512, Claims{
		Role:             domain.RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{Subject: "svc", Issuer: "herald"},
	})
	signed, err := token.SignedString([]byte(a.config.SecretKey))
	require.NoError(t, err)

	_, _, err = a.ValidateToken(context.Background(), signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticator_UnknownRole(t *testing.T) {
	a := newTestAuthenticator()

	_, err := a.IssueToken("svc", domain.Role("root"))
	assert.ErrorIs(t, err, ErrInvalidRole)
}
