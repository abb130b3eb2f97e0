package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestAuthenticator(t *testing.T) *Authenticator {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("correct horse"), bcrypt.MinCost)
	require.NoError(t, err)
	a, err := New(Config{Username: "admin", PasswordHash: string(hash), Secret: "s3cret", TokenTTL: time.Hour})
	require.NoError(t, err)
	return a
}

func TestNew_Validates(t *testing.T) {
	_, err := New(Config{PasswordHash: "$2a$10$abc"})
	assert.ErrorContains(t, err, "secret")
	_, err = New(Config{Secret: "x"})
	assert.ErrorContains(t, err, "hash")
	_, err = New(Config{Secret: "x", PasswordHash: "plain"})
	assert.Error(t, err)
}

func TestLoginAndVerify(t *testing.T) {
	a := newTestAuthenticator(t)

	token, expires, err := a.Login(" admin ", "correct horse")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expires, 5*time.Second)

	subject, err := a.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "admin", subject)
}

func TestLogin_InvalidCredentials(t *testing.T) {
	a := newTestAuthenticator(t)

	tests := []struct{ user, pass string }{
		{"admin", "wrong"},
		{"root", "correct horse"},
		{"", "correct horse"},
		{"admin", ""},
	}
	for _, tt := range tests {
		_, _, err := a.Login(tt.user, tt.pass)
		assert.ErrorIs(t, err, ErrInvalidCredentials, "%s/%s", tt.user, tt.pass)
	}
}

func TestVerify_Rejects(t *testing.T) {
	a := newTestAuthenticator(t)
	token, _, err := a.Login("admin", "correct horse")
	require.NoError(t, err)

	_, err = a.Verify(token + "x")
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = a.Verify("")
	assert.ErrorIs(t, err, ErrInvalidToken)

	other := newTestAuthenticator(t)
	other.secret = []byte("different")
	_, err = other.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	a.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = a.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestHashPassword(t *testing.T) {
	_, err := HashPassword("short")
	assert.Error(t, err)

	hash, err := HashPassword("long enough")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("long enough")))
}
