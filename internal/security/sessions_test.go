package security

import (
	"testing"
	"time"

	"github.com/chirino/chat-service/internal/config"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func newTestSessions(t *testing.T, now time.Time) *Sessions {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.JWTSecret = "s3cret"
	cfg.SessionTTL = time.Hour
	s := NewSessions(&cfg)
	require.NotNil(t, s)
	s.now = func() time.Time { return now }
	return s
}

func TestNewSessions_NilWithoutSecret(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.JWTSecret = "  "
	require.Nil(t, NewSessions(&cfg))
}

func TestSessions_IssueAndParse(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := newTestSessions(t, now)

	token, expiresAt, err := s.Issue("alice")
	require.NoError(t, err)
	require.Equal(t, now.Add(time.Hour), expiresAt)

	userID, err := s.Parse(token)
	require.NoError(t, err)
	require.Equal(t, "alice", userID)
}

func TestSessions_RejectsExpired(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := newTestSessions(t, now)
	token, _, err := s.Issue("alice")
	require.NoError(t, err)

	s.now = func() time.Time { return now.Add(2 * time.Hour) }
	_, err = s.Parse(token)
	require.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestSessions_RejectsForeignSecret(t *testing.T) {
	now := time.Now()
	s := newTestSessions(t, now)
	other := newTestSessions(t, now)
	other.secret = []byte("different")

	token, _, err := other.Issue("mallory")
	require.NoError(t, err)
	_, err = s.Parse(token)
	require.Error(t, err)
}

func TestSessions_RejectsUnsignedToken(t *testing.T) {
	s := newTestSessions(t, time.Now())
	token := jwt.NewWithClaims(jwt.SigningMethodNone, &SessionClaims{
		UserID:           "mallory",
		RegisteredClaims: jwt.RegisteredClaims{Issuer: sessionIssuer},
	})
	raw, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = s.Parse(raw)
	require.Error(t, err)
}
