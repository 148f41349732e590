package security

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/chirino/chat-service/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// SessionCookieName is the cookie that carries the session token for browser clients.
const SessionCookieName = "token"

const sessionIssuer = "chat-service"

// SessionClaims is the payload of a locally issued session token.
type SessionClaims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

// Sessions issues and verifies HS256 session tokens for users that
// registered or logged in through this service.
type Sessions struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSessions returns nil when no secret is configured.
func NewSessions(cfg *config.Config) *Sessions {
	secret := strings.TrimSpace(cfg.JWTSecret)
	if secret == "" {
		return nil
	}
	return &Sessions{secret: []byte(secret), ttl: cfg.SessionTTL, now: time.Now}
}

// Issue signs a session token for userID.
func (s *Sessions) Issue(userID string) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.ttl)
	claims := &SessionClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    sessionIssuer,
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, expiresAt, nil
}

// Parse verifies a session token and returns the user it was issued for.
func (s *Sessions) Parse(tokenStr string) (string, error) {
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims,
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithIssuer(sessionIssuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", err
	}
	if !token.Valid || claims.UserID == "" {
		return "", errors.New("invalid session token")
	}
	return claims.UserID, nil
}

// SetSessionCookie writes the session token as an httpOnly cookie.
func SetSessionCookie(c *gin.Context, cfg *config.Config, token string, expiresAt time.Time) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		Domain:   cfg.CookieDomain,
		Expires:  expiresAt,
		MaxAge:   int(time.Until(expiresAt).Seconds()),
		HttpOnly: true,
		Secure:   cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie expires the session cookie.
func ClearSessionCookie(c *gin.Context, cfg *config.Config) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   cfg.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}
