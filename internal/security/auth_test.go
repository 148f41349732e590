package security

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/chirino/chat-service/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func resolverConfig(mode string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Mode = mode
	cfg.JWTSecret = "s3cret"
	return &cfg
}

func TestResolve_TestingModeAcceptsPlainUserID(t *testing.T) {
	r := NewTokenResolver(resolverConfig(config.ModeTesting))

	id, err := r.Resolve(context.Background(), " alice ")
	require.NoError(t, err)
	require.Equal(t, "alice", id.UserID)
}

func TestResolve_ProdModeRejectsPlainUserID(t *testing.T) {
	r := NewTokenResolver(resolverConfig(config.ModeProd))

	_, err := r.Resolve(context.Background(), "alice")
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestResolve_RejectsEmptyCredential(t *testing.T) {
	r := NewTokenResolver(resolverConfig(config.ModeTesting))

	_, err := r.Resolve(context.Background(), "")
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestResolve_SessionToken(t *testing.T) {
	r := NewTokenResolver(resolverConfig(config.ModeProd))
	token, _, err := r.Sessions().Issue("bob")
	require.NoError(t, err)

	id, err := r.Resolve(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, "bob", id.UserID)

	_, err = r.Resolve(context.Background(), token+"x")
	require.ErrorIs(t, err, ErrUnauthorized)
}

// oidcIssuer serves a discovery document and a JWKS for one RSA key.
type oidcIssuer struct {
	server *httptest.Server
	key    *rsa.PrivateKey
}

func newOIDCIssuer(t *testing.T) *oidcIssuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	iss := &oidcIssuer{key: key}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"issuer":"` + iss.server.URL + `","jwks_uri":"` + iss.server.URL + `/keys",` +
			`"authorization_endpoint":"` + iss.server.URL + `/auth","token_endpoint":"` + iss.server.URL + `/token",` +
			`"id_token_signing_alg_values_supported":["RS256"]}`))
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		n := base64.RawURLEncoding.EncodeToString(key.N.Bytes())
		e := base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes())
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"keys":[{"kty":"RSA","alg":"RS256","use":"sig","kid":"test","n":"` + n + `","e":"` + e + `"}]}`))
	})
	iss.server = httptest.NewServer(mux)
	t.Cleanup(iss.server.Close)
	return iss
}

func (i *oidcIssuer) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "test"
	raw, err := token.SignedString(i.key)
	require.NoError(t, err)
	return raw
}

func TestResolve_OIDCToken(t *testing.T) {
	iss := newOIDCIssuer(t)
	cfg := resolverConfig(config.ModeProd)
	cfg.OIDCIssuer = iss.server.URL
	r := NewTokenResolver(cfg)
	require.NotNil(t, r.verifier)

	now := time.Now()
	token := iss.sign(t, jwt.MapClaims{
		"iss":                iss.server.URL,
		"sub":                "c0ffee",
		"aud":                "chat-web",
		"preferred_username": "carol",
		"iat":                now.Unix(),
		"exp":                now.Add(time.Hour).Unix(),
	})
	id, err := r.Resolve(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, "carol", id.UserID)

	subjectOnly := iss.sign(t, jwt.MapClaims{
		"iss": iss.server.URL,
		"sub": "c0ffee",
		"aud": "chat-web",
		"exp": now.Add(time.Hour).Unix(),
	})
	id, err = r.Resolve(context.Background(), subjectOnly)
	require.NoError(t, err)
	require.Equal(t, "c0ffee", id.UserID)

	expired := iss.sign(t, jwt.MapClaims{
		"iss": iss.server.URL,
		"sub": "c0ffee",
		"aud": "chat-web",
		"exp": now.Add(-time.Hour).Unix(),
	})
	_, err = r.Resolve(context.Background(), expired)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestCredentialFromRequest_Precedence(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/socket?token=from-query", nil)
	require.Equal(t, "from-query", CredentialFromRequest(req))

	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "from-cookie"})
	require.Equal(t, "from-cookie", CredentialFromRequest(req))

	req.Header.Set("Authorization", "Bearer from-header")
	require.Equal(t, "from-header", CredentialFromRequest(req))
}

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/whoami", AuthMiddleware(NewTokenResolver(resolverConfig(config.ModeTesting))), func(c *gin.Context) {
		c.String(http.StatusOK, GetUserID(c))
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/whoami", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.JSONEq(t, `{"error":"unauthorized"}`, rec.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer alice")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "alice", rec.Body.String())
}
