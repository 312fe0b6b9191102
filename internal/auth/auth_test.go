package auth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	apperrors "github.com/cyruslayo/buildr/internal/errors"
	"github.com/cyruslayo/buildr/internal/logging"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func init() {
	gin.SetMode(gin.TestMode)
}

func testUsers(t *testing.T) Users {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)
	return Users{"ada": hash}
}

func testIssuer(t *testing.T) *Issuer {
	t.Helper()
	iss, err := NewIssuer(testSecret, "buildr", time.Hour)
	require.NoError(t, err)
	return iss
}

// --- Users ---

func TestParseUsers(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	require.NoError(t, err)

	users, err := ParseUsers(" ada:" + string(hash) + ", ,bola:" + string(hash))
	require.NoError(t, err)
	assert.Len(t, users, 2)
	assert.NoError(t, users.Verify("bola", "pw"))
}

func TestParseUsers_Invalid(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	require.NoError(t, err)

	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "no colon", raw: "ada", want: "expected name:hash"},
		{name: "empty hash", raw: "ada:", want: "expected name:hash"},
		{name: "plain password", raw: "ada:secret", want: "not a bcrypt hash"},
		{name: "duplicate", raw: "ada:" + string(hash) + ",ada:" + string(hash), want: "listed twice"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseUsers(tt.raw)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestVerify(t *testing.T) {
	users := testUsers(t)

	assert.NoError(t, users.Verify("ada", "secret"))
	assert.ErrorIs(t, users.Verify("ada", "wrong"), apperrors.ErrInvalidCredentials)
	assert.ErrorIs(t, users.Verify("nobody", "secret"), apperrors.ErrInvalidCredentials)
}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")))

	_, err = HashPassword("")
	assert.Error(t, err)
}

// --- Issuer ---

func TestNewIssuer_ShortSecret(t *testing.T) {
	_, err := NewIssuer("short", "buildr", time.Hour)
	assert.ErrorContains(t, err, "at least 32 bytes")
}

func TestIssueAndParse(t *testing.T) {
	iss := testIssuer(t)

	token, expires, err := iss.Issue("ada")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expires, 5*time.Second)

	user, err := iss.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "ada", user)
}

func TestParse_Rejects(t *testing.T) {
	iss := testIssuer(t)

	expired := testIssuer(t)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expiredToken, _, err := expired.Issue("ada")
	require.NoError(t, err)

	otherIssuer, err := NewIssuer(testSecret, "someone-else", time.Hour)
	require.NoError(t, err)
	foreignToken, _, err := otherIssuer.Issue("ada")
	require.NoError(t, err)

	otherSecret, err := NewIssuer(strings.Repeat("x", 32), "buildr", time.Hour)
	require.NoError(t, err)
	forgedToken, _, err := otherSecret.Issue("ada")
	require.NoError(t, err)

	noneToken, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Issuer:    "buildr",
		Subject:   "ada",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{name: "garbage", token: "not-a-token"},
		{name: "expired", token: expiredToken},
		{name: "wrong issuer", token: foreignToken},
		{name: "wrong secret", token: forgedToken},
		{name: "alg none", token: noneToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := iss.Parse(tt.token)
			assert.ErrorIs(t, err, apperrors.ErrInvalidToken)
		})
	}
}

// --- Middleware ---

func protectedRouter(iss *Issuer) *gin.Engine {
	r := gin.New()
	r.Use(Middleware(iss, logging.Discard()))
	r.GET("/whoami", func(c *gin.Context) {
		c.String(http.StatusOK, RequestUserID(c.Request.Context()))
	})
	return r
}

func TestMiddleware(t *testing.T) {
	iss := testIssuer(t)
	token, _, err := iss.Issue("ada")
	require.NoError(t, err)

	tests := []struct {
		name       string
		header     string
		query      string
		wantStatus int
		wantBody   string
		wantWWW    string
	}{
		{name: "header", header: "Bearer " + token, wantStatus: http.StatusOK, wantBody: "ada"},
		{name: "query", query: "?access_token=" + token, wantStatus: http.StatusOK, wantBody: "ada"},
		{name: "missing", wantStatus: http.StatusUnauthorized, wantWWW: wwwAuthNoToken},
		{name: "basic", header: "Basic abc", wantStatus: http.StatusUnauthorized, wantWWW: wwwAuthNoToken},
		{name: "invalid", header: "Bearer nope", wantStatus: http.StatusUnauthorized, wantWWW: wwwAuthInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/whoami"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			rec := httptest.NewRecorder()
			protectedRouter(iss).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, rec.Body.String())
			}
			assert.Equal(t, tt.wantWWW, rec.Header().Get("WWW-Authenticate"))
		})
	}
}

func TestWithUser(t *testing.T) {
	ctx := WithUser(t.Context(), "bola")
	assert.Equal(t, "bola", RequestUserID(ctx))
	assert.Empty(t, RequestRemoteIP(ctx))
}

// --- Login ---

func loginRouter(t *testing.T) (*gin.Engine, *LoginHandler) {
	t.Helper()
	h := NewLoginHandler(testUsers(t), testIssuer(t), logging.Discard())
	r := gin.New()
	r.POST("/api/auth/login", h.Handle)
	return r, h
}

func postLogin(r http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestLogin_Success(t *testing.T) {
	r, h := loginRouter(t)

	rec := postLogin(r, `{"username":"ada","password":"secret"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp LoginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ExpiresAt)

	user, err := h.issuer.Parse(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "ada", user)
}

func TestLogin_Failures(t *testing.T) {
	r, _ := loginRouter(t)

	rec := postLogin(r, `{"username":"ada","password":"wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"invalid username or password"}`, rec.Body.String())

	rec = postLogin(r, `{"username":"ada"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogin_RateLimited(t *testing.T) {
	r, _ := loginRouter(t)

	for range rateLimitMaxFail {
		rec := postLogin(r, `{"username":"ada","password":"wrong"}`)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	rec := postLogin(r, `{"username":"ada","password":"secret"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code, "correct password is still blocked")
}

func TestRateLimiter_WindowExpires(t *testing.T) {
	now := time.Now()
	rl := newLoginRateLimiter()
	rl.now = func() time.Time { return now }

	for range rateLimitMaxFail {
		rl.record("1.2.3.4")
	}
	assert.True(t, rl.check("1.2.3.4"))
	assert.False(t, rl.check("5.6.7.8"))

	now = now.Add(rateLimitWindow + time.Second)
	assert.False(t, rl.check("1.2.3.4"))
	assert.Empty(t, rl.failures)
}
