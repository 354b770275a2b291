package gateway

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentdispatch/internal/domain"
	"agentdispatch/internal/infra/config"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestNewAuthenticator(t *testing.T) {
	a, err := NewAuthenticator(config.AuthConfig{})
	require.NoError(t, err)
	assert.IsType(t, NoAuth{}, a)

	a, err = NewAuthenticator(config.AuthConfig{Type: "static", Tokens: []config.TokenConfig{{Token: "x", Name: "x"}}})
	require.NoError(t, err)
	assert.IsType(t, &StaticTokenAuth{}, a)

	a, err = NewAuthenticator(config.AuthConfig{Type: "jwt", JWTSecret: testSecret})
	require.NoError(t, err)
	assert.IsType(t, &JWTAuth{}, a)

	_, err = NewAuthenticator(config.AuthConfig{Type: "kerberos"})
	assert.Error(t, err)
}

func TestStaticTokenAuth(t *testing.T) {
	a := NewStaticTokenAuth([]config.TokenConfig{
		{Token: "aaa", Name: "alice"},
		{Token: "bbb", Name: "bob", Roles: []string{"admin"}},
	})

	info, err := a.Authenticate("aaa")
	require.NoError(t, err)
	assert.Equal(t, domain.Caller{ID: "alice", Role: domain.PermissionUser}, info.Caller())

	info, err = a.Authenticate("bbb")
	require.NoError(t, err)
	assert.Equal(t, domain.PermissionAdmin, info.Caller().Role)

	for _, tok := range []string{"", "aa", "aaaa", "ccc"} {
		_, err := a.Authenticate(tok)
		assert.ErrorIs(t, err, domain.ErrAuthInvalid, tok)
	}
}

func TestNoAuthIsLocalAdmin(t *testing.T) {
	info, err := NoAuth{}.Authenticate("")
	require.NoError(t, err)
	assert.Equal(t, domain.Caller{ID: "local", Role: domain.PermissionAdmin}, info.Caller())
}

func TestJWTAuth(t *testing.T) {
	a := NewJWTAuth([]byte(testSecret), "agentd")

	tok, err := a.Issue("carol", []string{"admin"}, time.Minute)
	require.NoError(t, err)
	info, err := a.Authenticate(tok)
	require.NoError(t, err)
	assert.Equal(t, "carol", info.Name)
	assert.Equal(t, domain.PermissionAdmin, info.Caller().Role)

	sign := func(secret string, claims Claims, method jwt.SigningMethod) string {
		s, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
		require.NoError(t, err)
		return s
	}
	valid := func() Claims {
		return Claims{RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "dave",
			Issuer:    "agentd",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		}}
	}

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not.a.jwt"},
		{"wrong secret", sign("ffffffffffffffffffffffffffffffff", valid(), jwt.SigningMethodHS256)},
		{"wrong algorithm", sign(testSecret, valid(), jwt.SigningMethodHS512)},
		{"expired", func() string {
			c := valid()
			c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
			return sign(testSecret, c, jwt.SigningMethodHS256)
		}()},
		{"no expiry", func() string {
			c := valid()
			c.ExpiresAt = nil
			return sign(testSecret, c, jwt.SigningMethodHS256)
		}()},
		{"wrong issuer", func() string {
			c := valid()
			c.Issuer = "someone-else"
			return sign(testSecret, c, jwt.SigningMethodHS256)
		}()},
		{"no subject", func() string {
			c := valid()
			c.Subject = ""
			return sign(testSecret, c, jwt.SigningMethodHS256)
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Authenticate(tt.token)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrAuthInvalid))
		})
	}
}

func TestJWTAuth_OverHTTP(t *testing.T) {
	a := NewJWTAuth([]byte(testSecret), "")
	f := newFixture(t, a, config.GatewayConfig{})

	resp := f.do(t, http.MethodGet, "/agents", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	tok, err := a.Issue("erin", nil, time.Minute)
	require.NoError(t, err)
	resp = f.do(t, http.MethodGet, "/agents", nil, tok)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// The stream endpoint accepts the token as a query parameter.
	resp = f.do(t, http.MethodGet, "/tasks/missing/stream?token="+tok, nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/x?token=q", nil)
	assert.Equal(t, "q", bearerToken(r))

	r.Header.Set("Authorization", "Bearer  h ")
	assert.Equal(t, "h", bearerToken(r))

	r.Header.Set("Authorization", "Basic abc")
	assert.Equal(t, "q", bearerToken(r))
}
