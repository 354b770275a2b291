package gateway

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"agentdispatch/internal/domain"
	"agentdispatch/internal/infra/config"
)

// ClientInfo holds metadata about an authenticated gateway client.
type ClientInfo struct {
	Name  string
	Roles []string
}

// Caller maps the client onto the identity the tool executor rate-limits and
// authorizes by. The "admin" role grants admin tools.
func (c *ClientInfo) Caller() domain.Caller {
	role := domain.PermissionUser
	if slices.Contains(c.Roles, string(domain.PermissionAdmin)) {
		role = domain.PermissionAdmin
	}
	return domain.Caller{ID: c.Name, Role: role}
}

// Authenticator validates incoming gateway requests and connections.
type Authenticator interface {
	Authenticate(token string) (*ClientInfo, error)
}

// NewAuthenticator builds the authenticator selected by cfg.Type.
func NewAuthenticator(cfg config.AuthConfig) (Authenticator, error) {
	switch cfg.Type {
	case "", "none":
		return NoAuth{}, nil
	case "static":
		return NewStaticTokenAuth(cfg.Tokens), nil
	case "jwt":
		return NewJWTAuth([]byte(cfg.JWTSecret), cfg.JWTIssuer), nil
	default:
		return nil, fmt.Errorf("gateway: unknown auth type %q", cfg.Type)
	}
}

// NoAuth accepts every request as the local operator. It is meant for a
// gateway bound to loopback.
type NoAuth struct{}

func (NoAuth) Authenticate(string) (*ClientInfo, error) {
	return &ClientInfo{Name: "local", Roles: []string{string(domain.PermissionAdmin)}}, nil
}

type authEntry struct {
	token []byte
	info  *ClientInfo
}

// StaticTokenAuth authenticates clients against a static token list
// using constant-time comparison to prevent timing attacks.
type StaticTokenAuth struct {
	entries []authEntry
}

// NewStaticTokenAuth builds an authenticator from configured tokens.
func NewStaticTokenAuth(tokens []config.TokenConfig) *StaticTokenAuth {
	a := &StaticTokenAuth{entries: make([]authEntry, len(tokens))}
	for i, t := range tokens {
		a.entries[i] = authEntry{
			token: []byte(t.Token),
			info:  &ClientInfo{Name: t.Name, Roles: t.Roles},
		}
	}
	return a
}

// Authenticate returns client info if the token is valid.
func (s *StaticTokenAuth) Authenticate(token string) (*ClientInfo, error) {
	tokenBytes := []byte(token)
	for _, e := range s.entries {
		if subtle.ConstantTimeCompare(tokenBytes, e.token) == 1 {
			return e.info, nil
		}
	}
	return nil, domain.ErrGatewayAuthFailed
}

// Claims is the JWT payload accepted by JWTAuth. The subject names the
// client; roles are carried in a private claim.
type Claims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuth authenticates HS256-signed bearer tokens.
type JWTAuth struct {
	secret []byte
	issuer string
	parser *jwt.Parser
}

// NewJWTAuth creates a JWT authenticator. A non-empty issuer must match the
// token's iss claim.
func NewJWTAuth(secret []byte, issuer string) *JWTAuth {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &JWTAuth{secret: secret, issuer: issuer, parser: jwt.NewParser(opts...)}
}

// Authenticate verifies the signature and standard claims.
func (a *JWTAuth) Authenticate(token string) (*ClientInfo, error) {
	var claims Claims
	_, err := a.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrGatewayAuthFailed, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: token has no subject", domain.ErrGatewayAuthFailed)
	}
	return &ClientInfo{Name: claims.Subject, Roles: claims.Roles}, nil
}

// Issue signs a token for subject valid for ttl. Used by operators and tests.
func (a *JWTAuth) Issue(subject string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// bearerToken extracts the token from the Authorization header or the
// token query parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	return r.URL.Query().Get("token")
}
