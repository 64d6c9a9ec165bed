package authmw

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Gin context keys set by RequireRoles.
const (
	CtxSubject  = "auth.sub"
	CtxUsername = "auth.username"
	CtxEmail    = "auth.email"
)

// Authenticator verifies bearer tokens. Keycloak mode checks RS256 tokens
// against the realm JWKS; local mode checks HS256 tokens it issued itself.
type Authenticator struct {
	Issuer   string // e.g. http://localhost:8080/realms/myrealm
	Audience string // checked only when set
	ClientID string // for client roles under resource_access[ClientID].roles

	keyfunc jwt.Keyfunc
	methods []string
	secret  []byte
	ttl     time.Duration
	// optional clock skew
	Leeway time.Duration
}

// Build once at startup (don't fetch JWKS on every request)
func NewKeycloakAuth(jwksURL, issuer, audience, clientID string) (*Authenticator, error) {
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		RefreshInterval:  time.Hour,
		RefreshRateLimit: time.Minute * 5,
		RefreshTimeout:   time.Second * 10,
	})
	if err != nil {
		return nil, err
	}

	return &Authenticator{
		Issuer:   issuer,
		Audience: audience,
		ClientID: clientID,
		keyfunc:  jwks.Keyfunc,
		methods:  []string{"RS256"},
		Leeway:   30 * time.Second,
	}, nil
}

// NewHMACAuth verifies and issues HS256 tokens signed with secret.
func NewHMACAuth(secret []byte, issuer string, ttl time.Duration) (*Authenticator, error) {
	if len(secret) == 0 {
		return nil, errors.New("empty signing secret")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Authenticator{
		Issuer: issuer,
		keyfunc: func(*jwt.Token) (any, error) {
			return secret, nil
		},
		methods: []string{"HS256"},
		secret:  secret,
		ttl:     ttl,
		Leeway:  30 * time.Second,
	}, nil
}

type Claims struct {
	jwt.RegisteredClaims

	PreferredUsername string `json:"preferred_username"`
	Email             string `json:"email"`
	EmailVerified     bool   `json:"email_verified"`
	Name              string `json:"name,omitempty"`

	RealmAccess struct {
		Roles []string `json:"roles"`
	} `json:"realm_access"`

	ResourceAccess map[string]struct {
		Roles []string `json:"roles"`
	} `json:"resource_access,omitempty"`
}

// Issue signs a token for a locally authenticated user.
func (a *Authenticator) Issue(subject, username, email string, roles ...string) (string, time.Time, error) {
	if a.secret == nil {
		return "", time.Time{}, errors.New("token issuing requires local auth mode")
	}
	now := time.Now()
	exp := now.Add(a.ttl)

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.Issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		PreferredUsername: username,
		Email:             email,
		EmailVerified:     true,
	}
	claims.RealmAccess.Roles = roles

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

func (a *Authenticator) parse(tokenStr string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithIssuer(a.Issuer),
		jwt.WithLeeway(a.Leeway),
		jwt.WithValidMethods(a.methods),
		jwt.WithExpirationRequired(),
	}
	if a.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.Audience))
	}

	claims := &Claims{}
	if _, err := jwt.ParseWithClaims(tokenStr, claims, a.keyfunc, opts...); err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// RequireRoles authenticates the caller and, when roles are given, requires
// at least one of them. With no roles any valid token passes.
func (a *Authenticator) RequireRoles(anyOf ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr, err := extractAccessToken(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": err.Error()})
			return
		}

		claims, err := a.parse(tokenStr)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "invalid token"})
			return
		}

		roles := collectRoles(claims, a.ClientID)

		// Put identity into context for handlers
		c.Set(CtxSubject, claims.Subject)
		c.Set(CtxUsername, claims.PreferredUsername)
		c.Set(CtxEmail, claims.Email)

		if len(anyOf) > 0 && !hasAnyRole(roles, anyOf...) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"success": false, "message": "insufficient role"})
			return
		}

		c.Next()
	}
}

// --- helpers ---

func extractAccessToken(c *gin.Context) (string, error) {
	// 1) Authorization: Bearer <token>
	authz := c.GetHeader("Authorization")
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return strings.TrimSpace(authz[7:]), nil
	}

	// 2) cookie fallback
	if cookie, err := c.Cookie("access_token"); err == nil && cookie != "" {
		return cookie, nil
	}

	return "", errors.New("missing access token")
}

func collectRoles(claims *Claims, clientID string) []string {
	out := make([]string, 0, 16)

	// realm roles
	out = append(out, claims.RealmAccess.Roles...)

	// client roles (resource_access)
	if clientID != "" && claims.ResourceAccess != nil {
		if ra, ok := claims.ResourceAccess[clientID]; ok {
			out = append(out, ra.Roles...)
		}
	}

	return uniq(out)
}

func hasAnyRole(userRoles []string, anyOf ...string) bool {
	roleSet := make(map[string]struct{}, len(userRoles))
	for _, r := range userRoles {
		roleSet[r] = struct{}{}
	}
	for _, required := range anyOf {
		if _, ok := roleSet[required]; ok {
			return true
		}
	}
	return false
}

func uniq(in []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
