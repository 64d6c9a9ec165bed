package authmw

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T, a *Authenticator, roles ...string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", a.RequireRoles(roles...), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"sub":      c.GetString(CtxSubject),
			"username": c.GetString(CtxUsername),
			"email":    c.GetString(CtxEmail),
		})
	})
	return r
}

func get(r http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHMACAuth_IssueAndVerify(t *testing.T) {
	a, err := NewHMACAuth([]byte("secret"), "tasks", time.Hour)
	require.NoError(t, err)

	tok, exp, err := a.Issue("u-1", "alice", "alice@example.com")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, 5*time.Second)

	w := get(newTestRouter(t, a), tok)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"sub":"u-1"`)
	assert.Contains(t, w.Body.String(), `"username":"alice"`)
}

func TestRequireRoles_Rejections(t *testing.T) {
	a, err := NewHMACAuth([]byte("secret"), "tasks", time.Hour)
	require.NoError(t, err)
	other, err := NewHMACAuth([]byte("other"), "tasks", time.Hour)
	require.NoError(t, err)
	wrongIssuer, err := NewHMACAuth([]byte("secret"), "elsewhere", time.Hour)
	require.NoError(t, err)

	forged, _, err := other.Issue("u-1", "alice", "")
	require.NoError(t, err)
	foreign, _, err := wrongIssuer.Issue("u-1", "alice", "")
	require.NoError(t, err)
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "tasks",
			Subject:   "u-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	r := newTestRouter(t, a)
	tests := []struct {
		name  string
		token string
	}{
		{"missing", ""},
		{"garbage", "not-a-jwt"},
		{"wrong key", forged},
		{"wrong issuer", foreign},
		{"expired", expired},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := get(r, tc.token)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Contains(t, w.Body.String(), `"success":false`)
		})
	}
}

func TestRequireRoles_RoleCheck(t *testing.T) {
	a, err := NewHMACAuth([]byte("secret"), "tasks", time.Hour)
	require.NoError(t, err)

	plain, _, err := a.Issue("u-1", "alice", "")
	require.NoError(t, err)
	admin, _, err := a.Issue("u-2", "bob", "", "admin")
	require.NoError(t, err)

	r := newTestRouter(t, a, "admin")
	assert.Equal(t, http.StatusForbidden, get(r, plain).Code)
	assert.Equal(t, http.StatusOK, get(r, admin).Code)
}

func TestIssue_RequiresLocalMode(t *testing.T) {
	a := &Authenticator{Issuer: "kc"}
	_, _, err := a.Issue("u", "n", "e")
	assert.Error(t, err)

	_, err = NewHMACAuth(nil, "tasks", time.Hour)
	assert.Error(t, err)
}

func TestCollectRoles_MergesClientRoles(t *testing.T) {
	c := &Claims{}
	c.RealmAccess.Roles = []string{"user", "admin", "user"}
	c.ResourceAccess = map[string]struct {
		Roles []string `json:"roles"`
	}{
		"tasks-api": {Roles: []string{"editor"}},
		"other":     {Roles: []string{"ignored"}},
	}
	assert.Equal(t, []string{"user", "admin", "editor"}, collectRoles(c, "tasks-api"))
}

func TestRequireRoles_ContextHoldsIdentityOnly(t *testing.T) {
	a, err := NewHMACAuth([]byte("secret"), "tasks", time.Hour)
	require.NoError(t, err)
	tok, _, err := a.Issue("u-1", "alice", "alice@example.com", "admin")
	require.NoError(t, err)

	var keys map[any]any
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", a.RequireRoles(), func(c *gin.Context) {
		keys = c.Keys
		c.Status(http.StatusNoContent)
	})
	require.Equal(t, http.StatusNoContent, get(r, tok).Code)

	assert.Equal(t, map[any]any{
		CtxSubject:  "u-1",
		CtxUsername: "alice",
		CtxEmail:    "alice@example.com",
	}, keys)
}
