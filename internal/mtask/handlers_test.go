package mtask

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	auth "kyri56xcaesar/collab-tasks/internal/authmw"
)

type apiHarness struct {
	*harness
	srv   *Server
	authn *auth.Authenticator
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	h := newHarness(t)
	authn, err := auth.NewHMACAuth([]byte("test-secret"), "collab-tasks", time.Hour)
	require.NoError(t, err)

	cfg := Config{
		ApiGinMode:     "test",
		AllowedOrigins: []string{"*"},
		AuthMode:       "local",
	}
	return &apiHarness{
		harness: h,
		srv:     NewServer(cfg, h.engine, authn, nil, zerolog.Nop()),
		authn:   authn,
	}
}

func (a *apiHarness) token(t *testing.T, who Actor) string {
	t.Helper()
	tok, _, err := a.authn.Issue(who.ID, who.Username, who.Username+"@example.com")
	require.NoError(t, err)
	return tok
}

func (a *apiHarness) do(t *testing.T, method, path, token string, body any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.srv.Handler().ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	}
	return w.Code, env
}

func TestAPI_TaskLifecycle(t *testing.T) {
	a := newAPIHarness(t)
	alice, bob, carol := a.token(t, a.alice), a.token(t, a.bob), a.token(t, a.carol)

	code, env := a.do(t, http.MethodPost, "/api/v1/tasks", alice, jsonBody{
		"title":    "Ship v1",
		"dueDate":  "2026-04-01",
		"priority": "High",
		"tags":     []string{"release"},
	})
	require.Equal(t, http.StatusCreated, code, env.Message)
	assert.True(t, env.Success)
	assert.Equal(t, "task created", env.Message)

	var created TaskDetail
	require.NoError(t, json.Unmarshal(env.Data, &created))
	assert.Equal(t, "alice", created.CreatedBy.Username)
	assert.Equal(t, PriorityHigh, created.Priority)
	taskPath := "/api/v1/tasks/" + created.ID

	code, env = a.do(t, http.MethodPost, taskPath+"/collaborators", alice, jsonBody{"username": "bob", "assignedResponsibility": "QA"})
	require.Equal(t, http.StatusOK, code, env.Message)
	var withBob TaskDetail
	require.NoError(t, json.Unmarshal(env.Data, &withBob))
	require.Len(t, withBob.Collaborators, 1)
	assert.Equal(t, "bob", withBob.Collaborators[0].User.Username)
	assert.True(t, withBob.Collaborators[0].EmailSent)

	code, env = a.do(t, http.MethodPost, taskPath+"/collaborators", alice, jsonBody{"username": "bob"})
	assert.Equal(t, http.StatusConflict, code)
	assert.False(t, env.Success)

	code, _ = a.do(t, http.MethodPost, taskPath+"/collaborators", alice, jsonBody{"username": "ghost"})
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = a.do(t, http.MethodGet, taskPath, bob, nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = a.do(t, http.MethodPut, taskPath, bob, jsonBody{"title": "mine now"})
	assert.Equal(t, http.StatusForbidden, code)

	code, env = a.do(t, http.MethodPatch, taskPath+"/status", bob, jsonBody{"status": "Completed"})
	require.Equal(t, http.StatusOK, code, env.Message)

	code, _ = a.do(t, http.MethodGet, taskPath, carol, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, env = a.do(t, http.MethodPost, taskPath+"/comments", bob, jsonBody{"text": "done and dusted"})
	require.Equal(t, http.StatusCreated, code, env.Message)

	code, env = a.do(t, http.MethodGet, "/api/v1/tasks?page=1&limit=5", bob, nil)
	require.Equal(t, http.StatusOK, code)
	var page TaskPage
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.EqualValues(t, 1, page.Total)
	assert.Equal(t, StatusCompleted, page.Tasks[0].Status)

	code, _ = a.do(t, http.MethodDelete, taskPath+"/collaborators/"+a.bob.ID, alice, nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = a.do(t, http.MethodDelete, taskPath, alice, nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = a.do(t, http.MethodGet, taskPath, alice, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestAPI_BadRequests(t *testing.T) {
	a := newAPIHarness(t)
	alice := a.token(t, a.alice)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
	}{
		{"missing title", http.MethodPost, "/api/v1/tasks", jsonBody{"dueDate": "2026-04-01"}},
		{"bad due date", http.MethodPost, "/api/v1/tasks", jsonBody{"title": "x", "dueDate": "someday"}},
		{"bad priority", http.MethodPost, "/api/v1/tasks", jsonBody{"title": "x", "dueDate": "2026-04-01", "priority": "Urgent"}},
		{"bad page", http.MethodGet, "/api/v1/tasks?page=zero", nil},
		{"empty search", http.MethodGet, "/api/v1/users/search?username=", nil},
		{"empty profile update", http.MethodPut, "/api/v1/users/profile", jsonBody{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, env := a.do(t, tt.method, tt.path, alice, tt.body)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.False(t, env.Success)
			assert.NotEmpty(t, env.Message)
		})
	}
}

func TestAPI_Unauthorized(t *testing.T) {
	a := newAPIHarness(t)

	code, env := a.do(t, http.MethodGet, "/api/v1/tasks", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.False(t, env.Success)

	code, _ = a.do(t, http.MethodGet, "/api/v1/tasks", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	other, err := auth.NewHMACAuth([]byte("other-secret"), "collab-tasks", time.Hour)
	require.NoError(t, err)
	forged, _, err := other.Issue(a.alice.ID, "alice", "alice@example.com")
	require.NoError(t, err)
	code, _ = a.do(t, http.MethodGet, "/api/v1/tasks", forged, nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestAPI_RegisterAndLogin(t *testing.T) {
	a := newAPIHarness(t)

	code, env := a.do(t, http.MethodPost, "/api/v1/auth/register", "", jsonBody{
		"username": "erin",
		"email":    "erin@example.com",
		"password": "s3cret-pass",
	})
	require.Equal(t, http.StatusCreated, code, env.Message)
	var reg tokenResponse
	require.NoError(t, json.Unmarshal(env.Data, &reg))
	assert.NotEmpty(t, reg.AccessToken)
	assert.Positive(t, reg.ExpiresIn)
	require.NotNil(t, reg.User)
	assert.Equal(t, "erin", reg.User.Username)
	assert.NotContains(t, string(env.Data), "s3cret-pass")

	code, _ = a.do(t, http.MethodPost, "/api/v1/auth/register", "", jsonBody{
		"username": "erin",
		"email":    "erin2@example.com",
		"password": "s3cret-pass",
	})
	assert.Equal(t, http.StatusConflict, code)

	code, _ = a.do(t, http.MethodPost, "/api/v1/auth/login", "", jsonBody{"username": "erin", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = a.do(t, http.MethodPost, "/api/v1/auth/login", "", jsonBody{"username": "nobody", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, code)

	code, env = a.do(t, http.MethodPost, "/api/v1/auth/login", "", jsonBody{"username": "erin", "password": "s3cret-pass"})
	require.Equal(t, http.StatusOK, code)
	var login tokenResponse
	require.NoError(t, json.Unmarshal(env.Data, &login))

	code, env = a.do(t, http.MethodGet, "/api/v1/users/profile", login.AccessToken, nil)
	require.Equal(t, http.StatusOK, code)
	var me User
	require.NoError(t, json.Unmarshal(env.Data, &me))
	assert.Equal(t, reg.User.ID, me.ID)
	assert.True(t, me.Preferences.EmailNotifications)
}

func TestAPI_KeycloakRegisterStopsOnLookupFailure(t *testing.T) {
	mem := NewMemStore()
	store := &flakyUserLookups{MemStore: mem}
	h := newHarnessWithStore(t, mem, store)
	authn, err := auth.NewHMACAuth([]byte("test-secret"), "collab-tasks", time.Hour)
	require.NoError(t, err)
	// an unconfigured identity provider must never be reached here
	kc := &auth.Service{}
	a := &apiHarness{
		harness: h,
		srv:     NewServer(Config{ApiGinMode: "test", AuthMode: "keycloak"}, h.engine, authn, kc, zerolog.Nop()),
		authn:   authn,
	}

	store.failing.Store(true)
	code, env := a.do(t, http.MethodPost, "/api/v1/auth/register", "", jsonBody{
		"username": "erin",
		"email":    "erin@example.com",
		"password": "s3cret-pass",
	})
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.False(t, env.Success)
	assert.Equal(t, "internal error", env.Message)

	store.failing.Store(false)
	_, err = mem.FindUserByUsername(context.Background(), "erin")
	assert.ErrorIs(t, err, ErrNoDocument)
}

func TestAPI_ProfileAndNotifications(t *testing.T) {
	a := newAPIHarness(t)
	alice, bob := a.token(t, a.alice), a.token(t, a.bob)
	task := a.createTask(t, a.alice, "Ship v1")

	code, _ := a.do(t, http.MethodPost, "/api/v1/tasks/"+task.ID+"/collaborators", alice, jsonBody{"username": "bob"})
	require.Equal(t, http.StatusOK, code)

	code, env := a.do(t, http.MethodGet, "/api/v1/users/notifications", bob, nil)
	require.Equal(t, http.StatusOK, code)
	var ns []Notification
	require.NoError(t, json.Unmarshal(env.Data, &ns))
	require.Len(t, ns, 1)
	assert.Equal(t, "Ship v1", ns[0].TaskTitle)

	code, _ = a.do(t, http.MethodPut, "/api/v1/users/notifications/"+ns[0].ID+"/read", alice, nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = a.do(t, http.MethodPut, "/api/v1/users/notifications/"+ns[0].ID+"/read", bob, nil)
	assert.Equal(t, http.StatusOK, code)

	code, env = a.do(t, http.MethodPut, "/api/v1/users/profile", bob, jsonBody{"preferences": jsonBody{"emailNotifications": false}})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "profile updated successfully", env.Message)
	var me User
	require.NoError(t, json.Unmarshal(env.Data, &me))
	assert.Equal(t, "bob", me.Username)
	assert.False(t, me.Preferences.EmailNotifications)

	code, env = a.do(t, http.MethodGet, "/api/v1/users/search?username=CAR", alice, nil)
	require.Equal(t, http.StatusOK, code)
	var refs []UserRef
	require.NoError(t, json.Unmarshal(env.Data, &refs))
	require.Len(t, refs, 1)
	assert.Equal(t, "carol", refs[0].Username)
}

func TestAPI_Health(t *testing.T) {
	a := newAPIHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	a.srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"alive"}`, w.Body.String())
}

type jsonBody = map[string]any
