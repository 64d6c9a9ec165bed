package mtask

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDueDate(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2026-05-01", time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)},
		{"2026-05-01T17:30", time.Date(2026, 5, 1, 17, 30, 0, 0, time.UTC)},
		{"2026-05-01T17:30:00+02:00", time.Date(2026, 5, 1, 15, 30, 0, 0, time.UTC)},
		{"2026-05-01T17:30:00.250Z", time.Date(2026, 5, 1, 17, 30, 0, 250_000_000, time.UTC)},
	}
	for _, tt := range tests {
		got, err := parseDueDate(tt.in)
		require.NoError(t, err, tt.in)
		assert.True(t, tt.want.Equal(got), "%s: got %s", tt.in, got)
	}

	for _, bad := range []string{"", "tomorrow", "01/05/2026"} {
		_, err := parseDueDate(bad)
		assert.ErrorIs(t, err, ErrInvalidArgument, bad)
	}
}

func TestUpdateTaskRequest_OnlyPresentFields(t *testing.T) {
	var req UpdateTaskRequest
	require.NoError(t, json.Unmarshal([]byte(`{"title":"x","description":null,"dueDate":"2026-05-01"}`), &req))
	assert.True(t, req.Title.Set)
	assert.Equal(t, "x", req.Title.Value)
	assert.True(t, req.Description.Set)
	assert.Empty(t, req.Description.Value)
	assert.False(t, req.Priority.Set)
	assert.False(t, req.Tags.Set)

	upd, err := req.toUpdate()
	require.NoError(t, err)
	assert.True(t, upd.DueDate.Set)
	assert.False(t, upd.Priority.Set)
	assert.False(t, upd.empty())

	req = UpdateTaskRequest{}
	require.NoError(t, json.Unmarshal([]byte(`{}`), &req))
	upd, err = req.toUpdate()
	require.NoError(t, err)
	assert.True(t, upd.empty())
}

func TestProfileRequest(t *testing.T) {
	var req ProfileRequest
	require.NoError(t, json.Unmarshal([]byte(`{"preferences":{"emailNotifications":false}}`), &req))
	upd := req.toUpdate()
	assert.False(t, upd.Username.Set)
	assert.True(t, upd.EmailNotifications.Set)
	assert.False(t, upd.EmailNotifications.Value)
}

func TestRegisterRequest_StringHidesPassword(t *testing.T) {
	r := RegisterRequest{Username: "bob", Email: "bob@example.com", Password: "hunter22"}
	assert.NotContains(t, r.String(), "hunter22")
}
