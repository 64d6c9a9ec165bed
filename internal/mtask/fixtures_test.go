package mtask

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// testClock advances by one second on every read so timestamps stay ordered.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sentMail struct {
	To      string
	Subject string
	HTML    string
}

type fakeMailer struct {
	mu   sync.Mutex
	fail bool
	sent []sentMail
	// duringSend runs once, inside the next Send, after its outcome is fixed.
	duringSend func()
}

func (f *fakeMailer) Send(_ context.Context, to, subject, html string) MailResult {
	f.mu.Lock()
	f.sent = append(f.sent, sentMail{To: to, Subject: subject, HTML: html})
	fail := f.fail
	hook := f.duringSend
	f.duringSend = nil
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if fail {
		return MailResult{Err: errors.New("smtp: connection refused")}
	}
	return MailResult{Success: true}
}

func (f *fakeMailer) onNextSend(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.duringSend = fn
}

func (f *fakeMailer) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

func (f *fakeMailer) Sent() []sentMail {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMail(nil), f.sent...)
}

// conflictStore reports a version conflict on the next n updates.
type conflictStore struct {
	*MemStore
	conflicts atomic.Int32
}

func (s *conflictStore) SaveTask(ctx context.Context, t *Task) error {
	if t.Version > 0 && s.conflicts.Load() > 0 {
		s.conflicts.Add(-1)
		return ErrVersionConflict
	}
	return s.MemStore.SaveTask(ctx, t)
}

// flakyUserLookups fails user lookups while failing is set.
type flakyUserLookups struct {
	*MemStore
	failing atomic.Bool
}

func (s *flakyUserLookups) FindUsersByIDs(ctx context.Context, ids []string) (map[string]*User, error) {
	if s.failing.Load() {
		return nil, errors.New("connection reset by peer")
	}
	return s.MemStore.FindUsersByIDs(ctx, ids)
}

func (s *flakyUserLookups) FindUserByUsername(ctx context.Context, username string) (*User, error) {
	if s.failing.Load() {
		return nil, errors.New("connection reset by peer")
	}
	return s.MemStore.FindUserByUsername(ctx, username)
}

// brokenNotifications fails every notification write.
type brokenNotifications struct {
	*MemStore
}

func (s *brokenNotifications) CreateNotification(context.Context, *Notification) error {
	return errors.New("connection reset by peer")
}

type harness struct {
	engine *Engine
	store  *MemStore
	mailer *fakeMailer
	clock  *testClock

	alice, bob, carol, dave Actor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithStore(t, NewMemStore(), nil)
}

// newHarnessWithStore seeds users into mem and runs the engine on store,
// which defaults to mem.
func newHarnessWithStore(t *testing.T, mem *MemStore, store Store) *harness {
	t.Helper()
	if store == nil {
		store = mem
	}
	var seq atomic.Int64
	h := &harness{
		store:  mem,
		mailer: &fakeMailer{},
		clock:  &testClock{now: baseTime},
	}
	h.engine = NewEngine(store, h.mailer, zerolog.Nop(),
		WithClock(h.clock.Now),
		WithIDGenerator(func() string { return fmt.Sprintf("id-%d", seq.Add(1)) }),
		WithFrontendURL("http://tasks.local/"),
	)

	ctx := context.Background()
	seed := func(id, name string, prefs bool) Actor {
		require.NoError(t, mem.SaveUser(ctx, &User{
			ID:          id,
			Username:    name,
			Email:       name + "@example.com",
			Preferences: Preferences{EmailNotifications: prefs},
			CreatedAt:   baseTime,
		}))
		return Actor{ID: id, Username: name}
	}
	h.alice = seed("u-alice", "alice", true)
	h.bob = seed("u-bob", "bob", true)
	h.carol = seed("u-carol", "carol", true)
	h.dave = seed("u-dave", "dave", false)
	return h
}

func (h *harness) createTask(t *testing.T, owner Actor, title string) *Task {
	t.Helper()
	task, err := h.engine.CreateTask(context.Background(), owner, CreateTaskInput{
		Title:   title,
		DueDate: baseTime.Add(72 * time.Hour),
	})
	require.NoError(t, err)
	return task
}

func (h *harness) load(t *testing.T, id string) *Task {
	t.Helper()
	task, err := h.store.FindTask(context.Background(), id)
	require.NoError(t, err)
	return task
}

func (h *harness) notifications(t *testing.T, userID string) []*Notification {
	t.Helper()
	ns, err := h.store.ListNotifications(context.Background(), userID, 0)
	require.NoError(t, err)
	return ns
}
