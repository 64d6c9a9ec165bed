package mtask

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemStore is an in-process Store used by tests and by DB_DRIVER=memory.
type MemStore struct {
	mu            sync.RWMutex
	tasks         map[string]*Task
	users         map[string]*User
	notifications map[string]*Notification
}

func NewMemStore() *MemStore {
	return &MemStore{
		tasks:         make(map[string]*Task),
		users:         make(map[string]*User),
		notifications: make(map[string]*Notification),
	}
}

func (m *MemStore) Ping(context.Context) error { return nil }
func (m *MemStore) Close()                     {}

func (m *MemStore) FindTask(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNoDocument
	}
	return t.Clone(), nil
}

func (m *MemStore) ListTasks(_ context.Context, f TaskFilter) ([]*Task, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*Task
	for _, t := range m.tasks {
		if matchesFilter(t, f) {
			matched = append(matched, t)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := int64(len(matched))
	if f.Skip > 0 {
		if f.Skip >= len(matched) {
			matched = nil
		} else {
			matched = matched[f.Skip:]
		}
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}

	out := make([]*Task, 0, len(matched))
	for _, t := range matched {
		out = append(out, t.Clone())
	}
	return out, total, nil
}

func matchesFilter(t *Task, f TaskFilter) bool {
	if f.MemberID != "" && !CanView(t, f.MemberID) {
		return false
	}
	if f.EmailPending {
		pending := false
		for _, c := range t.Collaborators {
			if (c.EmailStatus == EmailPending || c.EmailStatus == EmailFailed) &&
				(f.MaxEmailAttempts <= 0 || c.EmailAttempts < f.MaxEmailAttempts) {
				pending = true
				break
			}
		}
		if !pending {
			return false
		}
	}
	if !f.DueBefore.IsZero() {
		if t.Status == StatusCompleted || t.ReminderSent || !t.DueDate.Before(f.DueBefore) {
			return false
		}
		if !f.DueAfter.IsZero() && t.DueDate.Before(f.DueAfter) {
			return false
		}
	}
	return true
}

func (m *MemStore) SaveTask(_ context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, exists := m.tasks[t.ID]
	if t.Version == 0 {
		if exists {
			return ErrDuplicate
		}
	} else if !exists || cur.Version != t.Version {
		return ErrVersionConflict
	}
	t.Version++
	m.tasks[t.ID] = t.Clone()
	return nil
}

func (m *MemStore) DeleteTask(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return ErrNoDocument
	}
	delete(m.tasks, id)
	return nil
}

func (m *MemStore) FindUserByID(_ context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNoDocument
	}
	cp := *u
	return &cp, nil
}

func (m *MemStore) FindUserByUsername(_ context.Context, username string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNoDocument
}

func (m *MemStore) FindUsersByIDs(_ context.Context, ids []string) (map[string]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*User, len(ids))
	for _, id := range ids {
		if u, ok := m.users[id]; ok {
			cp := *u
			out[id] = &cp
		}
	}
	return out, nil
}

func (m *MemStore) SearchUsers(_ context.Context, query, excludeID string, limit int) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	q := strings.ToLower(query)
	var out []*User
	for _, u := range m.users {
		if u.ID == excludeID {
			continue
		}
		if strings.Contains(strings.ToLower(u.Username), q) {
			cp := *u
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) SaveUser(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, other := range m.users {
		if id == u.ID {
			continue
		}
		if other.Username == u.Username || (u.Email != "" && strings.EqualFold(other.Email, u.Email)) {
			return ErrDuplicate
		}
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *MemStore) CreateNotification(_ context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.notifications[n.ID]; ok {
		return ErrDuplicate
	}
	cp := *n
	m.notifications[n.ID] = &cp
	return nil
}

func (m *MemStore) ListNotifications(_ context.Context, userID string, limit int) ([]*Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Notification
	for _, n := range m.notifications {
		if n.UserID == userID {
			cp := *n
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) MarkNotificationRead(_ context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok || n.UserID != userID {
		return ErrNoDocument
	}
	n.IsRead = true
	return nil
}
