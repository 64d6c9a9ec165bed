package mtask

import (
	"context"
	"time"
)

// TaskFilter selects tasks for listing and for the background reconciler.
// Zero-valued fields do not constrain the result.
type TaskFilter struct {
	// MemberID matches tasks the user owns or collaborates on.
	MemberID string
	// EmailPending matches tasks holding a pending or failed invitation
	// with fewer than MaxEmailAttempts attempts.
	EmailPending     bool
	MaxEmailAttempts int
	// DueBefore matches non-completed tasks with reminderSent unset that
	// are due before the given instant and, when DueAfter is set, not
	// before DueAfter.
	DueBefore time.Time
	DueAfter  time.Time

	Skip  int
	Limit int
}

// TaskStore persists the task aggregate. SaveTask inserts when Version is 0
// and otherwise replaces the stored document only if the version matches,
// returning ErrVersionConflict when it does not. On success the task's
// Version is advanced in place.
type TaskStore interface {
	FindTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]*Task, int64, error)
	SaveTask(ctx context.Context, t *Task) error
	DeleteTask(ctx context.Context, id string) error
}

type UserStore interface {
	FindUserByID(ctx context.Context, id string) (*User, error)
	FindUserByUsername(ctx context.Context, username string) (*User, error)
	FindUsersByIDs(ctx context.Context, ids []string) (map[string]*User, error)
	// SearchUsers matches usernames case-insensitively on a substring,
	// excluding excludeID.
	SearchUsers(ctx context.Context, query, excludeID string, limit int) ([]*User, error)
	// SaveUser upserts by id. ErrDuplicate is returned when the username or
	// email belongs to another user.
	SaveUser(ctx context.Context, u *User) error
}

type NotificationStore interface {
	CreateNotification(ctx context.Context, n *Notification) error
	// ListNotifications returns the newest notifications first.
	ListNotifications(ctx context.Context, userID string, limit int) ([]*Notification, error)
	MarkNotificationRead(ctx context.Context, userID, id string) error
}

// Store is the full persistence surface used by the engine.
type Store interface {
	TaskStore
	UserStore
	NotificationStore
	Ping(ctx context.Context) error
	Close()
}
