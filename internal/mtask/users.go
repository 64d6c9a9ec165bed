package mtask

import (
	"context"
	"errors"
	"strings"

	"kyri56xcaesar/collab-tasks/internal/utils"
)

// EnsureUser returns the local record for an authenticated identity,
// creating it on first sight with email notifications enabled.
func (e *Engine) EnsureUser(ctx context.Context, id, username, email string) (*User, error) {
	u, err := e.store.FindUserByID(ctx, id)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, ErrNoDocument) {
		return nil, dependency("find user", err)
	}

	u = &User{
		ID:          id,
		Username:    strings.TrimSpace(username),
		Email:       normalizeEmail(email),
		Preferences: Preferences{EmailNotifications: true},
		CreatedAt:   e.now(),
	}
	if u.Username == "" {
		return nil, invalid("identity carries no username")
	}
	if err := e.store.SaveUser(ctx, u); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return nil, conflict("username or email already registered")
		}
		return nil, dependency("create user", err)
	}
	e.log.Info().Str("userID", id).Str("username", u.Username).Msg("user provisioned")
	return u, nil
}

// RegisterUser stores a new user. The caller has already hashed the password
// when one is used.
func (e *Engine) RegisterUser(ctx context.Context, u *User) error {
	u.Username = strings.TrimSpace(u.Username)
	u.Email = normalizeEmail(u.Email)
	if u.Username == "" || u.Email == "" {
		return invalid("username and email are required")
	}
	if !utils.IsUsername(u.Username) {
		return invalid("username may only contain letters, digits and @ _ . -")
	}
	if _, err := e.store.FindUserByUsername(ctx, u.Username); err == nil {
		return conflict("username already taken")
	} else if !errors.Is(err, ErrNoDocument) {
		return dependency("register user", err)
	}
	if u.ID == "" {
		u.ID = e.newID()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = e.now()
	}
	if err := e.store.SaveUser(ctx, u); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return conflict("username or email already registered")
		}
		return dependency("register user", err)
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (e *Engine) FindUserByUsername(ctx context.Context, username string) (*User, error) {
	u, err := e.store.FindUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		return nil, storeErr("find user", "user "+username, err)
	}
	return u, nil
}

func (e *Engine) SearchUsers(ctx context.Context, actor Actor, query string) ([]UserRef, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, invalid("search query is required")
	}
	users, err := e.store.SearchUsers(ctx, query, actor.ID, searchLimit)
	if err != nil {
		return nil, dependency("search users", err)
	}
	return utils.Map(users, func(u *User) UserRef {
		return UserRef{ID: u.ID, Username: u.Username, Email: u.Email}
	}), nil
}

func (e *Engine) GetProfile(ctx context.Context, actor Actor) (*User, error) {
	u, err := e.store.FindUserByID(ctx, actor.ID)
	if err != nil {
		return nil, storeErr("get profile", "user "+actor.ID, err)
	}
	return u, nil
}

func (e *Engine) UpdateProfile(ctx context.Context, actor Actor, upd ProfileUpdate) (*User, error) {
	if !upd.Username.Set && !upd.EmailNotifications.Set {
		return nil, invalid("no fields to update")
	}
	u, err := e.store.FindUserByID(ctx, actor.ID)
	if err != nil {
		return nil, storeErr("update profile", "user "+actor.ID, err)
	}

	if upd.Username.Set {
		name := strings.TrimSpace(upd.Username.Value)
		if name == "" {
			return nil, invalid("username cannot be empty")
		}
		if !utils.IsUsername(name) {
			return nil, invalid("username may only contain letters, digits and @ _ . -")
		}
		if name != u.Username {
			other, err := e.store.FindUserByUsername(ctx, name)
			switch {
			case err == nil && other.ID != u.ID:
				return nil, conflict("username already taken")
			case err != nil && !errors.Is(err, ErrNoDocument):
				return nil, dependency("update profile", err)
			}
		}
		u.Username = name
	}
	if upd.EmailNotifications.Set {
		u.Preferences.EmailNotifications = upd.EmailNotifications.Value
	}

	if err := e.store.SaveUser(ctx, u); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return nil, conflict("username already taken")
		}
		return nil, dependency("update profile", err)
	}
	return u, nil
}

func (e *Engine) ListNotifications(ctx context.Context, actor Actor) ([]*Notification, error) {
	ns, err := e.store.ListNotifications(ctx, actor.ID, notificationLimit)
	if err != nil {
		return nil, dependency("list notifications", err)
	}

	titles := make(map[string]string)
	for _, n := range ns {
		title, ok := titles[n.TaskID]
		if !ok {
			t, err := e.store.FindTask(ctx, n.TaskID)
			switch {
			case err == nil:
				title = t.Title
			case !errors.Is(err, ErrNoDocument):
				return nil, dependency("list notifications", err)
			}
			titles[n.TaskID] = title
		}
		n.TaskTitle = title
	}
	return ns, nil
}

func (e *Engine) MarkNotificationRead(ctx context.Context, actor Actor, id string) error {
	if err := e.store.MarkNotificationRead(ctx, actor.ID, id); err != nil {
		return storeErr("mark notification read", "notification "+id, err)
	}
	return nil
}

func (e *Engine) Ping(ctx context.Context) error {
	return e.store.Ping(ctx)
}
