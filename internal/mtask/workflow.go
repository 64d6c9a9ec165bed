package mtask

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"kyri56xcaesar/collab-tasks/internal/utils"
)

const maxSaveAttempts = 3

const maxCommentLength = 2000

// Engine runs every task use case. It holds no per-task state; reads and
// writes go through the Store with compare-and-swap on the task version.
type Engine struct {
	store       Store
	mailer      Mailer
	log         zerolog.Logger
	frontendURL string

	now   func() time.Time
	newID func() string
}

type EngineOption func(*Engine)

func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

func WithIDGenerator(gen func() string) EngineOption {
	return func(e *Engine) { e.newID = gen }
}

func WithFrontendURL(u string) EngineOption {
	return func(e *Engine) { e.frontendURL = u }
}

func NewEngine(store Store, mailer Mailer, log zerolog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		store:       store,
		mailer:      mailer,
		log:         log,
		frontendURL: "http://localhost:3000",
		now:         func() time.Time { return time.Now().UTC() },
		newID:       func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// errNoSave lets a mutation abort without touching the stored document.
var errNoSave = errors.New("no save")

// mutate loads the task, applies fn and saves with compare-and-swap. On a
// version conflict the task is reloaded and fn runs again, so fn must
// re-check policy against the fresh document.
func (e *Engine) mutate(ctx context.Context, op, id string, fn func(t *Task) error) (*Task, error) {
	for attempt := 1; attempt <= maxSaveAttempts; attempt++ {
		t, err := e.store.FindTask(ctx, id)
		if err != nil {
			return nil, storeErr(op, "task "+id, err)
		}
		if err := fn(t); err != nil {
			return t, err
		}
		t.UpdatedAt = e.now()

		err = e.store.SaveTask(ctx, t)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, dependency(op, err)
		}
		e.log.Debug().Str("op", op).Str("taskID", id).Int("attempt", attempt).Msg("version conflict, retrying")
	}
	return nil, conflict("task %s was modified concurrently, try again", id)
}

func (e *Engine) notify(ctx context.Context, userID string, t *Task, typ NotificationType, msg string) error {
	n := &Notification{
		ID:        e.newID(),
		UserID:    userID,
		TaskID:    t.ID,
		Type:      typ,
		Message:   msg,
		CreatedAt: e.now(),
	}
	if err := e.store.CreateNotification(ctx, n); err != nil {
		return dependency("create notification", err)
	}
	return nil
}

// notifyBestEffort logs instead of failing the caller.
func (e *Engine) notifyBestEffort(ctx context.Context, userID string, t *Task, typ NotificationType, msg string) {
	if err := e.notify(ctx, userID, t, typ, msg); err != nil {
		e.log.Warn().Err(err).Str("taskID", t.ID).Str("userID", userID).Str("type", string(typ)).Msg("notification not recorded")
	}
}

func (e *Engine) CreateTask(ctx context.Context, actor Actor, in CreateTaskInput) (*Task, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, invalid("title is required")
	}
	if in.DueDate.IsZero() {
		return nil, invalid("dueDate is required")
	}
	priority := in.Priority
	if priority == "" {
		priority = PriorityMedium
	}
	if !priority.Valid() {
		return nil, invalid("priority must be one of High, Medium, Low")
	}

	now := e.now()
	t := &Task{
		ID:            e.newID(),
		Title:         title,
		Description:   strings.TrimSpace(in.Description),
		DueDate:       in.DueDate.UTC(),
		Priority:      priority,
		Status:        StatusPending,
		Tags:          cleanTags(in.Tags),
		CreatedBy:     actor.ID,
		Collaborators: []Collaborator{},
		Comments:      []Comment{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	t.logActivity("Task created", actor.ID, now)

	if err := e.store.SaveTask(ctx, t); err != nil {
		return nil, dependency("create task", err)
	}
	e.log.Info().Str("taskID", t.ID).Str("owner", actor.ID).Msg("task created")
	return t, nil
}

func (e *Engine) UpdateTaskDetails(ctx context.Context, actor Actor, id string, upd TaskDetailsUpdate) (*Task, error) {
	if upd.empty() {
		return nil, invalid("no fields to update")
	}
	if upd.Title.Set && strings.TrimSpace(upd.Title.Value) == "" {
		return nil, invalid("title cannot be empty")
	}
	if upd.DueDate.Set && upd.DueDate.Value.IsZero() {
		return nil, invalid("dueDate cannot be empty")
	}
	if upd.Priority.Set && !upd.Priority.Value.Valid() {
		return nil, invalid("priority must be one of High, Medium, Low")
	}

	t, err := e.mutate(ctx, "update task", id, func(t *Task) error {
		if !CanModifyDetails(t, actor.ID) {
			return forbidden("only the task owner can update details")
		}
		if upd.Title.Set {
			t.Title = strings.TrimSpace(upd.Title.Value)
		}
		if upd.Description.Set {
			t.Description = strings.TrimSpace(upd.Description.Value)
		}
		if upd.DueDate.Set {
			due := upd.DueDate.Value.UTC()
			if !due.Equal(t.DueDate) {
				t.ReminderSent = false
			}
			t.DueDate = due
		}
		if upd.Priority.Set {
			t.Priority = upd.Priority.Value
		}
		if upd.Tags.Set {
			t.Tags = cleanTags(upd.Tags.Value)
		}
		t.logActivity("Task updated", actor.ID, e.now())
		return nil
	})
	if err != nil {
		return nil, err
	}

	msg := fmt.Sprintf("%s updated task: %s", actor.Username, t.Title)
	for _, c := range t.Collaborators {
		e.notifyBestEffort(ctx, c.UserID, t, NotifyUpdated, msg)
	}
	return t, nil
}

func (e *Engine) DeleteTask(ctx context.Context, actor Actor, id string) error {
	t, err := e.store.FindTask(ctx, id)
	if err != nil {
		return storeErr("delete task", "task "+id, err)
	}
	if !CanDelete(t, actor.ID) {
		return forbidden("only the task owner can delete the task")
	}
	if err := e.store.DeleteTask(ctx, id); err != nil {
		return storeErr("delete task", "task "+id, err)
	}
	e.log.Info().Str("taskID", id).Str("by", actor.ID).Msg("task deleted")
	return nil
}

func (e *Engine) ChangeStatus(ctx context.Context, actor Actor, id, status string) (*Task, error) {
	next, ok := ParseStatus(status)
	if !ok {
		return nil, invalid("status must be one of Pending, In Progress, Completed")
	}

	var prev Status
	t, err := e.mutate(ctx, "change status", id, func(t *Task) error {
		if !CanChangeStatus(t, actor.ID) {
			return forbidden("not a member of this task")
		}
		prev = t.Status
		t.Status = next
		t.logActivity("Status changed to "+string(next), actor.ID, e.now())
		return nil
	})
	if err != nil {
		return nil, err
	}

	if next == StatusCompleted && prev != StatusCompleted && !t.IsOwner(actor.ID) {
		e.notifyBestEffort(ctx, t.CreatedBy, t, NotifyCompleted,
			fmt.Sprintf("%s marked task as completed: %s", actor.Username, t.Title))
	}
	return t, nil
}

// AddCollaborator runs three ordered steps: the membership save, the
// conditional invitation email with its bookkeeping save, and the in-app
// notification. A mail failure is never returned to the caller.
func (e *Engine) AddCollaborator(ctx context.Context, actor Actor, id, username, responsibility string) (*Task, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, invalid("username is required")
	}

	var target *User
	t, err := e.mutate(ctx, "add collaborator", id, func(t *Task) error {
		if !CanManageCollaborators(t, actor.ID) {
			return forbidden("only the task owner can manage collaborators")
		}
		if target == nil {
			u, err := e.store.FindUserByUsername(ctx, username)
			if err != nil {
				return storeErr("add collaborator", "user "+username, err)
			}
			target = u
		}
		if t.IsOwner(target.ID) {
			return conflict("the task owner cannot be added as a collaborator")
		}
		if t.IsCollaborator(target.ID) {
			return conflict("user is already a collaborator")
		}

		status := EmailPending
		if !target.Preferences.EmailNotifications {
			status = EmailSkipped
		}
		now := e.now()
		t.Collaborators = append(t.Collaborators, Collaborator{
			UserID:                 target.ID,
			AssignedResponsibility: strings.TrimSpace(responsibility),
			AddedAt:                now,
			EmailStatus:            status,
		})
		t.logActivity(fmt.Sprintf("Added %s as collaborator", target.Username), actor.ID, now)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if target.Preferences.EmailNotifications {
		res := e.sendInvite(ctx, actor, t, target)
		if updated, err := e.recordEmailResult(ctx, t.ID, target.ID, res); err != nil {
			e.log.Warn().Err(err).Str("taskID", t.ID).Str("userID", target.ID).Msg("email status not recorded")
		} else {
			t = updated
		}
	}

	if err := e.notify(ctx, target.ID, t, NotifyAdded,
		fmt.Sprintf("%s added you to task: %s", actor.Username, t.Title)); err != nil {
		return nil, err
	}
	return t, nil
}

func (e *Engine) sendInvite(ctx context.Context, actor Actor, t *Task, target *User) MailResult {
	var responsibility string
	if i := t.collaboratorIndex(target.ID); i >= 0 {
		responsibility = t.Collaborators[i].AssignedResponsibility
	}
	body, err := renderMail("task_added.html", addedMailData{
		RecipientName:  target.Username,
		ActorName:      actor.Username,
		TaskTitle:      t.Title,
		Responsibility: responsibility,
		DueDate:        t.DueDate,
		Priority:       t.Priority,
		Description:    t.Description,
		TaskLink:       taskLink(e.frontendURL, t.ID),
	})
	if err != nil {
		return MailResult{Err: err}
	}
	res := e.mailer.Send(ctx, target.Email, addedSubject(t.Title), body)
	if !res.Success {
		e.log.Warn().Err(res.Err).Str("taskID", t.ID).Str("to", target.Email).Msg("collaborator invitation not delivered")
	}
	return res
}

// recordEmailResult applies a dispatch outcome to the collaborator entry
// while it is still pending. It appends no activity entry.
func (e *Engine) recordEmailResult(ctx context.Context, taskID, userID string, res MailResult) (*Task, error) {
	t, err := e.mutate(ctx, "record email status", taskID, func(t *Task) error {
		i := t.collaboratorIndex(userID)
		if i < 0 || t.Collaborators[i].EmailStatus != EmailPending {
			return errNoSave
		}
		applyMailResult(&t.Collaborators[i], res)
		return nil
	})
	if errors.Is(err, errNoSave) {
		// removed, or already recorded by the reconciler
		return t, nil
	}
	return t, err
}

func applyMailResult(c *Collaborator, res MailResult) {
	c.EmailAttempts++
	if res.Success {
		c.EmailStatus = EmailSent
		c.EmailSent = true
		return
	}
	c.EmailStatus = EmailFailed
}

func (e *Engine) RemoveCollaborator(ctx context.Context, actor Actor, id, userID string) (*Task, error) {
	removed := false
	t, err := e.mutate(ctx, "remove collaborator", id, func(t *Task) error {
		if !CanManageCollaborators(t, actor.ID) {
			return forbidden("only the task owner can manage collaborators")
		}
		kept := utils.Filter(t.Collaborators, func(c Collaborator) bool { return c.UserID != userID })
		removed = len(kept) != len(t.Collaborators)
		t.Collaborators = kept
		t.logActivity("Removed collaborator", actor.ID, e.now())
		return nil
	})
	if err != nil {
		return nil, err
	}

	if removed {
		e.notifyBestEffort(ctx, userID, t, NotifyRemoved,
			fmt.Sprintf("%s removed you from task: %s", actor.Username, t.Title))
	}
	return t, nil
}

func (e *Engine) AddComment(ctx context.Context, actor Actor, id, text string) (*Task, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, invalid("comment text is required")
	}
	if len(text) > maxCommentLength {
		return nil, invalid("comment exceeds %d characters", maxCommentLength)
	}

	return e.mutate(ctx, "add comment", id, func(t *Task) error {
		if !CanComment(t, actor.ID) {
			return forbidden("not a member of this task")
		}
		now := e.now()
		t.Comments = append(t.Comments, Comment{
			ID:        e.newID(),
			UserID:    actor.ID,
			Text:      text,
			CreatedAt: now,
		})
		t.logActivity("Comment added", actor.ID, now)
		return nil
	})
}

func (e *Engine) ListTasksForUser(ctx context.Context, userID string, page, pageSize int) (*TaskPage, error) {
	if page < 1 {
		page = 1
	}
	pageSize = normalizeLimit(pageSize)

	tasks, total, err := e.store.ListTasks(ctx, TaskFilter{
		MemberID: userID,
		Skip:     (page - 1) * pageSize,
		Limit:    pageSize,
	})
	if err != nil {
		return nil, dependency("list tasks", err)
	}
	users, err := e.resolveUsers(ctx, tasks...)
	if err != nil {
		return nil, err
	}

	out := &TaskPage{
		Tasks: make([]TaskDetail, 0, len(tasks)),
		Count: len(tasks),
		Total: total,
		Page:  page,
		Pages: pageCount(total, pageSize),
	}
	for _, t := range tasks {
		out.Tasks = append(out.Tasks, toDetail(t, users))
	}
	return out, nil
}

func (e *Engine) GetTaskDetail(ctx context.Context, actor Actor, id string) (*TaskDetail, error) {
	t, err := e.store.FindTask(ctx, id)
	if err != nil {
		return nil, storeErr("get task", "task "+id, err)
	}
	if !CanView(t, actor.ID) {
		return nil, forbidden("not a member of this task")
	}
	users, err := e.resolveUsers(ctx, t)
	if err != nil {
		return nil, err
	}
	d := toDetail(t, users)
	return &d, nil
}

// Detail resolves user references of an already loaded task.
func (e *Engine) Detail(ctx context.Context, t *Task) (*TaskDetail, error) {
	users, err := e.resolveUsers(ctx, t)
	if err != nil {
		return nil, err
	}
	d := toDetail(t, users)
	return &d, nil
}

func (e *Engine) resolveUsers(ctx context.Context, tasks ...*Task) (map[string]*User, error) {
	seen := make(map[string]struct{})
	var ids []string
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for _, t := range tasks {
		add(t.CreatedBy)
		for _, c := range t.Collaborators {
			add(c.UserID)
		}
		for _, c := range t.Comments {
			add(c.UserID)
		}
		for _, a := range t.ActivityLog {
			add(a.PerformedBy)
		}
	}
	if len(ids) == 0 {
		return map[string]*User{}, nil
	}
	users, err := e.store.FindUsersByIDs(ctx, ids)
	if err != nil {
		return nil, dependency("resolve users", err)
	}
	return users, nil
}

func refFor(users map[string]*User, id string) UserRef {
	if u, ok := users[id]; ok {
		return UserRef{ID: u.ID, Username: u.Username, Email: u.Email}
	}
	return UserRef{ID: id}
}

func toDetail(t *Task, users map[string]*User) TaskDetail {
	d := TaskDetail{
		ID:            t.ID,
		Title:         t.Title,
		Description:   t.Description,
		DueDate:       t.DueDate,
		Priority:      t.Priority,
		Status:        t.Status,
		Tags:          append([]string{}, t.Tags...),
		CreatedBy:     refFor(users, t.CreatedBy),
		Collaborators: make([]CollaboratorView, 0, len(t.Collaborators)),
		Comments:      make([]CommentView, 0, len(t.Comments)),
		ActivityLog:   make([]ActivityView, 0, len(t.ActivityLog)),
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
	}
	for _, c := range t.Collaborators {
		d.Collaborators = append(d.Collaborators, CollaboratorView{
			User:                   refFor(users, c.UserID),
			AssignedResponsibility: c.AssignedResponsibility,
			AddedAt:                c.AddedAt,
			EmailSent:              c.EmailSent,
			EmailStatus:            c.EmailStatus,
		})
	}
	for _, c := range t.Comments {
		d.Comments = append(d.Comments, CommentView{
			ID:        c.ID,
			User:      refFor(users, c.UserID),
			Text:      c.Text,
			CreatedAt: c.CreatedAt,
		})
	}
	for _, a := range t.ActivityLog {
		d.ActivityLog = append(d.ActivityLog, ActivityView{
			Action:      a.Action,
			PerformedBy: refFor(users, a.PerformedBy),
			Timestamp:   a.Timestamp,
		})
	}
	return d
}

func cleanTags(in []string) []string {
	return utils.Uniq(in)
}
