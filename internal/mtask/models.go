package mtask

import (
	"encoding/json"
	"strings"
	"time"
)

type Priority string

const (
	PriorityHigh   Priority = "High"
	PriorityMedium Priority = "Medium"
	PriorityLow    Priority = "Low"
)

func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityMedium || p == PriorityLow
}

type Status string

const (
	StatusPending    Status = "Pending"
	StatusInProgress Status = "In Progress"
	StatusCompleted  Status = "Completed"
)

// ParseStatus accepts the canonical values plus "InProgress".
func ParseStatus(s string) (Status, bool) {
	switch strings.TrimSpace(s) {
	case string(StatusPending):
		return StatusPending, true
	case string(StatusInProgress), "InProgress":
		return StatusInProgress, true
	case string(StatusCompleted):
		return StatusCompleted, true
	}
	return "", false
}

// EmailStatus tracks the invitation email of a single collaborator entry.
type EmailStatus string

const (
	EmailPending EmailStatus = "pending"
	EmailSent    EmailStatus = "sent"
	EmailFailed  EmailStatus = "failed"
	EmailSkipped EmailStatus = "skipped"
)

type NotificationType string

const (
	NotifyAdded     NotificationType = "added"
	NotifyRemoved   NotificationType = "removed"
	NotifyDeadline  NotificationType = "deadline"
	NotifyCompleted NotificationType = "completed"
	NotifyUpdated   NotificationType = "updated"
)

type Preferences struct {
	EmailNotifications bool `json:"emailNotifications" bson:"emailNotifications"`
}

type User struct {
	ID           string      `json:"id" bson:"_id"`
	Username     string      `json:"username" bson:"username"`
	Email        string      `json:"email" bson:"email"`
	Preferences  Preferences `json:"preferences" bson:"preferences"`
	PasswordHash string      `json:"-" bson:"passwordHash,omitempty"`
	CreatedAt    time.Time   `json:"createdAt" bson:"createdAt"`
}

type Collaborator struct {
	UserID                 string      `json:"userId" bson:"userId"`
	AssignedResponsibility string      `json:"assignedResponsibility" bson:"assignedResponsibility"`
	AddedAt                time.Time   `json:"addedAt" bson:"addedAt"`
	EmailSent              bool        `json:"emailSent" bson:"emailSent"`
	EmailStatus            EmailStatus `json:"emailStatus" bson:"emailStatus"`
	EmailAttempts          int         `json:"emailAttempts" bson:"emailAttempts"`
}

type Comment struct {
	ID        string    `json:"id" bson:"id"`
	UserID    string    `json:"userId" bson:"userId"`
	Text      string    `json:"text" bson:"text"`
	CreatedAt time.Time `json:"createdAt" bson:"createdAt"`
}

type ActivityEntry struct {
	Action      string    `json:"action" bson:"action"`
	PerformedBy string    `json:"performedBy" bson:"performedBy"`
	Timestamp   time.Time `json:"timestamp" bson:"timestamp"`
}

// Task is the aggregate root. Collaborators, comments and the activity log
// are embedded and only change through a whole-document save.
type Task struct {
	ID            string          `json:"id" bson:"_id"`
	Title         string          `json:"title" bson:"title"`
	Description   string          `json:"description" bson:"description"`
	DueDate       time.Time       `json:"dueDate" bson:"dueDate"`
	Priority      Priority        `json:"priority" bson:"priority"`
	Status        Status          `json:"status" bson:"status"`
	Tags          []string        `json:"tags" bson:"tags"`
	CreatedBy     string          `json:"createdBy" bson:"createdBy"`
	Collaborators []Collaborator  `json:"collaborators" bson:"collaborators"`
	Comments      []Comment       `json:"comments" bson:"comments"`
	ActivityLog   []ActivityEntry `json:"activityLog" bson:"activityLog"`
	ReminderSent  bool            `json:"reminderSent" bson:"reminderSent"`
	Version       int64           `json:"version" bson:"version"`
	CreatedAt     time.Time       `json:"createdAt" bson:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt" bson:"updatedAt"`
}

func (t *Task) IsOwner(userID string) bool {
	return userID != "" && t.CreatedBy == userID
}

func (t *Task) collaboratorIndex(userID string) int {
	for i, c := range t.Collaborators {
		if c.UserID == userID {
			return i
		}
	}
	return -1
}

func (t *Task) IsCollaborator(userID string) bool {
	return userID != "" && t.collaboratorIndex(userID) >= 0
}

// MemberIDs lists the owner followed by every collaborator.
func (t *Task) MemberIDs() []string {
	ids := make([]string, 0, len(t.Collaborators)+1)
	ids = append(ids, t.CreatedBy)
	for _, c := range t.Collaborators {
		ids = append(ids, c.UserID)
	}
	return ids
}

func (t *Task) logActivity(action, by string, at time.Time) {
	t.ActivityLog = append(t.ActivityLog, ActivityEntry{Action: action, PerformedBy: by, Timestamp: at})
}

// Clone returns a deep copy so stores never share slices with callers.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	out := *t
	out.Tags = append([]string(nil), t.Tags...)
	out.Collaborators = append([]Collaborator(nil), t.Collaborators...)
	out.Comments = append([]Comment(nil), t.Comments...)
	out.ActivityLog = append([]ActivityEntry(nil), t.ActivityLog...)
	return &out
}

type Notification struct {
	ID        string           `json:"id" bson:"_id"`
	UserID    string           `json:"userId" bson:"userId"`
	TaskID    string           `json:"taskId" bson:"taskId"`
	TaskTitle string           `json:"taskTitle,omitempty" bson:"-"`
	Type      NotificationType `json:"type" bson:"type"`
	Message   string           `json:"message" bson:"message"`
	IsRead    bool             `json:"isRead" bson:"isRead"`
	CreatedAt time.Time        `json:"createdAt" bson:"createdAt"`
}

// Actor is the authenticated identity performing an operation.
type Actor struct {
	ID       string
	Username string
}

// Optional marks whether a field was present in a partial update, so empty
// strings and zero values can still be applied deliberately.
type Optional[T any] struct {
	Value T
	Set   bool
}

func Some[T any](v T) Optional[T] {
	return Optional[T]{Value: v, Set: true}
}

func (o *Optional[T]) UnmarshalJSON(b []byte) error {
	o.Set = true
	if string(b) == "null" {
		var zero T
		o.Value = zero
		return nil
	}
	return json.Unmarshal(b, &o.Value)
}

func (o Optional[T]) MarshalJSON() ([]byte, error) {
	if !o.Set {
		return []byte("null"), nil
	}
	return json.Marshal(o.Value)
}

type CreateTaskInput struct {
	Title       string
	Description string
	DueDate     time.Time
	Priority    Priority
	Tags        []string
}

type TaskDetailsUpdate struct {
	Title       Optional[string]
	Description Optional[string]
	DueDate     Optional[time.Time]
	Priority    Optional[Priority]
	Tags        Optional[[]string]
}

func (u TaskDetailsUpdate) empty() bool {
	return !u.Title.Set && !u.Description.Set && !u.DueDate.Set && !u.Priority.Set && !u.Tags.Set
}

type ProfileUpdate struct {
	Username           Optional[string]
	EmailNotifications Optional[bool]
}

// UserRef is the display form of a user reference.
type UserRef struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

type CollaboratorView struct {
	User                   UserRef     `json:"userId"`
	AssignedResponsibility string      `json:"assignedResponsibility"`
	AddedAt                time.Time   `json:"addedAt"`
	EmailSent              bool        `json:"emailSent"`
	EmailStatus            EmailStatus `json:"emailStatus"`
}

type CommentView struct {
	ID        string    `json:"id"`
	User      UserRef   `json:"userId"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

type ActivityView struct {
	Action      string    `json:"action"`
	PerformedBy UserRef   `json:"performedBy"`
	Timestamp   time.Time `json:"timestamp"`
}

// TaskDetail is a task with every user reference resolved at read time.
type TaskDetail struct {
	ID            string             `json:"id"`
	Title         string             `json:"title"`
	Description   string             `json:"description"`
	DueDate       time.Time          `json:"dueDate"`
	Priority      Priority           `json:"priority"`
	Status        Status             `json:"status"`
	Tags          []string           `json:"tags"`
	CreatedBy     UserRef            `json:"createdBy"`
	Collaborators []CollaboratorView `json:"collaborators"`
	Comments      []CommentView      `json:"comments"`
	ActivityLog   []ActivityView     `json:"activityLog"`
	CreatedAt     time.Time          `json:"createdAt"`
	UpdatedAt     time.Time          `json:"updatedAt"`
}

type TaskPage struct {
	Tasks []TaskDetail `json:"tasks"`
	Count int          `json:"count"`
	Total int64        `json:"total"`
	Page  int          `json:"page"`
	Pages int          `json:"pages"`
}

const (
	defaultPageSize = 10
	maxPageSize     = 100

	searchLimit       = 10
	notificationLimit = 20
)

func normalizeLimit(n int) int {
	if n <= 0 {
		return defaultPageSize
	}
	if n > maxPageSize {
		return maxPageSize
	}
	return n
}

func pageCount(total int64, size int) int {
	if size <= 0 {
		return 0
	}
	return int((total + int64(size) - 1) / int64(size))
}
