package mtask

import (
	"fmt"
	"strings"
	"time"
)

type CreateTaskRequest struct {
	Title       string   `json:"title" binding:"required,max=200"`
	Description string   `json:"description" binding:"max=5000"`
	DueDate     string   `json:"dueDate" binding:"required"`
	Priority    string   `json:"priority" binding:"omitempty,oneof=High Medium Low"`
	Tags        []string `json:"tags" binding:"max=20"`
}

// UpdateTaskRequest only applies the fields present in the body.
type UpdateTaskRequest struct {
	Title       Optional[string]   `json:"title"`
	Description Optional[string]   `json:"description"`
	DueDate     Optional[string]   `json:"dueDate"`
	Priority    Optional[string]   `json:"priority"`
	Tags        Optional[[]string] `json:"tags"`
}

type StatusRequest struct {
	Status string `json:"status" binding:"required"`
}

type AddCollaboratorRequest struct {
	Username               string `json:"username" binding:"required,max=64"`
	AssignedResponsibility string `json:"assignedResponsibility" binding:"max=500"`
}

type CommentRequest struct {
	Text string `json:"text" binding:"required,max=2000"`
}

type ProfileRequest struct {
	Username    Optional[string] `json:"username"`
	Preferences struct {
		EmailNotifications Optional[bool] `json:"emailNotifications"`
	} `json:"preferences"`
}

type RegisterRequest struct {
	Username string `json:"username" binding:"required,min=3,max=64"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=6,max=128"`
}

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// parseDueDate accepts RFC 3339 timestamps and plain dates.
func parseDueDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, invalid("dueDate is required")
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, invalid("dueDate %q is not a valid date", s)
}

func (r CreateTaskRequest) toInput() (CreateTaskInput, error) {
	due, err := parseDueDate(r.DueDate)
	if err != nil {
		return CreateTaskInput{}, err
	}
	return CreateTaskInput{
		Title:       r.Title,
		Description: r.Description,
		DueDate:     due,
		Priority:    Priority(r.Priority),
		Tags:        r.Tags,
	}, nil
}

func (r UpdateTaskRequest) toUpdate() (TaskDetailsUpdate, error) {
	upd := TaskDetailsUpdate{
		Title:       r.Title,
		Description: r.Description,
		Tags:        r.Tags,
	}
	if r.DueDate.Set {
		due, err := parseDueDate(r.DueDate.Value)
		if err != nil {
			return upd, err
		}
		upd.DueDate = Some(due)
	}
	if r.Priority.Set {
		upd.Priority = Some(Priority(r.Priority.Value))
	}
	return upd, nil
}

func (r ProfileRequest) toUpdate() ProfileUpdate {
	return ProfileUpdate{
		Username:           r.Username,
		EmailNotifications: r.Preferences.EmailNotifications,
	}
}

func (r RegisterRequest) String() string {
	return fmt.Sprintf("RegisterRequest{Username:%s Email:%s}", r.Username, r.Email)
}
