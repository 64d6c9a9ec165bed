package mtask

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"
	"time"
)

//go:embed templates/*.html
var templatesFS embed.FS

var mailTemplates = template.Must(template.New("").Funcs(template.FuncMap{
	"date": func(t time.Time) string {
		return t.UTC().Format("Jan 2, 2006")
	},
	"datetime": func(t time.Time) string {
		return t.UTC().Format("Jan 2, 2006 15:04 MST")
	},
}).ParseFS(templatesFS, "templates/*.html"))

type addedMailData struct {
	RecipientName  string
	ActorName      string
	TaskTitle      string
	Responsibility string
	DueDate        time.Time
	Priority       Priority
	Description    string
	TaskLink       string
}

type deadlineMailData struct {
	RecipientName string
	TaskTitle     string
	DueDate       time.Time
	Window        string
	TaskLink      string
}

func addedSubject(title string) string {
	return fmt.Sprintf("You've been added to %q", title)
}

func deadlineSubject(title string) string {
	return fmt.Sprintf("Reminder: %q is due soon", title)
}

func renderMail(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := mailTemplates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}

func taskLink(frontendURL, taskID string) string {
	return strings.TrimRight(frontendURL, "/") + "/tasks/" + taskID
}

// humanWindow renders a reminder window such as 24h as "24 hours".
func humanWindow(d time.Duration) string {
	if d >= time.Hour && d%time.Hour == 0 {
		h := int(d / time.Hour)
		if h == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", h)
	}
	return d.String()
}
