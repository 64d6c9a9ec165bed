package mtask

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ReconcilerConfig controls batch size, polling cadence and retry limits.
type ReconcilerConfig struct {
	BatchSize      int           // tasks leased per cycle and per phase
	Interval       time.Duration // poll interval
	MaxAttempts    int           // invitation attempts before an entry is left alone
	DeadlineWindow time.Duration // how far ahead deadline reminders look
	// PendingGrace leaves fresh pending invitations to the request that
	// created them. It should exceed the SMTP timeout.
	PendingGrace time.Duration
}

// ReconcileStats summarizes one cycle.
type ReconcileStats struct {
	EmailsSent      int
	EmailsFailed    int
	EmailsSkipped   int
	RemindersIssued int
}

// Reconciler retries collaborator invitations that are still pending or
// failed and issues one deadline reminder per task.
type Reconciler struct {
	engine *Engine
	cfg    ReconcilerConfig
	log    zerolog.Logger
}

func NewReconciler(engine *Engine, cfg ReconcilerConfig, log zerolog.Logger) *Reconciler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.DeadlineWindow <= 0 {
		cfg.DeadlineWindow = 24 * time.Hour
	}
	if cfg.PendingGrace <= 0 {
		cfg.PendingGrace = cfg.Interval + 30*time.Second
	}
	return &Reconciler{engine: engine, cfg: cfg, log: log}
}

// Run polls until ctx is canceled.
func (r *Reconciler) Run(ctx context.Context) error {
	r.log.Info().Int("batch", r.cfg.BatchSize).Dur("interval", r.cfg.Interval).Msg("reconciler starting")
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("reconciler stopping")
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.log.Error().Err(err).Msg("reconcile cycle")
			}
		}
	}
}

func (r *Reconciler) RunOnce(ctx context.Context) (ReconcileStats, error) {
	var stats ReconcileStats
	if err := r.retryInvitations(ctx, &stats); err != nil {
		return stats, err
	}
	if err := r.remindDeadlines(ctx, &stats); err != nil {
		return stats, err
	}
	if stats != (ReconcileStats{}) {
		r.log.Info().
			Int("sent", stats.EmailsSent).
			Int("failed", stats.EmailsFailed).
			Int("skipped", stats.EmailsSkipped).
			Int("reminders", stats.RemindersIssued).
			Msg("reconcile cycle done")
	}
	return stats, nil
}

// inviteOutcome is applied only if the entry still has the status and
// attempt count it was leased with.
type inviteOutcome struct {
	skip     bool
	res      MailResult
	status   EmailStatus
	attempts int
}

func (r *Reconciler) retryInvitations(ctx context.Context, stats *ReconcileStats) error {
	e := r.engine
	tasks, _, err := e.store.ListTasks(ctx, TaskFilter{
		EmailPending:     true,
		MaxEmailAttempts: r.cfg.MaxAttempts,
		Limit:            r.cfg.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("lease pending invitations: %w", err)
	}

	now := e.now()
	for _, t := range tasks {
		outcomes := make(map[string]inviteOutcome)
		var owner *User

		for _, c := range t.Collaborators {
			if !r.retryable(c, now) {
				continue
			}
			leased := inviteOutcome{status: c.EmailStatus, attempts: c.EmailAttempts}
			u, err := e.store.FindUserByID(ctx, c.UserID)
			if errors.Is(err, ErrNoDocument) || (err == nil && !u.Preferences.EmailNotifications) {
				leased.skip = true
				outcomes[c.UserID] = leased
				continue
			}
			if err != nil {
				r.log.Error().Err(err).Str("userID", c.UserID).Msg("resolve collaborator")
				continue
			}
			if owner == nil {
				if owner, err = e.store.FindUserByID(ctx, t.CreatedBy); err != nil {
					owner = &User{ID: t.CreatedBy}
				}
			}
			leased.res = e.sendInvite(ctx, Actor{ID: owner.ID, Username: owner.Username}, t, u)
			outcomes[c.UserID] = leased
		}
		if len(outcomes) == 0 {
			continue
		}

		var applied []inviteOutcome
		_, err := e.mutate(ctx, "reconcile invitations", t.ID, func(cur *Task) error {
			applied = applied[:0]
			for i := range cur.Collaborators {
				c := &cur.Collaborators[i]
				o, ok := outcomes[c.UserID]
				if !ok || c.EmailStatus != o.status || c.EmailAttempts != o.attempts {
					// removed, or recorded elsewhere since the lease
					continue
				}
				if o.skip {
					c.EmailStatus = EmailSkipped
				} else {
					applyMailResult(c, o.res)
				}
				applied = append(applied, o)
			}
			if len(applied) == 0 {
				return errNoSave
			}
			return nil
		})
		if errors.Is(err, errNoSave) {
			continue
		}
		if err != nil {
			r.log.Warn().Err(err).Str("taskID", t.ID).Msg("invitation results not recorded")
			continue
		}
		for _, o := range applied {
			switch {
			case o.skip:
				stats.EmailsSkipped++
			case o.res.Success:
				stats.EmailsSent++
			default:
				stats.EmailsFailed++
			}
		}
	}
	return nil
}

func (r *Reconciler) retryable(c Collaborator, now time.Time) bool {
	if c.EmailAttempts >= r.cfg.MaxAttempts {
		return false
	}
	switch c.EmailStatus {
	case EmailFailed:
		return true
	case EmailPending:
		return now.Sub(c.AddedAt) >= r.cfg.PendingGrace
	}
	return false
}

func (r *Reconciler) remindDeadlines(ctx context.Context, stats *ReconcileStats) error {
	e := r.engine
	now := e.now()
	tasks, _, err := e.store.ListTasks(ctx, TaskFilter{
		DueAfter:  now,
		DueBefore: now.Add(r.cfg.DeadlineWindow),
		Limit:     r.cfg.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("lease due tasks: %w", err)
	}

	for _, due := range tasks {
		// unmarked tasks are picked up again next cycle
		users, err := e.store.FindUsersByIDs(ctx, due.MemberIDs())
		if err != nil {
			r.log.Error().Err(err).Str("taskID", due.ID).Msg("resolve reminder recipients")
			continue
		}

		t, err := e.mutate(ctx, "mark reminder", due.ID, func(cur *Task) error {
			if cur.ReminderSent || cur.Status == StatusCompleted {
				return errNoSave
			}
			cur.ReminderSent = true
			return nil
		})
		if errors.Is(err, errNoSave) {
			continue
		}
		if err != nil {
			r.log.Warn().Err(err).Str("taskID", due.ID).Msg("reminder not marked")
			continue
		}

		// users added after the lookup get the in-app notification only
		recipients := t.MemberIDs()
		msg := fmt.Sprintf("Task %q is due %s", t.Title, t.DueDate.Format(time.RFC1123))
		for _, id := range recipients {
			e.notifyBestEffort(ctx, id, t, NotifyDeadline, msg)
			u, ok := users[id]
			if !ok || !u.Preferences.EmailNotifications {
				continue
			}
			r.sendDeadlineMail(ctx, t, u)
		}
		stats.RemindersIssued++
	}
	return nil
}

func (r *Reconciler) sendDeadlineMail(ctx context.Context, t *Task, u *User) {
	body, err := renderMail("task_deadline.html", deadlineMailData{
		RecipientName: u.Username,
		TaskTitle:     t.Title,
		DueDate:       t.DueDate,
		Window:        humanWindow(r.cfg.DeadlineWindow),
		TaskLink:      taskLink(r.engine.frontendURL, t.ID),
	})
	if err != nil {
		r.log.Error().Err(err).Msg("render deadline mail")
		return
	}
	if res := r.engine.mailer.Send(ctx, u.Email, deadlineSubject(t.Title), body); !res.Success {
		r.log.Warn().Err(res.Err).Str("taskID", t.ID).Str("to", u.Email).Msg("deadline reminder not delivered")
	}
}
