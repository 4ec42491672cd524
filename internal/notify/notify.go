// Package notify delivers short human-readable messages about task
// activity to an outside channel.
package notify

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/stellarlinkco/tasksync/internal/config"
	"github.com/stellarlinkco/tasksync/internal/task"
)

type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// LogNotifier writes notifications to the process log.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, text string) error {
	log.Printf("[notify] %s", text)
	return nil
}

// FromConfig returns a Telegram notifier when one is configured and a
// LogNotifier otherwise.
func FromConfig(cfg config.TelegramConfig) (Notifier, error) {
	if !cfg.Enabled || cfg.Token == "" {
		return LogNotifier{}, nil
	}
	return NewTelegram(cfg)
}

// Assigned formats the message sent when a task lands on someone.
func Assigned(t task.Task, users []task.User) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**New task assigned**: %s", t.Title)
	if name := task.UserName(users, t.AssigneeID); name != "" {
		fmt.Fprintf(&b, " (to %s)", name)
	}
	if !t.Deadline.IsZero() {
		fmt.Fprintf(&b, "\nDue: %s", t.Deadline)
	}
	if t.Description != "" {
		fmt.Fprintf(&b, "\n%s", t.Description)
	}
	return b.String()
}

// Digest summarizes the open tasks of one assignee. An assignee of 0
// covers every task. It returns "" when nothing is open.
func Digest(tasks []task.Task, assignee uint, now time.Time) string {
	var open []task.Task
	for _, t := range tasks {
		if t.Status == task.StatusCompleted {
			continue
		}
		if assignee != 0 && t.AssigneeID != assignee {
			continue
		}
		open = append(open, t)
	}
	if len(open) == 0 {
		return ""
	}

	sort.SliceStable(open, func(i, j int) bool {
		di, dj := open[i].Deadline, open[j].Deadline
		if di.IsZero() != dj.IsZero() {
			return !di.IsZero()
		}
		return di.Before(dj.Time)
	})

	var overdue, today int
	for _, t := range open {
		if t.Overdue(now) {
			overdue++
		} else if t.DueOn(now) {
			today++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**%d open tasks**", len(open))
	if overdue > 0 || today > 0 {
		fmt.Fprintf(&b, " (%d overdue, %d due today)", overdue, today)
	}
	for _, t := range open {
		fmt.Fprintf(&b, "\n- [%s] %s", t.Status, t.Title)
		if !t.Deadline.IsZero() {
			fmt.Fprintf(&b, " (due %s)", t.Deadline)
		}
	}
	return b.String()
}
