package task

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
)

// Statuses lists the known statuses in board order.
var Statuses = []Status{StatusPending, StatusInProgress, StatusCompleted}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// ParseStatus accepts the wire form as well as lower-case and hyphenated
// spellings typed on the command line ("in-progress", "done").
func ParseStatus(s string) (Status, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	norm = strings.ReplaceAll(norm, "-", "_")
	norm = strings.ReplaceAll(norm, " ", "_")
	switch norm {
	case "PENDING", "TODO":
		return StatusPending, nil
	case "IN_PROGRESS", "DOING":
		return StatusInProgress, nil
	case "COMPLETED", "DONE":
		return StatusCompleted, nil
	}
	return "", fmt.Errorf("invalid task status: %q", s)
}

const (
	MinImportance = 1
	MaxImportance = 5
)

// DateLayout is the wire format for deadlines.
const DateLayout = "2006-01-02"

// Date is a calendar day. It marshals as YYYY-MM-DD and unmarshals from
// either that form or a full RFC 3339 timestamp, which is what the server
// echoes back for stored tasks.
type Date struct {
	time.Time
}

func NewDate(year int, month time.Month, day int) Date {
	return Date{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Date{}, nil
	}
	if t, err := time.Parse(DateLayout, s); err == nil {
		return Date{Time: t}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: use YYYY-MM-DD", s)
	}
	return NewDate(t.Year(), t.Month(), t.Day()), nil
}

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Format(DateLayout)
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*d = Date{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("deadline: %w", err)
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	// Go's zero time round-trips through the server as 0001-01-01.
	if parsed.Year() <= 1 {
		parsed = Date{}
	}
	*d = parsed
	return nil
}

func (d Date) MarshalYAML() (any, error) {
	return d.String(), nil
}

type Task struct {
	ID          uint      `json:"id" yaml:"id"`
	Title       string    `json:"title" yaml:"title"`
	Description string    `json:"description" yaml:"description"`
	AssigneeID  uint      `json:"assignee_id" yaml:"assignee_id"`
	Status      Status    `json:"status" yaml:"status"`
	Importance  int       `json:"importance" yaml:"importance"`
	Deadline    Date      `json:"deadline" yaml:"deadline"`
	CreatedAt   time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" yaml:"updated_at"`
}

// Overdue reports whether an unfinished task's deadline lies before the
// day containing now.
func (t Task) Overdue(now time.Time) bool {
	if t.Deadline.IsZero() || t.Status == StatusCompleted {
		return false
	}
	today := NewDate(now.Year(), now.Month(), now.Day())
	return t.Deadline.Before(today.Time)
}

// DueOn reports whether the deadline falls on the same calendar day as now.
func (t Task) DueOn(now time.Time) bool {
	if t.Deadline.IsZero() {
		return false
	}
	y, m, d := now.Date()
	return t.Deadline.Year() == y && t.Deadline.Month() == m && t.Deadline.Day() == d
}

type User struct {
	ID    uint   `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	Email string `json:"email,omitempty" yaml:"email,omitempty"`
}

// UserName resolves an assignee id against a user directory.
func UserName(users []User, id uint) string {
	for _, u := range users {
		if u.ID == id {
			return u.Name
		}
	}
	if id == 0 {
		return ""
	}
	return fmt.Sprintf("#%d", id)
}
