// Package view renders tasks and users for the terminal.
package view

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/stellarlinkco/tasksync/internal/task"
	"gopkg.in/yaml.v3"
)

type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "", FormatTable:
		return FormatTable, nil
	case FormatJSON, FormatYAML:
		return f, nil
	}
	return "", fmt.Errorf("unknown output format %q (want table, json or yaml)", s)
}

// Now is the clock used for relative deadlines.
var Now = time.Now

const emptyTasks = "No tasks yet."

// Tasks writes tasks in the given format, resolving assignees against users.
func Tasks(w io.Writer, format Format, tasks []task.Task, users []task.User) error {
	switch format {
	case FormatJSON:
		return writeJSON(w, map[string]any{"tasks": nonNil(tasks)})
	case FormatYAML:
		return writeYAML(w, map[string]any{"tasks": nonNil(tasks)})
	}

	if len(tasks) == 0 {
		_, err := fmt.Fprintln(w, emptyTasks)
		return err
	}
	now := Now()
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tSTATUS\tIMP\tASSIGNEE\tDEADLINE\tDUE")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\t%s\n",
			t.ID, t.Title, t.Status, t.Importance,
			dash(task.UserName(users, t.AssigneeID)), dash(t.Deadline.String()), Due(t, now))
	}
	return tw.Flush()
}

// Task writes one task with its description.
func Task(w io.Writer, format Format, t task.Task, users []task.User) error {
	switch format {
	case FormatJSON:
		return writeJSON(w, map[string]any{"task": t})
	case FormatYAML:
		return writeYAML(w, map[string]any{"task": t})
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%d\n", t.ID)
	fmt.Fprintf(tw, "Title:\t%s\n", t.Title)
	fmt.Fprintf(tw, "Status:\t%s\n", t.Status)
	fmt.Fprintf(tw, "Importance:\t%d\n", t.Importance)
	fmt.Fprintf(tw, "Assignee:\t%s\n", dash(task.UserName(users, t.AssigneeID)))
	fmt.Fprintf(tw, "Deadline:\t%s\n", dash(t.Deadline.String()))
	if t.Description != "" {
		fmt.Fprintf(tw, "Description:\t%s\n", t.Description)
	}
	return tw.Flush()
}

func Users(w io.Writer, format Format, users []task.User) error {
	switch format {
	case FormatJSON:
		return writeJSON(w, map[string]any{"users": nonNil(users)})
	case FormatYAML:
		return writeYAML(w, map[string]any{"users": nonNil(users)})
	}
	if len(users) == 0 {
		_, err := fmt.Fprintln(w, "No users.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tEMAIL")
	for _, u := range users {
		fmt.Fprintf(tw, "%d\t%s\t%s\n", u.ID, u.Name, dash(u.Email))
	}
	return tw.Flush()
}

// Lines writes a numbered list, such as suggestions or breakdown steps.
// key names the list in structured formats.
func Lines(w io.Writer, format Format, key string, items []string) error {
	switch format {
	case FormatJSON:
		return writeJSON(w, map[string]any{key: nonNil(items)})
	case FormatYAML:
		return writeYAML(w, map[string]any{key: nonNil(items)})
	}
	if len(items) == 0 {
		_, err := fmt.Fprintln(w, "Nothing returned.")
		return err
	}
	for i, item := range items {
		if _, err := fmt.Fprintf(w, "%d. %s\n", i+1, item); err != nil {
			return err
		}
	}
	return nil
}

// Due describes a deadline relative to now.
func Due(t task.Task, now time.Time) string {
	switch {
	case t.Deadline.IsZero():
		return "-"
	case t.Status == task.StatusCompleted:
		return "done"
	case t.DueOn(now):
		return "today"
	}
	today := task.NewDate(now.Year(), now.Month(), now.Day())
	rel := humanize.RelTime(t.Deadline.Time, today.Time, "ago", "from now")
	if t.Overdue(now) {
		return "overdue " + rel
	}
	return rel
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
