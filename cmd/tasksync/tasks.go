package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/stellarlinkco/tasksync/internal/api"
	"github.com/stellarlinkco/tasksync/internal/protocol"
	"github.com/stellarlinkco/tasksync/internal/session"
	"github.com/stellarlinkco/tasksync/internal/task"
	"github.com/stellarlinkco/tasksync/internal/view"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Print the task board once",
	Args:  cobra.NoArgs,
	RunE:  runTasks,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the board live (reconnects, resync, digest)",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a task",
	Args:  cobra.NoArgs,
	RunE:  runCreate,
}

var updateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Update fields of a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runUpdate,
}

var prioritizeCmd = &cobra.Command{
	Use:   "prioritize",
	Short: "Show the board in server-suggested priority order",
	Args:  cobra.NoArgs,
	RunE:  runPrioritize,
}

var suggestCmd = &cobra.Command{
	Use:   "suggest <prompt>",
	Short: "Ask the server for task suggestions",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSuggest,
}

var breakdownCmd = &cobra.Command{
	Use:   "breakdown <prompt>",
	Short: "Ask the server to split a task into steps",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runBreakdown,
}

var (
	statusFilter string
	mineFlag     bool

	titleFlag       string
	descriptionFlag string
	assigneeFlag    string
	taskStatusFlag  string
	importanceFlag  int
	deadlineFlag    string
)

func initTaskCommands() {
	for _, c := range []*cobra.Command{tasksCmd, prioritizeCmd} {
		c.Flags().StringVar(&statusFilter, "status", "", "Only tasks with this status")
		c.Flags().BoolVar(&mineFlag, "mine", false, "Only tasks assigned to me")
	}

	for _, c := range []*cobra.Command{createCmd, updateCmd} {
		f := c.Flags()
		f.StringVar(&titleFlag, "title", "", "Task title")
		f.StringVar(&descriptionFlag, "description", "", "Task description")
		f.StringVar(&assigneeFlag, "assignee", "", "Assignee id or name (default: me)")
		f.StringVar(&taskStatusFlag, "status", "", "PENDING, IN_PROGRESS or COMPLETED")
		f.IntVar(&importanceFlag, "importance", 3, "Importance from 1 to 5")
		f.StringVar(&deadlineFlag, "deadline", "", "Deadline as YYYY-MM-DD")
	}
	_ = createCmd.MarkFlagRequired("title")

	rootCmd.AddCommand(tasksCmd, watchCmd, createCmd, updateCmd, prioritizeCmd, suggestCmd, breakdownCmd)
}

func runTasks(cmd *cobra.Command, args []string) error {
	ctx, cancel := withTimeout()
	defer cancel()

	filter, err := taskFilter()
	if err != nil {
		return err
	}
	s, err := connect(ctx)
	if err != nil {
		return err
	}
	defer s.Stop()

	return view.Tasks(cliOptions.stdout(), outputFormat(), filter(s, s.Controller().Tasks()), s.Users())
}

func taskFilter() (func(*session.Session, []task.Task) []task.Task, error) {
	var status task.Status
	if statusFilter != "" {
		st, err := task.ParseStatus(statusFilter)
		if err != nil {
			return nil, err
		}
		status = st
	}
	return func(s *session.Session, tasks []task.Task) []task.Task {
		me := s.Me().ID
		out := make([]task.Task, 0, len(tasks))
		for _, t := range tasks {
			if status != "" && t.Status != status {
				continue
			}
			if mineFlag && t.AssigneeID != me {
				continue
			}
			out = append(out, t)
		}
		return out
	}, nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := session.NewWithOptions(cfg, session.Options{
		HTTPClient: cliOptions.HTTPClient,
		Dialer:     cliOptions.Dialer,
		Notifier:   cliOptions.Notifier,
		SignalChan: cliOptions.SignalChan,
	})
	if err != nil {
		return requireLogin(err)
	}

	out := cliOptions.stdout()
	format := outputFormat()
	s.Controller().OnChange(func(tasks []task.Task) {
		if format == view.FormatTable {
			fmt.Fprintf(out, "\n== %s  %d tasks ==\n", time.Now().Format("15:04:05"), len(tasks))
		}
		if err := view.Tasks(out, format, tasks, s.Users()); err != nil {
			fmt.Fprintf(out, "render: %v\n", err)
		}
	})
	return requireLogin(s.Run(context.Background()))
}

func runCreate(cmd *cobra.Command, args []string) error {
	status := task.StatusPending
	if taskStatusFlag != "" {
		st, err := task.ParseStatus(taskStatusFlag)
		if err != nil {
			return err
		}
		status = st
	}
	deadline, err := task.ParseDate(deadlineFlag)
	if err != nil {
		return err
	}
	create := protocol.CreateTask{
		Title:       strings.TrimSpace(titleFlag),
		Description: descriptionFlag,
		Status:      status,
		Importance:  importanceFlag,
		Deadline:    deadline,
	}
	if err := create.Validate(); err != nil {
		return err
	}

	ctx, cancel := withTimeout()
	defer cancel()
	s, err := connect(ctx)
	if err != nil {
		return err
	}
	defer s.Stop()

	if create.AssigneeID, err = resolveAssignee(s, assigneeFlag); err != nil {
		return err
	}

	known := make(map[uint]bool)
	for _, t := range s.Controller().Tasks() {
		known[t.ID] = true
	}
	r := listen(s)
	if err := s.Emitter().CreateTask(ctx, create); err != nil {
		return err
	}
	created, err := r.waitForTask(ctx, s, protocol.ActionCreateTask, func(t task.Task) bool {
		return !known[t.ID] && t.Title == create.Title
	})
	if err != nil {
		return err
	}
	if outputFormat() != view.FormatTable {
		return view.Task(cliOptions.stdout(), outputFormat(), created, s.Users())
	}
	fmt.Fprintf(cliOptions.stdout(), "Created task #%d %q\n", created.ID, created.Title)
	return nil
}

func runUpdate(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseUint(strings.TrimPrefix(args[0], "#"), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid task id %q", args[0])
	}

	ctx, cancel := withTimeout()
	defer cancel()
	s, err := connect(ctx)
	if err != nil {
		return err
	}
	defer s.Stop()

	want, ok := s.Controller().Get(uint(id))
	if !ok {
		return fmt.Errorf("task #%d not found", id)
	}
	if err := applyFlags(cmd, s, &want); err != nil {
		return err
	}

	r := listen(s)
	if err := s.Emitter().UpdateTask(ctx, want); err != nil {
		return err
	}
	updated, err := r.waitForTask(ctx, s, protocol.ActionUpdateTask, func(t task.Task) bool {
		return t.ID == want.ID && sameFields(t, want)
	})
	if err != nil {
		return err
	}
	if outputFormat() != view.FormatTable {
		return view.Task(cliOptions.stdout(), outputFormat(), updated, s.Users())
	}
	fmt.Fprintf(cliOptions.stdout(), "Updated task #%d %q (%s)\n", updated.ID, updated.Title, updated.Status)
	return nil
}

func applyFlags(cmd *cobra.Command, s *session.Session, t *task.Task) error {
	f := cmd.Flags()
	if f.Changed("title") {
		if strings.TrimSpace(titleFlag) == "" {
			return fmt.Errorf("title is required")
		}
		t.Title = strings.TrimSpace(titleFlag)
	}
	if f.Changed("description") {
		t.Description = descriptionFlag
	}
	if f.Changed("assignee") {
		id, err := resolveAssignee(s, assigneeFlag)
		if err != nil {
			return err
		}
		t.AssigneeID = id
	}
	if f.Changed("status") {
		st, err := task.ParseStatus(taskStatusFlag)
		if err != nil {
			return err
		}
		t.Status = st
	}
	if f.Changed("importance") {
		if importanceFlag < task.MinImportance || importanceFlag > task.MaxImportance {
			return fmt.Errorf("importance must be between %d and %d, got %d", task.MinImportance, task.MaxImportance, importanceFlag)
		}
		t.Importance = importanceFlag
	}
	if f.Changed("deadline") {
		d, err := task.ParseDate(deadlineFlag)
		if err != nil {
			return err
		}
		t.Deadline = d
	}
	return nil
}

func sameFields(a, b task.Task) bool {
	return a.Title == b.Title &&
		a.Description == b.Description &&
		a.AssigneeID == b.AssigneeID &&
		a.Status == b.Status &&
		a.Importance == b.Importance &&
		a.Deadline.String() == b.Deadline.String()
}

// resolveAssignee accepts an id, a user name or an email. Empty means the
// current user.
func resolveAssignee(s *session.Session, v string) (uint, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return s.Me().ID, nil
	}
	if id, err := strconv.ParseUint(strings.TrimPrefix(v, "#"), 10, 64); err == nil {
		return uint(id), nil
	}
	for _, u := range s.Users() {
		if strings.EqualFold(u.Name, v) || strings.EqualFold(u.Email, v) {
			return u.ID, nil
		}
	}
	return 0, fmt.Errorf("unknown user %q (see 'tasksync users')", v)
}

// replies collects the server's answers to a command: replacements of
// the task view and rejections. Register it before sending the command
// whose result is awaited.
type replies struct {
	changed  chan struct{}
	rejected chan string
}

func listen(s *session.Session) *replies {
	r := &replies{
		changed:  make(chan struct{}, 1),
		rejected: make(chan string, 1),
	}
	s.Controller().OnChange(func([]task.Task) {
		select {
		case r.changed <- struct{}{}:
		default:
		}
	})
	s.Controller().OnServerError(func(msg string) {
		select {
		case r.rejected <- msg:
		default:
		}
	})
	return r
}

func (r *replies) waitForTask(ctx context.Context, s *session.Session, action string, match func(task.Task) bool) (task.Task, error) {
	for {
		for _, t := range s.Controller().Tasks() {
			if match(t) {
				return t, nil
			}
		}
		select {
		case <-r.changed:
		case msg := <-r.rejected:
			return task.Task{}, fmt.Errorf("server rejected %s: %s", action, msg)
		case <-s.Failed():
			return task.Task{}, session.ErrSyncFailed
		case <-ctx.Done():
			return task.Task{}, fmt.Errorf("wait for server confirmation: %w", ctx.Err())
		}
	}
}

func runPrioritize(cmd *cobra.Command, args []string) error {
	ctx, cancel := withTimeout()
	defer cancel()

	filter, err := taskFilter()
	if err != nil {
		return err
	}
	s, err := connect(ctx)
	if err != nil {
		return err
	}
	defer s.Stop()

	tasks := filter(s, s.Controller().Tasks())
	if len(tasks) == 0 {
		return view.Tasks(cliOptions.stdout(), outputFormat(), nil, nil)
	}
	ordered, err := s.API().Prioritize(ctx, tasks)
	if err != nil {
		return err
	}
	s.Controller().ApplyPrioritized(ordered)
	return view.Tasks(cliOptions.stdout(), outputFormat(), s.Controller().Tasks(), s.Users())
}

func runSuggest(cmd *cobra.Command, args []string) error {
	return runPrompt(args, "suggestions", (*api.Client).Suggest)
}

func runBreakdown(cmd *cobra.Command, args []string) error {
	return runPrompt(args, "breakdown", (*api.Client).Breakdown)
}

func runPrompt(args []string, key string, call func(*api.Client, context.Context, string) ([]string, error)) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout()
	defer cancel()

	items, err := call(newClient(cfg), ctx, strings.Join(args, " "))
	if err != nil {
		return requireLogin(err)
	}
	return view.Lines(cliOptions.stdout(), outputFormat(), key, items)
}
