package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stellarlinkco/tasksync/internal/api"
	"github.com/stellarlinkco/tasksync/internal/config"
	"github.com/stellarlinkco/tasksync/internal/notify"
	"github.com/stellarlinkco/tasksync/internal/task"
	"github.com/stellarlinkco/tasksync/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer is written from the connection goroutine by watch.
type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func setup(t *testing.T) (*testutil.Server, string) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	for _, k := range []string{
		"TASKSYNC_CONFIG", "TASKSYNC_WS_URL", "TASKSYNC_TOKEN", "TASKSYNC_PASSWORD",
		"TASKSYNC_MAX_ATTEMPTS", "TASKSYNC_BASE_DELAY_MS", "TASKSYNC_RESYNC_SCHEDULE",
		"TASKSYNC_DIGEST_SCHEDULE", "TASKSYNC_TELEGRAM_TOKEN", "TASKSYNC_TELEGRAM_CHAT_ID",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	srv := testutil.NewServer(t)
	t.Setenv("TASKSYNC_SERVER_URL", srv.URL())
	return srv, home
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func execute(t *testing.T, opts CLIOptions, args ...string) (string, error) {
	t.Helper()
	out := &syncBuffer{}
	opts.Stdout = out
	if opts.Notifier == nil {
		opts.Notifier = notify.LogNotifier{}
	}
	cliOptions = opts
	t.Cleanup(func() { cliOptions = CLIOptions{} })

	resetFlags(rootCmd)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return execute(t, CLIOptions{}, args...)
}

func login(t *testing.T) {
	t.Helper()
	_, err := run(t, "login", "--email", "ana@example.com", "--password", "secret")
	require.NoError(t, err)
}

func TestOnboard(t *testing.T) {
	_, home := setup(t)

	out, err := run(t, "onboard", "--server", "http://tasks.local:8080/")
	require.NoError(t, err)
	assert.Contains(t, out, "Created config")
	assert.Contains(t, out, "Next steps")

	data, err := os.ReadFile(filepath.Join(home, ".tasksync", "config.json"))
	require.NoError(t, err)
	var cfg config.Config
	require.NoError(t, json.Unmarshal(data, &cfg))
	assert.Equal(t, "http://tasks.local:8080", cfg.Server.BaseURL)

	out, err = run(t, "onboard")
	require.NoError(t, err)
	assert.Contains(t, out, "Config already exists")
}

func TestRegisterLoginWhoamiLogout(t *testing.T) {
	setup(t)

	out, err := run(t, "register", "--name", "cy", "--email", "cy@example.com", "--password", "pw")
	require.NoError(t, err)
	assert.Contains(t, out, "Registered cy")

	t.Setenv("TASKSYNC_PASSWORD", "pw")
	out, err = run(t, "login", "--email", "cy@example.com")
	require.NoError(t, err)
	assert.Contains(t, out, "Logged in as cy (#3)")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "token-cy", cfg.Auth.Token)
	assert.Equal(t, "cy@example.com", cfg.Auth.Email)

	out, err = run(t, "whoami")
	require.NoError(t, err)
	assert.Equal(t, "cy <cy@example.com> (#3)\n", out)

	out, err = run(t, "logout")
	require.NoError(t, err)
	assert.Contains(t, out, "Logged out")

	_, err = run(t, "whoami")
	assert.ErrorIs(t, err, api.ErrUnauthenticated)
}

func TestLogin_WrongPassword(t *testing.T) {
	setup(t)
	_, err := run(t, "login", "--email", "ana@example.com", "--password", "nope")
	var se *api.StatusError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.True(t, se.Unauthorized())
}

func TestLogin_MissingPassword(t *testing.T) {
	setup(t)
	_, err := run(t, "login", "--email", "ana@example.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "password required")
}

func TestUsers(t *testing.T) {
	setup(t)
	login(t)

	out, err := run(t, "users")
	require.NoError(t, err)
	assert.Contains(t, out, "ana@example.com")
	assert.Contains(t, out, "bo@example.com")

	out, err = run(t, "users", "-o", "json")
	require.NoError(t, err)
	var resp struct {
		Users []task.User `json:"users"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Len(t, resp.Users, 2)
}

func TestUnknownOutputFormat(t *testing.T) {
	setup(t)
	_, err := run(t, "users", "-o", "xml")
	assert.Error(t, err)
}

func TestTasks_RequiresLogin(t *testing.T) {
	setup(t)
	_, err := run(t, "tasks")
	assert.ErrorIs(t, err, api.ErrUnauthenticated)
}

func TestTasks_EmptyBoard(t *testing.T) {
	setup(t)
	login(t)

	out, err := run(t, "tasks")
	require.NoError(t, err)
	assert.Equal(t, "No tasks yet.\n", out)
}

func TestCreateThenList(t *testing.T) {
	srv, _ := setup(t)
	login(t)

	out, err := run(t, "create", "--title", "Write report", "--importance", "4",
		"--deadline", "2024-01-01", "--assignee", "bo", "--description", "numbers")
	require.NoError(t, err)
	assert.Equal(t, "Created task #1 \"Write report\"\n", out)

	stored := srv.Tasks()
	require.Len(t, stored, 1)
	assert.Equal(t, uint(2), stored[0].AssigneeID)
	assert.Equal(t, task.StatusPending, stored[0].Status)
	assert.Equal(t, "2024-01-01", stored[0].Deadline.String())

	_, err = run(t, "create", "--title", "Mine")
	require.NoError(t, err)

	out, err = run(t, "tasks")
	require.NoError(t, err)
	assert.Contains(t, out, "Write report")
	assert.Contains(t, out, "Mine")

	out, err = run(t, "tasks", "--mine")
	require.NoError(t, err)
	assert.NotContains(t, out, "Write report")
	assert.Contains(t, out, "Mine")
}

func TestCreate_ServerRejectionIsReported(t *testing.T) {
	srv, _ := setup(t)
	login(t)
	srv.RejectAction("create_task", "Invalid deadline format. Use YYYY-MM-DD")

	start := time.Now()
	_, err := run(t, "create", "--title", "X", "--timeout", "5s")
	require.Error(t, err)
	assert.Equal(t, "server rejected create_task: Invalid deadline format. Use YYYY-MM-DD", err.Error())
	assert.Less(t, time.Since(start), 4*time.Second)
	assert.Empty(t, srv.Tasks())
}

func TestUpdate_ServerRejectionIsReported(t *testing.T) {
	srv, _ := setup(t)
	login(t)
	srv.SetTasks(task.Task{ID: 1, Title: "a", AssigneeID: 1, Status: task.StatusPending, Importance: 3})
	srv.RejectAction("update_task", "Task not found")

	_, err := run(t, "update", "1", "--status", "completed", "--timeout", "5s")
	require.Error(t, err)
	assert.Equal(t, "server rejected update_task: Task not found", err.Error())
	assert.Equal(t, task.StatusPending, srv.Tasks()[0].Status)
}

func TestCreate_InvalidInput(t *testing.T) {
	setup(t)
	login(t)

	_, err := run(t, "create", "--title", "x", "--importance", "9")
	assert.Error(t, err)
	_, err = run(t, "create", "--title", "x", "--status", "blocked")
	assert.Error(t, err)
	_, err = run(t, "create", "--title", "x", "--deadline", "tomorrow")
	assert.Error(t, err)
	_, err = run(t, "create", "--title", "x", "--assignee", "nobody")
	assert.Error(t, err)
}

func TestUpdate(t *testing.T) {
	srv, _ := setup(t)
	srv.SetTasks(task.Task{ID: 7, Title: "report", AssigneeID: 1, Status: task.StatusPending, Importance: 2})
	login(t)

	out, err := run(t, "update", "7", "--status", "done", "--importance", "5")
	require.NoError(t, err)
	assert.Equal(t, "Updated task #7 \"report\" (COMPLETED)\n", out)

	stored := srv.Tasks()[0]
	assert.Equal(t, task.StatusCompleted, stored.Status)
	assert.Equal(t, 5, stored.Importance)
	assert.Equal(t, "report", stored.Title)

	out, err = run(t, "tasks", "--status", "COMPLETED", "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "title: report")

	_, err = run(t, "update", "99", "--title", "x")
	assert.EqualError(t, err, "task #99 not found")
	_, err = run(t, "update", "abc")
	assert.Error(t, err)
}

func TestPrioritize(t *testing.T) {
	srv, _ := setup(t)
	srv.SetTasks(
		task.Task{ID: 1, Title: "low", Importance: 1, Status: task.StatusPending},
		task.Task{ID: 2, Title: "high", Importance: 5, Status: task.StatusPending},
	)
	login(t)

	out, err := run(t, "prioritize", "-o", "json")
	require.NoError(t, err)
	var resp struct {
		Tasks []task.Task `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Tasks, 2)
	assert.Equal(t, "high", resp.Tasks[0].Title)
	assert.Equal(t, "low", resp.Tasks[1].Title)
}

func TestSuggestAndBreakdown(t *testing.T) {
	setup(t)
	login(t)

	out, err := run(t, "suggest", "launch", "day")
	require.NoError(t, err)
	assert.Equal(t, "1. Plan: launch day\n2. Review: launch day\n", out)

	out, err = run(t, "breakdown", "launch", "-o", "json")
	require.NoError(t, err)
	var resp struct {
		Breakdown []string `json:"breakdown"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Len(t, resp.Breakdown, 3)
}

func TestStatus(t *testing.T) {
	srv, _ := setup(t)

	out, err := run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Server: "+srv.URL())
	assert.Contains(t, out, "Channel: ws://")
	assert.Contains(t, out, "Token: not set")
	assert.Contains(t, out, "Reconnect: 5 attempts, 1s linear backoff")
	assert.NotContains(t, out, "Account:")

	login(t)
	out, err = run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Token: toke...-ana")
	assert.Contains(t, out, "Account: ana (#1)")
}

func TestWatch_StopsOnSignal(t *testing.T) {
	srv, _ := setup(t)
	srv.SetTasks(task.Task{ID: 1, Title: "live", Status: task.StatusPending, Importance: 3})
	login(t)

	sigCh := make(chan os.Signal, 1)
	out := &syncBuffer{}
	cliOptions = CLIOptions{Stdout: out, Notifier: notify.LogNotifier{}, SignalChan: sigCh}
	t.Cleanup(func() { cliOptions = CLIOptions{} })
	resetFlags(rootCmd)
	rootCmd.SetArgs([]string{"watch"})

	errCh := make(chan error, 1)
	go func() { errCh <- rootCmd.Execute() }()

	require.Eventually(t, func() bool { return strings.Contains(out.String(), "live") }, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, out.String(), "1 tasks ==")
	sigCh <- syscall.SIGTERM

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop on signal")
	}
}

func TestMaskToken(t *testing.T) {
	assert.Equal(t, "set", maskToken("short"))
	assert.Equal(t, "abcd...wxyz", maskToken("abcdefghijklmnopqrstuvwxyz"))
	assert.Contains(t, maskToken(""), "not set")
}
