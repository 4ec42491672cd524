// Package session wires the REST client, the duplex connection, the task
// view, scheduled jobs and notifications into one running client.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/stellarlinkco/tasksync/internal/api"
	"github.com/stellarlinkco/tasksync/internal/channel"
	"github.com/stellarlinkco/tasksync/internal/config"
	"github.com/stellarlinkco/tasksync/internal/cron"
	"github.com/stellarlinkco/tasksync/internal/dashboard"
	"github.com/stellarlinkco/tasksync/internal/notify"
	"github.com/stellarlinkco/tasksync/internal/protocol"
	"github.com/stellarlinkco/tasksync/internal/task"
)

// ErrSyncFailed is returned by Run when the connection gave up reconnecting.
var ErrSyncFailed = errors.New("sync failed: reconnect attempts exhausted")

const notifyTimeout = 10 * time.Second

// Options for creating a Session
type Options struct {
	HTTPClient *http.Client
	Dialer     channel.Dialer
	Notifier   notify.Notifier
	After      func(time.Duration) <-chan time.Time
	Now        func() time.Time
	SignalChan chan os.Signal // for testing signal handling
}

type Session struct {
	cfg        *config.Config
	api        *api.Client
	conn       *channel.Manager
	ctrl       *dashboard.Controller
	cron       *cron.Service
	notifier   notify.Notifier
	now        func() time.Time
	signalChan chan os.Signal

	mu      sync.RWMutex
	me      task.User
	users   []task.User
	stopped bool

	failed   chan struct{}
	failOnce sync.Once
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(cfg *config.Config) (*Session, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Session with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Session, error) {
	if cfg.Auth.Token == "" {
		return nil, fmt.Errorf("start session: %w", api.ErrUnauthenticated)
	}

	s := &Session{
		cfg:        cfg,
		api:        api.New(cfg.Server.BaseURL, opts.HTTPClient).WithToken(cfg.Auth.Token),
		cron:       cron.NewService(),
		now:        opts.Now,
		signalChan: opts.SignalChan,
		failed:     make(chan struct{}),
	}
	if s.now == nil {
		s.now = time.Now
	}

	s.notifier = opts.Notifier
	if s.notifier == nil {
		n, err := notify.FromConfig(cfg.Notify.Telegram)
		if err != nil {
			return nil, fmt.Errorf("create notifier: %w", err)
		}
		s.notifier = n
	}

	conn, err := channel.New(cfg.ChannelURL(), cfg.Auth.Token, channel.Options{
		MaxAttempts:  cfg.Reconnect.MaxAttempts,
		BaseDelay:    cfg.Reconnect.BaseDelay(),
		WriteTimeout: cfg.Reconnect.WriteTimeout(),
		Dialer:       opts.Dialer,
		After:        opts.After,
	})
	if err != nil {
		return nil, fmt.Errorf("create connection: %w", err)
	}
	s.conn = conn

	// The controller subscribes first, so the collection still holds the
	// previous version of a task when handleEvent runs.
	s.ctrl = dashboard.NewController(conn.Emitter())
	s.ctrl.Attach(conn)
	conn.OnEvent(s.handleEvent)
	conn.OnStateChange(s.handleTransition)

	if err := s.registerJobs(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) registerJobs() error {
	if expr := s.cfg.Schedule.Resync; expr != "" {
		if _, err := s.cron.AddJob("resync", expr, s.ctrl.Refresh); err != nil {
			return fmt.Errorf("schedule resync: %w", err)
		}
	}
	if expr := s.cfg.Schedule.Digest; expr != "" {
		if _, err := s.cron.AddJob("digest", expr, s.SendDigest); err != nil {
			return fmt.Errorf("schedule digest: %w", err)
		}
	}
	return nil
}

// Start looks up the current user and the user directory, then starts the
// scheduler and the connection. It returns once connecting has begun.
func (s *Session) Start(ctx context.Context) error {
	me, err := s.api.CurrentUser(ctx)
	if err != nil {
		return fmt.Errorf("current user: %w", err)
	}
	users, err := s.api.Users(ctx)
	if err != nil {
		log.Printf("[session] list users warning: %v", err)
	}
	s.mu.Lock()
	s.me = me
	s.users = users
	s.mu.Unlock()

	if err := s.cron.Start(ctx); err != nil {
		log.Printf("[session] cron start warning: %v", err)
	}
	if err := s.conn.Start(ctx); err != nil {
		s.cron.Stop()
		return fmt.Errorf("start connection: %w", err)
	}
	log.Printf("[session] signed in as %s (#%d)", me.Name, me.ID)
	return nil
}

// Run starts the session and blocks until a signal arrives, ctx ends or
// the connection fails for good. Only the last case is an error.
func (s *Session) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	// Use injected signal channel for testing, or create default
	sigCh := s.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}

	var runErr error
	select {
	case <-sigCh:
		log.Printf("[session] shutting down...")
	case <-ctx.Done():
	case <-s.failed:
		runErr = ErrSyncFailed
	}
	s.Stop()
	return runErr
}

// Stop closes the connection and the scheduler and waits for pending
// notifications. It is safe to call more than once.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.cron.Stop()
		_ = s.conn.Close()
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		s.wg.Wait()
		log.Printf("[session] stopped")
	})
}

func (s *Session) handleEvent(ev protocol.Event) {
	var t task.Task
	switch e := ev.(type) {
	case protocol.TaskCreated:
		t = e.Task
	case protocol.TaskUpdated:
		t = e.Task
		// Only a change of assignee is news.
		if prev, ok := s.ctrl.Get(t.ID); ok && prev.AssigneeID == t.AssigneeID {
			return
		}
	default:
		return
	}

	me := s.Me()
	if me.ID == 0 || t.AssigneeID != me.ID {
		return
	}
	s.deliver(notify.Assigned(t, s.Users()))
}

func (s *Session) handleTransition(t channel.Transition) {
	if t.To != channel.StateFailed {
		return
	}
	s.deliver(fmt.Sprintf("**Sync stopped**: server unreachable after %d attempts", t.Attempt))
	s.failOnce.Do(func() { close(s.failed) })
}

// deliver sends off the connection goroutine so a slow notifier never
// holds up frame processing.
func (s *Session) deliver(text string) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		log.Printf("[session] dropped notification after stop")
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := s.notifier.Notify(ctx, text); err != nil {
			log.Printf("[session] notify failed: %v", err)
		}
	}()
}

// SendDigest notifies the current user's open tasks. Nothing is sent
// when nothing is open.
func (s *Session) SendDigest(ctx context.Context) error {
	text := notify.Digest(s.ctrl.Tasks(), s.Me().ID, s.now())
	if text == "" {
		return nil
	}
	return s.notifier.Notify(ctx, text)
}

// RefreshUsers reloads the user directory used to name assignees.
func (s *Session) RefreshUsers(ctx context.Context) error {
	users, err := s.api.Users(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.users = users
	s.mu.Unlock()
	return nil
}

func (s *Session) WaitSynced(ctx context.Context) ([]task.Task, error) {
	select {
	case <-s.failed:
		return nil, ErrSyncFailed
	default:
	}
	type result struct {
		tasks []task.Task
		err   error
	}
	ch := make(chan result, 1)
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		tasks, err := s.ctrl.WaitSynced(waitCtx)
		ch <- result{tasks, err}
	}()
	select {
	case r := <-ch:
		return r.tasks, r.err
	case <-s.failed:
		return nil, ErrSyncFailed
	}
}

func (s *Session) Me() task.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.me
}

func (s *Session) Users() []task.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]task.User, len(s.users))
	copy(out, s.users)
	return out
}

func (s *Session) API() *api.Client                  { return s.api }
func (s *Session) Conn() *channel.Manager            { return s.conn }
func (s *Session) Controller() *dashboard.Controller { return s.ctrl }
func (s *Session) Emitter() *channel.Emitter         { return s.conn.Emitter() }
func (s *Session) Jobs() []cron.Job                  { return s.cron.ListJobs() }
func (s *Session) Failed() <-chan struct{}           { return s.failed }
