package channel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stellarlinkco/tasksync/internal/protocol"
)

var (
	ErrNotOpen = errors.New("connection not open")
	ErrClosed  = errors.New("connection closed")
)

const DefaultWriteTimeout = 5 * time.Second

type Options struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	WriteTimeout time.Duration
	Dialer       Dialer
	// After replaces the backoff timer; tests use it to record delays.
	After func(time.Duration) <-chan time.Time
}

// Manager owns one duplex connection: it dials, reads and dispatches
// frames, and reconnects with linear backoff until Close or until the
// attempts run out. The token is bound into the endpoint at construction;
// a new token needs a new Manager.
type Manager struct {
	endpoint     string
	dialer       Dialer
	policy       *LinearBackOff
	writeTimeout time.Duration
	after        func(time.Duration) <-chan time.Time
	events       *Dispatcher
	emitter      *Emitter

	mu        sync.Mutex
	state     State
	attempt   int
	transport Transport
	started   bool
	cancel    context.CancelFunc
	done      chan struct{}

	obsMu     sync.Mutex
	observers []func(Transition)
}

func New(endpoint, token string, opts Options) (*Manager, error) {
	u, err := Endpoint(endpoint, token)
	if err != nil {
		return nil, err
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &WSDialer{}
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}

	m := &Manager{
		endpoint:     u,
		dialer:       dialer,
		policy:       NewLinearBackOff(opts.BaseDelay, opts.MaxAttempts),
		writeTimeout: writeTimeout,
		after:        opts.After,
		events:       NewDispatcher(),
		state:        StateConnecting,
		done:         make(chan struct{}),
	}
	m.emitter = NewEmitter(m)
	return m, nil
}

// Open is New followed by Start.
func Open(ctx context.Context, endpoint, token string, opts Options) (*Manager, error) {
	m, err := New(endpoint, token, opts)
	if err != nil {
		return nil, err
	}
	if err := m.Start(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Start begins connecting in the background. Register handlers before
// calling it to observe the first Open. Cancelling ctx is equivalent to
// Close.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state.Terminal() {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	log.Printf("[channel] connecting to %s", redact(m.endpoint))
	go m.run(runCtx)
	return nil
}

// Close moves the connection to Closed, cancels a pending backoff wait
// and stops reconnecting. It is safe to call more than once and from
// any goroutine; the Closed transition is delivered on the caller's.
func (m *Manager) Close() error {
	m.mu.Lock()
	t, changed := m.transitionLocked(StateClosed, nil)
	cancel := m.cancel
	tr := m.transport
	m.transport = nil
	started := m.started
	m.mu.Unlock()

	if !changed {
		return nil
	}
	m.notify(t)
	if tr != nil {
		_ = tr.Close()
	}
	if cancel != nil {
		cancel()
	}
	if !started {
		close(m.done)
	}
	return nil
}

// Done is closed once the Manager reaches a terminal state and its
// goroutine has exited.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

func (m *Manager) Wait(ctx context.Context) error {
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

func (m *Manager) OnEvent(h Handler) HandlerID {
	return m.events.OnEvent(h)
}

func (m *Manager) RemoveHandler(id HandlerID) bool {
	return m.events.RemoveHandler(id)
}

// OnStateChange registers an observer for every transition.
func (m *Manager) OnStateChange(fn func(Transition)) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.observers = append(m.observers, fn)
}

func (m *Manager) Emitter() *Emitter {
	return m.emitter
}

func (m *Manager) Send(ctx context.Context, cmd protocol.Command) error {
	return m.emitter.Send(ctx, cmd)
}

// WriteFrame writes data only while the connection is Open.
func (m *Manager) WriteFrame(ctx context.Context, data []byte) error {
	m.mu.Lock()
	state := m.state
	tr := m.transport
	m.mu.Unlock()

	if state != StateOpen || tr == nil {
		return fmt.Errorf("%w (state %s)", ErrNotOpen, state)
	}
	wctx, cancel := context.WithTimeout(ctx, m.writeTimeout)
	defer cancel()
	if err := tr.Write(wctx, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	defer func() {
		m.mu.Lock()
		cancel := m.cancel
		m.mu.Unlock()
		cancel()
	}()

	for {
		tr, err := m.dialer.Dial(ctx, m.endpoint)
		if err == nil {
			if !m.opened(tr) {
				_ = tr.Close()
				return
			}
			err = m.readLoop(ctx, tr)
			m.dropTransport(tr)
		}

		if ctx.Err() != nil {
			m.transition(StateClosed, nil)
			return
		}
		if !m.transition(StateReconnecting, err) {
			return
		}

		delay := m.policy.NextBackOff()
		if delay == backoff.Stop {
			m.transition(StateFailed, err)
			log.Printf("[channel] giving up after %d attempts", m.policy.MaxAttempts)
			return
		}
		m.mu.Lock()
		m.attempt = m.policy.Attempt()
		attempt := m.attempt
		m.mu.Unlock()

		log.Printf("[channel] reconnecting in %s (%d/%d)", delay, attempt, m.policy.MaxAttempts)
		if !m.wait(ctx, delay) {
			m.transition(StateClosed, nil)
			return
		}
		if !m.transition(StateConnecting, nil) {
			return
		}
	}
}

func (m *Manager) opened(tr Transport) bool {
	m.mu.Lock()
	if !canTransition(m.state, StateOpen) {
		m.mu.Unlock()
		return false
	}
	m.attempt = 0
	m.transport = tr
	t, _ := m.transitionLocked(StateOpen, nil)
	m.mu.Unlock()

	m.policy.Reset()
	m.notify(t)
	return true
}

func (m *Manager) readLoop(ctx context.Context, tr Transport) error {
	for {
		data, err := tr.Read(ctx)
		if err != nil {
			return err
		}
		if m.State() != StateOpen {
			return ErrClosed
		}
		_ = m.events.Dispatch(data)
	}
}

func (m *Manager) dropTransport(tr Transport) {
	m.mu.Lock()
	if m.transport == tr {
		m.transport = nil
	}
	m.mu.Unlock()
	_ = tr.Close()
}

func (m *Manager) wait(ctx context.Context, d time.Duration) bool {
	if m.after != nil {
		select {
		case <-m.after(d):
			return true
		case <-ctx.Done():
			return false
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) transition(to State, cause error) bool {
	m.mu.Lock()
	t, ok := m.transitionLocked(to, cause)
	m.mu.Unlock()
	if ok {
		m.notify(t)
	}
	return ok
}

func (m *Manager) transitionLocked(to State, cause error) (Transition, bool) {
	from := m.state
	if !canTransition(from, to) {
		return Transition{}, false
	}
	m.state = to
	return Transition{From: from, To: to, Attempt: m.attempt, Err: cause}, true
}

func (m *Manager) notify(t Transition) {
	log.Printf("[channel] %s", t)

	m.obsMu.Lock()
	observers := make([]func(Transition), len(m.observers))
	copy(observers, m.observers)
	m.obsMu.Unlock()

	for _, fn := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[channel] state observer panic: %v", r)
				}
			}()
			fn(t)
		}()
	}
}

func redact(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "<invalid endpoint>"
	}
	if u.Query().Has("token") {
		u.RawQuery = "token=REDACTED"
	}
	return u.String()
}
