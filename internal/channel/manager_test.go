package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stellarlinkco/tasksync/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func newTestManager(t *testing.T, d *fakeDialer, r *delayRecorder) (*Manager, *transitionLog) {
	t.Helper()
	m, err := New("http://tasks.example:8080", "tok-1", Options{
		Dialer: d,
		After:  r.After,
	})
	require.NoError(t, err)
	tl := &transitionLog{}
	m.OnStateChange(tl.record)
	t.Cleanup(func() { _ = m.Close() })
	return m, tl
}

func TestManager_EndpointCarriesToken(t *testing.T) {
	d := &fakeDialer{}
	d.push(newFakeTransport())
	m, _ := newTestManager(t, d, &delayRecorder{})
	require.NoError(t, m.Start(context.Background()))

	require.Eventually(t, func() bool { return m.State() == StateOpen }, waitFor, tick)
	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Equal(t, "ws://tasks.example:8080/ws/?token=tok-1", d.endpoint)
}

func TestManager_ReconnectsAndResetsAttempt(t *testing.T) {
	first := newFakeTransport()
	second := newFakeTransport()
	d := &fakeDialer{}
	d.push(errRefused, errRefused, first)
	r := &delayRecorder{}
	m, tl := newTestManager(t, d, r)

	require.NoError(t, m.Start(context.Background()))
	require.Eventually(t, func() bool { return m.State() == StateOpen }, waitFor, tick)
	assert.Equal(t, 0, m.Attempt())
	assert.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second}, r.Delays())

	d.push(second)
	first.drop()

	require.Eventually(t, func() bool {
		return d.Dials() == 4 && m.State() == StateOpen
	}, waitFor, tick)
	assert.Equal(t, 0, m.Attempt())
	// The first reconnect after a healthy session starts from attempt 1 again.
	assert.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second, 1 * time.Second}, r.Delays())

	assert.Equal(t, []State{
		StateReconnecting, StateConnecting,
		StateReconnecting, StateConnecting,
		StateOpen,
		StateReconnecting, StateConnecting,
		StateOpen,
	}, tl.States())
}

func TestManager_FailsAfterMaxAttempts(t *testing.T) {
	d := &fakeDialer{}
	r := &delayRecorder{}
	m, tl := newTestManager(t, d, r)

	require.NoError(t, m.Start(context.Background()))
	select {
	case <-m.Done():
	case <-time.After(waitFor):
		t.Fatal("manager did not give up")
	}

	assert.Equal(t, StateFailed, m.State())
	assert.Equal(t, DefaultMaxAttempts, m.Attempt())
	// One initial dial plus one per reconnect attempt.
	assert.Equal(t, 1+DefaultMaxAttempts, d.Dials())

	want := make([]time.Duration, 0, DefaultMaxAttempts)
	for n := 1; n <= DefaultMaxAttempts; n++ {
		want = append(want, time.Duration(n)*DefaultBaseDelay)
	}
	assert.Equal(t, want, r.Delays())

	states := tl.States()
	require.NotEmpty(t, states)
	assert.Equal(t, StateFailed, states[len(states)-1])

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1+DefaultMaxAttempts, d.Dials(), "no handshake after Failed")

	require.NoError(t, m.Close())
	assert.Equal(t, StateFailed, m.State(), "Failed is terminal")
}

func TestManager_MalformedFrameDoesNotBlockNext(t *testing.T) {
	tr := newFakeTransport()
	d := &fakeDialer{}
	d.push(tr)
	m, _ := newTestManager(t, d, &delayRecorder{})

	var mu sync.Mutex
	var got []protocol.Event
	m.OnEvent(func(ev protocol.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
	})
	require.NoError(t, m.Start(context.Background()))
	require.Eventually(t, func() bool { return m.State() == StateOpen }, waitFor, tick)

	tr.inbound <- []byte(`{"event":"task_list","tasks":`)
	tr.inbound <- []byte(`<<garbage>>`)
	tr.inbound <- []byte(`{"event":"task_list","tasks":[{"id":1,"title":"a"}]}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, waitFor, tick)

	mu.Lock()
	list, ok := got[0].(protocol.TaskList)
	mu.Unlock()
	require.True(t, ok)
	require.Len(t, list.Tasks, 1)
	assert.Equal(t, StateOpen, m.State(), "malformed frames keep the connection")
	assert.Equal(t, 1, d.Dials())
}

func TestManager_SendRequiresOpen(t *testing.T) {
	tr := newFakeTransport()
	d := &fakeDialer{}
	r := &delayRecorder{block: true}
	m, _ := newTestManager(t, d, r)

	err := m.Send(context.Background(), protocol.GetTasks{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotOpen), "connecting: %v", err)

	// First dial fails and the blocked timer keeps the manager Reconnecting.
	require.NoError(t, m.Start(context.Background()))
	require.Eventually(t, func() bool { return m.State() == StateReconnecting }, waitFor, tick)

	err = m.Emitter().CreateTask(context.Background(), protocol.CreateTask{Title: "x", Importance: 1})
	assert.True(t, errors.Is(err, ErrNotOpen), "reconnecting: %v", err)
	assert.Empty(t, tr.Written())
}

func TestManager_SendWhileOpenWritesFrame(t *testing.T) {
	tr := newFakeTransport()
	d := &fakeDialer{}
	d.push(tr)
	m, _ := newTestManager(t, d, &delayRecorder{})

	require.NoError(t, m.Start(context.Background()))
	require.Eventually(t, func() bool { return m.State() == StateOpen }, waitFor, tick)

	require.NoError(t, m.Emitter().GetTasks(context.Background()))
	assert.Equal(t, []string{`{"action":"get_tasks"}`}, tr.Written())
}

func TestManager_CloseIsTerminal(t *testing.T) {
	tr := newFakeTransport()
	d := &fakeDialer{}
	d.push(tr)
	m, tl := newTestManager(t, d, &delayRecorder{})

	require.NoError(t, m.Start(context.Background()))
	require.Eventually(t, func() bool { return m.State() == StateOpen }, waitFor, tick)

	require.NoError(t, m.Close())
	assert.Equal(t, StateClosed, m.State())
	require.NoError(t, m.Wait(context.Background()))
	require.NoError(t, m.Close())

	assert.Equal(t, 1, d.Dials(), "explicit close never reconnects")
	assert.Equal(t, []State{StateOpen, StateClosed}, tl.States())
	assert.True(t, errors.Is(m.Start(context.Background()), ErrClosed))

	err := m.Send(context.Background(), protocol.GetTasks{})
	assert.True(t, errors.Is(err, ErrNotOpen))
	assert.Empty(t, tr.Written())
}

func TestManager_CloseCancelsPendingBackoff(t *testing.T) {
	d := &fakeDialer{}
	r := &delayRecorder{block: true}
	m, _ := newTestManager(t, d, r)

	require.NoError(t, m.Start(context.Background()))
	require.Eventually(t, func() bool { return len(r.Delays()) == 1 }, waitFor, tick)

	require.NoError(t, m.Close())
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, m.Wait(ctx))
	assert.Equal(t, StateClosed, m.State())
	assert.Equal(t, 1, d.Dials())
}

func TestManager_CloseBeforeStart(t *testing.T) {
	m, err := New("http://localhost:8080", "tok", Options{Dialer: &fakeDialer{}})
	require.NoError(t, err)
	require.NoError(t, m.Close())
	assert.Equal(t, StateClosed, m.State())
	select {
	case <-m.Done():
	default:
		t.Fatal("Done should be closed")
	}
}

func TestManager_ContextCancelCloses(t *testing.T) {
	tr := newFakeTransport()
	d := &fakeDialer{}
	d.push(tr)
	m, _ := newTestManager(t, d, &delayRecorder{})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Start(ctx))
	require.Eventually(t, func() bool { return m.State() == StateOpen }, waitFor, tick)

	cancel()
	require.NoError(t, m.Wait(context.Background()))
	assert.Equal(t, StateClosed, m.State())
	assert.Equal(t, 1, d.Dials())
}

func TestManager_InvalidEndpoint(t *testing.T) {
	_, err := New("ftp://example.com", "tok", Options{})
	assert.Error(t, err)
	_, err = New("http://", "tok", Options{})
	assert.Error(t, err)
}
