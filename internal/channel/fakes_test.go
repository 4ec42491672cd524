package channel

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

var errRefused = errors.New("connection refused")

type fakeTransport struct {
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once

	mu      sync.Mutex
	written [][]byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (f *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-f.inbound:
		return data, nil
	case <-f.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) Write(ctx context.Context, data []byte) error {
	select {
	case <-f.closed:
		return io.ErrClosedPipe
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

// drop simulates the server going away.
func (f *fakeTransport) drop() { _ = f.Close() }

func (f *fakeTransport) Written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.written))
	for i, w := range f.written {
		out[i] = string(w)
	}
	return out
}

// fakeDialer hands out queued results in order and refuses once the
// queue is empty.
type fakeDialer struct {
	mu       sync.Mutex
	results  []any
	dials    int
	endpoint string
}

func (d *fakeDialer) push(results ...any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results = append(d.results, results...)
}

func (d *fakeDialer) Dial(ctx context.Context, endpoint string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.endpoint = endpoint
	if len(d.results) == 0 {
		return nil, errRefused
	}
	next := d.results[0]
	d.results = d.results[1:]
	switch v := next.(type) {
	case *fakeTransport:
		return v, nil
	case error:
		return nil, v
	}
	return nil, errRefused
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// delayRecorder fires backoff timers immediately and remembers what was
// asked for.
type delayRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
	block  bool
}

func (r *delayRecorder) After(d time.Duration) <-chan time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	ch := make(chan time.Time, 1)
	if !r.block {
		ch <- time.Now()
	}
	return ch
}

func (r *delayRecorder) Delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

type transitionLog struct {
	mu  sync.Mutex
	log []Transition
}

func (l *transitionLog) record(t Transition) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.log = append(l.log, t)
}

func (l *transitionLog) States() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]State, len(l.log))
	for i, t := range l.log {
		out[i] = t.To
	}
	return out
}
