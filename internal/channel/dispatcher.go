package channel

import (
	"log"
	"sync"

	"github.com/stellarlinkco/tasksync/internal/protocol"
)

// Handler observes decoded inbound events.
type Handler func(protocol.Event)

type HandlerID uint64

// Dispatcher decodes frames and broadcasts each event to every
// registered handler in registration order.
type Dispatcher struct {
	mu       sync.Mutex
	nextID   HandlerID
	order    []HandlerID
	handlers map[HandlerID]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[HandlerID]Handler)}
}

func (d *Dispatcher) OnEvent(h Handler) HandlerID {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.handlers[id] = h
	d.order = append(d.order, id)
	return id
}

func (d *Dispatcher) RemoveHandler(id HandlerID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[id]; !ok {
		return false
	}
	delete(d.handlers, id)
	for i, v := range d.order {
		if v == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	return true
}

func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handlers)
}

// Dispatch decodes one frame and delivers it. A malformed frame is logged
// and dropped; the returned error is informational only.
func (d *Dispatcher) Dispatch(frame []byte) error {
	ev, err := protocol.DecodeEvent(frame)
	if err != nil {
		log.Printf("[dispatch] dropping frame: %v", err)
		return err
	}
	if u, ok := ev.(protocol.Unknown); ok {
		log.Printf("[dispatch] unrecognized event %q", u.Name)
	}
	d.Deliver(ev)
	return nil
}

// Deliver broadcasts an already decoded event.
func (d *Dispatcher) Deliver(ev protocol.Event) {
	for _, h := range d.snapshot() {
		d.invoke(h, ev)
	}
}

func (d *Dispatcher) snapshot() []Handler {
	d.mu.Lock()
	defer d.mu.Unlock()
	hs := make([]Handler, 0, len(d.order))
	for _, id := range d.order {
		hs = append(hs, d.handlers[id])
	}
	return hs
}

func (d *Dispatcher) invoke(h Handler, ev protocol.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[dispatch] handler panic on %q: %v", ev.EventName(), r)
		}
	}()
	h(ev)
}
