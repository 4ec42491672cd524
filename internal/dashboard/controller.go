package dashboard

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/stellarlinkco/tasksync/internal/channel"
	"github.com/stellarlinkco/tasksync/internal/protocol"
	"github.com/stellarlinkco/tasksync/internal/task"
)

// TaskRequester asks the server for a full task list.
type TaskRequester interface {
	GetTasks(ctx context.Context) error
}

// Controller keeps the task collection in step with the server. It never
// patches the collection from task_created or task_updated; it asks for
// the full list instead and waits for the task_list reply.
type Controller struct {
	requester TaskRequester

	mu        sync.RWMutex
	tasks     *Collection
	synced    bool
	syncedCh  chan struct{}
	listeners []func([]task.Task)
	rejects   []func(string)
}

func NewController(r TaskRequester) *Controller {
	return &Controller{
		requester: r,
		tasks:     NewCollection(),
		syncedCh:  make(chan struct{}),
	}
}

// Attach subscribes the controller to a connection's events and state.
func (c *Controller) Attach(m *channel.Manager) {
	m.OnEvent(c.HandleEvent)
	m.OnStateChange(c.HandleTransition)
}

func (c *Controller) HandleEvent(ev protocol.Event) {
	switch e := ev.(type) {
	case protocol.TaskList:
		c.replace(e.Tasks, true)
	case protocol.TaskCreated:
		c.resync("task " + taskRef(e.Task) + " created")
	case protocol.TaskUpdated:
		c.resync("task " + taskRef(e.Task) + " updated")
	case protocol.ServerError:
		log.Printf("[dashboard] server rejected a command: %s", e.Message)
		c.mu.RLock()
		rejects := make([]func(string), len(c.rejects))
		copy(rejects, c.rejects)
		c.mu.RUnlock()
		for _, fn := range rejects {
			fn(e.Message)
		}
	}
}

// HandleTransition resynchronizes whenever the connection (re)opens,
// since nothing is assumed to survive a gap.
func (c *Controller) HandleTransition(t channel.Transition) {
	if t.To == channel.StateOpen {
		c.resync("connection open")
	}
}

// Refresh requests a full list outside the event flow, e.g. from a timer.
func (c *Controller) Refresh(ctx context.Context) error {
	return c.requester.GetTasks(ctx)
}

// ApplyPrioritized shows a server-prioritized ordering until the next
// task_list replaces it. It does not count as a synchronization.
func (c *Controller) ApplyPrioritized(tasks []task.Task) {
	c.replace(tasks, false)
}

func (c *Controller) Tasks() []task.Task {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tasks.All()
}

func (c *Controller) Get(id uint) (task.Task, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tasks.Get(id)
}

func (c *Controller) ByStatus() map[task.Status][]task.Task {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tasks.ByStatus()
}

func (c *Controller) Synced() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.synced
}

// WaitSynced blocks until the first task list has been received.
func (c *Controller) WaitSynced(ctx context.Context) ([]task.Task, error) {
	select {
	case <-c.syncedCh:
		return c.Tasks(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// OnChange registers a listener that receives its own snapshot after
// every replacement of the collection.
func (c *Controller) OnChange(fn func([]task.Task)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// OnServerError registers a listener for the server's error events,
// which it sends when it rejects a command.
func (c *Controller) OnServerError(fn func(msg string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejects = append(c.rejects, fn)
}

func (c *Controller) replace(tasks []task.Task, fromServer bool) {
	c.mu.Lock()
	c.tasks.Replace(tasks)
	snapshot := c.tasks.All()
	if fromServer && !c.synced {
		c.synced = true
		close(c.syncedCh)
	}
	listeners := make([]func([]task.Task), len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(append([]task.Task(nil), snapshot...))
	}
}

func (c *Controller) resync(reason string) {
	if err := c.requester.GetTasks(context.Background()); err != nil {
		log.Printf("[dashboard] resync after %s failed: %v", reason, err)
	}
}

func taskRef(t task.Task) string {
	if t.Title == "" {
		return fmt.Sprintf("#%d", t.ID)
	}
	return fmt.Sprintf("#%d %q", t.ID, t.Title)
}
