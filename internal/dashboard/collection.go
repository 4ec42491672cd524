package dashboard

import "github.com/stellarlinkco/tasksync/internal/task"

// Collection is the client-visible task list: server order, one entry per
// id. It is a cache of the last task_list, never authoritative.
type Collection struct {
	tasks []task.Task
	index map[uint]int
}

func NewCollection() *Collection {
	return &Collection{index: make(map[uint]int)}
}

// Replace discards the current contents and loads tasks in the given
// order. A repeated id keeps its first position and takes the later value.
func (c *Collection) Replace(tasks []task.Task) {
	c.tasks = make([]task.Task, 0, len(tasks))
	c.index = make(map[uint]int, len(tasks))
	for _, t := range tasks {
		if i, ok := c.index[t.ID]; ok {
			c.tasks[i] = t
			continue
		}
		c.index[t.ID] = len(c.tasks)
		c.tasks = append(c.tasks, t)
	}
}

func (c *Collection) Len() int {
	return len(c.tasks)
}

func (c *Collection) Get(id uint) (task.Task, bool) {
	i, ok := c.index[id]
	if !ok {
		return task.Task{}, false
	}
	return c.tasks[i], true
}

// All returns a copy in collection order.
func (c *Collection) All() []task.Task {
	out := make([]task.Task, len(c.tasks))
	copy(out, c.tasks)
	return out
}

// ByStatus groups the tasks per status, keeping collection order inside
// each group.
func (c *Collection) ByStatus() map[task.Status][]task.Task {
	groups := make(map[task.Status][]task.Task)
	for _, t := range c.tasks {
		groups[t.Status] = append(groups[t.Status], t)
	}
	return groups
}

// AssignedTo filters by assignee.
func (c *Collection) AssignedTo(userID uint) []task.Task {
	var out []task.Task
	for _, t := range c.tasks {
		if t.AssigneeID == userID {
			out = append(out, t)
		}
	}
	return out
}
