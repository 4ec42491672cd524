package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/stellarlinkco/tasksync/internal/task"
)

const (
	ActionGetTasks   = "get_tasks"
	ActionCreateTask = "create_task"
	ActionUpdateTask = "update_task"
)

// Command is an outbound intent. Implementations are GetTasks,
// CreateTask and UpdateTask.
type Command interface {
	Action() string
}

type GetTasks struct{}

// CreateTask carries the fields of a new task; the server assigns the id
// and timestamps.
type CreateTask struct {
	Title       string
	Description string
	AssigneeID  uint
	Status      task.Status
	Importance  int
	Deadline    task.Date
}

// UpdateTask sends the full task, id included.
type UpdateTask struct {
	Task task.Task
}

func (GetTasks) Action() string   { return ActionGetTasks }
func (CreateTask) Action() string { return ActionCreateTask }
func (UpdateTask) Action() string { return ActionUpdateTask }

func (c CreateTask) Validate() error {
	if c.Title == "" {
		return fmt.Errorf("title is required")
	}
	if c.Importance < task.MinImportance || c.Importance > task.MaxImportance {
		return fmt.Errorf("importance must be between %d and %d, got %d", task.MinImportance, task.MaxImportance, c.Importance)
	}
	if c.Status != "" && !c.Status.Valid() {
		return fmt.Errorf("invalid status %q", c.Status)
	}
	return nil
}

type getTasksFrame struct {
	Action string `json:"action"`
}

type createTaskFrame struct {
	Action      string      `json:"action"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	AssigneeID  uint        `json:"assignee_id"`
	Status      task.Status `json:"status"`
	Importance  int         `json:"importance"`
	Deadline    *task.Date  `json:"deadline,omitempty"`
}

type updateTaskFrame struct {
	Action string `json:"action"`
	task.Task
}

// EncodeCommand serializes a command into one outbound frame.
func EncodeCommand(cmd Command) ([]byte, error) {
	var frame any
	switch c := cmd.(type) {
	case GetTasks:
		frame = getTasksFrame{Action: ActionGetTasks}
	case CreateTask:
		status := c.Status
		if status == "" {
			status = task.StatusPending
		}
		f := createTaskFrame{
			Action:      ActionCreateTask,
			Title:       c.Title,
			Description: c.Description,
			AssigneeID:  c.AssigneeID,
			Status:      status,
			Importance:  c.Importance,
		}
		// The server rejects any deadline string it cannot parse, "" included.
		if !c.Deadline.IsZero() {
			f.Deadline = &c.Deadline
		}
		frame = f
	case UpdateTask:
		if c.Task.ID == 0 {
			return nil, fmt.Errorf("encode %s: task id is required", ActionUpdateTask)
		}
		frame = updateTaskFrame{Action: ActionUpdateTask, Task: c.Task}
	case nil:
		return nil, fmt.Errorf("encode command: nil command")
	default:
		return nil, fmt.Errorf("encode command: unsupported action %q", cmd.Action())
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", cmd.Action(), err)
	}
	return data, nil
}
