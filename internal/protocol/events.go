package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stellarlinkco/tasksync/internal/task"
)

const (
	EventTaskList    = "task_list"
	EventTaskCreated = "task_created"
	EventTaskUpdated = "task_updated"
	EventError       = "error"
)

// Event is one decoded inbound frame. The concrete types are TaskList,
// TaskCreated, TaskUpdated, ServerError and Unknown.
type Event interface {
	EventName() string
	isEvent()
}

type TaskList struct {
	Tasks []task.Task
}

type TaskCreated struct {
	Task task.Task
}

type TaskUpdated struct {
	Task task.Task
}

// ServerError is the server's reply to a command it rejected.
type ServerError struct {
	Message string
}

// Unknown carries a tag this client does not recognize. It is delivered
// so observers see every frame, and handlers switching on type skip it.
type Unknown struct {
	Name string
}

func (TaskList) EventName() string    { return EventTaskList }
func (TaskCreated) EventName() string { return EventTaskCreated }
func (TaskUpdated) EventName() string { return EventTaskUpdated }
func (ServerError) EventName() string { return EventError }
func (u Unknown) EventName() string   { return u.Name }

func (TaskList) isEvent()    {}
func (TaskCreated) isEvent() {}
func (TaskUpdated) isEvent() {}
func (ServerError) isEvent() {}
func (Unknown) isEvent()     {}

var ErrMalformedFrame = errors.New("malformed frame")

type envelope struct {
	Event string          `json:"event"`
	Tasks json.RawMessage `json:"tasks"`
	Task  json.RawMessage `json:"task"`
	Error string          `json:"error"`
}

// DecodeEvent parses one inbound frame. Errors wrap ErrMalformedFrame.
func DecodeEvent(data []byte) (Event, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: not a JSON object", ErrMalformedFrame)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch env.Event {
	case EventTaskList:
		var tasks []task.Task
		if len(env.Tasks) > 0 && string(env.Tasks) != "null" {
			if err := json.Unmarshal(env.Tasks, &tasks); err != nil {
				return nil, fmt.Errorf("%w: task_list: %v", ErrMalformedFrame, err)
			}
		}
		if tasks == nil {
			tasks = []task.Task{}
		}
		return TaskList{Tasks: tasks}, nil
	case EventTaskCreated:
		t, err := decodeTask(env.Task)
		if err != nil {
			return nil, fmt.Errorf("%w: task_created: %v", ErrMalformedFrame, err)
		}
		return TaskCreated{Task: t}, nil
	case EventTaskUpdated:
		t, err := decodeTask(env.Task)
		if err != nil {
			return nil, fmt.Errorf("%w: task_updated: %v", ErrMalformedFrame, err)
		}
		return TaskUpdated{Task: t}, nil
	case EventError:
		return ServerError{Message: env.Error}, nil
	default:
		return Unknown{Name: env.Event}, nil
	}
}

func decodeTask(raw json.RawMessage) (task.Task, error) {
	var t task.Task
	if len(raw) == 0 || string(raw) == "null" {
		return t, errors.New("missing task")
	}
	if err := json.Unmarshal(raw, &t); err != nil {
		return t, err
	}
	return t, nil
}
