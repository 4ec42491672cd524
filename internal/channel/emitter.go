package channel

import (
	"context"
	"log"

	"github.com/stellarlinkco/tasksync/internal/protocol"
	"github.com/stellarlinkco/tasksync/internal/task"
)

// FrameWriter writes one encoded frame, failing with ErrNotOpen when the
// connection cannot carry it.
type FrameWriter interface {
	WriteFrame(ctx context.Context, data []byte) error
}

// Emitter serializes commands onto a FrameWriter. There is no outbound
// queue: a command that cannot be written now is dropped and reported.
type Emitter struct {
	w FrameWriter
}

func NewEmitter(w FrameWriter) *Emitter {
	return &Emitter{w: w}
}

func (e *Emitter) Send(ctx context.Context, cmd protocol.Command) error {
	data, err := protocol.EncodeCommand(cmd)
	if err != nil {
		log.Printf("[emitter] %v", err)
		return err
	}
	if err := e.w.WriteFrame(ctx, data); err != nil {
		log.Printf("[emitter] %s not sent: %v", cmd.Action(), err)
		return err
	}
	return nil
}

func (e *Emitter) GetTasks(ctx context.Context) error {
	return e.Send(ctx, protocol.GetTasks{})
}

func (e *Emitter) CreateTask(ctx context.Context, c protocol.CreateTask) error {
	return e.Send(ctx, c)
}

func (e *Emitter) UpdateTask(ctx context.Context, t task.Task) error {
	return e.Send(ctx, protocol.UpdateTask{Task: t})
}
