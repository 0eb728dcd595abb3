package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pitwall-ai/pitwall/types"
)

// Handler processes the payload of one task type. The returned payload is
// opaque to the coordination layer and carried into the Result as-is.
//
// Handlers signal transient failures (connection or timeout class) with an
// error satisfying types.IsTransient; those are retried with backoff.
// Every other error ends the task with Result{Success: false}.
type Handler interface {
	Handle(ctx context.Context, task types.Task) (json.RawMessage, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, task types.Task) (json.RawMessage, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, task types.Task) (json.RawMessage, error) {
	return f(ctx, task)
}

// handlerTable maps task types to handlers. Capabilities are resolved once
// at startup; selection at runtime is a data lookup, and unknown types are
// rejected at the boundary.
type handlerTable map[types.TaskType]Handler

// register adds a handler for a task type, rejecting unknown types and
// duplicates.
func (t handlerTable) register(taskType types.TaskType, h Handler) error {
	if _, err := types.ParseTaskType(string(taskType)); err != nil {
		return err
	}
	if h == nil {
		return types.NewError(types.ErrConfiguration,
			fmt.Sprintf("nil handler for task type %s", taskType))
	}
	if _, exists := t[taskType]; exists {
		return types.NewError(types.ErrConfiguration,
			fmt.Sprintf("duplicate handler for task type %s", taskType))
	}
	t[taskType] = h
	return nil
}

// taskTypes returns the registered types in deterministic precedence order.
func (t handlerTable) taskTypes() []types.TaskType {
	out := make([]types.TaskType, 0, len(t))
	for _, tt := range types.AllTaskTypes {
		if _, ok := t[tt]; ok {
			out = append(out, tt)
		}
	}
	return out
}
