// Package queue dispatches named background tasks to registered handlers
// with at-least-once execution.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"
)

var (
	// ErrUnknownTask is returned when no handler is registered for a task name.
	ErrUnknownTask = errors.New("no handler registered for task")
	// ErrClosed is returned by Enqueue after the dispatcher was closed.
	ErrClosed = errors.New("dispatcher closed")
)

// Task is a unit of background work. Payload is handler specific JSON.
type Task struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
	Attempt int             `json:"attempt"`
}

// Handler executes a task. Returning an error schedules a retry until the
// attempt limit is reached. Handlers must tolerate redelivery.
type Handler func(ctx context.Context, task Task) error

// Dispatcher accepts tasks for background execution.
type Dispatcher interface {
	Enqueue(ctx context.Context, task Task) error
}

// Options tunes retries.
type Options struct {
	Workers      int
	MaxAttempts  int
	RetryBackoff time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 2 * time.Second
	}
	return o
}

// backoff grows linearly with the attempt number.
func (o Options) backoff(attempt int) time.Duration {
	return o.RetryBackoff * time.Duration(attempt)
}

// Registry maps task names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a task name, replacing any previous one.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// invoke runs the handler for the task and converts a panic into an error.
func (r *Registry) invoke(ctx context.Context, task Task) (err error) {
	r.mu.RLock()
	h, ok := r.handlers[task.Name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, task.Name)
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task %s panicked: %v\n%s", task.ID, p, debug.Stack())
		}
	}()
	return h(ctx, task)
}

// sleepCtx waits for d or until ctx ends, reporting whether the full wait elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
