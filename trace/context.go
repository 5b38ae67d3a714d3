package trace

import (
	"context"
	"fmt"

	"github.com/petermattis/goid"
)

type ctxKey int

const (
	bindingKey ctxKey = iota
	taskNameKey
)

// binding is the ambient "current trace" a context carries: which trace is
// open, and which runtime (goroutine, plus optional logical task) recorded
// it. OpenSpan compares this runtime against the calling goroutine's runtime
// on every call to decide whether it is still safe to append to that trace.
type binding struct {
	traceID   string
	runtimeID string
}

// WithTaskName attaches a logical task name to ctx, narrowing the runtime
// identity within the owning goroutine. Go has no cooperative-task identity
// of its own (unlike the asyncio Tasks this library's behavior was modeled
// on), so two unrelated pieces of work multiplexed onto the same goroutine
// via a custom scheduler can still be told apart by giving each a distinct
// task name.
func WithTaskName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, taskNameKey, name)
}

func taskName(ctx context.Context) string {
	name, _ := ctx.Value(taskNameKey).(string)
	return name
}

// currentRuntimeID identifies "who is running this code right now": the
// current goroutine, qualified by an optional task name from the context.
func currentRuntimeID(ctx context.Context) string {
	gid := goid.Get()
	if task := taskName(ctx); task != "" {
		return fmt.Sprintf("g%d.%s", gid, task)
	}
	return fmt.Sprintf("g%d", gid)
}

func currentBinding(ctx context.Context) (binding, bool) {
	b, ok := ctx.Value(bindingKey).(binding)
	return b, ok
}

func withBinding(ctx context.Context, b binding) context.Context {
	return context.WithValue(ctx, bindingKey, b)
}
