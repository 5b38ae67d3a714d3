package trace

import (
	"context"
	"fmt"
	"os"

	"canopy/span"
)

type skipKey struct{}

// SkipWrap marks ctx so SpawnTraced/SubmitTraced run the handed-off function
// without opening a span for it. The source project achieved this by
// monkeypatching every Thread and ThreadPoolExecutor in the process; Go has
// no such hook point, so instrumentation here is opt-in at each call site
// instead of ambient, and SkipWrap is how a call site declines it.
func SkipWrap(ctx context.Context) context.Context {
	return context.WithValue(ctx, skipKey{}, true)
}

func isSkipped(ctx context.Context) bool {
	v, _ := ctx.Value(skipKey{}).(bool)
	return v
}

// autoWrapDisabled reports whether CANOPY_DISABLE_AUTOWRAP is set, a global
// escape hatch for environments (benchmarks, fuzzing) where the bookkeeping
// in SpawnTraced/SubmitTraced is unwanted overhead.
func autoWrapDisabled() bool {
	return os.Getenv("CANOPY_DISABLE_AUTOWRAP") != ""
}

// linkedTraceID is the result of the submitting-runtime half of a work
// handoff: a trace id allocated, and linked to the submitter's current span
// via TreeChild, before the work is ever dispatched. Carrying it across to
// the worker runtime (rather than letting the worker allocate its own id
// lazily) is what keeps the link intact even if the submitting span closes
// before the worker gets scheduled at all.
type linkedTraceID struct {
	id             string
	parentTraceID  string
	parentRootName string
	callLocation   string
}

// prepareLinkedTrace runs on the submitting goroutine, synchronously, before
// SpawnTraced/SubmitTraced hand fn off to another runtime. It mirrors the
// source project's wrap_call: allocate tree_id and call
// parent_tree.current_action.add_tree_child(tree_id) before the wrapped
// callable is ever dispatched, so the TreeChild is recorded regardless of
// when (or whether) the scheduler gets around to running the worker side.
func prepareLinkedTrace(ctx context.Context, callLocation string) linkedTraceID {
	l := linkedTraceID{id: nextTraceID(), callLocation: callLocation}
	cur, ok := CurrentTrace(ctx)
	if !ok {
		return l
	}
	l.parentTraceID = cur.id
	l.parentRootName = cur.rootSpan.Name()
	if _, curSpan, ok := cur.currentIndexSpan(); ok {
		curSpan.AddTreeChild(l.id)
	}
	return l
}

// open runs on the worker runtime: construct the Trace for the preallocated
// id, record its TreeParent back to the submitter (if any), open the root
// span under the worker's own runtime identity, and bind it into ctx.
func (l linkedTraceID) open(ctx context.Context, name string) (context.Context, *span.Span) {
	now := currentRuntimeID(ctx)
	t := newTrace(l.id, name, l.callLocation, now, l.parentTraceID, l.parentRootName)
	if l.parentTraceID != "" {
		t.rootSpan.AddTreeParent(l.parentRootName, l.parentTraceID)
	}
	t.rootSpan.Open(nil)
	registerTrace(t)
	return withBinding(ctx, binding{traceID: l.id, runtimeID: now}), t.rootSpan
}

// SpawnTraced runs fn on a new goroutine, opening a span for it first unless
// ctx was marked with SkipWrap or CANOPY_DISABLE_AUTOWRAP is set. Because the
// new goroutine has a different runtime identity than its caller, the span
// always becomes the root of a brand-new, linked trace; the linking itself
// is allocated here, on the calling goroutine, before the new goroutine is
// even started.
func SpawnTraced(ctx context.Context, name string, fn func(ctx context.Context)) {
	if isSkipped(ctx) || autoWrapDisabled() {
		go fn(ctx)
		return
	}
	link := prepareLinkedTrace(ctx, callerLocation(1))
	go runLinkedTrace(link, ctx, name, fn)
}

// Submitter is the subset of *sync.WaitGroup-style or worker-pool submit
// APIs that SubmitTraced can wrap: anything that accepts a zero-argument
// unit of work.
type Submitter interface {
	Submit(func())
}

// SubmitTraced hands fn to pool wrapped in a traced span, unless ctx was
// marked with SkipWrap or CANOPY_DISABLE_AUTOWRAP is set. This is the
// explicit stand-in for the source project's ThreadPoolExecutor.submit
// monkeypatch: callers that hand work to a worker pool opt in by calling
// this instead of pool.Submit directly. As with SpawnTraced, the trace id
// is allocated and linked before pool.Submit is ever called.
func SubmitTraced(ctx context.Context, pool Submitter, name string, fn func(ctx context.Context)) {
	if isSkipped(ctx) || autoWrapDisabled() {
		pool.Submit(func() { fn(ctx) })
		return
	}
	link := prepareLinkedTrace(ctx, callerLocation(1))
	pool.Submit(func() { runLinkedTrace(link, ctx, name, fn) })
}

// runLinkedTrace is the worker-runtime entry point shared by SpawnTraced and
// SubmitTraced: it constructs the Trace from the id link prepared on the
// submitting runtime, names its root span, and runs fn inside it.
func runLinkedTrace(link linkedTraceID, ctx context.Context, name string, fn func(ctx context.Context)) {
	spanCtx, sp := link.open(ctx, name)
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = panicError{r}
			sp.Close(err)
			panic(r)
		}
		sp.Close(err)
	}()
	fn(spanCtx)
}

// panicError wraps a recovered panic value so it can be recorded as the
// span's closing error before being re-panicked.
type panicError struct{ v any }

func (p panicError) Error() string {
	if e, ok := p.v.(error); ok {
		return e.Error()
	}
	return fmt.Sprintf("panic: %v", p.v)
}
