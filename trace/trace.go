// Package trace assembles Spans into Traces: the tree of spans opened by a
// single logical operation, automatically split into linked sibling traces
// whenever the work crosses from one goroutine (or logical task) to
// another, and handed to a publisher once the root span closes.
package trace

import (
	"context"
	"reflect"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"canopy/span"
)

// IndexedSpan pairs a span with its tree-index path ("0", "0/1", "0/1/0", ...)
// in depth-first creation order, the addressing scheme a renderer walks to
// lay spans out under their parents.
type IndexedSpan struct {
	Index string
	Span  *span.Span
}

// Trace is a tree of spans rooted at the span that opened it, owned by a
// single runtime (goroutine, or goroutine+task) until it is published.
//
// Invariant: only the owning runtime mutates a Trace. Once its root span has
// closed it is handed off to the publisher and must not be mutated further;
// readers (a publisher, a renderer) may only read it from that point on.
type Trace struct {
	id        string
	runtimeID string

	parentTraceID  string
	parentRootName string

	mu      sync.Mutex
	spans   []IndexedSpan
	byIndex map[string]*span.Span

	rootSpan *span.Span
}

// Snapshot is the read-only view of a Trace handed to a publisher once its
// root span has closed. It is the same type as Trace: closing the root is
// what makes it safe to read from another goroutine, not a copy.
type Snapshot = Trace

// ID returns the trace's identifier.
func (t *Trace) ID() string { return t.id }

// RootSpan returns the span that opened the trace.
func (t *Trace) RootSpan() *span.Span { return t.rootSpan }

// RuntimeID returns the identity of the runtime that owns this trace.
func (t *Trace) RuntimeID() string { return t.runtimeID }

// ParentTraceID returns the ID of the trace this one was forked from, or ""
// if this trace has no parent.
func (t *Trace) ParentTraceID() string { return t.parentTraceID }

// ParentRootName returns the name of the parent trace's root span, or "" if
// this trace has no parent.
func (t *Trace) ParentRootName() string { return t.parentRootName }

// Spans returns every span in the trace, in depth-first creation order,
// together with its tree-index path.
func (t *Trace) Spans() []IndexedSpan {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]IndexedSpan, len(t.spans))
	copy(out, t.spans)
	return out
}

// SpanAt looks up a span by its tree-index path, for renderers splicing a
// ChildPlaceholder event into its child span's rendering.
func (t *Trace) SpanAt(index string) (*span.Span, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sp, ok := t.byIndex[index]
	return sp, ok
}

func newTrace(id, name, callLocation, runtimeID, parentTraceID, parentRootName string) *Trace {
	t := &Trace{
		id:             id,
		runtimeID:      runtimeID,
		parentTraceID:  parentTraceID,
		parentRootName: parentRootName,
		byIndex:        make(map[string]*span.Span),
	}
	root := span.New(name, callLocation, t.onChildExit)
	t.rootSpan = root
	t.spans = append(t.spans, IndexedSpan{Index: "0", Span: root})
	t.byIndex["0"] = root
	return t
}

// currentIndexSpan returns the most recently opened span that is still
// running, searching from the end of creation order backwards. That is
// "the span whose block of work is currently executing" from this runtime's
// point of view.
func (t *Trace) currentIndexSpan() (string, *span.Span, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.spans) - 1; i >= 0; i-- {
		if t.spans[i].Span.IsRunning() {
			return t.spans[i].Index, t.spans[i].Span, true
		}
	}
	return "", nil, false
}

func (t *Trace) insertSpan(index string, sp *span.Span) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.spans = append(t.spans, IndexedSpan{Index: index, Span: sp})
	t.byIndex[index] = sp
}

// onChildExit is the single close callback handed to every span created in
// this trace. Only the root span's closing drains the trace: publish it and
// drop it from the registry.
func (t *Trace) onChildExit(sp *span.Span, err error) {
	if sp != t.rootSpan {
		return
	}
	if err != nil {
		handleErrorOnTrace(t, err, err.Error())
	}
	unregisterTrace(t.id)
	if hook := loadPublishHook(); hook != nil {
		hook(t)
	}
}

var publishHook atomic.Value // func(*Trace)

// SetPublishHook registers the function invoked with a trace's Snapshot
// once its root span closes. canopy.Configure wires this to a Publisher's
// Enqueue method; tests that only care about span content may leave it
// unset, in which case closed traces are simply dropped from the registry.
func SetPublishHook(f func(*Snapshot)) {
	if f == nil {
		publishHook.Store((func(*Trace))(nil))
		return
	}
	publishHook.Store(func(t *Trace) { f(t) })
}

func loadPublishHook() func(*Trace) {
	v := publishHook.Load()
	if v == nil {
		return nil
	}
	f, _ := v.(func(*Trace))
	return f
}

// onChildExitFuncName is resolved once so handleErrorOnTrace can tell
// whether it was invoked from a root span's own close (an uncaught error
// propagating out of the traced block) or from an explicit report elsewhere
// in the span (a caught error, logged but not fatal to the block). Both
// paths funnel through the same classification logic rather than branching
// on an explicit flag, so the two call sites can never drift apart.
var onChildExitFuncName = runtime.FuncForPC(reflect.ValueOf((*Trace).onChildExit).Pointer()).Name()

func handleErrorOnTrace(t *Trace, err error, callTrace string) {
	pc, file, line, _ := runtime.Caller(1)
	callerName := ""
	if fn := runtime.FuncForPC(pc); fn != nil {
		callerName = fn.Name()
	}
	tr := span.NewErrorTrace(err, span.Frame{File: file, Line: line, Function: callerName})
	if callerName == onChildExitFuncName {
		t.rootSpan.AddExitTrace(tr, callTrace)
		return
	}
	if _, cur, ok := t.currentIndexSpan(); ok {
		cur.AddExceptTrace(tr, callTrace)
	}
}

// HandleError reports err against ctx's current span as an ExceptError: the
// span continues running, but the error is recorded against it much like an
// exception that was caught and logged rather than left to propagate. An
// error passed to the root span's Close is recorded automatically as an
// ExitError on the root; callers never call HandleError for that case. A
// non-root span closed with an error is marked Failed but gets no ExitError
// event.
func HandleError(ctx context.Context, err error, callTrace string) {
	if err == nil {
		return
	}
	t, ok := CurrentTrace(ctx)
	if !ok {
		return
	}
	handleErrorOnTrace(t, err, callTrace)
}

// CurrentTrace resolves the trace bound to ctx, provided it is still owned
// by the calling runtime: the bound trace id must still be registered (its
// root hasn't closed and published yet) and its runtime_id must equal the
// caller's current runtime. A context carried across a goroutine boundary
// without going through OpenSpan/SpawnTraced/SubmitTraced resolves to no
// current trace here rather than reaching into a trace it doesn't own.
func CurrentTrace(ctx context.Context) (*Trace, bool) {
	b, ok := currentBinding(ctx)
	if !ok {
		return nil, false
	}
	t, ok := lookupTrace(b.traceID)
	if !ok {
		return nil, false
	}
	if t.runtimeID != currentRuntimeID(ctx) {
		return nil, false
	}
	return t, true
}

// CurrentSpan resolves the span currently running in ctx's bound trace, for
// thin logging bridges that append a LogLine without otherwise reaching
// into the trace machinery.
func CurrentSpan(ctx context.Context) (*span.Span, bool) {
	t, ok := CurrentTrace(ctx)
	if !ok {
		return nil, false
	}
	_, sp, ok := t.currentIndexSpan()
	return sp, ok
}

// Option configures a single OpenSpan call.
type Option func(*openOptions)

type openOptions struct {
	attrs    map[string]any
	forceNew bool
}

// WithAttrs attaches key/value metadata to the newly opened span as an
// Extra event.
func WithAttrs(attrs map[string]any) Option {
	return func(o *openOptions) { o.attrs = attrs }
}

// WithForceNewTrace always forks a brand-new trace for this span, linked
// back to the caller's current trace (if any) via TreeParent/TreeChild
// events, regardless of whether the runtime actually changed.
func WithForceNewTrace() Option {
	return func(o *openOptions) { o.forceNew = true }
}

// OpenSpan opens a new span as a child of whatever trace is bound to ctx, or
// starts a brand-new trace if none is bound, the binding's runtime no
// longer matches the calling runtime, or WithForceNewTrace was given. It
// returns a context carrying the binding the rest of this call tree should
// use, and the opened span, which the caller must Close.
func OpenSpan(ctx context.Context, name string, opts ...Option) (context.Context, *span.Span) {
	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}

	cur, hasCur := CurrentTrace(ctx)
	needNew := o.forceNew || !hasCur
	if !hasCur {
		// A trace bound to ctx by another runtime is not appended to; the new
		// trace is linked back to it instead.
		if b, ok := currentBinding(ctx); ok {
			cur, hasCur = lookupTrace(b.traceID)
		}
	}

	loc := callerLocation(1)

	if needNew {
		now := currentRuntimeID(ctx)
		var parentTraceID, parentRootName string
		if hasCur {
			parentTraceID = cur.id
			parentRootName = cur.rootSpan.Name()
		}
		id := nextTraceID()
		t := newTrace(id, name, loc, now, parentTraceID, parentRootName)
		if hasCur {
			if _, curSpan, ok := cur.currentIndexSpan(); ok {
				curSpan.AddTreeChild(id)
			}
			t.rootSpan.AddTreeParent(parentRootName, parentTraceID)
		}
		t.rootSpan.Open(nil)
		if len(o.attrs) > 0 {
			t.rootSpan.AddExtra(o.attrs)
		}
		registerTrace(t)
		return withBinding(ctx, binding{traceID: id, runtimeID: now}), t.rootSpan
	}

	parentIndex, parentSpan, ok := cur.currentIndexSpan()
	slot := 0
	if ok {
		slot = parentSpan.ReserveChildSlot()
	}
	childIndex := childIndexFor(parentIndex, slot)
	child := span.New(name, "", cur.onChildExit)
	cur.insertSpan(childIndex, child)
	child.Open(func() string { return loc })
	if len(o.attrs) > 0 {
		child.AddExtra(o.attrs)
	}
	return ctx, child
}

func childIndexFor(parentIndex string, slot int) string {
	if parentIndex == "" {
		return strconv.Itoa(slot)
	}
	var b strings.Builder
	b.WriteString(parentIndex)
	b.WriteByte('/')
	b.WriteString(strconv.Itoa(slot))
	return b.String()
}

// PathDepth returns the number of ancestors encoded in a tree-index path
// ("0" -> 0, "0/2" -> 1, "0/2/1" -> 2), for renderers that indent by path.
// render.Text does not use it; it tracks depth while recursing.
func PathDepth(index string) int {
	if index == "" {
		return 0
	}
	return strings.Count(index, "/")
}
