package trace

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"canopy/span"
)

func freshCtx(t *testing.T) context.Context {
	t.Helper()
	resetRegistryForTest()
	t.Cleanup(resetRegistryForTest)
	return context.Background()
}

func TestOpenSpan_RootCreatesNewTraceAtIndex0(t *testing.T) {
	ctx := freshCtx(t)
	ctx, root := OpenSpan(ctx, "root")
	defer root.Close(nil)

	tr, ok := CurrentTrace(ctx)
	require.True(t, ok)
	require.Equal(t, root, tr.RootSpan())
	spans := tr.Spans()
	require.Len(t, spans, 1)
	require.Equal(t, "0", spans[0].Index)
}

func TestOpenSpan_NestedChildGetsSlashIndex(t *testing.T) {
	ctx := freshCtx(t)
	ctx, root := OpenSpan(ctx, "root")
	defer root.Close(nil)

	ctx, child := OpenSpan(ctx, "child")
	defer child.Close(nil)

	tr, _ := CurrentTrace(ctx)
	spans := tr.Spans()
	require.Len(t, spans, 2)
	require.Equal(t, "0/0", spans[1].Index)

	rootEvents := root.Events()
	require.Len(t, rootEvents, 1)
	require.Equal(t, span.ChildPlaceholder, rootEvents[0].Kind)
}

func TestOpenSpan_SiblingChildrenGetSequentialSlots(t *testing.T) {
	ctx := freshCtx(t)
	ctx, root := OpenSpan(ctx, "root")
	defer root.Close(nil)

	_, c1 := OpenSpan(ctx, "c1")
	c1.Close(nil)
	_, c2 := OpenSpan(ctx, "c2")
	c2.Close(nil)

	tr, _ := CurrentTrace(ctx)
	spans := tr.Spans()
	require.Len(t, spans, 3)
	require.Equal(t, "0/0", spans[1].Index)
	require.Equal(t, "0/1", spans[2].Index)
}

func TestOpenSpan_DifferentGoroutineForksNewLinkedTrace(t *testing.T) {
	ctx := freshCtx(t)
	ctx, root := OpenSpan(ctx, "parent")
	defer root.Close(nil)

	done := make(chan struct{})
	var childTraceID, parentTraceID string
	var childRootName, parentRootName string

	go func() {
		defer close(done)
		childCtx, childRoot := OpenSpan(ctx, "child-on-other-goroutine")
		defer childRoot.Close(nil)

		childTrace, ok := CurrentTrace(childCtx)
		require.True(t, ok)
		childTraceID = childTrace.ID()
		childRootName = childTrace.RootSpan().Name()
		parentTraceID = childTrace.ParentTraceID()
		parentRootName = childTrace.ParentRootName()
	}()
	<-done

	parentTrace, _ := CurrentTrace(ctx)
	require.NotEqual(t, parentTrace.ID(), childTraceID)
	require.Equal(t, parentTrace.ID(), parentTraceID)
	require.Equal(t, "parent", parentRootName)
	require.Equal(t, "child-on-other-goroutine", childRootName)

	rootEvents := root.Events()
	require.Len(t, rootEvents, 1)
	require.Equal(t, span.TreeChild, rootEvents[0].Kind)
	require.Equal(t, childTraceID, rootEvents[0].ChildTraceID)
}

func TestOpenSpan_ForceNewTrace_LinksEvenOnSameRuntime(t *testing.T) {
	ctx := freshCtx(t)
	ctx, root := OpenSpan(ctx, "parent")
	defer root.Close(nil)

	_, forced := OpenSpan(ctx, "forced-child", WithForceNewTrace())
	defer forced.Close(nil)

	rootEvents := root.Events()
	require.Len(t, rootEvents, 1)
	require.Equal(t, span.TreeChild, rootEvents[0].Kind)

	forcedEvents := forced.Events()
	require.Len(t, forcedEvents, 1)
	require.Equal(t, span.TreeParent, forcedEvents[0].Kind)
	require.Equal(t, "parent", forcedEvents[0].ParentName)
}

func TestOpenSpan_AttrsRecordedAsExtra(t *testing.T) {
	ctx := freshCtx(t)
	_, root := OpenSpan(ctx, "root", WithAttrs(map[string]any{"k": "v"}))
	defer root.Close(nil)

	events := root.Events()
	require.Len(t, events, 1)
	require.Equal(t, span.Extra, events[0].Kind)
	require.Equal(t, "v", events[0].Fields["k"])
}

func TestHandleError_RootCloseRecordsExitError(t *testing.T) {
	ctx := freshCtx(t)
	ctx, root := OpenSpan(ctx, "root")
	boom := errors.New("uncaught")
	root.Close(boom)

	events := root.Events()
	require.Len(t, events, 2)
	require.Equal(t, span.ExitError, events[0].Kind)
	require.Equal(t, "uncaught", events[0].Trace.Message)
	require.Equal(t, span.CallTrace, events[1].Kind)
	_ = ctx
}

func TestHandleError_ExplicitReportRecordsExceptErrorOnCurrentSpan(t *testing.T) {
	ctx := freshCtx(t)
	ctx, root := OpenSpan(ctx, "root")
	defer root.Close(nil)

	ctx, child := OpenSpan(ctx, "child")
	defer child.Close(nil)

	HandleError(ctx, errors.New("caught"), "some call trace")

	events := child.Events()
	require.Len(t, events, 2)
	require.Equal(t, span.ExceptError, events[0].Kind)
	require.Equal(t, "caught", events[0].Trace.Message)
	require.Equal(t, span.CallTrace, events[1].Kind)
	require.Equal(t, "some call trace", events[1].Text)
}

func TestHandleError_NoCurrentTraceIsNoop(t *testing.T) {
	ctx := freshCtx(t)
	require.NotPanics(t, func() {
		HandleError(ctx, errors.New("stray"), "x")
	})
}

func TestSpawnTraced_RunsAndClosesSpanOnSuccess(t *testing.T) {
	ctx := freshCtx(t)
	ctx, root := OpenSpan(ctx, "root")
	defer root.Close(nil)

	hookCh := make(chan *Snapshot, 4)
	SetPublishHook(func(s *Snapshot) { hookCh <- s })
	t.Cleanup(func() { SetPublishHook(nil) })

	done := make(chan struct{})
	SpawnTraced(ctx, "worker", func(ctx context.Context) {
		defer close(done)
		_, ok := CurrentTrace(ctx)
		require.True(t, ok)
	})
	<-done

	worker := waitForNamedSnapshot(t, hookCh, "worker", time.Second)
	require.Equal(t, span.Succeeded, worker.RootSpan().Status())
}

func TestRunLinkedTrace_PanicClosesSpanAsFailedThenRepanics(t *testing.T) {
	ctx := freshCtx(t)
	var captured *Trace
	hookDone := make(chan struct{})
	SetPublishHook(func(s *Snapshot) {
		captured = s
		close(hookDone)
	})
	t.Cleanup(func() { SetPublishHook(nil) })

	link := prepareLinkedTrace(ctx, "")
	outerDone := make(chan any, 1)
	go func() {
		defer func() { outerDone <- recover() }()
		runLinkedTrace(link, ctx, "will-panic", func(context.Context) { panic("boom") })
	}()
	require.Equal(t, "boom", <-outerDone)

	<-hookDone
	require.Equal(t, span.Failed, captured.RootSpan().Status())
}

func TestSkipWrap_RunsPlainGoroutineWithoutNewTrace(t *testing.T) {
	ctx := freshCtx(t)
	ctx, root := OpenSpan(ctx, "root")
	defer root.Close(nil)

	skipped := SkipWrap(ctx)
	done := make(chan struct{})
	var sawCurrentTrace bool
	SpawnTraced(skipped, "unused-name", func(ctx context.Context) {
		defer close(done)
		_, sawCurrentTrace = CurrentTrace(ctx)
	})
	<-done
	require.False(t, sawCurrentTrace, "a plain goroutine does not own the caller's trace")
	require.Empty(t, root.Events(), "skipped work records no TreeChild link")
}

// waitForNamedSnapshot drains published snapshots off hookCh until it sees
// one rooted at name, ignoring any others (e.g. the parent's own publish)
// that race in ahead of it.
func waitForNamedSnapshot(t *testing.T, hookCh chan *Snapshot, name string, timeout time.Duration) *Snapshot {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case s := <-hookCh:
			if s.RootSpan().Name() == name {
				return s
			}
		case <-deadline:
			t.Fatalf("timed out waiting for a published trace named %q", name)
		}
	}
}

func TestSpawnTraced_LinkSurvivesParentClosingBeforeChildEvenStarts(t *testing.T) {
	ctx := freshCtx(t)
	ctx, root := OpenSpan(ctx, "parent")

	hookCh := make(chan *Snapshot, 4)
	SetPublishHook(func(s *Snapshot) { hookCh <- s })
	t.Cleanup(func() { SetPublishHook(nil) })

	release := make(chan struct{})
	SpawnTraced(ctx, "child", func(ctx context.Context) {
		<-release // guarantees the worker has not run yet when root closes below
		_, ok := CurrentSpan(ctx)
		require.True(t, ok)
	})

	// The TreeChild must already be on the parent's span before the worker
	// goroutine has been given any chance to run, because it is recorded by
	// SpawnTraced itself on this goroutine, not inside the worker.
	rootEvents := root.Events()
	require.Len(t, rootEvents, 1)
	require.Equal(t, span.TreeChild, rootEvents[0].Kind)
	childTraceID := rootEvents[0].ChildTraceID

	root.Close(nil) // parent publishes and is unregistered before the child even starts
	close(release)

	child := waitForNamedSnapshot(t, hookCh, "child", time.Second)
	require.Equal(t, childTraceID, child.ID())
	childEvents := child.RootSpan().Events()
	require.Len(t, childEvents, 1)
	require.Equal(t, span.TreeParent, childEvents[0].Kind)
	require.Equal(t, "parent", childEvents[0].ParentName)
}

func TestSubmitTraced_LinkSurvivesParentClosingBeforeWorkRuns(t *testing.T) {
	ctx := freshCtx(t)
	ctx, root := OpenSpan(ctx, "parent")

	hookCh := make(chan *Snapshot, 4)
	SetPublishHook(func(s *Snapshot) { hookCh <- s })
	t.Cleanup(func() { SetPublishHook(nil) })

	pool := &fakeSubmitter{}
	SubmitTraced(ctx, pool, "submitted", func(ctx context.Context) {
		_, ok := CurrentSpan(ctx)
		require.True(t, ok)
	})

	rootEvents := root.Events()
	require.Len(t, rootEvents, 1)
	require.Equal(t, span.TreeChild, rootEvents[0].Kind)
	childTraceID := rootEvents[0].ChildTraceID

	root.Close(nil) // parent publishes before pool.fn is ever invoked
	require.NotNil(t, pool.fn)
	pool.fn()

	child := waitForNamedSnapshot(t, hookCh, "submitted", time.Second)
	require.Equal(t, childTraceID, child.ID())
	childEvents := child.RootSpan().Events()
	require.Len(t, childEvents, 1)
	require.Equal(t, span.TreeParent, childEvents[0].Kind)
	require.Equal(t, "parent", childEvents[0].ParentName)
}

type fakeSubmitter struct{ fn func() }

func (f *fakeSubmitter) Submit(fn func()) { f.fn = fn }

func TestSubmitTraced_WrapsSubmittedWork(t *testing.T) {
	ctx := freshCtx(t)
	ctx, root := OpenSpan(ctx, "root")
	defer root.Close(nil)

	pool := &fakeSubmitter{}
	SubmitTraced(ctx, pool, "submitted", func(ctx context.Context) {
		_, ok := CurrentTrace(ctx)
		require.True(t, ok)
	})
	require.NotNil(t, pool.fn)
	pool.fn()
}

func TestWithTaskName_DistinguishesRuntimeOnSameGoroutine(t *testing.T) {
	ctx := freshCtx(t)
	ctx, root := OpenSpan(ctx, "root")
	defer root.Close(nil)

	taskCtx := WithTaskName(ctx, "task-a")
	_, taskRoot := OpenSpan(taskCtx, "task-span")
	defer taskRoot.Close(nil)

	tr, _ := CurrentTrace(taskCtx)
	require.NotEqual(t, tr.RootSpan(), root)
}
