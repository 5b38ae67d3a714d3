// Package canopy is the embedding surface collaborators use day to day:
// open a span, log structured extras against it, wrap a function or a
// goroutine so it gets its own linked trace, and configure where finished
// traces end up.
//
// The lower-level packages (span, trace, publish, render, logbridge) are
// fully usable on their own; this package just wires sensible defaults
// together and re-exports the calls most callers need.
package canopy

import (
	"context"
	"fmt"
	"io"
	"os"
	"reflect"
	"runtime"
	"sync"
	"time"

	"canopy/publish"
	"canopy/render"
	"canopy/trace"
)

// OpenSpan, WithAttrs, WithForceNewTrace, SpawnTraced, SubmitTraced,
// SkipWrap, WithTaskName and HandleError are re-exported as the underlying
// function values (not wrapper closures) so that the call-site location
// trace.OpenSpan captures for a new span still points at the caller's own
// line rather than at a pass-through frame in this package.
var (
	OpenSpan          = trace.OpenSpan
	WithAttrs         = trace.WithAttrs
	WithForceNewTrace = trace.WithForceNewTrace
	SpawnTraced       = trace.SpawnTraced
	SubmitTraced      = trace.SubmitTraced
	SkipWrap          = trace.SkipWrap
	WithTaskName      = trace.WithTaskName
	HandleError       = trace.HandleError
)

// Submitter is the worker-pool interface SubmitTraced accepts.
type Submitter = trace.Submitter

// ExtraOptions configures a LogExtra call.
type ExtraOptions struct {
	// RefSrc requests a fresh ref id be generated and recorded as a RefSrc
	// event on the current span; the id is returned so it can be handed to
	// a later RefDest call, possibly on a different span or trace.
	RefSrc bool
	// RefDest records a RefDest event pointing at an earlier RefSrc id.
	RefDest string
}

// LogExtra records msg and fields against ctx's current span as a LogLine
// and/or an Extra event. It is a no-op if ctx has no current span: nothing is
// recorded and no ref id is generated, even with RefSrc set, so it returns "".
func LogExtra(ctx context.Context, msg string, fields map[string]any, opts ExtraOptions) string {
	sp, ok := trace.CurrentSpan(ctx)
	if !ok {
		return ""
	}
	if msg != "" {
		sp.AddLog("INFO", msg)
	}
	if len(fields) > 0 {
		sp.AddExtra(fields)
	}
	var ref string
	if opts.RefSrc {
		ref = trace.NewRefID()
		sp.AddRefSrc(ref)
	}
	if opts.RefDest != "" {
		sp.AddRefDest(opts.RefDest)
	}
	return ref
}

var (
	tracedMarkers   sync.Map // uintptr -> struct{}, wrapper functions produced by Traced
	tracedMarkersMu sync.Mutex
)

// Traced wraps fn so that calling it opens a span named name, closes it
// with whatever error fn returns, and re-panics after closing the span as
// Failed if fn panics. Calling Traced again on a function it already
// produced returns that same function unchanged, so stacking the wrapper
// is idempotent rather than nesting a redundant span. An empty name is
// replaced by fn's qualified function name.
func Traced(name string, fn func(context.Context) error) func(context.Context) error {
	tracedMarkersMu.Lock()
	defer tracedMarkersMu.Unlock()
	ptr := reflect.ValueOf(fn).Pointer()
	if _, already := tracedMarkers.Load(ptr); already {
		return fn
	}
	if name == "" {
		if f := runtime.FuncForPC(ptr); f != nil {
			name = f.Name()
		}
	}

	wrapped := func(ctx context.Context) (err error) {
		spanCtx, sp := trace.OpenSpan(ctx, name)
		defer func() {
			if r := recover(); r != nil {
				sp.Close(fmt.Errorf("panic: %v", r))
				panic(r)
			}
			sp.Close(err)
		}()
		err = fn(spanCtx)
		return err
	}
	tracedMarkers.Store(reflect.ValueOf(wrapped).Pointer(), struct{}{})
	return wrapped
}

// Config controls Configure.
type Config struct {
	// RenderTraces starts the background publisher; without it, spans and
	// traces are still tracked but finished traces are simply dropped.
	RenderTraces bool
	// Output is where rendered traces are written. Defaults to os.Stdout.
	Output io.Writer
	// FlushInterval bounds how long a trace waits for a linked child
	// before being force-rendered anyway. Defaults to one second.
	FlushInterval time.Duration
	// Renderer overrides the default text renderer.
	Renderer publish.Renderer
}

// Configure installs the package-wide publisher per cfg and returns it so
// the caller can Stop it during shutdown. It returns nil if RenderTraces is
// false.
func Configure(cfg Config) *publish.Publisher {
	if !cfg.RenderTraces {
		return nil
	}
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	renderer := cfg.Renderer
	if renderer == nil {
		renderer = render.Text{RenderCallLocations: true}
	}
	pub := publish.New(renderer, out, interval)
	trace.SetPublishHook(pub.Enqueue)
	return pub
}
