// Package logbridge connects a zerolog.Logger to the trace in a context: a
// log call made with a context-bound logger appends a LogLine event to that
// context's current span, in addition to its usual output.
//
// It is deliberately thin. It does not walk the event's structured fields
// or try to recover a caller frame from the log call site; that belongs to
// the span's own AddExtra and trace.HandleError calls, not the logging shim.
package logbridge

import (
	"context"

	"github.com/rs/zerolog"

	"canopy/trace"
)

type spanHook struct {
	ctx context.Context
}

// Run implements zerolog.Hook. If ctx has a current span, the formatted
// message is appended to it as a LogLine; otherwise the hook does nothing
// and the log line is written exactly as it would be without the bridge.
func (h spanHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	if level == zerolog.NoLevel || msg == "" {
		return
	}
	sp, ok := trace.CurrentSpan(h.ctx)
	if !ok {
		return
	}
	sp.AddLog(level.String(), msg)
}

// Logger returns base with a hook installed that mirrors every log line
// into ctx's current span, if it has one.
func Logger(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	return base.Hook(spanHook{ctx: ctx})
}

// LogError reports err against ctx's current span as an ExceptError without
// ending that span, the way a caught-and-logged exception does in the
// source project's handler. callTrace is free-form text identifying where
// the error was reported from, typically the formatted log message.
func LogError(ctx context.Context, err error, callTrace string) {
	trace.HandleError(ctx, err, callTrace)
}
