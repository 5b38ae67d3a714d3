package span

import (
	"fmt"
	"runtime"

	"github.com/pkg/errors"
)

// Kind identifies what an Event carries. Events are heterogeneous and
// appended in strict insertion order; nothing about a Span ever reorders
// or removes one once recorded.
type Kind int

const (
	LogLine Kind = iota
	Extra
	ExitError
	ExceptError
	CallTrace
	RefSrc
	RefDest
	TreeParent
	TreeChild
	ChildPlaceholder
)

func (k Kind) String() string {
	switch k {
	case LogLine:
		return "log"
	case Extra:
		return "extra"
	case ExitError:
		return "exit_error"
	case ExceptError:
		return "except_error"
	case CallTrace:
		return "call_trace"
	case RefSrc:
		return "ref_src"
	case RefDest:
		return "ref_dest"
	case TreeParent:
		return "tree_parent"
	case TreeChild:
		return "tree_child"
	case ChildPlaceholder:
		return "child_placeholder"
	default:
		return "unknown"
	}
}

// Frame is one stack entry in an ErrorTrace: either the frame that raised
// the error or a synthetic frame naming where it was later reported from.
type Frame struct {
	File     string
	Line     int
	Function string
}

// ErrorTrace is the stack-frame representation attached to ExitError and
// ExceptError events. It is built from a github.com/pkg/errors stack (when
// the error carries one) or, failing that, from the single reporting frame
// the caller supplied.
type ErrorTrace struct {
	Message string
	Frames  []Frame
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// NewErrorTrace extracts a stack trace from err if it was created with (or
// wrapped by) github.com/pkg/errors, falling back to a single synthetic
// frame built from the caller-supplied location when it was not.
func NewErrorTrace(err error, fallback Frame) *ErrorTrace {
	if err == nil {
		return nil
	}
	tr := &ErrorTrace{Message: err.Error()}
	var st stackTracer
	for e := err; e != nil; e = errorsUnwrap(e) {
		if s, ok := e.(stackTracer); ok {
			st = s
			break
		}
	}
	if st == nil {
		tr.Frames = []Frame{fallback}
		return tr
	}
	for _, f := range st.StackTrace() {
		pc := uintptr(f) - 1
		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}
		file, line := fn.FileLine(pc)
		tr.Frames = append(tr.Frames, Frame{File: file, Line: line, Function: fn.Name()})
	}
	if len(tr.Frames) == 0 {
		tr.Frames = []Frame{fallback}
	}
	return tr
}

func errorsUnwrap(err error) error {
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok {
		return u.Unwrap()
	}
	return nil
}

// Event is one append-only entry in a Span's event log. Only the fields
// relevant to Kind are populated; the rest are zero.
type Event struct {
	Index int
	Kind  Kind

	// LogLine
	Level string
	Text  string

	// Extra
	Fields map[string]any

	// RefSrc / RefDest
	Ref string

	// TreeParent
	ParentName    string
	ParentTraceID string

	// TreeChild
	ChildTraceID string

	// ChildPlaceholder
	ChildSlot int

	// ExitError / ExceptError (paired with a CallTrace event carrying Text)
	Trace *ErrorTrace
}

func (e Event) String() string {
	switch e.Kind {
	case LogLine:
		return fmt.Sprintf("%s: %s", e.Level, e.Text)
	case Extra:
		return fmt.Sprintf("%v", e.Fields)
	case RefSrc, RefDest:
		return e.Ref
	case TreeParent:
		return fmt.Sprintf("%s (%s)", e.ParentName, e.ParentTraceID)
	case TreeChild:
		return e.ChildTraceID
	case CallTrace:
		return e.Text
	case ExitError, ExceptError:
		if e.Trace != nil {
			return e.Trace.Message
		}
		return ""
	default:
		return ""
	}
}
