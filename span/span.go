package span

import "time"

// OnExit is invoked exactly once when a Span closes, receiving the span
// itself and the error that propagated through the close, if any.
type OnExit func(*Span, error)

// Span is an ordered, append-only event log for one scoped block of work.
//
// Invariant: a Span is mutated only by the goroutine that opened it; once
// closed it is immutable, and its events are never reordered or removed.
// Callers outside the owning goroutine (the publisher, a renderer) must not
// read a Span until after Close has returned.
type Span struct {
	name         string
	status       Status
	tsStart      time.Time
	tsEnd        time.Time
	callLocation string

	events    []Event
	nextEvent int
	childIdx  int

	onExit OnExit
}

// New creates a Span in the Created state. callLocation may be empty, in
// which case Open captures one lazily via the supplied locator.
func New(name string, callLocation string, onExit OnExit) *Span {
	return &Span{
		name:         name,
		status:       Created,
		callLocation: callLocation,
		onExit:       onExit,
	}
}

// Open transitions Created -> Started, stamping the start time and, if no
// call location was supplied at construction, capturing one now via locate.
// It panics if the span is not in the Created state, mirroring the source's
// `assert self.status == STATUS_CREATED`.
func (s *Span) Open(locate func() string) *Span {
	if s.status != Created {
		panic("span: Open called on span not in Created state: " + s.name)
	}
	s.status = Started
	s.tsStart = time.Now()
	if s.callLocation == "" && locate != nil {
		s.callLocation = locate()
	}
	return s
}

// Close transitions Started -> {Succeeded, Failed}, stamps the end time,
// and invokes onExit exactly once. err is forwarded to onExit unchanged
// and returned so callers can write `return span.Close(err)`.
func (s *Span) Close(err error) error {
	if s.status != Started {
		panic("span: Close called on span not in Started state: " + s.name)
	}
	s.tsEnd = time.Now()
	if err != nil {
		s.status = Failed
	} else {
		s.status = Succeeded
	}
	if s.onExit != nil {
		s.onExit(s, err)
	}
	return err
}

func (s *Span) nextIndex() int {
	idx := s.nextEvent
	s.nextEvent++
	return idx
}

func (s *Span) append(e Event) {
	e.Index = s.nextIndex()
	s.events = append(s.events, e)
}

// AddLog appends a LogLine event.
func (s *Span) AddLog(level, message string) {
	s.append(Event{Kind: LogLine, Level: level, Text: message})
}

// AddExtra appends a structured Extra event.
func (s *Span) AddExtra(fields map[string]any) {
	s.append(Event{Kind: Extra, Fields: fields})
}

// AddRefSrc appends a RefSrc event advertising that this span originates
// the logical event identified by ref.
func (s *Span) AddRefSrc(ref string) {
	s.append(Event{Kind: RefSrc, Ref: ref})
}

// AddRefDest appends a RefDest event advertising that this span refers to
// the logical event identified by ref.
func (s *Span) AddRefDest(ref string) {
	s.append(Event{Kind: RefDest, Ref: ref})
}

// AddTreeParent appends a TreeParent event naming the trace this span's
// trace was forked from.
func (s *Span) AddTreeParent(parentName, parentTraceID string) {
	s.append(Event{Kind: TreeParent, ParentName: parentName, ParentTraceID: parentTraceID})
}

// AddTreeChild appends a TreeChild event naming a trace that was forked
// off of this span.
func (s *Span) AddTreeChild(childTraceID string) {
	s.append(Event{Kind: TreeChild, ChildTraceID: childTraceID})
}

// AddExitTrace appends an ExitError event (an error that propagated out of
// this span's close) followed by a parallel CallTrace event so a renderer
// can show where the log line reporting it was emitted from.
func (s *Span) AddExitTrace(tr *ErrorTrace, callTrace string) {
	s.append(Event{Kind: ExitError, Trace: tr})
	s.append(Event{Kind: CallTrace, Text: callTrace})
}

// AddExceptTrace appends an ExceptError event (an error reported while the
// span continues) followed by a parallel CallTrace event.
func (s *Span) AddExceptTrace(tr *ErrorTrace, callTrace string) {
	s.append(Event{Kind: ExceptError, Trace: tr})
	s.append(Event{Kind: CallTrace, Text: callTrace})
}

// ReserveChildSlot allocates the next child index, appends a
// ChildPlaceholder event at the current position in the event log, and
// returns the ordinal. The renderer later splices the child span's
// rendering into that slot, preserving the exact interleaving of log
// events and nested spans in which they actually occurred.
func (s *Span) ReserveChildSlot() int {
	slot := s.childIdx
	s.childIdx++
	s.append(Event{Kind: ChildPlaceholder, ChildSlot: slot})
	return slot
}

func (s *Span) Name() string         { return s.name }
func (s *Span) Status() Status       { return s.status }
func (s *Span) StartedAt() time.Time { return s.tsStart }
func (s *Span) EndedAt() time.Time   { return s.tsEnd }
func (s *Span) CallLocation() string { return s.callLocation }
func (s *Span) Events() []Event      { return s.events }

// DurationMS returns the span's wall-clock duration in milliseconds. It
// panics if the span has not yet closed.
func (s *Span) DurationMS() float64 {
	if s.status != Succeeded && s.status != Failed {
		panic("span: DurationMS called before Close: " + s.name)
	}
	return float64(s.tsEnd.Sub(s.tsStart)) / float64(time.Millisecond)
}

// IsOK reports whether a closed span succeeded.
func (s *Span) IsOK() bool { return s.status == Succeeded }

// IsRunning reports whether the span is currently Started.
func (s *Span) IsRunning() bool { return s.status == Started }

// IsDone reports whether the span has reached a terminal status.
func (s *Span) IsDone() bool { return s.status == Succeeded || s.status == Failed }
