package trace

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// traceIDCounter backs trace ID generation. Trace IDs only need to be unique
// and ordered within a process, so a monotonic counter is used rather than a
// random token; ref IDs (which cross trace boundaries in log text) use a
// real UUID so they stay unique across processes.
var traceIDCounter uint64

func nextTraceID() string {
	n := atomic.AddUint64(&traceIDCounter, 1)
	return fmt.Sprintf("t-%d", n)
}

// NewRefID returns a fresh identifier suitable for pairing an AddRefSrc on
// one span with an AddRefDest on another, including across traces.
func NewRefID() string {
	return uuid.NewString()
}

// resetIDsForTest rewinds the trace ID counter. Test-only.
func resetIDsForTest() {
	atomic.StoreUint64(&traceIDCounter, 0)
}
