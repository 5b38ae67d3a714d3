package trace

import (
	"fmt"
	"runtime"
)

// callerLocation describes the source line skip frames above its own call
// site. It is free-form text meant for a human reading a rendered trace, not
// a parsed identifier, so a missing frame just yields an empty string rather
// than an error.
func callerLocation(skip int) string {
	pc, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return ""
	}
	name := "?"
	if fn := runtime.FuncForPC(pc); fn != nil {
		name = fn.Name()
	}
	return fmt.Sprintf("%s (%s:%d)", name, file, line)
}
