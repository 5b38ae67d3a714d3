package publish

import "canopy/trace"

// Renderer turns a finished trace into its final output form. children
// contains every other pending trace this one (transitively) references via
// a TreeChild event that the publisher has been able to resolve by the time
// Render is called; a reference with no matching entry should be rendered
// as a plain cross-trace pointer rather than spliced in, since the publisher
// may be force-flushing a trace whose child never arrived.
type Renderer interface {
	Render(t *trace.Snapshot, children map[string]*trace.Snapshot) string
}
