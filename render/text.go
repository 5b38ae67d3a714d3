// Package render provides the default text renderer for finished traces.
package render

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"canopy/span"
	"canopy/trace"
)

var (
	okStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	failStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	tsStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	durStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	keyStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	errStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// Text is the default publish.Renderer: a plain indented tree, with status
// and timing colored via lipgloss, matching the source project's rich-based
// console rendering but without a hard dependency on a terminal widget
// toolkit for the common non-interactive case.
type Text struct {
	// RenderCallLocations includes each span's captured call site as its
	// first child line, mirroring the teacher's optional diagnostic detail.
	RenderCallLocations bool
}

// Render implements publish.Renderer.
func (r Text) Render(t *trace.Snapshot, children map[string]*trace.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", t.ID())
	r.renderSpan(&b, t, "0", 1, children)
	return strings.TrimRight(b.String(), "\n")
}

func (r Text) renderSpan(b *strings.Builder, t *trace.Snapshot, index string, depth int, children map[string]*trace.Snapshot) {
	sp, ok := t.SpanAt(index)
	if !ok {
		return
	}
	indent := strings.Repeat("  ", depth)
	statusStyle := okStyle
	if !sp.IsOK() {
		statusStyle = failStyle
	}
	header := fmt.Sprintf("%s => %s", sp.Name(), sp.Status())
	ts := sp.StartedAt().UTC().Format(time.RFC3339)
	dur := fmt.Sprintf("%.3fms", sp.DurationMS())
	fmt.Fprintf(b, "%s%s   %s ⧖ %s\n", indent, statusStyle.Render(header), tsStyle.Render(ts), durStyle.Render(dur))

	if r.RenderCallLocations && sp.CallLocation() != "" {
		fmt.Fprintf(b, "%s  %s\n", indent, sp.CallLocation())
	}

	events := sp.Events()
	for i := 0; i < len(events); i++ {
		e := events[i]
		switch e.Kind {
		case span.LogLine:
			fmt.Fprintf(b, "%s  %s: %s\n", indent, e.Level, e.Text)
		case span.Extra:
			fmt.Fprintf(b, "%s  %s\n", indent, formatFields(e.Fields))
		case span.RefSrc:
			fmt.Fprintf(b, "%s  %s=%s\n", indent, keyStyle.Render("ref_src"), e.Ref)
		case span.RefDest:
			fmt.Fprintf(b, "%s  %s=%s\n", indent, keyStyle.Render("ref_dest"), e.Ref)
		case span.TreeParent:
			fmt.Fprintf(b, "%s  %s %s (%s)\n", indent, keyStyle.Render("tree_parent"), e.ParentName, e.ParentTraceID)
		case span.TreeChild:
			fmt.Fprintf(b, "%s  %s %s\n", indent, keyStyle.Render("tree_child"), e.ChildTraceID)
			if child, ok := children[e.ChildTraceID]; ok {
				embedded := Text{RenderCallLocations: r.RenderCallLocations}.Render(child, children)
				for _, line := range strings.Split(embedded, "\n") {
					fmt.Fprintf(b, "%s  %s\n", indent, line)
				}
			}
		case span.ExitError, span.ExceptError:
			var callTrace string
			if i+1 < len(events) && events[i+1].Kind == span.CallTrace {
				callTrace = events[i+1].Text
				i++
			}
			renderErrorTrace(b, indent, e.Kind, e.Trace, callTrace)
		case span.ChildPlaceholder:
			childIndex := index + "/" + strconv.Itoa(e.ChildSlot)
			r.renderSpan(b, t, childIndex, depth+1, children)
		}
	}
}

func renderErrorTrace(b *strings.Builder, indent string, kind span.Kind, tr *span.ErrorTrace, callTrace string) {
	label := "except_error"
	if kind == span.ExitError {
		label = "exit_error"
	}
	if tr == nil {
		return
	}
	fmt.Fprintf(b, "%s  %s: %s\n", indent, errStyle.Render(label), tr.Message)
	for _, f := range tr.Frames {
		fmt.Fprintf(b, "%s    at %s (%s:%d)\n", indent, f.Function, f.File, f.Line)
	}
	if callTrace != "" {
		fmt.Fprintf(b, "%s    logged from: %s\n", indent, callTrace)
	}
}

func formatFields(fields map[string]any) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", keyStyle.Render(k), fields[k]))
	}
	return strings.Join(parts, " ")
}
