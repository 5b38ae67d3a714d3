// Package publish receives finished traces from one or more goroutines and
// renders them on a single background consumer, deferring a trace until
// every other trace it references has also finished so the published output
// always shows a complete linked family together.
package publish

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"canopy/span"
	"canopy/trace"
)

// Publisher is a single-consumer background worker that renders finished
// traces as they complete, deferring ones that reference a trace that
// hasn't finished yet and force-flushing whatever is still waiting once per
// flush interval.
type Publisher struct {
	renderer Renderer
	output   io.Writer
	interval time.Duration

	queue *closableQueue

	// pending/pendingTs are only ever touched by the consumer goroutine.
	pending   map[string]*trace.Snapshot
	pendingTs map[string]time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New starts a Publisher writing through renderer to out, force-flushing any
// trace still waiting on a missing child once per interval.
func New(renderer Renderer, out io.Writer, interval time.Duration) *Publisher {
	p := &Publisher{
		renderer:  renderer,
		output:    out,
		interval:  interval,
		queue:     newClosableQueue(),
		pending:   make(map[string]*trace.Snapshot),
		pendingTs: make(map[string]time.Time),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	go p.consume()
	go p.tick()
	return p
}

// Enqueue submits a finished trace for publishing. It is called from
// trace.SetPublishHook once a root span closes, and is safe to call from
// any goroutine.
func (p *Publisher) Enqueue(t *trace.Snapshot) {
	p.queue.put(queueItem{tr: t})
}

// Stop signals the flush ticker to close the queue, waits for the consumer
// to drain it and force-flush everything still pending, and returns once
// that final flush has completed.
func (p *Publisher) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	<-p.doneCh
}

func (p *Publisher) tick() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			p.queue.close()
			return
		case <-ticker.C:
			p.queue.put(queueItem{isFlush: true})
		}
	}
}

func (p *Publisher) consume() {
	defer close(p.doneCh)
	for {
		item, ok := p.queue.next()
		if !ok {
			break
		}
		if item.isFlush {
			p.flushPending(time.Now().Add(-p.interval))
			continue
		}
		p.attemptPrint(item.tr)
	}
	p.flushPending(time.Now())
}

// attemptPrint mirrors the source's attempt_print/HasParentTreeError dance:
// a trace that was forked from a parent (it carries a TreeParent on its
// root) is never rendered on its own — it waits for its parent, and retries
// the parent immediately in case the parent was itself already waiting on
// this trace specifically. A root trace that references children via
// TreeChild that haven't finished yet waits the same way, but with nothing
// to retry until one of those children shows up and triggers this same
// path for itself.
func (p *Publisher) attemptPrint(t *trace.Snapshot) {
	if parentID := t.ParentTraceID(); parentID != "" {
		p.deferTrace(t)
		if parent, ok := p.pending[parentID]; ok {
			p.attemptPrint(parent)
		}
		return
	}

	children, ok := p.resolveChildren(t)
	if !ok {
		p.deferTrace(t)
		return
	}

	p.render(t, children)
}

func (p *Publisher) deferTrace(t *trace.Snapshot) {
	if _, seen := p.pending[t.ID()]; seen {
		return
	}
	p.pending[t.ID()] = t
	p.pendingTs[t.ID()] = time.Now()
}

// resolveChildren walks every TreeChild reference reachable from t,
// transitively, and looks each one up among the traces still pending. It
// reports ok=false the first time a referenced trace hasn't finished yet.
func (p *Publisher) resolveChildren(t *trace.Snapshot) (map[string]*trace.Snapshot, bool) {
	out := make(map[string]*trace.Snapshot)
	queue := []*trace.Snapshot{t}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, id := range childTraceIDs(cur) {
			if _, seen := out[id]; seen {
				continue
			}
			child, ok := p.pending[id]
			if !ok {
				return nil, false
			}
			out[id] = child
			queue = append(queue, child)
		}
	}
	return out, true
}

func childTraceIDs(t *trace.Snapshot) []string {
	var ids []string
	for _, is := range t.Spans() {
		for _, e := range is.Span.Events() {
			if e.Kind == span.TreeChild {
				ids = append(ids, e.ChildTraceID)
			}
		}
	}
	return ids
}

func (p *Publisher) render(t *trace.Snapshot, children map[string]*trace.Snapshot) {
	out := p.renderer.Render(t, children)
	fmt.Fprintln(p.output, out)
	delete(p.pending, t.ID())
	delete(p.pendingTs, t.ID())
	for id := range children {
		delete(p.pending, id)
		delete(p.pendingTs, id)
	}
}

// flushPending force-prints every trace that has been waiting since at or
// before threshold, in the order it started waiting, rendering with
// whatever children happen to be available rather than continuing to wait.
func (p *Publisher) flushPending(threshold time.Time) {
	type entry struct {
		id string
		ts time.Time
	}
	var entries []entry
	for id, ts := range p.pendingTs {
		entries = append(entries, entry{id, ts})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ts.Before(entries[j].ts) })

	for _, e := range entries {
		if e.ts.After(threshold) {
			break
		}
		t, ok := p.pending[e.id]
		if !ok {
			continue
		}
		p.forcePrint(t)
	}
}

func (p *Publisher) forcePrint(t *trace.Snapshot) {
	children := make(map[string]*trace.Snapshot)
	frontier := []string{t.ID()}
	seen := map[string]bool{t.ID(): true}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		cur, ok := p.pending[id]
		if !ok {
			continue
		}
		for _, childID := range childTraceIDs(cur) {
			if seen[childID] {
				continue
			}
			seen[childID] = true
			if child, ok := p.pending[childID]; ok {
				children[childID] = child
				frontier = append(frontier, childID)
			}
		}
	}

	out := p.renderer.Render(t, children)
	fmt.Fprintln(p.output, out)
	delete(p.pending, t.ID())
	delete(p.pendingTs, t.ID())
	for id := range children {
		delete(p.pending, id)
		delete(p.pendingTs, id)
	}
}
