// Package trace reconstructs a rooted span tree from the flat, append-only
// task event rows of one trace, deriving cancellation-propagated state
// without mutating storage.
package trace

import (
	"sort"
	"time"

	"github.com/groblegark/pulse/internal/model"
)

// SpanNode is one span in a reconstructed trace, carrying the chosen stored
// row plus its derived view.
type SpanNode struct {
	Event *model.TaskEvent

	// Derived state: a partial span below a cancelled ancestor reports as
	// cancelled and non-partial, with its duration cut at the ancestor's
	// cancellation time.
	IsPartial   bool
	IsCancelled bool
	Duration    int64

	Parent   *SpanNode
	Children []*SpanNode
}

// Summary is the reconstructed trace: the root span and every span in
// start-time order.
type Summary struct {
	Root  *SpanNode
	Spans []*SpanNode
}

// Build reconstructs the trace from rows ordered by start time ascending.
// It returns nil when the rows contain no root span.
func Build(rows []*model.TaskEvent) *Summary {
	if len(rows) == 0 {
		return nil
	}

	// Dedup by span id: a non-partial or cancelled row supersedes a partial
	// one; among equally eligible rows the last written wins.
	chosen := make(map[string]*model.TaskEvent, len(rows))
	var order []string
	for _, row := range rows {
		existing, ok := chosen[row.SpanID]
		if !ok {
			chosen[row.SpanID] = row
			order = append(order, row.SpanID)
			continue
		}
		if superseding(row) || !superseding(existing) {
			chosen[row.SpanID] = row
		}
	}

	nodes := make(map[string]*SpanNode, len(chosen))
	spans := make([]*SpanNode, 0, len(chosen))
	for _, spanID := range order {
		row := chosen[spanID]
		n := &SpanNode{
			Event:       row,
			IsPartial:   row.IsPartial,
			IsCancelled: row.IsCancelled,
			Duration:    row.Duration,
		}
		nodes[spanID] = n
		spans = append(spans, n)
	}

	var root *SpanNode
	for _, n := range spans {
		if n.Event.ParentID == "" {
			root = n
			continue
		}
		// A missing parent is tolerated; the span just hangs off nothing.
		if parent, ok := nodes[n.Event.ParentID]; ok && parent != n {
			n.Parent = parent
			parent.Children = append(parent.Children, n)
		}
	}
	if root == nil {
		return nil
	}

	deriveCancellation(spans)

	for _, n := range spans {
		sort.SliceStable(n.Children, func(i, j int) bool {
			return n.Children[i].Event.StartTime < n.Children[j].Event.StartTime
		})
	}
	sort.SliceStable(spans, func(i, j int) bool {
		return spans[i].Event.StartTime < spans[j].Event.StartTime
	})

	return &Summary{Root: root, Spans: spans}
}

// superseding reports whether a row wins over a partial row with the same
// span id at query time.
func superseding(row *model.TaskEvent) bool {
	return !row.IsPartial || row.IsCancelled
}

// deriveCancellation computes the effective partial/cancelled/duration view.
// Ancestor walks are bounded by the span count to stay safe on malformed
// parent links.
func deriveCancellation(spans []*SpanNode) {
	memo := make(map[*SpanNode]bool, len(spans))
	bound := len(spans)

	var lineageCancelled func(n *SpanNode, depth int) bool
	lineageCancelled = func(n *SpanNode, depth int) bool {
		if v, ok := memo[n]; ok {
			return v
		}
		if depth > bound {
			return false
		}
		v := n.Event.IsCancelled
		if !v && n.Parent != nil {
			v = lineageCancelled(n.Parent, depth+1)
		}
		memo[n] = v
		return v
	}

	for _, n := range spans {
		if !n.Event.IsPartial || !lineageCancelled(n, 0) {
			continue
		}
		n.IsPartial = false
		n.IsCancelled = true
		if at := nearestCancellationTime(n, bound); !at.IsZero() {
			d := at.UnixNano() - n.Event.StartTime
			if d < 0 {
				d = 0
			}
			n.Duration = d
		}
	}
}

// nearestCancellationTime walks up to the closest cancelled ancestor and
// returns the time of its recorded cancellation event.
func nearestCancellationTime(n *SpanNode, bound int) time.Time {
	seen := 0
	for p := n.Parent; p != nil && seen <= bound; p = p.Parent {
		if p.Event.IsCancelled {
			return p.Event.CancellationTime()
		}
		seen++
	}
	return time.Time{}
}
