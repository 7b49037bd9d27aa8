// Package progress aggregates per-download progress into composable group
// nodes, so callers can observe one fraction for a batch of related downloads.
package progress

import (
	"sync"
)

// Progress is a plain unit counter for one download.
type Progress struct {
	TotalUnits     int64 `json:"total_units"`
	CompletedUnits int64 `json:"completed_units"`
}

// Fraction returns completion in [0, 1]. A zero-total progress reports 0.
func (p Progress) Fraction() float64 {
	if p.TotalUnits <= 0 {
		return 0
	}
	f := float64(p.CompletedUnits) / float64(p.TotalUnits)
	if f > 1 {
		return 1
	}
	return f
}

// Finished reports whether all units are accounted for.
func (p Progress) Finished() bool {
	return p.TotalUnits > 0 && p.CompletedUnits >= p.TotalUnits
}

type item struct {
	progress Progress
	err      error
	done     bool
}

// Node represents the combined progress of a group of downloads. When units
// are bytes, one extra unit per item is reserved for the post-transfer move
// into the cache, so a node never reads 100% before the file is in place.
type Node struct {
	mu        sync.Mutex
	items     map[string]*item
	byteUnits bool
}

// NewNode creates a node over the given download ids with their current
// per-download progress. byteUnits enables the +1 move-budget per item.
func NewNode(ids []string, current map[string]Progress, byteUnits bool) *Node {
	n := &Node{
		items:     make(map[string]*item, len(ids)),
		byteUnits: byteUnits,
	}
	for _, id := range ids {
		n.items[id] = &item{progress: current[id]}
	}
	return n
}

// Add installs or replaces the inner progress for one download.
func (n *Node) Add(id string, p Progress) {
	n.mu.Lock()
	n.items[id] = &item{progress: p}
	n.mu.Unlock()
}

// Update replaces the inner progress of a tracked download. Unknown ids are
// installed, so late registration is harmless.
func (n *Node) Update(id string, p Progress) {
	n.mu.Lock()
	it, ok := n.items[id]
	if !ok {
		it = &item{}
		n.items[id] = it
	}
	if !it.done {
		it.progress = p
	}
	n.mu.Unlock()
}

// Retry resets one download's completed units to zero, replacing its inner
// progress when the transfer starts over against another mirror.
func (n *Node) Retry(id string, p Progress) {
	n.mu.Lock()
	n.items[id] = &item{progress: Progress{TotalUnits: p.TotalUnits}}
	n.mu.Unlock()
}

// Complete marks one download finished. On success the item jumps to its
// total; on failure the item keeps its partial count and records the error.
func (n *Node) Complete(id string, err error) {
	n.mu.Lock()
	it, ok := n.items[id]
	if !ok {
		it = &item{}
		n.items[id] = it
	}
	it.done = true
	it.err = err
	if err == nil {
		if it.progress.TotalUnits <= 0 {
			it.progress.TotalUnits = 1
		}
		it.progress.CompletedUnits = it.progress.TotalUnits
		if n.byteUnits {
			// Credit the reserved move unit too.
			it.progress.CompletedUnits++
		}
	}
	n.mu.Unlock()
}

func (n *Node) tracks(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.items[id]
	return ok
}

// Err returns the recorded error for a download, if any.
func (n *Node) Err(id string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if it, ok := n.items[id]; ok {
		return it.err
	}
	return nil
}

// IDs returns the download ids tracked by this node.
func (n *Node) IDs() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	ids := make([]string, 0, len(n.items))
	for id := range n.items {
		ids = append(ids, id)
	}
	return ids
}

// Totals returns the summed progress over all tracked downloads, including
// the per-item move budget when units are bytes.
func (n *Node) Totals() Progress {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out Progress
	for _, it := range n.items {
		out.TotalUnits += it.progress.TotalUnits
		out.CompletedUnits += it.progress.CompletedUnits
		if n.byteUnits {
			out.TotalUnits++
		}
	}
	return out
}

// merge folds other's items into n, right-biased: for ids both nodes track,
// other's state wins.
func (n *Node) merge(other *Node) {
	other.mu.Lock()
	items := make(map[string]*item, len(other.items))
	for id, it := range other.items {
		cp := *it
		items[id] = &cp
	}
	other.mu.Unlock()

	n.mu.Lock()
	for id, it := range items {
		n.items[id] = it
	}
	n.mu.Unlock()
}

// Aggregator memoizes progress nodes per group key and merges nodes whose id
// sets overlap, so a download that belongs to two groups is tracked once.
type Aggregator struct {
	mu    sync.Mutex
	nodes map[string]*Node
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{nodes: make(map[string]*Node)}
}

// NodeFor returns the memoized node for the group key, creating it over the
// given download ids when absent. If an existing node of another group shares
// any of the ids, the nodes are merged (union of downloads, right-biased
// per-item state) and both keys resolve to the merged node.
func (a *Aggregator) NodeFor(groupKey string, ids []string, current map[string]Progress, byteUnits bool) *Node {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n, ok := a.nodes[groupKey]; ok {
		for _, id := range ids {
			if !n.tracks(id) {
				n.Add(id, current[id])
			}
		}
		return n
	}

	n := NewNode(ids, current, byteUnits)

	idSet := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		idSet[id] = struct{}{}
	}
	for _, existing := range a.nodes {
		if overlaps(existing, idSet) {
			existing.merge(n)
			a.nodes[groupKey] = existing
			return existing
		}
	}

	a.nodes[groupKey] = n
	return n
}

// Update routes a per-download progress update to every node tracking the id.
func (a *Aggregator) Update(id string, p Progress) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, n := range a.nodes {
		if n.tracks(id) {
			n.Update(id, p)
		}
	}
}

// Retry resets a download in every node tracking it.
func (a *Aggregator) Retry(id string, p Progress) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, n := range a.nodes {
		if n.tracks(id) {
			n.Retry(id, p)
		}
	}
}

// Complete finishes a download in every node tracking it.
func (a *Aggregator) Complete(id string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, n := range a.nodes {
		if n.tracks(id) {
			n.Complete(id, err)
		}
	}
}

func overlaps(n *Node, ids map[string]struct{}) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for id := range n.items {
		if _, ok := ids[id]; ok {
			return true
		}
	}
	return false
}
