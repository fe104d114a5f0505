// SPDX-License-Identifier: MIT

// Package rate holds the price table and the amount-to-minutes planner.
package rate

import (
	"sort"
	"sync"
)

// Rate is one line of the price table: an exact peso amount buys a number of
// minutes at the given speeds.
type Rate struct {
	ID       int64
	Amount   int // pesos, > 0
	Minutes  int // > 0
	UpKbps   int
	DownKbps int
}

// Table stores rate lines plus an optional per-source visibility mask.
// A source with a non-empty mask only sees its subset; every other source
// sees the full table.
type Table struct {
	mu         sync.RWMutex
	rates      []Rate
	visibility map[string]map[int64]struct{}
}

// NewTable builds a table from the given lines.
func NewTable(rates []Rate) *Table {
	t := &Table{visibility: make(map[string]map[int64]struct{})}
	t.Replace(rates)
	return t
}

// Replace swaps the full rate set, keeping visibility masks.
func (t *Table) Replace(rates []Rate) {
	cp := make([]Rate, len(rates))
	copy(cp, rates)
	t.mu.Lock()
	t.rates = cp
	t.mu.Unlock()
}

// SetVisibility restricts a source to the given rate ids. An empty set
// removes the restriction.
func (t *Table) SetVisibility(source string, rateIDs []int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(rateIDs) == 0 {
		delete(t.visibility, source)
		return
	}
	set := make(map[int64]struct{}, len(rateIDs))
	for _, id := range rateIDs {
		set[id] = struct{}{}
	}
	t.visibility[source] = set
}

// Visible returns the rate lines a source may sell, sorted by amount
// descending then minutes descending (the planner's greedy order).
func (t *Table) Visible(source string) []Rate {
	t.mu.RLock()
	defer t.mu.RUnlock()

	mask, restricted := t.visibility[source]
	out := make([]Rate, 0, len(t.rates))
	for _, r := range t.rates {
		if r.Amount <= 0 || r.Minutes <= 0 {
			continue
		}
		if restricted {
			if _, ok := mask[r.ID]; !ok {
				continue
			}
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Amount != out[j].Amount {
			return out[i].Amount > out[j].Amount
		}
		return out[i].Minutes > out[j].Minutes
	})
	return out
}
