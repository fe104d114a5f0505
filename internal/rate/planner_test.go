// SPDX-License-Identifier: MIT

package rate

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func standardTable() *Table {
	return NewTable([]Rate{
		{ID: 1, Amount: 1, Minutes: 1, UpKbps: 512, DownKbps: 1024},
		{ID: 2, Amount: 5, Minutes: 7, UpKbps: 1024, DownKbps: 2048},
		{ID: 3, Amount: 10, Minutes: 15, UpKbps: 2048, DownKbps: 4096},
	})
}

func TestPlanZeroAmount(t *testing.T) {
	tbl := standardTable()
	assert.True(t, tbl.Plan(0, "").Zero())
	assert.True(t, tbl.Plan(-5, "").Zero())
}

func TestPlanGreedyExact(t *testing.T) {
	tbl := standardTable()

	p := tbl.Plan(3, "")
	assert.Equal(t, 3, p.Minutes)

	p = tbl.Plan(10, "")
	assert.Equal(t, 15, p.Minutes)
	assert.Equal(t, 2048, p.UpKbps)
	assert.Equal(t, 4096, p.DownKbps)

	// 13 = 10 + 1 + 1 + 1 is already the maximum exact fit.
	p = tbl.Plan(13, "")
	assert.Equal(t, 18, p.Minutes)
}

func TestPlanDPBeatsGreedy(t *testing.T) {
	tbl := NewTable([]Rate{
		{ID: 1, Amount: 1, Minutes: 1},
		{ID: 2, Amount: 5, Minutes: 7},
		{ID: 3, Amount: 10, Minutes: 15},
		{ID: 4, Amount: 4, Minutes: 6},
	})
	// Greedy on 13: 10(15) + rem 3 -> 1+1+1 => 18. DP: 4+4+5 => 6+6+7 = 19.
	p := tbl.Plan(13, "")
	assert.Equal(t, 19, p.Minutes)
	assert.Equal(t, 3, p.Lines)
}

func TestPlanTiePrefersFewerLines(t *testing.T) {
	tbl := NewTable([]Rate{
		{ID: 1, Amount: 1, Minutes: 2},
		{ID: 2, Amount: 2, Minutes: 4},
		{ID: 3, Amount: 3, Minutes: 5},
	})
	// 4 pesos: 2+2 = 8 minutes over 2 lines beats 1+1+1+1 = 8 over 4 lines.
	p := tbl.Plan(4, "")
	assert.Equal(t, 8, p.Minutes)
	assert.Equal(t, 2, p.Lines)
}

func TestPlanLinearFallback(t *testing.T) {
	tbl := NewTable([]Rate{
		{ID: 1, Amount: 1, Minutes: 1, UpKbps: 256, DownKbps: 512},
		{ID: 2, Amount: 10, Minutes: 15},
	})
	p := tbl.Plan(1, "")
	assert.Equal(t, 1, p.Minutes)

	// Amount 7 has exact fit 7x1 via DP already; remove the 1-peso line to
	// force the closed failure.
	tbl = NewTable([]Rate{{ID: 2, Amount: 10, Minutes: 15}})
	assert.True(t, tbl.Plan(7, "").Zero())
}

func TestPlanVisibilityMask(t *testing.T) {
	tbl := standardTable()
	tbl.SetVisibility("remote:A", []int64{1})

	// remote:A only sells the 1-peso line.
	p := tbl.Plan(10, "remote:A")
	assert.Equal(t, 10, p.Minutes)
	assert.Equal(t, 10, p.Lines)

	// Everyone else still sees the full table.
	p = tbl.Plan(10, "hardware")
	assert.Equal(t, 15, p.Minutes)

	// Clearing the mask restores the full table.
	tbl.SetVisibility("remote:A", nil)
	p = tbl.Plan(10, "remote:A")
	assert.Equal(t, 15, p.Minutes)
}

func TestPlanIsPure(t *testing.T) {
	tbl := standardTable()
	first := tbl.Plan(13, "")
	for i := 0; i < 5; i++ {
		if diff := cmp.Diff(first, tbl.Plan(13, "")); diff != "" {
			t.Fatalf("plan not deterministic (-want +got):\n%s", diff)
		}
	}
}
