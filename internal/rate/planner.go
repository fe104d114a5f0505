// SPDX-License-Identifier: MIT

package rate

// Plan is the outcome of converting a peso amount into purchasable time.
// A zero Plan means the planner failed closed: no credit may be granted.
type Plan struct {
	Minutes  int
	UpKbps   int
	DownKbps int
	Lines    int // number of rate lines used; ties on minutes prefer fewer
}

// Zero reports whether the plan grants nothing.
func (p Plan) Zero() bool { return p.Minutes <= 0 }

// Plan computes the maximum minutes obtainable for the exact amount using the
// lines visible to source. The result speeds are the max up/down across the
// lines actually used.
//
// Strategy: greedy by amount desc, minutes desc; if the greedy pass leaves a
// remainder, an unbounded-knapsack refinement over [0..amount] decides; if no
// exact combination wins, the 1-peso base rate is scaled linearly; otherwise
// the planner fails closed.
func (t *Table) Plan(amount int, source string) Plan {
	if amount <= 0 {
		return Plan{}
	}
	visible := t.Visible(source)
	if len(visible) == 0 {
		return Plan{}
	}

	greedy, remainder := greedyPlan(visible, amount)
	if remainder == 0 {
		return greedy
	}

	if dp, ok := exactPlan(visible, amount); ok && dp.Minutes >= greedy.Minutes {
		return dp
	}

	return linearFallback(visible, amount)
}

func greedyPlan(sorted []Rate, amount int) (Plan, int) {
	var p Plan
	remaining := amount
	for _, r := range sorted {
		if remaining == 0 {
			break
		}
		n := remaining / r.Amount
		if n == 0 {
			continue
		}
		remaining -= n * r.Amount
		p.Minutes += n * r.Minutes
		p.Lines += n
		p.UpKbps = maxInt(p.UpKbps, r.UpKbps)
		p.DownKbps = maxInt(p.DownKbps, r.DownKbps)
	}
	return p, remaining
}

// exactPlan solves the unbounded knapsack: maximize minutes for the exact
// amount, ties resolved toward fewer lines.
func exactPlan(rates []Rate, amount int) (Plan, bool) {
	const unreachable = -1

	minutes := make([]int, amount+1)
	lines := make([]int, amount+1)
	choice := make([]int, amount+1)
	for v := 1; v <= amount; v++ {
		minutes[v] = unreachable
		choice[v] = -1
	}

	for v := 1; v <= amount; v++ {
		for i, r := range rates {
			if r.Amount > v || minutes[v-r.Amount] == unreachable {
				continue
			}
			candMinutes := minutes[v-r.Amount] + r.Minutes
			candLines := lines[v-r.Amount] + 1
			if candMinutes > minutes[v] || (candMinutes == minutes[v] && candLines < lines[v]) {
				minutes[v] = candMinutes
				lines[v] = candLines
				choice[v] = i
			}
		}
	}

	if minutes[amount] == unreachable {
		return Plan{}, false
	}

	p := Plan{Minutes: minutes[amount], Lines: lines[amount]}
	for v := amount; v > 0; {
		r := rates[choice[v]]
		p.UpKbps = maxInt(p.UpKbps, r.UpKbps)
		p.DownKbps = maxInt(p.DownKbps, r.DownKbps)
		v -= r.Amount
	}
	return p, true
}

func linearFallback(rates []Rate, amount int) Plan {
	for _, r := range rates {
		if r.Amount == 1 {
			return Plan{
				Minutes:  amount * r.Minutes,
				UpKbps:   r.UpKbps,
				DownKbps: r.DownKbps,
				Lines:    amount,
			}
		}
	}
	return Plan{}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
