package coin

import "sort"

// Plan is the output of the change planner: denomination -> coin count to
// dispense.
type Plan map[int]int

// PlanChange greedily plans change for amount (minor units) against tubes
// (denomination -> available count), largest denomination first. It
// succeeds iff amount can be made exactly without exceeding any tube's
// availability (spec §4.6). No backtracking: canonical currency cascades
// never require it.
func PlanChange(amount int, tubes map[int]int) (Plan, bool) {
	if amount < 0 {
		return nil, false
	}
	if amount == 0 {
		return Plan{}, true
	}

	denoms := make([]int, 0, len(tubes))
	for d := range tubes {
		denoms = append(denoms, d)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(denoms)))

	plan := Plan{}
	remaining := amount
	for _, denom := range denoms {
		if denom <= 0 || remaining <= 0 {
			continue
		}
		available := tubes[denom]
		use := remaining / denom
		if use > available {
			use = available
		}
		if use <= 0 {
			continue
		}
		plan[denom] = use
		remaining -= use * denom
	}

	if remaining != 0 {
		return nil, false
	}
	return plan, true
}

// TotalCoins returns the number of individual coins the plan dispenses.
func (p Plan) TotalCoins() int {
	total := 0
	for _, count := range p {
		total += count
	}
	return total
}
