package split

import (
	"math/rand/v2"
	"slices"
)

// classCap returns the largest per-class cap c such that, after truncating
// every class to at most c members, the gap between the largest and the
// smallest class proportion is <= maxDiff. ok is false when the counts already
// satisfy the bound.
//
// The gap (c - min) / Σ min(count_i, c) grows with c, so scanning downward
// from the largest class and stopping at the first feasible cap is exact.
func classCap(counts []int, maxDiff float64) (c int, ok bool) {
	lo, hi := counts[0], counts[0]
	for _, n := range counts[1:] {
		lo = min(lo, n)
		hi = max(hi, n)
	}
	gap := func(c int) float64 {
		total := 0
		for _, n := range counts {
			total += min(n, c)
		}
		return float64(c-lo) / float64(total)
	}
	if gap(hi) <= maxDiff+1e-12 {
		return hi, false
	}
	for c = hi - 1; c > lo; c-- {
		if gap(c) <= maxDiff+1e-12 {
			return c, true
		}
	}
	return lo, true
}

// rebalance downsamples the over-represented classes of a training fold
// without replacement and returns the kept rows in random order. Classes
// at or below the cap are kept whole.
func rebalance(rng *rand.Rand, train []int, encoded []int, maxDiff float64) []int {
	byClass := map[int][]int{}
	var classes []int
	for _, r := range train {
		l := encoded[r]
		if _, seen := byClass[l]; !seen {
			classes = append(classes, l)
		}
		byClass[l] = append(byClass[l], r)
	}
	if len(classes) < 2 {
		return train
	}
	slices.Sort(classes)

	counts := make([]int, len(classes))
	for i, l := range classes {
		counts[i] = len(byClass[l])
	}
	c, ok := classCap(counts, maxDiff)
	if !ok {
		return train
	}

	kept := make([]int, 0, len(train))
	for _, l := range classes {
		rows := byClass[l]
		if len(rows) <= c {
			kept = append(kept, rows...)
			continue
		}
		perm := rng.Perm(len(rows))
		for _, p := range perm[:c] {
			kept = append(kept, rows[p])
		}
	}
	rng.Shuffle(len(kept), func(i, j int) { kept[i], kept[j] = kept[j], kept[i] })
	return kept
}
