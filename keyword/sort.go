package keyword

import (
	"sort"
	"strconv"
)

// Sort orders keywords alphanumerically, but compares embedded runs of
// digits as numbers, so Qs1 < Qs42 < Qs100 — the order the Sim itself
// emits them in. It is a total order: sorting an already-sorted slice
// is a no-op, and equal numeric runs with equal prefixes compare equal.
func Sort(keys []string) []string {
	out := make([]string, len(keys))
	copy(out, keys)
	sort.SliceStable(out, func(i, j int) bool {
		return Less(out[i], out[j])
	})
	return out
}

// Less implements the numeric-run-aware ordering used by Sort.
func Less(a, b string) bool {
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		ac, bc := a[i], b[j]
		if isDigit(ac) && isDigit(bc) {
			ai := i
			for ai < len(a) && isDigit(a[ai]) {
				ai++
			}
			bj := j
			for bj < len(b) && isDigit(b[bj]) {
				bj++
			}
			an, _ := strconv.Atoi(a[i:ai])
			bn, _ := strconv.Atoi(b[j:bj])
			if an != bn {
				return an < bn
			}
			i, j = ai, bj
			continue
		}
		if ac != bc {
			return ac < bc
		}
		i++
		j++
	}
	return len(a)-i < len(b)-j
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
