package chunker

// span is an inclusive 1-based line range.
type span struct {
	start, end int
}

func (s span) contains(line int) bool { return line >= s.start && line <= s.end }

// partition splits lines 1..n into contiguous cores. The first core may use
// maxLines lines, later ones maxLines-overlap, so that prefixing each later
// core with overlap lines keeps every chunk within maxLines. Every non-final
// core is longer than overlap.
//
// tiers are consulted in order; tier[b] marks line b as a place a new core
// may begin. The last acceptable line of the first tier that has one wins,
// otherwise the core is cut at the budget.
func partition(n, maxLines, overlap int, tiers ...[]bool) []span {
	var cores []span
	start, budget := 1, maxLines
	for start <= n {
		limit := start + budget - 1
		if limit >= n {
			cores = append(cores, span{start, n})
			break
		}

		next := limit + 1
		lo := start + overlap + 1
	search:
		for _, tier := range tiers {
			for b := limit + 1; b >= lo; b-- {
				if b < len(tier) && tier[b] {
					next = b
					break search
				}
			}
		}

		cores = append(cores, span{start, next - 1})
		start = next
		budget = maxLines - overlap
	}
	return cores
}
