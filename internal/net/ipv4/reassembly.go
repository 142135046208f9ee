package ipv4

// maxReassembledLen is the cap spec.md §4.7/§8 impose: "total reassembled
// payload must not exceed 65515 bytes".
const maxReassembledLen = 65515

// reassemblyTimeoutTicks is spec.md §4.7's "15 ticks of inactivity" bound.
const reassemblyTimeoutTicks = 15

type fragKey struct {
	Src, Dst uint32
	ID       uint16
	Proto    uint8
}

// interval is a half-open byte range [start, end) already filled in with
// real data.
type interval struct{ start, end int }

// reassembly is one in-progress datagram reconstruction: the
// spec.md §9 "Reassembly context ... per-(src, dst, id, proto) buffer
// collecting IPv4 fragments until the datagram is complete or times out".
type reassembly struct {
	buf       []byte
	covered   []interval // sorted, merged, non-overlapping
	haveTail  bool
	tailEnd   int
	lastTouch int64
}

// insert adds a fragment's payload at the given byte offset, discarding
// any bytes that overlap already-covered ranges in favor of the earlier
// arrival (spec.md §4.7: "overlaps are resolved by discarding the
// overlapping bytes of the later arrival"). It reports false if the
// fragment would push the reassembled datagram past maxReassembledLen.
func (r *reassembly) insert(offset int, data []byte, mf bool) bool {
	end := offset + len(data)
	if end > maxReassembledLen {
		return false
	}
	if end > len(r.buf) {
		grown := make([]byte, end)
		copy(grown, r.buf)
		r.buf = grown
	}
	for _, gap := range uncoveredGaps(r.covered, offset, end) {
		copy(r.buf[gap.start:gap.end], data[gap.start-offset:gap.end-offset])
	}
	r.covered = addCovered(r.covered, offset, end)
	if !mf {
		r.haveTail = true
		r.tailEnd = end
	}
	return true
}

// complete reports whether the datagram is fully reconstructed: offset 0
// is present and a single covered interval spans [0, tailEnd) without
// gaps (spec.md §4.7: "Reassembly succeeds when offset 0 is present and a
// MF=0 fragment closes the tail without gaps").
func (r *reassembly) complete() ([]byte, bool) {
	if !r.haveTail {
		return nil, false
	}
	if len(r.covered) != 1 {
		return nil, false
	}
	if r.covered[0].start != 0 || r.covered[0].end != r.tailEnd {
		return nil, false
	}
	return r.buf[:r.tailEnd], true
}

// uncoveredGaps returns the sub-ranges of [start, end) not already present
// in covered, in ascending order.
func uncoveredGaps(covered []interval, start, end int) []interval {
	var gaps []interval
	cur := start
	for _, c := range covered {
		if c.end <= cur || c.start >= end {
			continue
		}
		if c.start > cur {
			gaps = append(gaps, interval{cur, c.start})
		}
		if c.end > cur {
			cur = c.end
		}
	}
	if cur < end {
		gaps = append(gaps, interval{cur, end})
	}
	return gaps
}

// addCovered merges [start, end) into covered, combining overlapping or
// adjacent intervals.
func addCovered(covered []interval, start, end int) []interval {
	merged := append(covered, interval{start, end})
	// Insertion sort by start; covered lists stay small (fragment counts
	// per datagram are tiny), so this is simpler than maintaining a
	// sorted-insert in place.
	for i := 1; i < len(merged); i++ {
		for j := i; j > 0 && merged[j-1].start > merged[j].start; j-- {
			merged[j-1], merged[j] = merged[j], merged[j-1]
		}
	}
	out := merged[:0]
	for _, iv := range merged {
		if len(out) > 0 && iv.start <= out[len(out)-1].end {
			if iv.end > out[len(out)-1].end {
				out[len(out)-1].end = iv.end
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}
