package ledger

import (
	"sort"
	"sync"
)

const lockStripes = 64

// lockTable serializes work per account. Accounts map onto a fixed set of
// stripes; callers that need several accounts lock their stripes in
// ascending order so two transfers touching the same pair can never deadlock.
type lockTable struct {
	stripes [lockStripes]sync.Mutex
}

func stripeOf(id AccountID) int {
	s := int(id % lockStripes)
	if s < 0 {
		s += lockStripes
	}
	return s
}

// lockIDs returns the distinct stripes for ids, ascending.
func lockIDs(ids ...AccountID) []int {
	seen := make(map[int]bool, len(ids))
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		s := stripeOf(id)
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Ints(out)
	return out
}

// lock acquires every stripe for ids and returns the matching unlock.
func (t *lockTable) lock(ids ...AccountID) func() {
	stripes := lockIDs(ids...)
	for _, s := range stripes {
		t.stripes[s].Lock()
	}
	return func() {
		for i := len(stripes) - 1; i >= 0; i-- {
			t.stripes[stripes[i]].Unlock()
		}
	}
}
