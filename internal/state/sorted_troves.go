package state

import (
	"fmt"

	"github.com/holiman/uint256"
)

// maxHintSteps bounds the walk that corrects a stale insertion hint. A hint
// further off than this falls back to a full walk from the nearer endpoint.
const maxHintSteps = 10

// Endpoint selects which end of the index an iteration starts from.
type Endpoint int

const (
	FromHead Endpoint = iota // highest ICR first
	FromTail                 // lowest ICR first
)

// node is one index entry. Nodes exist iff the owner's trove is open and
// inserted; the index owns placement and nothing else.
type node struct {
	id   string
	icr  *uint256.Int // ICR at last (re)insert, wad
	prev *node
	next *node
}

// SortedTroves is a doubly linked list of open troves ordered by ICR,
// descending from head to tail. Equal ICRs order most-recent-insertion-last,
// so repeated reinserts of tied troves never oscillate.
//
// The index is agnostic to business constraints: it orders whatever ICR the
// caller hands it. MCR enforcement is the trove ledger's job.
type SortedTroves struct {
	head  *node
	tail  *node
	nodes map[string]*node
}

func NewSortedTroves() *SortedTroves {
	return &SortedTroves{nodes: make(map[string]*node)}
}

// Size returns the number of troves in the index.
func (st *SortedTroves) Size() int { return len(st.nodes) }

// Head returns the highest-ICR trove id, or "" when empty.
func (st *SortedTroves) Head() string {
	if st.head == nil {
		return ""
	}
	return st.head.id
}

// Tail returns the lowest-ICR trove id, or "" when empty.
func (st *SortedTroves) Tail() string {
	if st.tail == nil {
		return ""
	}
	return st.tail.id
}

// Contains reports whether id is in the index.
func (st *SortedTroves) Contains(id string) bool {
	_, ok := st.nodes[id]
	return ok
}

// ICR returns the ordering key recorded at the trove's last (re)insert.
func (st *SortedTroves) ICR(id string) (*uint256.Int, bool) {
	n, ok := st.nodes[id]
	if !ok {
		return nil, false
	}
	return new(uint256.Int).Set(n.icr), true
}

// Insert places id at its ordered position. hintPrev/hintNext are approximate
// neighbours ("" for none); stale hints are corrected by a bounded walk, then
// by a full walk from the nearer endpoint.
func (st *SortedTroves) Insert(id string, icr *uint256.Int, hintPrev, hintNext string) error {
	if _, ok := st.nodes[id]; ok {
		return fmt.Errorf("%w: %s", ErrNodeExists, id)
	}
	if icr == nil {
		return fmt.Errorf("insert %s: nil icr", id)
	}

	n := &node{id: id, icr: new(uint256.Int).Set(icr)}
	prev, next := st.findPosition(icr, hintPrev, hintNext)
	st.splice(n, prev, next)
	st.nodes[id] = n
	return nil
}

// Remove unlinks id. Removing the only node resets head and tail.
func (st *SortedTroves) Remove(id string) error {
	n, ok := st.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	st.unlink(n)
	delete(st.nodes, id)
	return nil
}

// Reinsert moves id to the position matching newICR. The trove must already
// be in the index.
func (st *SortedTroves) Reinsert(id string, newICR *uint256.Int, hintPrev, hintNext string) error {
	n, ok := st.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	st.unlink(n)
	// Drop the detached node from the map so a hint naming the trove itself
	// cannot resolve it as its own neighbour.
	delete(st.nodes, id)
	n.icr.Set(newICR)
	prev, next := st.findPosition(n.icr, hintPrev, hintNext)
	st.splice(n, prev, next)
	st.nodes[id] = n
	return nil
}

// IterateFrom returns up to maxCount trove ids walking inward from the given
// endpoint. startAfter resumes a previous iteration: pass the last id seen,
// or "" to start at the endpoint. A startAfter that has left the index
// restarts from the endpoint (the caller's cursor went stale).
func (st *SortedTroves) IterateFrom(end Endpoint, startAfter string, maxCount int) []string {
	var cur *node
	if n, ok := st.nodes[startAfter]; ok {
		if end == FromHead {
			cur = n.next
		} else {
			cur = n.prev
		}
	} else {
		if end == FromHead {
			cur = st.head
		} else {
			cur = st.tail
		}
	}

	out := make([]string, 0, maxCount)
	for cur != nil && len(out) < maxCount {
		out = append(out, cur.id)
		if end == FromHead {
			cur = cur.next
		} else {
			cur = cur.prev
		}
	}
	return out
}

// Reset discards the entire index structure. Disaster recovery only: troves
// not subsequently reinserted stay unordered until their owner re-touches
// them. Never partially clears.
func (st *SortedTroves) Reset() {
	st.head = nil
	st.tail = nil
	st.nodes = make(map[string]*node)
}

// validPosition reports whether inserting icr between prev and next keeps the
// descending order with most-recent-last ties: prev.icr >= icr > next.icr.
func validPosition(prev, next *node, icr *uint256.Int) bool {
	if prev != nil && prev.icr.Cmp(icr) < 0 {
		return false
	}
	if next != nil && icr.Cmp(next.icr) <= 0 {
		return false
	}
	return true
}

// findPosition resolves the (prev, next) pair for icr, probing from the
// hints first.
func (st *SortedTroves) findPosition(icr *uint256.Int, hintPrev, hintNext string) (*node, *node) {
	if prev, next, ok := st.probeHint(icr, hintPrev, hintNext); ok {
		return prev, next
	}

	// Full walk. Descend from head when the ICR is closer to the top half,
	// otherwise ascend from tail; either walk is correct, this only picks
	// the shorter one for the common cases (very safe or very risky troves).
	if st.head == nil {
		return nil, nil
	}
	if icr.Cmp(st.head.icr) > 0 {
		return nil, st.head
	}
	if icr.Cmp(st.tail.icr) <= 0 {
		return st.tail, nil
	}
	return st.descendFrom(st.head, icr, len(st.nodes))
}

func (st *SortedTroves) probeHint(icr *uint256.Int, hintPrev, hintNext string) (*node, *node, bool) {
	start := st.nodes[hintPrev]
	if start == nil {
		start = st.nodes[hintNext]
	}
	if start == nil {
		return nil, nil, false
	}

	// Walk up until the hint is at or above the target ICR, then descend.
	steps := maxHintSteps
	for start.prev != nil && start.icr.Cmp(icr) < 0 && steps > 0 {
		start = start.prev
		steps--
	}
	if start.icr.Cmp(icr) < 0 {
		if start.prev == nil {
			return nil, start, true // new head
		}
		return nil, nil, false // hint too stale
	}
	prev, next := st.descendFrom(start, icr, steps)
	if validPosition(prev, next, icr) {
		return prev, next, true
	}
	return nil, nil, false
}

// descendFrom walks toward the tail from start until the position for icr is
// found or steps are exhausted (exhaustion only happens on hint probes;
// full walks pass the index size).
func (st *SortedTroves) descendFrom(start *node, icr *uint256.Int, steps int) (*node, *node) {
	prev := start
	for prev != nil && steps >= 0 {
		if validPosition(prev, prev.next, icr) {
			return prev, prev.next
		}
		prev = prev.next
		steps--
	}
	return st.tail, nil
}

func (st *SortedTroves) splice(n, prev, next *node) {
	n.prev = prev
	n.next = next
	if prev != nil {
		prev.next = n
	} else {
		st.head = n
	}
	if next != nil {
		next.prev = n
	} else {
		st.tail = n
	}
}

func (st *SortedTroves) unlink(n *node) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		st.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		st.tail = n.prev
	}
	n.prev = nil
	n.next = nil
}
