package state_test

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"

	"aeroscraper/internal/state"
)

func icr(v uint64) *uint256.Int { return uint256.NewInt(v) }

func ids(st *state.SortedTroves, end state.Endpoint) []string {
	return st.IterateFrom(end, "", st.Size())
}

func wantOrder(t *testing.T, st *state.SortedTroves, want ...string) {
	t.Helper()
	got := ids(st, state.FromHead)
	if len(got) != len(want) {
		t.Fatalf("index holds %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("index holds %v, want %v", got, want)
		}
	}
}

// ============================================================
// Ordering
// ============================================================

func TestSortedTrovesOrdering(t *testing.T) {
	st := state.NewSortedTroves()

	// Insert out of order; index must end up ICR-descending.
	st.Insert("mid", icr(150), "", "")
	st.Insert("low", icr(120), "", "")
	st.Insert("high", icr(200), "", "")

	wantOrder(t, st, "high", "mid", "low")

	if st.Head() != "high" {
		t.Errorf("Head() = %q, want %q", st.Head(), "high")
	}
	if st.Tail() != "low" {
		t.Errorf("Tail() = %q, want %q", st.Tail(), "low")
	}
}

func TestSortedTrovesEqualICRFIFO(t *testing.T) {
	st := state.NewSortedTroves()

	// Tied ICRs order earliest-insert-first, so a reinserted trove never
	// jumps ahead of its peers.
	st.Insert("a", icr(150), "", "")
	st.Insert("b", icr(150), "", "")
	st.Insert("c", icr(150), "", "")

	wantOrder(t, st, "a", "b", "c")

	// Reinserting at the same ICR moves the trove behind its ties.
	st.Reinsert("a", icr(150), "", "")
	wantOrder(t, st, "b", "c", "a")
}

func TestSortedTrovesTieWithHeadInsertsBehind(t *testing.T) {
	st := state.NewSortedTroves()

	// A hint-less insert tied with the head lands behind it, never on top.
	st.Insert("first", icr(150), "", "")
	st.Insert("second", icr(150), "", "")

	wantOrder(t, st, "first", "second")
	if st.Head() != "first" {
		t.Errorf("Head() = %q, want %q", st.Head(), "first")
	}
}

func TestSortedTrovesDuplicateInsert(t *testing.T) {
	st := state.NewSortedTroves()
	st.Insert("a", icr(150), "", "")
	if err := st.Insert("a", icr(150), "", ""); !errors.Is(err, state.ErrNodeExists) {
		t.Errorf("got %v, want ErrNodeExists", err)
	}
}

// ============================================================
// Remove / Reinsert
// ============================================================

func TestSortedTrovesRemove(t *testing.T) {
	st := state.NewSortedTroves()
	st.Insert("a", icr(300), "", "")
	st.Insert("b", icr(200), "", "")
	st.Insert("c", icr(100), "", "")

	if err := st.Remove("b"); err != nil {
		t.Fatal(err)
	}
	wantOrder(t, st, "a", "c")

	if err := st.Remove("b"); !errors.Is(err, state.ErrNodeNotFound) {
		t.Errorf("got %v, want ErrNodeNotFound", err)
	}

	st.Remove("a")
	st.Remove("c")
	if st.Size() != 0 || st.Head() != "" || st.Tail() != "" {
		t.Errorf("emptied index retains state: size %d head %q tail %q",
			st.Size(), st.Head(), st.Tail())
	}
}

func TestSortedTrovesReinsert(t *testing.T) {
	st := state.NewSortedTroves()
	st.Insert("a", icr(300), "", "")
	st.Insert("b", icr(200), "", "")
	st.Insert("c", icr(100), "", "")

	// b's ICR collapses below c.
	if err := st.Reinsert("b", icr(50), "", ""); err != nil {
		t.Fatal(err)
	}
	wantOrder(t, st, "a", "c", "b")

	got, ok := st.ICR("b")
	if !ok || got.Uint64() != 50 {
		t.Errorf("ICR(b) = %v, want 50", got)
	}

	if err := st.Reinsert("nosuch", icr(1), "", ""); !errors.Is(err, state.ErrNodeNotFound) {
		t.Errorf("got %v, want ErrNodeNotFound", err)
	}
}

func TestSortedTrovesReinsertSelfHint(t *testing.T) {
	st := state.NewSortedTroves()
	st.Insert("a", icr(300), "", "")
	st.Insert("b", icr(200), "", "")
	st.Insert("c", icr(100), "", "")

	// Callers can name the moved trove itself as a hint; the detached node
	// must not resolve as its own neighbour.
	if err := st.Reinsert("b", icr(250), "b", "b"); err != nil {
		t.Fatal(err)
	}
	wantOrder(t, st, "a", "b", "c")

	// Both walks visit every node exactly once.
	got := st.IterateFrom(state.FromTail, "", 10)
	if len(got) != 3 || got[0] != "c" || got[1] != "b" || got[2] != "a" {
		t.Errorf("tail walk = %v, want [c b a]", got)
	}
}

// ============================================================
// Hints
// ============================================================

func TestSortedTrovesHintedInsert(t *testing.T) {
	st := state.NewSortedTroves()
	st.Insert("a", icr(400), "", "")
	st.Insert("b", icr(300), "", "")
	st.Insert("c", icr(200), "", "")
	st.Insert("d", icr(100), "", "")

	// Exact hint.
	st.Insert("x", icr(250), "b", "c")
	wantOrder(t, st, "a", "b", "x", "c", "d")

	// Off-by-a-few hint still lands correctly.
	st.Insert("y", icr(350), "d", "")
	wantOrder(t, st, "a", "y", "b", "x", "c", "d")

	// A hint naming a removed trove falls back to a full walk.
	st.Remove("x")
	st.Insert("z", icr(150), "x", "x")
	wantOrder(t, st, "a", "y", "b", "c", "z", "d")
}

// ============================================================
// Iteration
// ============================================================

func TestSortedTrovesIterateFrom(t *testing.T) {
	st := state.NewSortedTroves()
	st.Insert("a", icr(300), "", "")
	st.Insert("b", icr(200), "", "")
	st.Insert("c", icr(100), "", "")

	// Tail-first, riskiest troves lead.
	got := st.IterateFrom(state.FromTail, "", 2)
	if len(got) != 2 || got[0] != "c" || got[1] != "b" {
		t.Errorf("IterateFrom(tail) = %v, want [c b]", got)
	}

	// Resume with a cursor.
	got = st.IterateFrom(state.FromTail, "b", 5)
	if len(got) != 1 || got[0] != "a" {
		t.Errorf("resumed iteration = %v, want [a]", got)
	}

	// A cursor whose trove left the index restarts from the endpoint.
	st.Remove("b")
	got = st.IterateFrom(state.FromTail, "b", 1)
	if len(got) != 1 || got[0] != "c" {
		t.Errorf("stale-cursor iteration = %v, want [c]", got)
	}

	// Walking past the far end stops cleanly.
	got = st.IterateFrom(state.FromHead, "c", 3)
	if len(got) != 0 {
		t.Errorf("iteration past the end = %v, want empty", got)
	}
}

func TestSortedTrovesReset(t *testing.T) {
	st := state.NewSortedTroves()
	st.Insert("a", icr(300), "", "")
	st.Insert("b", icr(200), "", "")

	st.Reset()
	if st.Size() != 0 || st.Contains("a") {
		t.Error("Reset left entries behind")
	}

	// The index stays usable after a reset.
	if err := st.Insert("a", icr(100), "", ""); err != nil {
		t.Fatalf("insert after reset: %v", err)
	}
}

// ============================================================
// Insert does not alias caller memory
// ============================================================

func TestSortedTrovesCopiesICR(t *testing.T) {
	st := state.NewSortedTroves()
	v := icr(100)
	st.Insert("a", v, "", "")
	v.SetUint64(999)

	got, _ := st.ICR("a")
	if got.Uint64() != 100 {
		t.Errorf("index aliased caller's ICR: got %d, want 100", got.Uint64())
	}
}
