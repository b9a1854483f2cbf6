package tilemgr

import (
	"testing"

	"github.com/slide-tiles/server/internal/tile"
)

func qkey(level, col, row int) tile.Key {
	return tile.Key{Level: level, Col: col, Row: row}
}

func popKeys(h *jobHeap) []tile.Key {
	var out []tile.Key
	for j := h.pop(); j != nil; j = h.pop() {
		out = append(out, j.key)
	}
	return out
}

func TestQueueOrdering(t *testing.T) {
	h := newJobHeap()
	h.push(&job{key: qkey(0, 0, 0), class: classView, seq: 1, order: 1})
	h.push(&job{key: qkey(0, 1, 0), class: classHalo, seq: 1, order: 2})
	h.push(&job{key: qkey(0, 2, 0), class: classView, seq: 2, order: 3})
	h.push(&job{key: qkey(0, 3, 0), class: classPrefetch, seq: 2, order: 4})
	h.push(&job{key: qkey(0, 4, 0), class: classView, seq: 1, order: 5})

	// Newest generation first; within one generation view < halo < prefetch;
	// within one (seq, class) FIFO by enqueue order.
	want := []tile.Key{
		qkey(0, 2, 0), // seq 2 view
		qkey(0, 3, 0), // seq 2 prefetch
		qkey(0, 0, 0), // seq 1 view, enqueued first
		qkey(0, 4, 0), // seq 1 view, enqueued later
		qkey(0, 1, 0), // seq 1 halo
	}
	got := popKeys(h)
	if len(got) != len(want) {
		t.Fatalf("popped %d jobs, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("pop %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestQueueBoost(t *testing.T) {
	t.Run("raises priority", func(t *testing.T) {
		h := newJobHeap()
		a := qkey(0, 0, 0)
		b := qkey(0, 1, 0)
		h.push(&job{key: a, class: classHalo, seq: 1, order: 1})
		h.push(&job{key: b, class: classView, seq: 2, order: 2})

		if !h.boost(a, 2, classView) {
			t.Fatal("boost of queued job returned false")
		}
		// a now matches b's (seq, class) and wins the FIFO tiebreak.
		if got := h.pop().key; got != a {
			t.Errorf("first pop = %v, want boosted %v", got, a)
		}
		if got := h.pop().key; got != b {
			t.Errorf("second pop = %v, want %v", got, b)
		}
	})

	t.Run("never lowers priority", func(t *testing.T) {
		h := newJobHeap()
		a := qkey(0, 0, 0)
		b := qkey(0, 1, 0)
		h.push(&job{key: a, class: classView, seq: 2, order: 1})
		h.push(&job{key: b, class: classView, seq: 2, order: 2})

		// A repeat request from an older generation must not demote a.
		if !h.boost(a, 1, classHalo) {
			t.Fatal("boost of queued job returned false")
		}
		if got := h.pop().key; got != a {
			t.Errorf("first pop = %v, want %v", got, a)
		}
	})

	t.Run("unknown key", func(t *testing.T) {
		h := newJobHeap()
		if h.boost(qkey(0, 9, 9), 5, classView) {
			t.Error("boost of missing key returned true")
		}
	})
}

func TestQueueDropIf(t *testing.T) {
	h := newJobHeap()
	h.push(&job{key: qkey(1, 0, 0), class: classView, seq: 1, order: 1})
	h.push(&job{key: qkey(1, 1, 0), class: classHalo, seq: 1, order: 2})
	h.push(&job{key: qkey(2, 0, 0), class: classView, seq: 2, order: 3})
	h.push(&job{key: qkey(1, 2, 0), class: classView, seq: 2, order: 4})

	dropped := h.dropIf(func(j *job) bool { return j.seq < 2 })
	if dropped != 2 {
		t.Fatalf("dropped %d jobs, want 2", dropped)
	}
	if h.contains(qkey(1, 0, 0)) || h.contains(qkey(1, 1, 0)) {
		t.Error("dropped job still tracked by key")
	}
	if !h.contains(qkey(2, 0, 0)) || !h.contains(qkey(1, 2, 0)) {
		t.Error("surviving job lost")
	}

	got := popKeys(h)
	want := []tile.Key{qkey(2, 0, 0), qkey(1, 2, 0)}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("pops after drop = %v, want %v", got, want)
	}
}

func TestQueueClear(t *testing.T) {
	h := newJobHeap()
	for i := 0; i < 3; i++ {
		h.push(&job{key: qkey(0, i, 0), class: classView, seq: 1, order: uint64(i)})
	}
	if n := h.clear(); n != 3 {
		t.Fatalf("clear dropped %d, want 3", n)
	}
	if h.Len() != 0 {
		t.Fatalf("Len after clear = %d", h.Len())
	}
	if j := h.pop(); j != nil {
		t.Fatalf("pop after clear = %+v, want nil", j)
	}
	if h.contains(qkey(0, 1, 0)) {
		t.Error("cleared key still tracked")
	}
}
