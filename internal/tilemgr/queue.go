package tilemgr

import (
	"container/heap"

	"github.com/slide-tiles/server/internal/tile"
)

// class ranks jobs of the same viewport generation: visible tiles decode
// before their halo, halo before explicit prefetch.
type class int

const (
	classView class = iota
	classHalo
	classPrefetch
)

func (c class) String() string {
	switch c {
	case classView:
		return "view"
	case classHalo:
		return "halo"
	case classPrefetch:
		return "prefetch"
	}
	return "unknown"
}

// job is one queued decode. seq is the viewport generation that asked for
// it, order the enqueue tiebreak within equal (seq, class).
type job struct {
	key   tile.Key
	class class
	seq   uint64
	order uint64
	index int // position in the heap, maintained by Swap
}

// before is the queue ordering: newest viewport first, then visible before
// halo before prefetch, then FIFO.
func (a *job) before(b *job) bool {
	if a.seq != b.seq {
		return a.seq > b.seq
	}
	if a.class != b.class {
		return a.class < b.class
	}
	return a.order < b.order
}

// jobHeap is a priority queue over jobs with O(1) key lookup so duplicate
// requests can be coalesced and re-ranked in place. Not safe for concurrent
// use; the Manager serializes access.
type jobHeap struct {
	items []*job
	byKey map[tile.Key]*job
}

func newJobHeap() *jobHeap {
	return &jobHeap{byKey: make(map[tile.Key]*job)}
}

func (h *jobHeap) Len() int           { return len(h.items) }
func (h *jobHeap) Less(i, j int) bool { return h.items[i].before(h.items[j]) }
func (h *jobHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *jobHeap) Push(x any) {
	j := x.(*job)
	j.index = len(h.items)
	h.items = append(h.items, j)
}

func (h *jobHeap) Pop() any {
	old := h.items
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	h.items = old[:n-1]
	return j
}

// push enqueues a job not already present.
func (h *jobHeap) push(j *job) {
	heap.Push(h, j)
	h.byKey[j.key] = j
}

// pop removes and returns the highest-priority job, or nil when empty.
func (h *jobHeap) pop() *job {
	if len(h.items) == 0 {
		return nil
	}
	j := heap.Pop(h).(*job)
	delete(h.byKey, j.key)
	return j
}

// contains reports whether a job for key is queued.
func (h *jobHeap) contains(key tile.Key) bool {
	_, ok := h.byKey[key]
	return ok
}

// boost re-ranks an already-queued job for key to (seq, cls) if that ranks
// higher; a repeat request never lowers priority. Returns false when no job
// for key is queued.
func (h *jobHeap) boost(key tile.Key, seq uint64, cls class) bool {
	j, ok := h.byKey[key]
	if !ok {
		return false
	}
	if seq > j.seq || (seq == j.seq && cls < j.class) {
		j.seq = seq
		j.class = cls
		heap.Fix(h, j.index)
	}
	return true
}

// dropIf removes every queued job matching pred and returns how many went.
// Started jobs are not queued anymore, so they are never affected.
func (h *jobHeap) dropIf(pred func(*job) bool) int {
	var victims []*job
	for _, j := range h.items {
		if pred(j) {
			victims = append(victims, j)
		}
	}
	for _, j := range victims {
		heap.Remove(h, j.index)
		delete(h.byKey, j.key)
	}
	return len(victims)
}

// clear empties the queue and returns how many jobs were dropped.
func (h *jobHeap) clear() int {
	n := len(h.items)
	for _, j := range h.items {
		j.index = -1
	}
	h.items = h.items[:0]
	h.byKey = make(map[tile.Key]*job)
	return n
}
