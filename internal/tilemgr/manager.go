// Package tilemgr schedules tile decodes for a slide viewer. A Manager owns
// a per-level LRU of decoded tiles and a fixed pool of decode workers fed by
// a priority queue, so a viewport request returns immediately with whatever
// is cached while misses decode in the background. Callers collect finished
// decodes with PollCompleted; nothing calls back into the caller.
package tilemgr

import (
	"errors"
	"fmt"
	"image"
	"log"
	"sync"
	"time"

	"github.com/slide-tiles/server/internal/cache"
	"github.com/slide-tiles/server/internal/data/slide"
	"github.com/slide-tiles/server/internal/tile"
)

var (
	// ErrSlideClosed is returned by every operation after Close.
	ErrSlideClosed = errors.New("slide is closed")
	// ErrConfig reports an invalid Manager configuration.
	ErrConfig = errors.New("invalid tile manager configuration")
)

// DecodeError reports one failed tile decode, delivered through
// PollCompleted. The source's error is available via Unwrap.
type DecodeError struct {
	Key tile.Key
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("decode tile %s: %v", e.Key, e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }

const (
	// DefaultWorkers is the decode pool size when Config.Workers is zero.
	DefaultWorkers = 4
	// DefaultHaloMargin is the prefetch ring around the viewport, in tiles.
	DefaultHaloMargin = 4
)

// DefaultLevelCapacities is the stock per-level capacity table for an
// n-level pyramid: tight at the detailed levels where tiles are plentiful
// and cheap to re-decode, generous at the coarse levels the viewer falls
// back on.
func DefaultLevelCapacities(n int) []int {
	caps := make([]int, n)
	for i := range caps {
		switch i {
		case 0:
			caps[i] = 500
		case 1:
			caps[i] = 800
		case 2:
			caps[i] = 1200
		default:
			caps[i] = 2000
		}
	}
	return caps
}

// Config controls one Manager.
type Config struct {
	// Capacities is the per-level tile capacity table, in level order. Its
	// length must equal the slide's level count. Nil selects
	// DefaultLevelCapacities for the slide.
	Capacities []int
	// Workers is the number of decode goroutines. Defaults to DefaultWorkers.
	Workers int
	// HaloMargin is how many tiles beyond the viewport to prefetch on each
	// side. Defaults to DefaultHaloMargin; negative disables the halo.
	HaloMargin int
	// DrainOnClose makes Close finish queued decodes instead of dropping
	// them. In-flight decodes always run to completion either way.
	DrainOnClose bool
}

// Hit is one tile satisfied from cache.
type Hit struct {
	Key   tile.Key
	Image *image.RGBA
}

// ViewResult answers one viewport request. Hits are ready to draw; Pending
// tiles are queued or decoding and will surface through PollCompleted.
type ViewResult struct {
	Seq     uint64
	Level   int
	Hits    []Hit
	Pending []tile.Key
}

// Completion is one finished decode. Either Image or Err is set. Failed
// tiles are reported exactly once and never retried by the Manager.
type Completion struct {
	Key     tile.Key
	Image   *image.RGBA
	Err     error
	Elapsed time.Duration
}

// Stats is a point-in-time snapshot of the Manager.
type Stats struct {
	Workers      int                `json:"workers"`
	Queued       int                `json:"queued"`
	InFlight     int                `json:"in_flight"`
	Unpolled     int                `json:"unpolled"`
	HighSeq      uint64             `json:"high_seq"`
	Requested    int64              `json:"requested"`
	Decoded      int64              `json:"decoded"`
	Failed       int64              `json:"failed"`
	Coalesced    int64              `json:"coalesced"`
	DroppedStale int64              `json:"dropped_stale"`
	Cache        []cache.LevelStats `json:"cache"`
}

// Manager coordinates decode workers, the per-level cache and the priority
// queue for one open slide.
type Manager struct {
	source slide.Source
	info   slide.Info
	pyr    tile.Pyramid
	cache  *cache.LevelCache

	workers      int
	halo         int
	drainOnClose bool

	mu        sync.Mutex
	cond      *sync.Cond // wakes workers on enqueue and on close
	queue     *jobHeap
	inflight  map[tile.Key]struct{}
	completed []Completion
	highSeq   uint64
	order     uint64
	closed    bool

	requested    int64
	decoded      int64
	failed       int64
	coalesced    int64
	droppedStale int64

	updates chan struct{}
	wg      sync.WaitGroup
}

// Open validates the configuration against the slide's pyramid and starts
// the decode workers. The Manager takes ownership of the source and closes
// it in Close; on a configuration error the source is left open for the
// caller.
func Open(source slide.Source, cfg Config) (*Manager, error) {
	info := source.Info()
	if cfg.Capacities == nil {
		cfg.Capacities = DefaultLevelCapacities(info.LevelCount())
	}
	if got, want := len(cfg.Capacities), info.LevelCount(); got != want {
		return nil, fmt.Errorf("%w: %d level capacities for a %d-level pyramid", ErrConfig, got, want)
	}
	lc, err := cache.NewLevelCache(cfg.Capacities)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	halo := cfg.HaloMargin
	if halo == 0 {
		halo = DefaultHaloMargin
	} else if halo < 0 {
		halo = 0
	}

	m := &Manager{
		source:       source,
		info:         info,
		pyr:          info.Pyramid(),
		cache:        lc,
		workers:      workers,
		halo:         halo,
		drainOnClose: cfg.DrainOnClose,
		queue:        newJobHeap(),
		inflight:     make(map[tile.Key]struct{}),
		updates:      make(chan struct{}, 1),
	}
	m.cond = sync.NewCond(&m.mu)

	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	log.Printf("[TileManager] %s: %d levels, %d workers, halo %d", info.Name, info.LevelCount(), workers, halo)
	return m, nil
}

// Info returns the slide metadata the Manager was opened with.
func (m *Manager) Info() slide.Info { return m.info }

// Pyramid returns the slide's level geometry.
func (m *Manager) Pyramid() tile.Pyramid { return m.pyr }

// Cache exposes the per-level tile cache for read-side rendering.
func (m *Manager) Cache() *cache.LevelCache { return m.cache }

// RequestView resolves the tiles of the given level covering viewport (a
// slide-coordinate rectangle) against the cache and schedules every miss
// for decode. It never blocks on decoding: cached tiles come back as Hits,
// the rest as Pending. seq is the caller's viewport generation; a newer seq
// outranks all older queued work and triggers stale-job cancellation.
func (m *Manager) RequestView(level int, viewport tile.Rect, seq uint64) (ViewResult, error) {
	keys, err := m.pyr.TilesForRegion(level, viewport)
	if err != nil {
		return ViewResult{}, err
	}

	res := ViewResult{Seq: seq, Level: level}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ViewResult{}, ErrSlideClosed
	}
	if seq > m.highSeq {
		m.highSeq = seq
		m.dropStaleLocked(seq, level)
	}
	m.requested += int64(len(keys))

	// Resolve the visible tiles first so their queue order precedes the halo.
	var misses []tile.Key
	for _, key := range keys {
		if img, ok := m.cache.Get(key); ok {
			res.Hits = append(res.Hits, Hit{Key: key, Image: img})
			continue
		}
		misses = append(misses, key)
	}
	for _, key := range misses {
		m.scheduleLocked(key, classView, seq)
		res.Pending = append(res.Pending, key)
	}

	if m.halo > 0 {
		m.scheduleHaloLocked(level, viewport, keys, seq)
	}
	m.mu.Unlock()

	return res, nil
}

// scheduleHaloLocked queues the ring of tiles around the viewport at halo
// priority. The presence probe deliberately avoids promoting cached halo
// tiles: only actually-visible tiles count as recently used.
func (m *Manager) scheduleHaloLocked(level int, viewport tile.Rect, visible []tile.Key, seq uint64) {
	haloRect, err := m.pyr.HaloRect(level, viewport, m.halo)
	if err != nil {
		return
	}
	haloKeys, err := m.pyr.TilesForRegion(level, haloRect)
	if err != nil {
		return
	}
	inView := make(map[tile.Key]struct{}, len(visible))
	for _, key := range visible {
		inView[key] = struct{}{}
	}
	for _, key := range haloKeys {
		if _, ok := inView[key]; ok {
			continue
		}
		if m.cache.Contains(key) {
			continue
		}
		m.scheduleLocked(key, classHalo, seq)
	}
}

// Prefetch schedules every tile of a region at prefetch priority without
// touching the cache's recency order. It returns how many decodes were
// newly scheduled or re-ranked.
func (m *Manager) Prefetch(level int, region tile.Rect, seq uint64) (int, error) {
	keys, err := m.pyr.TilesForRegion(level, region)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrSlideClosed
	}
	if seq > m.highSeq {
		m.highSeq = seq
	}
	scheduled := 0
	for _, key := range keys {
		if m.cache.Contains(key) {
			continue
		}
		m.scheduleLocked(key, classPrefetch, seq)
		scheduled++
	}
	return scheduled, nil
}

// scheduleLocked enqueues one decode, coalescing with queued or in-flight
// work for the same tile. Callers hold m.mu.
func (m *Manager) scheduleLocked(key tile.Key, cls class, seq uint64) {
	if _, ok := m.inflight[key]; ok {
		m.coalesced++
		return
	}
	if m.queue.boost(key, seq, cls) {
		m.coalesced++
		return
	}
	m.order++
	m.queue.push(&job{key: key, class: cls, seq: seq, order: m.order})
	m.cond.Signal()
}

// dropStaleLocked cancels queued work made irrelevant by a newer viewport:
// jobs from an older generation targeting a different level. Jobs already
// being decoded are left alone. Callers hold m.mu.
func (m *Manager) dropStaleLocked(seq uint64, level int) {
	dropped := m.queue.dropIf(func(j *job) bool {
		return j.seq < seq && j.key.Level != level
	})
	m.droppedStale += int64(dropped)
}

// PollCompleted drains every decode finished since the previous call,
// without blocking. Successful tiles are inserted into the level cache
// before they are returned; failures carry their error and are not retried.
func (m *Manager) PollCompleted() ([]Completion, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrSlideClosed
	}
	done := m.completed
	m.completed = nil
	m.mu.Unlock()

	for _, c := range done {
		if c.Err == nil {
			// Key was validated at schedule time, so Add cannot reject it.
			m.cache.Add(c.Key, c.Image)
		}
	}
	return done, nil
}

// Updates returns a channel that receives a coalesced signal whenever new
// completions are ready to poll. It never blocks the workers: a pending
// signal stands for any number of completions. The channel is closed when
// the Manager closes.
func (m *Manager) Updates() <-chan struct{} { return m.updates }

// CacheMap cell values.
const (
	TileAbsent  uint8 = 0
	TilePending uint8 = 1
	TileCached  uint8 = 2
)

// CacheMap reports per-tile residency for one level, row-major: TileCached
// for tiles held in the level cache, TilePending for tiles queued or being
// decoded, TileAbsent otherwise. The probe never touches recency order.
func (m *Manager) CacheMap(level int) ([][]uint8, error) {
	g, err := m.pyr.Grid(level)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrSlideClosed
	}
	rows := make([][]uint8, g.Rows())
	for row := range rows {
		cells := make([]uint8, g.Cols())
		for col := range cells {
			key := tile.Key{Level: level, Col: col, Row: row}
			switch {
			case m.cache.Contains(key):
				cells[col] = TileCached
			case m.queue.contains(key):
				cells[col] = TilePending
			default:
				if _, ok := m.inflight[key]; ok {
					cells[col] = TilePending
				}
			}
		}
		rows[row] = cells
	}
	return rows, nil
}

// Stats snapshots queue, worker and cache counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	s := Stats{
		Workers:      m.workers,
		Queued:       m.queue.Len(),
		InFlight:     len(m.inflight),
		Unpolled:     len(m.completed),
		HighSeq:      m.highSeq,
		Requested:    m.requested,
		Decoded:      m.decoded,
		Failed:       m.failed,
		Coalesced:    m.coalesced,
		DroppedStale: m.droppedStale,
	}
	m.mu.Unlock()
	s.Cache = m.cache.Stats()
	return s
}

// Close stops the workers, waits for them to exit, purges the cache and
// closes the slide source. With DrainOnClose the queue is decoded dry
// first; otherwise queued jobs are dropped and only decodes already in
// flight run to completion, their results discarded. After Close every
// operation returns ErrSlideClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrSlideClosed
	}
	m.closed = true
	if !m.drainOnClose {
		m.queue.clear()
	}
	m.cond.Broadcast()
	m.mu.Unlock()

	m.wg.Wait()
	close(m.updates)

	m.mu.Lock()
	m.completed = nil
	decoded, failed := m.decoded, m.failed
	m.mu.Unlock()
	m.cache.Purge()
	log.Printf("[TileManager] %s closed: decoded=%d failed=%d", m.info.Name, decoded, failed)
	return m.source.Close()
}

// worker is one decode goroutine: pop, decode, publish, repeat.
func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		m.mu.Lock()
		for m.queue.Len() == 0 && !m.closed {
			m.cond.Wait()
		}
		if m.queue.Len() == 0 {
			// Closed and nothing left (or queue was cleared).
			m.mu.Unlock()
			return
		}
		j := m.queue.pop()
		m.inflight[j.key] = struct{}{}
		m.mu.Unlock()

		start := time.Now()
		img, err := m.source.DecodeTile(j.key.Level, j.key.Col, j.key.Row)
		elapsed := time.Since(start)

		c := Completion{Key: j.key, Image: img, Elapsed: elapsed}
		if err != nil {
			c.Image = nil
			c.Err = &DecodeError{Key: j.key, Err: err}
			log.Printf("[TileManager] decode %s (%s seq=%d) failed: %v", j.key, j.class, j.seq, err)
		}

		m.mu.Lock()
		delete(m.inflight, j.key)
		if c.Err != nil {
			m.failed++
		} else {
			m.decoded++
		}
		closed := m.closed
		if !closed || m.drainOnClose {
			m.completed = append(m.completed, c)
		}
		m.mu.Unlock()

		if !closed {
			select {
			case m.updates <- struct{}{}:
			default:
			}
		}
	}
}
