// Package cache keeps recently used decoded blocks in memory under a byte
// budget. Blocks handed out are pinned until released and are never evicted
// while pinned.
package cache

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/hhcho/sfgwas-tri/blockstore"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/sync/singleflight"
)

var ErrClosed = errors.New("block cache closed")

// Loader reads a block on a miss. *blockstore.Store satisfies it.
type Loader interface {
	Get(ctx context.Context, id blockstore.BlockID) (*blockstore.Block, error)
}

type entry struct {
	id    blockstore.BlockID
	block *blockstore.Block
	size  int64
	pins  int
	elem  *list.Element // position in lru; nil while pinned
}

type Cache struct {
	loader   Loader
	capacity int64

	mu       sync.Mutex
	entries  map[blockstore.BlockID]*entry
	lru      *list.List
	resident int64
	closed   bool

	group singleflight.Group

	hits      atomic.Int64
	misses    atomic.Int64
	loads     atomic.Int64
	evictions atomic.Int64
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Loads     int64
	Evictions int64
	Resident  int64
	Entries   int
	Pinned    int
}

func New(loader Loader, capacityBytes int64) *Cache {
	return &Cache{
		loader:   loader,
		capacity: capacityBytes,
		entries:  make(map[blockstore.BlockID]*entry),
		lru:      list.New(),
	}
}

// Source is the loader this cache reads through.
func (c *Cache) Source() Loader {
	return c.loader
}

func (c *Cache) Capacity() int64 {
	return c.capacity
}

// Handle is shared read access to a pinned block.
type Handle struct {
	c        *Cache
	e        *entry
	released atomic.Bool
}

func (h *Handle) Block() *blockstore.Block {
	return h.e.block
}

// Release unpins the block. Safe to call more than once.
func (h *Handle) Release() {
	if h.released.CompareAndSwap(false, true) {
		h.c.unpin(h.e)
	}
}

// Acquire returns a pinned handle to block id, loading it on a miss.
// Concurrent misses on the same block share a single load.
func (c *Cache) Acquire(ctx context.Context, id blockstore.BlockID) (*Handle, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if e, ok := c.entries[id]; ok {
		c.pinLocked(e)
		c.mu.Unlock()
		c.hits.Add(1)
		return &Handle{c: c, e: e}, nil
	}
	c.mu.Unlock()
	c.misses.Add(1)

	b, err := c.load(ctx, id)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	e, ok := c.entries[id]
	if !ok {
		e = c.insertLocked(b)
	}
	c.pinLocked(e)
	c.evictLocked()
	return &Handle{c: c, e: e}, nil
}

// load runs one shared read per block. The read is detached from the
// caller's cancellation since later callers wait on the same result.
func (c *Cache) load(ctx context.Context, id blockstore.BlockID) (*blockstore.Block, error) {
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(id.String(), func() (interface{}, error) {
		c.mu.Lock()
		if e, ok := c.entries[id]; ok {
			c.mu.Unlock()
			return e.block, nil
		}
		c.mu.Unlock()

		c.loads.Add(1)
		b, err := c.loader.Get(shared, id)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if _, ok := c.entries[id]; !ok && !c.closed {
			c.insertLocked(b)
		}
		c.mu.Unlock()
		return b, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*blockstore.Block), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Prefetch loads blocks into the cache without pinning them. Blocks that
// fail to load are skipped; the next Acquire reports the error.
func (c *Cache) Prefetch(ctx context.Context, ids ...blockstore.BlockID) {
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		c.mu.Lock()
		_, ok := c.entries[id]
		closed := c.closed
		c.mu.Unlock()
		if ok || closed {
			continue
		}

		if _, err := c.load(ctx, id); err != nil {
			log.Lvl3("Prefetch of block", id, "failed:", err)
			continue
		}
		c.mu.Lock()
		c.evictLocked()
		c.mu.Unlock()
	}
}

func (c *Cache) insertLocked(b *blockstore.Block) *entry {
	e := &entry{id: b.ID, block: b, size: b.SizeBytes()}
	e.elem = c.lru.PushFront(e)
	c.entries[b.ID] = e
	c.resident += e.size
	return e
}

func (c *Cache) pinLocked(e *entry) {
	if e.elem != nil {
		c.lru.Remove(e.elem)
		e.elem = nil
	}
	e.pins++
}

func (c *Cache) unpin(e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.pins--
	if e.pins > 0 {
		return
	}
	if cur, ok := c.entries[e.id]; !ok || cur != e {
		return
	}
	e.elem = c.lru.PushFront(e)
	c.evictLocked()
}

// evictLocked drops least recently used unpinned blocks until the cache is
// within capacity. When everything resident is pinned the cache stays over
// budget until handles are released.
func (c *Cache) evictLocked() {
	for c.resident > c.capacity {
		back := c.lru.Back()
		if back == nil {
			return
		}
		e := back.Value.(*entry)
		c.lru.Remove(back)
		e.elem = nil
		delete(c.entries, e.id)
		c.resident -= e.size
		c.evictions.Add(1)
	}
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	pinned := 0
	for _, e := range c.entries {
		if e.pins > 0 {
			pinned++
		}
	}
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Loads:     c.loads.Load(),
		Evictions: c.evictions.Load(),
		Resident:  c.resident,
		Entries:   len(c.entries),
		Pinned:    pinned,
	}
}

// Close drops every entry. Outstanding handles stay readable.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.entries = make(map[blockstore.BlockID]*entry)
	c.lru.Init()
	c.resident = 0
}
