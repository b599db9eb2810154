// Package fs implements the Buffer Cache and the Inode/Directory overlay
// (spec.md §4.4, §4.5) as one package, the way the teacher's own fs
// package hosts both the cache-adjacent block type
// (Oichkatzelesfrettschen-biscuit/biscuit/src/fs/blk.go) and the
// superblock (.../fs/super.go) together: splitting them would fight an
// import cycle the teacher doesn't have either, since inode code calls
// straight into the cache.
//
// The cache admission/eviction algorithm is grounded on
// original_source/src/filesys/cache.c's get_cache_block/evict_cache/
// release_block.
package fs

import (
	"container/list"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"vmkern/disk"
	"vmkern/mem"
)

// SectorSize is the fixed on-disk sector size.
const SectorSize = mem.SECTOR_SIZE

// MaxBufferCache is the cache's sector capacity (spec.md §4.4).
const MaxBufferCache = 64

// evictPollInterval is how long get_block sleeps while waiting for a
// sector's in-flight eviction to drain, standing in for the original's
// timer_sleep(12) (about 12 scheduler ticks). spec.md §9 notes a condition
// variable would replace this polling loop in a re-architected version;
// this module keeps the original's polling shape.
const evictPollInterval = time.Millisecond

// Block is one file-system sector held in RAM: the cache's "Cache block"
// from spec.md §3, grounded on Bdev_block_t's Data/Ref/dirty fields.
type Block struct {
	sector   int64
	Data     [SectorSize]byte
	inUse    int
	accessed bool
	dirty    bool
	elem     *list.Element
}

// Sector returns the block's sector id.
func (b *Block) Sector() int64 { return b.sector }

// Cache is the process-wide buffer cache singleton (spec.md §9's "single
// owned struct guarded by its own mutex"): a sector->Block map, a FIFO
// list backing clock eviction, and a separate evicting list of blocks
// unhooked from the map whose async write-back has not completed.
type Cache struct {
	mu       sync.Mutex // cache_lock
	evictMu  sync.Mutex // evict_lock, nested inside mu during handoff
	dev      disk.Device
	blocks   map[int64]*Block
	fifo     *list.List
	evicting map[int64]*Block
	log      *zap.Logger
	wg       sync.WaitGroup
}

// NewCache wraps dev with a buffer cache.
func NewCache(dev disk.Device, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{
		dev:      dev,
		blocks:   make(map[int64]*Block),
		fifo:     list.New(),
		evicting: make(map[int64]*Block),
		log:      log,
	}
}

func (c *Cache) isEvicting(sector int64) bool {
	c.evictMu.Lock()
	defer c.evictMu.Unlock()
	_, ok := c.evicting[sector]
	return ok
}

// GetBlock implements get_cache_block: waits out any in-flight eviction of
// sector, returns the resident block (creating and admitting it if
// necessary), bumping in-use and marking it accessed. If readFromDisk is
// true and the block was just created, its content is loaded from the
// device before return.
func (c *Cache) GetBlock(sector int64, readFromDisk bool) *Block {
	c.mu.Lock()
	for c.isEvicting(sector) {
		c.mu.Unlock()
		time.Sleep(evictPollInterval)
		c.mu.Lock()
	}

	if b, ok := c.blocks[sector]; ok {
		b.accessed = true
		b.inUse++
		c.mu.Unlock()
		return b
	}

	if len(c.blocks) >= MaxBufferCache {
		c.evictLocked()
	}

	b := &Block{sector: sector, accessed: true, inUse: 1}
	b.elem = c.fifo.PushBack(b)
	c.blocks[sector] = b
	c.mu.Unlock()

	if readFromDisk {
		if err := c.dev.ReadSector(sector, b.Data[:]); err != nil {
			c.log.Fatal("cache fill read failed", zap.Error(errors.Wrap(err, "fs")))
		}
	}
	return b
}

// evictLocked runs the clock algorithm: pop the FIFO front; if accessed,
// clear the bit and push back; if in use, push back without evicting;
// otherwise unhook it from the cache map onto the evicting list and spawn
// its asynchronous writer. Caller holds c.mu.
func (c *Cache) evictLocked() {
	for {
		front := c.fifo.Front()
		if front == nil {
			panic("fs: eviction requested with an empty cache")
		}
		b := front.Value.(*Block)
		if b.accessed {
			b.accessed = false
			c.fifo.MoveToBack(front)
			continue
		}
		if b.inUse != 0 {
			c.fifo.MoveToBack(front)
			continue
		}

		c.fifo.Remove(front)
		delete(c.blocks, b.sector)

		c.evictMu.Lock()
		c.evicting[b.sector] = b
		c.evictMu.Unlock()

		c.wg.Add(1)
		go c.writeBack(b)
		return
	}
}

// writeBack is the asynchronous writer spawned per evicted block
// (release_block in the original): writes the block to the device iff
// dirty, then removes it from the evicting list. The original assumes the
// block device never fails this write; a failure here is fatal.
func (c *Cache) writeBack(b *Block) {
	defer c.wg.Done()
	if b.dirty {
		if err := c.dev.WriteSector(b.sector, b.Data[:]); err != nil {
			c.log.Fatal("async cache write-back failed", zap.Error(errors.Wrap(err, "fs")))
		}
	}
	c.evictMu.Lock()
	delete(c.evicting, b.sector)
	c.evictMu.Unlock()
}

// Release decrements a block's in-use count after its holder is done with
// it, the counterpart to every GetBlock.
func (c *Cache) Release(b *Block) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b.inUse--
	if b.inUse < 0 {
		panic("fs: cache block in-use count underflow")
	}
}

// Read copies len bytes at offset ofs within sector into buf.
func (c *Cache) Read(sector int64, buf []byte, ofs, length int) {
	b := c.GetBlock(sector, true)
	copy(buf, b.Data[ofs:ofs+length])
	c.Release(b)
}

// Write copies len bytes from buf into offset ofs within sector, marking
// the block dirty. When the caller is not requesting read-before-write and
// is not overwriting the whole sector, the destination buffer is zeroed
// first (write_cache's memset branch).
func (c *Cache) Write(sector int64, buf []byte, ofs, length int, readBeforeWrite bool) {
	b := c.GetBlock(sector, readBeforeWrite)
	if !readBeforeWrite && length != SectorSize {
		b.Data = [SectorSize]byte{}
	}
	copy(b.Data[ofs:ofs+length], buf[:length])
	b.dirty = true
	c.Release(b)
}

// ReleaseAll tears the cache down synchronously: every block in the FIFO
// list is flushed if dirty and freed, with no asynchronous work scheduled
// (release_cache in the original). Callers must ensure no other cache use
// is in flight.
func (c *Cache) ReleaseAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for e := c.fifo.Front(); e != nil; e = c.fifo.Front() {
		b := e.Value.(*Block)
		c.fifo.Remove(e)
		delete(c.blocks, b.sector)
		if b.dirty {
			if err := c.dev.WriteSector(b.sector, b.Data[:]); err != nil {
				c.log.Fatal("cache teardown write failed", zap.Error(errors.Wrap(err, "fs")))
			}
		}
	}
}

// Drain blocks until every in-flight asynchronous write-back has
// completed; used by tests exercising scenario 6 (concurrent evict vs
// access) and by FileSystem.Shutdown before persisting the free map.
func (c *Cache) Drain() {
	c.wg.Wait()
}
