// Package frame implements the Frame Table (spec.md §4.2): the ownership
// registry over physical user frames and its eviction policy. It is
// grounded on original_source/src/vm/frame.c's frame_allocate/evict_frame,
// whose FIFO queue pops the front element, immediately re-appends it
// (documented in the teacher's style as "simplest implementation, upgrade
// to clock later" in spec.md §9), then decides swap-out vs plain unmap
// from the popped victim's dirty bit alone. The frame table never imports
// the page package; callers implement Owner, the same arena-of-indices
// pattern the teacher uses (Oichkatzelesfrettschen-biscuit/biscuit/src/mem/mem.go's
// Physpg_t free list) to avoid a frame<->page import cycle.
package frame

import (
	"container/list"
	"sync"

	"go.uber.org/zap"

	"vmkern/mem"
)

// Owner is implemented by the supplementary page table's descriptor type.
// The frame table calls back into it only while holding its own mutex, so
// Owner implementations must not themselves try to acquire the frame lock.
type Owner interface {
	// Upage returns the virtual address this frame currently backs.
	Upage() mem.Uaddr
	// Dir returns the hardware page directory the mapping lives in.
	Dir() *mem.PageDir
	// AlwaysSwap reports whether this page must be preserved on eviction
	// regardless of the dirty bit (stack/zero pages with no file backing,
	// spec.md §4.2 case 4).
	AlwaysSwap() bool
	// Evict is called when this owner's frame has been chosen as an
	// eviction victim and must be swapped out. pa is the frame about to
	// be reused; Evict must swap its content out and clear the hardware
	// mapping before returning.
	Evict(pa mem.Pa_t)
}

type entry struct {
	pa    mem.Pa_t
	owner Owner
	elem  *list.Element
}

// Table is the process-wide frame table singleton: a FIFO queue over all
// resident frames guarded by a single mutex (spec.md §4.2's "frame table
// is protected by a single mutex; all its operations execute under that
// mutex").
type Table struct {
	mu   sync.Mutex
	pm   *mem.Physmem
	fifo *list.List          // of *entry, oldest at front
	byPa map[mem.Pa_t]*entry
	log  *zap.Logger
}

// New creates a frame table backed by pm.
func New(pm *mem.Physmem, log *zap.Logger) *Table {
	if log == nil {
		log = zap.NewNop()
	}
	return &Table{
		pm:   pm,
		fifo: list.New(),
		byPa: make(map[mem.Pa_t]*entry),
		log:  log,
	}
}

// Lock acquires the frame table's single mutex directly, for callers that
// must hold it across a frame operation and a victim descriptor's own lock
// in a fixed order (spec.md §5: "frame allocation and any swap I/O occur
// under frame_lock" is the ordering anchor every other lock nests under).
func (t *Table) Lock() { t.mu.Lock() }

// Unlock releases the frame table's mutex.
func (t *Table) Unlock() { t.mu.Unlock() }

// Allocate returns an owning handle to a free physical frame, evicting a
// victim if the user pool is empty. It never fails for a valid request
// (spec.md §4.2): eviction always makes progress because every resident
// frame has an owner capable of vacating it.
func (t *Table) Allocate(owner Owner) mem.Pa_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.AllocateLocked(owner)
}

// AllocateLocked is Allocate for a caller that already holds the frame
// lock (Lock/Unlock), needed when the allocation must be serialized with a
// victim descriptor's own lock under one consistent ordering.
func (t *Table) AllocateLocked(owner Owner) mem.Pa_t {
	pa, err := t.pm.Alloc()
	if err != nil {
		pa = t.evictLocked()
	}

	e := &entry{pa: pa, owner: owner}
	e.elem = t.fifo.PushBack(e)
	t.byPa[pa] = e
	return pa
}

// Deallocate returns a frame to the pool and removes all bookkeeping. It
// panics if the frame is not currently tracked, matching the teacher's
// treatment of an unknown frame as a programming error
// (original_source/src/vm/frame.c's frame_deallocate PANICs on a miss).
func (t *Table) Deallocate(pa mem.Pa_t) {
	t.mu.Lock()
	t.DeallocateLocked(pa)
	t.mu.Unlock()
}

// DeallocateLocked is Deallocate for a caller that already holds the frame
// lock.
func (t *Table) DeallocateLocked(pa mem.Pa_t) {
	e, ok := t.byPa[pa]
	if !ok {
		panic("frame: deallocating a frame not present")
	}
	delete(t.byPa, pa)
	t.fifo.Remove(e.elem)

	t.pm.Free(pa)
}

// evictLocked chooses a victim by rotating the FIFO queue and returns its
// now-free physical frame. Caller holds t.mu.
func (t *Table) evictLocked() mem.Pa_t {
	front := t.fifo.Front()
	if front == nil {
		panic("frame: eviction requested with no resident frames")
	}
	t.fifo.MoveToBack(front)
	victim := front.Value.(*entry)

	dir := victim.owner.Dir()
	upage := victim.owner.Upage()
	dirty := dir.IsDirty(upage)

	if dirty || victim.owner.AlwaysSwap() {
		t.log.Debug("evicting dirty/stack frame", zap.Uintptr("upage", uintptr(upage)))
		victim.owner.Evict(victim.pa)
	} else {
		t.log.Debug("evicting clean file-backed frame", zap.Uintptr("upage", uintptr(upage)))
		dir.ClearPage(upage)
	}

	t.fifo.Remove(front)
	delete(t.byPa, victim.pa)
	return victim.pa
}

// NumResident reports the number of frames currently tracked, used by
// tests asserting pool-exhaustion behavior.
func (t *Table) NumResident() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byPa)
}
