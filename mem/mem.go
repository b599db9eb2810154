// Package mem models the physical frame pool and the simulated hardware
// page directory that the frame table and supplementary page table sit on
// top of. There is no real MMU here: PageDir stands in for the
// pagedir_set_page/pagedir_get_page/pagedir_is_dirty family named as an
// external interface, and Physmem stands in for the kernel's user pool.
package mem

import (
	"sync"

	"github.com/pkg/errors"
)

// PGSHIFT is the base-2 exponent for the page size.
const PGSHIFT uint = 12

// PGSIZE is the size of a single page in bytes.
const PGSIZE int = 1 << PGSHIFT

// PGOFFSET masks the in-page offset bits of an address.
const PGOFFSET Pa_t = 0xfff

// PGMASK masks the page-number bits of an address.
const PGMASK Pa_t = ^PGOFFSET

// SECTOR_SIZE is the block-device sector size, shared with the fs package.
const SECTOR_SIZE = 512

// PTE_P marks a mapping present.
const PTE_P Pa_t = 1 << 0

// PTE_W marks a mapping writable.
const PTE_W Pa_t = 1 << 1

// PTE_U marks a mapping user-accessible.
const PTE_U Pa_t = 1 << 2

// PTE_D is the hardware dirty bit: set by a write through the mapping.
const PTE_D Pa_t = 1 << 6

// PTE_A is the hardware accessed bit: set by any access through the mapping.
const PTE_A Pa_t = 1 << 5

// Pa_t is a physical frame handle: the frame's index into the frame arena
// (not shifted by PGSHIFT), mirroring the teacher's physical-address type.
type Pa_t uintptr

// Frame is one PGSIZE region of simulated physical memory.
type Frame [PGSIZE]byte

// Physmem is the global frame arena: a fixed pool of frames with a simple
// free list, guarded by a single mutex. The spec's Non-goals exclude
// multi-core, so unlike the teacher's per-CPU split free lists
// (Oichkatzelesfrettschen-biscuit/biscuit/src/mem/mem.go's pcpuphys_t) a
// single list is enough here.
type Physmem struct {
	mu     sync.Mutex
	frames []Frame
	free   []Pa_t
}

// NewPhysmem allocates an arena of n user-pool frames, all initially free.
func NewPhysmem(n int) *Physmem {
	p := &Physmem{
		frames: make([]Frame, n),
		free:   make([]Pa_t, n),
	}
	for i := 0; i < n; i++ {
		p.free[i] = Pa_t(i)
	}
	return p
}

// ErrPoolExhausted is returned by Alloc when no frames remain. The frame
// table is the only caller; per spec.md §4.2 it must evict rather than
// propagate this to its own caller.
var ErrPoolExhausted = errors.New("mem: user frame pool exhausted")

// Alloc removes one frame from the free list and returns its handle.
func (p *Physmem) Alloc() (Pa_t, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.free)
	if n == 0 {
		return 0, ErrPoolExhausted
	}
	pa := p.free[n-1]
	p.free = p.free[:n-1]
	return pa, nil
}

// Free returns a frame to the pool. It panics on a double free, matching
// the teacher's treatment of refcount underflow as a programming error.
func (p *Physmem) Free(pa Pa_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, f := range p.free {
		if f == pa {
			panic("mem: double free of frame")
		}
	}
	p.free = append(p.free, pa)
}

// At returns the frame's backing storage for direct read/write, the
// simulated analogue of the teacher's Dmap/Dmap8 direct-map accessors.
func (p *Physmem) At(pa Pa_t) *Frame {
	return &p.frames[pa]
}

// NumFrames reports the arena's total frame count.
func (p *Physmem) NumFrames() int {
	return len(p.frames)
}

// NumFree reports the arena's currently free frame count, used by tests
// that check the swap bitmap/frame pool returns to its starting state.
func (p *Physmem) NumFree() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
