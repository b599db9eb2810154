// Package page implements the Page Table (supplementary) from spec.md
// §4.3: per-process virtual-page metadata, fault resolution, and the
// mmap/munmap and process-exit teardown paths built on it. It is grounded
// on original_source/src/vm/page.c's get_page/grow_stack/page_deallocate,
// simplified from the teacher's own address-space type
// (Oichkatzelesfrettschen-biscuit/biscuit/src/vm/as.go's Vm_t) down to the
// single-CPU, no-COW, no-shared-mapping model this specification calls for.
//
// page never imports fs: the file a lazily-loaded page reads from is
// represented by the File interface below, satisfied by *fs.Inode without
// either package needing to know about the other's types directly beyond
// that shape, keeping the mem -> swap -> frame -> page -> fs dependency
// chain acyclic the way the teacher's frame/page split requires.
package page

import (
	"sync"

	"go.uber.org/zap"

	"vmkern/frame"
	"vmkern/mem"
	"vmkern/swap"
)

// UserKernelBoundary is the top of user address space, the x86 PHYS_BASE
// split the original assumes (original_source/src/vm/page.c's pg_round_down
// and the stack-growth bound in spec.md §4.3).
const UserKernelBoundary mem.Uaddr = 0xC0000000

// StackLimit is the lowest address stack growth may ever claim: 8 MiB
// below the user/kernel boundary (spec.md §4.3, §8).
const StackLimit = UserKernelBoundary - 8*1024*1024

// stackHeuristicSlack is how far below the saved stack pointer a fault may
// land and still be treated as stack growth (spec.md §4.3/§8: "at most 32
// bytes below the saved user stack pointer").
const stackHeuristicSlack = 32

// File is the minimal file-backed-page source a Descriptor needs: offset
// reads and writes against a fixed-identity backing file. *fs.Inode
// satisfies this.
type File interface {
	ReadAt(buf []byte, ofs int64) int
	WriteAt(buf []byte, ofs int64) int
}

type source int

const (
	sourceFile source = iota
	sourceZero
)

// Descriptor is the per-process entry keyed by page-aligned user virtual
// address (spec.md §3's "Virtual page descriptor"). At most one of
// {resident frame, swap slot} is set at a time (a file-backed page that
// is not loaded has neither); writable is immutable after creation.
type Descriptor struct {
	table    *Table
	upage    mem.Uaddr
	source   source
	file     File
	fileOfs  int64
	validLen int
	writable bool

	mu       sync.Mutex
	hasFrame bool
	frame    mem.Pa_t
	slot     *swap.Slot
}

// Upage implements frame.Owner.
func (d *Descriptor) Upage() mem.Uaddr { return d.upage }

// Dir implements frame.Owner.
func (d *Descriptor) Dir() *mem.PageDir { return d.table.dir }

// AlwaysSwap implements frame.Owner: stack/zero pages have no file backing
// to reload from, so they must always be preserved on eviction
// (spec.md §4.2 case 4).
func (d *Descriptor) AlwaysSwap() bool { return d.source == sourceZero }

// Evict implements frame.Owner: called by the frame table with its lock
// held when this descriptor's frame is the chosen eviction victim. It also
// takes d.mu, so every reader/writer of a descriptor's resident/swap state
// agrees on frame-lock-then-d.mu as the one acquisition order (callers
// reaching a descriptor from outside the frame table's eviction path, such
// as Resolve and Munmap, take the two locks in that same order).
func (d *Descriptor) Evict(pa mem.Pa_t) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.slot = d.table.swap.SwapOut(d.table.dir, d.upage, d.table.pm, pa, d)
	d.hasFrame = false
}

// Table is one process's supplementary page table: descriptors keyed by
// virtual address, plus the frame table, swap store, and hardware page
// directory it resolves faults against.
type Table struct {
	mu       sync.Mutex
	dir      *mem.PageDir
	pm       *mem.Physmem
	frames   *frame.Table
	swap     *swap.Store
	pages    map[mem.Uaddr]*Descriptor
	stackPtr mem.Uaddr
	mmaps    map[int]*mmapRegion
	nextMap  int
	log      *zap.Logger
}

// New creates an empty page table over the given frame table, swap store,
// and simulated hardware page directory.
func New(dir *mem.PageDir, pm *mem.Physmem, frames *frame.Table, sw *swap.Store, log *zap.Logger) *Table {
	if log == nil {
		log = zap.NewNop()
	}
	return &Table{
		dir:    dir,
		pm:     pm,
		frames: frames,
		swap:   sw,
		pages:  make(map[mem.Uaddr]*Descriptor),
		mmaps:  make(map[int]*mmapRegion),
		log:    log,
	}
}

// SetStackPointer records the process's current saved user stack pointer,
// consulted by the stack-growth heuristic in Resolve.
func (t *Table) SetStackPointer(sp mem.Uaddr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stackPtr = sp
}

func pageRoundDown(addr mem.Uaddr) mem.Uaddr {
	return mem.Uaddr(uintptr(addr) &^ uintptr(mem.PGOFFSET))
}

// InstallFilePage registers a lazy file-backed page at addr, to be loaded
// from file at ofs for bytes bytes (the remainder of the page zero-filled)
// on first fault.
func (t *Table) InstallFilePage(addr mem.Uaddr, file File, ofs int64, bytes int, writable bool) {
	upage := pageRoundDown(addr)
	d := &Descriptor{
		table:    t,
		upage:    upage,
		source:   sourceFile,
		file:     file,
		fileOfs:  ofs,
		validLen: bytes,
		writable: writable,
	}
	t.mu.Lock()
	t.pages[upage] = d
	t.mu.Unlock()
}

// FaultResult classifies how Resolve handled a fault, useful to callers
// and tests distinguishing the dispatch spec.md §4.3 names.
type FaultResult int

const (
	// FaultFailed means the address is unknown and not a valid stack
	// growth candidate: the caller's process must be killed.
	FaultFailed FaultResult = iota
	FaultStackGrowth
	FaultSwappedIn
	FaultFileLoaded
)

// Resolve handles a page fault at addr: rounds down to a page, looks up
// the descriptor, and dispatches per spec.md §4.3.
func (t *Table) Resolve(addr mem.Uaddr) FaultResult {
	upage := pageRoundDown(addr)

	t.mu.Lock()
	d, ok := t.pages[upage]
	sp := t.stackPtr
	t.mu.Unlock()

	if !ok {
		if t.isStackCandidate(addr, sp) {
			t.growStack(upage)
			return FaultStackGrowth
		}
		return FaultFailed
	}

	t.frames.Lock()
	d.mu.Lock()
	defer d.mu.Unlock()
	defer t.frames.Unlock()

	if d.slot != nil {
		pa := t.frames.AllocateLocked(d)
		t.swap.SwapIn(d.slot, t.dir, d.upage, t.pm, pa, d.writable)
		d.slot = nil
		d.hasFrame = true
		d.frame = pa
		return FaultSwappedIn
	}

	if d.hasFrame {
		if _, mapped := t.dir.GetPage(d.upage); mapped {
			panic("page: fault on a page already resident")
		}
		// the frame table reclaimed this clean file-backed page's frame by
		// clearing its mapping; reload it from the file below
		d.hasFrame = false
	}

	pa := t.frames.AllocateLocked(d)
	frameBuf := t.pm.At(pa)
	*frameBuf = mem.Frame{}
	d.file.ReadAt(frameBuf[:d.validLen], d.fileOfs)
	t.dir.SetPage(d.upage, pa, d.writable)
	d.hasFrame = true
	d.frame = pa
	return FaultFileLoaded
}

func (t *Table) isStackCandidate(addr, sp mem.Uaddr) bool {
	if addr < StackLimit || addr >= UserKernelBoundary {
		return false
	}
	if addr >= sp {
		return true
	}
	return sp-addr <= stackHeuristicSlack
}

func (t *Table) growStack(upage mem.Uaddr) {
	d := &Descriptor{table: t, upage: upage, source: sourceZero, writable: true}

	t.frames.Lock()
	pa := t.frames.AllocateLocked(d)
	t.frames.Unlock()
	*t.pm.At(pa) = mem.Frame{}
	t.dir.SetPage(upage, pa, true)
	d.hasFrame = true
	d.frame = pa

	t.mu.Lock()
	t.pages[upage] = d
	t.mu.Unlock()
}

// Destroy tears the page table down at process exit (spec.md §4.3's
// "Destruction at process exit"): every swap slot belonging to this
// table's descriptors is invalidated first, under the frame lock, then
// every resident frame is deallocated and its hardware mapping cleared.
// Table.mu is held throughout, so no Mmap or descriptor lookup on this
// table runs in between.
func (t *Table) Destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, d := range t.pages {
		t.frames.Lock()
		d.mu.Lock()
		if d.slot != nil {
			t.swap.Invalidate(d)
			d.slot = nil
		}
		d.mu.Unlock()
		t.frames.Unlock()
	}
	for upage, d := range t.pages {
		t.frames.Lock()
		d.mu.Lock()
		if d.hasFrame {
			t.frames.DeallocateLocked(d.frame)
			t.dir.ClearPage(upage)
			d.hasFrame = false
		}
		d.mu.Unlock()
		t.frames.Unlock()
	}
	t.pages = make(map[mem.Uaddr]*Descriptor)
}
