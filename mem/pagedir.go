package mem

import "sync"

// Uaddr is a user virtual address. The low PGSHIFT bits are always zero in
// every mapping key; PageDir methods round the address they are given down
// to its page themselves, so an unaligned address hits its page.
type Uaddr uintptr

func (u Uaddr) pagedown() Uaddr {
	return Uaddr(uintptr(u) &^ uintptr(PGOFFSET))
}

type mapping struct {
	kpage Pa_t
	rw    bool
	bits  Pa_t // PTE_D / PTE_A
}

// PageDir simulates the hardware page table interface named in spec.md §6:
// pagedir_set_page, pagedir_clear_page, pagedir_get_page, pagedir_is_dirty,
// pagedir_set_dirty. One PageDir exists per process address space.
type PageDir struct {
	mu sync.Mutex
	m  map[Uaddr]mapping
}

// NewPageDir returns an empty page directory.
func NewPageDir() *PageDir {
	return &PageDir{m: make(map[Uaddr]mapping)}
}

// SetPage installs a mapping from the user page containing upage to the
// physical frame kpage, with the given writable flag. The accessed and
// dirty bits both start clear.
func (d *PageDir) SetPage(upage Uaddr, kpage Pa_t, rw bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.m[upage.pagedown()] = mapping{kpage: kpage, rw: rw}
}

// ClearPage removes the mapping for upage, if any. Clearing an unmapped
// page is a no-op, matching pagedir_clear_page's tolerance of a miss.
func (d *PageDir) ClearPage(upage Uaddr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.m, upage.pagedown())
}

// GetPage returns the frame mapped at upage, or ok=false if unmapped.
func (d *PageDir) GetPage(upage Uaddr) (pa Pa_t, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	mp, present := d.m[upage.pagedown()]
	return mp.kpage, present
}

// Writable reports whether the mapping at upage allows writes. It panics if
// upage is unmapped, since reading a permission bit requires a valid
// mapping (spec.md §6: "Reading the dirty bit requires a valid mapping").
func (d *PageDir) Writable(upage Uaddr) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	mp, ok := d.m[upage.pagedown()]
	if !ok {
		panic("mem: Writable on unmapped page")
	}
	return mp.rw
}

// IsDirty reports the hardware dirty bit for upage. Panics if unmapped.
func (d *PageDir) IsDirty(upage Uaddr) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	mp, ok := d.m[upage.pagedown()]
	if !ok {
		panic("mem: IsDirty on unmapped page")
	}
	return mp.bits&PTE_D != 0
}

// SetDirty forces the hardware dirty bit for upage to v. Used by swap-in to
// mark a freshly reinstalled page dirty (spec.md §4.1).
func (d *PageDir) SetDirty(upage Uaddr, v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	mp, ok := d.m[upage.pagedown()]
	if !ok {
		panic("mem: SetDirty on unmapped page")
	}
	if v {
		mp.bits |= PTE_D
	} else {
		mp.bits &^= PTE_D
	}
	d.m[upage.pagedown()] = mp
}

// IsAccessed reports the hardware accessed bit for upage, or false if
// upage is unmapped. The frame table's FIFO eviction does not consult it.
func (d *PageDir) IsAccessed(upage Uaddr) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	mp, ok := d.m[upage.pagedown()]
	if !ok {
		return false
	}
	return mp.bits&PTE_A != 0
}

// SetAccessed sets or clears the hardware accessed bit for upage.
func (d *PageDir) SetAccessed(upage Uaddr, v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	mp, ok := d.m[upage.pagedown()]
	if !ok {
		return
	}
	if v {
		mp.bits |= PTE_A
	} else {
		mp.bits &^= PTE_A
	}
	d.m[upage.pagedown()] = mp
}

// Touch marks upage accessed and, if write is true, dirty. Real hardware
// does this on every load/store through the mapping; callers that simulate
// a user-memory access call Touch to keep the accessed/dirty bits honest.
func (d *PageDir) Touch(upage Uaddr, write bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	mp, ok := d.m[upage.pagedown()]
	if !ok {
		panic("mem: Touch on unmapped page")
	}
	mp.bits |= PTE_A
	if write {
		mp.bits |= PTE_D
	}
	d.m[upage.pagedown()] = mp
}
