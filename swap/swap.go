// Package swap implements the Swap Store (spec.md §4.1): page-sized slots
// on a block device, allocated via a free bitmap, enumerated via a global
// list. It is grounded on original_source/src/vm/swap.c's swap_page/
// load_swap_slot/invalidate_swap_slots, adapted from Pintos's struct
// bitmap + global swap_table lock to a Go mutex-guarded bitmap and a
// container/list (the teacher's own choice for this shape of registry,
// Oichkatzelesfrettschen-biscuit/biscuit/src/fs/blk.go's BlkList_t).
package swap

import (
	"container/list"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"vmkern/disk"
	"vmkern/mem"
)

// sectorsPerSlot is the number of device sectors one PGSIZE slot occupies.
const sectorsPerSlot = mem.PGSIZE / mem.SECTOR_SIZE

// Slot identifies one allocated swap region, threaded on the store's slot
// list for enumeration (spec.md §4.1's "additionally threaded on a global
// list").
type Slot struct {
	elem        *list.Element
	startSector int64
	owner       Owner
}

// Owner identifies the page descriptor a slot belongs to: any comparable
// value works, since Invalidate only ever needs to test owner identity
// with ==. page.Descriptor passes itself (a *Descriptor pointer); the
// swap package never imports page to avoid a cycle.
type Owner = any

// Store is the process-wide swap singleton: a free bitmap over a swap
// device plus a list of allocated slots, one mutex guarding both (spec.md
// §9's "single owned struct guarded by its own mutex" pattern).
type Store struct {
	mu     sync.Mutex
	dev    disk.Device
	free   []bool // true == sector free
	slots  *list.List
	log    *zap.Logger
}

// New creates a swap store over dev, whose entire sector range is
// initially free.
func New(dev disk.Device, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	n := dev.NumSectors()
	free := make([]bool, n)
	for i := range free {
		free[i] = true
	}
	return &Store{dev: dev, free: free, slots: list.New(), log: log}
}

// firstFitLocked scans for sectorsPerSlot consecutive free sectors. Caller
// holds mu.
func (s *Store) firstFitLocked() (int64, bool) {
	run := 0
	for i := 0; i < len(s.free); i++ {
		if s.free[i] {
			run++
			if run == sectorsPerSlot {
				return int64(i - run + 1), true
			}
		} else {
			run = 0
		}
	}
	return 0, false
}

// SwapOut consumes frame's content, writes it to a newly allocated swap
// region, clears the hardware mapping for upage (swap_page in the
// original), and returns the allocated Slot recording ownership.
//
// Bitmap exhaustion and any I/O error from the block layer are fatal: the
// original has no reclamation path, and spec.md §4.1 carries that forward.
func (s *Store) SwapOut(dir *mem.PageDir, upage mem.Uaddr, pm *mem.Physmem, pa mem.Pa_t, owner Owner) *Slot {
	s.mu.Lock()
	start, ok := s.firstFitLocked()
	if !ok {
		s.mu.Unlock()
		s.log.Fatal("swap store exhausted", zap.Int("sectors", len(s.free)))
	}
	for i := 0; i < sectorsPerSlot; i++ {
		s.free[start+int64(i)] = false
	}
	s.mu.Unlock()

	frame := pm.At(pa)
	for i := 0; i < sectorsPerSlot; i++ {
		off := i * mem.SECTOR_SIZE
		if err := s.dev.WriteSector(start+int64(i), frame[off:off+mem.SECTOR_SIZE]); err != nil {
			s.log.Fatal("swap-out write failed", zap.Error(errors.Wrap(err, "swap")))
		}
	}

	slot := &Slot{startSector: start, owner: owner}
	s.mu.Lock()
	slot.elem = s.slots.PushBack(slot)
	s.mu.Unlock()

	dir.ClearPage(upage)
	s.log.Debug("swapped out page", zap.Int64("slot", start))
	return slot
}

// SwapIn reads slot's content into the fresh frame pa, reinstalls the
// hardware mapping at upage with the given writable flag, force-sets the
// dirty bit (load_swap_slot's "Set this page as dirty again since it was
// in swap because it was dirty"), and frees the slot.
func (s *Store) SwapIn(slot *Slot, dir *mem.PageDir, upage mem.Uaddr, pm *mem.Physmem, pa mem.Pa_t, writable bool) {
	frame := pm.At(pa)
	for i := 0; i < sectorsPerSlot; i++ {
		off := i * mem.SECTOR_SIZE
		if err := s.dev.ReadSector(slot.startSector+int64(i), frame[off:off+mem.SECTOR_SIZE]); err != nil {
			s.log.Fatal("swap-in read failed", zap.Error(errors.Wrap(err, "swap")))
		}
	}

	dir.SetPage(upage, pa, writable)
	dir.SetDirty(upage, true)

	s.release(slot)
	s.log.Debug("swapped in page", zap.Int64("slot", slot.startSector))
}

// Invalidate releases every slot owned by owner without reading it back,
// used during process exit (spec.md §4.3's destruction order: swap slots
// are invalidated before frames are released).
func (s *Store) Invalidate(owner Owner) {
	s.mu.Lock()
	var dead []*Slot
	for e := s.slots.Front(); e != nil; {
		next := e.Next()
		sl := e.Value.(*Slot)
		if sl.owner == owner {
			s.slots.Remove(e)
			dead = append(dead, sl)
		}
		e = next
	}
	s.mu.Unlock()

	for _, sl := range dead {
		s.freeBitmap(sl)
	}
}

// release removes slot from the list and marks its sectors free again.
func (s *Store) release(slot *Slot) {
	s.mu.Lock()
	s.slots.Remove(slot.elem)
	s.mu.Unlock()
	s.freeBitmap(slot)
}

func (s *Store) freeBitmap(slot *Slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < sectorsPerSlot; i++ {
		s.free[slot.startSector+int64(i)] = true
	}
}

// FreeSectors reports the count of currently free sectors, used by tests
// checking the swap bitmap returns to its starting count after exit
// (spec.md §8 scenario 2).
func (s *Store) FreeSectors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.free {
		if f {
			n++
		}
	}
	return n
}
