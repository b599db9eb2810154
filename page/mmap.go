package page

import (
	"errors"

	"vmkern/mem"
)

// mmapRegion records one mmap's page descriptors in registration order,
// needed by Munmap to write pages back in the order they were created.
type mmapRegion struct {
	file  File
	pages []mem.Uaddr
}

// ErrBadMmapAddr is returned for an unaligned, null, or out-of-range mmap
// address.
var ErrBadMmapAddr = errors.New("page: mmap address invalid")

// ErrMmapOverlap is returned when a requested mapping would overlap an
// already-registered page.
var ErrMmapOverlap = errors.New("page: mmap region overlaps an existing page")

// ErrEmptyFile is returned for mmap of a zero-length file.
var ErrEmptyFile = errors.New("page: cannot mmap a zero-length file")

// Mmap validates and installs one page descriptor per PGSIZE chunk of
// file, linked to a map record for later Munmap teardown (spec.md §4.3).
func (t *Table) Mmap(file File, addr mem.Uaddr, fileLen int64) (int, error) {
	if addr == 0 || uintptr(addr)%uintptr(mem.PGSIZE) != 0 || addr >= UserKernelBoundary {
		return 0, ErrBadMmapAddr
	}
	if fileLen <= 0 {
		return 0, ErrEmptyFile
	}

	n := int((fileLen + int64(mem.PGSIZE) - 1) / int64(mem.PGSIZE))

	t.mu.Lock()
	defer t.mu.Unlock()
	for i := 0; i < n; i++ {
		upage := addr + mem.Uaddr(i*mem.PGSIZE)
		if _, exists := t.pages[upage]; exists {
			return 0, ErrMmapOverlap
		}
	}

	region := &mmapRegion{file: file}
	for i := 0; i < n; i++ {
		upage := addr + mem.Uaddr(i*mem.PGSIZE)
		ofs := int64(i * mem.PGSIZE)
		validLen := mem.PGSIZE
		if remain := fileLen - ofs; remain < int64(mem.PGSIZE) {
			validLen = int(remain)
		}
		d := &Descriptor{
			table:    t,
			upage:    upage,
			source:   sourceFile,
			file:     file,
			fileOfs:  ofs,
			validLen: validLen,
			writable: true,
		}
		t.pages[upage] = d
		region.pages = append(region.pages, upage)
	}

	id := t.nextMap
	t.nextMap++
	t.mmaps[id] = region
	return id, nil
}

// Munmap iterates the map's pages in registration order; for each: if in
// swap, swaps in first; then if the hardware dirty bit is set, writes
// back exactly the page's valid byte count to the backing file at its
// recorded offset; then frees the frame (if any) and the descriptor
// (spec.md §4.3). Unlike the original's file_tell/file_seek dance around
// a shared file cursor, File.WriteAt here takes an explicit offset, so
// there is no cursor to save and restore.
func (t *Table) Munmap(id int) error {
	t.mu.Lock()
	region, ok := t.mmaps[id]
	if !ok {
		t.mu.Unlock()
		return errors.New("page: unknown mmap id")
	}
	delete(t.mmaps, id)
	t.mu.Unlock()

	for _, upage := range region.pages {
		t.mu.Lock()
		d, ok := t.pages[upage]
		delete(t.pages, upage)
		t.mu.Unlock()
		if !ok {
			continue
		}

		t.frames.Lock()
		d.mu.Lock()
		if d.slot != nil {
			pa := t.frames.AllocateLocked(d)
			t.swap.SwapIn(d.slot, t.dir, d.upage, t.pm, pa, d.writable)
			d.slot = nil
			d.hasFrame = true
			d.frame = pa
		}

		if d.hasFrame && t.dir.IsDirty(upage) {
			frameBuf := t.pm.At(d.frame)
			d.file.WriteAt(frameBuf[:d.validLen], d.fileOfs)
		}

		if d.hasFrame {
			t.frames.DeallocateLocked(d.frame)
			t.dir.ClearPage(upage)
			d.hasFrame = false
		}
		d.mu.Unlock()
		t.frames.Unlock()
	}
	return nil
}
