// Command vmkernd is a small demo harness: it formats a disk image and a
// swap image, boots the memory-management core on top of them, and drives
// the end-to-end scenarios from spec.md §8 against it, printing progress as
// it goes. It is grounded on biscuit/src/mkfs/mkfs.go's flag-free,
// os.Args-driven CLI and the ufs.BootFS/ufs.ShutdownFS boot/teardown pair,
// adapted from "build a bootable kernel image" to "format and mount a
// vmkern filesystem + swap device".
package main

import (
	"bytes"
	"fmt"
	"os"

	"go.uber.org/zap"

	"vmkern/disk"
	"vmkern/frame"
	"vmkern/fs"
	"vmkern/mem"
	"vmkern/proc"
	"vmkern/swap"
)

// Layout mirrors mkfs's constants block: named sizes for the demo image
// rather than a config file, per SPEC_FULL.md's "Configuration" section.
const (
	fsSectors     = 8192
	swapSectors   = 8192
	demoNumFrames = 4 // deliberately small, to force eviction without a large pool
)

func usage() {
	fmt.Printf("Usage: vmkernd <fs-image> <swap-image>\n")
	os.Exit(1)
}

func main() {
	if len(os.Args) < 3 {
		usage()
	}
	fsImage, swapImage := os.Args[1], os.Args[2]

	log, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	fsDev, err := disk.OpenFile(fsImage)
	if err != nil {
		log.Fatal("open fs image", zap.Error(err))
	}
	defer fsDev.Close()
	growFile(fsImage, fsSectors*disk.SectorSize)

	swapDev, err := disk.OpenFile(swapImage)
	if err != nil {
		log.Fatal("open swap image", zap.Error(err))
	}
	defer swapDev.Close()
	growFile(swapImage, swapSectors*disk.SectorSize)

	fsys, err := fs.Format(fsDev, log)
	if err != nil {
		log.Fatal("format fs", zap.Error(err))
	}

	pm := mem.NewPhysmem(demoNumFrames)
	frames := frame.New(pm, log)
	sw := swap.New(swapDev, log)

	log.Info("booted vmkern demo", zap.Int("frames", demoNumFrames),
		zap.Int64("fs sectors", fsDev.NumSectors()), zap.Int64("swap sectors", swapDev.NumSectors()))

	scenarioLazyLoadThenEviction(log, fsys, pm, frames, sw)
	scenarioDirtyEvictionRoundTrip(log, fsys, pm, frames, sw)
	scenarioMmapWriteBack(log, fsys, pm, frames, sw)
	scenarioSparseFileGrowth(log, fsys)

	fsys.Shutdown()
	log.Info("shut down cleanly")
}

// growFile ensures path exists and is at least size bytes, the simulation
// stand-in for mkfs's MkDisk sizing a fresh image from scratch.
func growFile(path string, size int64) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		panic(err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		panic(err)
	}
	if fi.Size() < size {
		if err := f.Truncate(size); err != nil {
			panic(err)
		}
	}
}

// scenarioLazyLoadThenEviction drives spec.md §8 scenario 1: a lazily
// loaded file-backed page survives being evicted and reloaded cleanly from
// its backing file rather than from swap.
func scenarioLazyLoadThenEviction(log *zap.Logger, fsys *fs.FileSystem, pm *mem.Physmem, frames *frame.Table, sw *swap.Store) {
	log.Info("scenario: lazy load + eviction")
	owner := proc.New("loader", fsys, pm, frames, sw, log)
	sibling := proc.New("sibling", fsys, pm, frames, sw, log)

	owner.Create("exe.bin")
	fd, _ := owner.Open("exe.bin")
	payload := bytes.Repeat([]byte{0x42}, 20*1024)
	owner.Write(fd, payload)
	owner.Exec("exe.bin")

	const pageA = mem.Uaddr(0x08048000)
	owner.LoadSegment(pageA, fd, 0, mem.PGSIZE, false)

	if _, ok := owner.Fault(pageA); !ok {
		log.Fatal("unexpected fault failure loading page 0")
	}

	// exhaust the frame pool with a sibling process touching its own
	// zero-backed stack pages, forcing page 0 out.
	sibling.SetStackPointer(mem.Uaddr(0xC0000000 - 4096))
	for i := 0; i < demoNumFrames*2; i++ {
		addr := mem.Uaddr(0xC0000000) - mem.Uaddr((i+1)*mem.PGSIZE)
		sibling.SetStackPointer(addr)
		sibling.Fault(addr)
	}

	if _, mapped := owner.PageDir().GetPage(pageA); mapped {
		log.Warn("page 0 unexpectedly still resident after sibling pressure")
	} else {
		log.Info("page 0 evicted as expected")
	}

	if _, ok := owner.Fault(pageA); !ok {
		log.Fatal("page 0 reload failed")
	}
	log.Info("page 0 reloaded cleanly from file")

	owner.Exit()
	sibling.Exit()
}

// scenarioDirtyEvictionRoundTrip drives spec.md §8 scenario 2: a dirty
// stack page survives an eviction to swap and reload byte-for-byte, and
// the swap device's free count returns to its starting value after exit.
func scenarioDirtyEvictionRoundTrip(log *zap.Logger, fsys *fs.FileSystem, pm *mem.Physmem, frames *frame.Table, sw *swap.Store) {
	log.Info("scenario: dirty eviction round-trip")
	before := sw.FreeSectors()

	p := proc.New("stackuser", fsys, pm, frames, sw, log)
	sp := mem.Uaddr(0xC0000000 - 4096)
	p.SetStackPointer(sp)
	addr := sp
	p.Fault(addr)

	pa, _ := p.PageDir().GetPage(addr)
	buf := pm.At(pa)
	var pattern [256]byte
	for i := range pattern {
		pattern[i] = byte(i)
	}
	copy(buf[:], pattern[:])
	p.PageDir().Touch(addr, true)

	// force eviction with further stack growth under the same small pool
	for i := 0; i < demoNumFrames; i++ {
		other := mem.Uaddr(0xC0000000) - mem.Uaddr((i+2)*mem.PGSIZE)
		p.SetStackPointer(other)
		p.Fault(other)
	}

	p.Fault(addr)
	pa2, _ := p.PageDir().GetPage(addr)
	buf2 := pm.At(pa2)
	if !bytes.Equal(buf2[:256], pattern[:]) {
		log.Fatal("dirty stack page round-trip corrupted content")
	}
	log.Info("dirty stack page round-trip byte-for-byte identical")

	p.Exit()
	if after := sw.FreeSectors(); after != before {
		log.Warn("swap free count did not return to starting value", zap.Int("before", before), zap.Int("after", after))
	} else {
		log.Info("swap bitmap returned to starting free count", zap.Int("free", after))
	}
}

// scenarioMmapWriteBack drives spec.md §8 scenario 3: writes through an
// mmap land in the backing file at the right offsets and nowhere else.
func scenarioMmapWriteBack(log *zap.Logger, fsys *fs.FileSystem, pm *mem.Physmem, frames *frame.Table, sw *swap.Store) {
	log.Info("scenario: mmap write-back")
	p := proc.New("mapper", fsys, pm, frames, sw, log)

	p.Create("mapped.bin")
	fd, _ := p.Open("mapped.bin")
	p.Write(fd, make([]byte, 4100))

	addr := mem.Uaddr(0x10000000)
	id, errno := p.Mmap(fd, addr)
	if errno != proc.EOK {
		log.Fatal("mmap failed", zap.Int("errno", int(errno)))
	}

	page0 := addr
	page1 := addr + mem.Uaddr(mem.PGSIZE)
	p.Fault(page0)
	p.Fault(page1)

	pa0, _ := p.PageDir().GetPage(page0)
	pm.At(pa0)[10] = 'X'
	p.PageDir().Touch(page0, true)

	pa1, _ := p.PageDir().GetPage(page1)
	pm.At(pa1)[4099-mem.PGSIZE] = 'Y'
	p.PageDir().Touch(page1, true)

	if errno := p.Munmap(id); errno != proc.EOK {
		log.Fatal("munmap failed", zap.Int("errno", int(errno)))
	}

	p.Seek(fd, 0)
	readback := make([]byte, 4100)
	p.Read(fd, readback)
	if readback[10] != 'X' || readback[4099] != 'Y' {
		log.Fatal("mmap write-back landed at the wrong offsets")
	}
	log.Info("mmap write-back landed at the expected offsets", zap.Int("length", len(readback)))

	p.Exit()
}

// scenarioSparseFileGrowth drives spec.md §8 scenario 5: a write far past
// the current end of an empty file grows it sparsely, allocating exactly
// the map blocks the write touches.
func scenarioSparseFileGrowth(log *zap.Logger, fsys *fs.FileSystem) {
	log.Info("scenario: sparse file growth")
	root := fsys.RootDir()
	defer root.Inode.Close()

	if err := fsys.CreateFile(root, "sparse.bin"); err != nil {
		log.Fatal("create sparse file", zap.Error(err))
	}
	e, _ := root.Lookup("sparse.bin")
	in := fsys.Open(e.Sector)
	defer in.Close()

	n := in.WriteAt([]byte{1, 2, 3, 4}, 7_000_000)
	if n != 4 || in.Length() != 7_000_004 {
		log.Fatal("sparse write did not extend the file as expected")
	}

	probe := make([]byte, 1)
	in.ReadAt(probe, 3_000_000)
	if probe[0] != 0 {
		log.Fatal("unwritten span inside a sparse file must read as zero")
	}
	log.Info("sparse file grew correctly", zap.Int64("length", in.Length()))
}
