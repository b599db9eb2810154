package fs

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"vmkern/disk"
)

// freeMapDataStart is the first sector of the free map's own flat-mapped
// data region: sector 0 holds the free-map inode header, sector 1 the
// root directory's inode header, and the bitmap itself starts right after
// (original_source/src/filesys/free-map.c stores the free map through its
// own inode the same way; fs/inode.go's byteToSector FreeMapSector case is
// what makes that flat read/write path work without needing the free map
// already up and running to allocate its own blocks).
const freeMapDataStart = 2

// bitmapSectors returns how many sectors the serialized free-map bitmap
// for a total-sector device occupies.
func bitmapSectors(total int64) int64 {
	bits := total
	bytes := (bits + 7) / 8
	return (bytes + SectorSize - 1) / SectorSize
}

// FileSystem ties the buffer cache, the free map, and the open-inode
// registry together over one block device — the process-wide filesystem
// singleton analogous to the teacher's Ufs_t
// (Oichkatzelesfrettschen-biscuit/biscuit/src/ufs/ufs.go).
type FileSystem struct {
	cache    *Cache
	freeMap  *FreeMap
	inodesMu sync.Mutex
	inodes   map[int64]*Inode
	log      *zap.Logger

	// fileLock is the single global mutex named in spec.md §4.6 around
	// every path-touching filesystem operation (directory lookup, inode
	// read/write except during mmap write-back, file handle state).
	fileLock sync.Mutex
}

// Format initializes a fresh file system image on dev: a free-map inode
// with a flat block map holding the serialized bitmap itself, a root
// directory whose ".." points at itself, and a persisted all-free bitmap
// for the remaining sectors.
func Format(dev disk.Device, log *zap.Logger) (*FileSystem, error) {
	if log == nil {
		log = zap.NewNop()
	}
	total := dev.NumSectors()
	bitmapLen := bitmapSectors(total)
	firstAllocatableSector := freeMapDataStart + bitmapLen
	if total <= firstAllocatableSector {
		return nil, errors.New("fs: device too small to format")
	}

	fsys := &FileSystem{
		cache:  NewCache(dev, log),
		log:    log,
		inodes: make(map[int64]*Inode),
	}
	fsys.freeMap = newFreeMap(total, firstAllocatableSector)

	// The free map's own file is flat-mapped (byteToSector's
	// FreeMapSector special case): its "Start" is the sector right after
	// the reserved header area, with no block-map allocation, and its
	// data holds nothing but the serialized bitmap bytes.
	freeMapHdr := &diskInode{Start: uint32(freeMapDataStart), Length: uint32((total + 7) / 8), Magic: InodeMagic}
	fsys.cache.Write(FreeMapSector, freeMapHdr.encode(), 0, SectorSize, true)

	if err := fsys.createDirectory(RootDirSector, RootDirSector); err != nil {
		return nil, err
	}

	fsys.persistFreeMap()
	return fsys, nil
}

// Mount reopens an already-formatted image, restoring the free map by
// reading it back through the free-map inode's own flat-mapped file.
func Mount(dev disk.Device, log *zap.Logger) (*FileSystem, error) {
	if log == nil {
		log = zap.NewNop()
	}
	total := dev.NumSectors()
	fsys := &FileSystem{
		cache:  NewCache(dev, log),
		log:    log,
		inodes: make(map[int64]*Inode),
	}

	in := fsys.Open(FreeMapSector)
	raw := make([]byte, in.Length())
	in.ReadAt(raw, 0)
	in.Close()

	fsys.freeMap = loadFreeMap(total, raw)
	return fsys, nil
}

// persistFreeMap writes the current bitmap through the free-map inode's
// own flat-mapped file, the same path a fresh Mount reads it back from.
func (fsys *FileSystem) persistFreeMap() {
	in := fsys.Open(FreeMapSector)
	in.WriteAt(fsys.freeMap.Bytes(), 0)
	in.Close()
}

// RootDir opens the root directory.
func (fsys *FileSystem) RootDir() *Directory {
	return fsys.OpenDir(RootDirSector)
}

// Lock acquires the single file-system-wide file lock (spec.md §4.6). Page
// resolution must release it before acquiring the frame lock, per
// spec.md §5's ordering rule.
func (fsys *FileSystem) Lock() { fsys.fileLock.Lock() }

// Unlock releases the file lock.
func (fsys *FileSystem) Unlock() { fsys.fileLock.Unlock() }

// Cache exposes the underlying buffer cache, used directly by mmap
// write-back and by tests probing cache-eviction scenarios.
func (fsys *FileSystem) Cache() *Cache { return fsys.cache }

// CreateFile allocates an inode for a new zero-length file and adds it to
// dir under name.
func (fsys *FileSystem) CreateFile(dir *Directory, name string) error {
	sector, err := fsys.freeMap.Allocate(1)
	if err != nil {
		return errors.Wrap(err, "fs: create file")
	}
	if err := fsys.createInodeAt(sector, 0, false); err != nil {
		fsys.freeMap.Release(sector, 1)
		return err
	}
	if err := dir.Add(name, sector, false); err != nil {
		in := fsys.Open(sector)
		in.Remove()
		in.Close()
		return err
	}
	return nil
}

// Shutdown drains any in-flight asynchronous write-back, persists the free
// map bitmap through the cache, and then flushes and releases every cache
// block (release_cache), in that order, matching the teacher's "no async
// work scheduled" teardown discipline.
func (fsys *FileSystem) Shutdown() {
	fsys.cache.Drain()
	fsys.persistFreeMap()
	fsys.cache.ReleaseAll()
}
