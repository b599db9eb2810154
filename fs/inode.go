package fs

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
)

// InodeMagic tags a valid inode header sector (spec.md §6).
const InodeMagic uint32 = 0x494e4f44

// PointersPerBlock is the fanout of one level of the two-level block map.
const PointersPerBlock = SectorSize / 4 // 128

// MaxFileSize is the largest file the two-level map can address (spec.md §8).
const MaxFileSize = PointersPerBlock * PointersPerBlock * SectorSize

// FreeMapSector is the bootstrap inode whose own block map is flat rather
// than two-level (spec.md §9's open question), so that the free map can be
// grown without needing an already-working free map to allocate its own
// blocks. It is the only inode with an in-memory sector id of 0 in this
// implementation's layout, isolated to exactly this one purpose.
const FreeMapSector = 0

// RootDirSector is the fixed sector of the root directory's inode header
// (spec.md §6).
const RootDirSector = 1

// diskInode is the fixed one-sector on-disk inode header (spec.md §6):
// start (map root sector, or first data sector for the flat-mapped free
// map inode), length, magic, and a directory flag.
type diskInode struct {
	Start  uint32
	Length uint32
	Magic  uint32
	IsDir  uint8
}

func (d *diskInode) encode() []byte {
	buf := make([]byte, SectorSize)
	binary.LittleEndian.PutUint32(buf[0:4], d.Start)
	binary.LittleEndian.PutUint32(buf[4:8], d.Length)
	binary.LittleEndian.PutUint32(buf[8:12], d.Magic)
	buf[12] = d.IsDir
	return buf
}

func decodeDiskInode(buf []byte) *diskInode {
	return &diskInode{
		Start:  binary.LittleEndian.Uint32(buf[0:4]),
		Length: binary.LittleEndian.Uint32(buf[4:8]),
		Magic:  binary.LittleEndian.Uint32(buf[8:12]),
		IsDir:  buf[12],
	}
}

func decodePointers(buf []byte) [PointersPerBlock]uint32 {
	var ptrs [PointersPerBlock]uint32
	for i := range ptrs {
		ptrs[i] = binary.LittleEndian.Uint32(buf[i*4 : i*4+4])
	}
	return ptrs
}

func encodePointers(ptrs [PointersPerBlock]uint32) []byte {
	buf := make([]byte, SectorSize)
	for i, p := range ptrs {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], p)
	}
	return buf
}

// Inode is the reference-counted in-memory handle around a disk inode
// (spec.md §3's "Inode (in-memory handle)"): at most one handle exists per
// sector id at a time, tracked in the FileSystem's open-inode registry.
type Inode struct {
	fs       *FileSystem
	sector   int64
	mu       sync.Mutex
	openCnt  int
	denyCnt  int
	removed  bool
	isDir    bool
}

// Sector returns the inode's header sector, its unique key.
func (in *Inode) Sector() int64 { return in.sector }

func (in *Inode) readHeader() *diskInode {
	b := in.fs.cache.GetBlock(in.sector, true)
	defer in.fs.cache.Release(b)
	d := make([]byte, SectorSize)
	copy(d, b.Data[:])
	return decodeDiskInode(d)
}

func (in *Inode) writeHeader(d *diskInode) {
	in.fs.cache.Write(in.sector, d.encode(), 0, SectorSize, true)
}

// createInodeAt formats sector as a fresh inode header of the given
// length and directory flag, with an empty (all-holes) block map.
func (fs *FileSystem) createInodeAt(sector int64, length int, isDir bool) error {
	d := &diskInode{Length: uint32(length), Magic: InodeMagic}
	if isDir {
		d.IsDir = 1
	}
	if sector != FreeMapSector {
		mapRoot, err := fs.freeMap.Allocate(1)
		if err != nil {
			return errors.Wrap(err, "fs: allocate inode map root")
		}
		fs.cache.Write(mapRoot, encodePointers([PointersPerBlock]uint32{}), 0, SectorSize, false)
		d.Start = uint32(mapRoot)
	}
	fs.cache.Write(sector, d.encode(), 0, SectorSize, true)
	return nil
}

// Open returns the in-memory handle for sector, creating and caching it in
// the registry if this is the first open (inode_open's dedup via the
// open-inodes list).
func (fs *FileSystem) Open(sector int64) *Inode {
	fs.inodesMu.Lock()
	defer fs.inodesMu.Unlock()
	if in, ok := fs.inodes[sector]; ok {
		in.openCnt++
		return in
	}
	hdr := fs.readHeaderRaw(sector)
	in := &Inode{fs: fs, sector: sector, openCnt: 1, isDir: hdr.IsDir != 0}
	fs.inodes[sector] = in
	return in
}

func (fs *FileSystem) readHeaderRaw(sector int64) *diskInode {
	b := fs.cache.GetBlock(sector, true)
	defer fs.cache.Release(b)
	d := make([]byte, SectorSize)
	copy(d, b.Data[:])
	return decodeDiskInode(d)
}

// Close decrements the handle's open count. At refcount zero, if the
// inode was marked removed, every data sector (including map blocks) and
// the header sector itself are released to the free map.
func (in *Inode) Close() {
	in.fs.inodesMu.Lock()
	in.openCnt--
	if in.openCnt > 0 {
		in.fs.inodesMu.Unlock()
		return
	}
	delete(in.fs.inodes, in.sector)
	in.fs.inodesMu.Unlock()

	if in.removed {
		in.releaseAllBlocks()
	}
}

// Remove marks the inode for deletion; its storage is reclaimed when the
// last handle closes.
func (in *Inode) Remove() {
	in.mu.Lock()
	in.removed = true
	in.mu.Unlock()
}

func (in *Inode) releaseAllBlocks() {
	hdr := in.readHeader()
	length := int64(hdr.Length)
	if in.sector == FreeMapSector {
		n := (length + SectorSize - 1) / SectorSize
		if n > 0 {
			in.fs.freeMap.Release(int64(hdr.Start), int(n))
		}
		in.fs.freeMap.Release(in.sector, 1)
		return
	}

	b := in.fs.cache.GetBlock(int64(hdr.Start), true)
	l1 := decodePointers(b.Data[:])
	in.fs.cache.Release(b)

	for _, l2sec := range l1 {
		if l2sec == 0 {
			continue
		}
		b2 := in.fs.cache.GetBlock(int64(l2sec), true)
		l2 := decodePointers(b2.Data[:])
		in.fs.cache.Release(b2)
		for _, dsec := range l2 {
			if dsec != 0 {
				in.fs.freeMap.Release(int64(dsec), 1)
			}
		}
		in.fs.freeMap.Release(int64(l2sec), 1)
	}
	in.fs.freeMap.Release(int64(hdr.Start), 1)
	in.fs.freeMap.Release(in.sector, 1)
}

// byteToSector translates a byte offset to its backing data sector,
// allocating map blocks lazily (original_source/src/filesys/inode.c's
// byte_to_sector). For the free-map's own bootstrap inode the map is flat:
// start + pos/SectorSize, with no lazy allocation, since the free map
// cannot yet be consulted to grow itself.
func (in *Inode) byteToSector(hdr *diskInode, pos int64, allocate bool) (int64, error) {
	if in.sector == FreeMapSector {
		return int64(hdr.Start) + pos/SectorSize, nil
	}

	l1idx := pos >> 16
	l2idx := (pos >> 9) & 0x7F
	if l1idx >= PointersPerBlock {
		return 0, errors.New("fs: offset exceeds maximum file size")
	}

	b1 := in.fs.cache.GetBlock(int64(hdr.Start), true)
	l1 := decodePointers(b1.Data[:])
	l2sec := l1[l1idx]
	in.fs.cache.Release(b1)

	if l2sec == 0 {
		if !allocate {
			return 0, nil
		}
		sec, err := in.fs.freeMap.Allocate(1)
		if err != nil {
			return 0, err
		}
		in.fs.cache.Write(sec, encodePointers([PointersPerBlock]uint32{}), 0, SectorSize, false)
		l2sec = uint32(sec)
		in.fs.cache.Write(int64(hdr.Start), encodePointers(setPointer(l1, int(l1idx), l2sec)), 0, SectorSize, true)
	}

	b2 := in.fs.cache.GetBlock(int64(l2sec), true)
	l2 := decodePointers(b2.Data[:])
	dsec := l2[l2idx]
	in.fs.cache.Release(b2)

	if dsec == 0 {
		if !allocate {
			return 0, nil
		}
		sec, err := in.fs.freeMap.Allocate(1)
		if err != nil {
			return 0, err
		}
		zero := make([]byte, SectorSize)
		in.fs.cache.Write(sec, zero, 0, SectorSize, false)
		dsec = uint32(sec)
		in.fs.cache.Write(int64(l2sec), encodePointers(setPointer(l2, int(l2idx), dsec)), 0, SectorSize, true)
	}
	return int64(dsec), nil
}

func setPointer(ptrs [PointersPerBlock]uint32, idx int, v uint32) [PointersPerBlock]uint32 {
	ptrs[idx] = v
	return ptrs
}

// Length returns the inode's current byte length.
func (in *Inode) Length() int64 {
	return int64(in.readHeader().Length)
}

// IsDir reports whether the inode is a directory.
func (in *Inode) IsDir() bool { return in.isDir }

// DenyWrite increments the deny-write count: while non-zero, WriteAt
// returns a short write of zero bytes (inode_deny_write, supplemented from
// original_source per SPEC_FULL.md EXPANSION §4).
func (in *Inode) DenyWrite() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.denyCnt++
}

// AllowWrite decrements the deny-write count.
func (in *Inode) AllowWrite() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.denyCnt--
	if in.denyCnt < 0 {
		panic("fs: deny-write count underflow")
	}
}

// ReadAt reads len(buf) bytes starting at offset ofs. Reads past the
// current length return zero bytes without touching the block map.
func (in *Inode) ReadAt(buf []byte, ofs int64) int {
	hdr := in.readHeader()
	length := int64(hdr.Length)
	n := 0
	for n < len(buf) {
		pos := ofs + int64(n)
		if pos >= length {
			break
		}
		secOfs := int(pos % SectorSize)
		chunk := SectorSize - secOfs
		if remain := int(length - pos); chunk > remain {
			chunk = remain
		}
		if chunk > len(buf)-n {
			chunk = len(buf) - n
		}
		sector, err := in.byteToSector(hdr, pos, false)
		if err != nil {
			break
		}
		if sector == 0 {
			// unallocated hole: this span reads as zeros
			clear(buf[n : n+chunk])
			n += chunk
			continue
		}
		in.fs.cache.Read(sector, buf[n:n+chunk], secOfs, chunk)
		n += chunk
	}
	return n
}

// WriteAt writes len(buf) bytes at offset ofs, extending the inode's
// length in place when the range exceeds it (spec.md §4.5's "File
// growth"). A write that would exceed MaxFileSize, or one that cannot
// allocate a needed map/data block because the free map is exhausted,
// returns a short write rather than an error (spec.md §7).
func (in *Inode) WriteAt(buf []byte, ofs int64) int {
	in.mu.Lock()
	deny := in.denyCnt != 0
	in.mu.Unlock()
	if deny {
		return 0
	}

	hdr := in.readHeader()
	origLength := hdr.Length
	n := 0
	for n < len(buf) {
		pos := ofs + int64(n)
		if pos >= MaxFileSize {
			break
		}
		secOfs := int(pos % SectorSize)
		chunk := SectorSize - secOfs
		if chunk > len(buf)-n {
			chunk = len(buf) - n
		}
		sector, err := in.byteToSector(hdr, pos, true)
		if err != nil {
			break
		}
		readBefore := secOfs != 0 || chunk != SectorSize
		in.fs.cache.Write(sector, buf[n:n+chunk], secOfs, chunk, readBefore)
		n += chunk
		if pos+int64(chunk) > int64(hdr.Length) {
			hdr.Length = uint32(pos + int64(chunk))
		}
	}
	if hdr.Length != origLength {
		in.writeHeader(hdr)
	}
	return n
}
