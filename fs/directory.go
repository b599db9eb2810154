package fs

import (
	"encoding/binary"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// NameMax is the longest file name component (spec.md §6).
const NameMax = 14

// direntSize is the packed size of one on-disk directory entry:
// {inode_sector:4, name[15], in_use:1, isdir:1}.
const direntSize = 4 + 15 + 1 + 1

type dirent struct {
	sector int64
	name   string
	inUse  bool
	isDir  bool
}

func decodeDirent(buf []byte) dirent {
	sector := binary.LittleEndian.Uint32(buf[0:4])
	raw := buf[4:19]
	nul := len(raw)
	for i, c := range raw {
		if c == 0 {
			nul = i
			break
		}
	}
	return dirent{
		sector: int64(sector),
		name:   string(raw[:nul]),
		inUse:  buf[19] != 0,
		isDir:  buf[20] != 0,
	}
}

func encodeDirent(d dirent) []byte {
	buf := make([]byte, direntSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(d.sector))
	copy(buf[4:19], d.name)
	if d.inUse {
		buf[19] = 1
	}
	if d.isDir {
		buf[20] = 1
	}
	return buf
}

// Directory wraps an Inode known to hold directory content: a dense array
// of fixed-size entries (spec.md §4.5), guarded by its own mutex for
// lookup/add/remove.
type Directory struct {
	mu    sync.Mutex
	Inode *Inode
}

// OpenDir opens the directory inode at sector.
func (fs *FileSystem) OpenDir(sector int64) *Directory {
	return &Directory{Inode: fs.Open(sector)}
}

// createDirectory formats sector as a directory inode of parentSector,
// installing "." and ".." (the root directory's ".." points at itself).
func (fs *FileSystem) createDirectory(sector, parentSector int64) error {
	entrySize := 2 * direntSize
	if err := fs.createInodeAt(sector, entrySize, true); err != nil {
		return err
	}
	in := fs.Open(sector)
	defer in.Close()
	dot := encodeDirent(dirent{sector: sector, name: ".", inUse: true, isDir: true})
	dotdot := encodeDirent(dirent{sector: parentSector, name: "..", inUse: true, isDir: true})
	in.WriteAt(dot, 0)
	in.WriteAt(dotdot, int64(direntSize))
	return nil
}

// entries returns every slot (including free ones) in the directory's
// entry array.
func (d *Directory) entries() []dirent {
	length := d.Inode.Length()
	n := int(length / direntSize)
	out := make([]dirent, 0, n)
	buf := make([]byte, direntSize)
	for i := 0; i < n; i++ {
		d.Inode.ReadAt(buf, int64(i*direntSize))
		out = append(out, decodeDirent(buf))
	}
	return out
}

// DirEntry is the externally visible shape of a directory lookup result:
// the sector its inode's header lives at, and whether it is itself a
// directory.
type DirEntry struct {
	Sector int64
	IsDir  bool
}

// Lookup returns the entry named name, if in use.
func (d *Directory) Lookup(name string) (DirEntry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range d.entries() {
		if e.inUse && e.name == name {
			return DirEntry{Sector: e.sector, IsDir: e.isDir}, true
		}
	}
	return DirEntry{}, false
}

// Size reports the number of in-use entries, used to detect an
// otherwise-empty directory ("." and ".." only) before removal.
func (d *Directory) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, e := range d.entries() {
		if e.inUse {
			n++
		}
	}
	return n
}

// ErrNameTooLong is returned when a path component exceeds NameMax.
var ErrNameTooLong = errors.New("fs: name exceeds NAME_MAX")

// ErrAlreadyExists is returned when Add is called with a name already in use.
var ErrAlreadyExists = errors.New("fs: name already exists")

// ErrNotFound is returned by Lookup-based operations for a missing entry.
var ErrNotFound = errors.New("fs: no such entry")

// Add installs a new entry, reusing the first free (not-in-use) slot if
// one exists, else appending.
func (d *Directory) Add(name string, sector int64, isDir bool) error {
	if len(name) == 0 || len(name) > NameMax {
		return ErrNameTooLong
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	entries := d.entries()
	for _, e := range entries {
		if e.inUse && e.name == name {
			return ErrAlreadyExists
		}
	}
	rec := encodeDirent(dirent{sector: sector, name: name, inUse: true, isDir: isDir})
	for i, e := range entries {
		if !e.inUse {
			d.Inode.WriteAt(rec, int64(i*direntSize))
			return nil
		}
	}
	d.Inode.WriteAt(rec, int64(len(entries)*direntSize))
	return nil
}

// Remove clears the entry named name by marking its slot not-in-use.
func (d *Directory) Remove(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	entries := d.entries()
	for i, e := range entries {
		if e.inUse && e.name == name {
			blank := encodeDirent(dirent{})
			d.Inode.WriteAt(blank, int64(i*direntSize))
			return nil
		}
	}
	return ErrNotFound
}

// Readdir returns every live entry name except "." and "..".
func (d *Directory) Readdir() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var names []string
	for _, e := range d.entries() {
		if e.inUse && e.name != "." && e.name != ".." {
			names = append(names, e.name)
		}
	}
	return names
}

// Mkdir atomically allocates an inode sector, creates the child directory
// (with "." and ".." installed), and adds it to dir under name, rolling
// back the sector allocation and inode creation on any failure
// (spec.md §4.5's mkdir).
func (d *Directory) Mkdir(name string) (*Directory, error) {
	fs := d.Inode.fs
	sector, err := fs.freeMap.Allocate(1)
	if err != nil {
		return nil, errors.Wrap(err, "fs: mkdir allocate inode")
	}
	if err := fs.createDirectory(sector, d.Inode.sector); err != nil {
		fs.freeMap.Release(sector, 1)
		return nil, err
	}
	if err := d.Add(name, sector, true); err != nil {
		in := fs.Open(sector)
		in.Remove()
		in.Close()
		return nil, err
	}
	return fs.OpenDir(sector), nil
}

// RemoveDir removes the empty child directory named name from d. It fails
// unless the child is empty beyond "." and "..".
func (d *Directory) RemoveDir(name string) error {
	e, ok := d.Lookup(name)
	if !ok {
		return ErrNotFound
	}
	if !e.IsDir {
		return errors.New("fs: not a directory")
	}
	child := d.Inode.fs.OpenDir(e.Sector)
	defer child.Inode.Close()
	if child.Size() != 2 {
		return errors.New("fs: directory not empty")
	}
	if err := d.Remove(name); err != nil {
		return err
	}
	child.Inode.Remove()
	return nil
}

// Resolve walks path one component at a time starting from dir, returning
// the containing directory and the final component name
// (original_source/src/filesys/directory.c's verify_path). Per the
// stricter lock-discipline interpretation spec.md §9 calls for, directory
// mutations are already serialized by FileSystem's single file lock, so
// traversal here is simple sequential lookup rather than acquiring each
// directory's lock before releasing the last.
func (d *Directory) Resolve(path string) (dir *Directory, leaf string, err error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return d, "", nil
	}
	parts := strings.Split(path, "/")
	cur := d
	for i, part := range parts {
		if i == len(parts)-1 {
			return cur, part, nil
		}
		e, ok := cur.Lookup(part)
		if !ok {
			return nil, "", ErrNotFound
		}
		if !e.IsDir {
			return nil, "", errors.New("fs: not a directory")
		}
		next := d.Inode.fs.OpenDir(e.Sector)
		if cur != d {
			cur.Inode.Close()
		}
		cur = next
	}
	return cur, "", nil
}
