// Package proc ties one process's address space, open-file table, and exit
// teardown together — the process-level glue spec.md itself does not name
// as a [MODULE] but that every other component assumes exists, since
// page.Table, fs.FileSystem, frame.Table and swap.Store are each
// process-or-system-wide singletons that still need one place wiring them
// into "what does this process own, and in what order does it give it
// back." It is grounded on Oichkatzelesfrettschen-biscuit/biscuit/src/ufs/ufs.go's
// Ufs_t, a small facade gluing a filesystem handle, a synthetic cwd, and
// fd bookkeeping together, and on biscuit/src/accnt/accnt.go for the
// register used in this package's doc comments (brief "what"/"why" one-liners
// rather than the teacher's own per-field /// comments, since biscuit's own
// ufs.go keeps its doc comments terse too).
//
// proc implements the syscall surface spec.md §6 names the core must
// respond to: file create/remove/open/close, read/write/seek/tell/filesize,
// and mmap/munmap. Process halt/exec/wait are process-management concerns
// spec.md §1 excludes (system-call dispatch, process loading); the slice of
// "exec" this package does own is the deny-write handshake SPEC_FULL.md's
// EXPANSION §4 supplements (an executing binary rejects writes) and handing
// a loaded segment's page descriptors to page.Table.
package proc

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"vmkern/frame"
	"vmkern/fs"
	"vmkern/mem"
	"vmkern/page"
	"vmkern/swap"
)

// Errno is the small negative-errno-shaped result type the syscall-facing
// surface returns, matching spec.md §7's "User-supplied invalid argument ...
// returns a sentinel" taxonomy and biscuit's own Err_t convention
// (biscuit/src/defs/defs.go) without importing biscuit's defs package
// directly, since vmkern is not itself a freestanding kernel.
type Errno int

// EOK is success. Every other Errno value is negative, matching the
// original's errno-style returns.
const EOK Errno = 0

const (
	EBadFd    Errno = -1 // unknown file descriptor
	ENoEnt    Errno = -2 // no such file or directory
	EExist    Errno = -3 // name already exists
	EInval    Errno = -4 // bad argument (unaligned mmap address, path into a file, etc.)
	EIsDir    Errno = -5 // expected a file, found a directory
	ENotDir   Errno = -6 // expected a directory, found a file
	ENotEmpty Errno = -7 // rmdir on a non-empty directory
)

// reservedFds is the count of descriptors reserved for the console
// (spec.md §6: "0 and 1 are reserved for the console"); the first
// process-opened file gets fd 2.
const reservedFds = 2

type openFile struct {
	inode *fs.Inode
	pos   int64
}

// Process is one address space plus its open-file table: a page.Table for
// fault resolution and mmap, a handle on the shared filesystem/frame
// table/swap store singletons, and the fd table spec.md §6 describes as
// "monotonically allocated per-process starting at 2".
type Process struct {
	Name string

	fsys   *fs.FileSystem
	pages  *page.Table
	dir    *mem.PageDir
	frames *frame.Table
	swap   *swap.Store
	pm     *mem.Physmem

	fdMu   sync.Mutex
	files  map[int]*openFile
	nextFd int

	exe *fs.Inode // deny-write while this process is the running executable

	log *zap.Logger
}

// New creates a process's address space over the shared frame table, swap
// store, and filesystem, with its own simulated hardware page directory.
func New(name string, fsys *fs.FileSystem, pm *mem.Physmem, frames *frame.Table, sw *swap.Store, log *zap.Logger) *Process {
	if log == nil {
		log = zap.NewNop()
	}
	dir := mem.NewPageDir()
	return &Process{
		Name:   name,
		fsys:   fsys,
		pages:  page.New(dir, pm, frames, sw, log),
		dir:    dir,
		frames: frames,
		swap:   sw,
		pm:     pm,
		files:  make(map[int]*openFile),
		nextFd: reservedFds,
		log:    log,
	}
}

// PageDir exposes the process's simulated hardware page directory, used by
// callers simulating a user memory access (Touch) before calling Fault.
func (p *Process) PageDir() *mem.PageDir { return p.dir }

// SetStackPointer forwards to the underlying page table's stack-growth
// heuristic input (spec.md §4.3).
func (p *Process) SetStackPointer(sp mem.Uaddr) { p.pages.SetStackPointer(sp) }

// resolveDir walks path to its containing directory and leaf component,
// returning a function the caller must invoke to release whatever
// intermediate directory handles Resolve opened.
func (p *Process) resolveDir(path string) (dir *fs.Directory, leaf string, release func(), err error) {
	root := p.fsys.RootDir()
	d, leaf, err := root.Resolve(path)
	if err != nil {
		root.Inode.Close()
		return nil, "", func() {}, err
	}
	if d == root {
		return d, leaf, func() { root.Inode.Close() }, nil
	}
	root.Inode.Close()
	return d, leaf, func() { d.Inode.Close() }, nil
}

// Create creates a new zero-length file at path (spec.md §6 "file create").
func (p *Process) Create(path string) Errno {
	p.fsys.Lock()
	defer p.fsys.Unlock()
	dir, leaf, release, err := p.resolveDir(path)
	if err != nil {
		return ENoEnt
	}
	defer release()
	if leaf == "" {
		return EInval
	}
	if _, ok := dir.Lookup(leaf); ok {
		return EExist
	}
	if err := p.fsys.CreateFile(dir, leaf); err != nil {
		return EInval
	}
	return EOK
}

// Remove deletes the file or empty directory at path (spec.md §6 "file
// remove").
func (p *Process) Remove(path string) Errno {
	p.fsys.Lock()
	defer p.fsys.Unlock()
	dir, leaf, release, err := p.resolveDir(path)
	if err != nil {
		return ENoEnt
	}
	defer release()
	if leaf == "" {
		return EInval
	}
	e, ok := dir.Lookup(leaf)
	if !ok {
		return ENoEnt
	}
	if e.IsDir {
		if err := dir.RemoveDir(leaf); err != nil {
			return ENotEmpty
		}
		return EOK
	}
	in := p.fsys.Open(e.Sector)
	in.Remove()
	in.Close()
	if err := dir.Remove(leaf); err != nil {
		return ENoEnt
	}
	return EOK
}

// Open opens path and returns a new file descriptor (spec.md §6 "file
// open"). Descriptors are monotonically allocated starting at 2.
func (p *Process) Open(path string) (int, Errno) {
	p.fsys.Lock()
	dir, leaf, release, err := p.resolveDir(path)
	if err != nil {
		p.fsys.Unlock()
		return -1, ENoEnt
	}
	var sector int64
	if leaf == "" {
		sector = dir.Inode.Sector()
	} else {
		e, ok := dir.Lookup(leaf)
		if !ok {
			release()
			p.fsys.Unlock()
			return -1, ENoEnt
		}
		sector = e.Sector
	}
	in := p.fsys.Open(sector)
	release()
	p.fsys.Unlock()

	p.fdMu.Lock()
	fd := p.nextFd
	p.nextFd++
	p.files[fd] = &openFile{inode: in}
	p.fdMu.Unlock()
	return fd, EOK
}

func (p *Process) lookupFd(fd int) (*openFile, Errno) {
	p.fdMu.Lock()
	defer p.fdMu.Unlock()
	f, ok := p.files[fd]
	if !ok {
		return nil, EBadFd
	}
	return f, EOK
}

// Close closes fd (spec.md §6 "file close").
func (p *Process) Close(fd int) Errno {
	p.fdMu.Lock()
	f, ok := p.files[fd]
	if !ok {
		p.fdMu.Unlock()
		return EBadFd
	}
	delete(p.files, fd)
	p.fdMu.Unlock()

	p.fsys.Lock()
	f.inode.Close()
	p.fsys.Unlock()
	return EOK
}

// Read reads into buf from fd's current position, advancing it by the
// number of bytes actually read (spec.md §6 "read").
func (p *Process) Read(fd int, buf []byte) (int, Errno) {
	f, errno := p.lookupFd(fd)
	if errno != EOK {
		return 0, errno
	}
	p.fsys.Lock()
	n := f.inode.ReadAt(buf, f.pos)
	p.fsys.Unlock()
	f.pos += int64(n)
	return n, EOK
}

// Write writes buf to fd's current position, advancing it by the number of
// bytes actually written (spec.md §6 "write"). A short write (deny-write in
// effect, or the file would exceed MaxFileSize) is not an error.
func (p *Process) Write(fd int, buf []byte) (int, Errno) {
	f, errno := p.lookupFd(fd)
	if errno != EOK {
		return 0, errno
	}
	p.fsys.Lock()
	n := f.inode.WriteAt(buf, f.pos)
	p.fsys.Unlock()
	f.pos += int64(n)
	return n, EOK
}

// Seek repositions fd's cursor (spec.md §6 "seek").
func (p *Process) Seek(fd int, pos int64) Errno {
	f, errno := p.lookupFd(fd)
	if errno != EOK {
		return errno
	}
	f.pos = pos
	return EOK
}

// Tell reports fd's current cursor position (spec.md §6 "tell").
func (p *Process) Tell(fd int) (int64, Errno) {
	f, errno := p.lookupFd(fd)
	if errno != EOK {
		return 0, errno
	}
	return f.pos, EOK
}

// Filesize reports fd's backing file length (spec.md §6 "filesize").
func (p *Process) Filesize(fd int) (int64, Errno) {
	f, errno := p.lookupFd(fd)
	if errno != EOK {
		return 0, errno
	}
	p.fsys.Lock()
	n := f.inode.Length()
	p.fsys.Unlock()
	return n, EOK
}

// Mmap maps fd's backing file at addr (spec.md §4.3/§6 "mmap"). The file's
// inode is pinned open via the existing fd handle's reference for the
// mapping's lifetime (the original stand-alone maps each mmap request to a
// separate inode Reopen; Mmap here reuses fd's already-open handle, which
// the caller must keep open for as long as the mapping is live).
func (p *Process) Mmap(fd int, addr mem.Uaddr) (int, Errno) {
	f, errno := p.lookupFd(fd)
	if errno != EOK {
		return 0, errno
	}
	p.fsys.Lock()
	length := f.inode.Length()
	p.fsys.Unlock()

	id, err := p.pages.Mmap(f.inode, addr, length)
	if err != nil {
		return 0, EInval
	}
	return id, EOK
}

// Munmap tears down the mapping id, writing back dirty pages (spec.md §6
// "munmap").
func (p *Process) Munmap(id int) Errno {
	if err := p.pages.Munmap(id); err != nil {
		return EInval
	}
	return EOK
}

// LoadSegment registers one lazily-loaded, file-backed page range of an
// executable at addr, read from fd at ofs for n bytes with the given
// writable flag (the page-install half of load_segment in
// original_source/src/userprog/process.c; parsing the executable header
// itself is out of scope per spec.md §1's "User-program loader and
// executable parsing"). The caller is expected to have already called
// DenyWrite via Exec.
func (p *Process) LoadSegment(addr mem.Uaddr, fd int, ofs int64, n int, writable bool) Errno {
	f, errno := p.lookupFd(fd)
	if errno != EOK {
		return errno
	}
	p.pages.InstallFilePage(addr, f.inode, ofs, n, writable)
	return EOK
}

// Exec opens path as this process's running executable and denies further
// writes to it for as long as the process runs (inode_deny_write,
// supplemented from original_source per SPEC_FULL.md EXPANSION §4). Full
// process loading (argument marshalling, ELF parsing, a new address space
// per exec) is out of scope per spec.md §1; this method owns only the
// memory-management-adjacent slice of exec.
func (p *Process) Exec(path string) Errno {
	p.fsys.Lock()
	dir, leaf, release, err := p.resolveDir(path)
	if err != nil {
		p.fsys.Unlock()
		return ENoEnt
	}
	e, ok := dir.Lookup(leaf)
	release()
	if !ok {
		p.fsys.Unlock()
		return ENoEnt
	}
	in := p.fsys.Open(e.Sector)
	in.DenyWrite()
	p.fsys.Unlock()

	p.exe = in
	return EOK
}

// Fault simulates a hardware page fault at addr, dispatching through the
// page table's Resolve. If the fault cannot be resolved, the process must
// be killed with exit status -1 and the expected diagnostic line printed
// (spec.md §7: "the page-fault path is the sole place where a recoverable
// failure translates into process termination"). The caller is responsible
// for actually unwinding the faulting thread; Fault only reports whether
// that must happen.
func (p *Process) Fault(addr mem.Uaddr) (page.FaultResult, bool) {
	result := p.pages.Resolve(addr)
	if result == page.FaultFailed {
		fmt.Printf("%s: exit(-1)\n", p.Name)
		return result, false
	}
	return result, true
}

// Exit tears this process down (spec.md §4.3's "Destruction at process
// exit"): the page table invalidates this process's swap slots before
// releasing frames (page.Table.Destroy already orders this correctly),
// every open file descriptor is closed, and the running executable (if
// any) has its deny-write lifted before closing. Dirty cache blocks this
// process authored are flushed asynchronously by the shared buffer cache's
// own eviction path, not synchronously here — per spec.md §5, process exit
// only guarantees synchronous frame/swap release, not a cache flush.
func (p *Process) Exit() {
	p.pages.Destroy()

	p.fdMu.Lock()
	files := p.files
	p.files = make(map[int]*openFile)
	p.fdMu.Unlock()

	p.fsys.Lock()
	for _, f := range files {
		f.inode.Close()
	}
	if p.exe != nil {
		p.exe.AllowWrite()
		p.exe.Close()
		p.exe = nil
	}
	p.fsys.Unlock()
}
