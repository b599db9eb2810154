// Package disk implements the block-device driver named as an external
// collaborator in spec.md §6: block_read/block_write moving one
// SECTOR_SIZE sector synchronously. It is the simulated stand-in for the
// teacher's ahci_disk_t (Oichkatzelesfrettschen-biscuit/biscuit/src/ufs/driver.go),
// which plays the same role backed by an ordinary file instead of a real
// AHCI controller.
package disk

import (
	"os"
	"sync"

	"github.com/pkg/errors"

	"vmkern/mem"
)

// SectorSize is the fixed sector size every Device operates on.
const SectorSize = mem.SECTOR_SIZE

// Device is a synchronous sector-addressable block device. Two logical
// instances are used by the rest of the module: the file-system device and
// the swap device, matching spec.md §6.
type Device interface {
	ReadSector(sector int64, buf []byte) error
	WriteSector(sector int64, buf []byte) error
	Sync() error
	NumSectors() int64
}

// FileDevice is a Device backed by a regular file, grown on demand. All
// operations hold a single mutex, mirroring ahci_disk_t's "lock to ensure
// seek followed by read/write is atomic" comment.
type FileDevice struct {
	mu sync.Mutex
	f  *os.File
}

// OpenFile opens (creating if necessary) path as a FileDevice.
func OpenFile(path string) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "disk: open %s", path)
	}
	return &FileDevice{f: f}, nil
}

// ReadSector reads exactly SectorSize bytes from sector into buf.
func (d *FileDevice) ReadSector(sector int64, buf []byte) error {
	if len(buf) != SectorSize {
		panic("disk: ReadSector buffer must be SectorSize")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.f.Seek(sector*SectorSize, 0); err != nil {
		return errors.Wrap(err, "disk: seek")
	}
	n, err := d.f.Read(buf)
	if err != nil {
		return errors.Wrapf(err, "disk: short read (%d bytes) at sector %d", n, sector)
	}
	if n != SectorSize {
		return errors.Errorf("disk: short read (%d bytes) at sector %d", n, sector)
	}
	return nil
}

// WriteSector writes exactly SectorSize bytes from buf to sector.
func (d *FileDevice) WriteSector(sector int64, buf []byte) error {
	if len(buf) != SectorSize {
		panic("disk: WriteSector buffer must be SectorSize")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.f.Seek(sector*SectorSize, 0); err != nil {
		return errors.Wrap(err, "disk: seek")
	}
	n, err := d.f.Write(buf)
	if err != nil || n != SectorSize {
		return errors.Wrapf(err, "disk: short write (%d bytes) at sector %d", n, sector)
	}
	return nil
}

// Sync flushes any buffered writes to stable storage.
func (d *FileDevice) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return errors.Wrap(d.f.Sync(), "disk: sync")
}

// NumSectors reports the device's current size in sectors.
func (d *FileDevice) NumSectors() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	fi, err := d.f.Stat()
	if err != nil {
		panic(err)
	}
	return fi.Size() / SectorSize
}

// Close releases the underlying file.
func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Close()
}

// MemDevice is an in-memory Device, used by tests that would otherwise pay
// for file I/O on every sector access (spec.md's scenarios run many small
// transfers).
type MemDevice struct {
	mu      sync.Mutex
	sectors [][SectorSize]byte
}

// NewMemDevice returns a zero-filled device of n sectors.
func NewMemDevice(n int64) *MemDevice {
	return &MemDevice{sectors: make([][SectorSize]byte, n)}
}

func (d *MemDevice) grow(n int64) {
	for int64(len(d.sectors)) <= n {
		d.sectors = append(d.sectors, [SectorSize]byte{})
	}
}

func (d *MemDevice) ReadSector(sector int64, buf []byte) error {
	if len(buf) != SectorSize {
		panic("disk: ReadSector buffer must be SectorSize")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if sector >= int64(len(d.sectors)) {
		return errors.Errorf("disk: read past end of device at sector %d", sector)
	}
	copy(buf, d.sectors[sector][:])
	return nil
}

func (d *MemDevice) WriteSector(sector int64, buf []byte) error {
	if len(buf) != SectorSize {
		panic("disk: WriteSector buffer must be SectorSize")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.grow(sector)
	copy(d.sectors[sector][:], buf)
	return nil
}

func (d *MemDevice) Sync() error { return nil }

func (d *MemDevice) NumSectors() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int64(len(d.sectors))
}
