package proc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"vmkern/disk"
	"vmkern/frame"
	"vmkern/fs"
	"vmkern/mem"
	"vmkern/page"
	"vmkern/swap"
)

func newTestProcess(t *testing.T, name string, numFrames int) (*Process, *fs.FileSystem) {
	t.Helper()
	fsDev := disk.NewMemDevice(4096)
	fsys, err := fs.Format(fsDev, nil)
	require.NoError(t, err)

	pm := mem.NewPhysmem(numFrames)
	frames := frame.New(pm, nil)
	swapDev := disk.NewMemDevice(4096)
	sw := swap.New(swapDev, nil)

	return New(name, fsys, pm, frames, sw, nil), fsys
}

func TestCreateWriteReadCloseRoundTrip(t *testing.T) {
	p, _ := newTestProcess(t, "writer", 8)

	require.Equal(t, EOK, p.Create("greeting.txt"))
	fd, errno := p.Open("greeting.txt")
	require.Equal(t, EOK, errno)
	require.Equal(t, 2, fd, "first fd must be 2, 0 and 1 are reserved for the console")

	n, errno := p.Write(fd, []byte("hello"))
	require.Equal(t, EOK, errno)
	require.Equal(t, 5, n)

	require.Equal(t, EOK, p.Seek(fd, 0))
	buf := make([]byte, 5)
	n, errno = p.Read(fd, buf)
	require.Equal(t, EOK, errno)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(buf))

	size, errno := p.Filesize(fd)
	require.Equal(t, EOK, errno)
	require.Equal(t, int64(5), size)

	require.Equal(t, EOK, p.Close(fd))
	_, errno = p.Read(fd, buf)
	require.Equal(t, EBadFd, errno)
}

func TestOpenUnknownFileFails(t *testing.T) {
	p, _ := newTestProcess(t, "reader", 4)
	_, errno := p.Open("nope.txt")
	require.Equal(t, ENoEnt, errno)
}

func TestCreateDuplicateNameFails(t *testing.T) {
	p, _ := newTestProcess(t, "dup", 4)
	require.Equal(t, EOK, p.Create("f"))
	require.Equal(t, EExist, p.Create("f"))
}

func TestRemoveDeletesFile(t *testing.T) {
	p, _ := newTestProcess(t, "remover", 4)
	require.Equal(t, EOK, p.Create("gone.txt"))
	require.Equal(t, EOK, p.Remove("gone.txt"))
	_, errno := p.Open("gone.txt")
	require.Equal(t, ENoEnt, errno)
}

func TestDenyWriteBlocksWritesDuringExec(t *testing.T) {
	p, _ := newTestProcess(t, "exec", 4)
	require.Equal(t, EOK, p.Create("bin"))
	require.Equal(t, EOK, p.Exec("bin"))

	fd, errno := p.Open("bin")
	require.Equal(t, EOK, errno)
	n, errno := p.Write(fd, []byte("overwrite"))
	require.Equal(t, EOK, errno)
	require.Equal(t, 0, n, "deny-write must short-circuit a write to the running executable")
}

func TestMmapWriteBackThroughProcess(t *testing.T) {
	p, _ := newTestProcess(t, "mapper", 8)
	require.Equal(t, EOK, p.Create("mapped.bin"))
	fd, errno := p.Open("mapped.bin")
	require.Equal(t, EOK, errno)

	zeros := make([]byte, 4100)
	_, errno = p.Write(fd, zeros)
	require.Equal(t, EOK, errno)

	addr := mem.Uaddr(0x20000000)
	id, errno := p.Mmap(fd, addr)
	require.Equal(t, EOK, errno)

	result, ok := p.Fault(addr)
	require.True(t, ok)
	require.Equal(t, page.FaultFileLoaded, result)

	pa, mapped := p.dir.GetPage(addr)
	require.True(t, mapped)
	p.pm.At(pa)[10] = 'X'
	p.dir.Touch(addr, true)

	require.Equal(t, EOK, p.Munmap(id))

	require.Equal(t, EOK, p.Seek(fd, 10))
	buf := make([]byte, 1)
	p.Read(fd, buf)
	require.Equal(t, byte('X'), buf[0])
}

func TestExitReleasesFramesAndSwapAndFiles(t *testing.T) {
	p, _ := newTestProcess(t, "exiter", 1)
	p.SetStackPointer(mem.Uaddr(0xC0000000 - 4096))

	_, ok := p.Fault(mem.Uaddr(0xC0000000 - 10))
	require.True(t, ok)

	require.Equal(t, EOK, p.Create("f"))
	fd, errno := p.Open("f")
	require.Equal(t, EOK, errno)
	p.Write(fd, []byte("data"))

	p.Exit()
	require.Equal(t, 0, p.frames.NumResident())
	require.Equal(t, 4096, p.swap.FreeSectors())
	require.Empty(t, p.files)
}
