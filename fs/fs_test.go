package fs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"vmkern/disk"
)

func newTestFS(t *testing.T, sectors int64) *FileSystem {
	t.Helper()
	dev := disk.NewMemDevice(sectors)
	fsys, err := Format(dev, nil)
	require.NoError(t, err)
	return fsys
}

func TestCreateWriteReadFile(t *testing.T) {
	fsys := newTestFS(t, 4096)
	root := fsys.RootDir()
	require.NoError(t, fsys.CreateFile(root, "hello.txt"))

	e, ok := root.Lookup("hello.txt")
	require.True(t, ok)
	require.False(t, e.IsDir)

	in := fsys.Open(e.Sector)
	defer in.Close()

	data := []byte("hello, world")
	n := in.WriteAt(data, 0)
	require.Equal(t, len(data), n)
	require.Equal(t, int64(len(data)), in.Length())

	buf := make([]byte, len(data))
	n = in.ReadAt(buf, 0)
	require.Equal(t, len(data), n)
	require.Equal(t, data, buf)
}

func TestWriteExtendsLengthAndZeroFillsGap(t *testing.T) {
	fsys := newTestFS(t, 4096)
	root := fsys.RootDir()
	require.NoError(t, fsys.CreateFile(root, "f"))
	e, _ := root.Lookup("f")
	in := fsys.Open(e.Sector)
	defer in.Close()

	in.WriteAt([]byte{0xAA}, 10)
	require.Equal(t, int64(11), in.Length())

	buf := make([]byte, 11)
	in.ReadAt(buf, 0)
	for i := 0; i < 10; i++ {
		require.Equal(t, byte(0), buf[i])
	}
	require.Equal(t, byte(0xAA), buf[10])
}

func TestSparseFileGrowth(t *testing.T) {
	fsys := newTestFS(t, 20000)
	root := fsys.RootDir()
	require.NoError(t, fsys.CreateFile(root, "sparse"))
	e, _ := root.Lookup("sparse")
	in := fsys.Open(e.Sector)
	defer in.Close()

	n := in.WriteAt([]byte{1, 2, 3, 4}, 7_000_000)
	require.Equal(t, 4, n)
	require.Equal(t, int64(7_000_004), in.Length())

	probe := make([]byte, 1)
	in.ReadAt(probe, 3_000_000)
	require.Equal(t, byte(0), probe[0])

	tail := make([]byte, 4)
	in.ReadAt(tail, 7_000_000)
	require.Equal(t, []byte{1, 2, 3, 4}, tail)
}

func TestDenyWriteShortCircuitsWrites(t *testing.T) {
	fsys := newTestFS(t, 4096)
	root := fsys.RootDir()
	require.NoError(t, fsys.CreateFile(root, "exe"))
	e, _ := root.Lookup("exe")
	in := fsys.Open(e.Sector)
	defer in.Close()

	in.DenyWrite()
	n := in.WriteAt([]byte("ignored"), 0)
	require.Equal(t, 0, n)
	in.AllowWrite()

	n = in.WriteAt([]byte("ok"), 0)
	require.Equal(t, 2, n)
}

func TestMkdirAndRemoveDir(t *testing.T) {
	fsys := newTestFS(t, 4096)
	root := fsys.RootDir()

	sub, err := root.Mkdir("sub")
	require.NoError(t, err)
	require.Equal(t, 2, sub.Size())

	require.NoError(t, fsys.CreateFile(sub, "inner.txt"))
	require.Equal(t, 3, sub.Size())

	err = root.RemoveDir("sub")
	require.Error(t, err) // not empty beyond "." and ".."

	require.NoError(t, sub.Remove("inner.txt"))
	require.Equal(t, 2, sub.Size())
	require.NoError(t, root.RemoveDir("sub"))

	_, ok := root.Lookup("sub")
	require.False(t, ok)
}

func TestPathResolve(t *testing.T) {
	fsys := newTestFS(t, 4096)
	root := fsys.RootDir()
	sub, err := root.Mkdir("a")
	require.NoError(t, err)
	require.NoError(t, fsys.CreateFile(sub, "b.txt"))

	dir, leaf, err := root.Resolve("a/b.txt")
	require.NoError(t, err)
	require.Equal(t, "b.txt", leaf)
	_, ok := dir.Lookup(leaf)
	require.True(t, ok)
}

func TestCacheClockProtectsInUseBlocks(t *testing.T) {
	dev := disk.NewMemDevice(MaxBufferCache + 8)
	c := NewCache(dev, nil)

	// fill the cache to capacity; every block is accessed (from the
	// GetBlock that admitted it) but one is held open (in use) and must
	// survive eviction no matter how many times the clock hand passes it.
	var pinned *Block
	for s := int64(0); s < MaxBufferCache; s++ {
		b := c.GetBlock(s, true)
		if s == 0 {
			pinned = b
			continue // leave sector 0 in use
		}
		c.Release(b)
	}

	fresh := c.GetBlock(MaxBufferCache, true)
	c.Drain()

	_, stillResident := c.blocks[0]
	require.True(t, stillResident, "in-use block must not be evicted")
	c.Release(pinned)
	c.Release(fresh)
}

func TestConcurrentEvictThenAccessReloadsFromDisk(t *testing.T) {
	dev := disk.NewMemDevice(MaxBufferCache + 8)
	c := NewCache(dev, nil)

	victim := c.GetBlock(0, true)
	victim.Data[0] = 0x42
	victim.dirty = true
	c.Release(victim)

	// fill the cache so sector 0 is the clock victim on the next miss
	for s := int64(1); s <= MaxBufferCache; s++ {
		b := c.GetBlock(s, true)
		c.Release(b)
	}

	// sector 0 should now be on the evicting list or already flushed;
	// a fresh GetBlock must wait out any in-flight write-back and then
	// reload from disk rather than observing the pre-eviction image.
	time.Sleep(5 * evictPollInterval)
	reloaded := c.GetBlock(0, true)
	require.Equal(t, byte(0x42), reloaded.Data[0])
	c.Release(reloaded)
	c.Drain()
}
