package page

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"vmkern/disk"
	"vmkern/frame"
	"vmkern/mem"
	"vmkern/swap"
)

type memFile struct {
	mu   sync.Mutex
	data []byte
}

func (f *memFile) ReadAt(buf []byte, ofs int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ofs >= int64(len(f.data)) {
		return 0
	}
	return copy(buf, f.data[ofs:])
}

func (f *memFile) WriteAt(buf []byte, ofs int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	end := ofs + int64(len(buf))
	if end > int64(len(f.data)) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}
	copy(f.data[ofs:end], buf)
	return len(buf)
}

func newTestTable(t *testing.T, numFrames int) *Table {
	t.Helper()
	pm := mem.NewPhysmem(numFrames)
	dir := mem.NewPageDir()
	frames := frame.New(pm, nil)
	dev := disk.NewMemDevice(4096)
	sw := swap.New(dev, nil)
	return New(dir, pm, frames, sw, nil)
}

func TestLazyLoadThenEvictionReloadsFromFile(t *testing.T) {
	table := newTestTable(t, 1)
	file := &memFile{data: []byte("0123456789abcdef")}

	a := mem.Uaddr(0x08048000)
	b := mem.Uaddr(0x08049000)
	table.InstallFilePage(a, file, 0, len(file.data), false)
	table.InstallFilePage(b, file, 0, len(file.data), false)

	require.Equal(t, FaultFileLoaded, table.Resolve(a))
	require.Equal(t, FaultFileLoaded, table.Resolve(b)) // evicts a (clean, file-backed)

	_, mapped := table.dir.GetPage(a)
	require.False(t, mapped)

	require.Equal(t, FaultFileLoaded, table.Resolve(a))
	_, mapped = table.dir.GetPage(a)
	require.True(t, mapped)
}

func TestDirtyStackPageEvictionRoundTrip(t *testing.T) {
	table := newTestTable(t, 1)
	table.SetStackPointer(UserKernelBoundary - 4096)

	stackAddr := UserKernelBoundary - 10
	require.Equal(t, FaultStackGrowth, table.Resolve(stackAddr))

	upage := pageRoundDown(stackAddr)
	d := table.pages[upage]
	pa, _ := table.dir.GetPage(upage)
	frameBuf := table.pm.At(pa)
	for i := 0; i < 256; i++ {
		frameBuf[i] = byte(i)
	}
	table.dir.Touch(upage, true) // simulate the hardware write marking it dirty

	// force eviction by resolving a second, distinct stack-ish page with
	// only one frame available in the pool.
	other := StackLimit + 4096
	table.SetStackPointer(other)
	require.Equal(t, FaultStackGrowth, table.Resolve(other))

	require.NotNil(t, d.slot, "evicted stack page must have a swap slot")

	require.Equal(t, FaultSwappedIn, table.Resolve(upage))
	pa2, _ := table.dir.GetPage(upage)
	reloaded := table.pm.At(pa2)
	for i := 0; i < 256; i++ {
		require.Equal(t, byte(i), reloaded[i])
	}
	require.True(t, table.dir.IsDirty(upage))
}

func TestStackHeuristicBounds(t *testing.T) {
	table := newTestTable(t, 4)
	sp := UserKernelBoundary - 4096
	table.SetStackPointer(sp)

	require.True(t, table.isStackCandidate(sp-32, sp))
	require.False(t, table.isStackCandidate(sp-33, sp))
	require.False(t, table.isStackCandidate(StackLimit-mem.Uaddr(mem.PGSIZE), sp))
}

func TestMmapWriteBack(t *testing.T) {
	table := newTestTable(t, 8)
	data := make([]byte, 4100)
	file := &memFile{data: data}

	addr := mem.Uaddr(0x10000000)
	id, err := table.Mmap(file, addr, int64(len(data)))
	require.NoError(t, err)

	page0 := addr
	page1 := addr + mem.Uaddr(mem.PGSIZE)
	require.Equal(t, FaultFileLoaded, table.Resolve(page0))
	require.Equal(t, FaultFileLoaded, table.Resolve(page1))

	pa0, _ := table.dir.GetPage(page0)
	table.pm.At(pa0)[10] = 'X'
	table.dir.Touch(page0, true)

	pa1, _ := table.dir.GetPage(page1)
	table.pm.At(pa1)[4099-mem.PGSIZE] = 'Y'
	table.dir.Touch(page1, true)

	require.NoError(t, table.Munmap(id))

	require.Equal(t, byte('X'), file.data[10])
	require.Equal(t, byte('Y'), file.data[4099])
	for i, b := range file.data {
		if i != 10 && i != 4099 {
			require.Equalf(t, byte(0), b, "offset %d should remain zero", i)
		}
	}
	require.Equal(t, 4100, len(file.data))
}

func TestDestroyInvalidatesSwapBeforeFreeingFrames(t *testing.T) {
	table := newTestTable(t, 1)
	table.SetStackPointer(UserKernelBoundary - 4096)
	require.Equal(t, FaultStackGrowth, table.Resolve(UserKernelBoundary-10))

	before := table.swap.FreeSectors()
	other := StackLimit + 8192
	table.SetStackPointer(other)
	require.Equal(t, FaultStackGrowth, table.Resolve(other)) // evicts the first stack page to swap
	require.Less(t, table.swap.FreeSectors(), before)

	table.Destroy()
	require.Equal(t, before, table.swap.FreeSectors())
	require.Equal(t, 0, table.frames.NumResident())
}
