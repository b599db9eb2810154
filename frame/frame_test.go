package frame

import (
	"testing"

	"github.com/stretchr/testify/require"

	"vmkern/mem"
)

type fakeOwner struct {
	upage      mem.Uaddr
	dir        *mem.PageDir
	alwaysSwap bool
	evicted    bool
}

func (f *fakeOwner) Upage() mem.Uaddr   { return f.upage }
func (f *fakeOwner) Dir() *mem.PageDir  { return f.dir }
func (f *fakeOwner) AlwaysSwap() bool   { return f.alwaysSwap }
func (f *fakeOwner) Evict(pa mem.Pa_t) {
	f.evicted = true
	f.dir.ClearPage(f.upage)
}

func TestAllocateEvictsOnExhaustion(t *testing.T) {
	pm := mem.NewPhysmem(1)
	table := New(pm, nil)
	dir := mem.NewPageDir()

	o1 := &fakeOwner{upage: mem.Uaddr(0x1000), dir: dir, alwaysSwap: true}
	pa1 := table.Allocate(o1)
	dir.SetPage(o1.upage, pa1, true)
	require.Equal(t, 1, table.NumResident())

	o2 := &fakeOwner{upage: mem.Uaddr(0x2000), dir: dir}
	pa2 := table.Allocate(o2)
	dir.SetPage(o2.upage, pa2, true)

	// the pool had only one frame: allocating a second must have evicted o1
	require.True(t, o1.evicted)
	require.Equal(t, 1, table.NumResident())
	require.Equal(t, pa1, pa2)
}

func TestCleanFileBackedEvictionJustClearsMapping(t *testing.T) {
	pm := mem.NewPhysmem(1)
	table := New(pm, nil)
	dir := mem.NewPageDir()

	o1 := &fakeOwner{upage: mem.Uaddr(0x1000), dir: dir, alwaysSwap: false}
	pa1 := table.Allocate(o1)
	dir.SetPage(o1.upage, pa1, false)

	o2 := &fakeOwner{upage: mem.Uaddr(0x2000), dir: dir}
	table.Allocate(o2)

	require.False(t, o1.evicted)
	_, mapped := dir.GetPage(o1.upage)
	require.False(t, mapped)
}

func TestDeallocateUnknownFramePanics(t *testing.T) {
	pm := mem.NewPhysmem(1)
	table := New(pm, nil)
	require.Panics(t, func() { table.Deallocate(mem.Pa_t(7)) })
}
