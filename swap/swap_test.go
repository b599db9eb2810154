package swap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"vmkern/disk"
	"vmkern/mem"
)

type fakeOwner struct{ id int }

func TestSwapOutInRoundTrip(t *testing.T) {
	dev := disk.NewMemDevice(64)
	store := New(dev, nil)
	pm := mem.NewPhysmem(2)
	dir := mem.NewPageDir()

	pa, err := pm.Alloc()
	require.NoError(t, err)
	upage := mem.Uaddr(0x8048000)
	dir.SetPage(upage, pa, true)

	frame := pm.At(pa)
	for i := range frame {
		frame[i] = byte(i)
	}

	owner := &fakeOwner{id: 1}
	before := store.FreeSectors()
	slot := store.SwapOut(dir, upage, pm, pa, owner)
	_, mapped := dir.GetPage(upage)
	require.False(t, mapped)
	require.Less(t, store.FreeSectors(), before)

	pa2, err := pm.Alloc()
	require.NoError(t, err)
	store.SwapIn(slot, dir, upage, pm, pa2, true)

	require.True(t, dir.IsDirty(upage))
	frame2 := pm.At(pa2)
	for i := range frame2 {
		require.Equal(t, byte(i), frame2[i])
	}
	require.Equal(t, before, store.FreeSectors())
}

func TestInvalidateReleasesWithoutReadback(t *testing.T) {
	dev := disk.NewMemDevice(64)
	store := New(dev, nil)
	pm := mem.NewPhysmem(1)
	dir := mem.NewPageDir()

	pa, _ := pm.Alloc()
	upage := mem.Uaddr(0x1000)
	dir.SetPage(upage, pa, true)

	owner := &fakeOwner{id: 2}
	before := store.FreeSectors()
	store.SwapOut(dir, upage, pm, pa, owner)
	require.Less(t, store.FreeSectors(), before)

	store.Invalidate(owner)
	require.Equal(t, before, store.FreeSectors())
}
