package mem

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPhysmemAllocFree(t *testing.T) {
	p := NewPhysmem(4)
	require.Equal(t, 4, p.NumFree())

	a, err := p.Alloc()
	require.NoError(t, err)
	b, err := p.Alloc()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
	require.Equal(t, 2, p.NumFree())

	p.Free(a)
	require.Equal(t, 3, p.NumFree())
}

func TestPhysmemExhaustion(t *testing.T) {
	p := NewPhysmem(1)
	_, err := p.Alloc()
	require.NoError(t, err)
	_, err = p.Alloc()
	require.ErrorIs(t, err, ErrPoolExhausted)
}

func TestPhysmemDoubleFreePanics(t *testing.T) {
	p := NewPhysmem(1)
	pa, _ := p.Alloc()
	p.Free(pa)
	require.Panics(t, func() { p.Free(pa) })
}

func TestPageDirDirtyRequiresMapping(t *testing.T) {
	d := NewPageDir()
	require.Panics(t, func() { d.IsDirty(Uaddr(0x1000)) })

	d.SetPage(Uaddr(0x1000), Pa_t(3), true)
	require.False(t, d.IsDirty(Uaddr(0x1000)))

	d.Touch(Uaddr(0x1003), true) // unaligned address still hits the page
	require.True(t, d.IsDirty(Uaddr(0x1000)))

	d.SetDirty(Uaddr(0x1000), false)
	require.False(t, d.IsDirty(Uaddr(0x1000)))

	d.ClearPage(Uaddr(0x1000))
	_, ok := d.GetPage(Uaddr(0x1000))
	require.False(t, ok)
}

func TestPageDirAccessedBit(t *testing.T) {
	d := NewPageDir()
	d.SetPage(Uaddr(0x2000), Pa_t(1), false)
	require.False(t, d.IsAccessed(Uaddr(0x2000)))
	d.SetAccessed(Uaddr(0x2000), true)
	require.True(t, d.IsAccessed(Uaddr(0x2000)))
	d.SetAccessed(Uaddr(0x2000), false)
	require.False(t, d.IsAccessed(Uaddr(0x2000)))
}
