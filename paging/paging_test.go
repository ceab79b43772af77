package paging_test

import (
	"testing"

	"github.com/bobuhiro11/govisor/paging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBootstrapIdentityWindow(t *testing.T) {
	t.Parallel()

	offset := paging.PhysAddr(3 * 64 << 20)

	a, err := paging.Bootstrap(3, offset, paging.DefaultEntries)
	require.NoError(t, err)
	assert.Equal(t, 3, a.Core())
	assert.Equal(t, paging.DefaultEntries, a.Len())

	for _, va := range []paging.VirtAddr{paging.PageSize, paging.PageSize + 0x1234, 5*paging.PageSize - 1} {
		pa, err := a.Translate(va)
		require.NoError(t, err)
		assert.Equal(t, paging.PhysAddr(va)+offset, pa)

		back, err := a.Virtual(pa)
		require.NoError(t, err)
		assert.Equal(t, va, back)
	}
}

func TestBootstrapLeavesFirstPageUnmapped(t *testing.T) {
	t.Parallel()

	a, err := paging.Bootstrap(1, 64<<20, paging.DefaultEntries)
	require.NoError(t, err)

	e, err := a.Entry(0)
	require.NoError(t, err)
	assert.False(t, e.Present())

	_, err = a.Translate(0x10)
	assert.ErrorIs(t, err, paging.ErrNotMapped)
}

func TestBootstrapMapsLAPIC(t *testing.T) {
	t.Parallel()

	a, err := paging.Bootstrap(2, 128<<20, paging.DefaultEntries)
	require.NoError(t, err)

	e, err := a.Entry(0x7f7)
	require.NoError(t, err)
	assert.True(t, e.Present())
	assert.Equal(t, paging.LAPICBase, e.Base())
	assert.NotZero(t, uint64(e)&paging.PDE64xPS)

	pa, err := a.Translate(paging.VirtAddr(paging.LAPICBase) + 0xb0)
	require.NoError(t, err)
	assert.Equal(t, paging.LAPICBase+0xb0, pa)
}

func TestTranslateBounds(t *testing.T) {
	t.Parallel()

	a, err := paging.Bootstrap(0, 0, paging.DefaultEntries)
	require.NoError(t, err)

	_, err = a.Translate(paging.VirtAddr(paging.DefaultEntries) << paging.PageShift)
	assert.ErrorIs(t, err, paging.ErrOutOfWindow)

	_, err = a.Entry(-1)
	assert.ErrorIs(t, err, paging.ErrOutOfWindow)

	_, err = a.Virtual(paging.PhysAddr(paging.DefaultEntries) << paging.PageShift)
	assert.Error(t, err)
}

func TestBootstrapRejectsBadInput(t *testing.T) {
	t.Parallel()

	_, err := paging.Bootstrap(0, 0x1000, paging.DefaultEntries)
	assert.Error(t, err)

	_, err = paging.Bootstrap(0, 0, 0x7f7)
	assert.Error(t, err)
}

func TestCR3(t *testing.T) {
	t.Parallel()

	var cr3 paging.CR3

	_, err := cr3.Active()
	assert.ErrorIs(t, err, paging.ErrNoAddressSpace)
	assert.ErrorIs(t, cr3.Install(nil), paging.ErrNoAddressSpace)

	a, err := paging.Bootstrap(0, 0, paging.DefaultEntries)
	require.NoError(t, err)
	require.NoError(t, cr3.Install(a))

	got, err := cr3.Active()
	require.NoError(t, err)
	assert.Same(t, a, got)
}
