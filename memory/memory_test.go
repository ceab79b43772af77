package memory_test

import (
	"testing"

	"github.com/bobuhiro11/govisor/memory"
	"github.com/bobuhiro11/govisor/paging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemory(t *testing.T, size int) *memory.Memory {
	t.Helper()

	m, err := memory.New(size)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	return m
}

func TestLoadStore(t *testing.T) {
	t.Parallel()

	m := newMemory(t, 1<<20)
	assert.Equal(t, uint64(1<<20), m.Size())

	require.NoError(t, m.PutUint64(0x100, 0xdeadbeefcafebabe))
	v, err := m.Uint64(0x100)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xdeadbeefcafebabe), v)

	require.NoError(t, m.PutUint32(0x200, 42))
	w, err := m.Uint32(0x200)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), w)

	require.NoError(t, m.Store(0x300, []byte("hello")))

	b := make([]byte, 5)
	require.NoError(t, m.Load(0x300, b))
	assert.Equal(t, "hello", string(b))
}

func TestBounds(t *testing.T) {
	t.Parallel()

	m := newMemory(t, 4096)

	_, err := m.Slice(4090, 8)
	assert.ErrorIs(t, err, memory.ErrOutOfRange)

	_, err = m.Uint64(^paging.PhysAddr(0))
	assert.ErrorIs(t, err, memory.ErrOutOfRange)

	assert.ErrorIs(t, m.Store(4096, []byte{1}), memory.ErrOutOfRange)
}

func TestFill(t *testing.T) {
	t.Parallel()

	m := newMemory(t, 4096)
	require.NoError(t, m.Fill(0, 16))

	b, err := m.Slice(0, 16)
	require.NoError(t, err)
	assert.Equal(t, memory.Poison+memory.Poison, string(b))
}

func TestCloseTwice(t *testing.T) {
	t.Parallel()

	m, err := memory.New(4096)
	require.NoError(t, err)
	require.NoError(t, m.Close())
	assert.Error(t, m.Close())
}

func TestWindowAlloc(t *testing.T) {
	t.Parallel()

	m := newMemory(t, 16<<20)

	w, err := m.Window(4<<20, 8<<20)
	require.NoError(t, err)

	_, err = w.Reserve("null", 4<<20, paging.PageSize)
	require.NoError(t, err)

	a, err := w.Alloc("a", paging.PageSize, paging.PageSize)
	require.NoError(t, err)
	assert.Equal(t, paging.PhysAddr(6<<20), a.Start)

	b, err := w.Alloc("b", 0x1000, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, paging.PhysAddr(8<<20), b.Start)

	require.NoError(t, w.Free(a))
	assert.True(t, w.IsFree(6<<20, paging.PageSize))

	c, err := w.Alloc("c", 0x1000, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, paging.PhysAddr(6<<20), c.Start)

	_, err = w.Alloc("huge", 8<<20, paging.PageSize)
	assert.ErrorIs(t, err, memory.ErrNoSpace)

	assert.Error(t, w.Free(a))
	assert.Len(t, w.Regions(), 3)
}

func TestWindowRejectsOverlap(t *testing.T) {
	t.Parallel()

	m := newMemory(t, 4<<20)

	w, err := m.Window(0, 4<<20)
	require.NoError(t, err)

	_, err = w.Reserve("x", 0x1000, 0x2000)
	require.NoError(t, err)

	_, err = w.Reserve("y", 0x2000, 0x1000)
	assert.Error(t, err)

	_, err = w.Alloc("z", 0x1000, 3)
	assert.Error(t, err)

	_, err = m.Window(2<<20, 4<<20)
	assert.ErrorIs(t, err, memory.ErrOutOfRange)
}
