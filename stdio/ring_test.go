package stdio_test

import (
	"errors"
	"testing"

	"github.com/bobuhiro11/govisor/stdio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flat []byte

func (f flat) Load(addr uint64, b []byte) error {
	if addr+uint64(len(b)) > uint64(len(f)) {
		return errors.New("out of range")
	}

	copy(b, f[addr:])

	return nil
}

func (f flat) Store(addr uint64, b []byte) error {
	if addr+uint64(len(b)) > uint64(len(f)) {
		return errors.New("out of range")
	}

	copy(f[addr:], b)

	return nil
}

func newRing() *stdio.Ring[uint64] {
	return &stdio.Ring[uint64]{Mem: make(flat, 64), Buffer: 0, Head: 32, Tail: 36, Size: 8}
}

func TestRingWriteRead(t *testing.T) {
	t.Parallel()

	r := newRing()

	n, err := r.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	l, err := r.Len()
	require.NoError(t, err)
	assert.Equal(t, 5, l)

	buf := make([]byte, 3)
	n, err = r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hel", string(buf[:n]))

	n, err = r.Write([]byte("world!"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	buf = make([]byte, 16)
	n, err = r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "loworld", string(buf[:n]))

	n, err = r.Read(buf)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRingRejectsCorruptIndex(t *testing.T) {
	t.Parallel()

	mem := make(flat, 64)
	mem[32] = 9
	r := &stdio.Ring[uint64]{Mem: mem, Buffer: 0, Head: 32, Tail: 36, Size: 8}

	_, err := r.Read(make([]byte, 1))
	assert.Error(t, err)

	_, err = r.Write([]byte("x"))
	assert.Error(t, err)
}
