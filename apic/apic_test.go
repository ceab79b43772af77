package apic_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bobuhiro11/govisor/apic"
	"github.com/bobuhiro11/govisor/paging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newLocal(t *testing.T, n, id int) (*apic.Controller, *apic.LocalAPIC) {
	t.Helper()

	c := apic.NewController(n, zap.NewNop())

	l, err := c.Local(id)
	require.NoError(t, err)

	space, err := paging.Bootstrap(id, paging.PhysAddr(id)*(64<<20), paging.DefaultEntries)
	require.NoError(t, err)
	require.NoError(t, l.Enable(space))

	return c, l
}

func TestEnableNeedsAddressSpace(t *testing.T) {
	t.Parallel()

	c := apic.NewController(1, zap.NewNop())
	l, err := c.Local(0)
	require.NoError(t, err)

	assert.ErrorIs(t, l.Enable(nil), paging.ErrNoAddressSpace)
	assert.False(t, l.Enabled())

	_, err = l.Read32(apic.RegID)
	assert.ErrorIs(t, err, apic.ErrNotEnabled)

	_, err = c.Local(1)
	assert.Error(t, err)
}

func TestRegisterReturnsPrevious(t *testing.T) {
	t.Parallel()

	_, l := newLocal(t, 1, 0)

	assert.Nil(t, l.Register(apic.VectorICC, "first", func(*apic.Frame) error { return nil }))

	old := l.Register(apic.VectorICC, "second", func(*apic.Frame) error { return nil })
	require.NotNil(t, old)
	assert.Equal(t, "first", old.Name)

	l.Set(apic.VectorICC, old)
	assert.Same(t, old, l.Entry(apic.VectorICC))
}

func TestSnapshotLoadIsIdentity(t *testing.T) {
	t.Parallel()

	_, l := newLocal(t, 1, 0)
	l.Register(apic.VectorPF, "host", func(*apic.Frame) error { return nil })

	host := l.Snapshot()
	l.Register(apic.VectorPF, "guest", func(*apic.Frame) error { return nil })
	assert.NotEqual(t, host, l.Snapshot())

	l.Load(host)
	assert.Equal(t, host, l.Snapshot())
}

func TestServiceHighestFirstAndEOI(t *testing.T) {
	t.Parallel()

	_, l := newLocal(t, 1, 0)

	var order []uint8

	for _, v := range []uint8{apic.VectorICC, apic.VectorPause, 200} {
		l.Register(v, "rec", func(f *apic.Frame) error {
			order = append(order, f.Vector)
			got, ok := l.InService()
			assert.True(t, ok)
			assert.Equal(t, f.Vector, got)
			l.EOI()

			return nil
		})
	}

	l.Raise(apic.VectorICC)
	l.Raise(200)
	l.Raise(apic.VectorPause)
	l.Raise(apic.VectorICC)
	assert.True(t, l.HasPending())

	ok, err := l.Service()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []uint8{200, apic.VectorPause, apic.VectorICC}, order)
	assert.False(t, l.HasPending())

	_, busy := l.InService()
	assert.False(t, busy)

	ok, err = l.Service()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestServiceUnhandledVector(t *testing.T) {
	t.Parallel()

	_, l := newLocal(t, 1, 0)
	l.Raise(77)

	_, err := l.Service()
	assert.ErrorIs(t, err, apic.ErrUnhandledVector)
}

func TestHandlerErrorPropagates(t *testing.T) {
	t.Parallel()

	_, l := newLocal(t, 1, 0)
	boom := errors.New("boom")

	l.Register(apic.VectorICC, "boom", func(*apic.Frame) error { return boom })
	l.Raise(apic.VectorICC)

	_, err := l.Service()
	assert.ErrorIs(t, err, boom)

	_, busy := l.InService()
	assert.False(t, busy)
}

func TestException(t *testing.T) {
	t.Parallel()

	_, l := newLocal(t, 1, 0)

	var got apic.Frame

	l.Register(apic.VectorGP, "gp", func(f *apic.Frame) error {
		got = *f

		return nil
	})

	require.NoError(t, l.Exception(&apic.Frame{Vector: apic.VectorGP, ErrorCode: 8, RIP: 0x1234}))
	assert.Equal(t, uint64(0x1234), got.RIP)
	assert.Equal(t, uint64(8), got.ErrorCode)

	assert.ErrorIs(t, l.Exception(&apic.Frame{Vector: apic.VectorPF}), apic.ErrUnhandledVector)
	assert.Error(t, l.Exception(&apic.Frame{Vector: apic.VectorICC}))
}

func TestRegisterWindow(t *testing.T) {
	t.Parallel()

	_, l := newLocal(t, 4, 2)

	id, err := l.Read32(apic.RegID)
	require.NoError(t, err)
	assert.Equal(t, uint32(2)<<24, id)

	require.NoError(t, l.Write32(apic.RegTPR, 0x20))
	tpr, err := l.Read32(apic.RegTPR)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x20), tpr)

	assert.Error(t, l.Write32(apic.RegID, 0))
	_, err = l.Read32(0x401)
	assert.Error(t, err)
}

func TestSendIPIWakesDestination(t *testing.T) {
	t.Parallel()

	c, src := newLocal(t, 2, 0)
	dst, err := c.Local(1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)

	go func() { done <- dst.Wait(ctx) }()

	require.NoError(t, src.SendIPI(1, apic.VectorICC))
	require.NoError(t, <-done)
	assert.True(t, dst.HasPending())
}

func TestWaitCancelled(t *testing.T) {
	t.Parallel()

	_, l := newLocal(t, 1, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, l.Wait(ctx), context.Canceled)
	assert.NoError(t, l.WaitTimeout(context.Background(), time.Millisecond))
}
