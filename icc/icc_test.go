package icc_test

import (
	"encoding/binary"
	"runtime"
	"sync"
	"testing"

	"github.com/bobuhiro11/govisor/apic"
	"github.com/bobuhiro11/govisor/icc"
	"github.com/bobuhiro11/govisor/paging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type signal struct {
	dest   uint8
	vector uint8
}

type recorder struct {
	mu    sync.Mutex
	calls []signal
}

func (r *recorder) SendIPI(dest, vector uint8) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = append(r.calls, signal{dest, vector})

	return nil
}

func endpoints(t *testing.T, poolSize, cores int) ([]*icc.Endpoint, *recorder) {
	t.Helper()

	f := icc.NewFabric(icc.NewPool(poolSize), cores)
	r := &recorder{}
	eps := make([]*icc.Endpoint, cores)

	for i := range eps {
		ep, err := f.Endpoint(uint8(i), r, zap.NewNop())
		require.NoError(t, err)

		eps[i] = ep
	}

	return eps, r
}

func TestPoolAllocReleaseKeepsCapacity(t *testing.T) {
	t.Parallel()

	p := icc.NewPool(4)

	for i := 0; i < 100; i++ {
		m, err := p.Alloc(icc.TypeStart, 0)
		require.NoError(t, err)
		require.NoError(t, p.Release(m))
		assert.Equal(t, 4, p.Available())
	}
}

func TestPoolExhaustion(t *testing.T) {
	t.Parallel()

	p := icc.NewPool(3)

	held := make([]*icc.Message, 0, 3)

	for i := 0; i < p.Cap(); i++ {
		m, err := p.Alloc(icc.TypeStopped, 1)
		require.NoError(t, err)

		held = append(held, m)
	}

	assert.Zero(t, p.Available())

	for i := 0; i < 5; i++ {
		_, err := p.Alloc(icc.TypeStop, 1)
		assert.ErrorIs(t, err, icc.ErrPoolExhausted)
	}

	for _, m := range held {
		require.NoError(t, p.Release(m))
	}

	assert.Equal(t, 3, p.Available())
}

func TestPoolConcurrentAlloc(t *testing.T) {
	t.Parallel()

	p := icc.NewPool(8)

	var wg sync.WaitGroup

	for g := 0; g < 8; g++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for i := 0; i < 1000; i++ {
				m, err := p.Alloc(icc.TypeResume, 0)
				if err != nil {
					assert.ErrorIs(t, err, icc.ErrPoolExhausted)

					continue
				}

				assert.NoError(t, p.Release(m))
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, 8, p.Available())
}

func TestAllocZeroesPayload(t *testing.T) {
	t.Parallel()

	p := icc.NewPool(1)

	m, err := p.Alloc(icc.TypeStopped, 0)
	require.NoError(t, err)
	m.Payload.(*icc.Stopped).ReturnCode = 9
	require.NoError(t, p.Release(m))

	m, err = p.Alloc(icc.TypeStopped, 0)
	require.NoError(t, err)
	assert.Equal(t, &icc.Stopped{}, m.Payload)
	assert.Equal(t, icc.TypeStopped, m.Type())

	_, err = p.Alloc(icc.Type(0), 0)
	assert.ErrorIs(t, err, icc.ErrBadType)
}

func TestStaleReleaseNeverFreesLiveSlot(t *testing.T) {
	t.Parallel()

	const (
		workers = 8
		rounds  = 2000
	)

	p := icc.NewPool(2)

	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			var old *icc.Message

			for i := 0; i < rounds; i++ {
				m, err := p.Alloc(icc.TypeStop, 0)
				if err != nil {
					if old != nil {
						assert.Error(t, p.Release(old))
					}

					runtime.Gosched()

					continue
				}

				if old != nil {
					// Released long ago: the slot may be anyone's now.
					assert.Error(t, p.Release(old))
				}

				if !assert.NoError(t, p.Release(m)) {
					return
				}

				old = m
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, p.Cap(), p.Available())
}

func TestDoubleReleaseAndStale(t *testing.T) {
	t.Parallel()

	p := icc.NewPool(1)

	m, err := p.Alloc(icc.TypeStop, 0)
	require.NoError(t, err)
	require.NoError(t, p.Release(m))
	assert.ErrorIs(t, p.Release(m), icc.ErrDoubleRelease)

	again, err := p.Alloc(icc.TypeStop, 0)
	require.NoError(t, err)
	assert.ErrorIs(t, p.Release(m), icc.ErrStale)
	require.NoError(t, p.Release(again))

	assert.ErrorIs(t, p.Release(&icc.Message{}), icc.ErrNotOwned)
	assert.Equal(t, 1, p.Available())
}

func TestSendTransfersOwnership(t *testing.T) {
	t.Parallel()

	eps, r := endpoints(t, 4, 2)

	var got *icc.Message

	require.NoError(t, eps[1].Register(icc.TypeStart, func(m *icc.Message) error {
		got = m

		return eps[1].Release(m)
	}))

	m, err := eps[0].Alloc(icc.TypeStart)
	require.NoError(t, err)
	m.Payload.(*icc.Start).VM = 7
	m.Result = -3

	require.NoError(t, eps[0].Send(m, 1))
	assert.ErrorIs(t, eps[0].Release(m), icc.ErrNotOwned)
	assert.Equal(t, []signal{{1, apic.VectorICC}}, r.calls)
	assert.Equal(t, 1, eps[1].Pending())

	n, err := eps[1].Deliver()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NotNil(t, got)
	assert.Equal(t, uint8(0), got.Source)
	assert.Equal(t, uint8(1), got.Dest)
	assert.Equal(t, int32(-3), got.Result)
	assert.Equal(t, &icc.Start{VM: 7}, got.Payload)
	assert.Zero(t, eps[1].Pending())
}

func TestSendToUnknownCore(t *testing.T) {
	t.Parallel()

	eps, _ := endpoints(t, 2, 2)

	m, err := eps[0].Alloc(icc.TypeStop)
	require.NoError(t, err)
	assert.Error(t, eps[0].Send(m, 5))
	assert.NoError(t, eps[0].Release(m))
}

func TestDeliverInOrder(t *testing.T) {
	t.Parallel()

	eps, _ := endpoints(t, 8, 2)

	var seen []int32

	for _, typ := range []icc.Type{icc.TypeStop, icc.TypeResume} {
		require.NoError(t, eps[1].Register(typ, func(m *icc.Message) error {
			seen = append(seen, m.Result)

			return eps[1].Release(m)
		}))
	}

	for i := int32(0); i < 6; i++ {
		typ := icc.TypeStop
		if i%2 == 1 {
			typ = icc.TypeResume
		}

		m, err := eps[0].Alloc(typ)
		require.NoError(t, err)

		m.Result = i
		require.NoError(t, eps[0].Send(m, 1))
	}

	n, err := eps[1].Deliver()
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, []int32{0, 1, 2, 3, 4, 5}, seen)
	assert.Zero(t, eps[1].Pending())
}

func TestRegisterTwiceAndUnknownType(t *testing.T) {
	t.Parallel()

	eps, _ := endpoints(t, 1, 1)
	h := func(*icc.Message) error { return nil }

	require.NoError(t, eps[0].Register(icc.TypeStarted, h))
	assert.ErrorIs(t, eps[0].Register(icc.TypeStarted, h), icc.ErrHandlerExists)
	assert.ErrorIs(t, eps[0].Register(icc.Type(99), h), icc.ErrBadType)
}

func TestMissingHandlerIsFatal(t *testing.T) {
	t.Parallel()

	eps, _ := endpoints(t, 1, 2)

	m, err := eps[0].Alloc(icc.TypePaused)
	require.NoError(t, err)
	require.NoError(t, eps[0].Send(m, 1))

	_, err = eps[1].Deliver()
	assert.ErrorIs(t, err, icc.ErrNoHandler)

	m, err = eps[0].Alloc(icc.TypePaused)
	require.NoError(t, err)
	require.NoError(t, eps[0].Release(m))
}

func TestEndpointOpenedOnce(t *testing.T) {
	t.Parallel()

	f := icc.NewFabric(icc.NewPool(1), 1)

	_, err := f.Endpoint(0, &recorder{}, zap.NewNop())
	require.NoError(t, err)

	_, err = f.Endpoint(0, &recorder{}, zap.NewNop())
	assert.Error(t, err)

	_, err = f.Endpoint(1, &recorder{}, zap.NewNop())
	assert.Error(t, err)
}

func TestInterruptHandlerDelivers(t *testing.T) {
	t.Parallel()

	ctl := apic.NewController(2, zap.NewNop())
	f := icc.NewFabric(icc.NewPool(2), 2)

	var eps [2]*icc.Endpoint

	for i := range eps {
		l, err := ctl.Local(i)
		require.NoError(t, err)

		space, err := paging.Bootstrap(i, paging.PhysAddr(i)*(64<<20), paging.DefaultEntries)
		require.NoError(t, err)
		require.NoError(t, l.Enable(space))

		eps[i], err = f.Endpoint(uint8(i), l, zap.NewNop())
		require.NoError(t, err)

		l.Register(apic.VectorICC, "icc", eps[i].Interrupt(l))
	}

	delivered := 0

	require.NoError(t, eps[1].Register(icc.TypeStop, func(m *icc.Message) error {
		delivered++

		return eps[1].Release(m)
	}))

	m, err := eps[0].Alloc(icc.TypeStop)
	require.NoError(t, err)
	require.NoError(t, eps[0].Send(m, 1))

	dst, err := ctl.Local(1)
	require.NoError(t, err)

	ok, err := dst.Service()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 2, f.Pool().Available())
}

func TestRecordLayout(t *testing.T) {
	t.Parallel()

	m := &icc.Message{
		Source: 2,
		Dest:   5,
		Result: -12,
		Payload: &icc.Started{
			Stdin:     icc.Stream{Buffer: 0x1000, Head: 0x2000, Tail: 0x2004, Size: 4096},
			Stdout:    icc.Stream{Buffer: 0x3000},
			Stderr:    icc.Stream{Size: 7},
			HeapIndex: 0x42,
		},
	}

	rec := make([]byte, icc.RecordSize)
	require.NoError(t, icc.Encode(m, rec))

	assert.Equal(t, byte(icc.TypeStarted), rec[0])
	assert.Equal(t, byte(2), rec[1])
	assert.Equal(t, byte(5), rec[2])
	assert.Equal(t, byte(0), rec[3])
	assert.Equal(t, int32(-12), int32(binary.LittleEndian.Uint32(rec[4:8])))
	assert.Equal(t, uint64(0x1000), binary.LittleEndian.Uint64(rec[8:16]))
	assert.Equal(t, uint64(0x2000), binary.LittleEndian.Uint64(rec[16:24]))
	assert.Equal(t, uint64(0x2004), binary.LittleEndian.Uint64(rec[24:32]))
	assert.Equal(t, uint32(4096), binary.LittleEndian.Uint32(rec[32:36]))
	assert.Equal(t, uint64(0x3000), binary.LittleEndian.Uint64(rec[36:44]))
	assert.Equal(t, uint32(7), binary.LittleEndian.Uint32(rec[88:92]))
	assert.Equal(t, uint64(0x42), binary.LittleEndian.Uint64(rec[92:100]))

	got, err := icc.Decode(rec)
	require.NoError(t, err)
	assert.Equal(t, m.Payload, got.Payload)
	assert.Equal(t, m.Result, got.Result)
}

func TestStoppedLayout(t *testing.T) {
	t.Parallel()

	m := &icc.Message{Payload: &icc.Stopped{ReturnCode: -1, Vector: 14, Fault: true, ErrorCode: 6}}

	rec := make([]byte, icc.RecordSize)
	require.NoError(t, icc.Encode(m, rec))

	assert.Equal(t, uint32(0xffffffff), binary.LittleEndian.Uint32(rec[8:12]))
	assert.Equal(t, byte(14), rec[12])
	assert.Equal(t, byte(1), rec[13])
	assert.Equal(t, uint64(6), binary.LittleEndian.Uint64(rec[16:24]))
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()

	_, err := icc.Decode(make([]byte, 10))
	assert.ErrorIs(t, err, icc.ErrShortBuf)

	_, err = icc.Decode(make([]byte, icc.RecordSize))
	assert.ErrorIs(t, err, icc.ErrBadType)

	assert.Error(t, icc.Encode(&icc.Message{}, make([]byte, icc.RecordSize)))
	assert.Equal(t, "PAUSE", icc.TypePause.String())
	assert.Equal(t, "UNKNOWN", icc.Type(0).String())
}
