package icc

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/bobuhiro11/govisor/metrics"
)

var (
	ErrPoolExhausted = errors.New("message pool exhausted")
	ErrDoubleRelease = errors.New("message released twice")
	ErrStale         = errors.New("message slot was reused")
	ErrNotOwned      = errors.New("message is not owned by the caller")
)

const (
	slotFree uint32 = iota
	slotHeld
	slotQueued
)

// slot packs its generation (high half) and state (low half) into one
// word, so every transition is checked against the allocation it belongs to.
type slot struct {
	word atomic.Uint64
	rec  [RecordSize]byte
}

func pack(gen, state uint32) uint64 { return uint64(gen)<<32 | uint64(state) }

func unpack(w uint64) (gen, state uint32) { return uint32(w >> 32), uint32(w) }

// Pool is the fixed set of message records shared by all cores. A slot is
// held by exactly one core at a time; its generation changes on every
// allocation so a handle kept past its release is recognised.
type Pool struct {
	slots []slot
	avail atomic.Int32
	next  atomic.Uint32
}

func NewPool(n int) *Pool {
	p := &Pool{slots: make([]slot, n)}
	p.avail.Store(int32(n))

	return p
}

func (p *Pool) Cap() int { return len(p.slots) }

func (p *Pool) Available() int { return int(p.avail.Load()) }

// Alloc reserves a slot for a message of type t with a zero payload.
func (p *Pool) Alloc(t Type, src uint8) (*Message, error) {
	payload, err := NewPayload(t)
	if err != nil {
		return nil, err
	}

	n := len(p.slots)
	start := int(p.next.Add(1))

	for i := 0; i < n; i++ {
		idx := (start + i) % n
		s := &p.slots[idx]

		w := s.word.Load()
		gen, state := unpack(w)

		if state != slotFree {
			continue
		}

		if gen++; gen == 0 {
			gen = 1
		}

		if !s.word.CompareAndSwap(w, pack(gen, slotHeld)) {
			continue
		}

		p.avail.Add(-1)
		metrics.PoolInUse.Inc()

		return &Message{
			Source:  src,
			Payload: payload,
			slot:    idx,
			gen:     gen,
		}, nil
	}

	metrics.PoolExhausted.Inc()

	return nil, fmt.Errorf("%w: %d slots", ErrPoolExhausted, n)
}

// Release returns m's slot to the pool.
func (p *Pool) Release(m *Message) error {
	s, err := p.lookup(m)
	if err != nil {
		return err
	}

	for {
		w := s.word.Load()
		gen, state := unpack(w)

		switch {
		case gen != m.gen:
			return fmt.Errorf("%w: slot %d", ErrStale, m.slot)
		case state == slotFree:
			return fmt.Errorf("%w: slot %d", ErrDoubleRelease, m.slot)
		case state != slotHeld:
			return fmt.Errorf("%w: slot %d is queued", ErrNotOwned, m.slot)
		}

		if s.word.CompareAndSwap(w, pack(gen, slotFree)) {
			p.avail.Add(1)
			metrics.PoolInUse.Dec()

			return nil
		}
	}
}

func (p *Pool) lookup(m *Message) (*slot, error) {
	if m == nil || m.slot < 0 || m.slot >= len(p.slots) || m.gen == 0 {
		return nil, ErrNotOwned
	}

	s := &p.slots[m.slot]
	if gen, _ := unpack(s.word.Load()); gen != m.gen {
		return nil, fmt.Errorf("%w: slot %d", ErrStale, m.slot)
	}

	return s, nil
}

// seal encodes m into its record and hands the slot to the fabric. The
// caller's handle is dead afterwards.
func (p *Pool) seal(m *Message) (int, error) {
	s, err := p.lookup(m)
	if err != nil {
		return 0, err
	}

	held := pack(m.gen, slotHeld)
	if s.word.Load() != held {
		return 0, fmt.Errorf("%w: slot %d", ErrNotOwned, m.slot)
	}

	if err := Encode(m, s.rec[:]); err != nil {
		return 0, err
	}

	if !s.word.CompareAndSwap(held, pack(m.gen, slotQueued)) {
		return 0, fmt.Errorf("%w: slot %d", ErrNotOwned, m.slot)
	}

	idx := m.slot
	m.slot, m.gen = -1, 0

	return idx, nil
}

// open takes a queued slot and decodes it for the receiving core.
func (p *Pool) open(idx int) (*Message, error) {
	s := &p.slots[idx]

	w := s.word.Load()
	gen, state := unpack(w)

	if state != slotQueued {
		return nil, fmt.Errorf("%w: slot %d is not queued", ErrNotOwned, idx)
	}

	m, err := Decode(s.rec[:])
	if err != nil {
		return nil, err
	}

	if !s.word.CompareAndSwap(w, pack(gen, slotHeld)) {
		return nil, fmt.Errorf("%w: slot %d is not queued", ErrNotOwned, idx)
	}

	m.slot = idx
	m.gen = gen

	return m, nil
}
