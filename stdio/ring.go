// Package stdio implements the byte rings a guest shares with the control
// core for stdin, stdout and stderr. The same ring is reached by virtual
// address from inside the guest and by physical address from the host.
package stdio

import (
	"encoding/binary"
	"errors"
)

var errBadRing = errors.New("ring indices out of range")

// Memory is an address space the ring lives in.
type Memory[A ~uint64] interface {
	Load(addr A, b []byte) error
	Store(addr A, b []byte) error
}

// Ring is a single producer, single consumer byte queue. Head is the next
// byte to read and Tail the next to write; one byte stays unused so that a
// full ring differs from an empty one.
type Ring[A ~uint64] struct {
	Mem    Memory[A]
	Buffer A
	Head   A
	Tail   A
	Size   uint32
}

func (r *Ring[A]) index(addr A) (uint32, error) {
	var b [4]byte
	if err := r.Mem.Load(addr, b[:]); err != nil {
		return 0, err
	}

	v := binary.LittleEndian.Uint32(b[:])
	if v >= r.Size {
		return 0, errBadRing
	}

	return v, nil
}

func (r *Ring[A]) setIndex(addr A, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)

	return r.Mem.Store(addr, b[:])
}

// Len returns the number of unread bytes.
func (r *Ring[A]) Len() (int, error) {
	head, err := r.index(r.Head)
	if err != nil {
		return 0, err
	}

	tail, err := r.index(r.Tail)
	if err != nil {
		return 0, err
	}

	return int((tail + r.Size - head) % r.Size), nil
}

// Write appends as much of p as fits and returns how much did.
func (r *Ring[A]) Write(p []byte) (int, error) {
	head, err := r.index(r.Head)
	if err != nil {
		return 0, err
	}

	tail, err := r.index(r.Tail)
	if err != nil {
		return 0, err
	}

	n := 0

	for n < len(p) {
		next := (tail + 1) % r.Size
		if next == head {
			break
		}

		if err := r.Mem.Store(r.Buffer+A(tail), p[n:n+1]); err != nil {
			return n, err
		}

		tail = next
		n++
	}

	return n, r.setIndex(r.Tail, tail)
}

// Read consumes up to len(p) bytes.
func (r *Ring[A]) Read(p []byte) (int, error) {
	head, err := r.index(r.Head)
	if err != nil {
		return 0, err
	}

	tail, err := r.index(r.Tail)
	if err != nil {
		return 0, err
	}

	n := 0

	for n < len(p) && head != tail {
		if err := r.Mem.Load(r.Buffer+A(head), p[n:n+1]); err != nil {
			return n, err
		}

		head = (head + 1) % r.Size
		n++
	}

	return n, r.setIndex(r.Head, head)
}
