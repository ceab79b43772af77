// Package icc is the inter-core message bus. Messages are fixed size
// records taken from a shared pool, queued on the destination core's
// intake and announced with an inter-processor interrupt.
//
// Record layout, little endian:
//
//	[1 type][1 source][1 destination][1 reserved][4 result][120 payload]
package icc

import (
	"encoding/binary"

	"github.com/bobuhiro11/govisor/paging"
)

// Type tags a message and selects its payload layout.
type Type uint8

const (
	TypeStart Type = iota + 1
	TypeStarted
	TypeResume
	TypeResumed
	TypePause
	TypePaused
	TypeStop
	TypeStopped

	typeLimit
)

var typeNames = [...]string{
	TypeStart:   "START",
	TypeStarted: "STARTED",
	TypeResume:  "RESUME",
	TypeResumed: "RESUMED",
	TypePause:   "PAUSE",
	TypePaused:  "PAUSED",
	TypeStop:    "STOP",
	TypeStopped: "STOPPED",
}

func (t Type) String() string {
	if !t.Valid() {
		return "UNKNOWN"
	}

	return typeNames[t]
}

func (t Type) Valid() bool { return t >= TypeStart && t < typeLimit }

// Payload is the type specific part of a message. The set of payloads is
// closed: only this package can implement it.
type Payload interface {
	Type() Type
	put(b []byte)
	get(b []byte)
}

// Start asks an application core to load and run a VM.
type Start struct {
	VM uint32
}

// Stream locates one guest stdio ring in physical memory.
type Stream struct {
	Buffer paging.PhysAddr
	Head   paging.PhysAddr
	Tail   paging.PhysAddr
	Size   int32
}

const streamSize = 28

// Started reports a load. On success it carries the guest stdio rings and
// the 2 MiB page index of the guest heap pool.
type Started struct {
	Stdin     Stream
	Stdout    Stream
	Stderr    Stream
	HeapIndex uint64
}

type Resume struct{}

type Resumed struct{}

type Pause struct{}

type Paused struct{}

// Stop names the VM it is meant for, so a core handed to a new VM does
// not answer with the previous VM's outcome.
type Stop struct {
	VM uint32
}

// Stopped reports the end of a guest. Fault is set when the guest died on
// an exception; Vector and ErrorCode then describe it.
type Stopped struct {
	ReturnCode int32
	Vector     uint8
	Fault      bool
	ErrorCode  uint64
}

func (*Start) Type() Type   { return TypeStart }
func (*Started) Type() Type { return TypeStarted }
func (*Resume) Type() Type  { return TypeResume }
func (*Resumed) Type() Type { return TypeResumed }
func (*Pause) Type() Type   { return TypePause }
func (*Paused) Type() Type  { return TypePaused }
func (*Stop) Type() Type    { return TypeStop }
func (*Stopped) Type() Type { return TypeStopped }

func (p *Start) put(b []byte) { binary.LittleEndian.PutUint32(b[0:4], p.VM) }
func (p *Start) get(b []byte) { p.VM = binary.LittleEndian.Uint32(b[0:4]) }
func (p *Stop) put(b []byte)  { binary.LittleEndian.PutUint32(b[0:4], p.VM) }
func (p *Stop) get(b []byte)  { p.VM = binary.LittleEndian.Uint32(b[0:4]) }

func (s *Stream) put(b []byte) {
	binary.LittleEndian.PutUint64(b[0:8], uint64(s.Buffer))
	binary.LittleEndian.PutUint64(b[8:16], uint64(s.Head))
	binary.LittleEndian.PutUint64(b[16:24], uint64(s.Tail))
	binary.LittleEndian.PutUint32(b[24:28], uint32(s.Size))
}

func (s *Stream) get(b []byte) {
	s.Buffer = paging.PhysAddr(binary.LittleEndian.Uint64(b[0:8]))
	s.Head = paging.PhysAddr(binary.LittleEndian.Uint64(b[8:16]))
	s.Tail = paging.PhysAddr(binary.LittleEndian.Uint64(b[16:24]))
	s.Size = int32(binary.LittleEndian.Uint32(b[24:28]))
}

func (p *Started) put(b []byte) {
	p.Stdin.put(b[0*streamSize:])
	p.Stdout.put(b[1*streamSize:])
	p.Stderr.put(b[2*streamSize:])
	binary.LittleEndian.PutUint64(b[3*streamSize:], p.HeapIndex)
}

func (p *Started) get(b []byte) {
	p.Stdin.get(b[0*streamSize:])
	p.Stdout.get(b[1*streamSize:])
	p.Stderr.get(b[2*streamSize:])
	p.HeapIndex = binary.LittleEndian.Uint64(b[3*streamSize:])
}

func (p *Stopped) put(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], uint32(p.ReturnCode))
	b[4] = p.Vector

	if p.Fault {
		b[5] = 1
	}

	binary.LittleEndian.PutUint64(b[8:16], p.ErrorCode)
}

func (p *Stopped) get(b []byte) {
	p.ReturnCode = int32(binary.LittleEndian.Uint32(b[0:4]))
	p.Vector = b[4]
	p.Fault = b[5] != 0
	p.ErrorCode = binary.LittleEndian.Uint64(b[8:16])
}

func (*Resume) put([]byte)  {}
func (*Resume) get([]byte)  {}
func (*Resumed) put([]byte) {}
func (*Resumed) get([]byte) {}
func (*Pause) put([]byte)   {}
func (*Pause) get([]byte)   {}
func (*Paused) put([]byte)  {}
func (*Paused) get([]byte)  {}

// NewPayload returns the zero payload for t.
func NewPayload(t Type) (Payload, error) {
	switch t {
	case TypeStart:
		return &Start{}, nil
	case TypeStarted:
		return &Started{}, nil
	case TypeResume:
		return &Resume{}, nil
	case TypeResumed:
		return &Resumed{}, nil
	case TypePause:
		return &Pause{}, nil
	case TypePaused:
		return &Paused{}, nil
	case TypeStop:
		return &Stop{}, nil
	case TypeStopped:
		return &Stopped{}, nil
	}

	return nil, errBadType(t)
}

// Message is a decoded record. The type is the payload's type, so the tag
// and the payload cannot disagree.
type Message struct {
	Source  uint8
	Dest    uint8
	Result  int32
	Payload Payload

	slot int
	gen  uint32
}

func (m *Message) Type() Type { return m.Payload.Type() }
