package icc

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	RecordSize  = 128
	headerSize  = 8
	PayloadSize = RecordSize - headerSize
)

var (
	ErrBadType   = errors.New("unknown message type")
	ErrShortBuf  = errors.New("buffer shorter than a record")
	errNoPayload = errors.New("message has no payload")
)

func errBadType(t Type) error { return fmt.Errorf("%w: %d", ErrBadType, uint8(t)) }

// Encode writes m into the first RecordSize bytes of b.
func Encode(m *Message, b []byte) error {
	if len(b) < RecordSize {
		return fmt.Errorf("%w: %d", ErrShortBuf, len(b))
	}

	if m.Payload == nil {
		return errNoPayload
	}

	rec := b[:RecordSize]
	clear(rec)

	rec[0] = byte(m.Type())
	rec[1] = m.Source
	rec[2] = m.Dest
	binary.LittleEndian.PutUint32(rec[4:8], uint32(m.Result))
	m.Payload.put(rec[headerSize:])

	return nil
}

// Decode reads a record written by Encode.
func Decode(b []byte) (*Message, error) {
	if len(b) < RecordSize {
		return nil, fmt.Errorf("%w: %d", ErrShortBuf, len(b))
	}

	p, err := NewPayload(Type(b[0]))
	if err != nil {
		return nil, err
	}

	p.get(b[headerSize:RecordSize])

	return &Message{
		Source:  b[1],
		Dest:    b[2],
		Result:  int32(binary.LittleEndian.Uint32(b[4:8])),
		Payload: p,
		slot:    -1,
	}, nil
}
