package loader

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

const (
	Magic      = "PNKC"
	Version    = 1
	HeaderSize = 20
)

// Header precedes the body of a guest image, little endian:
//
//	[4 magic][2 version][2 flags][4 entry][4 stack size][4 body size]
type Header struct {
	Version   uint16
	Flags     uint16
	Entry     uint32
	StackSize uint32
	BodySize  uint32
}

// ParseHeader validates img and returns its header.
func ParseHeader(img []byte) (Header, error) {
	if len(img) < HeaderSize {
		return Header{}, fmt.Errorf("%w: image of %d bytes", unix.ENOEXEC, len(img))
	}

	if string(img[0:4]) != Magic {
		return Header{}, fmt.Errorf("%w: bad magic %q", unix.ENOEXEC, img[0:4])
	}

	h := Header{
		Version:   binary.LittleEndian.Uint16(img[4:6]),
		Flags:     binary.LittleEndian.Uint16(img[6:8]),
		Entry:     binary.LittleEndian.Uint32(img[8:12]),
		StackSize: binary.LittleEndian.Uint32(img[12:16]),
		BodySize:  binary.LittleEndian.Uint32(img[16:20]),
	}

	if h.Version != Version {
		return Header{}, fmt.Errorf("%w: version %d", unix.ENOEXEC, h.Version)
	}

	if uint64(len(img)-HeaderSize) < uint64(h.BodySize) {
		return Header{}, fmt.Errorf("%w: body truncated (%d < %d)", unix.ENOEXEC, len(img)-HeaderSize, h.BodySize)
	}

	if h.Entry >= h.BodySize {
		return Header{}, fmt.Errorf("%w: entry %#x outside body", unix.ENOEXEC, h.Entry)
	}

	return h, nil
}

// Build assembles an image around body.
func Build(entry, stack uint32, body []byte) []byte {
	img := make([]byte, HeaderSize+len(body))
	copy(img[0:4], Magic)
	binary.LittleEndian.PutUint16(img[4:6], Version)
	binary.LittleEndian.PutUint32(img[8:12], entry)
	binary.LittleEndian.PutUint32(img[12:16], stack)
	binary.LittleEndian.PutUint32(img[16:20], uint32(len(body)))
	copy(img[HeaderSize:], body)

	return img
}
