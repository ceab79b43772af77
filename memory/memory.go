package memory

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bobuhiro11/govisor/paging"
	"golang.org/x/sys/unix"
)

var (
	ErrOutOfRange = errors.New("physical range outside of memory")

	errClosed = errors.New("memory already unmapped")
)

const (
	// Poison fills fresh guest memory so that running into it traps.
	// Disassembly:
	// 0:  b8 be ba fe ca          mov    eax,0xcafebabe
	// 5:  90                      nop
	// 6:  0f 0b                   ud2
	Poison = "\xB8\xBE\xBA\xFE\xCA\x90\x0F\x0B"
)

// Memory is the machine's physical memory. Physical address 0 is the first
// byte of the mapping.
type Memory struct {
	buf []byte
}

func New(size int) (*Memory, error) {
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}

	return &Memory{buf: buf}, nil
}

func (m *Memory) Close() error {
	if m.buf == nil {
		return errClosed
	}

	err := unix.Munmap(m.buf)
	m.buf = nil

	return err
}

func (m *Memory) Size() uint64 { return uint64(len(m.buf)) }

// Slice returns the bytes backing [pa, pa+n).
func (m *Memory) Slice(pa paging.PhysAddr, n uint64) ([]byte, error) {
	end := uint64(pa) + n
	if end < uint64(pa) || end > uint64(len(m.buf)) {
		return nil, fmt.Errorf("%w: [%#x, %#x)", ErrOutOfRange, uint64(pa), end)
	}

	return m.buf[pa:end:end], nil
}

// Load copies len(b) bytes at pa into b.
func (m *Memory) Load(pa paging.PhysAddr, b []byte) error {
	s, err := m.Slice(pa, uint64(len(b)))
	if err != nil {
		return err
	}

	copy(b, s)

	return nil
}

// Store copies b to pa.
func (m *Memory) Store(pa paging.PhysAddr, b []byte) error {
	s, err := m.Slice(pa, uint64(len(b)))
	if err != nil {
		return err
	}

	copy(s, b)

	return nil
}

func (m *Memory) Uint32(pa paging.PhysAddr) (uint32, error) {
	s, err := m.Slice(pa, 4)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(s), nil
}

func (m *Memory) PutUint32(pa paging.PhysAddr, v uint32) error {
	s, err := m.Slice(pa, 4)
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint32(s, v)

	return nil
}

func (m *Memory) Uint64(pa paging.PhysAddr) (uint64, error) {
	s, err := m.Slice(pa, 8)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(s), nil
}

func (m *Memory) PutUint64(pa paging.PhysAddr, v uint64) error {
	s, err := m.Slice(pa, 8)
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint64(s, v)

	return nil
}

// Fill poisons [pa, pa+n).
func (m *Memory) Fill(pa paging.PhysAddr, n uint64) error {
	s, err := m.Slice(pa, n)
	if err != nil {
		return err
	}

	for i := 0; i < len(s); i += len(Poison) {
		copy(s[i:], Poison)
	}

	return nil
}
