package paging

import (
	"errors"
	"fmt"
)

const (
	// PageShift selects 2 MiB large pages.
	PageShift = 21
	PageSize  = 1 << PageShift

	// DefaultEntries covers the low 4 GiB of the window.
	DefaultEntries = 2048

	// LAPICBase is the physical address of the local APIC register window.
	LAPICBase PhysAddr = 0xfee00000

	lapicEntry = int(LAPICBase >> PageShift)
)

// 64-bit page directory entry bits.
const (
	PDE64xPRESENT  = 1
	PDE64xRW       = (1 << 1)
	PDE64xUSER     = (1 << 2)
	PDE64xPWT      = (1 << 3)
	PDE64xPCD      = (1 << 4)
	PDE64xACCESSED = (1 << 5)
	PDE64xDIRTY    = (1 << 6)
	PDE64xPS       = (1 << 7)
	PDE64xG        = (1 << 8)

	frameMask = ^uint64(PageSize - 1)
)

var (
	ErrNoAddressSpace = errors.New("no address space installed")
	ErrOutOfWindow    = errors.New("address outside the mapped window")
	ErrNotMapped      = errors.New("address not mapped")

	errUnaligned    = errors.New("physical offset is not 2MiB aligned")
	errWindowSize   = errors.New("window does not reach the local APIC entry")
	errForeignFrame = errors.New("physical address belongs to another core")
)

// VirtAddr is an address as seen by code running on one core.
type VirtAddr uint64

// PhysAddr is an address in machine physical memory.
type PhysAddr uint64

// Frame returns the 2 MiB frame number of the address.
func (p PhysAddr) Frame() uint64 { return uint64(p) >> PageShift }

// Entry is one page directory entry mapping a 2 MiB page.
type Entry uint64

func (e Entry) Present() bool { return e&PDE64xPRESENT != 0 }

func (e Entry) Base() PhysAddr { return PhysAddr(uint64(e) & frameMask) }

// AddressSpace is the identity window of a single core. Entry i maps the
// virtual page i onto the physical page i plus the core's offset, so the
// same virtual address resolves to different physical memory on each core.
type AddressSpace struct {
	core    int
	offset  PhysAddr
	entries []Entry
}

// Bootstrap builds the address space for core. Entry 0 stays unmapped so a
// null dereference faults, and the local APIC page is mapped one to one.
func Bootstrap(core int, offset PhysAddr, n int) (*AddressSpace, error) {
	if uint64(offset)&(PageSize-1) != 0 {
		return nil, fmt.Errorf("%w: %#x", errUnaligned, uint64(offset))
	}

	if n <= lapicEntry {
		return nil, fmt.Errorf("%w: %d entries", errWindowSize, n)
	}

	a := &AddressSpace{
		core:    core,
		offset:  offset,
		entries: make([]Entry, n),
	}

	base := uint64(offset) >> PageShift

	for i := 1; i < n; i++ {
		a.entries[i] = Entry((uint64(i)+base)<<PageShift | PDE64xPRESENT | PDE64xRW | PDE64xPS)
	}

	a.entries[lapicEntry] = Entry(uint64(LAPICBase) | PDE64xPRESENT | PDE64xRW | PDE64xPS | PDE64xPCD)

	return a, nil
}

func (a *AddressSpace) Core() int { return a.core }

func (a *AddressSpace) Offset() PhysAddr { return a.offset }

func (a *AddressSpace) Len() int { return len(a.entries) }

// Entry returns the raw entry at index i.
func (a *AddressSpace) Entry(i int) (Entry, error) {
	if i < 0 || i >= len(a.entries) {
		return 0, fmt.Errorf("%w: entry %d", ErrOutOfWindow, i)
	}

	return a.entries[i], nil
}

// Translate resolves va through the page directory.
func (a *AddressSpace) Translate(va VirtAddr) (PhysAddr, error) {
	i := uint64(va) >> PageShift
	if i >= uint64(len(a.entries)) {
		return 0, fmt.Errorf("%w: %#x", ErrOutOfWindow, uint64(va))
	}

	e := a.entries[i]
	if !e.Present() {
		return 0, fmt.Errorf("%w: %#x", ErrNotMapped, uint64(va))
	}

	return e.Base() + PhysAddr(uint64(va)&(PageSize-1)), nil
}

// Virtual is the inverse of Translate for addresses inside the identity
// window. The LAPIC page is not part of it.
func (a *AddressSpace) Virtual(pa PhysAddr) (VirtAddr, error) {
	if pa < a.offset+PageSize {
		return 0, fmt.Errorf("%w: %#x", errForeignFrame, uint64(pa))
	}

	va := VirtAddr(pa - a.offset)
	if got, err := a.Translate(va); err != nil || got != pa {
		return 0, fmt.Errorf("%w: %#x", errForeignFrame, uint64(pa))
	}

	return va, nil
}

// CR3 holds the address space installed on one core.
type CR3 struct {
	space *AddressSpace
}

// Install makes a the active address space.
func (c *CR3) Install(a *AddressSpace) error {
	if a == nil {
		return ErrNoAddressSpace
	}

	c.space = a

	return nil
}

// Active returns the installed address space.
func (c *CR3) Active() (*AddressSpace, error) {
	if c.space == nil {
		return nil, ErrNoAddressSpace
	}

	return c.space, nil
}
