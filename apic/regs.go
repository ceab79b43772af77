package apic

import (
	"fmt"

	"github.com/bobuhiro11/govisor/paging"
)

// window checks that reg is reachable through the LAPIC mapping of the
// installed address space.
func (l *LocalAPIC) window(reg uint32) error {
	if l.space == nil {
		return fmt.Errorf("%w on core %d", ErrNotEnabled, l.id)
	}

	if reg >= windowSize || reg%4 != 0 {
		return fmt.Errorf("%w: %#x", errBadReg, reg)
	}

	va := paging.VirtAddr(paging.LAPICBase) + paging.VirtAddr(reg)

	pa, err := l.space.Translate(va)
	if err != nil || pa != paging.LAPICBase+paging.PhysAddr(reg) {
		return fmt.Errorf("%w on core %d", ErrLAPICNotMapped, l.id)
	}

	return nil
}

func (l *LocalAPIC) Read32(reg uint32) (uint32, error) {
	if err := l.window(reg); err != nil {
		return 0, err
	}

	return l.regs[reg/4], nil
}

func (l *LocalAPIC) Write32(reg, v uint32) error {
	if err := l.window(reg); err != nil {
		return err
	}

	switch reg {
	case RegID, RegVersion:
		return fmt.Errorf("%w: %#x is read only", errBadReg, reg)
	case RegEOI:
		l.EOI()
	case RegICRLow:
		l.regs[reg/4] = v

		return l.ctl.Raise(int(l.regs[RegICRHigh/4]>>icrDestPos), uint8(v))
	default:
		l.regs[reg/4] = v
	}

	return nil
}

func (l *LocalAPIC) Read64(reg uint32) (uint64, error) {
	lo, err := l.Read32(reg)
	if err != nil {
		return 0, err
	}

	hi, err := l.Read32(reg + 0x10)
	if err != nil {
		return 0, err
	}

	return uint64(hi)<<32 | uint64(lo), nil
}

// Write64 stores the high half first so a write to the ICR fires once the
// destination is in place.
func (l *LocalAPIC) Write64(reg uint32, v uint64) error {
	if err := l.Write32(reg+0x10, uint32(v>>32)); err != nil {
		return err
	}

	return l.Write32(reg, uint32(v))
}

// SendIPI raises vector on core dest through the interrupt command register.
func (l *LocalAPIC) SendIPI(dest uint8, vector uint8) error {
	return l.Write64(RegICRLow, uint64(dest)<<(32+icrDestPos)|uint64(vector))
}
