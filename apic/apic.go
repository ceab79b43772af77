package apic

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"sync/atomic"
	"time"

	"github.com/bobuhiro11/govisor/paging"
	"go.uber.org/zap"
)

const (
	VectorCount    = 256
	ExceptionCount = 32

	VectorDE = 0
	VectorUD = 6
	VectorNM = 7
	VectorGP = 13
	VectorPF = 14

	// VectorICC signals a message on the core's intake.
	VectorICC = 48
	// VectorPause asks the core to leave the running guest.
	VectorPause = 49
	// VectorCommand wakes the control core for queued requests.
	VectorCommand = 50
)

// Register offsets inside the LAPIC window.
const (
	RegID      = 0x020
	RegVersion = 0x030
	RegTPR     = 0x080
	RegEOI     = 0x0b0
	RegSVR     = 0x0f0
	RegICRLow  = 0x300
	RegICRHigh = 0x310

	windowSize = 0x400
	version    = 0x00050014
	svrEnable  = 1 << 8
	icrDestPos = 24
)

var (
	ErrUnhandledVector = errors.New("no handler for vector")
	ErrNotEnabled      = errors.New("local APIC not enabled")
	ErrLAPICNotMapped  = errors.New("local APIC window not mapped")

	errNoSuchCore = errors.New("no such core")
	errBadReg     = errors.New("bad local APIC register")
	errNotFault   = errors.New("vector is not an exception")
)

// Frame is the interrupted context handed to a handler.
type Frame struct {
	Vector    uint8
	ErrorCode uint64
	RIP       uint64
	RSP       uint64
	RAX       uint64
}

type Handler func(f *Frame) error

// Entry is one slot of a handler table. Tables hold pointers so two tables
// are identical iff every slot points at the same Entry.
type Entry struct {
	Name   string
	Handle Handler
}

type Table [VectorCount]*Entry

// Controller connects the local APICs of all cores.
type Controller struct {
	locals []*LocalAPIC
}

func NewController(n int, log *zap.Logger) *Controller {
	c := &Controller{locals: make([]*LocalAPIC, n)}

	for i := range c.locals {
		c.locals[i] = &LocalAPIC{
			id:   uint8(i),
			ctl:  c,
			wake: make(chan struct{}, 1),
			log:  log.Named("apic").With(zap.Int("core", i)),
		}
	}

	return c
}

func (c *Controller) Len() int { return len(c.locals) }

func (c *Controller) Local(id int) (*LocalAPIC, error) {
	if id < 0 || id >= len(c.locals) {
		return nil, fmt.Errorf("%w: %d", errNoSuchCore, id)
	}

	return c.locals[id], nil
}

// Raise asserts vector on core dest. Safe from any goroutine.
func (c *Controller) Raise(dest int, vector uint8) error {
	l, err := c.Local(dest)
	if err != nil {
		return err
	}

	l.Raise(vector)

	return nil
}

// LocalAPIC is the interrupt controller of one core. Everything except
// Raise, HasPending and Wait belongs to the owning core.
type LocalAPIC struct {
	id      uint8
	ctl     *Controller
	wake    chan struct{}
	pending [VectorCount / 64]atomic.Uint64

	space     *paging.AddressSpace
	table     Table
	regs      [windowSize / 4]uint32
	inService []uint8
	log       *zap.Logger
}

func (l *LocalAPIC) ID() uint8 { return l.id }

// Enable brings the LAPIC up once the core has an address space that maps
// the register window.
func (l *LocalAPIC) Enable(space *paging.AddressSpace) error {
	if space == nil {
		return paging.ErrNoAddressSpace
	}

	pa, err := space.Translate(paging.VirtAddr(paging.LAPICBase))
	if err != nil || pa != paging.LAPICBase {
		return fmt.Errorf("%w on core %d", ErrLAPICNotMapped, l.id)
	}

	l.space = space
	l.regs[RegID/4] = uint32(l.id) << icrDestPos
	l.regs[RegVersion/4] = version
	l.regs[RegSVR/4] = svrEnable | 0xff

	return nil
}

func (l *LocalAPIC) Enabled() bool {
	return l.space != nil && l.regs[RegSVR/4]&svrEnable != 0
}

// Register installs h for vector and returns the entry it replaced.
func (l *LocalAPIC) Register(vector uint8, name string, h Handler) *Entry {
	return l.Set(vector, &Entry{Name: name, Handle: h})
}

// Set installs e for vector and returns the entry it replaced.
func (l *LocalAPIC) Set(vector uint8, e *Entry) *Entry {
	old := l.table[vector]
	l.table[vector] = e

	return old
}

func (l *LocalAPIC) Entry(vector uint8) *Entry { return l.table[vector] }

// Snapshot returns a copy of the installed table.
func (l *LocalAPIC) Snapshot() Table { return l.table }

// Load installs t wholesale.
func (l *LocalAPIC) Load(t Table) { l.table = t }

// Raise marks vector pending and wakes the core.
func (l *LocalAPIC) Raise(vector uint8) {
	l.pending[vector/64].Or(1 << (vector % 64))

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *LocalAPIC) HasPending() bool {
	for i := range l.pending {
		if l.pending[i].Load() != 0 {
			return true
		}
	}

	return false
}

// Service dispatches every pending vector on a host frame.
func (l *LocalAPIC) Service() (bool, error) {
	return l.ServiceFrame(&Frame{})
}

// ServiceFrame dispatches pending vectors, highest first, against the
// interrupted frame f.
func (l *LocalAPIC) ServiceFrame(f *Frame) (bool, error) {
	serviced := false

	for {
		v, ok := l.next()
		if !ok {
			return serviced, nil
		}

		serviced = true
		fr := *f
		fr.Vector = v

		if err := l.interrupt(&fr); err != nil {
			return serviced, err
		}
	}
}

func (l *LocalAPIC) next() (uint8, bool) {
	for i := len(l.pending) - 1; i >= 0; i-- {
		for {
			w := l.pending[i].Load()
			if w == 0 {
				break
			}

			bit := 63 - bits.LeadingZeros64(w)
			if l.pending[i].CompareAndSwap(w, w&^(1<<bit)) {
				return uint8(i*64 + bit), true
			}
		}
	}

	return 0, false
}

func (l *LocalAPIC) interrupt(f *Frame) error {
	e := l.table[f.Vector]
	if e == nil || e.Handle == nil {
		return fmt.Errorf("%w: %d on core %d", ErrUnhandledVector, f.Vector, l.id)
	}

	l.inService = append(l.inService, f.Vector)
	depth := len(l.inService)

	err := e.Handle(f)

	if len(l.inService) >= depth {
		l.log.Debug("handler returned without EOI", zap.String("handler", e.Name), zap.Uint8("vector", f.Vector))
		l.inService = l.inService[:depth-1]
	}

	return err
}

// Exception delivers a synchronous exception raised by the code running on
// this core.
func (l *LocalAPIC) Exception(f *Frame) error {
	if f.Vector >= ExceptionCount {
		return fmt.Errorf("%w: %d", errNotFault, f.Vector)
	}

	e := l.table[f.Vector]
	if e == nil || e.Handle == nil {
		return fmt.Errorf("%w: exception %d on core %d", ErrUnhandledVector, f.Vector, l.id)
	}

	return e.Handle(f)
}

// InService returns the vector currently being handled.
func (l *LocalAPIC) InService() (uint8, bool) {
	if len(l.inService) == 0 {
		return 0, false
	}

	return l.inService[len(l.inService)-1], true
}

// EOI acknowledges the interrupt in service. It is a no-op for exceptions.
func (l *LocalAPIC) EOI() {
	if n := len(l.inService); n > 0 {
		l.inService = l.inService[:n-1]
	}
}

// Wait blocks until an interrupt is pending or ctx is done.
func (l *LocalAPIC) Wait(ctx context.Context) error {
	if l.HasPending() {
		return nil
	}

	select {
	case <-l.wake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitTimeout is Wait with an upper bound, like an mwait that may wake
// without a cause.
func (l *LocalAPIC) WaitTimeout(ctx context.Context, d time.Duration) error {
	if l.HasPending() {
		return nil
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-l.wake:
		return nil
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
