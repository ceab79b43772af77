// Package manager is the control side of the VM lifecycle. It runs on the
// control core, hands VMs to application cores and tracks their replies.
package manager

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/bobuhiro11/govisor/apic"
	"github.com/bobuhiro11/govisor/icc"
	"github.com/bobuhiro11/govisor/lifecycle"
	"github.com/bobuhiro11/govisor/loader"
	"github.com/bobuhiro11/govisor/memory"
	"github.com/bobuhiro11/govisor/metrics"
	"github.com/bobuhiro11/govisor/paging"
	"github.com/bobuhiro11/govisor/stdio"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var (
	ErrOutstanding = errors.New("request already outstanding")
	ErrNoFreeCore  = errors.New("no free application core")
	ErrNoVM        = errors.New("no such vm")
	ErrBadState    = errors.New("operation not allowed in this state")
	ErrGuestFault  = errors.New("guest fault")
)

// VM is the control core's view of one VM. The application core never
// writes it.
type VM struct {
	ID   uint32
	Name string
	Core uint8
	// State follows the replies received so far.
	State lifecycle.State
	// Outstanding is the request awaiting a reply, 0 if none.
	Outstanding icc.Type
	Result      int32
	ReturnCode  int32
	Vector      uint8
	Fault       bool
	Streams     icc.Started
}

// Event is one reply from an application core.
type Event struct {
	VM         uint32
	Core       uint8
	Type       icc.Type
	Result     int32
	ReturnCode int32
	Vector     uint8
	Fault      bool
}

// Err turns the reply result into an error, nil on success.
func (e Event) Err() error {
	switch {
	case e.Fault:
		return fmt.Errorf("%w: vector %d", ErrGuestFault, e.Vector)
	case e.Result < 0:
		return unix.Errno(-e.Result)
	}

	return nil
}

type command struct {
	fn   func(*Manager) error
	done chan error
}

// Manager runs on the control core. Create, Start, Pause, Resume, Stop,
// Reclaim and Stdout must be called from that core; other goroutines go
// through Do. Get, List, Descriptor and Events are safe anywhere.
type Manager struct {
	ep    *icc.Endpoint
	lapic *apic.LocalAPIC
	mem   *memory.Memory
	cores []uint8

	mu     sync.RWMutex
	vms    map[uint32]*VM
	descs  map[uint32]*loader.Descriptor
	byCore map[uint8]uint32
	next   uint32

	events   *eventQueue
	commands chan command
	log      *zap.Logger
}

// New returns a manager that places VMs on cores. mem is the physical
// memory the application cores' windows live in.
func New(ep *icc.Endpoint, lapic *apic.LocalAPIC, mem *memory.Memory, cores []uint8, log *zap.Logger) *Manager {
	return &Manager{
		ep:       ep,
		lapic:    lapic,
		mem:      mem,
		cores:    cores,
		vms:      map[uint32]*VM{},
		descs:    map[uint32]*loader.Descriptor{},
		byCore:   map[uint8]uint32{},
		next:     1,
		events:   newEventQueue(),
		commands: make(chan command, 16),
		log:      log.Named("manager"),
	}
}

// Register installs the reply handlers and the command vector.
func (m *Manager) Register() error {
	handlers := []struct {
		t icc.Type
		h icc.Handler
	}{
		{icc.TypeStarted, m.onStarted},
		{icc.TypeResumed, m.onResumed},
		{icc.TypePaused, m.onPaused},
		{icc.TypeStopped, m.onStopped},
	}

	for _, h := range handlers {
		if err := m.ep.Register(h.t, h.h); err != nil {
			return err
		}
	}

	m.lapic.Register(apic.VectorCommand, "command", m.onCommand)

	return nil
}

// Do runs fn on the control core and waits for its result.
func (m *Manager) Do(ctx context.Context, fn func(*Manager) error) error {
	c := command{fn: fn, done: make(chan error, 1)}

	select {
	case m.commands <- c:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.lapic.Raise(apic.VectorCommand)

	select {
	case err := <-c.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) onCommand(*apic.Frame) error {
	m.lapic.EOI()

	for {
		select {
		case c := <-m.commands:
			c.done <- c.fn(m)
		default:
			return nil
		}
	}
}

// Descriptor resolves the VM named by a START.
func (m *Manager) Descriptor(id uint32) (*loader.Descriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.descs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoVM, id)
	}

	return d, nil
}

func (m *Manager) Get(id uint32) (VM, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	vm, ok := m.vms[id]
	if !ok {
		return VM{}, fmt.Errorf("%w: %d", ErrNoVM, id)
	}

	return *vm, nil
}

// List returns every VM ordered by ID.
func (m *Manager) List() []VM {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]VM, 0, len(m.vms))
	for _, vm := range m.vms {
		out = append(out, *vm)
	}

	slices.SortFunc(out, func(a, b VM) int { return cmp.Compare(a.ID, b.ID) })

	return out
}

// Create places d on a free application core. The VM starts Idle.
func (m *Manager) Create(d loader.Descriptor) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	core, ok := m.freeCore()
	if !ok {
		metrics.Requests.WithLabelValues("create", "rejected").Inc()

		return 0, ErrNoFreeCore
	}

	id := m.next
	m.next++

	d.ID = id
	m.descs[id] = &d
	m.vms[id] = &VM{ID: id, Name: d.Name, Core: core}
	m.byCore[core] = id

	metrics.Requests.WithLabelValues("create", "ok").Inc()
	m.log.Info("vm created", zap.Uint32("vm", id), zap.String("name", d.Name), zap.Uint8("core", core))

	return id, nil
}

func (m *Manager) freeCore() (uint8, bool) {
	for _, c := range m.cores {
		if _, used := m.byCore[c]; !used {
			return c, true
		}
	}

	return 0, false
}

// Reclaim forgets a VM that is not running and frees its core.
func (m *Manager) Reclaim(id uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	vm, ok := m.vms[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoVM, id)
	}

	if vm.Outstanding != 0 {
		return fmt.Errorf("%w: %s", ErrOutstanding, vm.Outstanding)
	}

	if vm.State != lifecycle.Idle && vm.State != lifecycle.Stopped {
		return fmt.Errorf("%w: reclaim in %s", ErrBadState, vm.State)
	}

	delete(m.vms, id)
	delete(m.descs, id)
	delete(m.byCore, vm.Core)

	m.log.Info("vm reclaimed", zap.Uint32("vm", id), zap.Uint8("core", vm.Core))

	return nil
}

// Start asks the VM's core to load and run it. A Stopped VM may be
// started again.
func (m *Manager) Start(id uint32) error {
	return m.request(id, icc.TypeStart, "start", func(vm *VM) error {
		if vm.State != lifecycle.Idle && vm.State != lifecycle.Stopped {
			return fmt.Errorf("%w: start in %s", ErrBadState, vm.State)
		}

		return m.send(vm, icc.TypeStart, 0)
	})
}

// Pause interrupts a running guest.
func (m *Manager) Pause(id uint32) error {
	return m.request(id, icc.TypePause, "pause", func(vm *VM) error {
		if vm.State != lifecycle.Running {
			return fmt.Errorf("%w: pause in %s", ErrBadState, vm.State)
		}

		return m.lapic.SendIPI(vm.Core, apic.VectorPause)
	})
}

// Resume continues a paused guest.
func (m *Manager) Resume(id uint32) error {
	return m.request(id, icc.TypeResume, "resume", func(vm *VM) error {
		if vm.State != lifecycle.Paused {
			return fmt.Errorf("%w: resume in %s", ErrBadState, vm.State)
		}

		return m.send(vm, icc.TypeResume, 0)
	})
}

// Stop tears the VM down. Stopping a stopped VM replays its result.
func (m *Manager) Stop(id uint32) error {
	return m.request(id, icc.TypeStop, "stop", func(vm *VM) error {
		return m.send(vm, icc.TypeStop, 0)
	})
}

func (m *Manager) request(id uint32, t icc.Type, op string, fn func(*VM) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	vm, ok := m.vms[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoVM, id)
	}

	if vm.Outstanding != 0 {
		metrics.Requests.WithLabelValues(op, "rejected").Inc()

		return fmt.Errorf("%w: %s on vm %d", ErrOutstanding, vm.Outstanding, id)
	}

	if err := fn(vm); err != nil {
		outcome := "rejected"
		if errors.Is(err, icc.ErrPoolExhausted) {
			outcome = "backpressure"
		}

		metrics.Requests.WithLabelValues(op, outcome).Inc()

		return err
	}

	vm.Outstanding = t
	metrics.Requests.WithLabelValues(op, "ok").Inc()
	m.log.Debug("request sent", zap.String("op", op), zap.Uint32("vm", id), zap.Uint8("core", vm.Core))

	return nil
}

func (m *Manager) send(vm *VM, t icc.Type, result int32) error {
	msg, err := m.ep.Alloc(t)
	if err != nil {
		return err
	}

	msg.Result = result

	switch p := msg.Payload.(type) {
	case *icc.Start:
		p.VM = vm.ID
	case *icc.Stop:
		p.VM = vm.ID
	}

	return m.ep.Send(msg, vm.Core)
}

// ring opens one stdio ring of a guest that is not running. The rings stay
// readable until the VM is reclaimed.
func (m *Manager) ring(id uint32, pick func(*icc.Started) icc.Stream) (*stdio.Ring[paging.PhysAddr], error) {
	vm, err := m.Get(id)
	if err != nil {
		return nil, err
	}

	if vm.State != lifecycle.Paused && vm.State != lifecycle.Stopped {
		return nil, fmt.Errorf("%w: stdio in %s", ErrBadState, vm.State)
	}

	s := pick(&vm.Streams)
	if s.Buffer == 0 {
		return nil, fmt.Errorf("%w: vm %d never started", ErrBadState, id)
	}

	return &stdio.Ring[paging.PhysAddr]{Mem: m.mem, Buffer: s.Buffer, Head: s.Head, Tail: s.Tail, Size: uint32(s.Size)}, nil
}

// Stdout drains the guest's stdout ring.
func (m *Manager) Stdout(id uint32) ([]byte, error) {
	r, err := m.ring(id, func(s *icc.Started) icc.Stream { return s.Stdout })
	if err != nil {
		return nil, err
	}

	n, err := r.Len()
	if err != nil {
		return nil, err
	}

	out := make([]byte, n)
	n, err = r.Read(out)

	return out[:n], err
}

// Stdin queues p for the guest and returns how much fit.
func (m *Manager) Stdin(id uint32, p []byte) (int, error) {
	r, err := m.ring(id, func(s *icc.Started) icc.Stream { return s.Stdin })
	if err != nil {
		return 0, err
	}

	return r.Write(p)
}
