package task

import (
	"fmt"

	"github.com/bobuhiro11/govisor/apic"
	"github.com/bobuhiro11/govisor/memory"
	"github.com/bobuhiro11/govisor/paging"
	"go.uber.org/zap"
)

// pfFetch is the page fault error code of a user instruction fetch from a
// non-present page.
const pfFetch = 0x14

// Manager owns the tasks of one core.
type Manager struct {
	window  *memory.Window
	space   *paging.AddressSpace
	lapic   *apic.LocalAPIC
	tasks   map[ID]*Task
	exits   map[ID]Registers
	next    ID
	current ID
	log     *zap.Logger
}

func NewManager(window *memory.Window, space *paging.AddressSpace, lapic *apic.LocalAPIC, log *zap.Logger) *Manager {
	return &Manager{
		window: window,
		space:  space,
		lapic:  lapic,
		tasks:  map[ID]*Task{},
		exits:  map[ID]Registers{},
		log:    log.Named("task"),
	}
}

// Create allocates a poisoned, 2 MiB aligned task of at least size bytes.
// The task starts at its base with its stack at the end.
func (m *Manager) Create(size uint64, prog Program) (*Task, error) {
	size = (size + paging.PageSize - 1) &^ (paging.PageSize - 1)

	region, err := m.window.Alloc("task", size, paging.PageSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoMemory, err)
	}

	base, err := m.space.Virtual(region.Start)
	if err != nil {
		_ = m.window.Free(region)

		return nil, err
	}

	if err := m.window.Memory().Fill(region.Start, size); err != nil {
		_ = m.window.Free(region)

		return nil, err
	}

	m.next++
	t := &Task{
		id:        m.next,
		region:    region,
		base:      base,
		size:      size,
		symbols:   map[string]paging.VirtAddr{},
		resources: map[Resource][]any{},
		prog:      prog,
	}
	t.cpu = CPU{task: t, mgr: m}

	if err := t.SetEntry(base, t.End()); err != nil {
		return nil, err
	}

	m.tasks[t.id] = t
	m.log.Debug("task created", zap.Uint32("id", uint32(t.id)), zap.Uint64("base", uint64(base)), zap.Uint64("size", size))

	return t, nil
}

func (m *Manager) Get(id ID) (*Task, error) {
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoTask, id)
	}

	return t, nil
}

func (m *Manager) Current() ID { return m.current }

func (m *Manager) IsActive(id ID) bool {
	if id == Host {
		return true
	}

	_, ok := m.tasks[id]

	return ok
}

func (m *Manager) Stack(id ID) (paging.VirtAddr, error) {
	t, err := m.Get(id)
	if err != nil {
		return 0, err
	}

	return t.stack, nil
}

// Addr returns the address of a symbol inside task id.
func (m *Manager) Addr(id ID, name string) (paging.VirtAddr, error) {
	t, err := m.Get(id)
	if err != nil {
		return 0, err
	}

	return t.Symbol(name)
}

// Translate resolves va for task id. Only the task's own memory resolves.
func (m *Manager) Translate(id ID, va paging.VirtAddr) (paging.PhysAddr, error) {
	return m.translate(id, va, 1)
}

func (m *Manager) translate(id ID, va paging.VirtAddr, n uint64) (paging.PhysAddr, error) {
	t, err := m.Get(id)
	if err != nil {
		return 0, err
	}

	if !t.contains(va, n) {
		return 0, fmt.Errorf("%w: task %d [%#x, +%d)", ErrOutOfTask, id, uint64(va), n)
	}

	return m.space.Translate(va)
}

func (m *Manager) Read(id ID, va paging.VirtAddr, b []byte) error {
	pa, err := m.translate(id, va, uint64(len(b)))
	if err != nil {
		return err
	}

	return m.window.Memory().Load(pa, b)
}

func (m *Manager) Write(id ID, va paging.VirtAddr, b []byte) error {
	pa, err := m.translate(id, va, uint64(len(b)))
	if err != nil {
		return err
	}

	return m.window.Memory().Store(pa, b)
}

// Resource attaches r to task id.
func (m *Manager) Resource(id ID, kind Resource, r any) error {
	t, err := m.Get(id)
	if err != nil {
		return err
	}

	t.resources[kind] = append(t.resources[kind], r)

	return nil
}

func (m *Manager) Resources(id ID, kind Resource) []any {
	t, err := m.Get(id)
	if err != nil {
		return nil
	}

	return t.resources[kind]
}

// Destroy frees task id. Its last registers stay available to TakeExit.
func (m *Manager) Destroy(id ID) error {
	if id == Host {
		return ErrHostTask
	}

	t, err := m.Get(id)
	if err != nil {
		return err
	}

	if err := m.window.Free(t.region); err != nil {
		return err
	}

	delete(m.tasks, id)
	m.exits[id] = t.cpu.Registers

	if m.current == id {
		m.current = Host
	}

	m.log.Debug("task destroyed", zap.Uint32("id", uint32(id)), zap.Uint64("rax", t.cpu.RAX))

	return nil
}

// TakeExit returns and forgets the final registers of a destroyed task.
func (m *Manager) TakeExit(id ID) (Registers, bool) {
	r, ok := m.exits[id]
	delete(m.exits, id)

	return r, ok
}

// Yield hands the core back to the host. Called from interrupt handlers
// while a guest runs.
func (m *Manager) Yield() { m.current = Host }

// Switch runs task id until it is destroyed or yields. Interrupts are
// taken between steps on the guest's frame.
func (m *Manager) Switch(id ID) error {
	if id == Host {
		m.current = Host

		return nil
	}

	t, err := m.Get(id)
	if err != nil {
		return err
	}

	if m.current != Host {
		return fmt.Errorf("%w: %d", errNotRunning, m.current)
	}

	m.current = id
	defer func() { m.current = Host }()

	for m.current == id {
		if m.lapic.HasPending() {
			f := t.frame(0, 0)
			if _, err := m.lapic.ServiceFrame(&f); err != nil {
				return err
			}

			continue
		}

		if err := m.step(t); err != nil {
			return err
		}
	}

	return nil
}

func (m *Manager) step(t *Task) error {
	switch e := t.prog.Step(&t.cpu).(type) {
	case Return:
		t.cpu.RAX = uint64(int64(e.Code))
		t.cpu.RIP = 0
		t.cpu.RSP = uint64(t.stack)
		f := t.frame(apic.VectorPF, pfFetch)

		return m.lapic.Exception(&f)
	case Fault:
		f := t.frame(e.Vector, e.ErrorCode)

		return m.lapic.Exception(&f)
	}

	return nil
}

func (t *Task) frame(vector uint8, code uint64) apic.Frame {
	return apic.Frame{
		Vector:    vector,
		ErrorCode: code,
		RIP:       t.cpu.RIP,
		RSP:       t.cpu.RSP,
		RAX:       t.cpu.RAX,
	}
}
