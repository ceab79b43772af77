package task

import (
	"errors"
	"fmt"

	"github.com/bobuhiro11/govisor/memory"
	"github.com/bobuhiro11/govisor/paging"
)

// ID names a task on one core. The host task always exists.
type ID uint32

const Host ID = 0

type Resource uint8

const (
	ResourceNI Resource = iota + 1
)

var (
	ErrNoTask     = errors.New("no such task")
	ErrOutOfTask  = errors.New("address outside task memory")
	ErrNoSymbol   = errors.New("no such symbol")
	ErrNoMemory   = errors.New("out of task memory")
	ErrHostTask   = errors.New("operation not allowed on the host task")
	errNotRunning = errors.New("another task is running")
)

// Registers is the saved guest context.
type Registers struct {
	RIP uint64
	RSP uint64
	RAX uint64
}

// Exit tells the core why a step left guest code.
type Exit interface{ exit() }

// Continue keeps the guest running.
type Continue struct{}

// Return ends the guest with Code. Like returning from the guest's entry
// point, it jumps to address 0 with the initial stack.
type Return struct{ Code int32 }

// Fault raises an exception in the guest.
type Fault struct {
	Vector    uint8
	ErrorCode uint64
}

func (Continue) exit() {}
func (Return) exit()   {}
func (Fault) exit()    {}

// Program is guest code. Step runs a bounded slice of it.
type Program interface {
	Step(cpu *CPU) Exit
}

type ProgramFunc func(cpu *CPU) Exit

func (f ProgramFunc) Step(cpu *CPU) Exit { return f(cpu) }

// Task is one guest context and the memory it owns.
type Task struct {
	id        ID
	region    *memory.Region
	base      paging.VirtAddr
	size      uint64
	stack     paging.VirtAddr
	symbols   map[string]paging.VirtAddr
	resources map[Resource][]any
	prog      Program
	cpu       CPU
}

func (t *Task) ID() ID { return t.id }

func (t *Task) Base() paging.VirtAddr { return t.base }

func (t *Task) Size() uint64 { return t.size }

func (t *Task) End() paging.VirtAddr { return t.base + paging.VirtAddr(t.size) }

// Stack returns the initial stack pointer.
func (t *Task) Stack() paging.VirtAddr { return t.stack }

func (t *Task) Registers() Registers { return t.cpu.Registers }

func (t *Task) contains(va paging.VirtAddr, n uint64) bool {
	end := va + paging.VirtAddr(n)

	return va >= t.base && end >= va && end <= t.End()
}

// SetEntry sets where the guest starts and the stack it starts on.
func (t *Task) SetEntry(entry, stack paging.VirtAddr) error {
	if !t.contains(entry, 1) {
		return fmt.Errorf("%w: entry %#x", ErrOutOfTask, uint64(entry))
	}

	if !t.contains(stack-1, 1) {
		return fmt.Errorf("%w: stack %#x", ErrOutOfTask, uint64(stack))
	}

	t.stack = stack
	t.cpu.RIP = uint64(entry)
	t.cpu.RSP = uint64(stack)

	return nil
}

// Define binds name to va inside the task.
func (t *Task) Define(name string, va paging.VirtAddr) error {
	if !t.contains(va, 1) {
		return fmt.Errorf("%w: %s at %#x", ErrOutOfTask, name, uint64(va))
	}

	t.symbols[name] = va

	return nil
}

func (t *Task) Symbol(name string) (paging.VirtAddr, error) {
	va, ok := t.symbols[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoSymbol, name)
	}

	return va, nil
}
