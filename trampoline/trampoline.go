package trampoline

import (
	"fmt"
	"strconv"

	"github.com/bobuhiro11/govisor/apic"
	"github.com/bobuhiro11/govisor/metrics"
	"github.com/bobuhiro11/govisor/paging"
	"github.com/bobuhiro11/govisor/task"
	"go.uber.org/zap"
	"golang.org/x/arch/x86/x86asm"
)

// Outcome describes how a guest run ended.
type Outcome struct {
	// Paused is set when the guest left without faulting and still exists.
	Paused bool
	// Fault is set when the guest died on an exception other than its own
	// return.
	Fault     bool
	Result    int32
	Vector    uint8
	ErrorCode uint64
	// ReturnCode is the guest's RAX when it was destroyed.
	ReturnCode int32
}

// Trampoline brackets guest execution on one core.
type Trampoline struct {
	lapic *apic.LocalAPIC
	tasks *task.Manager
	log   *zap.Logger
}

func New(lapic *apic.LocalAPIC, tasks *task.Manager, log *zap.Logger) *Trampoline {
	return &Trampoline{lapic: lapic, tasks: tasks, log: log.Named("trampoline")}
}

// Run installs the guest table, calls entered, and switches to guest id
// until it yields or is destroyed. The host table is back in place when Run
// returns, whatever the path out.
func (t *Trampoline) Run(id task.ID, entered func() error) (Outcome, error) {
	var out Outcome

	host := t.lapic.Snapshot()
	defer t.lapic.Load(host)

	guest := host
	entry := &apic.Entry{Name: "trampoline", Handle: t.handler(id, &out)}

	for v := 0; v < apic.ExceptionCount; v++ {
		if v != apic.VectorNM {
			guest[v] = entry
		}
	}

	t.lapic.Load(guest)

	if entered != nil {
		if err := entered(); err != nil {
			return out, err
		}
	}

	if err := t.tasks.Switch(id); err != nil {
		return out, fmt.Errorf("task %d: %w", id, err)
	}

	if regs, ok := t.tasks.TakeExit(id); ok {
		out.ReturnCode = int32(regs.RAX)
	}

	out.Paused = !out.Fault && t.tasks.IsActive(id)

	return out, nil
}

// handler runs for every exception the guest raises. A return to address
// 0 on the initial stack is the guest finishing; anything else is a fault.
func (t *Trampoline) handler(id task.ID, out *Outcome) apic.Handler {
	return func(f *apic.Frame) error {
		stack, err := t.tasks.Stack(id)
		if err != nil {
			return err
		}

		if f.RIP == 0 && f.RSP == uint64(stack) {
			t.log.Debug("guest returned", zap.Uint32("task", uint32(id)), zap.Int32("rax", int32(f.RAX)))
		} else {
			out.Fault = true
			out.Vector = f.Vector
			out.ErrorCode = f.ErrorCode
			out.Result = int32(f.Vector)

			metrics.GuestFaults.WithLabelValues(strconv.Itoa(int(f.Vector))).Inc()
			t.log.Warn("guest fault",
				zap.Uint32("task", uint32(id)),
				zap.Uint8("vector", f.Vector),
				zap.Uint64("error_code", f.ErrorCode),
				zap.String("rip", fmt.Sprintf("%#x", f.RIP)),
				zap.String("rsp", fmt.Sprintf("%#x", f.RSP)),
				zap.String("rax", fmt.Sprintf("%#x", f.RAX)),
				zap.String("insn", Disassemble(t.tasks, id, f.RIP)))
		}

		t.lapic.EOI()

		return t.tasks.Destroy(id)
	}
}

// Disassemble decodes the instruction at rip in task id.
func Disassemble(tasks *task.Manager, id task.ID, rip uint64) string {
	tk, err := tasks.Get(id)
	if err != nil {
		return "<no task>"
	}

	if rip < uint64(tk.Base()) || rip >= uint64(tk.End()) {
		return "<unmapped>"
	}

	insn := make([]byte, min(16, uint64(tk.End())-rip))
	if err := tasks.Read(id, paging.VirtAddr(rip), insn); err != nil {
		return "<unreadable>"
	}

	d, err := x86asm.Decode(insn, 64)
	if err != nil {
		return fmt.Sprintf("<bad instruction % x>", insn)
	}

	return x86asm.GNUSyntax(d, rip, nil)
}
