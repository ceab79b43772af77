package lifecycle

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bobuhiro11/govisor/apic"
	"github.com/bobuhiro11/govisor/device"
	"github.com/bobuhiro11/govisor/event"
	"github.com/bobuhiro11/govisor/icc"
	"github.com/bobuhiro11/govisor/loader"
	"github.com/bobuhiro11/govisor/metrics"
	"github.com/bobuhiro11/govisor/paging"
	"github.com/bobuhiro11/govisor/task"
	"github.com/bobuhiro11/govisor/trampoline"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Resolver finds the descriptor named by a START message.
type Resolver interface {
	Descriptor(vm uint32) (*loader.Descriptor, error)
}

type ResolverFunc func(vm uint32) (*loader.Descriptor, error)

func (f ResolverFunc) Descriptor(vm uint32) (*loader.Descriptor, error) { return f(vm) }

// Context is the VM execution context held by the application core.
type Context struct {
	State State
	VM    uint32
	Task  task.ID
	NICs  []*device.Device
	// Result is the last result reported to the control core.
	Result  int32
	Stopped icc.Stopped
	// Saved is where a paused guest resumes.
	Saved task.Registers
}

type Config struct {
	Endpoint *icc.Endpoint
	LAPIC    *apic.LocalAPIC
	Tasks    *task.Manager
	Loader   *loader.Loader
	Resolver Resolver
	// Control is the core that issues requests and receives replies.
	Control uint8
	Log     *zap.Logger
}

type reply struct {
	typ     icc.Type
	result  int32
	payload icc.Payload
}

// AP runs the VM lifecycle of one application core. All of its methods run
// on that core.
type AP struct {
	ep       *icc.Endpoint
	lapic    *apic.LocalAPIC
	tasks    *task.Manager
	loader   *loader.Loader
	tramp    *trampoline.Trampoline
	resolver Resolver
	control  uint8

	ctx     Context
	enter   icc.Type
	started icc.Started
	outbox  []reply
	log     *zap.Logger
}

func New(cfg Config) *AP {
	log := cfg.Log.Named("lifecycle").With(zap.Uint8("core", cfg.Endpoint.Core()))

	return &AP{
		ep:       cfg.Endpoint,
		lapic:    cfg.LAPIC,
		tasks:    cfg.Tasks,
		loader:   cfg.Loader,
		tramp:    trampoline.New(cfg.LAPIC, cfg.Tasks, cfg.Log),
		resolver: cfg.Resolver,
		control:  cfg.Control,
		log:      log,
	}
}

// Register wires the lifecycle handlers into the core.
func (a *AP) Register(loop *event.Loop) error {
	handlers := []struct {
		t icc.Type
		h icc.Handler
	}{
		{icc.TypeStart, a.onStart},
		{icc.TypeResume, a.onResume},
		{icc.TypeStop, a.onStop},
	}

	for _, h := range handlers {
		if err := a.ep.Register(h.t, h.h); err != nil {
			return err
		}
	}

	a.lapic.Register(apic.VectorPause, "pause", a.onPause)
	loop.AddBusy("guest", a.poll)

	return nil
}

// Context returns a copy of the execution context.
func (a *AP) Context() Context { return a.ctx }

func (a *AP) transition(to State) {
	metrics.Transitions.WithLabelValues(a.ctx.State.String(), to.String()).Inc()
	a.log.Debug("transition", zap.Stringer("from", a.ctx.State), zap.Stringer("to", to), zap.Uint32("vm", a.ctx.VM))
	a.ctx.State = to
}

func (a *AP) violation(t icc.Type) error {
	err := &ProtocolError{Core: a.ep.Core(), State: a.ctx.State, Type: t}
	a.log.Error("protocol violation", zap.Error(err))

	return err
}

func (a *AP) onStart(m *icc.Message) error {
	vm := m.Payload.(*icc.Start).VM

	if err := a.ep.Release(m); err != nil {
		return err
	}

	switch a.ctx.State {
	case Stopped:
		a.ctx = Context{}
	case Idle:
	case Loading, Running, Paused, Stopping:
		return a.violation(icc.TypeStart)
	}

	a.ctx.VM = vm
	a.transition(Loading)

	started, err := a.load(vm)
	if err != nil {
		result := loader.Result(err)
		a.log.Warn("load failed", zap.Uint32("vm", vm), zap.Int32("result", result), zap.Error(err))

		a.ctx.Result = result
		a.transition(Idle)

		return a.reply(icc.TypeStarted, result, nil)
	}

	a.ctx.Result = 0
	a.started = started
	a.enter = icc.TypeStarted
	a.transition(Running)

	return nil
}

func (a *AP) onResume(m *icc.Message) error {
	result := m.Result

	if err := a.ep.Release(m); err != nil {
		return err
	}

	if result < 0 {
		return a.reply(icc.TypeResumed, result, nil)
	}

	if a.ctx.State != Paused {
		return a.violation(icc.TypeResume)
	}

	a.enter = icc.TypeResumed
	a.transition(Running)

	return nil
}

func (a *AP) onStop(m *icc.Message) error {
	result, vm := m.Result, m.Payload.(*icc.Stop).VM

	if err := a.ep.Release(m); err != nil {
		return err
	}

	if vm != a.ctx.VM && (a.ctx.State == Idle || a.ctx.State == Stopped) {
		// The core was reclaimed and handed to vm, which never started.
		a.log.Debug("context reset", zap.Uint32("previous", a.ctx.VM), zap.Uint32("vm", vm))
		a.ctx = Context{VM: vm}
	}

	switch a.ctx.State {
	case Idle:
		// The guest never started: report what went wrong, nothing to
		// tear down.
		r := a.ctx.Result
		if result < 0 {
			r = result
		}

		if r == 0 {
			r = -int32(unix.ESRCH)
		}

		return a.finish(r, icc.Stopped{})
	case Stopped:
		p := a.ctx.Stopped

		return a.reply(icc.TypeStopped, a.ctx.Result, &p)
	case Paused:
		a.transition(Stopping)

		if err := a.tasks.Destroy(a.ctx.Task); err != nil {
			return err
		}

		regs, _ := a.tasks.TakeExit(a.ctx.Task)

		return a.finish(0, icc.Stopped{ReturnCode: int32(regs.RAX)})
	case Running:
		if a.enter == 0 && a.tasks.Current() == a.ctx.Task {
			// Interrupted guest: once it is gone the run returns and
			// reports.
			a.transition(Stopping)

			return a.tasks.Destroy(a.ctx.Task)
		}
	case Loading, Stopping:
	}

	return a.violation(icc.TypeStop)
}

// onPause leaves the guest if one is running. A pause that lands after
// the guest is gone is dropped; the control core learns of the stop
// through STOPPED.
func (a *AP) onPause(*apic.Frame) error {
	a.lapic.EOI()

	if a.ctx.State == Running && a.ctx.Task != task.Host && a.tasks.Current() == a.ctx.Task {
		a.tasks.Yield()

		return nil
	}

	a.log.Debug("pause ignored", zap.Stringer("state", a.ctx.State))

	return nil
}

// poll is the busy callback: it flushes deferred replies and enters the
// guest when a START or RESUME asked for it. A freed slot raises no
// interrupt, so the core keeps polling while replies are waiting.
func (a *AP) poll() (bool, error) {
	if err := a.flush(); err != nil {
		return true, err
	}

	if a.enter == 0 {
		return len(a.outbox) > 0, nil
	}

	return true, a.run()
}

func (a *AP) run() error {
	entry := a.enter
	a.enter = 0

	out, err := a.tramp.Run(a.ctx.Task, func() error {
		if entry == icc.TypeStarted {
			p := a.started

			return a.reply(icc.TypeStarted, 0, &p)
		}

		return a.reply(icc.TypeResumed, 0, nil)
	})
	if err != nil {
		return err
	}

	if out.Paused {
		if tk, err := a.tasks.Get(a.ctx.Task); err == nil {
			a.ctx.Saved = tk.Registers()
		}

		a.transition(Paused)

		return a.reply(icc.TypePaused, 0, nil)
	}

	if a.ctx.State != Stopping {
		a.transition(Stopping)
	}

	if out.Fault {
		return a.finish(out.Result, icc.Stopped{
			ReturnCode: out.ReturnCode,
			Vector:     out.Vector,
			Fault:      true,
			ErrorCode:  out.ErrorCode,
		})
	}

	return a.finish(0, icc.Stopped{ReturnCode: out.ReturnCode})
}

func (a *AP) finish(result int32, p icc.Stopped) error {
	a.ctx.Result = result
	a.ctx.Stopped = p
	a.ctx.NICs = nil
	a.transition(Stopped)

	return a.reply(icc.TypeStopped, result, &p)
}

// reply sends a message to the control core. When the pool is full the
// reply waits in the outbox and goes out from poll, in order.
func (a *AP) reply(t icc.Type, result int32, p icc.Payload) error {
	r := reply{typ: t, result: result, payload: p}

	if len(a.outbox) > 0 {
		a.outbox = append(a.outbox, r)

		return nil
	}

	sent, err := a.send(r)
	if err != nil {
		return err
	}

	if !sent {
		a.log.Warn("message pool exhausted, reply deferred", zap.Stringer("type", t))
		a.outbox = append(a.outbox, r)
	}

	return nil
}

func (a *AP) send(r reply) (bool, error) {
	m, err := a.ep.Alloc(r.typ)
	if errors.Is(err, icc.ErrPoolExhausted) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	m.Result = r.result
	if r.payload != nil {
		m.Payload = r.payload
	}

	return true, a.ep.Send(m, a.control)
}

func (a *AP) flush() error {
	for len(a.outbox) > 0 {
		sent, err := a.send(a.outbox[0])
		if err != nil || !sent {
			return err
		}

		a.outbox = a.outbox[1:]
	}

	return nil
}

// load brings the VM up and composes its STARTED payload.
func (a *AP) load(vm uint32) (icc.Started, error) {
	d, err := a.resolver.Descriptor(vm)
	if err != nil {
		return icc.Started{}, fmt.Errorf("%w: vm %d: %w", unix.ENOENT, vm, err)
	}

	tk, err := a.loader.Load(a.tasks, d)
	if err != nil {
		return icc.Started{}, err
	}

	started, err := a.configure(tk.ID(), d)
	if err != nil {
		_ = a.tasks.Destroy(tk.ID())
		a.tasks.TakeExit(tk.ID())

		return icc.Started{}, err
	}

	a.ctx.Task = tk.ID()

	return started, nil
}

func (a *AP) configure(id task.ID, d *loader.Descriptor) (icc.Started, error) {
	var s icc.Started

	nics, err := a.loader.AttachNICs(a.tasks, id, d.NICs)
	if err != nil {
		return s, err
	}

	a.ctx.NICs = nics

	for _, st := range []struct {
		dst *icc.Stream
		src loader.Stream
	}{{&s.Stdin, loader.Stdin}, {&s.Stdout, loader.Stdout}, {&s.Stderr, loader.Stderr}} {
		if *st.dst, err = a.stream(id, st.src); err != nil {
			return s, err
		}
	}

	pool, err := a.pointer(id, loader.SymHeap)
	if err != nil {
		return s, err
	}

	s.HeapIndex = uint64(pool) >> paging.PageShift

	return s, nil
}

// stream resolves the physical location of one stdio ring.
func (a *AP) stream(id task.ID, s loader.Stream) (icc.Stream, error) {
	var out icc.Stream

	buf, err := a.pointer(id, s.Buffer)
	if err != nil {
		return out, err
	}

	head, err := a.symbol(id, s.Head)
	if err != nil {
		return out, err
	}

	tail, err := a.symbol(id, s.Tail)
	if err != nil {
		return out, err
	}

	va, err := a.tasks.Addr(id, s.Size)
	if err != nil {
		return out, err
	}

	var b [4]byte
	if err := a.tasks.Read(id, va, b[:]); err != nil {
		return out, err
	}

	return icc.Stream{Buffer: buf, Head: head, Tail: tail, Size: int32(binary.LittleEndian.Uint32(b[:]))}, nil
}

// symbol returns the physical address of a symbol.
func (a *AP) symbol(id task.ID, name string) (paging.PhysAddr, error) {
	va, err := a.tasks.Addr(id, name)
	if err != nil {
		return 0, err
	}

	return a.tasks.Translate(id, va)
}

// pointer returns the physical address stored in a pointer symbol.
func (a *AP) pointer(id task.ID, name string) (paging.PhysAddr, error) {
	va, err := a.tasks.Addr(id, name)
	if err != nil {
		return 0, err
	}

	var b [8]byte
	if err := a.tasks.Read(id, va, b[:]); err != nil {
		return 0, err
	}

	return a.tasks.Translate(id, paging.VirtAddr(binary.LittleEndian.Uint64(b[:])))
}
