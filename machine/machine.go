// Package machine assembles the cores: memory, interrupt controllers, the
// message fabric and one event loop per core, booted in lock step.
package machine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/bobuhiro11/govisor/apic"
	"github.com/bobuhiro11/govisor/cpuid"
	"github.com/bobuhiro11/govisor/device"
	"github.com/bobuhiro11/govisor/event"
	"github.com/bobuhiro11/govisor/icc"
	"github.com/bobuhiro11/govisor/lifecycle"
	"github.com/bobuhiro11/govisor/loader"
	"github.com/bobuhiro11/govisor/manager"
	"github.com/bobuhiro11/govisor/memory"
	"github.com/bobuhiro11/govisor/metrics"
	"github.com/bobuhiro11/govisor/paging"
	"github.com/bobuhiro11/govisor/task"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Control is the core that runs the manager.
const Control = 0

// Idle policies.
const (
	IdleAuto  = "auto"
	IdleHalt  = "hlt"
	IdleMwait = "mwait"
)

// mwaitTimeout bounds one monitor/mwait wait.
const mwaitTimeout = time.Millisecond

var (
	ErrConfig        = errors.New("invalid machine config")
	ErrHostException = errors.New("exception in host context")
)

type Config struct {
	Cores int
	// MemPerCore is each core's slice of physical memory.
	MemPerCore uint64
	PoolSize   int
	// Entries is the size of each core's page window.
	Entries int
	Pin     bool
	Idle    string
	NICs    []device.StaticNIC
}

func (c *Config) validate() error {
	switch {
	case c.Cores < 2 || c.Cores > 256:
		return fmt.Errorf("%w: %d cores, need a control core and at least one more", ErrConfig, c.Cores)
	case c.MemPerCore < 2*paging.PageSize || c.MemPerCore%paging.PageSize != 0:
		return fmt.Errorf("%w: memory per core %#x is not a multiple of %#x above one page",
			ErrConfig, c.MemPerCore, paging.PageSize)
	case c.PoolSize < 1:
		return fmt.Errorf("%w: pool size %d", ErrConfig, c.PoolSize)
	}

	if c.Entries == 0 {
		c.Entries = paging.DefaultEntries
	}

	switch c.Idle {
	case "":
		c.Idle = IdleAuto
	case IdleAuto, IdleHalt, IdleMwait:
	default:
		return fmt.Errorf("%w: idle policy %q", ErrConfig, c.Idle)
	}

	return nil
}

// Core is the context of one core. Only its own goroutine touches it once
// the machine runs.
type Core struct {
	ID       uint8
	Offset   paging.PhysAddr
	CR3      paging.CR3
	LAPIC    *apic.LocalAPIC
	Endpoint *icc.Endpoint
	Tasks    *task.Manager
	Loop     *event.Loop
	AP       *lifecycle.AP
	log      *zap.Logger
}

type Machine struct {
	cfg     Config
	mem     *memory.Memory
	ctrl    *apic.Controller
	fabric  *icc.Fabric
	devices *device.Registry
	loader  *loader.Loader
	manager *manager.Manager
	mac     uint64
	cores   []*Core
	sync    *Barrier
	ready   chan struct{}
	idle    string
	log     *zap.Logger
}

func New(cfg Config, log *zap.Logger) (*Machine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	mem, err := memory.New(int(uint64(cfg.Cores) * cfg.MemPerCore))
	if err != nil {
		return nil, err
	}

	m := &Machine{
		cfg:     cfg,
		mem:     mem,
		ctrl:    apic.NewController(cfg.Cores, log),
		fabric:  icc.NewFabric(icc.NewPool(cfg.PoolSize), cfg.Cores),
		devices: device.NewRegistry(),
		cores:   make([]*Core, cfg.Cores),
		sync:    NewBarrier(cfg.Cores),
		ready:   make(chan struct{}),
		log:     log.Named("machine"),
	}

	for i := range cfg.NICs {
		if _, err := m.devices.Register(device.TypeNIC, &cfg.NICs[i]); err != nil {
			_ = mem.Close()

			return nil, err
		}
	}

	if m.mac, err = m.devices.InitNICs(m.log); err != nil {
		_ = mem.Close()

		return nil, err
	}

	m.loader = loader.New(m.devices, log)
	m.idle = m.pickIdle()

	for i := range m.cores {
		m.cores[i] = &Core{
			ID:     uint8(i),
			Offset: paging.PhysAddr(uint64(i) * cfg.MemPerCore),
			log:    m.log.With(zap.Int("core", i)),
		}
	}

	return m, nil
}

func (m *Machine) pickIdle() string {
	if m.cfg.Idle != IdleAuto {
		return m.cfg.Idle
	}

	if cpuid.Detect().Mwait() {
		return IdleMwait
	}

	return IdleHalt
}

// Manager returns the control core's manager. It is set once Ready is
// closed; use Manager().Do from other goroutines.
func (m *Machine) Manager() *manager.Manager { return m.manager }

// Ready is closed when every core has finished booting.
func (m *Machine) Ready() <-chan struct{} { return m.ready }

func (m *Machine) Devices() *device.Registry { return m.devices }

// MAC is the first NIC's address, 0 without NICs.
func (m *Machine) MAC() uint64 { return m.mac }

func (m *Machine) Memory() *memory.Memory { return m.mem }

func (m *Machine) Idle() string { return m.idle }

// Interrupt raises vector on core.
func (m *Machine) Interrupt(core int, vector uint8) error {
	return m.ctrl.Raise(core, vector)
}

// Run boots every core on its own locked thread and runs the event loops
// until ctx is done or a core fails. A failing core stops the machine.
// Run must be called once.
func (m *Machine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, c := range m.cores {
		g.Go(func() error {
			err := m.runCore(gctx, c)
			if err != nil && gctx.Err() == nil {
				c.log.Error("core aborted", zap.Error(err))
			}

			return err
		})
	}

	err := g.Wait()
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

func (m *Machine) runCore(ctx context.Context, c *Core) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if m.cfg.Pin {
		cpu := int(c.ID) % runtime.NumCPU()
		if err := pin(cpu); err != nil {
			return fmt.Errorf("core %d: pin to cpu %d: %w", c.ID, cpu, err)
		}
	}

	if err := m.boot(ctx, c); err != nil {
		return fmt.Errorf("core %d: boot: %w", c.ID, err)
	}

	if c.ID == Control {
		close(m.ready)
		c.log.Info("machine ready", zap.Int("cores", len(m.cores)), zap.String("idle", m.idle))
	}

	return c.Loop.Run(ctx)
}

// boot brings c up in three steps separated by barriers: address space and
// interrupt controller, message endpoint, lifecycle handlers.
func (m *Machine) boot(ctx context.Context, c *Core) error {
	space, err := paging.Bootstrap(int(c.ID), c.Offset, m.cfg.Entries)
	if err != nil {
		return err
	}

	if err := c.CR3.Install(space); err != nil {
		return err
	}

	if c.LAPIC, err = m.ctrl.Local(int(c.ID)); err != nil {
		return err
	}

	active, err := c.CR3.Active()
	if err != nil {
		return err
	}

	if err := c.LAPIC.Enable(active); err != nil {
		return err
	}

	m.hostExceptions(c)

	if err := m.sync.Wait(ctx); err != nil {
		return err
	}

	if c.Endpoint, err = m.fabric.Endpoint(c.ID, c.LAPIC, c.log); err != nil {
		return err
	}

	c.LAPIC.Register(apic.VectorICC, "icc", c.Endpoint.Interrupt(c.LAPIC))
	c.Loop = event.New(c.LAPIC, c.log)

	if c.ID == Control {
		if err := m.bootControl(c); err != nil {
			return err
		}
	} else if err := m.bootAP(c, active); err != nil {
		return err
	}

	if err := m.sync.Wait(ctx); err != nil {
		return err
	}

	if _, err := c.Loop.AddIdle(m.idle, m.idler(ctx, c)); err != nil {
		return err
	}

	c.log.Debug("core booted", zap.Uint64("offset", uint64(c.Offset)), zap.Int("entries", space.Len()))

	return m.sync.Wait(ctx)
}

func (m *Machine) bootControl(c *Core) error {
	aps := make([]uint8, 0, len(m.cores)-1)
	for _, o := range m.cores {
		if o.ID != Control {
			aps = append(aps, o.ID)
		}
	}

	m.manager = manager.New(c.Endpoint, c.LAPIC, m.mem, aps, c.log)

	return m.manager.Register()
}

func (m *Machine) bootAP(c *Core, space *paging.AddressSpace) error {
	window, err := m.mem.Window(c.Offset+paging.PageSize, m.cfg.MemPerCore-paging.PageSize)
	if err != nil {
		return err
	}

	c.Tasks = task.NewManager(window, space, c.LAPIC, c.log)
	c.AP = lifecycle.New(lifecycle.Config{
		Endpoint: c.Endpoint,
		LAPIC:    c.LAPIC,
		Tasks:    c.Tasks,
		Loader:   m.loader,
		Resolver: lifecycle.ResolverFunc(func(vm uint32) (*loader.Descriptor, error) {
			return m.manager.Descriptor(vm)
		}),
		Control: Control,
		Log:     c.log,
	})

	return c.AP.Register(c.Loop)
}

// hostExceptions installs the host's exception entries. An exception
// while no guest runs is fatal to the core; #NM is taken lazily.
func (m *Machine) hostExceptions(c *Core) {
	for v := uint8(0); v < apic.ExceptionCount; v++ {
		if v == apic.VectorNM {
			c.LAPIC.Register(v, "fpu", func(*apic.Frame) error { return nil })

			continue
		}

		c.LAPIC.Register(v, "host-exception", func(f *apic.Frame) error {
			return fmt.Errorf("%w: vector %d rip %#x", ErrHostException, f.Vector, f.RIP)
		})
	}
}

// idler returns the idle callback for the chosen policy. Cancellation ends
// the wait quietly; the loop sees ctx and stops.
func (m *Machine) idler(ctx context.Context, c *Core) event.Callback {
	wait := c.LAPIC.Wait
	if m.idle == IdleMwait {
		wait = func(ctx context.Context) error { return c.LAPIC.WaitTimeout(ctx, mwaitTimeout) }
	}

	return func() (bool, error) {
		metrics.IdleEntries.WithLabelValues(m.idle).Inc()

		if err := wait(ctx); err != nil && ctx.Err() == nil {
			return false, err
		}

		return false, nil
	}
}

// Close releases physical memory. Call it after Run returned.
func (m *Machine) Close() error {
	return m.mem.Close()
}
