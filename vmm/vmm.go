// Package vmm wires configuration, logging and metrics around a machine
// and runs the VMs of a manifest on it.
package vmm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/bobuhiro11/govisor/icc"
	"github.com/bobuhiro11/govisor/lifecycle"
	"github.com/bobuhiro11/govisor/machine"
	"github.com/bobuhiro11/govisor/manager"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// retryDelay spaces out requests refused because another is outstanding.
const retryDelay = 10 * time.Millisecond

type Config struct {
	Cores       int
	MemPerCore  uint64
	PoolSize    int
	Entries     int
	Pin         bool
	Idle        string
	MetricsAddr string
	// Serve keeps the machine up after every VM finished.
	Serve bool
}

// Report is the outcome of one VM.
type Report struct {
	Name       string
	VM         uint32
	Core       uint8
	Result     int32
	ReturnCode int32
	Fault      bool
	Vector     uint8
	Output     []byte
	Err        error
}

type VMM struct {
	*machine.Machine
	Config

	manifest *Manifest
	log      *zap.Logger
}

func New(c Config, manifest *Manifest, log *zap.Logger) *VMM {
	if manifest == nil {
		manifest = &Manifest{}
	}

	return &VMM{
		Machine:  nil,
		Config:   c,
		manifest: manifest,
		log:      log,
	}
}

// Init instantiates a machine.
func (v *VMM) Init() error {
	m, err := machine.New(machine.Config{
		Cores:      v.Config.Cores,
		MemPerCore: v.Config.MemPerCore,
		PoolSize:   v.Config.PoolSize,
		Entries:    v.Config.Entries,
		Pin:        v.Config.Pin,
		Idle:       v.Config.Idle,
		NICs:       v.manifest.Devices(),
	}, v.log)
	if err != nil {
		return err
	}

	v.Machine = m

	return nil
}

// Boot runs the machine, the metrics endpoint and the manifest until every
// VM has finished, or until ctx is done when Serve is set.
func (v *VMM) Boot(ctx context.Context) ([]Report, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return v.Machine.Run(ctx) })

	if v.Config.MetricsAddr != "" {
		ln, err := net.Listen("tcp", v.Config.MetricsAddr)
		if err != nil {
			cancel()
			_ = g.Wait()

			return nil, err
		}

		g.Go(func() error { return ServeMetrics(ctx, ln, v.log) })
	}

	var reports []Report

	g.Go(func() error {
		select {
		case <-v.Ready():
		case <-ctx.Done():
			return nil
		}

		var err error

		reports, err = newDriver(v.Manager(), v.manifest.VMs, v.log).run(ctx)
		if ctx.Err() != nil {
			err = nil
		}

		if err == nil && v.Config.Serve {
			<-ctx.Done()
		}

		cancel()

		return err
	})

	err := g.Wait()

	return reports, err
}

type pending struct {
	spec *VMSpec
	rep  *Report
}

// driver creates the manifest's VMs as cores free up and collects their
// reports. It runs outside the control core and talks to it through Do.
type driver struct {
	mgr     *manager.Manager
	queue   []pending
	live    map[uint32]pending
	reports []*Report
	stops   chan uint32
	log     *zap.Logger
}

func newDriver(mgr *manager.Manager, vms []VMSpec, log *zap.Logger) *driver {
	d := &driver{
		mgr:   mgr,
		live:  map[uint32]pending{},
		stops: make(chan uint32, len(vms)),
		log:   log.Named("driver"),
	}

	for i := range vms {
		rep := &Report{Name: vms[i].Name}
		d.reports = append(d.reports, rep)
		d.queue = append(d.queue, pending{spec: &vms[i], rep: rep})
	}

	return d
}

func (d *driver) run(ctx context.Context) ([]Report, error) {
	for len(d.queue) > 0 || len(d.live) > 0 {
		if err := d.launch(ctx); err != nil {
			return d.collect(), err
		}

		select {
		case <-d.mgr.Notify():
			for ev, ok := d.mgr.TryEvent(); ok; ev, ok = d.mgr.TryEvent() {
				if err := d.handle(ctx, ev); err != nil {
					return d.collect(), err
				}
			}
		case id := <-d.stops:
			if err := d.stop(ctx, id); err != nil {
				return d.collect(), err
			}
		case <-ctx.Done():
			return d.collect(), nil
		}
	}

	return d.collect(), nil
}

func (d *driver) collect() []Report {
	out := make([]Report, len(d.reports))
	for i, r := range d.reports {
		out[i] = *r
	}

	return out
}

// launch creates and starts queued VMs while cores are free.
func (d *driver) launch(ctx context.Context) error {
	for len(d.queue) > 0 {
		p := d.queue[0]

		desc, err := p.spec.Descriptor()
		if err != nil {
			p.rep.Err = err
			d.queue = d.queue[1:]

			continue
		}

		var id uint32

		err = d.mgr.Do(ctx, func(m *manager.Manager) error {
			created, err := m.Create(desc)
			if err != nil {
				return err
			}

			if err := m.Start(created); err != nil {
				return errors.Join(err, m.Reclaim(created))
			}

			id = created

			return nil
		})
		if errors.Is(err, manager.ErrNoFreeCore) || errors.Is(err, icc.ErrPoolExhausted) {
			return nil
		}

		if err != nil {
			return err
		}

		d.queue = d.queue[1:]
		p.rep.VM = id
		d.live[id] = p
		d.log.Info("vm started", zap.String("name", p.spec.Name), zap.Uint32("vm", id))
	}

	return nil
}

func (d *driver) handle(ctx context.Context, ev manager.Event) error {
	p, ok := d.live[ev.VM]
	if !ok {
		return nil
	}

	p.rep.Core = ev.Core
	p.rep.Result = ev.Result

	switch ev.Type {
	case icc.TypeStarted:
		if ev.Result < 0 {
			p.rep.Err = ev.Err()
			d.log.Warn("vm failed to start", zap.String("name", p.spec.Name), zap.Error(p.rep.Err))

			return d.finish(ctx, ev.VM, false)
		}

		if p.spec.StopAfter > 0 {
			d.stopAfter(ctx, ev.VM, p.spec.StopAfter)
		}
	case icc.TypeStopped:
		p.rep.ReturnCode = ev.ReturnCode
		p.rep.Fault = ev.Fault
		p.rep.Vector = ev.Vector
		p.rep.Err = ev.Err()

		return d.finish(ctx, ev.VM, true)
	}

	return nil
}

func (d *driver) stopAfter(ctx context.Context, id uint32, after time.Duration) {
	time.AfterFunc(after, func() {
		select {
		case d.stops <- id:
		case <-ctx.Done():
		}
	})
}

func (d *driver) stop(ctx context.Context, id uint32) error {
	if _, ok := d.live[id]; !ok {
		return nil
	}

	err := d.mgr.Do(ctx, func(m *manager.Manager) error {
		vm, err := m.Get(id)
		if err != nil || vm.State == lifecycle.Stopped {
			return err
		}

		return m.Stop(id)
	})
	if errors.Is(err, manager.ErrOutstanding) || errors.Is(err, icc.ErrPoolExhausted) {
		d.stopAfter(ctx, id, retryDelay)

		return nil
	}

	return err
}

// finish collects the output of a VM and frees its core.
func (d *driver) finish(ctx context.Context, id uint32, output bool) error {
	p := d.live[id]
	delete(d.live, id)

	err := d.mgr.Do(ctx, func(m *manager.Manager) error {
		if output {
			out, err := m.Stdout(id)
			if err != nil {
				return err
			}

			p.rep.Output = out
		}

		return m.Reclaim(id)
	})
	if err != nil {
		return fmt.Errorf("vm %q: %w", p.spec.Name, err)
	}

	d.log.Info("vm finished", zap.String("name", p.spec.Name), zap.Int32("result", p.rep.Result),
		zap.Int32("return_code", p.rep.ReturnCode), zap.Bool("fault", p.rep.Fault))

	return nil
}
