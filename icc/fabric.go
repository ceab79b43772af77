package icc

import (
	"errors"
	"fmt"

	"github.com/bobuhiro11/govisor/apic"
	"github.com/bobuhiro11/govisor/metrics"
	"go.uber.org/zap"
)

var (
	ErrNoHandler     = errors.New("no handler for message type")
	ErrHandlerExists = errors.New("handler already registered")

	errNoSuchCore = errors.New("no such core")
	errEndpoint   = errors.New("endpoint already opened")
)

// Signaler raises an interrupt on another core.
type Signaler interface {
	SendIPI(dest uint8, vector uint8) error
}

// Handler consumes a delivered message. It owns m and must release or
// forward it.
type Handler func(m *Message) error

// Fabric ties the pool to one intake queue per core. Each intake can hold
// every slot of the pool, so enqueueing never blocks.
type Fabric struct {
	pool      *Pool
	intakes   []chan int
	endpoints []*Endpoint
}

func NewFabric(pool *Pool, cores int) *Fabric {
	f := &Fabric{
		pool:      pool,
		intakes:   make([]chan int, cores),
		endpoints: make([]*Endpoint, cores),
	}

	for i := range f.intakes {
		f.intakes[i] = make(chan int, pool.Cap())
	}

	return f
}

func (f *Fabric) Pool() *Pool { return f.pool }

func (f *Fabric) Cores() int { return len(f.intakes) }

// Endpoint opens the bus for core. sig is the core's own interrupt
// controller.
func (f *Fabric) Endpoint(core uint8, sig Signaler, log *zap.Logger) (*Endpoint, error) {
	if int(core) >= len(f.intakes) {
		return nil, fmt.Errorf("%w: %d", errNoSuchCore, core)
	}

	if f.endpoints[core] != nil {
		return nil, fmt.Errorf("%w: core %d", errEndpoint, core)
	}

	e := &Endpoint{
		fabric: f,
		core:   core,
		intake: f.intakes[core],
		sig:    sig,
		log:    log.Named("icc").With(zap.Uint8("core", core)),
	}
	f.endpoints[core] = e

	return e, nil
}

// Endpoint is one core's view of the bus. Apart from Send it is used only
// by the owning core.
type Endpoint struct {
	fabric   *Fabric
	core     uint8
	intake   chan int
	sig      Signaler
	handlers [typeLimit]Handler
	log      *zap.Logger
}

func (e *Endpoint) Core() uint8 { return e.core }

func (e *Endpoint) Alloc(t Type) (*Message, error) {
	return e.fabric.pool.Alloc(t, e.core)
}

func (e *Endpoint) Release(m *Message) error {
	return e.fabric.pool.Release(m)
}

// Register installs the handler for t on this core.
func (e *Endpoint) Register(t Type, h Handler) error {
	if !t.Valid() {
		return errBadType(t)
	}

	if e.handlers[t] != nil {
		return fmt.Errorf("%w: %s on core %d", ErrHandlerExists, t, e.core)
	}

	e.handlers[t] = h

	return nil
}

// Send queues m on dest and interrupts it. Once queued, m belongs to the
// destination and the caller's handle is dead.
func (e *Endpoint) Send(m *Message, dest uint8) error {
	if int(dest) >= len(e.fabric.intakes) {
		return fmt.Errorf("%w: %d", errNoSuchCore, dest)
	}

	m.Source = e.core
	m.Dest = dest
	t := m.Type()

	idx, err := e.fabric.pool.seal(m)
	if err != nil {
		return err
	}

	e.fabric.intakes[dest] <- idx

	metrics.MessagesSent.WithLabelValues(t.String()).Inc()
	e.log.Debug("send", zap.Stringer("type", t), zap.Uint8("dest", dest), zap.Int32("result", m.Result))

	if err := e.sig.SendIPI(dest, apic.VectorICC); err != nil {
		return fmt.Errorf("signal core %d: %w", dest, err)
	}

	return nil
}

// Pending returns the number of queued messages.
func (e *Endpoint) Pending() int { return len(e.intake) }

// Deliver hands every queued message to its handler in arrival order.
func (e *Endpoint) Deliver() (int, error) {
	n := 0

	for {
		var idx int

		select {
		case idx = <-e.intake:
		default:
			return n, nil
		}

		m, err := e.fabric.pool.open(idx)
		if err != nil {
			return n, err
		}

		t := m.Type()

		h := e.handlers[t]
		if h == nil {
			_ = e.Release(m)

			return n, fmt.Errorf("%w: %s from core %d on core %d", ErrNoHandler, t, m.Source, e.core)
		}

		metrics.MessagesDelivered.WithLabelValues(t.String()).Inc()

		if err := h(m); err != nil {
			return n, fmt.Errorf("%s handler: %w", t, err)
		}

		n++
	}
}

// Interrupt is the VectorICC handler.
func (e *Endpoint) Interrupt(lapic *apic.LocalAPIC) apic.Handler {
	return func(*apic.Frame) error {
		lapic.EOI()

		_, err := e.Deliver()

		return err
	}
}
