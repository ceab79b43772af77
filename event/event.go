package event

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	ErrIdleExists = errors.New("idle callback already registered")

	errUnknownID = errors.New("unknown registration")
)

// Callback reports whether it found work. An error stops the loop.
type Callback func() (bool, error)

type Kind uint8

const (
	Busy Kind = iota
	Idle
)

func (k Kind) String() string {
	if k == Idle {
		return "idle"
	}

	return "busy"
}

type ID uint64

type Registration struct {
	ID   ID
	Name string
	Kind Kind
	fn   Callback
}

// Interrupts is the core's interrupt source, serviced at the top of every
// iteration.
type Interrupts interface {
	Service() (bool, error)
}

type Stats struct {
	Iterations uint64
	IdleRuns   uint64
}

// Loop is the cooperative scheduler of one core. It is not safe for use
// from other goroutines.
type Loop struct {
	irq   Interrupts
	busy  []*Registration
	idle  *Registration
	next  ID
	stats Stats
	log   *zap.Logger
}

func New(irq Interrupts, log *zap.Logger) *Loop {
	return &Loop{irq: irq, log: log.Named("event")}
}

func (l *Loop) AddBusy(name string, fn Callback) ID {
	l.next++
	l.busy = append(l.busy, &Registration{ID: l.next, Name: name, Kind: Busy, fn: fn})

	return l.next
}

// AddIdle registers the idle callback. Only one is allowed per core since
// it parks the core.
func (l *Loop) AddIdle(name string, fn Callback) (ID, error) {
	if l.idle != nil {
		return 0, fmt.Errorf("%w: %s", ErrIdleExists, l.idle.Name)
	}

	l.next++
	l.idle = &Registration{ID: l.next, Name: name, Kind: Idle, fn: fn}

	return l.next, nil
}

func (l *Loop) Remove(id ID) error {
	if l.idle != nil && l.idle.ID == id {
		l.idle = nil

		return nil
	}

	for i, r := range l.busy {
		if r.ID == id {
			l.busy = append(l.busy[:i:i], l.busy[i+1:]...)

			return nil
		}
	}

	return fmt.Errorf("%w: %d", errUnknownID, id)
}

func (l *Loop) Registrations() []Registration {
	out := make([]Registration, 0, len(l.busy)+1)
	for _, r := range l.busy {
		out = append(out, *r)
	}

	if l.idle != nil {
		out = append(out, *l.idle)
	}

	return out
}

func (l *Loop) Stats() Stats { return l.stats }

// RunOnce runs one iteration and reports whether any work was found.
func (l *Loop) RunOnce() (bool, error) {
	l.stats.Iterations++

	worked := false

	if l.irq != nil {
		ok, err := l.irq.Service()
		if err != nil {
			return worked, fmt.Errorf("interrupt: %w", err)
		}

		worked = ok
	}

	busy := false

	for _, r := range l.busy {
		ok, err := r.fn()
		if err != nil {
			return worked, fmt.Errorf("%s: %w", r.Name, err)
		}

		busy = busy || ok
	}

	if busy {
		return true, nil
	}

	if l.idle == nil {
		return worked, nil
	}

	l.stats.IdleRuns++

	if _, err := l.idle.fn(); err != nil {
		return worked, fmt.Errorf("%s: %w", l.idle.Name, err)
	}

	return worked, nil
}

// Run iterates until ctx is done or a callback fails.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Debug("event loop started", zap.Int("busy", len(l.busy)), zap.Bool("idle", l.idle != nil))

	for ctx.Err() == nil {
		if _, err := l.RunOnce(); err != nil {
			return err
		}
	}

	l.log.Debug("event loop stopped", zap.Uint64("iterations", l.stats.Iterations))

	return nil
}
