package device

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrNoDevice = errors.New("no such device")

	errNilDriver = errors.New("nil driver")
)

type Type uint8

const (
	TypeNIC Type = iota + 1
	TypeDisk
	TypeConsole
)

func (t Type) String() string {
	switch t {
	case TypeNIC:
		return "nic"
	case TypeDisk:
		return "disk"
	case TypeConsole:
		return "console"
	}

	return fmt.Sprintf("type(%d)", uint8(t))
}

// ID identifies a device for the lifetime of the registry.
type ID uint32

// Device is a registered driver. Priv is set by whatever layer brings the
// device up.
type Device struct {
	ID     ID
	Type   Type
	Driver any
	Priv   any
}

// Registry lists the devices found at boot. The control core fills it
// before the application cores start; afterwards it is read from every
// core.
type Registry struct {
	mu      sync.RWMutex
	next    ID
	devices []*Device
}

func NewRegistry() *Registry { return &Registry{} }

func (r *Registry) Register(t Type, driver any) (*Device, error) {
	if driver == nil {
		return nil, errNilDriver
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.next++
	d := &Device{ID: r.next, Type: t, Driver: driver}
	r.devices = append(r.devices, d)

	return d, nil
}

func (r *Registry) Deregister(id ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, d := range r.devices {
		if d.ID == id {
			r.devices = append(r.devices[:i], r.devices[i+1:]...)

			return nil
		}
	}

	return fmt.Errorf("%w: id %d", ErrNoDevice, id)
}

// Count returns the number of devices of type t.
func (r *Registry) Count(t Type) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0

	for _, d := range r.devices {
		if d.Type == t {
			n++
		}
	}

	return n
}

// Get returns the idx-th device of type t in registration order.
func (r *Registry) Get(t Type, idx int) (*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, d := range r.devices {
		if d.Type != t {
			continue
		}

		if idx == 0 {
			return d, nil
		}

		idx--
	}

	return nil, fmt.Errorf("%w: %s index out of range", ErrNoDevice, t)
}

// Lookup finds a device by ID.
func (r *Registry) Lookup(id ID) (*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, d := range r.devices {
		if d.ID == id {
			return d, nil
		}
	}

	return nil, fmt.Errorf("%w: id %d", ErrNoDevice, id)
}
