package device

import (
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"
)

var errBadMAC = errors.New("not a 48-bit MAC address")

// NICDriver is implemented by network interface drivers.
type NICDriver interface {
	MAC() uint64
	Name() string
}

// StaticNIC is a NIC with a fixed address, used for configured interfaces.
type StaticNIC struct {
	Addr  uint64
	Label string
}

func (s *StaticNIC) MAC() uint64 { return s.Addr }

func (s *StaticNIC) Name() string { return s.Label }

// NIC is the state kept in Device.Priv once a NIC is brought up.
type NIC struct {
	Name string
	MAC  uint64
}

// InitNICs brings up every NIC, naming unnamed ones ethN, and returns the
// MAC of the first one, which identifies the manager.
func (r *Registry) InitNICs(log *zap.Logger) (uint64, error) {
	var manager uint64

	n := r.Count(TypeNIC)

	for i := 0; i < n; i++ {
		d, err := r.Get(TypeNIC, i)
		if err != nil {
			return 0, err
		}

		drv, ok := d.Driver.(NICDriver)
		if !ok {
			return 0, fmt.Errorf("device %d: driver %T is not a NIC", d.ID, d.Driver)
		}

		nic := &NIC{Name: drv.Name(), MAC: drv.MAC()}
		if nic.Name == "" {
			nic.Name = fmt.Sprintf("eth%d", i)
		}

		d.Priv = nic

		if i == 0 {
			manager = nic.MAC
		}

		log.Info("nic up", zap.String("name", nic.Name), zap.String("mac", FormatMAC(nic.MAC)))
	}

	return manager, nil
}

func FormatMAC(mac uint64) string {
	var b [6]byte
	for i := range b {
		b[i] = byte(mac >> (8 * (5 - i)))
	}

	return net.HardwareAddr(b[:]).String()
}

func ParseMAC(s string) (uint64, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return 0, err
	}

	if len(hw) != 6 {
		return 0, fmt.Errorf("%w: %s", errBadMAC, s)
	}

	var mac uint64
	for _, b := range hw {
		mac = mac<<8 | uint64(b)
	}

	return mac, nil
}
