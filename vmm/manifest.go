package vmm

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/bobuhiro11/govisor/device"
	"github.com/bobuhiro11/govisor/guest"
	"github.com/bobuhiro11/govisor/loader"
	"gopkg.in/yaml.v3"
)

var errManifest = errors.New("invalid manifest")

// Manifest describes the NICs of the machine and the VMs to run on it.
//
//	nics:
//	  - mac: 52:54:00:12:34:56
//	vms:
//	  - name: hello
//	    program: hello
//	    arg: "hi\n"
//	  - name: worker
//	    program: spin
//	    nics: [0]
//	    stop_after: 100ms
type Manifest struct {
	NICs []NICSpec `yaml:"nics"`
	VMs  []VMSpec  `yaml:"vms"`
}

type NICSpec struct {
	Name string `yaml:"name"`
	MAC  string `yaml:"mac"`
}

type VMSpec struct {
	Name    string `yaml:"name"`
	Program string `yaml:"program"`
	Arg     string `yaml:"arg"`
	// Image is an image file; the built-in image is used when empty.
	Image     string        `yaml:"image"`
	NICs      []int         `yaml:"nics"`
	StdioSize uint32        `yaml:"stdio_size"`
	StopAfter time.Duration `yaml:"stop_after"`
}

func LoadManifest(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return ParseManifest(f)
}

// ParseManifest decodes and checks a manifest. Unknown keys are errors.
func ParseManifest(r io.Reader) (*Manifest, error) {
	var m Manifest

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", errManifest, err)
	}

	names := map[string]bool{}

	for i, vm := range m.VMs {
		if vm.Name == "" {
			return nil, fmt.Errorf("%w: vm %d has no name", errManifest, i)
		}

		if names[vm.Name] {
			return nil, fmt.Errorf("%w: vm %q defined twice", errManifest, vm.Name)
		}

		names[vm.Name] = true

		if _, err := guest.Lookup(vm.Program, vm.Arg); err != nil {
			return nil, fmt.Errorf("%w: vm %q: %w", errManifest, vm.Name, err)
		}

		for _, n := range vm.NICs {
			if n < 0 || n >= len(m.NICs) {
				return nil, fmt.Errorf("%w: vm %q: nic %d not declared", errManifest, vm.Name, n)
			}
		}
	}

	for i, n := range m.NICs {
		if _, err := device.ParseMAC(n.MAC); err != nil {
			return nil, fmt.Errorf("%w: nic %d: %w", errManifest, i, err)
		}
	}

	return &m, nil
}

// Devices returns the manifest's NICs as drivers.
func (m *Manifest) Devices() []device.StaticNIC {
	out := make([]device.StaticNIC, 0, len(m.NICs))

	for _, n := range m.NICs {
		mac, _ := device.ParseMAC(n.MAC)
		out = append(out, device.StaticNIC{Addr: mac, Label: n.Name})
	}

	return out
}

// Descriptor builds the loader descriptor of a VM.
func (s *VMSpec) Descriptor() (loader.Descriptor, error) {
	prog, err := guest.Lookup(s.Program, s.Arg)
	if err != nil {
		return loader.Descriptor{}, err
	}

	img := guest.Image()

	if s.Image != "" {
		if img, err = os.ReadFile(s.Image); err != nil {
			return loader.Descriptor{}, err
		}
	}

	return loader.Descriptor{
		Name:      s.Name,
		Image:     bytes.Clone(img),
		Program:   prog,
		NICs:      s.NICs,
		StdioSize: s.StdioSize,
	}, nil
}
