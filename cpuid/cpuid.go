// Package cpuid reads the processor feature leaves. The idle policy and
// the probe command are built on it.
package cpuid

// CPUID executes cpuid for leaf with subleaf 0.
func CPUID(leaf uint32) (uint32, uint32, uint32, uint32) {
	return cpuidLow(leaf, 0)
}

// CPUIDEx executes cpuid for leaf and subleaf.
func CPUIDEx(leaf, sub uint32) (uint32, uint32, uint32, uint32) {
	return cpuidLow(leaf, sub)
}

// Features is a snapshot of the leaves govisor cares about.
type Features struct {
	Vendor   string
	MaxLeaf  uint32
	Leaf1Ecx uint32
	Leaf1Edx uint32
	Leaf5Ecx uint32
	Leaf7Edx uint32
}

func Detect() Features {
	var f Features

	top, ebx, ecx, edx := CPUID(0)
	f.MaxLeaf = top
	f.Vendor = vendor(ebx, edx, ecx)

	if top >= 1 {
		_, _, f.Leaf1Ecx, f.Leaf1Edx = CPUID(1)
	}

	if top >= 5 {
		_, _, f.Leaf5Ecx, _ = CPUID(5)
	}

	if top >= 7 {
		_, _, _, f.Leaf7Edx = CPUIDEx(7, 0)
	}

	return f
}

func vendor(regs ...uint32) string {
	b := make([]byte, 0, 4*len(regs))
	for _, r := range regs {
		b = append(b, byte(r), byte(r>>8), byte(r>>16), byte(r>>24))
	}

	return string(b)
}

// Mwait reports whether monitor/mwait is usable for idling: the
// instructions exist and an interrupt breaks the wait even when masked.
func (f Features) Mwait() bool {
	return Has(f.Leaf1Ecx, MONITOR) && f.MaxLeaf >= 5 && Has(f.Leaf5Ecx, EMX) && Has(f.Leaf5Ecx, IBE)
}

// Has tests feature x in register value reg.
func Has[T Feature](reg uint32, x T) bool {
	return reg&(1<<uint32(x)) != 0
}

// Split divides features into the ones reg enables and the rest.
func Split[T Feature](features []T, reg uint32) ([]T, []T) {
	enabled := []T{}
	disabled := []T{}

	for _, x := range features {
		if Has(reg, x) {
			enabled = append(enabled, x)
		} else {
			disabled = append(disabled, x)
		}
	}

	return enabled, disabled
}
