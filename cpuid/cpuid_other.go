//go:build !amd64

package cpuid

// No cpuid outside x86: every leaf reads as zero, so only hlt idling is
// chosen.
func cpuidLow(_, _ uint32) (eax, ebx, ecx, edx uint32) { return 0, 0, 0, 0 }
