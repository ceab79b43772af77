package cpuid

func cpuidLow(leaf, sub uint32) (eax, ebx, ecx, edx uint32) // implemented in cpuid_amd64.s
