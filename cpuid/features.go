package cpuid

import "fmt"

// Bit offsets follow arch/x86/include/asm/cpufeatures.h in Linux [1] and
// the MONITOR/MWAIT leaf of the Intel SDM vol. 2A, CPUID leaf 05H.
//
// [1] https://github.com/torvalds/linux/blob/v4.20/arch/x86/include/asm/cpufeatures.h#L29

// Feature is any per-register feature bit.
type Feature interface {
	F1Ecx | F1Edx | F5Ecx | F7_0Edx

	fmt.Stringer
}

type (
	F1Ecx   uint32
	F1Edx   uint32
	F5Ecx   uint32
	F7_0Edx uint32
)

const (
	SSE3        F1Ecx = 0  /* "pni" SSE-3 */
	MONITOR     F1Ecx = 3  /* MONITOR/MWAIT support */
	VMX         F1Ecx = 5  /* Hardware virtualization */
	X2APIC      F1Ecx = 21 /* x2APIC */
	TSCDEADLINE F1Ecx = 24 /* TSC deadline timer */
	XSAVE       F1Ecx = 26 /* XSAVE/XRSTOR/XSETBV/XGETBV instructions */
	HYPERVISOR  F1Ecx = 31 /* Running on a hypervisor */
)

const (
	FPU     F1Edx = 0  /* Onboard FPU */
	PSE     F1Edx = 3  /* Page Size Extensions */
	TSC     F1Edx = 4  /* Time Stamp Counter */
	MSR     F1Edx = 5  /* Model-Specific Registers */
	PAE     F1Edx = 6  /* Physical Address Extensions */
	APIC    F1Edx = 9  /* Onboard APIC */
	PGE     F1Edx = 13 /* Page Global Enable */
	PAT     F1Edx = 16 /* Page Attribute Table */
	CLFLUSH F1Edx = 19 /* CLFLUSH instruction */
	FXSR    F1Edx = 24 /* FXSAVE/FXRSTOR, CR4.OSFXSR */
	HT      F1Edx = 28 /* Hyper-Threading */
)

const (
	EMX F5Ecx = 0 /* MWAIT extensions enumerated */
	IBE F5Ecx = 1 /* Interrupts break MWAIT even when masked */
)

//nolint:stylecheck
const (
	FSRM              F7_0Edx = 4  /* Fast Short Rep Mov */
	MD_CLEAR          F7_0Edx = 10 /* VERW clears CPU buffers */
	SERIALIZE         F7_0Edx = 14 /* SERIALIZE instruction */
	HYBRID_CPU        F7_0Edx = 15 /* This part has CPUs of more than one type */
	SPEC_CTRL         F7_0Edx = 26 /* Speculation Control (IBRS + IBPB) */
	ARCH_CAPABILITIES F7_0Edx = 29 /* IA32_ARCH_CAPABILITIES MSR (Intel) */
)

//nolint:gochecknoglobals
var (
	AllF1Ecx   = []F1Ecx{SSE3, MONITOR, VMX, X2APIC, TSCDEADLINE, XSAVE, HYPERVISOR}
	AllF1Edx   = []F1Edx{FPU, PSE, TSC, MSR, PAE, APIC, PGE, PAT, CLFLUSH, FXSR, HT}
	AllF5Ecx   = []F5Ecx{EMX, IBE}
	AllF7_0Edx = []F7_0Edx{FSRM, MD_CLEAR, SERIALIZE, HYBRID_CPU, SPEC_CTRL, ARCH_CAPABILITIES}
)

var (
	f1EcxNames = map[F1Ecx]string{
		SSE3: "SSE3", MONITOR: "MONITOR", VMX: "VMX", X2APIC: "X2APIC",
		TSCDEADLINE: "TSCDEADLINE", XSAVE: "XSAVE", HYPERVISOR: "HYPERVISOR",
	}
	f1EdxNames = map[F1Edx]string{
		FPU: "FPU", PSE: "PSE", TSC: "TSC", MSR: "MSR", PAE: "PAE", APIC: "APIC",
		PGE: "PGE", PAT: "PAT", CLFLUSH: "CLFLUSH", FXSR: "FXSR", HT: "HT",
	}
	f5EcxNames   = map[F5Ecx]string{EMX: "EMX", IBE: "IBE"}
	f7_0EdxNames = map[F7_0Edx]string{
		FSRM: "FSRM", MD_CLEAR: "MD_CLEAR", SERIALIZE: "SERIALIZE", HYBRID_CPU: "HYBRID_CPU",
		SPEC_CTRL: "SPEC_CTRL", ARCH_CAPABILITIES: "ARCH_CAPABILITIES",
	}
)

func name[T ~uint32](names map[T]string, x T, kind string) string {
	if s, ok := names[x]; ok {
		return s
	}

	return fmt.Sprintf("%s(%d)", kind, uint32(x))
}

func (x F1Ecx) String() string   { return name(f1EcxNames, x, "F1Ecx") }
func (x F1Edx) String() string   { return name(f1EdxNames, x, "F1Edx") }
func (x F5Ecx) String() string   { return name(f5EcxNames, x, "F5Ecx") }
func (x F7_0Edx) String() string { return name(f7_0EdxNames, x, "F7_0Edx") }
