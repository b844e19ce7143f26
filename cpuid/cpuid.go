// Package cpuid names the CPUID feature bits the loader depends on and
// checks them against what KVM supports.
package cpuid

import (
	"fmt"

	"github.com/bobuhiro11/gokboot/kvm"
	"github.com/bobuhiro11/gokboot/trampoline"
)

// CPUID functions whose EDX carries the features below.
const (
	FuncFeatures    = 0x00000001
	FuncExtFeatures = 0x80000001
)

// The offsets in EDX are defined in arch/x86/include/asm/cpufeatures.h in
// Linux.
type (
	F1Edx  uint32
	ExtEdx uint32
)

const (
	FPU   F1Edx = 0  /* Onboard FPU */
	PSE   F1Edx = 3  /* Page Size Extensions */
	MSR   F1Edx = 5  /* Model-Specific Registers */
	PAE   F1Edx = 6  /* Physical Address Extensions */
	PGE   F1Edx = 13 /* Page Global Enable */
	PAT   F1Edx = 16 /* Page Attribute Table */
	PSE36 F1Edx = 17 /* 36-bit PSEs */
)

const (
	SYSCALL ExtEdx = 11 /* SYSCALL/SYSRET */
	NX      ExtEdx = 20 /* Execute Disable */
	GBPAGES ExtEdx = 26 /* "pdpe1gb" GB pages */
	LM      ExtEdx = 29 /* Long Mode (x86-64, 64-bit support) */
)

// Feature is any named feature bit.
type Feature interface {
	F1Edx | ExtEdx

	fmt.Stringer
}

var f1Names = map[F1Edx]string{
	FPU: "fpu", PSE: "pse", MSR: "msr", PAE: "pae", PGE: "pge", PAT: "pat", PSE36: "pse36",
}

var extNames = map[ExtEdx]string{
	SYSCALL: "syscall", NX: "nx", GBPAGES: "pdpe1gb", LM: "lm",
}

func (f F1Edx) String() string {
	if s, ok := f1Names[f]; ok {
		return s
	}

	return fmt.Sprintf("F1Edx(%d)", uint32(f))
}

func (f ExtEdx) String() string {
	if s, ok := extNames[f]; ok {
		return s
	}

	return fmt.Sprintf("ExtEdx(%d)", uint32(f))
}

//nolint:gochecknoglobals
var AllF1Edx = []F1Edx{FPU, PSE, MSR, PAE, PGE, PAT, PSE36}

//nolint:gochecknoglobals
var AllExtEdx = []ExtEdx{SYSCALL, NX, GBPAGES, LM}

func function[T Feature](f T) uint32 {
	if _, ok := any(f).(ExtEdx); ok {
		return FuncExtFeatures
	}

	return FuncFeatures
}

func edx(entries []kvm.CPUIDEntry2, function uint32) (uint32, bool) {
	for _, e := range entries {
		if e.Function == function && e.Index == 0 {
			return e.Edx, true
		}
	}

	return 0, false
}

// Has tells whether entries report f.
func Has[T Feature](entries []kvm.CPUIDEntry2, f T) bool {
	reg, ok := edx(entries, function(f))

	return ok && reg&(1<<uint(f)) != 0
}

// Split sorts features into the ones entries report and the rest.
func Split[T Feature](entries []kvm.CPUIDEntry2, features []T) (enabled, disabled []T) {
	for _, f := range features {
		if Has(entries, f) {
			enabled = append(enabled, f)
		} else {
			disabled = append(disabled, f)
		}
	}

	return enabled, disabled
}

// Missing returns the features arch's boot path needs that entries lack:
// 2 MiB pages and PAE for every x86 layout, long mode for amd64.
func Missing(entries []kvm.CPUIDEntry2, arch trampoline.Arch) []string {
	var missing []string

	for _, f := range []F1Edx{PSE, PAE} {
		if !Has(entries, f) {
			missing = append(missing, f.String())
		}
	}

	if arch == trampoline.AMD64 && !Has(entries, LM) {
		missing = append(missing, LM.String())
	}

	return missing
}

// DisablePerfMon hides the architectural performance monitoring leaf.
// https://www.kernel.org/doc/html/latest/virt/kvm/cpuid.html
func DisablePerfMon(entries []kvm.CPUIDEntry2) {
	for i := range entries {
		if entries[i].Function == kvm.CPUIDFuncPerMon {
			entries[i].Eax = 0
		}
	}
}
