// Package probe reports what the host's KVM offers the loader.
package probe

import (
	"fmt"
	"io"
	"os"

	"github.com/bobuhiro11/gokboot/cpuid"
	"github.com/bobuhiro11/gokboot/kvm"
)

// KVM prints the KVM API version and the paging features of the supported
// CPUID.
func KVM(w io.Writer) error {
	kvmFile, err := os.Open("/dev/kvm")
	if err != nil {
		return err
	}
	defer kvmFile.Close()

	kvmfd := kvmFile.Fd()

	v, err := kvm.GetAPIVersion(kvmfd)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "KVM API version %d\n", v)

	ids := kvm.CPUID{}
	ids.Nent = uint32(len(ids.Entries))

	if err := kvm.GetSupportedCPUID(kvmfd, &ids); err != nil {
		return err
	}

	Print(w, ids.Entries[:ids.Nent])

	return nil
}

// Print writes the enabled and disabled features of entries.
func Print(w io.Writer, entries []kvm.CPUIDEntry2) {
	fmt.Fprintf(w, "F_1_Edx.\n")

	enabled, disabled := cpuid.Split(entries, cpuid.AllF1Edx)
	printFeatures(w, enabled, disabled)

	fmt.Fprintf(w, "F_80000001_Edx.\n")

	extEnabled, extDisabled := cpuid.Split(entries, cpuid.AllExtEdx)
	printFeatures(w, extEnabled, extDisabled)
}

func printFeatures[T cpuid.Feature](w io.Writer, enabled, disabled []T) {
	fmt.Fprintf(w, "* Enabled:")

	for i := 0; i < len(enabled); i++ {
		fmt.Fprintf(w, " %s", enabled[i].String())
	}

	fmt.Fprintf(w, "\n* Disabled:")

	for i := 0; i < len(disabled); i++ {
		fmt.Fprintf(w, " %s", disabled[i].String())
	}

	fmt.Fprintf(w, "\n\n")
}
