package probe_test

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/bobuhiro11/gokboot/cpuid"
	"github.com/bobuhiro11/gokboot/kvm"
	"github.com/bobuhiro11/gokboot/probe"
)

func TestPrint(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	probe.Print(buf, []kvm.CPUIDEntry2{
		{Function: cpuid.FuncFeatures, Edx: 1<<cpuid.PSE | 1<<cpuid.PAE},
		{Function: cpuid.FuncExtFeatures, Edx: 1 << cpuid.LM},
	})

	want := "F_1_Edx.\n* Enabled: pse pae\n* Disabled: fpu msr pge pat pse36\n\n" +
		"F_80000001_Edx.\n* Enabled: lm\n* Disabled: syscall nx pdpe1gb\n\n"
	if buf.String() != want {
		t.Fatalf("got %q, want %q", buf.String(), want)
	}
}

func TestKVM(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skipf("Skipping test since we are not root")
	}

	if _, err := os.Stat("/dev/kvm"); err != nil {
		t.Skipf("Skipping test since /dev/kvm is missing: %v", err)
	}

	t.Parallel()

	buf := &bytes.Buffer{}
	if err := probe.KVM(buf); err != nil {
		t.Fatal(err)
	}

	if !strings.HasPrefix(buf.String(), "KVM API version 12\n") {
		t.Fatalf("got %q", buf.String())
	}
}
