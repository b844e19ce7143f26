package cpuid_test

import (
	"reflect"
	"testing"

	"github.com/bobuhiro11/gokboot/cpuid"
	"github.com/bobuhiro11/gokboot/kvm"
	"github.com/bobuhiro11/gokboot/trampoline"
)

func entries(f1, ext uint32) []kvm.CPUIDEntry2 {
	return []kvm.CPUIDEntry2{
		{Function: cpuid.FuncFeatures, Edx: f1},
		{Function: kvm.CPUIDFuncPerMon, Eax: 0x07300403},
		{Function: cpuid.FuncExtFeatures, Edx: ext},
	}
}

func TestMissing(t *testing.T) {
	t.Parallel()

	full := entries(1<<cpuid.PSE|1<<cpuid.PAE, 1<<cpuid.LM|1<<cpuid.NX)

	for _, tt := range []struct {
		name    string
		entries []kvm.CPUIDEntry2
		arch    trampoline.Arch
		want    []string
	}{
		{"amd64", full, trampoline.AMD64, nil},
		{"no long mode", entries(1<<cpuid.PSE|1<<cpuid.PAE, 0), trampoline.AMD64, []string{"lm"}},
		{"i386 without long mode", entries(1<<cpuid.PSE|1<<cpuid.PAE, 0), trampoline.I386, nil},
		{"no leaves", nil, trampoline.AMD64, []string{"pse", "pae", "lm"}},
	} {
		if got := cpuid.Missing(tt.entries, tt.arch); !reflect.DeepEqual(got, tt.want) {
			t.Fatalf("%s: got %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestSplit(t *testing.T) {
	t.Parallel()

	e := entries(0, 1<<cpuid.NX|1<<cpuid.GBPAGES)

	enabled, disabled := cpuid.Split(e, cpuid.AllExtEdx)
	if !reflect.DeepEqual(enabled, []cpuid.ExtEdx{cpuid.NX, cpuid.GBPAGES}) ||
		!reflect.DeepEqual(disabled, []cpuid.ExtEdx{cpuid.SYSCALL, cpuid.LM}) {
		t.Fatalf("got %v and %v", enabled, disabled)
	}

	if s := cpuid.GBPAGES.String(); s != "pdpe1gb" {
		t.Fatalf("got %q, want pdpe1gb", s)
	}

	if s := cpuid.F1Edx(31).String(); s != "F1Edx(31)" {
		t.Fatalf("got %q", s)
	}
}

func TestDisablePerfMon(t *testing.T) {
	t.Parallel()

	e := entries(0, 0)
	cpuid.DisablePerfMon(e)

	if e[1].Eax != 0 {
		t.Fatalf("perfmon leaf eax %#x, want 0", e[1].Eax)
	}
}
