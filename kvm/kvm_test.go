package kvm_test

import (
	"os"
	"testing"
	"unsafe"

	"github.com/bobuhiro11/gokboot/kvm"
	"golang.org/x/sys/unix"
)

func openKVM(t *testing.T) *os.File {
	t.Helper()

	if os.Getuid() != 0 {
		t.Skipf("Skipping test since we are not root")
	}

	devKVM, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0o644)
	if err != nil {
		t.Skipf("Skipping test since /dev/kvm is not usable: %v", err)
	}

	t.Cleanup(func() { devKVM.Close() })

	return devKVM
}

func TestIoctlNumbers(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name      string
		got, want uintptr
	}{
		{"KVM_GET_SREGS", kvm.IIOR(0x83, unsafe.Sizeof(kvm.Sregs{})), 0x8138ae83},
		{"KVM_SET_SREGS", kvm.IIOW(0x84, unsafe.Sizeof(kvm.Sregs{})), 0x4138ae84},
		{"KVM_GET_REGS", kvm.IIOR(0x81, unsafe.Sizeof(kvm.Regs{})), 0x8090ae81},
		{"KVM_SET_REGS", kvm.IIOW(0x82, unsafe.Sizeof(kvm.Regs{})), 0x4090ae82},
		{"KVM_SET_USER_MEMORY_REGION", kvm.IIOW(0x46, unsafe.Sizeof(kvm.UserspaceMemoryRegion{})), 0x4020ae46},
		{"KVM_CREATE_VM", kvm.IIO(0x01), 0xae01},
		{"KVM_GET_SUPPORTED_CPUID", kvm.IIOWR(0x05, 8), 0xc008ae05},
	} {
		if tt.got != tt.want {
			t.Fatalf("%s: got %#x, want %#x", tt.name, tt.got, tt.want)
		}
	}
}

func TestExitTypeString(t *testing.T) {
	t.Parallel()

	if s := kvm.EXITHLT.String(); s != "EXITHLT" {
		t.Fatalf("got %q, want EXITHLT", s)
	}

	if s := kvm.ExitType(99).String(); s != "ExitType(99)" {
		t.Fatalf("got %q", s)
	}
}

func TestSetMemLogDirtyPages(t *testing.T) {
	t.Parallel()

	u := kvm.UserspaceMemoryRegion{}
	u.SetMemLogDirtyPages()
	u.SetMemReadonly()

	if u.Flags != 0x3 {
		t.Fatalf("got flags %#x, want 0x3", u.Flags)
	}
}

func TestAPIVersion(t *testing.T) {
	t.Parallel()

	devKVM := openKVM(t)

	if err := kvm.CheckAPIVersion(devKVM.Fd()); err != nil {
		t.Fatal(err)
	}
}

func TestCreateVCPUWithNoVmFd(t *testing.T) {
	t.Parallel()

	devKVM := openKVM(t)

	if _, err := kvm.CreateVCPU(devKVM.Fd(), 0); err == nil {
		t.Fatal("CreateVCPU on /dev/kvm succeeded")
	}
}

// mirror from https://lwn.net/Articles/658512/
func TestAddNum(t *testing.T) {
	t.Parallel()

	devKVM := openKVM(t)

	vmFd, err := kvm.CreateVM(devKVM.Fd())
	if err != nil {
		t.Fatal(err)
	}

	mem, err := unix.Mmap(-1, 0, 0x2000, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Munmap(mem)

	// mov dx, 0x3f8; add al, bl; add al, '0'; out dx, al; mov al, '\n'; out dx, al; hlt
	code := []byte{0xba, 0xf8, 0x03, 0x00, 0xd8, 0x04, '0', 0xee, 0xb0, '\n', 0xee, 0xf4}
	copy(mem[0x1000:], code)

	if err := kvm.MapRAM(vmFd, mem); err != nil {
		t.Fatal(err)
	}

	vcpuFd, err := kvm.CreateVCPU(vmFd, 0)
	if err != nil {
		t.Fatal(err)
	}

	mmapSize, err := kvm.GetVCPUMMmapSize(devKVM.Fd())
	if err != nil {
		t.Fatal(err)
	}

	r, err := unix.Mmap(int(vcpuFd), 0, int(mmapSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		t.Fatal(err)
	}

	run := (*kvm.RunData)(unsafe.Pointer(&r[0]))

	sregs, err := kvm.GetSregs(vcpuFd)
	if err != nil {
		t.Fatal(err)
	}

	sregs.CS.Base, sregs.CS.Selector = 0, 0
	if err := kvm.SetSregs(vcpuFd, sregs); err != nil {
		t.Fatal(err)
	}

	if err := kvm.SetRegs(vcpuFd, &kvm.Regs{RIP: 0x1000, RAX: 2, RBX: 2, RFLAGS: 0x2}); err != nil {
		t.Fatal(err)
	}

	var out []byte

	for {
		if err := kvm.Run(vcpuFd); err != nil {
			t.Fatal(err)
		}

		switch kvm.ExitType(run.ExitReason) {
		case kvm.EXITHLT:
			if string(out) != "4\n" {
				t.Fatalf("got %q, want %q", out, "4\n")
			}

			return
		case kvm.EXITIO:
			direction, size, port, count, offset := run.IO()
			if direction != kvm.EXITIOOUT || size != 1 || port != 0x3f8 || count != 1 {
				t.Fatalf("unexpected io exit: dir %d size %d port %#x count %d", direction, size, port, count)
			}

			out = append(out, r[offset])
		default:
			t.Fatalf("unexpected exit reason %v", kvm.ExitType(run.ExitReason))
		}
	}
}
