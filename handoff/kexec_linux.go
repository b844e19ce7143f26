package handoff

import (
	"fmt"
	"runtime"
	"unsafe"

	"github.com/bobuhiro11/gokboot/addr"
	"github.com/bobuhiro11/gokboot/trampoline"
	"golang.org/x/sys/unix"
)

// kexec_load architecture flags, from linux/kexec.h.
const (
	kexecArch386     = 3 << 16
	kexecArchX86_64  = 62 << 16
	kexecArchAArch64 = 183 << 16
)

// kexecSegment is struct kexec_segment.
type kexecSegment struct {
	buf   uintptr
	bufsz uintptr
	mem   uintptr
	memsz uintptr
}

// LinuxHost re-executes through kexec_load(2) and reboot(2). Both need
// CAP_SYS_BOOT.
type LinuxHost struct{}

func kexecFlags(arch trampoline.Arch) (uintptr, error) {
	switch arch {
	case trampoline.AMD64:
		return kexecArchX86_64, nil
	case trampoline.I386:
		return kexecArch386, nil
	case trampoline.ARM64:
		return kexecArchAArch64, nil
	}

	return 0, fmt.Errorf("%w: %v", trampoline.ErrUnsupportedArch, arch)
}

// Load implements Host.
func (LinuxHost) Load(entry addr.Phys, segs []Segment, arch trampoline.Arch) error {
	if len(segs) == 0 {
		return fmt.Errorf("Load: no segments")
	}

	flags, err := kexecFlags(arch)
	if err != nil {
		return err
	}

	ks := make([]kexecSegment, len(segs))
	for i, s := range segs {
		ks[i] = kexecSegment{
			bufsz: uintptr(len(s.Buf)),
			mem:   uintptr(s.Dest),
			memsz: uintptr(addr.RoundUp(uint64(len(s.Buf)), addr.PageSize)),
		}

		if len(s.Buf) > 0 {
			ks[i].buf = uintptr(unsafe.Pointer(&s.Buf[0]))
		}
	}

	_, _, errno := unix.Syscall6(unix.SYS_KEXEC_LOAD,
		uintptr(entry), uintptr(len(ks)), uintptr(unsafe.Pointer(&ks[0])), flags, 0, 0)

	runtime.KeepAlive(segs)

	if errno != 0 {
		return fmt.Errorf("kexec_load: %w", errno)
	}

	return nil
}

// Restart implements Host.
func (LinuxHost) Restart() error {
	unix.Sync()

	return unix.Reboot(unix.LINUX_REBOOT_CMD_KEXEC)
}
