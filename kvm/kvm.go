// Package kvm wraps the /dev/kvm ioctls the KVM processor needs.
package kvm

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

const (
	kvmio = 0xAE

	nrShift   = 0
	typeShift = 8
	sizeShift = 16
	dirShift  = 30

	dirNone  = 0
	dirWrite = 1
	dirRead  = 2
)

// ioctl numbers, before direction and size are folded in.
const (
	kvmGetAPIVersion       = 0x00
	kvmCreateVM            = 0x01
	kvmGetVCPUMMapSize     = 0x04
	kvmGetSupportedCPUID   = 0x05
	kvmCreateVCPU          = 0x41
	kvmSetUserMemoryRegion = 0x46
	kvmRun                 = 0x80
	kvmGetRegs             = 0x81
	kvmSetRegs             = 0x82
	kvmGetSregs            = 0x83
	kvmSetSregs            = 0x84
	kvmSetCPUID2           = 0x90
)

// APIVersion is the only stable KVM API version.
const APIVersion = 12

var ErrAPIVersion = errors.New("kvm: unexpected API version")

func iowr(dir, nr, size uintptr) uintptr {
	return dir<<dirShift | size<<sizeShift | kvmio<<typeShift | nr<<nrShift
}

// IIO is _IO(KVMIO, nr).
func IIO(nr uintptr) uintptr {
	return iowr(dirNone, nr, 0)
}

// IIOR is _IOR(KVMIO, nr, size).
func IIOR(nr, size uintptr) uintptr {
	return iowr(dirRead, nr, size)
}

// IIOW is _IOW(KVMIO, nr, size).
func IIOW(nr, size uintptr) uintptr {
	return iowr(dirWrite, nr, size)
}

// IIOWR is _IOWR(KVMIO, nr, size).
func IIOWR(nr, size uintptr) uintptr {
	return iowr(dirRead|dirWrite, nr, size)
}

// Ioctl issues an ioctl, retrying when a signal interrupts it.
func Ioctl(fd, op, arg uintptr) (uintptr, error) {
	for {
		res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)

		switch errno {
		case 0:
			return res, nil
		case unix.EINTR:
			continue
		default:
			return res, errno
		}
	}
}

// GetAPIVersion returns the API version of /dev/kvm.
func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmGetAPIVersion), 0)
}

// CheckAPIVersion fails unless /dev/kvm speaks APIVersion.
func CheckAPIVersion(kvmFd uintptr) error {
	v, err := GetAPIVersion(kvmFd)
	if err != nil {
		return err
	}

	if v != APIVersion {
		return fmt.Errorf("%w: %d", ErrAPIVersion, v)
	}

	return nil
}

// CreateVM creates a vm with no memory and no vcpus.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmCreateVM), 0)
}

// CreateVCPU creates vcpu id in a vm.
func CreateVCPU(vmFd uintptr, id int) (uintptr, error) {
	return Ioctl(vmFd, IIO(kvmCreateVCPU), uintptr(id))
}

// Run runs a vcpu until it exits to user space.
func Run(vcpuFd uintptr) error {
	_, err := Ioctl(vcpuFd, IIO(kvmRun), 0)

	return err
}

// GetVCPUMMmapSize returns the size of the shared RunData mapping.
func GetVCPUMMmapSize(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmGetVCPUMMapSize), 0)
}

// RunData is the head of the region a vcpu shares with user space.
type RunData struct {
	RequestInterruptWindow     uint8
	_                          [7]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO decodes an EXITIO exit: direction, size, port, count and the offset of
// the data from the start of RunData.
func (r *RunData) IO() (uint64, uint64, uint64, uint64, uint64) {
	direction := r.Data[0] & 0xFF
	size := (r.Data[0] >> 8) & 0xFF
	port := (r.Data[0] >> 16) & 0xFFFF
	count := (r.Data[0] >> 32) & 0xFFFFFFFF
	offset := r.Data[1]

	return direction, size, port, count, offset
}

// FailEntry returns the hardware reason of an EXITFAILENTRY exit.
func (r *RunData) FailEntry() uint64 {
	return r.Data[0]
}
