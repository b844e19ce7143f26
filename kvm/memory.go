package kvm

import "unsafe"

// UserspaceMemoryRegion maps host memory into a vm's physical space.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// SetMemLogDirtyPages sets region flags to log dirty pages.
func (r *UserspaceMemoryRegion) SetMemLogDirtyPages() {
	r.Flags |= 1 << 0
}

// SetMemReadonly marks a region as read only.
func (r *UserspaceMemoryRegion) SetMemReadonly() {
	r.Flags |= 1 << 1
}

// SetUserMemoryRegion adds a memory region to a vm -- not a vcpu, a vm.
func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := Ioctl(vmFd, IIOW(kvmSetUserMemoryRegion, unsafe.Sizeof(UserspaceMemoryRegion{})), uintptr(unsafe.Pointer(region)))

	return err
}

// MapRAM maps b at guest physical address 0 in slot 0.
func MapRAM(vmFd uintptr, b []byte) error {
	return SetUserMemoryRegion(vmFd, &UserspaceMemoryRegion{
		MemorySize:    uint64(len(b)),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&b[0]))),
	})
}
