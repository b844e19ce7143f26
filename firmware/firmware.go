// Package firmware describes the boot-services surface the loader relies on
// before it hands the machine to the kernel, and provides Sim, an
// in-process implementation backed by memory.Memory.
package firmware

import (
	"errors"

	"github.com/bobuhiro11/gokboot/addr"
)

var (
	ErrOutOfResources     = errors.New("out of resources")
	ErrNotFound           = errors.New("not found")
	ErrInvalidParameter   = errors.New("invalid parameter")
	ErrBootServicesExited = errors.New("boot services already exited")
)

// AllocateType selects how AllocatePages places the pages.
type AllocateType int

const (
	AllocateAnyPages AllocateType = iota
	// AllocateMaxAddress places the pages so that the last byte is at or
	// below the address argument.
	AllocateMaxAddress
	// AllocateAddress places the pages exactly at the address argument.
	AllocateAddress
)

func (t AllocateType) String() string {
	switch t {
	case AllocateAnyPages:
		return "AnyPages"
	case AllocateMaxAddress:
		return "MaxAddress"
	case AllocateAddress:
		return "Address"
	}

	return "unknown"
}

// MemoryType is the UEFI memory type of a descriptor.
type MemoryType uint32

const (
	ReservedMemoryType MemoryType = iota
	LoaderCode
	LoaderData
	BootServicesCode
	BootServicesData
	RuntimeServicesCode
	RuntimeServicesData
	ConventionalMemory
	UnusableMemory
	ACPIReclaimMemory
	ACPIMemoryNVS
	MemoryMappedIO
	MemoryMappedIOPortSpace
	PalCode
	PersistentMemory
)

var memoryTypeNames = [...]string{
	"Reserved", "LoaderCode", "LoaderData", "BootServicesCode",
	"BootServicesData", "RuntimeServicesCode", "RuntimeServicesData",
	"Conventional", "Unusable", "ACPIReclaim", "ACPINVS", "MMIO",
	"MMIOPortSpace", "PalCode", "Persistent",
}

func (t MemoryType) String() string {
	if int(t) < len(memoryTypeNames) {
		return memoryTypeNames[t]
	}

	return "unknown"
}

// Memory attribute bits.
const (
	MemoryUC      = 0x1
	MemoryWC      = 0x2
	MemoryWT      = 0x4
	MemoryWB      = 0x8
	MemoryRuntime = 1 << 63
)

// BootServices is the call surface that exists only until ExitBootServices
// succeeds.
type BootServices interface {
	AllocatePages(t AllocateType, mt MemoryType, pages uint64, a addr.Phys) (addr.Phys, error)
	FreePages(a addr.Phys, pages uint64) error
	GetMemoryMap() (*MemoryMap, error)
	// ExitBootServices ends the boot-services phase. It fails with
	// ErrInvalidParameter when key is not the current map key.
	ExitBootServices(key uint64) error

	SystemTable() addr.Phys
	ImageHandle() addr.Phys
}
