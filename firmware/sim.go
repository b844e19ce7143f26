package firmware

import (
	"fmt"

	"github.com/bobuhiro11/gokboot/addr"
	"github.com/bobuhiro11/gokboot/memory"
)

// Low memory holes of a PC-compatible machine.
const (
	RealModeIvtBegin = 0x00000000
	VGARAMBegin      = 0x000a0000
	MBBIOSEnd        = 0x00100000
)

// Sim is a firmware living in the same process as the loader. It hands out
// pages of a memory.Memory top-down, the way EDK2 does, and enforces the
// boot-services boundary.
type Sim struct {
	ram    *memory.Memory
	used   *memory.AddressSpace
	types  map[addr.Phys]MemoryType
	mapKey uint64
	exited bool

	// exitFailures is the number of ExitBootServices calls that still fail
	// after mutating the map.
	exitFailures int

	systemTable addr.Phys
	imageHandle addr.Phys
}

// SimOption configures a Sim.
type SimOption func(*Sim) error

// WithReserved marks [start, start+size) as firmware reserved memory.
func WithReserved(start addr.Phys, size uint64, mt MemoryType) SimOption {
	return func(s *Sim) error {
		return s.claim(start, addr.Pages(size), mt)
	}
}

// WithExitFailures makes the next n ExitBootServices calls fail as if the
// firmware had changed its map while the caller was fetching it.
func WithExitFailures(n int) SimOption {
	return func(s *Sim) error {
		s.exitFailures = n

		return nil
	}
}

// NewSim creates a firmware over ram.
func NewSim(ram *memory.Memory, opts ...SimOption) (*Sim, error) {
	s := &Sim{
		ram:   ram,
		used:  memory.NewAddressSpace("ram", 0, ram.Size()),
		types: map[addr.Phys]MemoryType{},
	}

	if err := s.claim(RealModeIvtBegin, 1, ReservedMemoryType); err != nil {
		return nil, err
	}

	if ram.Size() > MBBIOSEnd {
		if err := s.claim(VGARAMBegin, addr.Pages(MBBIOSEnd-VGARAMBegin), ReservedMemoryType); err != nil {
			return nil, err
		}
	}

	for _, o := range opts {
		if err := o(s); err != nil {
			return nil, err
		}
	}

	var err error

	if s.systemTable, err = s.AllocatePages(AllocateAnyPages, RuntimeServicesData, 1, 0); err != nil {
		return nil, fmt.Errorf("system table: %w", err)
	}

	if s.imageHandle, err = s.AllocatePages(AllocateAnyPages, BootServicesData, 1, 0); err != nil {
		return nil, fmt.Errorf("image handle: %w", err)
	}

	return s, nil
}

func (s *Sim) claim(start addr.Phys, pages uint64, mt MemoryType) error {
	if err := s.used.AddAddress(memory.NewAddressSpace(mt.String(), start, pages*addr.PageSize)); err != nil {
		return fmt.Errorf("%w: %v+%d pages: %v", ErrNotFound, start, pages, err)
	}

	s.types[start] = mt
	s.mapKey++

	return nil
}

// free returns the unclaimed ranges in ascending order.
func (s *Sim) free() []*memory.AddressSpace {
	var (
		ranges []*memory.AddressSpace
		cursor addr.Phys
	)

	for _, c := range s.used.Addresses {
		if c.Start > cursor {
			ranges = append(ranges, memory.NewAddressSpace("free", cursor, uint64(c.Start-cursor)))
		}

		if c.End() > cursor {
			cursor = c.End()
		}
	}

	if cursor < s.used.End() {
		ranges = append(ranges, memory.NewAddressSpace("free", cursor, uint64(s.used.End()-cursor)))
	}

	return ranges
}

// AllocatePages implements BootServices.
func (s *Sim) AllocatePages(t AllocateType, mt MemoryType, pages uint64, a addr.Phys) (addr.Phys, error) {
	if s.exited {
		return 0, ErrBootServicesExited
	}

	if pages == 0 {
		return 0, fmt.Errorf("%w: zero pages", ErrInvalidParameter)
	}

	size := pages * addr.PageSize

	switch t {
	case AllocateAddress:
		if !addr.Aligned(uint64(a), addr.PageSize) {
			return 0, fmt.Errorf("%w: unaligned address %v", ErrInvalidParameter, a)
		}

		if uint64(a) > s.ram.Size() || size > s.ram.Size()-uint64(a) || !s.used.IsFree(a, size) {
			return 0, fmt.Errorf("%w: %v+%d pages", ErrNotFound, a, pages)
		}

		return a, s.claim(a, pages, mt)
	case AllocateAnyPages, AllocateMaxAddress:
		limit := s.used.End()
		if t == AllocateMaxAddress && a.Add(1) < limit && a.Add(1) != 0 {
			limit = addr.Phys(addr.RoundDown(uint64(a)+1, addr.PageSize))
		}

		ranges := s.free()
		for i := len(ranges) - 1; i >= 0; i-- {
			r := ranges[i]

			end := r.End()
			if end > limit {
				end = limit
			}

			if end <= r.Start || uint64(end-r.Start) < size {
				continue
			}

			start := end - addr.Phys(size)

			return start, s.claim(start, pages, mt)
		}

		return 0, fmt.Errorf("%w: %d pages (%v)", ErrOutOfResources, pages, t)
	}

	return 0, fmt.Errorf("%w: allocate type %d", ErrInvalidParameter, t)
}

// FreePages implements BootServices. Only whole allocations can be freed.
func (s *Sim) FreePages(a addr.Phys, pages uint64) error {
	if s.exited {
		return ErrBootServicesExited
	}

	for _, c := range s.used.Addresses {
		if c.Start != a {
			continue
		}

		if c.Size != pages*addr.PageSize || s.types[a] == ReservedMemoryType {
			return fmt.Errorf("%w: %v+%d pages does not match an allocation", ErrInvalidParameter, a, pages)
		}

		s.used.RemoveAddress(a)
		delete(s.types, a)
		s.mapKey++

		return nil
	}

	return fmt.Errorf("%w: no allocation at %v", ErrNotFound, a)
}

// GetMemoryMap implements BootServices.
func (s *Sim) GetMemoryMap() (*MemoryMap, error) {
	if s.exited {
		return nil, ErrBootServicesExited
	}

	m := &MemoryMap{
		Key:               s.mapKey,
		DescriptorSize:    DescriptorSize,
		DescriptorVersion: DescriptorVersion,
	}

	add := func(start addr.Phys, size uint64, mt MemoryType) {
		attr := uint64(MemoryUC | MemoryWC | MemoryWT | MemoryWB)
		if mt == RuntimeServicesCode || mt == RuntimeServicesData {
			attr |= MemoryRuntime
		}

		m.Descriptors = append(m.Descriptors, Descriptor{
			Type:          mt,
			PhysicalStart: uint64(start),
			NumberOfPages: size / addr.PageSize,
			Attribute:     attr,
		})
	}

	free := s.free()
	used := s.used.Addresses

	for len(free) > 0 || len(used) > 0 {
		if len(used) == 0 || (len(free) > 0 && free[0].Start < used[0].Start) {
			add(free[0].Start, free[0].Size, ConventionalMemory)
			free = free[1:]

			continue
		}

		add(used[0].Start, used[0].Size, s.types[used[0].Start])
		used = used[1:]
	}

	return m, nil
}

// ExitBootServices implements BootServices.
func (s *Sim) ExitBootServices(key uint64) error {
	if s.exited {
		return ErrBootServicesExited
	}

	if s.exitFailures > 0 {
		s.exitFailures--
		s.mapKey++

		return fmt.Errorf("%w: map changed during exit", ErrInvalidParameter)
	}

	if key != s.mapKey {
		return fmt.Errorf("%w: stale map key %d (current %d)", ErrInvalidParameter, key, s.mapKey)
	}

	s.exited = true

	return nil
}

// Exited reports whether ExitBootServices has succeeded.
func (s *Sim) Exited() bool {
	return s.exited
}

// SystemTable implements BootServices.
func (s *Sim) SystemTable() addr.Phys {
	return s.systemTable
}

// ImageHandle implements BootServices.
func (s *Sim) ImageHandle() addr.Phys {
	return s.imageHandle
}

// Memory returns the RAM the firmware manages.
func (s *Sim) Memory() *memory.Memory {
	return s.ram
}
