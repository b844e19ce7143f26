package machine

import "github.com/bobuhiro11/gokboot/kvm"

// GDTEntry encodes a segment descriptor. flags holds the access byte in its
// low 8 bits and the granularity nibble in bits 12-15.
func GDTEntry(flags uint16, base, limit uint32) uint64 {
	return (uint64(base)&0xff000000)<<32 |
		(uint64(base)&0x00ffffff)<<16 |
		uint64(limit)&0x0000ffff |
		(uint64(limit)&0x000f0000)<<32 |
		(uint64(flags)&0xf0ff)<<40
}

// Segment decodes the descriptor in GDT slot index into the form KVM
// loads into a segment register.
func Segment(entry uint64, index uint8) kvm.Segment {
	s := kvm.Segment{
		Base:     (entry>>16)&0xffffff | ((entry>>56)&0xff)<<24,
		Limit:    uint32(entry&0xffff | ((entry>>48)&0xf)<<16),
		Selector: uint16(index) * 8,
		Typ:      uint8(entry>>40) & 0xf,
		S:        uint8(entry>>44) & 1,
		DPL:      uint8(entry>>45) & 3,
		Present:  uint8(entry>>47) & 1,
		AVL:      uint8(entry>>52) & 1,
		L:        uint8(entry>>53) & 1,
		DB:       uint8(entry>>54) & 1,
		G:        uint8(entry>>55) & 1,
	}

	if s.G == 1 {
		s.Limit = s.Limit<<12 | 0xfff
	}

	if s.Present == 0 {
		s.Unusable = 1
	}

	return s
}

// flatGDT is what the firmware leaves loaded: flat 64-bit code, flat 32-bit
// code and flat data.
func flatGDT() [gdtSlots]uint64 {
	var gdt [gdtSlots]uint64

	gdt[gdtNull] = 0
	gdt[gdtCode64] = GDTEntry(0xa09b, 0, 0xfffff)
	gdt[gdtCode32] = GDTEntry(0xc09b, 0, 0xfffff)
	gdt[gdtData] = GDTEntry(0xc093, 0, 0xfffff)

	return gdt
}
