package firmware

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/bobuhiro11/gokboot/addr"
)

const (
	// DescriptorSize is the stride firmwares commonly report; it is larger
	// than the 40 bytes of Descriptor.
	DescriptorSize    = 48
	DescriptorVersion = 1

	// MapHeaderSize is the kernel-facing header, padded to 16 bytes.
	MapHeaderSize = 32
)

// Descriptor is one UEFI memory descriptor.
type Descriptor struct {
	Type          MemoryType
	_             uint32
	PhysicalStart uint64
	VirtualStart  uint64
	NumberOfPages uint64
	Attribute     uint64
}

// End returns the first address past the descriptor.
func (d *Descriptor) End() addr.Phys {
	return addr.Phys(d.PhysicalStart + d.NumberOfPages*addr.PageSize)
}

// MemoryMap is a snapshot of the firmware memory map.
type MemoryMap struct {
	Descriptors       []Descriptor
	Key               uint64
	DescriptorSize    uint32
	DescriptorVersion uint32
}

// MapHeader precedes the descriptor array in the kernel's metadata record.
type MapHeader struct {
	MemorySize        uint64
	DescriptorSize    uint64
	DescriptorVersion uint32
	_                 [12]uint8
}

// Size returns the descriptor array size in bytes.
func (m *MemoryMap) Size() uint64 {
	return uint64(len(m.Descriptors)) * uint64(m.DescriptorSize)
}

// Bytes encodes the descriptor array with the map's stride.
func (m *MemoryMap) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)
	pad := make([]byte, int(m.DescriptorSize)-binary.Size(Descriptor{}))

	for i := range m.Descriptors {
		if err := binary.Write(buf, binary.LittleEndian, &m.Descriptors[i]); err != nil {
			return []byte{}, err
		}

		buf.Write(pad)
	}

	return buf.Bytes(), nil
}

// Payload encodes the map as the kernel expects it: a MapHeader followed by
// the descriptor array.
func (m *MemoryMap) Payload() ([]byte, error) {
	buf := new(bytes.Buffer)

	hdr := MapHeader{
		MemorySize:        m.Size(),
		DescriptorSize:    uint64(m.DescriptorSize),
		DescriptorVersion: m.DescriptorVersion,
	}

	if err := binary.Write(buf, binary.LittleEndian, &hdr); err != nil {
		return []byte{}, err
	}

	descs, err := m.Bytes()
	if err != nil {
		return []byte{}, err
	}

	buf.Write(descs)

	return buf.Bytes(), nil
}

// ParsePayload decodes a buffer produced by Payload. Trailing bytes beyond
// the header's map size are ignored.
func ParsePayload(b []byte) (*MemoryMap, error) {
	r := bytes.NewReader(b)

	hdr := MapHeader{}
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, err
	}

	if hdr.DescriptorSize < uint64(binary.Size(Descriptor{})) {
		return nil, fmt.Errorf("%w: descriptor size %d", ErrInvalidParameter, hdr.DescriptorSize)
	}

	if uint64(len(b)) < MapHeaderSize+hdr.MemorySize {
		return nil, fmt.Errorf("%w: map of %d bytes in %d byte payload", ErrInvalidParameter, hdr.MemorySize, len(b))
	}

	m := &MemoryMap{
		DescriptorSize:    uint32(hdr.DescriptorSize),
		DescriptorVersion: hdr.DescriptorVersion,
	}

	for off := uint64(0); off < hdr.MemorySize; off += hdr.DescriptorSize {
		d := Descriptor{}
		rd := bytes.NewReader(b[MapHeaderSize+off:])

		if err := binary.Read(rd, binary.LittleEndian, &d); err != nil {
			return nil, err
		}

		m.Descriptors = append(m.Descriptors, d)
	}

	return m, nil
}

// Conventional returns the conventional descriptor containing p.
func (m *MemoryMap) Conventional(p addr.Phys) (*Descriptor, bool) {
	for i := range m.Descriptors {
		d := &m.Descriptors[i]
		if d.Type == ConventionalMemory && addr.Phys(d.PhysicalStart) <= p && p < d.End() {
			return d, true
		}
	}

	return nil, false
}

func (m *MemoryMap) String() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "memory map key=%d descriptors=%d\n", m.Key, len(m.Descriptors))

	for _, d := range m.Descriptors {
		fmt.Fprintf(&sb, "  %-20s %#016x-%#016x %8d pages attr=%#x\n",
			d.Type, d.PhysicalStart, uint64(d.End())-1, d.NumberOfPages, d.Attribute)
	}

	return sb.String()
}
