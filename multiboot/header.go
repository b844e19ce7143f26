// Package multiboot reads the multiboot2 header of a kernel image and writes
// the boot information block handed to it.
package multiboot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	HeaderMagic     = 0xe85250d6
	BootloaderMagic = 0x36d76289

	// SearchLimit is how far into the image the header may start.
	SearchLimit = 32768
	// Align is the alignment of the header and of every tag.
	Align = 8

	ArchI386 = 0
)

// Header tag types.
const (
	HeaderTagEnd          = 0
	HeaderTagInfoRequest  = 1
	HeaderTagAddress      = 2
	HeaderTagEntry        = 3
	HeaderTagConsoleFlags = 4
	HeaderTagFramebuffer  = 5
	HeaderTagModuleAlign  = 6
	HeaderTagBootServices = 7
	HeaderTagEntryEFI32   = 8
	HeaderTagEntryEFI64   = 9
	HeaderTagRelocatable  = 10
)

// TagOptional marks a header tag the loader may ignore.
const TagOptional = 1

var (
	ErrNotFound    = errors.New("multiboot: no header")
	ErrChecksum    = errors.New("multiboot: bad header checksum")
	ErrMalformed   = errors.New("multiboot: malformed")
	ErrUnsupported = errors.New("multiboot: unsupported required tag")
)

// HeaderTag is one raw header tag.
type HeaderTag struct {
	Type  uint16
	Flags uint16
	Data  []byte
}

// Reloc is the relocatable header tag.
type Reloc struct {
	MinAddr    uint32
	MaxAddr    uint32
	Align      uint32
	Preference uint32
}

// Header is a decoded multiboot2 header.
type Header struct {
	// Offset is where the header starts in the image.
	Offset int
	Arch   uint32
	Length uint32
	Tags   []HeaderTag

	Entry        uint32
	EntryEFI32   uint32
	EntryEFI64   uint32
	BootServices bool
	Reloc        *Reloc
	Requests     []uint32
}

type headerFixed struct {
	Magic    uint32
	Arch     uint32
	Length   uint32
	Checksum uint32
}

// EntryEFI64Tag asks for the kernel to be started at entry in 64-bit EFI
// mode.
func EntryEFI64Tag(entry uint32) HeaderTag {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, entry)

	return HeaderTag{Type: HeaderTagEntryEFI64, Data: b}
}

// BootServicesTag asks for boot services to be left running.
func BootServicesTag() HeaderTag {
	return HeaderTag{Type: HeaderTagBootServices}
}

// RelocatableTag allows loading anywhere in [r.MinAddr, r.MaxAddr].
func RelocatableTag(r Reloc) HeaderTag {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, &r)

	return HeaderTag{Type: HeaderTagRelocatable, Data: buf.Bytes()}
}

// Bytes encodes a header carrying h.Tags, with the length and checksum
// computed.
func (h *Header) Bytes() ([]byte, error) {
	body := new(bytes.Buffer)

	for _, t := range append(append([]HeaderTag{}, h.Tags...), HeaderTag{Type: HeaderTagEnd}) {
		hdr := struct {
			Type  uint16
			Flags uint16
			Size  uint32
		}{t.Type, t.Flags, uint32(8 + len(t.Data))}

		if err := binary.Write(body, binary.LittleEndian, &hdr); err != nil {
			return []byte{}, err
		}

		body.Write(t.Data)
		body.Write(make([]byte, pad(len(t.Data))))
	}

	fixed := headerFixed{
		Magic:  HeaderMagic,
		Arch:   h.Arch,
		Length: uint32(binary.Size(headerFixed{}) + body.Len()),
	}
	fixed.Checksum = -(fixed.Magic + fixed.Arch + fixed.Length)

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, &fixed); err != nil {
		return []byte{}, err
	}

	buf.Write(body.Bytes())

	return buf.Bytes(), nil
}

func pad(n int) int {
	return (Align - n%Align) % Align
}

// ParseHeader finds and decodes the header in the first SearchLimit bytes
// of an image.
func ParseHeader(image []byte) (*Header, error) {
	limit := len(image)
	if limit > SearchLimit {
		limit = SearchLimit
	}

	for off := 0; off+16 <= limit; off += Align {
		if binary.LittleEndian.Uint32(image[off:]) != HeaderMagic {
			continue
		}

		return parseAt(image, off)
	}

	return nil, ErrNotFound
}

func parseAt(image []byte, off int) (*Header, error) {
	le := binary.LittleEndian
	h := &Header{
		Offset: off,
		Arch:   le.Uint32(image[off+4:]),
		Length: le.Uint32(image[off+8:]),
	}

	if le.Uint32(image[off:])+h.Arch+h.Length+le.Uint32(image[off+12:]) != 0 {
		return nil, fmt.Errorf("%w at %#x", ErrChecksum, off)
	}

	if h.Length < 16 || off+int(h.Length) > len(image) {
		return nil, fmt.Errorf("%w: header length %d at %#x", ErrMalformed, h.Length, off)
	}

	b := image[off+16 : off+int(h.Length)]

	for len(b) >= 8 {
		t := HeaderTag{Type: le.Uint16(b), Flags: le.Uint16(b[2:])}
		size := int(le.Uint32(b[4:]))

		if size < 8 || size > len(b) {
			return nil, fmt.Errorf("%w: tag %d of size %d", ErrMalformed, t.Type, size)
		}

		if t.Type == HeaderTagEnd {
			return h, nil
		}

		t.Data = b[8:size]
		if err := h.decode(t); err != nil {
			return nil, err
		}

		h.Tags = append(h.Tags, t)

		if next := size + pad(size); next < len(b) {
			b = b[next:]
		} else {
			b = nil
		}
	}

	return nil, fmt.Errorf("%w: no end tag", ErrMalformed)
}

func (h *Header) decode(t HeaderTag) error {
	le := binary.LittleEndian
	short := func(n int) error {
		if len(t.Data) < n {
			return fmt.Errorf("%w: tag %d has %d bytes", ErrMalformed, t.Type, len(t.Data))
		}

		return nil
	}

	switch t.Type {
	case HeaderTagInfoRequest:
		for i := 0; i+4 <= len(t.Data); i += 4 {
			h.Requests = append(h.Requests, le.Uint32(t.Data[i:]))
		}
	case HeaderTagEntry, HeaderTagEntryEFI32, HeaderTagEntryEFI64:
		if err := short(4); err != nil {
			return err
		}

		v := le.Uint32(t.Data)

		switch t.Type {
		case HeaderTagEntry:
			h.Entry = v
		case HeaderTagEntryEFI32:
			h.EntryEFI32 = v
		default:
			h.EntryEFI64 = v
		}
	case HeaderTagBootServices:
		h.BootServices = true
	case HeaderTagRelocatable:
		if err := short(16); err != nil {
			return err
		}

		r := &Reloc{}
		if err := binary.Read(bytes.NewReader(t.Data), le, r); err != nil {
			return err
		}

		h.Reloc = r
	case HeaderTagAddress, HeaderTagConsoleFlags, HeaderTagFramebuffer, HeaderTagModuleAlign:
	default:
		if t.Flags&TagOptional == 0 {
			return fmt.Errorf("%w: %d", ErrUnsupported, t.Type)
		}
	}

	return nil
}
