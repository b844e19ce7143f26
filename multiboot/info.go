package multiboot

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Boot information tag types.
const (
	TagEnd              = 0
	TagCmdline          = 1
	TagLoaderName       = 2
	TagModule           = 3
	TagBasicMeminfo     = 4
	TagMemoryMap        = 6
	TagEFI64SystemTable = 12
	TagEFIMemoryMap     = 17
	TagEFIBootServices  = 18
	TagEFI64ImageHandle = 20
	TagLoadBase         = 21
)

// Tag is one boot information tag.
type Tag struct {
	Type uint32
	Data []byte
}

// Info is a boot information block under construction.
type Info struct {
	Tags []Tag
}

func (i *Info) add(typ uint32, fields ...interface{}) {
	buf := new(bytes.Buffer)

	for _, f := range fields {
		switch v := f.(type) {
		case string:
			buf.WriteString(v)
			buf.WriteByte(0)
		case []byte:
			buf.Write(v)
		default:
			_ = binary.Write(buf, binary.LittleEndian, v)
		}
	}

	i.Tags = append(i.Tags, Tag{Type: typ, Data: buf.Bytes()})
}

func (i *Info) AddCmdline(s string)    { i.add(TagCmdline, s) }
func (i *Info) AddLoaderName(s string) { i.add(TagLoaderName, s) }

// AddModule describes a module loaded at [start, end).
func (i *Info) AddModule(start, end uint32, cmdline string) {
	i.add(TagModule, start, end, cmdline)
}

// AddBasicMeminfo records the lower and upper memory in KiB.
func (i *Info) AddBasicMeminfo(lower, upper uint32) {
	i.add(TagBasicMeminfo, lower, upper)
}

func (i *Info) AddEFI64SystemTable(p uint64) { i.add(TagEFI64SystemTable, p) }
func (i *Info) AddEFI64ImageHandle(p uint64) { i.add(TagEFI64ImageHandle, p) }

// AddEFIMemoryMap records a raw descriptor array.
func (i *Info) AddEFIMemoryMap(descSize, descVersion uint32, descs []byte) {
	i.add(TagEFIMemoryMap, descSize, descVersion, descs)
}

// AddBootServices tells the kernel boot services were not exited.
func (i *Info) AddBootServices() { i.add(TagEFIBootServices) }

func (i *Info) AddLoadBase(p uint32) { i.add(TagLoadBase, p) }

// Size returns the encoded size of the block.
func (i *Info) Size() int {
	n := 8 + 8

	for _, t := range i.Tags {
		n += 8 + len(t.Data) + pad(len(t.Data))
	}

	return n
}

// Bytes encodes the block: total size and a reserved word, the tags each
// aligned to 8 bytes, then the end tag.
func (i *Info) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, [2]uint32{uint32(i.Size()), 0}); err != nil {
		return []byte{}, err
	}

	for _, t := range append(append([]Tag{}, i.Tags...), Tag{Type: TagEnd}) {
		if err := binary.Write(buf, binary.LittleEndian, [2]uint32{t.Type, uint32(8 + len(t.Data))}); err != nil {
			return []byte{}, err
		}

		buf.Write(t.Data)
		buf.Write(make([]byte, pad(len(t.Data))))
	}

	return buf.Bytes(), nil
}

// ParseInfo decodes a block written by Bytes. The end tag is not returned.
func ParseInfo(b []byte) ([]Tag, error) {
	le := binary.LittleEndian

	if len(b) < 8 {
		return nil, fmt.Errorf("%w: %d byte block", ErrMalformed, len(b))
	}

	total := int(le.Uint32(b))
	if total < 16 || total > len(b) {
		return nil, fmt.Errorf("%w: total size %d of %d", ErrMalformed, total, len(b))
	}

	var tags []Tag

	for off := 8; off+8 <= total; {
		typ, size := le.Uint32(b[off:]), int(le.Uint32(b[off+4:]))
		if size < 8 || off+size > total {
			return nil, fmt.Errorf("%w: tag %d of size %d at %#x", ErrMalformed, typ, size, off)
		}

		if typ == TagEnd {
			return tags, nil
		}

		tags = append(tags, Tag{Type: typ, Data: b[off+8 : off+size]})
		off += size + pad(size)
	}

	return nil, fmt.Errorf("%w: no end tag", ErrMalformed)
}

// CString returns a string tag's value without its terminator.
func (t Tag) CString() string {
	if i := bytes.IndexByte(t.Data, 0); i >= 0 {
		return string(t.Data[:i])
	}

	return string(t.Data)
}
