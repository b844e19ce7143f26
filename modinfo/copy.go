package modinfo

import (
	"encoding/binary"
	"fmt"

	"github.com/bobuhiro11/gokboot/addr"
)

// copier walks a block once. Without a sink it only advances.
type copier struct {
	dst  Sink
	at   addr.Kern
	word int
	err  error
}

func (c *copier) put(b []byte) {
	if c.dst != nil && c.err == nil && len(b) > 0 {
		if _, err := c.dst.CopyIn(b, c.at); err != nil {
			c.err = fmt.Errorf("copy at %v: %w", c.at, err)
		}
	}

	c.at = c.at.Add(uint64(len(b)))
}

func (c *copier) u32(v uint32) {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	c.put(b)
}

func (c *copier) pad() {
	if n := addr.RoundUp(uint64(c.at), uint64(c.word)) - uint64(c.at); n > 0 {
		c.put(make([]byte, n))
	}
}

func (c *copier) record(kind uint32, payload []byte) {
	c.u32(kind)
	c.u32(uint32(len(payload)))
	c.put(payload)
	c.pad()
}

func (c *copier) str(kind uint32, s string) {
	c.record(kind, append([]byte(s), 0))
}

func (c *copier) word64(kind uint32, v uint64) {
	c.record(kind, Word(v, c.word))
}

// Word encodes v as a little endian integer of size bytes.
func Word(v uint64, size int) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)

	return b[:size]
}

// Copy writes the module list at base and returns its end. With a nil dst
// nothing is written and the returned end is the one a write would reach.
func (m *Manifest) Copy(dst Sink, base addr.Kern) (addr.Kern, error) {
	c := &copier{dst: dst, at: base, word: m.wordSize}

	for _, f := range m.files {
		c.str(KindName, f.Name)
		c.str(KindType, f.Type)

		if f.Args != "" {
			c.str(KindArgs, f.Args)
		}

		c.word64(KindAddr, uint64(f.Addr))
		c.word64(KindSize, f.Size)

		for _, r := range f.Metadata {
			if r.NoCopy {
				continue
			}

			c.record(KindMetadata|r.Kind, r.Data)
		}
	}

	c.record(KindEnd, nil)

	return c.at, c.err
}

// Size returns the number of bytes Copy writes at base.
func (m *Manifest) Size(base addr.Kern) uint64 {
	end, _ := m.Copy(nil, base)

	return uint64(end - base)
}

// Entry is one decoded record of a module list.
type Entry struct {
	Kind uint32
	Data []byte
}

// Parse decodes a module list written with the given word size, up to and
// including the end marker.
func Parse(b []byte, wordSize int) ([]Entry, error) {
	var entries []Entry

	off := 0

	for {
		if off+8 > len(b) {
			return nil, fmt.Errorf("%w: record header at %#x past %#x", ErrMalformed, off, len(b))
		}

		kind := binary.LittleEndian.Uint32(b[off:])
		size := int(binary.LittleEndian.Uint32(b[off+4:]))
		off += 8

		if off+size > len(b) {
			return nil, fmt.Errorf("%w: %s payload of %d bytes at %#x", ErrMalformed, KindString(kind), size, off)
		}

		entries = append(entries, Entry{Kind: kind, Data: b[off : off+size]})

		if kind == KindEnd {
			if size != 0 {
				return nil, fmt.Errorf("%w: end marker with %d byte payload", ErrMalformed, size)
			}

			return entries, nil
		}

		off = int(addr.RoundUp(uint64(off+size), uint64(wordSize)))
	}
}
