package memory

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bobuhiro11/gokboot/addr"
	"golang.org/x/sys/unix"
)

var (
	ErrOutOfRange = errors.New("physical access out of range")
	errBadSize    = errors.New("memory size must be a positive multiple of the page size")
)

const (
	// Poison is an instruction that should force a vmexit.
	// it fills memory to make catching guest errors easier.
	// Disassembly:
	// 0:  b8 be ba fe ca          mov    eax,0xcafebabe
	// 5:  90                      nop
	// 6:  0f 0b                   ud2
	Poison = "\xB8\xBE\xBA\xFE\xCA\x90\x0F\x0B"

	highMemBase = 0x100000
)

// Memory is the machine's physical RAM, starting at physical address 0.
// It is an anonymous shared mapping so that a KVM guest can use the very
// same pages.
type Memory struct {
	buf []byte
}

// New maps size bytes of RAM.
func New(size int) (*Memory, error) {
	if size <= 0 || size%addr.PageSize != 0 {
		return nil, fmt.Errorf("%w: %#x", errBadSize, size)
	}

	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("Mmap: %w", err)
	}

	// Poison memory.
	// 0 is valid instruction and if you start running in the middle of all those
	// 0's it is impossible to diagnose.
	for i := highMemBase; i < len(buf); i += len(Poison) {
		copy(buf[i:], Poison)
	}

	return &Memory{buf: buf}, nil
}

// Close unmaps the RAM.
func (m *Memory) Close() error {
	if m.buf == nil {
		return nil
	}

	err := unix.Munmap(m.buf)
	m.buf = nil

	return err
}

// Size returns the RAM size in bytes.
func (m *Memory) Size() uint64 {
	return uint64(len(m.buf))
}

// Bytes exposes the backing slice; it is used to register the RAM with KVM.
func (m *Memory) Bytes() []byte {
	return m.buf
}

func (m *Memory) check(p addr.Phys, n uint64) error {
	if uint64(p) > m.Size() || n > m.Size()-uint64(p) {
		return fmt.Errorf("%w: %v+%#x (ram %#x)", ErrOutOfRange, p, n, m.Size())
	}

	return nil
}

// Slice returns the n bytes of RAM at p, aliasing the backing store.
func (m *Memory) Slice(p addr.Phys, n uint64) ([]byte, error) {
	if err := m.check(p, n); err != nil {
		return nil, err
	}

	return m.buf[p : uint64(p)+n], nil
}

// ReadAt copies len(b) bytes at p into b.
func (m *Memory) ReadAt(b []byte, p addr.Phys) (int, error) {
	s, err := m.Slice(p, uint64(len(b)))
	if err != nil {
		return 0, err
	}

	return copy(b, s), nil
}

// WriteAt copies b into RAM at p.
func (m *Memory) WriteAt(b []byte, p addr.Phys) (int, error) {
	s, err := m.Slice(p, uint64(len(b)))
	if err != nil {
		return 0, err
	}

	return copy(s, b), nil
}

// Move copies n bytes from src to dst; the ranges may overlap.
func (m *Memory) Move(dst, src addr.Phys, n uint64) error {
	if err := m.check(src, n); err != nil {
		return err
	}

	if err := m.check(dst, n); err != nil {
		return err
	}

	copy(m.buf[dst:uint64(dst)+n], m.buf[src:uint64(src)+n])

	return nil
}

// Zero clears n bytes at p.
func (m *Memory) Zero(p addr.Phys, n uint64) error {
	s, err := m.Slice(p, n)
	if err != nil {
		return err
	}

	for i := range s {
		s[i] = 0
	}

	return nil
}

// ReadWord reads a little-endian 64-bit word at p.
func (m *Memory) ReadWord(p addr.Phys) (uint64, error) {
	var b [8]byte
	if _, err := m.ReadAt(b[:], p); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(b[:]), nil
}

// WriteWord writes a little-endian 64-bit word at p.
func (m *Memory) WriteWord(p addr.Phys, word uint64) error {
	var b [8]byte

	binary.LittleEndian.PutUint64(b[:], word)
	_, err := m.WriteAt(b[:], p)

	return err
}
