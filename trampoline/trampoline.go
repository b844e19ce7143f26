// Package trampoline holds the position-independent stubs that run after
// boot services are gone: they copy the image down if needed, switch page
// tables and jump to the kernel.
//
// Every stub is followed by Args, the data block it reads its parameters
// from.
package trampoline

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnsupportedArch = errors.New("trampoline: unsupported architecture")
	ErrBadArgs         = errors.New("trampoline: bad argument block")
)

const (
	// ArgsMagic is "GKBT" in memory order.
	ArgsMagic   = 0x54424b47
	ArgsVersion = 1
	ArgsSize    = 72
)

// Offsets of the Args fields read by the stubs.
const (
	OffEntry         = 8
	OffPageTableRoot = 16
	OffStack         = 24
	OffCopySrc       = 32
	OffCopyDst       = 40
	OffCopyLen       = 48
	OffModuleP       = 56
	OffKernEnd       = 64
)

// Args is the data block that follows the stub. All fields are little
// endian; 32-bit stubs read the low halves.
type Args struct {
	Magic         uint32
	Version       uint32
	Entry         uint64
	PageTableRoot uint64
	Stack         uint64
	CopySrc       uint64
	CopyDst       uint64
	CopyLen       uint64
	ModuleP       uint64
	KernEnd       uint64
}

// NewArgs returns an Args with its header set.
func NewArgs() *Args {
	return &Args{Magic: ArgsMagic, Version: ArgsVersion}
}

func (a *Args) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, a); err != nil {
		return []byte{}, err
	}

	return buf.Bytes(), nil
}

// ParseArgs decodes and checks an argument block.
func ParseArgs(b []byte) (*Args, error) {
	a := &Args{}
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadArgs, err)
	}

	if a.Magic != ArgsMagic {
		return nil, fmt.Errorf("%w: magic %#x", ErrBadArgs, a.Magic)
	}

	if a.Version != ArgsVersion {
		return nil, fmt.Errorf("%w: version %d", ErrBadArgs, a.Version)
	}

	return a, nil
}

func (a *Args) String() string {
	return fmt.Sprintf("entry=%#x cr3=%#x stack=%#x copy=%#x->%#x/%#x modulep=%#x kernend=%#x",
		a.Entry, a.PageTableRoot, a.Stack, a.CopySrc, a.CopyDst, a.CopyLen, a.ModuleP, a.KernEnd)
}

// Arch is the architecture a stub is written for.
type Arch int

const (
	AMD64 Arch = iota
	I386
	ARM64
)

var archNames = [...]string{"amd64", "i386", "arm64"}

func (a Arch) String() string {
	if int(a) < len(archNames) {
		return archNames[a]
	}

	return "unknown"
}

// ParseArch accepts the names printed by String, plus "386".
func ParseArch(s string) (Arch, error) {
	s = strings.ToLower(s)
	if s == "386" {
		return I386, nil
	}

	for i, n := range archNames {
		if n == s {
			return Arch(i), nil
		}
	}

	return 0, fmt.Errorf("%w: %q", ErrUnsupportedArch, s)
}

// WordSize returns the kernel's word size in bytes.
func (a Arch) WordSize() int {
	if a == I386 {
		return 4
	}

	return 8
}

// Blob is a stub and where its argument block starts.
type Blob struct {
	Arch       Arch
	Code       []byte
	ArgsOffset int
}

// For returns the stub for arch.
func For(arch Arch) (*Blob, error) {
	var code []byte

	switch arch {
	case AMD64:
		code = amd64Code
	case I386:
		code = i386Code
	case ARM64:
		code = arm64Code()
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedArch, arch)
	}

	// Keep the argument block 8 byte aligned.
	off := (len(code) + 7) &^ 7
	padded := make([]byte, off)
	copy(padded, code)

	for i := len(code); i < off; i++ {
		padded[i] = pad(arch)
	}

	return &Blob{Arch: arch, Code: padded, ArgsOffset: off}, nil
}

func pad(arch Arch) byte {
	if arch == ARM64 {
		return 0
	}

	// int3
	return 0xcc
}

// Size returns the size of the stub and its argument block.
func (b *Blob) Size() int {
	return b.ArgsOffset + ArgsSize
}

// Image returns the stub followed by a.
func (b *Blob) Image(a *Args) ([]byte, error) {
	args, err := a.Bytes()
	if err != nil {
		return []byte{}, err
	}

	img := make([]byte, 0, b.Size())
	img = append(img, b.Code...)

	return append(img, args...), nil
}
