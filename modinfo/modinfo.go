// Package modinfo builds the self-describing module list, the environment
// block and the kernel metadata that are handed to the kernel at entry.
//
// Every block is produced by the same code twice: once without a Sink to
// measure it, and once with one to write it.
package modinfo

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bobuhiro11/gokboot/addr"
)

var (
	ErrSealed       = errors.New("modinfo: manifest is sealed")
	ErrNoKernel     = errors.New("modinfo: no kernel loaded")
	ErrKernelLoaded = errors.New("modinfo: kernel already loaded")
	ErrTooLarge     = errors.New("modinfo: payload does not fit the reserved record")
	ErrSizeMismatch = errors.New("modinfo: commit size differs from measured size")
	ErrMalformed    = errors.New("modinfo: malformed module list")
)

// Sink receives committed bytes at kernel addresses. *staging.Context is
// the usual one.
type Sink interface {
	CopyIn(src []byte, dest addr.Kern) (int, error)
}

// Record is one piece of metadata attached to a file.
type Record struct {
	Kind   uint32
	Data   []byte
	NoCopy bool
}

// Fill overwrites the head of the payload with b and zeroes the rest,
// keeping the record size unchanged.
func (r *Record) Fill(b []byte) error {
	if len(b) > len(r.Data) {
		return fmt.Errorf("%w: %s needs %d bytes, has %d", ErrTooLarge, KindString(KindMetadata|r.Kind), len(b), len(r.Data))
	}

	n := copy(r.Data, b)
	for i := n; i < len(r.Data); i++ {
		r.Data[i] = 0
	}

	return nil
}

// File is a kernel or module that has been staged.
type File struct {
	Name string
	Type string
	// Args is emitted only when not empty.
	Args  string
	Addr  addr.Kern
	Size  uint64
	Entry addr.Kern

	// Relocatable is set by loaders for kernels that can run wherever
	// they were staged.
	Relocatable bool

	Metadata []*Record
}

// End returns the kernel address past the file.
func (f *File) End() addr.Kern {
	return f.Addr.Add(f.Size)
}

// IsKernel reports whether the type tag names a kernel.
func (f *File) IsKernel() bool {
	return strings.HasSuffix(f.Type, "kernel")
}

// AddMetadata attaches a new record to the file.
func (f *File) AddMetadata(kind uint32, data []byte) *Record {
	r := &Record{
		Kind:   kind &^ MDNoCopy,
		Data:   data,
		NoCopy: kind&MDNoCopy != 0,
	}
	f.Metadata = append(f.Metadata, r)

	return r
}

// FindMetadata returns the first record of the given kind.
func (f *File) FindMetadata(kind uint32) *Record {
	for _, r := range f.Metadata {
		if r.Kind == kind {
			return r
		}
	}

	return nil
}

// SetMetadata replaces the payload of the record of the given kind, or
// attaches a new one.
func (f *File) SetMetadata(kind uint32, data []byte) *Record {
	if r := f.FindMetadata(kind); r != nil {
		r.Data = data

		return r
	}

	return f.AddMetadata(kind, data)
}

func (f *File) String() string {
	return fmt.Sprintf("%s %q at %v size %#x", f.Type, f.Name, f.Addr, f.Size)
}

// Manifest is the ordered list of staged files, kernel first.
type Manifest struct {
	files    []*File
	wordSize int
	sealed   bool
}

// NewManifest returns an empty manifest for a kernel with the given word
// size (4 or 8).
func NewManifest(wordSize int) *Manifest {
	if wordSize != 4 {
		wordSize = 8
	}

	return &Manifest{wordSize: wordSize}
}

// WordSize returns the record padding and the size of address payloads.
func (m *Manifest) WordSize() int {
	return m.wordSize
}

// Add appends f. The first file must be a kernel and there can only be
// one.
func (m *Manifest) Add(f *File) error {
	if m.sealed {
		return ErrSealed
	}

	switch {
	case len(m.files) == 0 && !f.IsKernel():
		return fmt.Errorf("%w: cannot load %s %q first", ErrNoKernel, f.Type, f.Name)
	case len(m.files) > 0 && f.IsKernel():
		return fmt.Errorf("%w: %q", ErrKernelLoaded, m.files[0].Name)
	}

	m.files = append(m.files, f)

	return nil
}

// Seal makes the manifest read-only.
func (m *Manifest) Seal() {
	m.sealed = true
}

// Sealed reports whether Seal was called.
func (m *Manifest) Sealed() bool {
	return m.sealed
}

// Files returns the files in manifest order.
func (m *Manifest) Files() []*File {
	return m.files
}

// Len returns the number of files.
func (m *Manifest) Len() int {
	return len(m.files)
}

// Kernel returns the kernel, or nil before one is loaded.
func (m *Manifest) Kernel() *File {
	if len(m.files) == 0 {
		return nil
	}

	return m.files[0]
}

// Find returns the file with the given name.
func (m *Manifest) Find(name string) *File {
	for _, f := range m.files {
		if f.Name == name {
			return f
		}
	}

	return nil
}

// FindType returns the first file with the given type tag.
func (m *Manifest) FindType(typ string) *File {
	for _, f := range m.files {
		if f.Type == typ {
			return f
		}
	}

	return nil
}

// End returns the highest kernel address used by any file.
func (m *Manifest) End() addr.Kern {
	var end addr.Kern

	for _, f := range m.files {
		if e := f.End(); e > end {
			end = e
		}
	}

	return end
}

// NextFree returns the page following the last file, where the next module
// goes.
func (m *Manifest) NextFree() addr.Kern {
	return addr.Kern(addr.RoundUp(uint64(m.End()), addr.PageSize))
}
