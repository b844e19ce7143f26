// Package elfload stages ELF kernels and raw modules and records them in the
// manifest.
package elfload

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/bobuhiro11/gokboot/addr"
	"github.com/bobuhiro11/gokboot/modinfo"
	"github.com/bobuhiro11/gokboot/multiboot"
	"github.com/bobuhiro11/gokboot/trampoline"
)

var (
	ErrTruncated = errors.New("elfload: truncated image")
	ErrMalformed = errors.New("elfload: malformed image")
)

// Debug is a normally empty function that enables debug prints.
var Debug = func(string, ...interface{}) {}

// RelocatableSymbol marks a kernel that can run at any physical address.
const RelocatableSymbol = "kernphys"

// Stager is where images are copied to.
type Stager interface {
	CopyIn(src []byte, dest addr.Kern) (int, error)
	Zero(dest addr.Kern, n uint64) error
	ReadIn(r io.Reader, dest addr.Kern, n uint64) (int64, error)
}

// Info is what the loader learns about a kernel before staging it.
type Info struct {
	Arch        trampoline.Arch
	Class       elf.Class
	Relocatable bool
	// Multiboot is the image's multiboot2 header, if any.
	Multiboot *multiboot.Header
	// Low and High bound the loadable segments' physical addresses.
	Low, High addr.Kern
	Entry     addr.Kern
}

func (i *Info) String() string {
	return fmt.Sprintf("%v %v relocatable=%v [%v-%v) entry %v multiboot=%v",
		i.Arch, i.Class, i.Relocatable, i.Low, i.High, i.Entry, i.Multiboot != nil)
}

func open(r io.ReaderAt) (*elf.File, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		var fe *elf.FormatError
		if errors.As(err, &fe) {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}

		return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
	}

	return f, nil
}

func arch(f *elf.File) (trampoline.Arch, error) {
	switch {
	case f.Machine == elf.EM_X86_64 && f.Class == elf.ELFCLASS64:
		return trampoline.AMD64, nil
	case f.Machine == elf.EM_386 && f.Class == elf.ELFCLASS32:
		return trampoline.I386, nil
	case f.Machine == elf.EM_AARCH64 && f.Class == elf.ELFCLASS64:
		return trampoline.ARM64, nil
	}

	return 0, fmt.Errorf("%w: %v %v", trampoline.ErrUnsupportedArch, f.Machine, f.Class)
}

func loads(f *elf.File) []*elf.Prog {
	var ps []*elf.Prog

	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD && p.Memsz > 0 {
			ps = append(ps, p)
		}
	}

	return ps
}

// entry converts the virtual entry point to the physical address of the
// segment holding it.
func entry(f *elf.File) (addr.Kern, error) {
	for _, p := range loads(f) {
		if f.Entry >= p.Vaddr && f.Entry < p.Vaddr+p.Memsz {
			return addr.Kern(f.Entry - p.Vaddr + p.Paddr), nil
		}
	}

	return 0, fmt.Errorf("%w: entry %#x is not in a loadable segment", ErrMalformed, f.Entry)
}

func relocatable(f *elf.File) bool {
	if f.Type == elf.ET_DYN {
		return true
	}

	syms, err := f.Symbols()
	if err != nil {
		return false
	}

	for _, s := range syms {
		if s.Name == RelocatableSymbol {
			return true
		}
	}

	return false
}

// Probe inspects a kernel image without staging anything.
func Probe(r io.ReaderAt) (*Info, error) {
	f, err := open(r)
	if err != nil {
		return nil, err
	}

	i := &Info{Class: f.Class, Relocatable: relocatable(f)}

	if i.Arch, err = arch(f); err != nil {
		return nil, err
	}

	ps := loads(f)
	if len(ps) == 0 {
		return nil, fmt.Errorf("%w: no loadable segments", ErrMalformed)
	}

	i.Low = addr.Kern(ps[0].Paddr)
	for _, p := range ps {
		if lo := addr.Kern(p.Paddr); lo < i.Low {
			i.Low = lo
		}

		if hi := addr.Kern(p.Paddr + p.Memsz); hi > i.High {
			i.High = hi
		}
	}

	if i.Entry, err = entry(f); err != nil {
		return nil, err
	}

	head := make([]byte, multiboot.SearchLimit)
	n, _ := r.ReadAt(head, 0)

	if h, err := multiboot.ParseHeader(head[:n]); err == nil {
		i.Multiboot = h
	} else if !errors.Is(err, multiboot.ErrNotFound) {
		return nil, err
	}

	return i, nil
}

// readIn stages exactly n bytes of r at dest.
func readIn(st Stager, r io.Reader, dest addr.Kern, n uint64) error {
	if n == 0 {
		return nil
	}

	got, err := st.ReadIn(r, dest, n)
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) || (err == nil && uint64(got) != n) {
		return fmt.Errorf("%w: %#x of %#x bytes at %v", ErrTruncated, got, n, dest)
	}

	return err
}

func kernelType(c elf.Class) string {
	if c == elf.ELFCLASS64 {
		return "elf64 kernel"
	}

	return "elf kernel"
}

// LoadKernel stages every loadable segment at its physical address,
// followed by the symbol tables, and adds the kernel to m.
func LoadKernel(r io.ReaderAt, name, args string, st Stager, m *modinfo.Manifest) (*modinfo.File, error) {
	info, err := Probe(r)
	if err != nil {
		return nil, fmt.Errorf("LoadKernel(%s): %w", name, err)
	}

	f, err := open(r)
	if err != nil {
		return nil, err
	}

	for _, p := range loads(f) {
		dest := addr.Kern(p.Paddr)

		if err := readIn(st, io.NewSectionReader(r, int64(p.Off), int64(p.Filesz)), dest, p.Filesz); err != nil {
			return nil, fmt.Errorf("LoadKernel(%s): %w", name, err)
		}

		if p.Memsz > p.Filesz {
			if err := st.Zero(dest.Add(p.Filesz), p.Memsz-p.Filesz); err != nil {
				return nil, err
			}
		}

		Debug("elfload: %s: %#x bytes at %v (%#x in file)", name, p.Memsz, dest, p.Filesz)
	}

	k := &modinfo.File{
		Name:        name,
		Type:        kernelType(f.Class),
		Args:        args,
		Addr:        info.Low,
		Entry:       info.Entry,
		Relocatable: info.Relocatable,
	}

	end, err := loadSymbols(r, f, st, info.High, m.WordSize(), k)
	if err != nil {
		return nil, fmt.Errorf("LoadKernel(%s): symbols: %w", name, err)
	}

	k.Size = uint64(end - k.Addr)

	if err := metadata(r, f, k); err != nil {
		return nil, fmt.Errorf("LoadKernel(%s): %w", name, err)
	}

	if err := m.Add(k); err != nil {
		return nil, err
	}

	return k, nil
}

// metadata attaches the ELF and section headers.
func metadata(r io.ReaderAt, f *elf.File, k *modinfo.File) error {
	size := binary.Size(elf.Header32{})
	if f.Class == elf.ELFCLASS64 {
		size = binary.Size(elf.Header64{})
	}

	ehdr := make([]byte, size)
	if _, err := r.ReadAt(ehdr, 0); err != nil {
		return fmt.Errorf("%w: ELF header: %v", ErrTruncated, err)
	}

	k.AddMetadata(modinfo.MDElfHdr, ehdr)

	var shoff, shentsize, shnum uint64

	if f.Class == elf.ELFCLASS64 {
		h := elf.Header64{}
		if err := binary.Read(bytes.NewReader(ehdr), f.ByteOrder, &h); err != nil {
			return err
		}

		shoff, shentsize, shnum = h.Shoff, uint64(h.Shentsize), uint64(h.Shnum)
	} else {
		h := elf.Header32{}
		if err := binary.Read(bytes.NewReader(ehdr), f.ByteOrder, &h); err != nil {
			return err
		}

		shoff, shentsize, shnum = uint64(h.Shoff), uint64(h.Shentsize), uint64(h.Shnum)
	}

	if shoff == 0 || shnum == 0 {
		return nil
	}

	shdr := make([]byte, shentsize*shnum)
	if _, err := r.ReadAt(shdr, int64(shoff)); err != nil {
		return fmt.Errorf("%w: section headers: %v", ErrTruncated, err)
	}

	k.AddMetadata(modinfo.MDShdr, shdr)

	return nil
}

// loadSymbols copies the symbol and string tables after the image, each
// preceded by its size in a word, and records their bounds. It returns the
// end of what was staged.
func loadSymbols(r io.ReaderAt, f *elf.File, st Stager, end addr.Kern, word int, k *modinfo.File) (addr.Kern, error) {
	symtab := f.SectionByType(elf.SHT_SYMTAB)
	if symtab == nil || int(symtab.Link) >= len(f.Sections) {
		return end, nil
	}

	strtab := f.Sections[symtab.Link]

	start := addr.Kern(addr.RoundUp(uint64(end), uint64(word)))
	at := start

	for _, s := range []*elf.Section{symtab, strtab} {
		if _, err := st.CopyIn(modinfo.Word(s.Size, word), at); err != nil {
			return 0, err
		}

		at = at.Add(uint64(word))

		if err := readIn(st, io.NewSectionReader(r, int64(s.Offset), int64(s.Size)), at, s.Size); err != nil {
			return 0, fmt.Errorf("%s: %w", s.Name, err)
		}

		at = addr.Kern(addr.RoundUp(uint64(at.Add(s.Size)), uint64(word)))
	}

	k.AddMetadata(modinfo.MDSSym, modinfo.Word(uint64(start), word))
	k.AddMetadata(modinfo.MDESym, modinfo.Word(uint64(at), word))

	Debug("elfload: symbols %v-%v", start, at)

	return at, nil
}

// LoadModule stages n bytes of r on the page after the last file.
func LoadModule(r io.Reader, n uint64, name, typ, args string, st Stager, m *modinfo.Manifest) (*modinfo.File, error) {
	if m.Kernel() == nil {
		return nil, fmt.Errorf("LoadModule(%s): %w", name, modinfo.ErrNoKernel)
	}

	f := &modinfo.File{Name: name, Type: typ, Args: args, Addr: m.NextFree(), Size: n}

	if err := readIn(st, r, f.Addr, n); err != nil {
		return nil, fmt.Errorf("LoadModule(%s): %w", name, err)
	}

	if err := m.Add(f); err != nil {
		return nil, err
	}

	Debug("elfload: module %s at %v (%#x bytes)", name, f.Addr, n)

	return f, nil
}
