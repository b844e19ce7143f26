package elfload_test

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/bobuhiro11/gokboot/addr"
	"github.com/bobuhiro11/gokboot/elfload"
	"github.com/bobuhiro11/gokboot/firmware"
	"github.com/bobuhiro11/gokboot/memory"
	"github.com/bobuhiro11/gokboot/modinfo"
	"github.com/bobuhiro11/gokboot/multiboot"
	"github.com/bobuhiro11/gokboot/staging"
	"github.com/bobuhiro11/gokboot/trampoline"
)

const (
	codeOff   = 0x1000
	kernVaddr = 0xffffffff80200000
	kernPaddr = 0x200000
)

// image describes a one segment ELF64 file.
type image struct {
	typ     elf.Type
	machine elf.Machine
	entry   uint64
	code    []byte
	bss     uint64
	syms    []string
}

func newImage() image {
	code := make([]byte, 0x2345)
	for i := range code {
		code[i] = byte(i * 3)
	}

	return image{
		typ:     elf.ET_EXEC,
		machine: elf.EM_X86_64,
		entry:   kernVaddr + 0x10,
		code:    code,
		bss:     0x1800,
	}
}

func (im image) bytes(t *testing.T) []byte {
	t.Helper()

	le := binary.LittleEndian
	body := append(make([]byte, codeOff), im.code...)

	align := func() {
		for len(body)%8 != 0 {
			body = append(body, 0)
		}
	}

	var (
		shoff uint64
		shnum uint16
	)

	if len(im.syms) > 0 {
		align()

		strtab := []byte{0}
		symtab := new(bytes.Buffer)

		if err := binary.Write(symtab, le, elf.Sym64{}); err != nil {
			t.Fatal(err)
		}

		for _, name := range im.syms {
			sym := elf.Sym64{
				Name:  uint32(len(strtab)),
				Info:  elf.ST_INFO(elf.STB_GLOBAL, elf.STT_OBJECT),
				Shndx: uint16(elf.SHN_ABS),
				Value: kernPaddr,
			}
			if err := binary.Write(symtab, le, &sym); err != nil {
				t.Fatal(err)
			}

			strtab = append(append(strtab, name...), 0)
		}

		strOff := uint64(len(body))
		body = append(body, strtab...)
		align()

		symOff := uint64(len(body))
		body = append(body, symtab.Bytes()...)

		shstr := []byte("\x00.symtab\x00.strtab\x00.shstrtab\x00")
		shstrOff := uint64(len(body))
		body = append(body, shstr...)
		align()

		shoff = uint64(len(body))
		shdrs := []elf.Section64{
			{},
			{Name: 1, Type: uint32(elf.SHT_SYMTAB), Off: symOff, Size: uint64(symtab.Len()), Link: 2, Info: 1, Addralign: 8, Entsize: 24},
			{Name: 9, Type: uint32(elf.SHT_STRTAB), Off: strOff, Size: uint64(len(strtab)), Addralign: 1},
			{Name: 17, Type: uint32(elf.SHT_STRTAB), Off: shstrOff, Size: uint64(len(shstr)), Addralign: 1},
		}

		buf := new(bytes.Buffer)
		if err := binary.Write(buf, le, shdrs); err != nil {
			t.Fatal(err)
		}

		body = append(body, buf.Bytes()...)
		shnum = uint16(len(shdrs))
	}

	hdr := elf.Header64{
		Type:      uint16(im.typ),
		Machine:   uint16(im.machine),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     im.entry,
		Phoff:     64,
		Shoff:     shoff,
		Ehsize:    64,
		Phentsize: 56,
		Phnum:     1,
		Shentsize: 64,
		Shnum:     shnum,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	if shnum > 0 {
		hdr.Shstrndx = 3
	}

	prog := elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_X),
		Off:    codeOff,
		Vaddr:  kernVaddr,
		Paddr:  kernPaddr,
		Filesz: uint64(len(im.code)),
		Memsz:  uint64(len(im.code)) + im.bss,
		Align:  0x1000,
	}

	head := new(bytes.Buffer)
	if err := binary.Write(head, le, &hdr); err != nil {
		t.Fatal(err)
	}

	if err := binary.Write(head, le, &prog); err != nil {
		t.Fatal(err)
	}

	copy(body, head.Bytes())

	return body
}

func newStaging(t *testing.T) *staging.Context {
	t.Helper()

	ram, err := memory.New(64 << 20)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { ram.Close() })

	fw, err := firmware.NewSim(ram)
	if err != nil {
		t.Fatal(err)
	}

	st := staging.New(fw, ram, staging.Policy{
		Ceiling: addr.Phys(addr.GiB),
		Align:   addr.SuperPageSize,
		Slop:    staging.DefaultSlop,
		Mode:    staging.CopyDown,
	})
	if err := st.Init(16 << 20); err != nil {
		t.Fatal(err)
	}

	return st
}

func TestLoadKernel(t *testing.T) {
	t.Parallel()

	im := newImage()
	im.syms = []string{"btext", elfload.RelocatableSymbol}
	b := im.bytes(t)

	st := newStaging(t)
	m := modinfo.NewManifest(8)

	k, err := elfload.LoadKernel(bytes.NewReader(b), "/boot/kernel/kernel", "-s", st, m)
	if err != nil {
		t.Fatal(err)
	}

	if k.Type != "elf64 kernel" || !k.IsKernel() || m.Kernel() != k || k.Args != "-s" {
		t.Fatalf("got %v", k)
	}

	if k.Addr != kernPaddr || k.Entry != kernPaddr+0x10 || !k.Relocatable {
		t.Fatalf("addr %v entry %v relocatable %v", k.Addr, k.Entry, k.Relocatable)
	}

	got := make([]byte, len(im.code)+int(im.bss))
	if _, err := st.CopyOut(kernPaddr, got); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(got[:len(im.code)], im.code) {
		t.Fatal("segment contents differ")
	}

	if !bytes.Equal(got[len(im.code):], make([]byte, im.bss)) {
		t.Fatal("bss is not zeroed")
	}

	if r := k.FindMetadata(modinfo.MDElfHdr); r == nil || !bytes.Equal(r.Data, b[:64]) {
		t.Fatal("ELF header metadata missing")
	}

	if r := k.FindMetadata(modinfo.MDShdr); r == nil || len(r.Data) != 4*64 {
		t.Fatal("section header metadata missing")
	}

	ssym, esym := k.FindMetadata(modinfo.MDSSym), k.FindMetadata(modinfo.MDESym)
	if ssym == nil || esym == nil {
		t.Fatal("symbol bounds missing")
	}

	start := addr.Kern(binary.LittleEndian.Uint64(ssym.Data))
	end := addr.Kern(binary.LittleEndian.Uint64(esym.Data))

	if want := addr.Kern(addr.RoundUp(kernPaddr+uint64(len(got)), 8)); start != want {
		t.Fatalf("symbols start at %v, want %v", start, want)
	}

	if k.End() != end {
		t.Fatalf("kernel ends at %v, symbols at %v", k.End(), end)
	}

	size := make([]byte, 8)
	if _, err := st.CopyOut(start, size); err != nil {
		t.Fatal(err)
	}

	// A null symbol and two named ones.
	if got := binary.LittleEndian.Uint64(size); got != 3*24 {
		t.Fatalf("symbol table size word: got %d, want %d", got, 3*24)
	}
}

func TestProbe(t *testing.T) {
	t.Parallel()

	h := &multiboot.Header{Tags: []multiboot.HeaderTag{multiboot.EntryEFI64Tag(kernPaddr + 0x40)}}

	hb, err := h.Bytes()
	if err != nil {
		t.Fatal(err)
	}

	im := newImage()
	copy(im.code, hb)

	info, err := elfload.Probe(bytes.NewReader(im.bytes(t)))
	if err != nil {
		t.Fatal(err)
	}

	if info.Arch != trampoline.AMD64 || info.Relocatable || info.Class != elf.ELFCLASS64 {
		t.Fatalf("got %v", info)
	}

	if info.Low != kernPaddr || info.High != kernPaddr+addr.Kern(len(im.code))+addr.Kern(im.bss) {
		t.Fatalf("extent [%v-%v)", info.Low, info.High)
	}

	if info.Multiboot == nil || info.Multiboot.EntryEFI64 != kernPaddr+0x40 || info.Multiboot.Offset != codeOff {
		t.Fatalf("multiboot header: %+v", info.Multiboot)
	}

	im = newImage()
	im.typ = elf.ET_DYN

	if info, err := elfload.Probe(bytes.NewReader(im.bytes(t))); err != nil || !info.Relocatable {
		t.Fatalf("ET_DYN: got (%v, %v)", info, err)
	}
}

func TestProbeErrors(t *testing.T) {
	t.Parallel()

	if _, err := elfload.Probe(bytes.NewReader(bytes.Repeat([]byte{0x90}, 4096))); !errors.Is(err, elfload.ErrMalformed) {
		t.Fatalf("not ELF: got %v, want %v", err, elfload.ErrMalformed)
	}

	im := newImage()
	im.machine = elf.EM_RISCV

	if _, err := elfload.Probe(bytes.NewReader(im.bytes(t))); !errors.Is(err, trampoline.ErrUnsupportedArch) {
		t.Fatalf("riscv: got %v, want %v", err, trampoline.ErrUnsupportedArch)
	}

	im = newImage()
	im.entry = 0x1000

	if _, err := elfload.Probe(bytes.NewReader(im.bytes(t))); !errors.Is(err, elfload.ErrMalformed) {
		t.Fatalf("stray entry: got %v, want %v", err, elfload.ErrMalformed)
	}
}

func TestLoadKernelTruncated(t *testing.T) {
	t.Parallel()

	b := newImage().bytes(t)

	_, err := elfload.LoadKernel(bytes.NewReader(b[:codeOff+0x100]), "kernel", "", newStaging(t), modinfo.NewManifest(8))
	if !errors.Is(err, elfload.ErrTruncated) {
		t.Fatalf("got %v, want %v", err, elfload.ErrTruncated)
	}
}

func TestLoadModule(t *testing.T) {
	t.Parallel()

	st := newStaging(t)
	m := modinfo.NewManifest(8)
	data := bytes.Repeat([]byte("module"), 1000)

	if _, err := elfload.LoadModule(bytes.NewReader(data), uint64(len(data)), "mfs", "md_image", "", st, m); !errors.Is(err, modinfo.ErrNoKernel) {
		t.Fatalf("without kernel: got %v, want %v", err, modinfo.ErrNoKernel)
	}

	if _, err := elfload.LoadKernel(bytes.NewReader(newImage().bytes(t)), "kernel", "", st, m); err != nil {
		t.Fatal(err)
	}

	want := m.NextFree()

	f, err := elfload.LoadModule(bytes.NewReader(data), uint64(len(data)), "mfs", "md_image", "", st, m)
	if err != nil {
		t.Fatal(err)
	}

	if f.Addr != want || f.Size != uint64(len(data)) || m.Find("mfs") != f {
		t.Fatalf("got %v, want at %v", f, want)
	}

	got := make([]byte, len(data))
	if _, err := st.CopyOut(f.Addr, got); err != nil || !bytes.Equal(got, data) {
		t.Fatalf("module contents differ: %v", err)
	}

	if _, err := elfload.LoadModule(bytes.NewReader(data[:10]), 100, "short", "module", "", st, m); !errors.Is(err, elfload.ErrTruncated) {
		t.Fatalf("short: got %v, want %v", err, elfload.ErrTruncated)
	}
}
