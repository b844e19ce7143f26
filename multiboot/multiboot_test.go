package multiboot_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/bobuhiro11/gokboot/multiboot"
)

func image(t *testing.T, at int, tags ...multiboot.HeaderTag) []byte {
	t.Helper()

	h := &multiboot.Header{Arch: multiboot.ArchI386, Tags: tags}

	b, err := h.Bytes()
	if err != nil {
		t.Fatal(err)
	}

	img := make([]byte, at+len(b)+64)
	copy(img[at:], b)

	return img
}

func TestParseHeader(t *testing.T) {
	t.Parallel()

	reloc := multiboot.Reloc{MinAddr: 0x200000, MaxAddr: 0xffffffff, Align: 0x200000, Preference: 1}
	img := image(t, 0x1008,
		multiboot.EntryEFI64Tag(0x201234),
		multiboot.BootServicesTag(),
		multiboot.RelocatableTag(reloc))

	h, err := multiboot.ParseHeader(img)
	if err != nil {
		t.Fatal(err)
	}

	if h.Offset != 0x1008 {
		t.Fatalf("offset: got %#x, want 0x1008", h.Offset)
	}

	if h.EntryEFI64 != 0x201234 || !h.BootServices {
		t.Fatalf("got entry %#x bs %v", h.EntryEFI64, h.BootServices)
	}

	if h.Reloc == nil || *h.Reloc != reloc {
		t.Fatalf("reloc: got %+v, want %+v", h.Reloc, reloc)
	}

	// fixed part, entry, boot services, relocatable, end
	if h.Length != 16+16+8+24+8 {
		t.Fatalf("length: got %d", h.Length)
	}
}

func TestParseHeaderErrors(t *testing.T) {
	t.Parallel()

	if _, err := multiboot.ParseHeader(make([]byte, 4096)); !errors.Is(err, multiboot.ErrNotFound) {
		t.Fatalf("empty: got %v, want %v", err, multiboot.ErrNotFound)
	}

	if _, err := multiboot.ParseHeader(image(t, multiboot.SearchLimit)); !errors.Is(err, multiboot.ErrNotFound) {
		t.Fatalf("beyond limit: got %v, want %v", err, multiboot.ErrNotFound)
	}

	bad := image(t, 0)
	bad[12]++

	if _, err := multiboot.ParseHeader(bad); !errors.Is(err, multiboot.ErrChecksum) {
		t.Fatalf("checksum: got %v, want %v", err, multiboot.ErrChecksum)
	}

	unknown := image(t, 0, multiboot.HeaderTag{Type: 42, Data: make([]byte, 4)})
	if _, err := multiboot.ParseHeader(unknown); !errors.Is(err, multiboot.ErrUnsupported) {
		t.Fatalf("unknown: got %v, want %v", err, multiboot.ErrUnsupported)
	}

	optional := image(t, 0, multiboot.HeaderTag{Type: 42, Flags: multiboot.TagOptional})
	if _, err := multiboot.ParseHeader(optional); err != nil {
		t.Fatalf("optional: got %v", err)
	}
}

func TestInfoLayout(t *testing.T) {
	t.Parallel()

	info := &multiboot.Info{}
	info.AddCmdline("xen")
	info.AddModule(0x400000, 0x500000, "dom0")
	info.AddEFI64SystemTable(0x7f000)
	info.AddBootServices()

	b, err := info.Bytes()
	if err != nil {
		t.Fatal(err)
	}

	// 8 + cmdline 16 + module 24 + systab 16 + bs 8 + end 8
	if len(b) != 80 || info.Size() != 80 {
		t.Fatalf("got %d bytes (Size %d), want 80", len(b), info.Size())
	}

	le := binary.LittleEndian

	for _, tt := range []struct {
		off  int
		typ  uint32
		size uint32
	}{
		{8, multiboot.TagCmdline, 12},
		{24, multiboot.TagModule, 21},
		{48, multiboot.TagEFI64SystemTable, 16},
		{64, multiboot.TagEFIBootServices, 8},
		{72, multiboot.TagEnd, 8},
	} {
		if typ, size := le.Uint32(b[tt.off:]), le.Uint32(b[tt.off+4:]); typ != tt.typ || size != tt.size {
			t.Fatalf("at %d: got (%d, %d), want (%d, %d)", tt.off, typ, size, tt.typ, tt.size)
		}
	}

	if le.Uint32(b[32:]) != 0x400000 || le.Uint32(b[36:]) != 0x500000 || string(b[40:45]) != "dom0\x00" {
		t.Fatalf("module tag: % x", b[24:48])
	}

	tags, err := multiboot.ParseInfo(b)
	if err != nil {
		t.Fatal(err)
	}

	if len(tags) != 4 || tags[0].CString() != "xen" || tags[3].Type != multiboot.TagEFIBootServices {
		t.Fatalf("ParseInfo: got %+v", tags)
	}

	if _, err := multiboot.ParseInfo(b[:40]); !errors.Is(err, multiboot.ErrMalformed) {
		t.Fatalf("truncated: got %v, want %v", err, multiboot.ErrMalformed)
	}
}
