package trampoline_test

import (
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/bobuhiro11/gokboot/addr"
	"github.com/bobuhiro11/gokboot/firmware"
	"github.com/bobuhiro11/gokboot/memory"
	"github.com/bobuhiro11/gokboot/trampoline"
	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

func TestArgsLayout(t *testing.T) {
	t.Parallel()

	a := trampoline.NewArgs()
	a.Entry = 0x1111
	a.PageTableRoot = 0x2222
	a.Stack = 0x3333
	a.CopySrc = 0x4444
	a.CopyDst = 0x5555
	a.CopyLen = 0x6666
	a.ModuleP = 0x7777
	a.KernEnd = 0x8888

	b, err := a.Bytes()
	if err != nil {
		t.Fatal(err)
	}

	if len(b) != trampoline.ArgsSize {
		t.Fatalf("got %d bytes, want %d", len(b), trampoline.ArgsSize)
	}

	if string(b[:4]) != "GKBT" || binary.LittleEndian.Uint32(b[4:]) != trampoline.ArgsVersion {
		t.Fatalf("header: got % x", b[:8])
	}

	for _, tt := range []struct {
		off  int
		want uint64
	}{
		{trampoline.OffEntry, 0x1111},
		{trampoline.OffPageTableRoot, 0x2222},
		{trampoline.OffStack, 0x3333},
		{trampoline.OffCopySrc, 0x4444},
		{trampoline.OffCopyDst, 0x5555},
		{trampoline.OffCopyLen, 0x6666},
		{trampoline.OffModuleP, 0x7777},
		{trampoline.OffKernEnd, 0x8888},
	} {
		if got := binary.LittleEndian.Uint64(b[tt.off:]); got != tt.want {
			t.Fatalf("offset %#x: got %#x, want %#x", tt.off, got, tt.want)
		}
	}

	got, err := trampoline.ParseArgs(b)
	if err != nil || *got != *a {
		t.Fatalf("ParseArgs: got (%v, %v), want %v", got, err, a)
	}

	b[4] = 2
	if _, err := trampoline.ParseArgs(b); !errors.Is(err, trampoline.ErrBadArgs) {
		t.Fatalf("bad version: got %v, want %v", err, trampoline.ErrBadArgs)
	}

	b[0] = 0
	if _, err := trampoline.ParseArgs(b); !errors.Is(err, trampoline.ErrBadArgs) {
		t.Fatalf("bad magic: got %v, want %v", err, trampoline.ErrBadArgs)
	}
}

func decodeX86(t *testing.T, b *trampoline.Blob, mode int) []x86asm.Inst {
	t.Helper()

	var insts []x86asm.Inst

	for pc := 0; pc < b.ArgsOffset && b.Code[pc] != 0xcc; {
		inst, err := x86asm.Decode(b.Code[pc:b.ArgsOffset], mode)
		if err != nil {
			t.Fatalf("decode at %#x: %v", pc, err)
		}

		insts = append(insts, inst)
		pc += inst.Len
	}

	return insts
}

func ops(insts []x86asm.Inst) string {
	s := make([]string, len(insts))
	for i, in := range insts {
		s[i] = in.Op.String()
	}

	return strings.Join(s, " ")
}

func hasREP(in x86asm.Inst) bool {
	for _, p := range in.Prefix {
		if p&0xFF == x86asm.PrefixREP {
			return true
		}
	}

	return false
}

func TestAMD64Blob(t *testing.T) {
	t.Parallel()

	b, err := trampoline.For(trampoline.AMD64)
	if err != nil {
		t.Fatal(err)
	}

	if b.ArgsOffset != 56 || b.ArgsOffset%8 != 0 {
		t.Fatalf("args at %d, want 56", b.ArgsOffset)
	}

	insts := decodeX86(t, b, 64)

	want := "CLI LEA MOV MOV MOV MOV CLD MOVSB MOV TEST JE MOV MOV PUSH PUSH PUSH JMP"
	if got := ops(insts); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	lea := insts[1]
	if m, ok := lea.Args[1].(x86asm.Mem); !ok || m.Base != x86asm.RIP || int(m.Disp)+1+lea.Len != b.ArgsOffset {
		t.Fatalf("lea does not point at the argument block: %v", lea)
	}

	if !hasREP(insts[7]) {
		t.Fatalf("copy is not repeated: %v", insts[7])
	}

	if insts[11].Args[0] != x86asm.CR3 {
		t.Fatalf("got %v, want mov cr3", insts[11])
	}

	jmp := insts[len(insts)-1]
	if m, ok := jmp.Args[0].(x86asm.Mem); !ok || m.Base != x86asm.RBX || m.Disp != trampoline.OffEntry {
		t.Fatalf("got %v, want jmp [rbx+entry]", jmp)
	}
}

func TestI386Blob(t *testing.T) {
	t.Parallel()

	b, err := trampoline.For(trampoline.I386)
	if err != nil {
		t.Fatal(err)
	}

	insts := decodeX86(t, b, 32)

	want := "CLI CALL POP ADD MOV MOV MOV MOV CLD MOVSB MOV TEST JE MOV MOV OR MOV MOV OR MOV PUSH PUSH PUSH JMP"
	if got := ops(insts); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	// call pushes the address of the pop; the add moves it to the block.
	add := insts[3]
	if imm, ok := add.Args[1].(x86asm.Imm); !ok || 1+insts[1].Len+int(imm) != b.ArgsOffset {
		t.Fatalf("add does not reach the argument block: %v", add)
	}

	je := insts[12]

	pc := 0
	for _, in := range insts[:13] {
		pc += in.Len
	}

	target := pc + int(je.Args[0].(x86asm.Rel))

	end := 0
	for _, in := range insts[:20] {
		end += in.Len
	}

	if target != end {
		t.Fatalf("je lands at %#x, want %#x", target, end)
	}
}

func TestARM64Blob(t *testing.T) {
	t.Parallel()

	b, err := trampoline.For(trampoline.ARM64)
	if err != nil {
		t.Fatal(err)
	}

	if b.ArgsOffset != 24 {
		t.Fatalf("args at %d, want 24", b.ArgsOffset)
	}

	var insts []arm64asm.Inst

	for pc := 0; pc < b.ArgsOffset; pc += 4 {
		inst, err := arm64asm.Decode(b.Code[pc : pc+4])
		if err != nil {
			t.Fatalf("decode at %#x: %v", pc, err)
		}

		insts = append(insts, inst)
	}

	for _, tt := range []struct {
		i    int
		op   arm64asm.Op
		reg  arm64asm.Reg
		slot int
	}{
		{0, arm64asm.LDR, arm64asm.X4, trampoline.OffEntry},
		{1, arm64asm.LDR, arm64asm.X0, trampoline.OffModuleP},
		{3, arm64asm.LDR, arm64asm.X2, trampoline.OffStack},
	} {
		in := insts[tt.i]
		if in.Op != tt.op || in.Args[0] != tt.reg {
			t.Fatalf("insn %d: got %v", tt.i, in)
		}

		rel, ok := in.Args[1].(arm64asm.PCRel)
		if !ok || 4*tt.i+int(rel) != b.ArgsOffset+tt.slot {
			t.Fatalf("insn %d: %v does not load argument %#x", tt.i, in, tt.slot)
		}
	}

	if last := insts[5]; last.Op != arm64asm.BR || last.Args[0] != arm64asm.X4 {
		t.Fatalf("got %v, want br x4", last)
	}

	want := []uint32{0x58000104, 0x58000260, 0xaa1f03e1, 0x58000122, 0x9100005f, 0xd61f0080}
	for i, w := range want {
		if got := binary.LittleEndian.Uint32(b.Code[4*i:]); got != w {
			t.Fatalf("word %d: got %#08x, want %#08x", i, got, w)
		}
	}
}

func TestDisassemble(t *testing.T) {
	t.Parallel()

	for _, arch := range []trampoline.Arch{trampoline.AMD64, trampoline.I386, trampoline.ARM64} {
		b, err := trampoline.For(arch)
		if err != nil {
			t.Fatal(err)
		}

		lines, err := b.Disassemble()
		if err != nil {
			t.Fatalf("%v: %v", arch, err)
		}

		if len(lines) == 0 || !strings.HasPrefix(lines[0], "0000: ") {
			t.Fatalf("%v: got %q", arch, lines)
		}
	}
}

func TestParseArch(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		in   string
		want trampoline.Arch
		word int
	}{
		{"amd64", trampoline.AMD64, 8},
		{"386", trampoline.I386, 4},
		{"i386", trampoline.I386, 4},
		{"ARM64", trampoline.ARM64, 8},
	} {
		got, err := trampoline.ParseArch(tt.in)
		if err != nil || got != tt.want || got.WordSize() != tt.word {
			t.Fatalf("ParseArch(%q): got (%v, %v)", tt.in, got, err)
		}
	}

	if _, err := trampoline.ParseArch("riscv64"); !errors.Is(err, trampoline.ErrUnsupportedArch) {
		t.Fatalf("got %v, want %v", err, trampoline.ErrUnsupportedArch)
	}
}

func TestInstall(t *testing.T) {
	t.Parallel()

	ram, err := memory.New(32 << 20)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { ram.Close() })

	fw, err := firmware.NewSim(ram)
	if err != nil {
		t.Fatal(err)
	}

	b, err := trampoline.For(trampoline.AMD64)
	if err != nil {
		t.Fatal(err)
	}

	pg, err := trampoline.Install(fw, ram, b)
	if err != nil {
		t.Fatal(err)
	}

	if pg.Addr >= trampoline.Ceiling || !addr.Aligned(uint64(pg.Addr), addr.PageSize) {
		t.Fatalf("page at %v", pg.Addr)
	}

	a, err := pg.Read(ram)
	if err != nil {
		t.Fatal(err)
	}

	if a.Stack != uint64(pg.Addr)+addr.PageSize {
		t.Fatalf("stack: got %#x", a.Stack)
	}

	a.Entry = 0x200000
	if err := pg.Write(ram, a); err != nil {
		t.Fatal(err)
	}

	page, err := pg.Bytes(ram)
	if err != nil {
		t.Fatal(err)
	}

	if string(page[:len(b.Code)]) != string(b.Code) {
		t.Fatal("code not copied")
	}

	if got := binary.LittleEndian.Uint64(page[b.ArgsOffset+trampoline.OffEntry:]); got != 0x200000 {
		t.Fatalf("entry: got %#x", got)
	}

	if err := pg.Free(fw); err != nil {
		t.Fatal(err)
	}
}
