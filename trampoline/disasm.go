package trampoline

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

// Disassemble returns the stub's instructions, one per line, with their
// offsets. Padding is not included.
func (b *Blob) Disassemble() ([]string, error) {
	var lines []string

	switch b.Arch {
	case AMD64, I386:
		mode := 64
		if b.Arch == I386 {
			mode = 32
		}

		for pc := 0; pc < b.ArgsOffset && b.Code[pc] != 0xcc; {
			inst, err := x86asm.Decode(b.Code[pc:b.ArgsOffset], mode)
			if err != nil {
				return lines, fmt.Errorf("Decode at %#x: %w", pc, err)
			}

			lines = append(lines, fmt.Sprintf("%04x: %s", pc, x86asm.IntelSyntax(inst, uint64(pc), nil)))
			pc += inst.Len
		}
	case ARM64:
		for pc := 0; pc+4 <= b.ArgsOffset; pc += 4 {
			inst, err := arm64asm.Decode(b.Code[pc : pc+4])
			if err != nil {
				return lines, fmt.Errorf("Decode at %#x (%#08x): %w", pc, binary.LittleEndian.Uint32(b.Code[pc:]), err)
			}

			lines = append(lines, fmt.Sprintf("%04x: %s", pc, arm64asm.GNUSyntax(inst)))
		}
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedArch, b.Arch)
	}

	return lines, nil
}
