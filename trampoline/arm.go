package trampoline

import "encoding/binary"

// arm64 registers used by the stub.
const (
	x0 = 0
	x1 = 1
	x2 = 2
	x4 = 4
)

const arm64Insns = 6

// ldrLiteral encodes "ldr xt, label" for a literal off bytes ahead of pc.
func ldrLiteral(rt uint32, pc, off int) uint32 {
	imm19 := uint32((off-pc)/4) & 0x7ffff

	return 0x58000000 | imm19<<5 | rt
}

// arm64Code enters the kernel with x0 = modulep and x1 = 0, the way the
// kernel's booti entry expects. The image runs where it was staged and the
// MMU state is left to the kernel. The literal pool is the argument block.
//
//	0:  ldr x4, entry
//	4:  ldr x0, modulep
//	8:  mov x1, xzr
//	c:  ldr x2, stack
//	10: mov sp, x2
//	14: br  x4
func arm64Code() []byte {
	args := arm64Insns * 4

	insns := []uint32{
		ldrLiteral(x4, 0x0, args+OffEntry),
		ldrLiteral(x0, 0x4, args+OffModuleP),
		0xaa1f03e0 | x1, // orr x1, xzr, xzr
		ldrLiteral(x2, 0xc, args+OffStack),
		0x91000000 | x2<<5 | 31, // add sp, x2, #0
		0xd61f0000 | x4<<5,      // br x4
	}

	b := make([]byte, 4*len(insns))
	for i, in := range insns {
		binary.LittleEndian.PutUint32(b[4*i:], in)
	}

	return b
}
