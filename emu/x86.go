package emu

import (
	"fmt"

	"github.com/bobuhiro11/gokboot/addr"
	"github.com/bobuhiro11/gokboot/machine"
	"github.com/bobuhiro11/gokboot/trampoline"
	"golang.org/x/arch/x86/x86asm"
)

// gpr returns the register index and width in bytes of a general purpose
// register.
func gpr(r x86asm.Reg) (int, int, bool) {
	switch {
	case r >= x86asm.RAX && r <= x86asm.R15:
		return int(r - x86asm.RAX), 8, true
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return int(r - x86asm.EAX), 4, true
	}

	return 0, 0, false
}

func mask(v uint64, size int) uint64 {
	if size >= 8 {
		return v
	}

	return v & (1<<(8*uint(size)) - 1)
}

func (c *CPU) mode() int {
	if c.arch == trampoline.I386 {
		return 32
	}

	return 64
}

func (c *CPU) reg(r x86asm.Reg) (uint64, error) {
	if i, size, ok := gpr(r); ok {
		return mask(c.regs[i], size), nil
	}

	switch r {
	case x86asm.CR0:
		return c.cr0, nil
	case x86asm.CR3:
		return c.cr3, nil
	case x86asm.CR4:
		return c.cr4, nil
	}

	return 0, fmt.Errorf("%w: register %v", ErrUnsupported, r)
}

func (c *CPU) setReg(r x86asm.Reg, v uint64) error {
	if i, size, ok := gpr(r); ok {
		// 32-bit writes zero the upper half.
		c.regs[i] = mask(v, size)

		return nil
	}

	switch r {
	case x86asm.CR0:
		if v&machine.CR0xPG != 0 && c.arch == trampoline.I386 && c.cr4&machine.CR4xPAE == 0 {
			return fmt.Errorf("%w: paging without PAE", ErrUnsupported)
		}

		c.cr0 = v
	case x86asm.CR3:
		c.cr3 = v
		if c.arch != trampoline.I386 {
			c.tables = true
		}
	case x86asm.CR4:
		c.cr4 = v
	default:
		return fmt.Errorf("%w: register %v", ErrUnsupported, r)
	}

	Debug("emu: %v = %#x", r, v)

	return nil
}

// effective computes a memory operand's address; next is the address of
// the following instruction.
func (c *CPU) effective(m x86asm.Mem, next uint64) (uint64, error) {
	var a uint64

	switch m.Base {
	case 0:
	case x86asm.RIP, x86asm.EIP:
		a = next
	default:
		v, err := c.reg(m.Base)
		if err != nil {
			return 0, err
		}

		a = v
	}

	if m.Index != 0 {
		v, err := c.reg(m.Index)
		if err != nil {
			return 0, err
		}

		a += v * uint64(m.Scale)
	}

	a += uint64(m.Disp)

	if c.arch == trampoline.I386 {
		a &= 0xffffffff
	}

	return a, nil
}

// operand reads a register, immediate or memory operand of size bytes.
func (c *CPU) operand(arg x86asm.Arg, size int, next uint64) (uint64, error) {
	switch a := arg.(type) {
	case x86asm.Reg:
		return c.reg(a)
	case x86asm.Imm:
		return mask(uint64(a), size), nil
	case x86asm.Mem:
		ea, err := c.effective(a, next)
		if err != nil {
			return 0, err
		}

		return c.load(ea, size)
	}

	return 0, fmt.Errorf("%w: operand %v", ErrUnsupported, arg)
}

func (c *CPU) setOperand(arg x86asm.Arg, size int, v uint64, next uint64) error {
	switch a := arg.(type) {
	case x86asm.Reg:
		return c.setReg(a, v)
	case x86asm.Mem:
		ea, err := c.effective(a, next)
		if err != nil {
			return err
		}

		return c.store(ea, size, v)
	}

	return fmt.Errorf("%w: destination %v", ErrUnsupported, arg)
}

// size returns the width of an instruction's first operand.
func (c *CPU) size(inst x86asm.Inst) int {
	if r, ok := inst.Args[0].(x86asm.Reg); ok {
		if _, size, ok := gpr(r); ok {
			return size
		}

		return c.word()
	}

	if inst.MemBytes > 0 {
		return inst.MemBytes
	}

	return inst.DataSize / 8
}

func (c *CPU) push(v uint64) error {
	sp := mask(c.regs[RSP]-uint64(c.word()), c.word())
	if err := c.store(sp, c.word(), v); err != nil {
		return err
	}

	c.regs[RSP] = sp

	return nil
}

func (c *CPU) pop() (uint64, error) {
	v, err := c.load(c.regs[RSP], c.word())
	if err != nil {
		return 0, err
	}

	c.regs[RSP] = mask(c.regs[RSP]+uint64(c.word()), c.word())

	return v, nil
}

func rep(inst x86asm.Inst) bool {
	for _, p := range inst.Prefix {
		if p == 0 {
			break
		}

		if p&0xFF == x86asm.PrefixREP {
			return true
		}
	}

	return false
}

// movs runs a forward rep movsb a page at a time.
func (c *CPU) movs(size int) error {
	if c.df {
		return fmt.Errorf("%w: backward string copy", ErrUnsupported)
	}

	for mask(c.regs[RCX], size) > 0 {
		src, dst, n := c.regs[RSI], c.regs[RDI], mask(c.regs[RCX], size)

		for _, va := range []uint64{src, dst} {
			if left := addr.PageSize - va%addr.PageSize; left < n {
				n = left
			}
		}

		ps, err := c.translate(src)
		if err != nil {
			return err
		}

		pd, err := c.translate(dst)
		if err != nil {
			return err
		}

		if err := c.ram.Move(pd, ps, n); err != nil {
			return fmt.Errorf("%w: %v", ErrFault, err)
		}

		c.regs[RSI] = mask(src+n, size)
		c.regs[RDI] = mask(dst+n, size)
		c.regs[RCX] = mask(c.regs[RCX]-n, size)
	}

	return nil
}

// stepX86 runs one instruction. It reports whether the instruction was the
// jump into the kernel.
func (c *CPU) stepX86() (bool, error) {
	b, err := c.fetch(15)
	if err != nil {
		return false, err
	}

	inst, err := x86asm.Decode(b, c.mode())
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}

	Debug("emu: %#x: %s", c.pc, x86asm.IntelSyntax(inst, c.pc, nil))

	next := c.pc + uint64(inst.Len)

	switch inst.Op {
	case x86asm.CLI:
		c.intr = false
	case x86asm.CLD:
		c.df = false
	case x86asm.LEA:
		m, ok := inst.Args[1].(x86asm.Mem)
		if !ok {
			return false, fmt.Errorf("%w: %v", ErrUnsupported, inst)
		}

		ea, err := c.effective(m, next)
		if err != nil {
			return false, err
		}

		if err := c.setOperand(inst.Args[0], c.size(inst), ea, next); err != nil {
			return false, err
		}
	case x86asm.MOV:
		size := c.size(inst)

		v, err := c.operand(inst.Args[1], size, next)
		if err != nil {
			return false, err
		}

		if err := c.setOperand(inst.Args[0], size, v, next); err != nil {
			return false, err
		}
	case x86asm.ADD, x86asm.OR:
		size := c.size(inst)

		x, err := c.operand(inst.Args[0], size, next)
		if err != nil {
			return false, err
		}

		y, err := c.operand(inst.Args[1], size, next)
		if err != nil {
			return false, err
		}

		if inst.Op == x86asm.ADD {
			x += y
		} else {
			x |= y
		}

		c.zf = mask(x, size) == 0

		if err := c.setOperand(inst.Args[0], size, x, next); err != nil {
			return false, err
		}
	case x86asm.TEST:
		size := c.size(inst)

		x, err := c.operand(inst.Args[0], size, next)
		if err != nil {
			return false, err
		}

		y, err := c.operand(inst.Args[1], size, next)
		if err != nil {
			return false, err
		}

		c.zf = x&y == 0
	case x86asm.JE:
		if c.zf {
			return false, c.branch(inst, next)
		}
	case x86asm.CALL:
		if err := c.push(next); err != nil {
			return false, err
		}

		return false, c.branch(inst, next)
	case x86asm.PUSH:
		v, err := c.operand(inst.Args[0], c.word(), next)
		if err != nil {
			return false, err
		}

		if err := c.push(v); err != nil {
			return false, err
		}
	case x86asm.POP:
		v, err := c.pop()
		if err != nil {
			return false, err
		}

		if err := c.setOperand(inst.Args[0], c.word(), v, next); err != nil {
			return false, err
		}
	case x86asm.MOVSB:
		if !rep(inst) {
			return false, fmt.Errorf("%w: %v", ErrUnsupported, inst)
		}

		if err := c.movs(inst.AddrSize / 8); err != nil {
			return false, err
		}
	case x86asm.JMP:
		if _, ok := inst.Args[0].(x86asm.Rel); ok {
			return false, c.branch(inst, next)
		}

		// An indirect jump leaves the stub.
		target, err := c.operand(inst.Args[0], c.word(), next)
		if err != nil {
			return false, err
		}

		c.pc = target

		return true, nil
	default:
		return false, fmt.Errorf("%w: %v", ErrUnsupported, x86asm.IntelSyntax(inst, c.pc, nil))
	}

	c.pc = next

	return false, nil
}

func (c *CPU) branch(inst x86asm.Inst, next uint64) error {
	rel, ok := inst.Args[0].(x86asm.Rel)
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnsupported, inst)
	}

	c.pc = mask(next+uint64(int64(rel)), c.word())

	return nil
}
