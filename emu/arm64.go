package emu

import (
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
)

// xreg returns the index of a 64-bit register; XZR is 31.
func xreg(r arm64asm.Reg) (int, bool) {
	if r >= arm64asm.X0 && r <= arm64asm.XZR {
		return int(r - arm64asm.X0), true
	}

	return 0, false
}

func (c *CPU) xget(arg arm64asm.Arg) (uint64, error) {
	switch a := arg.(type) {
	case arm64asm.Reg:
		i, ok := xreg(a)
		if !ok {
			break
		}

		if i == 31 {
			return 0, nil
		}

		return c.regs[i], nil
	case arm64asm.RegSP:
		i, ok := xreg(arm64asm.Reg(a))
		if !ok {
			break
		}

		if i == 31 {
			return c.sp, nil
		}

		return c.regs[i], nil
	}

	return 0, fmt.Errorf("%w: operand %v", ErrUnsupported, arg)
}

func (c *CPU) xset(arg arm64asm.Arg, v uint64) error {
	switch a := arg.(type) {
	case arm64asm.Reg:
		i, ok := xreg(a)
		if !ok {
			break
		}

		if i != 31 {
			c.regs[i] = v
		}

		return nil
	case arm64asm.RegSP:
		i, ok := xreg(arm64asm.Reg(a))
		if !ok {
			break
		}

		if i == 31 {
			c.sp = v
		} else {
			c.regs[i] = v
		}

		return nil
	}

	return fmt.Errorf("%w: destination %v", ErrUnsupported, arg)
}

// stepARM64 runs one instruction. It reports whether the instruction was
// the branch into the kernel.
func (c *CPU) stepARM64() (bool, error) {
	b, err := c.fetch(4)
	if err != nil {
		return false, err
	}

	inst, err := arm64asm.Decode(b)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}

	Debug("emu: %#x: %s", c.pc, arm64asm.GNUSyntax(inst))

	switch inst.Op {
	case arm64asm.LDR:
		rel, ok := inst.Args[1].(arm64asm.PCRel)
		if !ok {
			return false, fmt.Errorf("%w: %v", ErrUnsupported, inst)
		}

		v, err := c.load(c.pc+uint64(rel), 8)
		if err != nil {
			return false, err
		}

		if err := c.xset(inst.Args[0], v); err != nil {
			return false, err
		}
	case arm64asm.MOV:
		v, err := c.xget(inst.Args[1])
		if err != nil {
			return false, err
		}

		if err := c.xset(inst.Args[0], v); err != nil {
			return false, err
		}
	case arm64asm.BR:
		target, err := c.xget(inst.Args[0])
		if err != nil {
			return false, err
		}

		c.pc = target

		return true, nil
	default:
		return false, fmt.Errorf("%w: %v", ErrUnsupported, arm64asm.GNUSyntax(inst))
	}

	c.pc += 4

	return false, nil
}
