// Package emu is a software processor for the handoff. It interprets the
// trampoline one instruction at a time over the loader's RAM and stops at
// the jump into the kernel, recording the state the kernel would see.
package emu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"

	"github.com/bobuhiro11/gokboot/addr"
	"github.com/bobuhiro11/gokboot/handoff"
	"github.com/bobuhiro11/gokboot/machine"
	"github.com/bobuhiro11/gokboot/memory"
	"github.com/bobuhiro11/gokboot/pagetable"
	"github.com/bobuhiro11/gokboot/trampoline"
)

var (
	ErrUnsupported = errors.New("emu: unsupported instruction")
	ErrFault       = errors.New("emu: page fault")
	ErrStepLimit   = errors.New("emu: step limit reached")
)

// Debug is a normally empty function that enables debug prints.
var Debug = func(string, ...interface{}) {}

// DefaultMaxSteps bounds a run; a rep prefixed instruction is one step.
const DefaultMaxSteps = 10000

// x86 general purpose register indices, in encoding order.
const (
	RAX = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
)

// Result is the processor state at the kernel entry.
type Result struct {
	// PC is the entry as the processor addresses it, Entry is where that
	// lands in RAM.
	PC    uint64
	Entry addr.Phys
	// Regs are the general purpose registers: RAX.. for x86, X0.. for
	// arm64.
	Regs [32]uint64
	SP   uint64
	// Stack holds the three words at SP.
	Stack [3]uint64
	CR3   uint64
	Paged bool
	Steps int
	Err   error
}

func (r *Result) String() string {
	if r.Err != nil {
		return fmt.Sprintf("stopped after %d steps: %v", r.Steps, r.Err)
	}

	return fmt.Sprintf("entry %#x (%v) sp %#x stack %#x after %d steps", r.PC, r.Entry, r.SP, r.Stack, r.Steps)
}

// CPU implements handoff.Processor.
type CPU struct {
	ram  *memory.Memory
	arch trampoline.Arch

	MaxSteps int

	regs          [32]uint64
	sp            uint64
	pc            uint64
	cr0, cr3, cr4 uint64
	// tables is set once the stub has loaded its own page tables.
	tables bool
	zf     bool
	intr   bool
	df     bool
	steps  int

	done   chan struct{}
	result *Result
}

// New returns a processor in the state the firmware leaves it in: long
// mode on an identity map for amd64, flat protected mode without paging for
// i386, and EL1 with the MMU state left alone for arm64.
func New(ram *memory.Memory, arch trampoline.Arch) *CPU {
	c := &CPU{
		ram:      ram,
		arch:     arch,
		MaxSteps: DefaultMaxSteps,
		intr:     true,
		done:     make(chan struct{}),
	}

	switch arch {
	case trampoline.AMD64:
		c.cr0 = machine.CR0xPE | machine.CR0xPG
		c.cr4 = machine.CR4xPAE
	case trampoline.I386:
		c.cr0 = machine.CR0xPE
	case trampoline.ARM64:
	}

	return c
}

// Done is closed once the processor reached the kernel or stopped.
func (c *CPU) Done() <-chan struct{} {
	return c.done
}

// Result returns the final state; it is nil until Done is closed.
func (c *CPU) Result() *Result {
	select {
	case <-c.done:
		return c.result
	default:
		return nil
	}
}

// Start implements handoff.Processor. It never returns: the calling
// goroutine ends once the kernel entry is reached.
func (c *CPU) Start(s handoff.StartState) {
	defer close(c.done)

	c.pc = s.PC
	c.regs[RAX], c.regs[RBX], c.regs[RDI], c.regs[RSI] = s.RAX, s.RBX, s.RDI, s.RSI

	// The firmware's stack stands in as the end of the page holding the
	// pc; the i386 stub calls before it loads its own.
	c.regs[RSP] = addr.RoundUp(s.PC+1, addr.PageSize)
	c.sp = c.regs[RSP]

	var err error
	if s.Trampoline {
		err = c.run()
	}

	c.finish(err)

	runtime.Goexit()
}

func (c *CPU) run() error {
	for c.steps = 0; c.steps < c.MaxSteps; c.steps++ {
		var (
			entered bool
			err     error
		)

		if c.arch == trampoline.ARM64 {
			entered, err = c.stepARM64()
		} else {
			entered, err = c.stepX86()
		}

		if err != nil {
			return fmt.Errorf("at %#x: %w", c.pc, err)
		}

		if entered {
			c.steps++

			return nil
		}
	}

	return ErrStepLimit
}

func (c *CPU) word() int {
	if c.arch == trampoline.I386 {
		return 4
	}

	return 8
}

func (c *CPU) stackPointer() uint64 {
	if c.arch == trampoline.ARM64 {
		return c.sp
	}

	return c.regs[RSP]
}

func (c *CPU) finish(err error) {
	r := &Result{
		PC:    c.pc,
		Regs:  c.regs,
		SP:    c.stackPointer(),
		CR3:   c.cr3,
		Paged: c.paged(),
		Steps: c.steps,
		Err:   err,
	}

	if err == nil {
		if r.Entry, err = c.translate(c.pc); err != nil {
			r.Err = err
		}

		for i := range r.Stack {
			v, err := c.load(r.SP+uint64(i*c.word()), c.word())
			if err != nil {
				break
			}

			r.Stack[i] = v
		}
	}

	Debug("emu: %v", r)

	c.result = r
}

func (c *CPU) paged() bool {
	switch c.arch {
	case trampoline.AMD64:
		return c.tables
	case trampoline.I386:
		return c.cr0&machine.CR0xPG != 0
	}

	return false
}

// translate resolves a virtual address. Before the stub loads its own
// tables the firmware's identity map is in effect.
func (c *CPU) translate(va uint64) (addr.Phys, error) {
	var (
		p   addr.Phys
		err error
	)

	switch {
	case !c.paged():
		if c.arch == trampoline.I386 {
			va &= 0xffffffff
		}

		p = addr.Phys(va)
	case c.arch == trampoline.I386:
		if c.cr4&machine.CR4xPAE == 0 {
			return 0, fmt.Errorf("%w: 32-bit paging without PAE", ErrUnsupported)
		}

		p, err = pagetable.WalkPAE(c.ram, addr.Phys(c.cr3&^0x1f), uint32(va))
	default:
		p, err = pagetable.Walk(c.ram, addr.Phys(c.cr3&pagetable.PDE64xADDR), va)
	}

	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrFault, err)
	}

	if uint64(p) >= c.ram.Size() {
		return 0, fmt.Errorf("%w: %#x maps to %v beyond RAM", ErrFault, va, p)
	}

	return p, nil
}

// access reads or writes b at va, a page at a time.
func (c *CPU) access(va uint64, b []byte, write bool) error {
	for len(b) > 0 {
		p, err := c.translate(va)
		if err != nil {
			return err
		}

		n := addr.PageSize - va%addr.PageSize
		if n > uint64(len(b)) {
			n = uint64(len(b))
		}

		if write {
			_, err = c.ram.WriteAt(b[:n], p)
		} else {
			_, err = c.ram.ReadAt(b[:n], p)
		}

		if err != nil {
			return fmt.Errorf("%w: %v", ErrFault, err)
		}

		va += n
		b = b[n:]
	}

	return nil
}

func (c *CPU) load(va uint64, size int) (uint64, error) {
	b := make([]byte, 8)
	if err := c.access(va, b[:size], false); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(b), nil
}

func (c *CPU) store(va uint64, size int, v uint64) error {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)

	return c.access(va, b[:size], true)
}

// fetch returns up to n instruction bytes at the pc without crossing into
// the next page.
func (c *CPU) fetch(n int) ([]byte, error) {
	if left := int(addr.PageSize - c.pc%addr.PageSize); left < n {
		n = left
	}

	b := make([]byte, n)
	if err := c.access(c.pc, b, false); err != nil {
		return nil, err
	}

	return b, nil
}
