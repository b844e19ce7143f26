// Package staging owns the staging area: one contiguous, relocatable
// physical region into which the kernel and its modules are copied before
// the handoff, addressed through a single translation offset.
package staging

import (
	"errors"
	"fmt"

	"github.com/bobuhiro11/gokboot/addr"
	"github.com/bobuhiro11/gokboot/firmware"
	"github.com/bobuhiro11/gokboot/memory"
)

var (
	ErrOutOfMemory       = errors.New("staging: out of memory")
	ErrAddressConstraint = errors.New("staging: address constraint violation")
	ErrNotInitialized    = errors.New("staging: area not initialized")
	ErrOffsetUnset       = errors.New("staging: translation offset not established")
)

// Debug is a normally empty function that enables debug prints.
var Debug = func(string, ...interface{}) {}

const (
	// DefaultSlop is added to every growth request so that late metadata
	// fits without another allocation.
	DefaultSlop = 8 * addr.MiB

	// PreferredLoad is where kernels expect to be loaded when they cannot
	// relocate themselves.
	PreferredLoad = addr.Phys(2 * addr.MiB)
)

// CopyMode tells whether the staged image must be copied to its natural
// address before the kernel runs.
type CopyMode int

const (
	// CopyDown copies the staged bytes to their natural address from the
	// trampoline.
	CopyDown CopyMode = iota
	// InPlace leaves the image where it was staged.
	InPlace
)

func (m CopyMode) String() string {
	if m == InPlace {
		return "in-place"
	}

	return "copy-down"
}

// Policy constrains where the staging area may live.
type Policy struct {
	// Ceiling is the exclusive upper bound for staged bytes; 0 means
	// anywhere.
	Ceiling addr.Phys
	// Align is the alignment of the area's base; at least a page.
	Align uint64
	Slop  uint64
	Mode  CopyMode
	// AllowBackward permits growing below the current base.
	AllowBackward bool
	// ClampToHost limits the initial request to the conventional memory
	// available at PreferredLoad, for hosts that under-report usable RAM.
	ClampToHost bool
}

// OffsetState tells whether the translation offset has been fixed.
type OffsetState int

const (
	OffsetUnset OffsetState = iota
	OffsetFixed
)

type extent struct {
	start addr.Phys
	pages uint64
}

// Stats counts growth events.
type Stats struct {
	Grows       int
	Forward     int
	Backward    int
	Relocations int
}

// Context is the staging area of one boot attempt.
type Context struct {
	fw     firmware.BootServices
	ram    *memory.Memory
	policy Policy

	// [lo, end) is owned; [base, end) is committed to staging.
	lo, base, end addr.Phys
	// high is the end of the highest byte written.
	high    addr.Phys
	extents []extent

	state  OffsetState
	offset int64

	sealed bool
	stats  Stats
}

// New returns an uninitialized staging context.
func New(fw firmware.BootServices, ram *memory.Memory, p Policy) *Context {
	if p.Align < addr.PageSize {
		p.Align = addr.PageSize
	}

	return &Context{
		fw:     fw,
		ram:    ram,
		policy: p,
	}
}

func (c *Context) initialized() bool {
	return len(c.extents) > 0
}

// Init allocates an area of at least minSize bytes.
func (c *Context) Init(minSize uint64) error {
	if c.initialized() {
		return fmt.Errorf("%w: already initialized at %v", ErrAddressConstraint, c.base)
	}

	size := addr.RoundUp(addr.RoundUp(minSize, addr.PageSize), c.policy.Align)

	if c.policy.ClampToHost {
		var err error
		if size, err = c.clamp(size); err != nil {
			return err
		}
	}

	a, pages, err := c.allocAligned(size)
	if err != nil {
		return fmt.Errorf("Init(%#x): %w", size, err)
	}

	c.lo = a
	c.base = addr.Phys(addr.RoundUp(uint64(a), c.policy.Align))
	c.end = a.Add(pages * addr.PageSize)
	c.high = c.base
	c.extents = []extent{{start: a, pages: pages}}

	Debug("staging: area %v-%v (%d pages, %v)", c.base, c.end, pages, c.policy.Mode)

	return nil
}

// clamp shrinks size to what the host really has at PreferredLoad.
func (c *Context) clamp(size uint64) (uint64, error) {
	m, err := c.fw.GetMemoryMap()
	if err != nil {
		return 0, fmt.Errorf("GetMemoryMap: %w", err)
	}

	d, ok := m.Conventional(PreferredLoad)
	if !ok {
		return size, nil
	}

	avail := addr.RoundDown(uint64(d.End()-PreferredLoad), c.policy.Align)
	if avail != 0 && size > avail {
		Debug("staging: clamping %#x to %#x available at %v", size, avail, PreferredLoad)

		return avail, nil
	}

	return size, nil
}

// allocAligned allocates size bytes under the ceiling with room to align.
func (c *Context) allocAligned(size uint64) (addr.Phys, uint64, error) {
	pages := size/addr.PageSize + (c.policy.Align-addr.PageSize)/addr.PageSize

	t, limit := firmware.AllocateAnyPages, addr.Phys(0)
	if c.policy.Ceiling != 0 {
		t, limit = firmware.AllocateMaxAddress, c.policy.Ceiling-1
	}

	a, err := c.fw.AllocatePages(t, firmware.LoaderCode, pages, limit)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	}

	return a, pages, nil
}

// Translate converts a kernel address into the physical address where its
// bytes are staged. The result is valid until the next growth.
func (c *Context) Translate(k addr.Kern) (addr.Phys, error) {
	if c.state == OffsetUnset {
		return 0, ErrOffsetUnset
	}

	return addr.Phys(int64(k) + c.offset), nil
}

// Natural converts a staged physical address back to the kernel address.
func (c *Context) Natural(p addr.Phys) (addr.Kern, error) {
	if c.state == OffsetUnset {
		return 0, ErrOffsetUnset
	}

	return addr.Kern(int64(p) - c.offset), nil
}

// Offset returns the translation offset and whether it is fixed.
func (c *Context) Offset() (int64, OffsetState) {
	return c.offset, c.state
}

// Base returns the first committed physical address.
func (c *Context) Base() addr.Phys { return c.base }

// End returns the end of the committed extent.
func (c *Context) End() addr.Phys { return c.end }

// High returns the end of the highest staged byte.
func (c *Context) High() addr.Phys { return c.high }

// Policy returns the policy the area was created with.
func (c *Context) Policy() Policy { return c.policy }

// Stats returns the growth counters.
func (c *Context) Stats() Stats { return c.stats }

// Memory returns the RAM behind the area.
func (c *Context) Memory() *memory.Memory { return c.ram }

// SealFirmware records that boot services are gone; from now on the area
// can no longer grow.
func (c *Context) SealFirmware() {
	c.sealed = true
}

// Sealed reports whether SealFirmware was called.
func (c *Context) Sealed() bool { return c.sealed }

// Free releases the area. It is used on the abort path only; a successful
// boot hands the area to the kernel.
func (c *Context) Free() error {
	if c.sealed {
		return fmt.Errorf("%w: boot services already exited", ErrAddressConstraint)
	}

	var first error

	for _, e := range c.extents {
		if err := c.fw.FreePages(e.start, e.pages); err != nil && first == nil {
			first = fmt.Errorf("FreePages(%v): %w", e.start, err)
		}
	}

	*c = Context{fw: c.fw, ram: c.ram, policy: c.policy}

	return first
}
