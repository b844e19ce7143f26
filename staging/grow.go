package staging

import (
	"fmt"

	"github.com/bobuhiro11/gokboot/addr"
	"github.com/bobuhiro11/gokboot/firmware"
)

// EnsureCapacity makes sure the staged range up to the kernel address end
// is committed. Every address translated before the call must be
// translated again afterwards.
func (c *Context) EnsureCapacity(end addr.Kern) error {
	if !c.initialized() {
		return ErrNotInitialized
	}

	p, err := c.Translate(end)
	if err != nil {
		return err
	}

	return c.grow(p)
}

// grow extends the area so that need plus the slop is committed. It tries,
// in order, to extend forward, to extend backward and to relocate.
func (c *Context) grow(need addr.Phys) error {
	raw := need

	need = addr.Phys(addr.RoundUp(uint64(need)+c.policy.Slop, addr.PageSize))
	if need <= c.end {
		return nil
	}

	// Without boot services the slop is all there is.
	if c.sealed {
		if raw <= c.end {
			return nil
		}

		panic(fmt.Sprintf("staging: cannot grow to %v after boot services were exited", raw))
	}

	c.stats.Grows++

	if c.forward(need) {
		c.stats.Forward++

		return nil
	}

	if c.backward(uint64(need - c.end)) {
		c.stats.Backward++

		return nil
	}

	if err := c.relocate(need); err != nil {
		return fmt.Errorf("grow to %v: %w", need, err)
	}

	c.stats.Relocations++

	return nil
}

func (c *Context) forward(need addr.Phys) bool {
	if c.policy.Ceiling != 0 && need > c.policy.Ceiling {
		return false
	}

	pages := uint64(need-c.end) / addr.PageSize

	a, err := c.fw.AllocatePages(firmware.AllocateAddress, firmware.LoaderCode, pages, c.end)
	if err != nil {
		Debug("staging: forward %v+%d pages: %v", c.end, pages, err)

		return false
	}

	c.extents = append(c.extents, extent{start: a, pages: pages})
	c.end = need

	Debug("staging: grew forward to %v", c.end)

	return true
}

func (c *Context) backward(delta uint64) bool {
	if !c.policy.AllowBackward {
		return false
	}

	shift := addr.RoundUp(delta, c.policy.Align)
	if shift > uint64(c.base) {
		return false
	}

	newBase := c.base - addr.Phys(shift)

	if newBase < c.lo {
		pages := uint64(c.lo-newBase) / addr.PageSize

		a, err := c.fw.AllocatePages(firmware.AllocateAddress, firmware.LoaderCode, pages, newBase)
		if err != nil {
			Debug("staging: backward %v+%d pages: %v", newBase, pages, err)

			return false
		}

		c.extents = append(c.extents, extent{start: a, pages: pages})
		c.lo = newBase
	}

	if c.high > c.base {
		if err := c.ram.Move(newBase, c.base, uint64(c.high-c.base)); err != nil {
			panic(fmt.Sprintf("staging: sliding area down: %v", err))
		}
	}

	c.high -= addr.Phys(shift)
	c.offset -= int64(shift)
	c.base = newBase

	Debug("staging: grew backward to %v (offset %#x)", c.base, c.offset)

	return true
}

func (c *Context) relocate(need addr.Phys) error {
	size := uint64(need - c.base)

	a, pages, err := c.allocAligned(size)
	if err != nil {
		return err
	}

	newBase := addr.Phys(addr.RoundUp(uint64(a), c.policy.Align))

	if c.high > c.base {
		if err := c.ram.Move(newBase, c.base, uint64(c.high-c.base)); err != nil {
			c.fw.FreePages(a, pages) //nolint:errcheck

			return fmt.Errorf("%w: %v", ErrOutOfMemory, err)
		}
	}

	for _, e := range c.extents {
		if err := c.fw.FreePages(e.start, e.pages); err != nil {
			Debug("staging: releasing %v: %v", e.start, err)
		}
	}

	delta := int64(newBase) - int64(c.base)

	c.offset += delta
	c.high = addr.Phys(int64(c.high) + delta)
	c.lo = a
	c.base = newBase
	c.end = a.Add(pages * addr.PageSize)
	c.extents = []extent{{start: a, pages: pages}}

	Debug("staging: relocated to %v-%v (offset %#x)", c.base, c.end, c.offset)

	return nil
}
