package staging

import (
	"fmt"
	"io"

	"github.com/bobuhiro11/gokboot/addr"
)

// place fixes the offset on first use, grows the area so that n bytes fit
// at dest and returns their physical address.
func (c *Context) place(dest addr.Kern, n uint64) (addr.Phys, error) {
	if !c.initialized() {
		return 0, ErrNotInitialized
	}

	if c.state == OffsetUnset {
		c.offset = int64(c.base) - int64(dest)
		c.state = OffsetFixed

		Debug("staging: offset fixed at %#x (%v -> %v)", c.offset, dest, c.base)
	}

	p, _ := c.Translate(dest)
	if int64(p) < int64(c.base) {
		return 0, fmt.Errorf("%w: %v translates to %v below base %v", ErrAddressConstraint, dest, p, c.base)
	}

	if err := c.grow(p.Add(n)); err != nil {
		return 0, err
	}

	// Growth may have moved the area.
	p, _ = c.Translate(dest)
	if p.Add(n) > c.end {
		return 0, fmt.Errorf("%w: %v+%#x beyond %v", ErrAddressConstraint, p, n, c.end)
	}

	return p, nil
}

func (c *Context) wrote(p addr.Phys, n uint64) {
	if end := p.Add(n); end > c.high {
		c.high = end
	}
}

// CopyIn stages src at the kernel address dest.
func (c *Context) CopyIn(src []byte, dest addr.Kern) (int, error) {
	p, err := c.place(dest, uint64(len(src)))
	if err != nil {
		return 0, fmt.Errorf("CopyIn(%v, %#x): %w", dest, len(src), err)
	}

	n, err := c.ram.WriteAt(src, p)
	if err != nil {
		return n, fmt.Errorf("CopyIn(%v, %#x): %w", dest, len(src), err)
	}

	c.wrote(p, uint64(n))

	return n, nil
}

// Zero stages n zero bytes at dest.
func (c *Context) Zero(dest addr.Kern, n uint64) error {
	p, err := c.place(dest, n)
	if err != nil {
		return fmt.Errorf("Zero(%v, %#x): %w", dest, n, err)
	}

	if err := c.ram.Zero(p, n); err != nil {
		return err
	}

	c.wrote(p, n)

	return nil
}

// CopyOut reads len(dst) staged bytes at src.
func (c *Context) CopyOut(src addr.Kern, dst []byte) (int, error) {
	p, err := c.Translate(src)
	if err != nil {
		return 0, err
	}

	if int64(p) < int64(c.base) || p.Add(uint64(len(dst))) > c.end {
		return 0, fmt.Errorf("%w: CopyOut(%v, %#x) outside %v-%v", ErrAddressConstraint, src, len(dst), c.base, c.end)
	}

	return c.ram.ReadAt(dst, p)
}

// ReadIn streams n bytes from r directly into the area at dest.
func (c *Context) ReadIn(r io.Reader, dest addr.Kern, n uint64) (int64, error) {
	p, err := c.place(dest, n)
	if err != nil {
		return 0, fmt.Errorf("ReadIn(%v, %#x): %w", dest, n, err)
	}

	buf, err := c.ram.Slice(p, n)
	if err != nil {
		return 0, err
	}

	got, err := io.ReadFull(r, buf)
	c.wrote(p, uint64(got))

	if err != nil {
		return int64(got), fmt.Errorf("ReadIn(%v, %#x): %w", dest, n, err)
	}

	return int64(got), nil
}

// CopyDown returns the copy the trampoline has to perform before entering
// the kernel. n is zero when the image runs in place.
func (c *Context) CopyDown() (src, dst addr.Phys, n uint64, err error) {
	if c.policy.Mode == InPlace || c.state == OffsetUnset || c.high <= c.base {
		return 0, 0, 0, nil
	}

	src = c.base
	dst = addr.Phys(int64(c.base) - c.offset)
	n = uint64(c.high - c.base)

	if dst > src && dst < src.Add(n) {
		return 0, 0, 0, fmt.Errorf("%w: copy-down %v -> %v overlaps upward", ErrAddressConstraint, src, dst)
	}

	if uint64(dst)+n > c.ram.Size() {
		return 0, 0, 0, fmt.Errorf("%w: copy-down to %v+%#x beyond RAM", ErrAddressConstraint, dst, n)
	}

	return src, dst, n, nil
}

// Finish performs the copy-down in place of the trampoline. It is a no-op
// for images that run where they were staged.
func (c *Context) Finish() error {
	src, dst, n, err := c.CopyDown()
	if err != nil || n == 0 || src == dst {
		return err
	}

	Debug("staging: copy-down %v -> %v (%#x bytes)", src, dst, n)

	return c.ram.Move(dst, src, n)
}
