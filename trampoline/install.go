package trampoline

import (
	"fmt"

	"github.com/bobuhiro11/gokboot/addr"
	"github.com/bobuhiro11/gokboot/firmware"
	"github.com/bobuhiro11/gokboot/memory"
)

// Ceiling keeps the stub inside the identity map of every page-table
// strategy.
const Ceiling = addr.Phys(addr.GiB)

// Page is a stub copied into its own page. The rest of the page is the
// stack.
type Page struct {
	Addr addr.Phys
	Blob *Blob
}

// Install copies b into a fresh page below Ceiling. Its argument block
// only has the header and the stack set until Write is called.
func Install(fw firmware.BootServices, ram *memory.Memory, b *Blob) (*Page, error) {
	p, err := fw.AllocatePages(firmware.AllocateMaxAddress, firmware.LoaderCode, 1, Ceiling-1)
	if err != nil {
		return nil, fmt.Errorf("Install(%v): %w", b.Arch, err)
	}

	pg := &Page{Addr: p, Blob: b}

	if err := ram.Zero(p, addr.PageSize); err != nil {
		return nil, err
	}

	a := NewArgs()
	a.Stack = uint64(pg.Stack())

	if err := pg.Write(ram, a); err != nil {
		return nil, err
	}

	return pg, nil
}

// Entry returns the address to start the stub at.
func (pg *Page) Entry() addr.Phys {
	return pg.Addr
}

// ArgsAddr returns the address of the argument block.
func (pg *Page) ArgsAddr() addr.Phys {
	return pg.Addr.Add(uint64(pg.Blob.ArgsOffset))
}

// Stack returns the initial stack pointer, the end of the page.
func (pg *Page) Stack() addr.Phys {
	return pg.Addr.Add(addr.PageSize)
}

// Write stores the stub and a into the page.
func (pg *Page) Write(ram *memory.Memory, a *Args) error {
	img, err := pg.Blob.Image(a)
	if err != nil {
		return err
	}

	if _, err := ram.WriteAt(img, pg.Addr); err != nil {
		return fmt.Errorf("Write(%v): %w", pg.Addr, err)
	}

	return nil
}

// Read returns the argument block as currently stored.
func (pg *Page) Read(ram *memory.Memory) (*Args, error) {
	b := make([]byte, ArgsSize)
	if _, err := ram.ReadAt(b, pg.ArgsAddr()); err != nil {
		return nil, err
	}

	return ParseArgs(b)
}

// Bytes returns the whole page.
func (pg *Page) Bytes(ram *memory.Memory) ([]byte, error) {
	b := make([]byte, addr.PageSize)
	if _, err := ram.ReadAt(b, pg.Addr); err != nil {
		return nil, err
	}

	return b, nil
}

// Free releases the page.
func (pg *Page) Free(fw firmware.BootServices) error {
	return fw.FreePages(pg.Addr, 1)
}
