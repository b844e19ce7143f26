// Package pagetable builds the page tables that bridge the loader's
// identity mapped world to the address layout the kernel expects at entry.
package pagetable

import (
	"errors"
	"fmt"

	"github.com/bobuhiro11/gokboot/addr"
	"github.com/bobuhiro11/gokboot/firmware"
	"github.com/bobuhiro11/gokboot/memory"
)

var (
	ErrUnsupportedMode   = errors.New("pagetable: unsupported mode")
	ErrAddressConstraint = errors.New("pagetable: address constraint violation")
	ErrNotMapped         = errors.New("pagetable: address not mapped")
)

// Debug is a normally empty function that enables debug prints.
var Debug = func(string, ...interface{}) {}

const (
	// golangci-lint is completely wrong about these names.
	// golang style requires all letters in an acronym to be caps.

	// 64-bit page * entry bits.
	PDE64xPRESENT  = 1
	PDE64xRW       = (1 << 1)
	PDE64xUSER     = (1 << 2)
	PDE64xACCESSED = (1 << 5)
	PDE64xDIRTY    = (1 << 6)
	PDE64xPS       = (1 << 7)
	PDE64xG        = (1 << 8)

	// PDE64xADDR masks the physical address of an entry.
	PDE64xADDR = 0x000f_ffff_ffff_f000

	Entries   = 512
	EntrySize = 8

	// KernBase is the virtual base of the kernel's high window.
	KernBase = 0xffff_ffff_8000_0000

	// TableCeiling bounds the table pages so that 32-bit code can load
	// the root.
	TableCeiling = addr.Phys(4 * addr.GiB)
	// DirectCeiling is the extent identity mapped by DirectIdentity.
	DirectCeiling = addr.Phys(addr.GiB)
)

// Region is the staged image a strategy maps.
type Region struct {
	// Base is the physical address of the staging area.
	Base addr.Phys
	// Origin is the kernel address staged at Base.
	Origin addr.Kern
	// Size is the number of staged bytes from Base.
	Size uint64
}

// End returns the first physical address past the staged bytes.
func (r Region) End() addr.Phys {
	return r.Base.Add(r.Size)
}

func (r Region) String() string {
	return fmt.Sprintf("%v (%v) size %#x", r.Base, r.Origin, r.Size)
}

// Set is a built page-table hierarchy.
type Set struct {
	// Root is the value loaded into the page-table base register; zero
	// when the firmware's tables stay in use.
	Root     addr.Phys
	Pages    []addr.Phys
	Levels   int
	Strategy string
}

// Strategy lays out the page tables for one way of entering the kernel.
type Strategy interface {
	Name() string
	// Pages validates r and returns the number of table pages needed.
	Pages(r Region) (int, error)
	// Populate fills pages, which are zeroed, and returns the set.
	Populate(r Region, pages []addr.Phys, ram *memory.Memory) (*Set, error)
}

// Resolve returns the strategy to build for r and its page count. A
// SplitLowHigh that cannot map r is replaced by DirectIdentity only when
// allowFallback is set.
func Resolve(s Strategy, r Region, allowFallback bool) (Strategy, int, error) {
	n, err := s.Pages(r)
	if err == nil {
		return s, n, nil
	}

	if _, split := s.(SplitLowHigh); !split || !allowFallback || !errors.Is(err, ErrUnsupportedMode) {
		return nil, 0, fmt.Errorf("%s: %w", s.Name(), err)
	}

	Debug("pagetable: %s: %v, falling back to direct", s.Name(), err)

	d := DirectIdentity{}

	n, derr := d.Pages(r)
	if derr != nil {
		return nil, 0, fmt.Errorf("%s: %w (fallback %s: %v)", s.Name(), err, d.Name(), derr)
	}

	return d, n, nil
}

// Allocate reserves n contiguous zeroed table pages below TableCeiling.
func Allocate(fw firmware.BootServices, ram *memory.Memory, n int) ([]addr.Phys, error) {
	if n == 0 {
		return nil, nil
	}

	p, err := fw.AllocatePages(firmware.AllocateMaxAddress, firmware.LoaderData, uint64(n), TableCeiling-1)
	if err != nil {
		return nil, fmt.Errorf("Allocate(%d table pages): %w", n, err)
	}

	if err := ram.Zero(p, uint64(n)*addr.PageSize); err != nil {
		return nil, err
	}

	pages := make([]addr.Phys, n)
	for i := range pages {
		pages[i] = p.Add(uint64(i) * addr.PageSize)
	}

	return pages, nil
}

// Free releases pages obtained from Allocate.
func Free(fw firmware.BootServices, pages []addr.Phys) error {
	if len(pages) == 0 {
		return nil
	}

	return fw.FreePages(pages[0], uint64(len(pages)))
}

func entry(ram *memory.Memory, table addr.Phys, i int, v uint64) error {
	return ram.WriteWord(table.Add(uint64(i)*EntrySize), v)
}
