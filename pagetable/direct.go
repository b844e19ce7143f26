package pagetable

import (
	"fmt"

	"github.com/bobuhiro11/gokboot/addr"
	"github.com/bobuhiro11/gokboot/memory"
)

// DirectIdentity maps low physical memory 1:1 with 2 MiB pages.
//
// In long mode every PML4 and PDPT entry points at the same next level, so
// each 1 GiB of virtual space, the kernel's high window included, aliases
// the first 1 GiB of physical memory. With PAE set it builds the 3-level
// 32-bit layout instead, an identity map of the first 4 GiB.
type DirectIdentity struct {
	PAE bool
}

func (d DirectIdentity) Name() string {
	if d.PAE {
		return "direct-pae"
	}

	return "direct"
}

func (d DirectIdentity) ceiling() addr.Phys {
	if d.PAE {
		return TableCeiling
	}

	return DirectCeiling
}

// Pages implements Strategy. Both the staged bytes and the addresses the
// kernel runs at after a copy-down must be mapped.
func (d DirectIdentity) Pages(r Region) (int, error) {
	runEnd := uint64(r.Origin) + r.Size
	if r.End() > d.ceiling() || runEnd < uint64(r.Origin) || runEnd > uint64(d.ceiling()) {
		return 0, fmt.Errorf("%w: %v ends above %v", ErrAddressConstraint, r, d.ceiling())
	}

	if d.PAE {
		// PDPT and four page directories.
		return 5, nil
	}

	return 3, nil
}

// Populate implements Strategy.
func (d DirectIdentity) Populate(r Region, pages []addr.Phys, ram *memory.Memory) (*Set, error) {
	n, err := d.Pages(r)
	if err != nil {
		return nil, err
	}

	if len(pages) != n {
		return nil, fmt.Errorf("%s: got %d pages, want %d", d.Name(), len(pages), n)
	}

	if d.PAE {
		return d.populatePAE(pages, ram)
	}

	pml4, pdpt, pd := pages[0], pages[1], pages[2]

	for i := 0; i < Entries; i++ {
		if err := entry(ram, pml4, i, uint64(pdpt)|PDE64xPRESENT|PDE64xRW); err != nil {
			return nil, err
		}

		if err := entry(ram, pdpt, i, uint64(pd)|PDE64xPRESENT|PDE64xRW); err != nil {
			return nil, err
		}

		if err := entry(ram, pd, i, uint64(i)*addr.SuperPageSize|PDE64xPRESENT|PDE64xRW|PDE64xPS); err != nil {
			return nil, err
		}
	}

	return &Set{Root: pml4, Pages: pages, Levels: 4, Strategy: d.Name()}, nil
}

func (d DirectIdentity) populatePAE(pages []addr.Phys, ram *memory.Memory) (*Set, error) {
	pdpt := pages[0]

	for i, pd := range pages[1:] {
		// PAE PDPT entries have no RW bit.
		if err := entry(ram, pdpt, i, uint64(pd)|PDE64xPRESENT); err != nil {
			return nil, err
		}

		for j := 0; j < Entries; j++ {
			pa := (uint64(i)*Entries + uint64(j)) * addr.SuperPageSize
			if err := entry(ram, pd, j, pa|PDE64xPRESENT|PDE64xRW|PDE64xPS); err != nil {
				return nil, err
			}
		}
	}

	return &Set{Root: pdpt, Pages: pages, Levels: 3, Strategy: d.Name()}, nil
}

// HostRelocatable builds nothing: the kernel runs where it was staged on
// the tables already in use.
type HostRelocatable struct{}

func (HostRelocatable) Name() string { return "host" }

// Pages implements Strategy.
func (HostRelocatable) Pages(Region) (int, error) { return 0, nil }

// Populate implements Strategy.
func (h HostRelocatable) Populate(_ Region, pages []addr.Phys, _ *memory.Memory) (*Set, error) {
	if len(pages) != 0 {
		return nil, fmt.Errorf("%s: got %d pages, want none", h.Name(), len(pages))
	}

	return &Set{Strategy: h.Name()}, nil
}
