package pagetable

import (
	"fmt"

	"github.com/bobuhiro11/gokboot/addr"
	"github.com/bobuhiro11/gokboot/memory"
)

const (
	// lowPDs identity map the first 4 GiB.
	lowPDs = 4
	// highPDs cover the top 2 GiB, PDPT entries 510 and 511.
	highPDs = 2

	// MaxHighPages is the number of super-pages the high window holds.
	MaxHighPages = highPDs * Entries
)

// SplitLowHigh identity maps the first 4 GiB and points the kernel's high
// window at the staging area, so the kernel runs from where it was staged.
// The kernel address k is at virtual KernBase+k.
//
// Pages are laid out as PML4, low PDPT, four low PDs, high PDPT and the two
// high PDs.
type SplitLowHigh struct{}

func (SplitLowHigh) Name() string { return "split" }

func (s SplitLowHigh) window(r Region) (first, n int, err error) {
	if !addr.Aligned(uint64(r.Base), addr.SuperPageSize) || !addr.Aligned(uint64(r.Origin), addr.SuperPageSize) {
		return 0, 0, fmt.Errorf("%w: %v is not 2 MiB aligned", ErrAddressConstraint, r)
	}

	first = int(uint64(r.Origin) / addr.SuperPageSize)
	n = int(addr.RoundUp(r.Size, addr.SuperPageSize) / addr.SuperPageSize)

	if first+n > MaxHighPages {
		return 0, 0, fmt.Errorf("%w: %v needs %d super-pages at %d, window holds %d",
			ErrUnsupportedMode, r, n, first, MaxHighPages)
	}

	return first, n, nil
}

// Pages implements Strategy.
func (s SplitLowHigh) Pages(r Region) (int, error) {
	if _, _, err := s.window(r); err != nil {
		return 0, err
	}

	return 2 + lowPDs + 1 + highPDs, nil
}

// Populate implements Strategy.
func (s SplitLowHigh) Populate(r Region, pages []addr.Phys, ram *memory.Memory) (*Set, error) {
	first, n, err := s.window(r)
	if err != nil {
		return nil, err
	}

	if want := 2 + lowPDs + 1 + highPDs; len(pages) != want {
		return nil, fmt.Errorf("%s: got %d pages, want %d", s.Name(), len(pages), want)
	}

	pml4, lowPDPT := pages[0], pages[1]
	low := pages[2 : 2+lowPDs]
	highPDPT := pages[2+lowPDs]
	high := pages[3+lowPDs:]

	const flags = PDE64xPRESENT | PDE64xRW

	if err := entry(ram, pml4, 0, uint64(lowPDPT)|flags); err != nil {
		return nil, err
	}

	if err := entry(ram, pml4, Entries-1, uint64(highPDPT)|flags); err != nil {
		return nil, err
	}

	for i, pd := range low {
		if err := entry(ram, lowPDPT, i, uint64(pd)|flags); err != nil {
			return nil, err
		}

		for j := 0; j < Entries; j++ {
			pa := (uint64(i)*Entries + uint64(j)) * addr.SuperPageSize
			if err := entry(ram, pd, j, pa|flags|PDE64xPS); err != nil {
				return nil, err
			}
		}
	}

	for i, pd := range high {
		if err := entry(ram, highPDPT, Entries-highPDs+i, uint64(pd)|flags); err != nil {
			return nil, err
		}
	}

	for i := 0; i < n; i++ {
		slot := first + i
		pa := uint64(r.Base) + uint64(i)*addr.SuperPageSize

		if err := entry(ram, high[slot/Entries], slot%Entries, pa|flags|PDE64xPS); err != nil {
			return nil, err
		}
	}

	Debug("pagetable: split: %d super-pages from %v at slot %d", n, r.Base, first)

	return &Set{Root: pml4, Pages: pages, Levels: 4, Strategy: s.Name()}, nil
}
