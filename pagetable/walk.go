package pagetable

import (
	"fmt"

	"github.com/bobuhiro11/gokboot/addr"
	"github.com/bobuhiro11/gokboot/memory"
)

// Walk resolves va through the 4-level tables rooted at root.
func Walk(ram *memory.Memory, root addr.Phys, va uint64) (addr.Phys, error) {
	table := root

	for level := 3; level >= 0; level-- {
		shift := 12 + 9*uint(level)
		i := (va >> shift) & (Entries - 1)

		e, err := ram.ReadWord(table.Add(i * EntrySize))
		if err != nil {
			return 0, err
		}

		if e&PDE64xPRESENT == 0 {
			return 0, fmt.Errorf("%w: %#x (level %d entry %d)", ErrNotMapped, va, level+1, i)
		}

		next := addr.Phys(e & PDE64xADDR)

		// Large pages exist at the PDPT (1 GiB) and PD (2 MiB) levels.
		if level == 0 || (level < 3 && e&PDE64xPS != 0) {
			mask := uint64(1)<<shift - 1

			return next&^addr.Phys(mask) | addr.Phys(va&mask), nil
		}

		table = next
	}

	return 0, fmt.Errorf("%w: %#x", ErrNotMapped, va)
}

// WalkPAE resolves a 32-bit va through 3-level PAE tables rooted at pdpt.
func WalkPAE(ram *memory.Memory, pdpt addr.Phys, va uint32) (addr.Phys, error) {
	e, err := ram.ReadWord(pdpt.Add(uint64(va>>30) * EntrySize))
	if err != nil {
		return 0, err
	}

	if e&PDE64xPRESENT == 0 {
		return 0, fmt.Errorf("%w: %#x (pdpt)", ErrNotMapped, va)
	}

	pd := addr.Phys(e & PDE64xADDR)

	e, err = ram.ReadWord(pd.Add(uint64(va>>21&(Entries-1)) * EntrySize))
	if err != nil {
		return 0, err
	}

	if e&PDE64xPRESENT == 0 || e&PDE64xPS == 0 {
		return 0, fmt.Errorf("%w: %#x (pd)", ErrNotMapped, va)
	}

	return addr.Phys(e&PDE64xADDR&^(addr.SuperPageSize-1)) | addr.Phys(va&(addr.SuperPageSize-1)), nil
}
