package memory

import (
	"errors"
	"sort"

	"github.com/bobuhiro11/gokboot/addr"
)

var errAddrSpaceOccupied = errors.New("address space occupied")

// AddressSpace is a named physical range with non-overlapping children.
// The firmware uses one per memory type to account for allocations.
type AddressSpace struct {
	Name      string
	Start     addr.Phys
	Size      uint64
	Addresses []*AddressSpace
}

func NewAddressSpace(name string, start addr.Phys, size uint64) *AddressSpace {
	return &AddressSpace{
		Name:  name,
		Start: start,
		Size:  size,
	}
}

// End returns the first address past the range.
func (a *AddressSpace) End() addr.Phys {
	return a.Start.Add(a.Size)
}

// AddAddress inserts a child range, keeping children sorted.
func (a *AddressSpace) AddAddress(child *AddressSpace) error {
	if !a.InRange(child) || !a.IsFree(child.Start, child.Size) {
		return errAddrSpaceOccupied
	}

	a.Addresses = append(a.Addresses, child)
	sort.Slice(a.Addresses, func(i, j int) bool {
		return a.Addresses[i].Start < a.Addresses[j].Start
	})

	return nil
}

// RemoveAddress drops the child that starts at start.
func (a *AddressSpace) RemoveAddress(start addr.Phys) (*AddressSpace, bool) {
	for i, c := range a.Addresses {
		if c.Start == start {
			a.Addresses = append(a.Addresses[:i], a.Addresses[i+1:]...)

			return c, true
		}
	}

	return nil, false
}

// InRange reports whether child lies completely inside a.
func (a *AddressSpace) InRange(child *AddressSpace) bool {
	return child.Start >= a.Start && child.End() <= a.End() && child.End() >= child.Start
}

// Overlaps reports whether [start, start+size) intersects a.
func (a *AddressSpace) Overlaps(start addr.Phys, size uint64) bool {
	return start < a.End() && a.Start < start.Add(size)
}

// IsFree reports whether no child intersects [start, start+size).
func (a *AddressSpace) IsFree(start addr.Phys, size uint64) bool {
	for _, c := range a.Addresses {
		if c.Overlaps(start, size) {
			return false
		}
	}

	return true
}
