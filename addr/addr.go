// Package addr defines the two address spaces the loader juggles.
//
// A Kern is an address as the kernel (or the object loader acting for it)
// asks for it. A Phys is where the bytes actually live in RAM. The staging
// area translates one into the other, and the two types never mix without
// an explicit conversion.
package addr

import "fmt"

const (
	PageShift = 12
	PageSize  = 1 << PageShift

	// SuperPageSize is the 2 MiB large page used by amd64 and arm64 tables.
	SuperPageSize = 2 << 20

	MiB = 1 << 20
	GiB = 1 << 30
)

// Phys is a physical address.
type Phys uint64

// Kern is an untranslated address requested by the kernel image.
type Kern uint64

func (p Phys) String() string {
	return fmt.Sprintf("phys:%#x", uint64(p))
}

func (k Kern) String() string {
	return fmt.Sprintf("kern:%#x", uint64(k))
}

// Add returns p advanced by n bytes.
func (p Phys) Add(n uint64) Phys { return p + Phys(n) }

// Add returns k advanced by n bytes.
func (k Kern) Add(n uint64) Kern { return k + Kern(n) }

// RoundUp rounds x up to a multiple of align, which must be a power of two.
func RoundUp(x, align uint64) uint64 {
	return (x + align - 1) &^ (align - 1)
}

// RoundDown rounds x down to a multiple of align, which must be a power of two.
func RoundDown(x, align uint64) uint64 {
	return x &^ (align - 1)
}

// Pages returns the number of pages needed to hold n bytes.
func Pages(n uint64) uint64 {
	return RoundUp(n, PageSize) >> PageShift
}

// Aligned reports whether x is a multiple of align.
func Aligned(x, align uint64) bool {
	return x&(align-1) == 0
}
