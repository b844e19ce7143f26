package addr_test

import (
	"testing"

	"github.com/bobuhiro11/gokboot/addr"
)

func TestRound(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name  string
		x     uint64
		align uint64
		up    uint64
		down  uint64
	}{
		{name: "zero", x: 0, align: addr.PageSize, up: 0, down: 0},
		{name: "one", x: 1, align: addr.PageSize, up: 0x1000, down: 0},
		{name: "exact", x: 0x2000, align: addr.PageSize, up: 0x2000, down: 0x2000},
		{name: "super page", x: 0x200001, align: addr.SuperPageSize, up: 0x400000, down: 0x200000},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := addr.RoundUp(tt.x, tt.align); got != tt.up {
				t.Fatalf("RoundUp(%#x, %#x): got %#x, want %#x", tt.x, tt.align, got, tt.up)
			}

			if got := addr.RoundDown(tt.x, tt.align); got != tt.down {
				t.Fatalf("RoundDown(%#x, %#x): got %#x, want %#x", tt.x, tt.align, got, tt.down)
			}
		})
	}
}

func TestPages(t *testing.T) {
	t.Parallel()

	if got := addr.Pages(1); got != 1 {
		t.Fatalf("Pages(1): got %d, want 1", got)
	}

	if got := addr.Pages(addr.PageSize + 1); got != 2 {
		t.Fatalf("Pages(PageSize+1): got %d, want 2", got)
	}
}

func TestString(t *testing.T) {
	t.Parallel()

	if s := addr.Phys(0x1000).String(); s != "phys:0x1000" {
		t.Fatalf("got %q", s)
	}

	if s := addr.Kern(0x200000).Add(0x10).String(); s != "kern:0x200010" {
		t.Fatalf("got %q", s)
	}
}
