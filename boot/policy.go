package boot

import (
	"errors"
	"fmt"

	"github.com/bobuhiro11/gokboot/addr"
	"github.com/bobuhiro11/gokboot/elfload"
	"github.com/bobuhiro11/gokboot/pagetable"
	"github.com/bobuhiro11/gokboot/staging"
	"github.com/bobuhiro11/gokboot/trampoline"
)

var (
	ErrNoPlan   = errors.New("boot: no staging plan for this kernel")
	ErrStrategy = errors.New("boot: unknown page table strategy")
)

// Dispatch names.
const (
	DispatchAuto      = "auto"
	DispatchFirmware  = "firmware"
	DispatchMultiboot = "multiboot"
	DispatchReexec    = "reexec"
)

// Strategy names accepted on top of the ones the strategies report.
const (
	StrategyAuto = "auto"
	StrategyNone = "none"
)

// Plan is how one kernel is staged and entered.
type Plan struct {
	Dispatch string
	Policy   staging.Policy
	// Strategy is nil when the firmware's own tables stay in place.
	Strategy pagetable.Strategy
}

func (p *Plan) String() string {
	name := StrategyNone
	if p.Strategy != nil {
		name = p.Strategy.Name()
	}

	ceiling := "anywhere"
	if p.Policy.Ceiling != 0 {
		ceiling = "below " + p.Policy.Ceiling.String()
	}

	return fmt.Sprintf("%s dispatch, %s tables, %v %s", p.Dispatch, name, p.Policy.Mode, ceiling)
}

const (
	either = iota
	relocatable
	fixed
)

// plans is tried in order; the first matching row wins. An empty arch
// matches every architecture.
var plans = []struct {
	arch     string
	dispatch string
	reloc    int

	strategy pagetable.Strategy
	mode     staging.CopyMode
	ceiling  addr.Phys
}{
	{"", DispatchReexec, either, pagetable.HostRelocatable{}, staging.InPlace, 0},
	{"amd64", DispatchMultiboot, either, nil, staging.InPlace, addr.Phys(4 * addr.GiB)},
	{"amd64", DispatchFirmware, fixed, pagetable.DirectIdentity{}, staging.CopyDown, addr.Phys(addr.GiB)},
	{"amd64", DispatchFirmware, relocatable, pagetable.SplitLowHigh{}, staging.InPlace, 0},
	{"i386", DispatchFirmware, either, pagetable.DirectIdentity{PAE: true}, staging.CopyDown, addr.Phys(addr.GiB)},
	{"arm64", DispatchFirmware, either, pagetable.HostRelocatable{}, staging.InPlace, 0},
}

// DefaultDispatch picks multiboot for amd64 kernels that carry a 64-bit
// EFI entry and may be relocated, and the firmware dispatch for everything
// else. Multiboot kernels run where they are staged.
func DefaultDispatch(info *elfload.Info) string {
	mb := info.Multiboot
	if info.Arch == trampoline.AMD64 && mb != nil && mb.EntryEFI64 != 0 && mb.Reloc != nil {
		return DispatchMultiboot
	}

	return DispatchFirmware
}

func align(arch trampoline.Arch) uint64 {
	if arch == trampoline.I386 {
		return addr.PageSize
	}

	return addr.SuperPageSize
}

// Auto returns the plan for a probed kernel and a dispatch name, which may
// be DispatchAuto.
func Auto(info *elfload.Info, dispatch string) (*Plan, error) {
	if dispatch == "" || dispatch == DispatchAuto {
		dispatch = DefaultDispatch(info)
	}

	for _, row := range plans {
		if row.arch != "" && row.arch != info.Arch.String() {
			continue
		}

		if row.dispatch != dispatch {
			continue
		}

		if row.reloc == relocatable && !info.Relocatable || row.reloc == fixed && info.Relocatable {
			continue
		}

		return &Plan{
			Dispatch: dispatch,
			Policy: staging.Policy{
				Ceiling: row.ceiling,
				Align:   align(info.Arch),
				Slop:    staging.DefaultSlop,
				Mode:    row.mode,
				// Backward growth shifts by Align and moves the offset
				// with it.
				AllowBackward: true,
			},
			Strategy: row.strategy,
		}, nil
	}

	return nil, fmt.Errorf("%w: %v kernel with %s dispatch", ErrNoPlan, info.Arch, dispatch)
}

// ParseStrategy maps a strategy name to its value. StrategyAuto returns
// (nil, false): the plan decides.
func ParseStrategy(s string) (pagetable.Strategy, bool, error) {
	switch s {
	case "", StrategyAuto:
		return nil, false, nil
	case StrategyNone:
		return nil, true, nil
	}

	for _, st := range []pagetable.Strategy{
		pagetable.DirectIdentity{},
		pagetable.DirectIdentity{PAE: true},
		pagetable.SplitLowHigh{},
		pagetable.HostRelocatable{},
	} {
		if st.Name() == s {
			return st, true, nil
		}
	}

	return nil, false, fmt.Errorf("%w: %q", ErrStrategy, s)
}
