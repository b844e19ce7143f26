package handoff

import (
	"fmt"
	"sort"

	"github.com/bobuhiro11/gokboot/addr"
	"github.com/bobuhiro11/gokboot/modinfo"
	"github.com/bobuhiro11/gokboot/staging"
	"github.com/bobuhiro11/gokboot/trampoline"
)

// Segment is one piece of memory the host places before restarting.
type Segment struct {
	Dest addr.Phys
	Buf  []byte
}

// End returns the first address past the segment, rounded to a page.
func (s Segment) End() addr.Phys {
	return s.Dest.Add(addr.RoundUp(uint64(len(s.Buf)), addr.PageSize))
}

func (s Segment) String() string {
	return fmt.Sprintf("%v-%v (%#x bytes)", s.Dest, s.End(), len(s.Buf))
}

// Host is a running kernel that can replace itself.
type Host interface {
	// Load places segs and arranges for the next restart to enter at
	// entry.
	Load(entry addr.Phys, segs []Segment, arch trampoline.Arch) error
	// Restart only returns on failure.
	Restart() error
}

// Reexec hands the staged image to the running host kernel, which places
// every segment at its natural address and restarts into the trampoline.
type Reexec struct {
	Host Host
}

func (Reexec) Name() string { return "reexec" }

// Segments returns what the host has to place: the staged image at its
// natural addresses, the table pages and the trampoline page.
func (a *Attempt) Segments() ([]Segment, error) {
	ram := a.ram()

	var segs []Segment

	if h := a.Staging.High(); h > a.Staging.Base() {
		buf, err := ram.Slice(a.Staging.Base(), uint64(h-a.Staging.Base()))
		if err != nil {
			return nil, err
		}

		natural, err := a.Staging.Natural(a.Staging.Base())
		if err != nil {
			return nil, err
		}

		segs = append(segs, Segment{Dest: addr.Phys(natural), Buf: buf})
	}

	for _, p := range a.pages {
		buf, err := ram.Slice(p, addr.PageSize)
		if err != nil {
			return nil, err
		}

		segs = append(segs, Segment{Dest: p, Buf: buf})
	}

	if a.tramp != nil {
		buf, err := a.tramp.Bytes(ram)
		if err != nil {
			return nil, err
		}

		segs = append(segs, Segment{Dest: a.tramp.Addr, Buf: buf})
	}

	sort.Slice(segs, func(i, j int) bool { return segs[i].Dest < segs[j].Dest })

	for i := 1; i < len(segs); i++ {
		if segs[i].Dest < segs[i-1].End() {
			return nil, fmt.Errorf("%w: segment %v overlaps %v", staging.ErrAddressConstraint, segs[i], segs[i-1])
		}
	}

	return segs, nil
}

// Dispatch implements Dispatcher. Boot services are left alone: the host
// owns the machine and its memory map.
func (d Reexec) Dispatch(a *Attempt) error {
	if d.Host == nil {
		return fmt.Errorf("%w: no host to re-execute", ErrInvalidTransition)
	}

	if err := a.prepare(modinfo.BootInfoOptions{NoModuleP: a.Arch != trampoline.AMD64}); err != nil {
		return err
	}

	if err := a.bootinfo.Commit(a.Staging); err != nil {
		return fmt.Errorf("Dispatch: %w", err)
	}

	if err := a.BuildTables(); err != nil {
		return err
	}

	if err := a.CopyTrampoline(); err != nil {
		return err
	}

	bi := a.bootinfo

	// The host places the image itself, so there is nothing left to copy
	// and the kernel runs at its own addresses.
	args := trampoline.NewArgs()
	args.Entry = uint64(a.Manifest.Kernel().Entry)
	args.Stack = uint64(a.tramp.Stack())
	args.ModuleP = uint64(bi.ModuleP)
	args.KernEnd = uint64(bi.KernEnd)

	if a.tables != nil {
		args.PageTableRoot = uint64(a.tables.Root)
	}

	if err := a.tramp.Write(a.ram(), args); err != nil {
		return err
	}

	segs, err := a.Segments()
	if err != nil {
		return fmt.Errorf("Dispatch: %w", err)
	}

	for _, s := range segs {
		Debug("handoff: segment %v", s)
	}

	if err := d.Host.Load(a.tramp.Entry(), segs, a.Arch); err != nil {
		return fmt.Errorf("Dispatch: Load: %w", err)
	}

	if err := a.advance(Dispatched); err != nil {
		return err
	}

	err = d.Host.Restart()

	panic(fmt.Errorf("%w: restart returned: %v", ErrFirmwareProtocol, err))
}
