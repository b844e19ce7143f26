// Package handoff performs the one-way transfer from the loader to the
// kernel: it builds the page tables, installs the trampoline, releases the
// firmware and starts the processor.
package handoff

import (
	"errors"
	"fmt"

	"github.com/bobuhiro11/gokboot/addr"
	"github.com/bobuhiro11/gokboot/firmware"
	"github.com/bobuhiro11/gokboot/memory"
	"github.com/bobuhiro11/gokboot/modinfo"
	"github.com/bobuhiro11/gokboot/pagetable"
	"github.com/bobuhiro11/gokboot/staging"
	"github.com/bobuhiro11/gokboot/trampoline"
)

var (
	ErrFirmwareProtocol  = errors.New("handoff: firmware protocol violation")
	ErrInvalidTransition = errors.New("handoff: invalid state transition")
)

// Debug is a normally empty function that enables debug prints.
var Debug = func(string, ...interface{}) {}

// State is the progress of one boot attempt.
type State int

const (
	Unbuilt State = iota
	TablesAllocated
	TablesPopulated
	TrampolineCopied
	Dispatched
)

var stateNames = [...]string{"unbuilt", "tables-allocated", "tables-populated", "trampoline-copied", "dispatched"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}

	return fmt.Sprintf("state(%d)", int(s))
}

// StartState is the processor state the kernel or the trampoline is
// started with. Registers not listed are undefined.
type StartState struct {
	PC uint64
	// Trampoline is set when PC is a trampoline that still has work to
	// do; otherwise PC is the kernel entry itself.
	Trampoline bool

	RAX, RBX, RDI, RSI uint64
}

// Processor starts executing at the given state. Start never returns.
type Processor interface {
	Start(s StartState)
}

// Dispatcher is one way of handing the machine to the kernel. Dispatch only
// returns on failures that leave the firmware usable.
type Dispatcher interface {
	Name() string
	Dispatch(a *Attempt) error
}

// Attempt is one boot attempt: everything that has been staged and what
// has been built on top of it so far.
type Attempt struct {
	Arch     trampoline.Arch
	FW       firmware.BootServices
	Staging  *staging.Context
	Manifest *modinfo.Manifest
	Env      *modinfo.Environment
	Strategy pagetable.Strategy
	// AllowFallback lets an unbuildable split layout degrade to the
	// direct one.
	AllowFallback bool
	CPU           Processor

	state    State
	tables   *pagetable.Set
	pages    []addr.Phys
	tramp    *trampoline.Page
	bootinfo *modinfo.BootInfo
	exited   bool
}

// State returns the current state.
func (a *Attempt) State() State {
	return a.state
}

// advance moves the attempt forward. States may be skipped by dispatchers
// that do not need them, but never revisited.
func (a *Attempt) advance(to State) error {
	if to <= a.state || to > Dispatched {
		return fmt.Errorf("%w: %v -> %v", ErrInvalidTransition, a.state, to)
	}

	Debug("handoff: %v -> %v", a.state, to)
	a.state = to

	return nil
}

func (a *Attempt) ram() *memory.Memory {
	return a.Staging.Memory()
}

// Tables returns the built page tables, or nil.
func (a *Attempt) Tables() *pagetable.Set {
	return a.tables
}

// Trampoline returns the installed trampoline, or nil.
func (a *Attempt) Trampoline() *trampoline.Page {
	return a.tramp
}

// BootInfo returns the placement of the boot blocks, or nil.
func (a *Attempt) BootInfo() *modinfo.BootInfo {
	return a.bootinfo
}

// Region returns the staged image as the page-table strategies see it.
func (a *Attempt) Region() (pagetable.Region, error) {
	base := a.Staging.Base()

	origin, err := a.Staging.Natural(base)
	if err != nil {
		return pagetable.Region{}, err
	}

	end := a.Staging.High()

	// The boot blocks are mapped along with the files once placed.
	if a.bootinfo != nil {
		if p, err := a.Staging.Translate(a.bootinfo.KernEnd); err == nil && p > end {
			end = p
		}
	}

	size := uint64(0)
	if end > base {
		size = uint64(end - base)
	}

	return pagetable.Region{Base: base, Origin: origin, Size: size}, nil
}

// BuildTables resolves the strategy, allocates and fills the tables.
func (a *Attempt) BuildTables() error {
	if a.state != Unbuilt {
		return fmt.Errorf("%w: BuildTables in %v", ErrInvalidTransition, a.state)
	}

	if a.Strategy == nil {
		a.Strategy = pagetable.HostRelocatable{}
	}

	r, err := a.Region()
	if err != nil {
		return fmt.Errorf("BuildTables: %w", err)
	}

	s, n, err := pagetable.Resolve(a.Strategy, r, a.AllowFallback)
	if err != nil {
		return fmt.Errorf("BuildTables: %w", err)
	}

	// Direct tables map natural addresses, so the image has to be
	// copied down to run.
	if s != a.Strategy && a.Staging.Policy().Mode == staging.InPlace && r.Origin != addr.Kern(r.Base) {
		return fmt.Errorf("BuildTables: %w: %s needs a copy-down", pagetable.ErrUnsupportedMode, s.Name())
	}

	pages, err := pagetable.Allocate(a.FW, a.ram(), n)
	if err != nil {
		return fmt.Errorf("BuildTables: %w", err)
	}

	a.pages = pages

	if err := a.advance(TablesAllocated); err != nil {
		return err
	}

	set, err := s.Populate(r, pages, a.ram())
	if err != nil {
		return fmt.Errorf("BuildTables: %w", err)
	}

	a.tables = set

	Debug("handoff: %s tables, root %v, %d pages", set.Strategy, set.Root, len(set.Pages))

	return a.advance(TablesPopulated)
}

// CopyTrampoline installs the trampoline for the attempt's architecture.
func (a *Attempt) CopyTrampoline() error {
	if a.state != TablesPopulated {
		return fmt.Errorf("%w: CopyTrampoline in %v", ErrInvalidTransition, a.state)
	}

	b, err := trampoline.For(a.Arch)
	if err != nil {
		return err
	}

	pg, err := trampoline.Install(a.FW, a.ram(), b)
	if err != nil {
		return fmt.Errorf("CopyTrampoline: %w", err)
	}

	a.tramp = pg

	return a.advance(TrampolineCopied)
}

// entryPoint returns the address the kernel is entered at under the built
// tables.
func (a *Attempt) entryPoint() (uint64, error) {
	k := a.Manifest.Kernel()
	if k == nil {
		return 0, modinfo.ErrNoKernel
	}

	if a.tables == nil || a.tables.Root == 0 {
		p, err := a.Staging.Translate(k.Entry)

		return uint64(p), err
	}

	if a.tables.Levels == 4 {
		return pagetable.KernBase + uint64(k.Entry), nil
	}

	return uint64(k.Entry), nil
}

// args fills the trampoline arguments from the current layout.
func (a *Attempt) args() (*trampoline.Args, error) {
	entry, err := a.entryPoint()
	if err != nil {
		return nil, err
	}

	src, dst, n, err := a.Staging.CopyDown()
	if err != nil {
		return nil, err
	}

	args := trampoline.NewArgs()
	args.Entry = entry
	args.Stack = uint64(a.tramp.Stack())
	args.CopySrc = uint64(src)
	args.CopyDst = uint64(dst)
	args.CopyLen = n

	if a.tables != nil {
		args.PageTableRoot = uint64(a.tables.Root)
	}

	if a.bootinfo != nil {
		args.ModuleP = uint64(a.bootinfo.ModuleP)
		args.KernEnd = uint64(a.bootinfo.KernEnd)
	}

	return args, nil
}

// checkCopyDown makes sure the copy-down does not run over the tables or
// the trampoline itself.
func (a *Attempt) checkCopyDown() error {
	_, dst, n, err := a.Staging.CopyDown()
	if err != nil || n == 0 {
		return err
	}

	end := dst.Add(n)

	// The module list lands after the last staged byte at commit time.
	if a.bootinfo != nil && addr.Phys(a.bootinfo.KernEnd) > end {
		end = addr.Phys(a.bootinfo.KernEnd)
	}

	pages := append([]addr.Phys{}, a.pages...)
	if a.tramp != nil {
		pages = append(pages, a.tramp.Addr)
	}

	for _, p := range pages {
		if p < end && p.Add(addr.PageSize) > dst {
			return fmt.Errorf("%w: copy-down %v-%v covers page %v", staging.ErrAddressConstraint, dst, end, p)
		}
	}

	return nil
}

// Abort releases everything the attempt holds. It is only possible while
// the firmware is still there.
func (a *Attempt) Abort() error {
	if a.exited || a.state == Dispatched {
		return fmt.Errorf("%w: abort after %v", ErrInvalidTransition, a.state)
	}

	var errs []error

	if a.tramp != nil {
		errs = append(errs, a.tramp.Free(a.FW))
		a.tramp = nil
	}

	if len(a.pages) > 0 {
		errs = append(errs, pagetable.Free(a.FW, a.pages))
		a.pages, a.tables = nil, nil
	}

	errs = append(errs, a.Staging.Free())

	return errors.Join(errs...)
}

// exitBootServices captures the final memory map and leaves boot services,
// retrying once with a fresh key.
func (a *Attempt) exitBootServices() (*firmware.MemoryMap, error) {
	var last error

	for try := 0; try < 2; try++ {
		mm, err := a.FW.GetMemoryMap()
		if err != nil {
			return nil, fmt.Errorf("%w: GetMemoryMap: %v", ErrFirmwareProtocol, err)
		}

		if last = a.FW.ExitBootServices(mm.Key); last == nil {
			a.exited = true
			a.Staging.SealFirmware()

			return mm, nil
		}

		Debug("handoff: ExitBootServices(%d): %v", mm.Key, last)
	}

	return nil, fmt.Errorf("%w: ExitBootServices: %v", ErrFirmwareProtocol, last)
}

// fatal stops the machine once the firmware is gone.
func fatal(err error) {
	panic(fmt.Errorf("handoff: cannot continue without boot services: %w", err))
}
