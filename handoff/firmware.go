package handoff

import (
	"fmt"

	"github.com/bobuhiro11/gokboot/firmware"
	"github.com/bobuhiro11/gokboot/modinfo"
	"github.com/bobuhiro11/gokboot/trampoline"
)

// MapSlack is the number of extra descriptors reserved in the memory map
// record for the allocations made after it was sized.
const MapSlack = 16

// Firmware enters the kernel through the trampoline after leaving boot
// services.
type Firmware struct{}

func (Firmware) Name() string { return "firmware" }

// prepare places the environment and measures the module list, then grows
// the area to hold both: after the exit the area is fixed.
func (a *Attempt) prepare(opts modinfo.BootInfoOptions) error {
	bi, err := modinfo.Prepare(a.Manifest, a.Env, a.Staging, opts)
	if err != nil {
		return fmt.Errorf("Dispatch: %w", err)
	}

	if err := a.Staging.EnsureCapacity(bi.KernEnd); err != nil {
		return fmt.Errorf("Dispatch: %w", err)
	}

	a.bootinfo = bi

	return nil
}

// mapReserve sizes the memory map record from the current map.
func mapReserve(fw firmware.BootServices) (uint64, error) {
	mm, err := fw.GetMemoryMap()
	if err != nil {
		return 0, fmt.Errorf("%w: GetMemoryMap: %v", ErrFirmwareProtocol, err)
	}

	return firmware.MapHeaderSize + uint64(len(mm.Descriptors)+MapSlack)*uint64(mm.DescriptorSize), nil
}

// Dispatch implements Dispatcher. Once boot services are gone every error
// panics, and so does a return from the processor.
func (d Firmware) Dispatch(a *Attempt) error {
	reserve, err := mapReserve(a.FW)
	if err != nil {
		return err
	}

	if err := a.prepare(modinfo.BootInfoOptions{
		FwHandle:   uint64(a.FW.SystemTable()),
		MapReserve: reserve,
		NoModuleP:  a.Arch != trampoline.AMD64,
	}); err != nil {
		return err
	}

	if err := a.BuildTables(); err != nil {
		return err
	}

	if err := a.CopyTrampoline(); err != nil {
		return err
	}

	if err := a.checkCopyDown(); err != nil {
		return err
	}

	Debug("handoff: %v", a.bootinfo)

	mm, err := a.exitBootServices()
	if err != nil {
		return err
	}

	payload, err := mm.Payload()
	if err != nil {
		fatal(err)
	}

	if err := a.bootinfo.SetMemoryMap(payload); err != nil {
		fatal(err)
	}

	if err := a.bootinfo.Commit(a.Staging); err != nil {
		fatal(err)
	}

	args, err := a.args()
	if err != nil {
		fatal(err)
	}

	if err := a.tramp.Write(a.ram(), args); err != nil {
		fatal(err)
	}

	if err := a.advance(Dispatched); err != nil {
		fatal(err)
	}

	Debug("handoff: %v", args)

	a.CPU.Start(StartState{PC: uint64(a.tramp.Entry()), Trampoline: true})

	panic(fmt.Errorf("%w: processor returned from %v", ErrFirmwareProtocol, a.tramp.Entry()))
}
