package handoff

import (
	"fmt"
	"strings"

	"github.com/bobuhiro11/gokboot/addr"
	"github.com/bobuhiro11/gokboot/firmware"
	"github.com/bobuhiro11/gokboot/modinfo"
	"github.com/bobuhiro11/gokboot/multiboot"
	"github.com/bobuhiro11/gokboot/staging"
)

// LoaderName is reported to multiboot kernels.
const LoaderName = "gokboot"

// Multiboot starts a multiboot2 kernel at its 64-bit EFI entry point with
// boot services still running. The kernel exits them itself.
type Multiboot struct {
	Header *multiboot.Header
}

func (Multiboot) Name() string { return "multiboot" }

// below4G translates k and checks the result fits a 32-bit field.
func (a *Attempt) below4G(k addr.Kern) (uint32, error) {
	p, err := a.Staging.Translate(k)
	if err != nil {
		return 0, err
	}

	if uint64(p) > 0xffffffff {
		return 0, fmt.Errorf("%w: %v is above 4 GiB", staging.ErrAddressConstraint, p)
	}

	return uint32(p), nil
}

// upperMemory returns the KiB of conventional memory contiguous from 1 MiB.
func upperMemory(mm *firmware.MemoryMap) uint32 {
	end := addr.Phys(firmware.MBBIOSEnd)

	for {
		d, ok := mm.Conventional(end)
		if !ok {
			break
		}

		end = d.End()
	}

	return uint32((end - firmware.MBBIOSEnd) / 1024)
}

// Info builds the multiboot2 information block for the staged files.
func (d Multiboot) Info(a *Attempt, mm *firmware.MemoryMap) (*multiboot.Info, error) {
	k := a.Manifest.Kernel()
	info := &multiboot.Info{}

	info.AddCmdline(k.Args)
	info.AddLoaderName(LoaderName)

	for _, f := range a.Manifest.Files()[1:] {
		start, err := a.below4G(f.Addr)
		if err != nil {
			return nil, fmt.Errorf("module %s: %w", f.Name, err)
		}

		end := uint64(start) + f.Size
		if end > 0xffffffff {
			return nil, fmt.Errorf("module %s: %w: ends at %#x, above 4 GiB", f.Name, staging.ErrAddressConstraint, end)
		}

		info.AddModule(start, uint32(end), strings.TrimSpace(f.Name+" "+f.Args))
	}

	info.AddBasicMeminfo(firmware.VGARAMBegin/1024, upperMemory(mm))
	info.AddEFI64SystemTable(uint64(a.FW.SystemTable()))
	info.AddEFI64ImageHandle(uint64(a.FW.ImageHandle()))

	descs, err := mm.Bytes()
	if err != nil {
		return nil, err
	}

	info.AddEFIMemoryMap(mm.DescriptorSize, mm.DescriptorVersion, descs)
	info.AddBootServices()

	if d.Header.Reloc != nil {
		base, err := a.below4G(k.Addr)
		if err != nil {
			return nil, err
		}

		info.AddLoadBase(base)
	}

	return info, nil
}

// placement checks that the kernel may run where it was staged. Without the
// relocatable tag it must sit at the addresses it was linked for.
func (d Multiboot) placement(a *Attempt, k *modinfo.File) error {
	r := d.Header.Reloc
	if r == nil {
		if off, _ := a.Staging.Offset(); off != 0 {
			return fmt.Errorf("%w: kernel is not relocatable but staged %#x from its load address", staging.ErrAddressConstraint, off)
		}

		return nil
	}

	base, err := a.below4G(k.Addr)
	if err != nil {
		return err
	}

	if base < r.MinAddr || base > r.MaxAddr || r.Align != 0 && base%r.Align != 0 {
		return fmt.Errorf("%w: load base %#x outside [%#x, %#x] align %#x", staging.ErrAddressConstraint, base, r.MinAddr, r.MaxAddr, r.Align)
	}

	return nil
}

// Dispatch implements Dispatcher.
func (d Multiboot) Dispatch(a *Attempt) error {
	if d.Header == nil || d.Header.EntryEFI64 == 0 {
		return fmt.Errorf("%w: kernel has no 64-bit EFI entry point", ErrInvalidTransition)
	}

	k := a.Manifest.Kernel()
	if k == nil {
		return fmt.Errorf("Dispatch: %w", modinfo.ErrNoKernel)
	}

	mm, err := a.FW.GetMemoryMap()
	if err != nil {
		return fmt.Errorf("%w: GetMemoryMap: %v", ErrFirmwareProtocol, err)
	}

	at := a.Manifest.NextFree()

	// Growing changes the map, so make room for a larger one first.
	reserve := uint64(len(mm.Descriptors)+MapSlack) * uint64(mm.DescriptorSize)
	if err := a.Staging.EnsureCapacity(at.Add(reserve + addr.PageSize)); err != nil {
		return fmt.Errorf("Dispatch: %w", err)
	}

	if mm, err = a.FW.GetMemoryMap(); err != nil {
		return fmt.Errorf("%w: GetMemoryMap: %v", ErrFirmwareProtocol, err)
	}

	info, err := d.Info(a, mm)
	if err != nil {
		return fmt.Errorf("Dispatch: %w", err)
	}

	b, err := info.Bytes()
	if err != nil {
		return err
	}

	if _, err := a.Staging.CopyIn(b, at); err != nil {
		return fmt.Errorf("Dispatch: %w", err)
	}

	p, err := a.below4G(at)
	if err != nil {
		return fmt.Errorf("Dispatch: %w", err)
	}

	// Growing above may have moved the kernel.
	if err := d.placement(a, k); err != nil {
		return fmt.Errorf("Dispatch: %w", err)
	}

	entry, err := a.Staging.Translate(addr.Kern(d.Header.EntryEFI64))
	if err != nil {
		return fmt.Errorf("Dispatch: %w", err)
	}

	a.Manifest.Seal()

	if err := a.advance(Dispatched); err != nil {
		return err
	}

	Debug("handoff: multiboot entry %v info %#x (%d bytes)", entry, p, len(b))

	a.CPU.Start(StartState{PC: uint64(entry), RAX: multiboot.BootloaderMagic, RBX: uint64(p)})

	panic(fmt.Errorf("%w: processor returned from %v", ErrFirmwareProtocol, entry))
}
