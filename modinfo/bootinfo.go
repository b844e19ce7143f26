package modinfo

import (
	"encoding/binary"
	"fmt"

	"github.com/bobuhiro11/gokboot/addr"
)

// BootInfoOptions carries the firmware values attached to the kernel.
type BootInfoOptions struct {
	// FwHandle is the firmware system table; zero omits the record.
	FwHandle uint64
	// MapReserve is the size reserved for the memory map record; zero
	// omits it.
	MapReserve uint64
	// NoModuleP omits the record holding the module list address, for
	// kernels that only take it as an argument.
	NoModuleP bool
}

// BootInfo is the placement of the boot-time blocks in the staging area.
type BootInfo struct {
	Howto   uint32
	EnvP    addr.Kern
	EnvEnd  addr.Kern
	ModuleP addr.Kern
	// ModuleEnd is the measured end of the module list.
	ModuleEnd addr.Kern
	// KernEnd is the first page past everything the kernel is handed.
	KernEnd addr.Kern

	manifest *Manifest
}

// Prepare lays out the environment and the module list after the last
// staged file and writes the environment through dst. It attaches the
// kernel's boot metadata, measures the module list and patches the kernel
// end. The list itself is written by Commit, once the memory map is known.
func Prepare(m *Manifest, e *Environment, dst Sink, opts BootInfoOptions) (*BootInfo, error) {
	k := m.Kernel()
	if k == nil {
		return nil, ErrNoKernel
	}

	if m.Sealed() {
		return nil, ErrSealed
	}

	bi := &BootInfo{
		Howto:    Howto(e) | ParseFlags(k.Args),
		EnvP:     m.NextFree(),
		manifest: m,
	}

	end, err := e.Copy(dst, bi.EnvP)
	if err != nil {
		return nil, fmt.Errorf("Prepare: environment: %w", err)
	}

	bi.EnvEnd = end
	bi.ModuleP = addr.Kern(addr.RoundUp(uint64(end), addr.PageSize))

	w := m.WordSize()
	howto := make([]byte, 4)
	binary.LittleEndian.PutUint32(howto, bi.Howto)

	k.SetMetadata(MDHowto, howto)
	k.SetMetadata(MDEnvp, Word(uint64(bi.EnvP), w))

	if opts.FwHandle != 0 {
		k.SetMetadata(MDFwHandle, Word(opts.FwHandle, w))
	}

	if opts.MapReserve != 0 {
		k.SetMetadata(MDEfiMap, make([]byte, opts.MapReserve))
	}

	kernend := k.SetMetadata(MDKernEnd, Word(0, w))

	if !opts.NoModuleP {
		k.SetMetadata(MDModuleP, Word(uint64(bi.ModuleP), w))
	}

	// The kernel end is a fixed size payload, so patching it does not
	// move anything.
	if bi.ModuleEnd, err = m.Copy(nil, bi.ModuleP); err != nil {
		return nil, err
	}

	bi.KernEnd = addr.Kern(addr.RoundUp(uint64(bi.ModuleEnd), addr.PageSize))
	kernend.Data = Word(uint64(bi.KernEnd), w)

	return bi, nil
}

// SetMemoryMap fills the reserved memory map record with payload.
func (bi *BootInfo) SetMemoryMap(payload []byte) error {
	r := bi.manifest.Kernel().FindMetadata(MDEfiMap)
	if r == nil {
		return fmt.Errorf("%w: no memory map record reserved", ErrTooLarge)
	}

	return r.Fill(payload)
}

// Commit writes the module list at ModuleP and seals the manifest.
func (bi *BootInfo) Commit(dst Sink) error {
	end, err := bi.manifest.Copy(dst, bi.ModuleP)
	if err != nil {
		return fmt.Errorf("Commit: %w", err)
	}

	if end != bi.ModuleEnd {
		return fmt.Errorf("%w: wrote up to %v, measured %v", ErrSizeMismatch, end, bi.ModuleEnd)
	}

	bi.manifest.Seal()

	return nil
}

func (bi *BootInfo) String() string {
	return fmt.Sprintf("howto=%#x envp=%v modulep=%v kernend=%v", bi.Howto, bi.EnvP, bi.ModuleP, bi.KernEnd)
}
