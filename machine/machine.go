// Package machine is a processor for the handoff backed by a KVM vCPU. The
// vCPU sees the loader's RAM as its physical memory and starts in the state
// a UEFI firmware leaves an x86 processor in.
package machine

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"unsafe"

	"github.com/bobuhiro11/gokboot/addr"
	"github.com/bobuhiro11/gokboot/cpuid"
	"github.com/bobuhiro11/gokboot/device"
	"github.com/bobuhiro11/gokboot/firmware"
	"github.com/bobuhiro11/gokboot/handoff"
	"github.com/bobuhiro11/gokboot/iodev"
	"github.com/bobuhiro11/gokboot/kvm"
	"github.com/bobuhiro11/gokboot/memory"
	"github.com/bobuhiro11/gokboot/pagetable"
	"github.com/bobuhiro11/gokboot/serial"
	"github.com/bobuhiro11/gokboot/trampoline"
	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

var (
	ErrShutdown    = errors.New("machine: guest shut down")
	ErrFault       = errors.New("machine: guest fault")
	ErrUnsupported = errors.New("machine: unsupported cpu")
)

// Debug is a normally empty function that enables debug prints.
var Debug = func(string, ...interface{}) {}

// Result is how the guest stopped.
type Result struct {
	Exit  kvm.ExitType
	Regs  kvm.Regs
	Sregs kvm.Sregs
	// Inst is the instruction at the final RIP, if it could be read.
	Inst string
	Err  error
}

func (r *Result) String() string {
	s := fmt.Sprintf("%v at rip %#x cr3 %#x", r.Exit, r.Regs.RIP, r.Sregs.CR3)
	if r.Inst != "" {
		s += fmt.Sprintf(" (%s)", r.Inst)
	}

	if r.Err != nil {
		s += ": " + r.Err.Error()
	}

	return s
}

// Machine implements handoff.Processor.
type Machine struct {
	kvmFd, vmFd, vcpuFd uintptr
	devKVM              *os.File
	runBuf              []byte
	run                 *kvm.RunData

	ram     *memory.Memory
	arch    trampoline.Arch
	console io.Writer

	gdt    addr.Phys
	idmap  *pagetable.Set
	done   chan struct{}
	result *Result
}

// New creates a vm over ram and sets up the state the firmware would have
// left behind: a flat GDT and, for amd64, identity mapped page tables. Both
// are allocated from fw, so New must run before boot services are gone.
func New(fw firmware.BootServices, ram *memory.Memory, arch trampoline.Arch, console io.Writer) (*Machine, error) {
	if arch != trampoline.AMD64 && arch != trampoline.I386 {
		return nil, fmt.Errorf("machine.New: %w: %v", trampoline.ErrUnsupportedArch, arch)
	}

	m := &Machine{ram: ram, arch: arch, console: console, done: make(chan struct{})}

	if err := m.firmwareState(fw); err != nil {
		return nil, err
	}

	devKVM, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf(`/dev/kvm: %w`, err)
	}

	m.devKVM = devKVM
	m.kvmFd = devKVM.Fd()

	if err := kvm.CheckAPIVersion(m.kvmFd); err != nil {
		return nil, err
	}

	if m.vmFd, err = kvm.CreateVM(m.kvmFd); err != nil {
		return nil, fmt.Errorf("CreateVM: %w", err)
	}

	if err := kvm.MapRAM(m.vmFd, ram.Bytes()); err != nil {
		return nil, fmt.Errorf("MapRAM: %w", err)
	}

	if m.vcpuFd, err = kvm.CreateVCPU(m.vmFd, 0); err != nil {
		return nil, fmt.Errorf("CreateVCPU: %w", err)
	}

	size, err := kvm.GetVCPUMMmapSize(m.kvmFd)
	if err != nil {
		return nil, err
	}

	if m.runBuf, err = unix.Mmap(int(m.vcpuFd), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED); err != nil {
		return nil, fmt.Errorf("mmap RunData: %w", err)
	}

	m.run = (*kvm.RunData)(unsafe.Pointer(&m.runBuf[0]))

	if err := m.initCPUID(); err != nil {
		return nil, err
	}

	return m, nil
}

// firmwareState writes the GDT and the identity map.
func (m *Machine) firmwareState(fw firmware.BootServices) error {
	id := pagetable.DirectIdentity{}

	n := 0
	if m.arch == trampoline.AMD64 {
		var err error
		if n, err = id.Pages(pagetable.Region{}); err != nil {
			return err
		}
	}

	pages, err := pagetable.Allocate(fw, m.ram, n+1)
	if err != nil {
		return fmt.Errorf("firmware state: %w", err)
	}

	m.gdt = pages[n]

	gdt := flatGDT()
	for i, e := range gdt {
		if err := m.ram.WriteWord(m.gdt.Add(uint64(i*8)), e); err != nil {
			return err
		}
	}

	if n > 0 {
		if m.idmap, err = id.Populate(pagetable.Region{}, pages[:n], m.ram); err != nil {
			return err
		}
	}

	return nil
}

func (m *Machine) initCPUID() error {
	ids := kvm.CPUID{}
	ids.Nent = uint32(len(ids.Entries))

	if err := kvm.GetSupportedCPUID(m.kvmFd, &ids); err != nil {
		return fmt.Errorf("GetSupportedCPUID: %w", err)
	}

	entries := ids.Entries[:ids.Nent]

	if missing := cpuid.Missing(entries, m.arch); len(missing) > 0 {
		return fmt.Errorf("%w: %v cpu lacks %v", ErrUnsupported, m.arch, missing)
	}

	cpuid.DisablePerfMon(entries)

	if err := kvm.SetCPUID2(m.vcpuFd, &ids); err != nil {
		return fmt.Errorf("SetCPUID2: %w", err)
	}

	return nil
}

// Close releases the vm. Guest RAM belongs to the caller.
func (m *Machine) Close() error {
	if m.runBuf != nil {
		if err := unix.Munmap(m.runBuf); err != nil {
			return err
		}

		m.runBuf, m.run = nil, nil
	}

	for _, fd := range []uintptr{m.vcpuFd, m.vmFd} {
		if fd != 0 {
			unix.Close(int(fd))
		}
	}

	if m.devKVM != nil {
		return m.devKVM.Close()
	}

	return nil
}

// Done is closed once the guest stopped.
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

// Result returns how the guest stopped; it is nil until Done is closed.
func (m *Machine) Result() *Result {
	select {
	case <-m.done:
		return m.result
	default:
		return nil
	}
}

func (m *Machine) initSregs() error {
	sregs, err := kvm.GetSregs(m.vcpuFd)
	if err != nil {
		return err
	}

	gdt := flatGDT()

	code := Segment(gdt[gdtCode64], gdtCode64)
	if m.arch == trampoline.I386 {
		code = Segment(gdt[gdtCode32], gdtCode32)
	}

	data := Segment(gdt[gdtData], gdtData)

	sregs.CS = code
	sregs.DS, sregs.ES, sregs.FS, sregs.GS, sregs.SS = data, data, data, data, data
	sregs.GDT.Base, sregs.GDT.Limit = uint64(m.gdt), gdtSlots*8-1

	sregs.CR0 = CR0xPE | CR0xET | CR0xNE

	if m.arch == trampoline.AMD64 {
		sregs.CR0 |= CR0xPG
		sregs.CR3 = uint64(m.idmap.Root)
		sregs.CR4 = CR4xPAE
		sregs.EFER = EFERxLME | EFERxLMA
	}

	return kvm.SetSregs(m.vcpuFd, sregs)
}

func (m *Machine) initRegs(s handoff.StartState) error {
	regs := &kvm.Regs{
		RFLAGS: 2,
		RIP:    s.PC,
		RAX:    s.RAX,
		RBX:    s.RBX,
		RDI:    s.RDI,
		RSI:    s.RSI,
		// The firmware's stack stands in as the end of the page holding
		// the entry.
		RSP: addr.RoundUp(s.PC+1, addr.PageSize),
	}

	return kvm.SetRegs(m.vcpuFd, regs)
}

// Start implements handoff.Processor. It never returns: the calling
// goroutine ends once the guest stops.
func (m *Machine) Start(s handoff.StartState) {
	defer close(m.done)

	m.result = m.boot(s)

	Debug("machine: %v", m.result)

	runtime.Goexit()
}

func (m *Machine) boot(s handoff.StartState) *Result {
	r := &Result{}

	if err := m.initSregs(); err != nil {
		r.Err = fmt.Errorf("initSregs: %w", err)

		return r
	}

	if err := m.initRegs(s); err != nil {
		r.Err = fmt.Errorf("initRegs: %w", err)

		return r
	}

	out := make(chan byte, 4096)
	g, ctx := errgroup.WithContext(context.Background())

	g.Go(func() error {
		defer close(out)

		exit, err := m.RunInfiniteLoop(ctx, out)
		r.Exit = exit

		return err
	})

	g.Go(func() error {
		for b := range out {
			if _, err := m.console.Write([]byte{b}); err != nil {
				return fmt.Errorf("console: %w", err)
			}
		}

		return nil
	})

	r.Err = g.Wait()

	if regs, err := kvm.GetRegs(m.vcpuFd); err == nil {
		r.Regs = *regs
	}

	if sregs, err := kvm.GetSregs(m.vcpuFd); err == nil {
		r.Sregs = *sregs
	}

	if r.Err != nil {
		if inst, err := m.Inst(&r.Regs, &r.Sregs); err == nil {
			r.Inst = Asm(inst, r.Regs.RIP)
		}
	}

	return r
}

// ports returns the port devices of one run. COM1 output goes to out until
// ctx is done.
func (m *Machine) ports(ctx context.Context, out chan<- byte) (*device.Bus, error) {
	bus := &device.Bus{}

	com1 := serial.New(func(b byte) error {
		select {
		case out <- b:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	if err := bus.Register(com1); err != nil {
		return nil, err
	}

	if err := bus.Register(&device.PostCodeDevice{}); err != nil {
		return nil, err
	}

	for _, d := range iodev.Legacy() {
		if err := bus.Register(d); err != nil {
			return nil, err
		}
	}

	return bus, nil
}

// RunInfiniteLoop runs the vcpu until it halts, forwarding COM1 output to
// out. It returns the final exit.
func (m *Machine) RunInfiniteLoop(ctx context.Context, out chan<- byte) (kvm.ExitType, error) {
	bus, err := m.ports(ctx, out)
	if err != nil {
		return kvm.EXITUNKNOWN, err
	}

	// vcpu ioctls should be issued from the same thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		exit, more, err := m.RunOnce(bus)
		if err != nil || !more {
			return exit, err
		}
	}
}

// RunOnce runs the vcpu to its next exit and handles it.
func (m *Machine) RunOnce(bus *device.Bus) (kvm.ExitType, bool, error) {
	err := kvm.Run(m.vcpuFd)
	exit := kvm.ExitType(m.run.ExitReason)

	switch exit {
	case kvm.EXITHLT:
		return exit, false, err
	case kvm.EXITIO:
		return exit, true, m.io(bus)
	case kvm.EXITUNKNOWN, kvm.EXITINTR:
		// When a signal is sent to the thread hosting the VM it will result in EINTR
		// refs https://gist.github.com/mcastelino/df7e65ade874f6890f618dc51778d83a
		return exit, true, nil
	case kvm.EXITSHUTDOWN:
		return exit, false, ErrShutdown
	case kvm.EXITFAILENTRY:
		return exit, false, fmt.Errorf("%w: entry failed, reason %#x", ErrFault, m.run.FailEntry())
	case kvm.EXITINTERNALERROR:
		return exit, false, fmt.Errorf("%w: internal error", ErrFault)
	default:
		if err != nil {
			return exit, false, err
		}

		return exit, false, fmt.Errorf("%w: %v", kvm.ErrUnexpectedExitReason, exit)
	}
}

func (m *Machine) io(bus *device.Bus) error {
	direction, size, port, count, offset := m.run.IO()

	for i := uint64(0); i < count; i++ {
		data := m.runBuf[offset+i*size : offset+(i+1)*size]

		var err error
		if direction == kvm.EXITIOIN {
			err = bus.Read(port, data)
		} else {
			err = bus.Write(port, data)
		}

		if err != nil {
			return fmt.Errorf("port %#x: %w", port, err)
		}
	}

	return nil
}

// translate resolves a guest virtual address with the vcpu's paging state.
func (m *Machine) translate(sregs *kvm.Sregs, va uint64) (addr.Phys, error) {
	switch {
	case sregs.CR0&CR0xPG == 0:
		return addr.Phys(va), nil
	case sregs.EFER&EFERxLMA != 0:
		return pagetable.Walk(m.ram, addr.Phys(sregs.CR3&pagetable.PDE64xADDR), va)
	case sregs.CR4&CR4xPAE != 0:
		return pagetable.WalkPAE(m.ram, addr.Phys(sregs.CR3&^0x1f), uint32(va))
	}

	return 0, fmt.Errorf("%w: 32-bit paging without PAE", pagetable.ErrNotMapped)
}

// ReadBytes reads from the guest's virtual address space.
func (m *Machine) ReadBytes(sregs *kvm.Sregs, b []byte, va uint64) (int, error) {
	pa, err := m.translate(sregs, va)
	if err != nil {
		return 0, err
	}

	return m.ram.ReadAt(b, pa)
}

// ReadWord reads a little endian word from the guest's virtual address
// space.
func (m *Machine) ReadWord(sregs *kvm.Sregs, va uint64, size int) (uint64, error) {
	var b [8]byte
	if _, err := m.ReadBytes(sregs, b[:size], va); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(b[:]), nil
}

// Inst decodes the instruction at RIP.
func (m *Machine) Inst(regs *kvm.Regs, sregs *kvm.Sregs) (*x86asm.Inst, error) {
	insn := make([]byte, 16)
	if _, err := m.ReadBytes(sregs, insn, regs.RIP); err != nil {
		return nil, fmt.Errorf("reading PC at %#x: %w", regs.RIP, err)
	}

	mode := 32
	if sregs.CS.L == 1 {
		mode = 64
	}

	d, err := x86asm.Decode(insn, mode)
	if err != nil {
		return nil, fmt.Errorf("decoding %#02x: %w", insn, err)
	}

	return &d, nil
}

// Asm returns a string for the given instruction at the given pc.
func Asm(d *x86asm.Inst, pc uint64) string {
	return x86asm.GNUSyntax(*d, pc, nil)
}
