// Package boot drives one boot: it probes the kernel, stages it with its
// modules, and hands the machine over with the chosen dispatcher.
package boot

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/bobuhiro11/gokboot/addr"
	"github.com/bobuhiro11/gokboot/elfload"
	"github.com/bobuhiro11/gokboot/emu"
	"github.com/bobuhiro11/gokboot/firmware"
	"github.com/bobuhiro11/gokboot/handoff"
	"github.com/bobuhiro11/gokboot/machine"
	"github.com/bobuhiro11/gokboot/memory"
	"github.com/bobuhiro11/gokboot/modinfo"
	"github.com/bobuhiro11/gokboot/staging"
)

var (
	ErrProcessor = errors.New("boot: unknown processor")
	ErrDispatch  = errors.New("boot: unknown dispatch")
	ErrStopped   = errors.New("boot: processor stopped")
)

// Processor names.
const (
	ProcessorEmu = "emu"
	ProcessorKVM = "kvm"
)

const (
	DefaultMemSize = 512 * addr.MiB
	// DefaultModuleType is used for modules given without a type.
	DefaultModuleType = "module"
)

// DefaultStagingSize is the initial staging request: room for a kernel
// with its modules on amd64, less elsewhere.
func DefaultStagingSize(arch string) uint64 {
	if arch == "amd64" {
		return 100 * addr.MiB
	}

	return 64 * addr.MiB
}

// Module is a file loaded after the kernel.
type Module struct {
	Path string
	Type string
	Args string
}

type Config struct {
	Kernel  string
	Args    string
	Modules []Module
	// Env holds "name=value" pairs for the kernel environment.
	Env []string

	MemSize     int
	StagingSize uint64
	ClampToHost bool

	Processor     string
	Dispatch      string
	Strategy      string
	AllowFallback bool
	MaxSteps      int

	Console io.Writer
	// Host re-executes for DispatchReexec; nil means the running Linux
	// kernel.
	Host handoff.Host
}

// processor is a handoff.Processor whose run can be waited for.
type processor interface {
	handoff.Processor
	Done() <-chan struct{}
}

type Loader struct {
	Config

	info *elfload.Info
	plan *Plan

	ram *memory.Memory
	fw  *firmware.Sim
	cpu processor

	attempt    *handoff.Attempt
	dispatcher handoff.Dispatcher
}

func New(c Config) *Loader {
	return &Loader{
		Config: c,
	}
}

// Init probes the kernel and instantiates memory, firmware and processor.
// What it created is released by Close, also when it fails.
func (l *Loader) Init() error {
	kern, err := os.Open(l.Kernel)
	if err != nil {
		return err
	}
	defer kern.Close()

	if l.info, err = elfload.Probe(kern); err != nil {
		return err
	}

	fmt.Printf("%s: %v\r\n", l.Kernel, l.info)

	if l.MemSize == 0 {
		l.MemSize = DefaultMemSize
	}

	if l.ram, err = memory.New(l.MemSize); err != nil {
		return err
	}

	if l.fw, err = firmware.NewSim(l.ram); err != nil {
		return err
	}

	if l.Processor == "" {
		l.Processor = ProcessorEmu
	}

	switch l.Processor {
	case ProcessorEmu:
		cpu := emu.New(l.ram, l.info.Arch)
		if l.MaxSteps > 0 {
			cpu.MaxSteps = l.MaxSteps
		}

		l.cpu = cpu
	case ProcessorKVM:
		console := l.Console
		if console == nil {
			console = os.Stdout
		}

		m, err := machine.New(l.fw, l.ram, l.info.Arch, console)
		if err != nil {
			return err
		}

		l.cpu = m
	default:
		return fmt.Errorf("%w: %q", ErrProcessor, l.Processor)
	}

	return nil
}

// Close releases the processor and the memory.
func (l *Loader) Close() error {
	var errs []error

	if c, ok := l.cpu.(io.Closer); ok {
		errs = append(errs, c.Close())
	}

	if l.ram != nil {
		errs = append(errs, l.ram.Close())
	}

	return errors.Join(errs...)
}

// Plan returns the staging plan chosen by Setup.
func (l *Loader) Plan() *Plan {
	return l.plan
}

// Attempt returns the boot attempt built by Setup.
func (l *Loader) Attempt() *handoff.Attempt {
	return l.attempt
}

// Memory returns the machine's RAM.
func (l *Loader) Memory() *memory.Memory {
	return l.ram
}

// Firmware returns the boot services the loader runs on.
func (l *Loader) Firmware() *firmware.Sim {
	return l.fw
}

func (l *Loader) makePlan() error {
	plan, err := Auto(l.info, l.Dispatch)
	if err != nil {
		return err
	}

	if s, set, err := ParseStrategy(l.Strategy); err != nil {
		return err
	} else if set {
		plan.Strategy = s
	}

	plan.Policy.ClampToHost = l.ClampToHost
	l.plan = plan

	log.Printf("boot plan: %v", plan)

	return nil
}

func (l *Loader) dispatcherFor() (handoff.Dispatcher, error) {
	switch l.plan.Dispatch {
	case DispatchFirmware:
		return handoff.Firmware{}, nil
	case DispatchMultiboot:
		return handoff.Multiboot{Header: l.info.Multiboot}, nil
	case DispatchReexec:
		host := l.Host
		if host == nil {
			host = handoff.LinuxHost{}
		}

		return handoff.Reexec{Host: host}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrDispatch, l.plan.Dispatch)
}

func (l *Loader) environment() (*modinfo.Environment, error) {
	env := modinfo.NewEnvironment()

	for _, s := range l.Env {
		v, err := modinfo.ParseVar(s)
		if err != nil {
			return nil, err
		}

		env.Set(v.Name, v.Value)
	}

	return env, nil
}

// Setup stages the kernel and the modules.
func (l *Loader) Setup() error {
	if err := l.makePlan(); err != nil {
		return err
	}

	d, err := l.dispatcherFor()
	if err != nil {
		return err
	}

	env, err := l.environment()
	if err != nil {
		return err
	}

	size := l.StagingSize
	if size == 0 {
		size = DefaultStagingSize(l.info.Arch.String())
	}

	st := staging.New(l.fw, l.ram, l.plan.Policy)
	if err := st.Init(size); err != nil {
		return err
	}

	man := modinfo.NewManifest(l.info.Arch.WordSize())

	if err := l.load(st, man); err != nil {
		if ferr := st.Free(); ferr != nil {
			log.Printf("freeing staging area: %v", ferr)
		}

		return err
	}

	l.dispatcher = d
	l.attempt = &handoff.Attempt{
		Arch:          l.info.Arch,
		FW:            l.fw,
		Staging:       st,
		Manifest:      man,
		Env:           env,
		Strategy:      l.plan.Strategy,
		AllowFallback: l.AllowFallback,
		CPU:           l.cpu,
	}

	return nil
}

func (l *Loader) load(st *staging.Context, man *modinfo.Manifest) error {
	kern, err := os.Open(l.Kernel)
	if err != nil {
		return err
	}
	defer kern.Close()

	k, err := elfload.LoadKernel(kern, l.Kernel, l.Args, st, man)
	if err != nil {
		return err
	}

	fmt.Printf("kernel %v\r\n", k)

	for _, m := range l.Modules {
		if err := l.loadModule(m, st, man); err != nil {
			return err
		}
	}

	return nil
}

func (l *Loader) loadModule(m Module, st *staging.Context, man *modinfo.Manifest) error {
	f, err := os.Open(m.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return err
	}

	typ := m.Type
	if typ == "" {
		typ = DefaultModuleType
	}

	mod, err := elfload.LoadModule(f, uint64(fi.Size()), m.Path, typ, m.Args, st, man)
	if err != nil {
		return err
	}

	fmt.Printf("module %v\r\n", mod)

	return nil
}

// done returns what to wait on once the dispatcher has let go: the
// processor, or for a re-exec the host when it can tell.
func (l *Loader) done() <-chan struct{} {
	if l.plan.Dispatch != DispatchReexec {
		return l.cpu.Done()
	}

	if h, ok := l.Host.(interface{ Done() <-chan struct{} }); ok {
		return h.Done()
	}

	return nil
}

// Boot dispatches and waits for the processor to stop. It returns early
// with the dispatcher's error when the firmware is still usable, after
// releasing everything staged.
func (l *Loader) Boot() error {
	if l.attempt == nil {
		return fmt.Errorf("%w: Boot before Setup", handoff.ErrInvalidTransition)
	}

	fmt.Printf("Dispatch %s (%s processor)\r\n", l.dispatcher.Name(), l.Processor)

	errc := make(chan error, 1)

	go func() {
		errc <- l.dispatcher.Dispatch(l.attempt)
	}()

	select {
	case <-l.done():
	case err := <-errc:
		if aerr := l.attempt.Abort(); aerr != nil {
			log.Printf("abort: %v", aerr)
		}

		return fmt.Errorf("Boot: %w", err)
	}

	return l.result()
}

func (l *Loader) result() error {
	if l.plan.Dispatch == DispatchReexec {
		return nil
	}

	switch c := l.cpu.(type) {
	case *emu.CPU:
		r := c.Result()
		fmt.Printf("emu: %v\r\n", r)

		if r.Err != nil {
			return fmt.Errorf("%w: %v", ErrStopped, r.Err)
		}
	case *machine.Machine:
		r := c.Result()
		fmt.Printf("kvm: %v\r\n", r)

		if r.Err != nil {
			return fmt.Errorf("%w: %v", ErrStopped, r.Err)
		}
	}

	return nil
}
