package flag

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/alecthomas/kong"
	"github.com/bobuhiro11/gokboot/boot"
	"github.com/bobuhiro11/gokboot/elfload"
	"github.com/bobuhiro11/gokboot/emu"
	"github.com/bobuhiro11/gokboot/handoff"
	"github.com/bobuhiro11/gokboot/machine"
	"github.com/bobuhiro11/gokboot/pagetable"
	"github.com/bobuhiro11/gokboot/probe"
	"github.com/bobuhiro11/gokboot/staging"
	"github.com/bobuhiro11/gokboot/trampoline"
	"github.com/pkg/profile"
)

type CLI struct {
	Profile string `help:"write a cpu or mem profile to the current directory (cpu, mem)"`
	Debug   bool   `short:"v" help:"print debug traces"`

	Boot   BootCMD   `cmd:"" help:"stage a kernel and its modules and hand the machine over"`
	Probe  ProbeCMD  `cmd:"" help:"print what the loader learns about a kernel"`
	Disasm DisasmCMD `cmd:"" help:"disassemble the trampoline of an architecture"`
}

type BootCMD struct {
	Kernel  string   `arg:"" type:"existingfile" help:"ELF kernel image"`
	Args    string   `short:"a" help:"kernel arguments, e.g. -sv"`
	Modules []string `short:"M" name:"module" sep:"none" help:"module loaded after the kernel, as path[:type[:args]]"`
	Env     []string `short:"e" sep:"none" help:"kernel environment variable, as name=value"`

	MemSize     string `short:"m" default:"512M" help:"memory size: as number[gGmM], optional units, defaults to G"`
	StagingSize string `short:"s" default:"" help:"initial staging size: as number[gGmM], optional units, defaults to M"`
	ClampToHost bool   `help:"limit the staging area to the memory available at 2 MiB"`

	Processor     string `short:"p" enum:"emu,kvm" default:"emu" help:"processor the kernel is started on"`
	Dispatch      string `short:"d" enum:"auto,firmware,multiboot,reexec" default:"auto" help:"how the machine is handed over"`
	Strategy      string `short:"t" enum:"auto,none,direct,direct-pae,split,host" default:"auto" help:"page table layout"`
	AllowFallback bool   `help:"build direct tables when a split layout cannot map the kernel"`
	MaxSteps      string `default:"0" help:"instructions the emu processor may run before giving up, 0 for the default"`
}

type ProbeCMD struct {
	Kernel   string `arg:"" optional:"" type:"path" help:"ELF kernel image"`
	Dispatch string `short:"d" enum:"auto,firmware,multiboot,reexec" default:"auto" help:"dispatch to plan for"`
	KVM      bool   `help:"print the KVM API version and the paging features it supports"`
}

type DisasmCMD struct {
	Arch string `arg:"" enum:"amd64,i386,386,arm64" help:"trampoline architecture"`
}

// Options are the kong options of the command line.
func Options() []kong.Option {
	programName := "gokboot"
	programDesc := "gokboot stages a kernel with its modules and boot metadata and hands the machine over to it"

	return []kong.Option{
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}),
	}
}

func Parse() error {
	c := CLI{}

	ctx := kong.Parse(&c, Options()...)

	switch c.Profile {
	case "cpu":
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(".")).Stop()
	case "mem":
		defer profile.Start(profile.MemProfile, profile.ProfilePath(".")).Stop()
	case "":
	default:
		return fmt.Errorf("%w: %q", ErrProfile, c.Profile)
	}

	if c.Debug {
		EnableDebug()
	}

	err := ctx.Run()

	return err
}

// EnableDebug sends the debug traces of every package to the log.
func EnableDebug() {
	staging.Debug = log.Printf
	pagetable.Debug = log.Printf
	handoff.Debug = log.Printf
	elfload.Debug = log.Printf
	emu.Debug = log.Printf
	machine.Debug = log.Printf
}

// Config converts the command line into a loader configuration.
func (s *BootCMD) Config() (*boot.Config, error) {
	memSize, err := ParseSize(s.MemSize, "g")
	if err != nil {
		return nil, err
	}

	c := &boot.Config{
		Kernel:        s.Kernel,
		Args:          s.Args,
		Env:           s.Env,
		MemSize:       memSize,
		ClampToHost:   s.ClampToHost,
		Processor:     s.Processor,
		Dispatch:      s.Dispatch,
		Strategy:      s.Strategy,
		AllowFallback: s.AllowFallback,
	}

	if s.StagingSize != "" {
		size, err := ParseSize(s.StagingSize, "m")
		if err != nil {
			return nil, err
		}

		c.StagingSize = uint64(size)
	}

	if c.MaxSteps, err = ParseSize(s.MaxSteps, ""); err != nil {
		return nil, err
	}

	for _, arg := range s.Modules {
		m, err := ParseModule(arg)
		if err != nil {
			return nil, err
		}

		c.Modules = append(c.Modules, m)
	}

	return c, nil
}

func (s *BootCMD) Run() error {
	c, err := s.Config()
	if err != nil {
		return err
	}

	l := boot.New(*c)
	defer l.Close()

	if err := l.Init(); err != nil {
		log.Fatal(err)
	}

	if err := l.Setup(); err != nil {
		log.Fatal(err)
	}

	if err := l.Boot(); err != nil {
		log.Fatal(err)
	}

	return nil
}

func (p *ProbeCMD) Run() error {
	if p.KVM {
		if err := probe.KVM(os.Stdout); err != nil {
			return err
		}
	}

	if p.Kernel == "" {
		return nil
	}

	return Probe(os.Stdout, p.Kernel, p.Dispatch)
}

// Probe prints what the loader learns about a kernel and how it would
// stage it.
func Probe(w io.Writer, path, dispatch string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := elfload.Probe(f)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "%s: %v\n", path, info)

	if h := info.Multiboot; h != nil {
		fmt.Fprintf(w, "multiboot2 header at %#x: entry %#x efi64 %#x boot services %v\n",
			h.Offset, h.Entry, h.EntryEFI64, h.BootServices)
	}

	plan, err := boot.Auto(info, dispatch)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "plan: %v\n", plan)

	return nil
}

func (d *DisasmCMD) Run() error {
	return Disasm(os.Stdout, d.Arch)
}

// Disasm prints the trampoline of arch, one instruction per line.
func Disasm(w io.Writer, arch string) error {
	a, err := trampoline.ParseArch(arch)
	if err != nil {
		return err
	}

	b, err := trampoline.For(a)
	if err != nil {
		return err
	}

	lines, err := b.Disassemble()
	if err != nil {
		return err
	}

	for _, l := range lines {
		fmt.Fprintln(w, l)
	}

	fmt.Fprintf(w, "%d bytes of code, arguments at %#x (%d bytes)\n", b.ArgsOffset, b.ArgsOffset, trampoline.ArgsSize)

	return nil
}
