package flag

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/alecthomas/kong"
	"github.com/bobuhiro11/govisor/cpuid"
	"github.com/bobuhiro11/govisor/vmm"
	"github.com/pkg/profile"
)

// CLI is the command line of govisor.
type CLI struct {
	Boot  BootCMD  `cmd:"" help:"Boot the cores and run VMs."`
	Probe ProbeCMD `cmd:"" help:"Print the processor features govisor looks at."`
}

type BootCMD struct {
	Cores       int    `short:"c" default:"2" help:"Number of cores, the control core included."`
	MemSize     string `short:"m" default:"64M" help:"Memory per core: as number[gGmM], optional units, defaults to M."`
	PoolSize    int    `short:"p" default:"64" help:"Number of inter-core message slots."`
	Entries     int    `default:"2048" help:"Page window entries per core."`
	Manifest    string `short:"f" type:"existingfile" help:"YAML manifest of NICs and VMs."`
	Program     string `short:"g" help:"Run one built-in guest program instead of a manifest."`
	Arg         string `help:"Argument of --program."`
	Idle        string `default:"auto" enum:"auto,hlt,mwait" help:"Idle policy (${enum})."`
	Pin         bool   `help:"Pin each core to a host CPU."`
	Serve       bool   `help:"Keep running after every VM finished."`
	LogLevel    string `default:"info" help:"Log level."`
	Dev         bool   `help:"Development logging."`
	MetricsAddr string `help:"Serve prometheus metrics on this address."`
	Profile     string `enum:"none,cpu,mem" default:"none" help:"Write a profile of the run (${enum})."`
}

type ProbeCMD struct{}

func Parse() error {
	c := CLI{}

	programName := "govisor"
	programDesc := "govisor runs unikernel VMs on dedicated cores, driven from a control core"

	ctx := kong.Parse(&c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	return ctx.Run()
}

func (d *ProbeCMD) Run() error {
	Probe(os.Stdout, cpuid.Detect())

	return nil
}

// Probe prints which features are enabled in f.
func Probe(w io.Writer, f cpuid.Features) {
	fmt.Fprintf(w, "Vendor: %s, max leaf %d\n", f.Vendor, f.MaxLeaf)
	fmt.Fprintf(w, "Idle: mwait usable: %v\n\n", f.Mwait())

	fmt.Fprintf(w, "F_1_Ecx.\n")
	printFeatures(w, cpuid.AllF1Ecx, f.Leaf1Ecx)
	fmt.Fprintf(w, "F_1_Edx.\n")
	printFeatures(w, cpuid.AllF1Edx, f.Leaf1Edx)
	fmt.Fprintf(w, "F_5_Ecx.\n")
	printFeatures(w, cpuid.AllF5Ecx, f.Leaf5Ecx)
	fmt.Fprintf(w, "F_7_0_Edx.\n")
	printFeatures(w, cpuid.AllF7_0Edx, f.Leaf7Edx)
}

func printFeatures[T cpuid.Feature](w io.Writer, features []T, reg uint32) {
	enabled, disabled := cpuid.Split(features, reg)

	fmt.Fprintf(w, "* Enabled:")

	for _, x := range enabled {
		fmt.Fprintf(w, " %s", x.String())
	}

	fmt.Fprintf(w, "\n* Disabled:")

	for _, x := range disabled {
		fmt.Fprintf(w, " %s", x.String())
	}

	fmt.Fprintf(w, "\n\n")
}

// Config turns the flags into a VMM config and manifest.
func (s *BootCMD) Config() (vmm.Config, *vmm.Manifest, error) {
	memSize, err := ParseSize(s.MemSize, "m")
	if err != nil {
		return vmm.Config{}, nil, err
	}

	c := vmm.Config{
		Cores:       s.Cores,
		MemPerCore:  uint64(memSize),
		PoolSize:    s.PoolSize,
		Entries:     s.Entries,
		Pin:         s.Pin,
		Idle:        s.Idle,
		MetricsAddr: s.MetricsAddr,
		Serve:       s.Serve,
	}

	m := &vmm.Manifest{}

	if s.Manifest != "" {
		if m, err = vmm.LoadManifest(s.Manifest); err != nil {
			return c, nil, err
		}
	}

	if s.Program != "" {
		m.VMs = append(m.VMs, vmm.VMSpec{Name: s.Program, Program: s.Program, Arg: s.Arg})
	}

	return c, m, nil
}

func (s *BootCMD) Run() error {
	switch s.Profile {
	case "cpu":
		defer profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.Quiet).Stop()
	case "mem":
		defer profile.Start(profile.MemProfile, profile.ProfilePath("."), profile.Quiet).Stop()
	}

	log, err := vmm.NewLogger(s.LogLevel, s.Dev)
	if err != nil {
		return err
	}

	defer func() { _ = log.Sync() }()

	c, m, err := s.Config()
	if err != nil {
		return err
	}

	v := vmm.New(c, m, log)

	if err := v.Init(); err != nil {
		return err
	}

	defer v.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reports, err := v.Boot(ctx)

	PrintReports(os.Stdout, reports)

	return err
}

// PrintReports writes one line per VM followed by its output.
func PrintReports(w io.Writer, reports []vmm.Report) {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "VM\tNAME\tCORE\tRESULT\tRETURN\tSTATUS")

	for _, r := range reports {
		status := "ok"

		switch {
		case r.Err != nil:
			status = r.Err.Error()
		case r.VM == 0:
			status = "not run"
		}

		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%d\t%s\n", r.VM, r.Name, r.Core, r.Result, r.ReturnCode, status)
	}

	_ = tw.Flush()

	for _, r := range reports {
		if len(r.Output) > 0 {
			fmt.Fprintf(w, "--- %s\n%s", r.Name, r.Output)
		}
	}
}
