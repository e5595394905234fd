// Command kernelctl drives the process-lifecycle and VM core standalone:
// "demo" runs the S1-S6 end-to-end scenarios against a freshly
// bootstrapped kernel, and "profile" renders the accumulated fault and
// eviction counters as a pprof profile for external inspection.
package main

import (
	"fmt"
	"os"

	"github.com/google/pprof/profile"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"nucleus/kernel"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "demo":
		runDemo(os.Args[2:])
	case "profile":
		runProfile(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: kernelctl demo [--scenario S1|...|S6|all]")
	fmt.Fprintln(os.Stderr, "       kernelctl profile [--out FILE]")
}

func runDemo(args []string) {
	fs := pflag.NewFlagSet("demo", pflag.ExitOnError)
	which := fs.String("scenario", "all", "scenario to run: S1..S6 or all")
	cfg, err := kernel.ParseFlags(fs, args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg.SwapPath = tempSwapPath()
	defer os.Remove(cfg.SwapPath)

	log := logrus.NewEntry(logrus.StandardLogger())
	k, err := kernel.New(cfg, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "kernelctl:", err)
		os.Exit(1)
	}
	defer k.Close()

	failed := false
	for _, s := range scenarios {
		if *which != "all" && *which != s.name {
			continue
		}
		if err := s.run(k); err != nil {
			fmt.Fprintf(os.Stderr, "%s: FAIL: %v\n", s.name, err)
			failed = true
			continue
		}
		fmt.Printf("%s: ok\n", s.name)
	}
	if failed {
		os.Exit(1)
	}
}

func tempSwapPath() string {
	f, err := os.CreateTemp("", "kernelctl-*.swap")
	if err != nil {
		panic(err)
	}
	path := f.Name()
	f.Close()
	return path
}

func runProfile(args []string) {
	fs := pflag.NewFlagSet("profile", pflag.ExitOnError)
	out := fs.String("out", "kernelctl.pprof", "output profile path")
	cfg, err := kernel.ParseFlags(fs, args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg.SwapPath = tempSwapPath()
	defer os.Remove(cfg.SwapPath)

	log := logrus.NewEntry(logrus.StandardLogger())
	k, err := kernel.New(cfg, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "kernelctl:", err)
		os.Exit(1)
	}
	defer k.Close()

	for _, s := range scenarios {
		_ = s.run(k)
	}

	if err := writeProfile(k, *out); err != nil {
		fmt.Fprintln(os.Stderr, "kernelctl:", err)
		os.Exit(1)
	}
	fmt.Println("wrote", *out)
}

// writeProfile renders the VM manager's fault/eviction counters as a
// pprof profile: one sample per counter, each tagged with a synthetic
// function named after the counter it represents.
func writeProfile(k *kernel.Kernel, path string) error {
	stats := k.VM.Stats()
	counters := []struct {
		name  string
		value int64
	}{
		{"zerofills", stats.Zerofills},
		{"minor_faults", stats.MinFaults},
		{"major_faults", stats.MajFaults},
		{"discard_evictions", stats.DiscardEvictions},
		{"write_evictions", stats.WriteEvictions},
	}

	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "events", Unit: "count"}},
	}
	for i, c := range counters {
		id := uint64(i + 1)
		fn := &profile.Function{ID: id, Name: c.name}
		loc := &profile.Location{ID: id, Line: []profile.Line{{Function: fn}}}
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{c.value},
		})
	}
	if err := p.CheckValid(); err != nil {
		return fmt.Errorf("kernelctl: invalid profile: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("kernelctl: creating %s: %w", path, err)
	}
	defer f.Close()
	return p.Write(f)
}
