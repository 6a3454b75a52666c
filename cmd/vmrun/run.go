// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/vmrun/pkg/hostarch"
	"gvisor.dev/vmrun/pkg/hostmem"
	"gvisor.dev/vmrun/pkg/log"
	"gvisor.dev/vmrun/pkg/memslot"
	"gvisor.dev/vmrun/pkg/metric"
	"gvisor.dev/vmrun/pkg/svmsim"
	"gvisor.dev/vmrun/pkg/vmrun"
)

// demoImage increments RAX three times and calls the hypervisor.
var demoImage = []byte{
	0x48, 0xff, 0xc0, // INC RAX
	0x48, 0xff, 0xc0,
	0x48, 0xff, 0xc0,
	0x0f, 0x01, 0xd9, // VMMCALL
}

// Run implements subcommands.Command for the "run" command.
type Run struct {
	flags configFlags

	image   string
	pages   uint64
	entry   uint64
	vcpus   int
	dump    bool
	metrics bool
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run a flat guest image until every VCPU exits"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags]

The image is loaded at guest physical address -entry of a single memory slot
and every VCPU starts there with paging off. Without -image a built-in
program that increments RAX and calls the hypervisor is run.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	r.flags.register(f)
	f.StringVar(&r.image, "image", "", "flat binary to load.")
	f.Uint64Var(&r.pages, "pages", 512, "guest memory size in pages.")
	f.Uint64Var(&r.entry, "entry", 0, "guest physical load and entry address.")
	f.IntVar(&r.vcpus, "vcpus", 1, "number of VCPUs.")
	f.BoolVar(&r.dump, "dump", false, "dump the registers of every VCPU after it exits.")
	f.BoolVar(&r.metrics, "metrics", false, "print metrics in Prometheus text format on completion.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := *args[0].(*vmrun.Config)
	if err := r.flags.apply(f, &conf); err != nil {
		Fatalf("%v", err)
	}

	img := demoImage
	if r.image != "" {
		var err error
		if img, err = os.ReadFile(r.image); err != nil {
			Fatalf("reading image: %v", err)
		}
	}

	res, err := runImage(ctx, conf, img, guestLayout{pages: r.pages, entry: r.entry, vcpus: r.vcpus})
	if err != nil {
		Fatalf("%v", err)
	}
	report(os.Stdout, res, r.dump)
	if r.metrics {
		if err := metric.WriteText(os.Stdout); err != nil {
			Fatalf("%v", err)
		}
	}
	return subcommands.ExitSuccess
}

// guestLayout describes the guest runImage builds.
type guestLayout struct {
	pages uint64
	entry uint64
	vcpus int
}

// vcpuResult is the state of one VCPU after its terminal exit.
type vcpuResult struct {
	ID    int
	Exit  vmrun.Exit
	Regs  vmrun.Regs
	Sregs vmrun.Sregs
}

// runResult is the outcome of runImage.
type runResult struct {
	VCPUs []vcpuResult
	Stats vmrun.Stats
	CPU   svmsim.Stats
}

// runImage runs img on a fresh VM until every VCPU returns from Run once.
// Cancelling ctx interrupts every VCPU.
func runImage(ctx context.Context, conf vmrun.Config, img []byte, l guestLayout) (runResult, error) {
	if l.vcpus <= 0 {
		return runResult{}, fmt.Errorf("vcpus %d must be positive", l.vcpus)
	}
	size := l.pages * hostarch.PageSize
	if l.entry > size || uint64(len(img)) > size-l.entry {
		return runResult{}, fmt.Errorf("image of %d bytes at %#x does not fit in %d pages", len(img), l.entry, l.pages)
	}

	arena := hostmem.NewArena()
	defer arena.Release()
	cpu := svmsim.New(conf, arena)
	host, err := vmrun.NewHost(conf, arena, cpu)
	if err != nil {
		return runResult{}, err
	}
	vm := host.CreateVM()
	defer vm.DecRef()

	hva, err := arena.Map(size, hostmem.MapOpts{PageLevel: hostarch.PageLevel2M})
	if err != nil {
		return runResult{}, fmt.Errorf("allocating guest memory: %w", err)
	}
	if err := vm.SetUserMemoryRegion(memslot.Region{NPages: l.pages, UserspaceAddr: hva}); err != nil {
		return runResult{}, fmt.Errorf("adding guest memory: %w", err)
	}
	mem, err := arena.Bytes(hva+hostarch.HVA(l.entry), uint64(len(img)))
	if err != nil {
		return runResult{}, err
	}
	copy(mem, img)

	vcpus := make([]*vmrun.VCPU, l.vcpus)
	for i := range vcpus {
		c, err := vm.CreateVCPU(i)
		if err != nil {
			return runResult{}, err
		}
		c.SetReg(vmrun.RIP, l.entry)
		vcpus[i] = c
	}
	log.Infof("running %d bytes at %#x on %d vcpus, %v paging", len(img), l.entry, l.vcpus, conf.Paging)

	res := runResult{VCPUs: make([]vcpuResult, len(vcpus))}
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range vcpus {
		i, c := i, c
		g.Go(func() error {
			e, err := c.Run()
			if err != nil {
				return err
			}
			log.Debugf("vcpu %d: %v", c.ID(), e)
			res.VCPUs[i] = vcpuResult{ID: c.ID(), Exit: e, Regs: c.GetRegs(), Sregs: c.GetSregs()}
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-gctx.Done():
			for _, c := range vcpus {
				c.Interrupt()
			}
		case <-done:
		}
	}()
	err = g.Wait()
	close(done)
	if err != nil {
		return runResult{}, err
	}
	res.Stats = vm.Stats()
	res.CPU = cpu.Stats()
	return res, nil
}

// report writes res to w.
func report(w io.Writer, res runResult, dump bool) {
	for _, v := range res.VCPUs {
		fmt.Fprintf(w, "vcpu %d: %v rip=%#x rax=%#x\n", v.ID, v.Exit, v.Regs.RIP, v.Regs.RAX)
		if dump {
			spew.Fdump(w, v.Regs, v.Sregs)
		}
	}
	fmt.Fprintf(w, "entries=%d instructions=%d flush_all=%d flush_asid=%d clean_sections=%d\n",
		res.CPU.Entries, res.CPU.Instructions, res.CPU.FlushAll, res.CPU.FlushASID, res.CPU.CleanSections)
	if dump {
		spew.Fdump(w, res.Stats)
	}
}
