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

// Package svmsim is a software implementation of the SVM guest-mode
// boundary.
//
// A Machine executes a handful of x86-64 instructions against guest memory,
// translating every access through the tables the VM core built: the nested
// table in VMCB.Control.NCR3, or the shadow table in VMCB.Save.CR3. It exits
// the way the processor does, with exit codes, exit information and NextRIP
// in the VMCB, and it honors clean bits by reusing the state it cached from
// the previous entry on the same physical CPU.
//
// Supported instructions:
//
//	90          NOP
//	F4          HLT
//	F3 90       PAUSE
//	EB ib       JMP rel8
//	48 FF C0    INC RAX
//	48 89 03    MOV [RBX], RAX
//	48 8B 03    MOV RAX, [RBX]
//	0F 01 38    INVLPG [RAX]
//	0F 01 D9    VMMCALL
//
// Anything else raises #UD, which shuts the guest down: the machine has no
// interrupt descriptor table to deliver exceptions through.
package svmsim

import (
	"sync/atomic"

	"gvisor.dev/vmrun/pkg/abi/svm"
	"gvisor.dev/vmrun/pkg/hostarch"
	"gvisor.dev/vmrun/pkg/hostmem"
	"gvisor.dev/vmrun/pkg/metric"
	"gvisor.dev/vmrun/pkg/ring0/pagetables"
	"gvisor.dev/vmrun/pkg/sync"
	"gvisor.dev/vmrun/pkg/vmrun"
)

var (
	instructions = metric.MustCreateNewUint64Metric("/svmsim/instructions", "Number of guest instructions executed.")
	cleanHits    = metric.MustCreateNewUint64Metric("/svmsim/clean_sections", "Number of VMCB sections reused from the previous entry.")
)

// Stats are the counters of a Machine.
type Stats struct {
	// Entries is the number of VMRUNs.
	Entries uint64

	// Instructions is the number of instructions executed.
	Instructions uint64

	// FlushAll and FlushASID count entries by TLB control.
	FlushAll  uint64
	FlushASID uint64

	// CleanSections is the number of sections taken from the cache instead
	// of the VMCB.
	CleanSections uint64
}

// physCPU is one physical CPU.
type physCPU struct {
	// mu is held for the duration of an entry.
	mu sync.Mutex

	// last is the VMCB of the previous entry, and cached the state it ran
	// with. Clean bits refer to cached only when the same VMCB is entered
	// again.
	last   *svm.VMCB
	cached svm.VMCB
}

// Machine runs guests for the VM core.
type Machine struct {
	mem     hostmem.Memory
	frames  frames
	quantum int
	maxASID uint32
	cpus    []physCPU

	entries       atomic.Uint64
	instructions  atomic.Uint64
	flushAll      atomic.Uint64
	flushASID     atomic.Uint64
	cleanSections atomic.Uint64
}

var _ vmrun.Hardware = (*Machine)(nil)

// New returns a Machine with the physical CPUs and memory of cfg.
func New(cfg vmrun.Config, mem hostmem.Memory) *Machine {
	return &Machine{
		mem:     mem,
		frames:  frames{mem},
		quantum: cfg.Quantum,
		maxASID: cfg.MaxASID,
		cpus:    make([]physCPU, cfg.CPUs),
	}
}

// Stats returns m's counters.
func (m *Machine) Stats() Stats {
	return Stats{
		Entries:       m.entries.Load(),
		Instructions:  m.instructions.Load(),
		FlushAll:      m.flushAll.Load(),
		FlushASID:     m.flushASID.Load(),
		CleanSections: m.cleanSections.Load(),
	}
}

// Kick implements vmrun.Hardware.Kick.
func (m *Machine) Kick(g *vmrun.Guest) {
	g.Kick()
}

// Enter implements vmrun.Hardware.Enter.
func (m *Machine) Enter(g *vmrun.Guest) {
	cpu := &m.cpus[g.CPU]
	cpu.mu.Lock()
	defer cpu.mu.Unlock()
	m.entries.Add(1)

	st := m.load(cpu, &g.VMCB)
	t := thread{m: m, g: g, st: &st}
	t.run()

	// #VMEXIT saves the guest state and the exit information. The control
	// area is otherwise left alone.
	g.VMCB.Save = st.Save
	ctl := &g.VMCB.Control
	ctl.ExitCode = st.Control.ExitCode
	ctl.ExitInfo1 = st.Control.ExitInfo1
	ctl.ExitInfo2 = st.Control.ExitInfo2
	ctl.ExitIntInfo = st.Control.ExitIntInfo
	ctl.NextRIP = st.Control.NextRIP
	ctl.EventInj = 0
	cpu.last = &g.VMCB
	cpu.cached = st
}

// load returns the state an entry with v runs with: the contents of v,
// except for the sections v marks clean, which come from the cache if v was
// the last VMCB entered on cpu.
func (m *Machine) load(cpu *physCPU, v *svm.VMCB) svm.VMCB {
	st := *v
	if cpu.last != v {
		return st
	}
	clean := v.Control.Clean &^ svm.AlwaysDirty
	for s := 0; s < svm.NumSections; s++ {
		if clean&(1<<s) != 0 {
			copySection(&st, &cpu.cached, s)
			m.cleanSections.Add(1)
			cleanHits.Increment()
		}
	}
	return st
}

// copySection copies section s of src to dst.
func copySection(dst, src *svm.VMCB, s int) {
	dc, sc := &dst.Control, &src.Control
	ds, ss := &dst.Save, &src.Save
	switch s {
	case svm.SectionIntercepts:
		dc.InterceptCRRead, dc.InterceptCRWrite = sc.InterceptCRRead, sc.InterceptCRWrite
		dc.InterceptDRRead, dc.InterceptDRWrite = sc.InterceptDRRead, sc.InterceptDRWrite
		dc.InterceptExceptions = sc.InterceptExceptions
		dc.Intercepts = sc.Intercepts
		dc.PauseFilterCount = sc.PauseFilterCount
		dc.TSCOffset = sc.TSCOffset
	case svm.SectionPermMap:
		dc.IOPMBase, dc.MSRPMBase = sc.IOPMBase, sc.MSRPMBase
	case svm.SectionASID:
		dc.ASID = sc.ASID
	case svm.SectionIntr:
		dc.IntCtl, dc.IntVector = sc.IntCtl, sc.IntVector
	case svm.SectionNPT:
		dc.NestedCtl, dc.NCR3 = sc.NestedCtl, sc.NCR3
		ds.GPAT = ss.GPAT
	case svm.SectionCR:
		ds.CR0, ds.CR3, ds.CR4, ds.EFER = ss.CR0, ss.CR3, ss.CR4, ss.EFER
	case svm.SectionDR:
		ds.DR6, ds.DR7 = ss.DR6, ss.DR7
	case svm.SectionDT:
		ds.GDTR, ds.IDTR = ss.GDTR, ss.IDTR
	case svm.SectionSeg:
		ds.CS, ds.DS, ds.SS, ds.ES, ds.CPL = ss.CS, ss.DS, ss.SS, ss.ES, ss.CPL
	case svm.SectionCR2:
		ds.CR2 = ss.CR2
	case svm.SectionLBR:
		ds.DebugCtl = ss.DebugCtl
	case svm.SectionAVIC:
		dc.AVICBackingPage = sc.AVICBackingPage
	}
}

// frames resolves table addresses through host memory.
type frames struct {
	mem hostmem.Memory
}

// LookupPTEs implements pagetables.Lookuper.
func (f frames) LookupPTEs(addr uint64) *pagetables.PTEs {
	page := f.mem.Page(hostarch.PFN(addr >> hostarch.PageShift))
	if page == nil {
		return nil
	}
	return pagetables.FromPage(page)
}

