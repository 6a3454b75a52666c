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

package vmrun

import (
	"fmt"
	"sync/atomic"

	"gvisor.dev/vmrun/pkg/abi/svm"
	"gvisor.dev/vmrun/pkg/asid"
	"gvisor.dev/vmrun/pkg/atomicbitops"
	"gvisor.dev/vmrun/pkg/errors/vmerr"
	"gvisor.dev/vmrun/pkg/mmu"
)

// Mode is the guest-mode state of a VCPU.
type Mode uint32

// Modes. A VCPU moves OutsideGuest -> InGuest -> ExitingGuest ->
// OutsideGuest around each entry. ReadingShadowTables is entered from
// OutsideGuest while the VCPU reads its tables without locks.
const (
	OutsideGuest Mode = iota
	InGuest
	ExitingGuest
	ReadingShadowTables
)

var modeNames = []string{"outside_guest", "in_guest", "exiting_guest", "reading_shadow_tables"}

// String implements fmt.Stringer.
func (m Mode) String() string {
	if int(m) >= len(modeNames) {
		return fmt.Sprintf("Mode(%d)", uint32(m))
	}
	return modeNames[m]
}

// MPState is the run state of a VCPU.
type MPState int

// Run states.
const (
	// Runnable VCPUs enter the guest when run.
	Runnable MPState = iota

	// Halted VCPUs executed HLT and wait in Run for ReqUnhalt.
	Halted
)

// String implements fmt.Stringer.
func (s MPState) String() string {
	switch s {
	case Runnable:
		return "runnable"
	case Halted:
		return "halted"
	default:
		return fmt.Sprintf("MPState(%d)", int(s))
	}
}

// Hypervisor flags.
const (
	// HFlagGIF is the global interrupt flag.
	HFlagGIF uint32 = 1 << 0

	// HFlagGuest is set while the VCPU runs a nested guest.
	HFlagGuest uint32 = 1 << 1

	// HFlagSMM is set in system management mode. It selects the second
	// address space.
	HFlagSMM uint32 = 1 << 2
)

// VCPU is one virtual CPU of a VM.
//
// Except where noted, methods must be called by the goroutine that owns the
// VCPU: the one in Run, or any goroutine while no Run is in progress.
type VCPU struct {
	vm    *VM
	id    int
	index int

	// cpu is the physical CPU the VCPU runs on.
	cpu int

	// mode is the guest-mode state. It is accessed atomically.
	mode atomic.Uint32

	// requests is the pending request mask. See Request.
	requests atomicbitops.Uint64

	// wakeup is signalled when a halt may end.
	wakeup chan struct{}

	// running is set while a goroutine is in Run.
	running atomic.Bool

	mpState MPState
	hflags  uint32

	// guest is the state handed to the Hardware. guest.GPRs points at
	// regs.
	guest Guest

	// regs caches the general registers. regsAvail marks cached values
	// that are valid; regsDirty marks values that must be written back to
	// the VMCB before the next entry.
	regs      [NumGPRs]uint64
	rflags    uint64
	regsAvail uint32
	regsDirty uint32

	// Guest-visible control registers. The VMCB may hold different values
	// with shadow paging.
	cr0, cr2, cr3, cr4, efer uint64

	// dirty is the mask of VMCB sections changed since the last entry.
	dirty uint32

	// flushPending is set when the next entry must flush this VCPU's
	// translations.
	flushPending bool

	// tag is the ASID of the VCPU on cpu.
	tag asid.Tag

	mmu *mmu.Context

	// flushes counts honored TLB flush requests.
	flushes atomic.Uint64
}

// newVCPU returns an initialized VCPU in the reset state.
func newVCPU(vm *VM, id int) *VCPU {
	c := &VCPU{
		vm:     vm,
		id:     id,
		cpu:    id % vm.host.NumCPUs(),
		wakeup: make(chan struct{}, 1),
		hflags: HFlagGIF,
		mmu:    vm.domain.NewContext(),
	}
	c.guest.GPRs = &c.regs
	c.guest.CPU = c.cpu
	c.reset()
	return c
}

// reset puts c in its power-on state.
func (c *VCPU) reset() {
	ctl := &c.guest.VMCB.Control
	ctl.Intercepts = 1<<svm.InterceptIntr | 1<<svm.InterceptNMI | 1<<svm.InterceptSMI |
		1<<svm.InterceptHLT | 1<<svm.InterceptShutdown | 1<<svm.InterceptVMRUN |
		1<<svm.InterceptVMMCALL | 1<<svm.InterceptPause
	ctl.PauseFilterCount = c.vm.cfg.PauseFilterCount
	if c.vm.cfg.Paging == mmu.Shadow {
		ctl.Intercepts |= 1 << svm.InterceptINVLPG
		ctl.InterceptExceptions |= 1 << svm.VectorPF
	} else {
		ctl.NestedCtl = svm.NestedCtlNPEnable
	}
	ctl.IntCtl = svm.VIntrMask

	save := &c.guest.VMCB.Save
	code := svm.Segment{Attrib: svm.SegAttribPresent | svm.SegAttribS | svm.SegTypeCodeRead, Limit: 0xffffffff}
	data := svm.Segment{Attrib: svm.SegAttribPresent | svm.SegAttribS | svm.SegTypeDataWrite, Limit: 0xffffffff}
	save.CS = code
	save.DS, save.ES, save.SS, save.FS, save.GS = data, data, data, data, data
	save.GDTR.Limit = 0xffff
	save.IDTR.Limit = 0xffff
	save.DR6 = 0xffff0ff0
	save.DR7 = 0x400
	save.GPAT = 0x0007040600070406

	c.regs = [NumGPRs]uint64{}
	c.regsAvail = gprsAlwaysAvailable
	c.regsDirty = 0
	c.writeReg(RIP, 0)
	c.writeReg(RSP, 0)
	c.writeReg(RAX, 0)
	c.setRFLAGS(svm.RFLAGSReserved)
	c.SetEFER(0)
	c.SetCR4(0)
	c.SetCR3(0)
	c.SetCR0(svm.CR0ET | svm.CR0PE)
	c.mpState = Runnable
	c.dirty = svm.CleanAll
}

// release frees c's translation state.
func (c *VCPU) release() {
	c.mmu.Release()
}

// ID returns c's id.
func (c *VCPU) ID() int {
	return c.id
}

// Index returns c's index in the VM's VCPU table.
func (c *VCPU) Index() int {
	return c.index
}

// VM returns the VM c belongs to.
func (c *VCPU) VM() *VM {
	return c.vm
}

// Mode returns c's guest-mode state. It may be called from any goroutine.
func (c *VCPU) Mode() Mode {
	return Mode(c.mode.Load())
}

// MMU returns c's translation context.
func (c *VCPU) MMU() *mmu.Context {
	return c.mmu
}

// CPU returns the physical CPU c runs on.
func (c *VCPU) CPU() int {
	return c.cpu
}

// ASID returns c's current tag.
func (c *VCPU) ASID() asid.Tag {
	return c.tag
}

// TLBFlushes returns the number of TLB flush requests c has honored. It may
// be called from any goroutine.
func (c *VCPU) TLBFlushes() uint64 {
	return c.flushes.Load()
}

// Load binds c to physical CPU cpu. Moving to another CPU invalidates every
// cached VMCB section and the ASID, as neither is valid on the new CPU.
func (c *VCPU) Load(cpu int) error {
	if cpu < 0 || cpu >= c.vm.host.NumCPUs() {
		return fmt.Errorf("cpu %d: %w", cpu, vmerr.ErrInvalidArgument)
	}
	if cpu == c.cpu {
		return nil
	}
	c.cpu = cpu
	c.guest.CPU = cpu
	c.dirty = svm.CleanAll
	c.tag = asid.Tag{}
	return nil
}

// MPState returns c's run state.
func (c *VCPU) MPState() MPState {
	return c.mpState
}

// SetMPState sets c's run state.
func (c *VCPU) SetMPState(s MPState) error {
	switch s {
	case Runnable, Halted:
		c.mpState = s
		return nil
	default:
		return fmt.Errorf("run state %d: %w", int(s), vmerr.ErrInvalidArgument)
	}
}

// HFlags returns c's hypervisor flags.
func (c *VCPU) HFlags() uint32 {
	return c.hflags
}

// SetSMM enters or leaves system management mode, which switches the
// address space c translates in.
func (c *VCPU) SetSMM(on bool) {
	as := 0
	if on {
		c.hflags |= HFlagSMM
		as = 1
	} else {
		c.hflags &^= HFlagSMM
	}
	c.mmu.SetAddressSpace(as)
}

// AddressSpace returns the address space c translates in.
func (c *VCPU) AddressSpace() int {
	if c.hflags&HFlagSMM != 0 {
		return 1
	}
	return 0
}

// Interrupt makes Run return ExitInterrupted as soon as possible. It may be
// called from any goroutine.
func (c *VCPU) Interrupt() {
	c.makeRequest(ReqExit)
}
