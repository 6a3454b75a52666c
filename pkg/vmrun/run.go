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
	"errors"
	"fmt"
	"runtime"
	"time"

	"gvisor.dev/vmrun/pkg/abi/svm"
	"gvisor.dev/vmrun/pkg/asid"
	"gvisor.dev/vmrun/pkg/errors/vmerr"
	"gvisor.dev/vmrun/pkg/log"
	"gvisor.dev/vmrun/pkg/mmu"
)

var exitLog = log.BasicRateLimitedLogger(time.Second)

// Run runs c until an exit the caller must handle. Only one goroutine may be
// in Run for c at a time; others fail with vmerr.ErrBusy.
func (c *VCPU) Run() (Exit, error) {
	if !c.running.CompareAndSwap(false, true) {
		return Exit{}, fmt.Errorf("vcpu %d: %w", c.id, vmerr.ErrBusy)
	}
	defer c.running.Store(false)

	e, err := c.run()
	if err == nil {
		exits.Increment(e.Reason.String())
	}
	return e, err
}

func (c *VCPU) run() (Exit, error) {
	for {
		if c.checkRequest(ReqExit) {
			return Exit{Reason: ExitInterrupted}, nil
		}
		c.serviceRequests()

		if c.mpState == Halted {
			c.halt()
			continue
		}

		entered, err := c.enter()
		if err != nil {
			return Exit{}, err
		}
		if !entered {
			continue
		}
		if e, done, err := c.handleExit(); err != nil || done {
			return e, err
		}
	}
}

// serviceRequests honors every pending request except ReqExit.
func (c *VCPU) serviceRequests() {
	if c.checkRequest(ReqMMUReload) {
		c.mmu.NewRoot()
	}
	// The count is visible before the request clears, so a waiting issuer
	// observes it once released.
	if c.testRequest(ReqTLBFlush) {
		c.flushPending = true
		c.flushes.Add(1)
		c.checkRequest(ReqTLBFlush)
	}
	if c.checkRequest(ReqUnhalt) {
		c.mpState = Runnable
	}
}

// halt blocks until a request may end the halt.
func (c *VCPU) halt() {
	for c.requests.Load()&wakeupRequests == 0 {
		<-c.wakeup
	}
}

// enter runs the guest once. It returns false if the entry was abandoned
// because a request or host invalidation arrived while preparing it.
func (c *VCPU) enter() (bool, error) {
	root, err := c.mmu.Root()
	if err != nil {
		return false, fmt.Errorf("vcpu %d: loading root: %w", c.id, err)
	}
	c.setRoot(root)
	c.prepareASID()
	c.flushRegs()

	// Requests made from here on see InGuest and kick.
	c.mode.Store(uint32(InGuest))
	if c.requests.Load() != 0 || c.vm.domain.NotifierCount() != 0 {
		c.mode.Store(uint32(OutsideGuest))
		refusedEntries.Increment()
		return false, nil
	}

	ctl := &c.guest.VMCB.Control
	ctl.Clean = svm.CleanAll &^ (c.dirty | svm.AlwaysDirty)
	entries.Increment()
	c.vm.host.hw.Enter(&c.guest)

	c.mode.Store(uint32(ExitingGuest))
	c.dirty = 0
	c.flushPending = false
	ctl.TLBCtl = svm.TLBCtlDoNothing
	c.invalidateRegs()
	c.mode.Store(uint32(OutsideGuest))
	return true, nil
}

// setRoot installs the translation root. A new root must not reuse
// translations cached under the old one.
func (c *VCPU) setRoot(root uint64) {
	if c.shadow() {
		save := &c.guest.VMCB.Save
		if save.CR3 != root {
			save.CR3 = root
			c.markDirty(svm.CleanCR)
			c.flushPending = true
		}
		return
	}
	ctl := &c.guest.VMCB.Control
	if ctl.NCR3 != root {
		ctl.NCR3 = root
		c.markDirty(svm.CleanNPT)
		c.flushPending = true
	}
}

// prepareASID validates c's ASID on its physical CPU and selects the TLB
// flush of the next entry.
func (c *VCPU) prepareASID() {
	ctl := &c.guest.VMCB.Control
	switch c.vm.host.cpus[c.cpu].Prepare(&c.tag) {
	case asid.FlushAll:
		ctl.TLBCtl = svm.TLBCtlFlushAll
		tlbFlushes.Increment("all")
	case asid.FlushNone:
		if c.flushPending && ctl.TLBCtl == svm.TLBCtlDoNothing {
			ctl.TLBCtl = svm.TLBCtlFlushASID
			tlbFlushes.Increment("asid")
		}
	}
	if ctl.ASID != c.tag.ASID {
		ctl.ASID = c.tag.ASID
		c.markDirty(svm.CleanASID)
	}
}

// skipInstruction advances RIP past the instruction that exited, whose
// length is n if the hardware does not report the next RIP.
func (c *VCPU) skipInstruction(n uint64) {
	next := c.guest.VMCB.Control.NextRIP
	if next == 0 {
		next = c.readReg(RIP) + n
	}
	c.writeReg(RIP, next)
}

// handleExit handles the exit of the last entry. It returns true if Run must
// return e.
func (c *VCPU) handleExit() (e Exit, done bool, err error) {
	ctl := &c.guest.VMCB.Control
	code := ctl.ExitCode
	e.Code = code
	switch code {
	case svm.ExitIntr, svm.ExitNMI:
		return e, false, nil
	case svm.ExitVMMCALL:
		c.skipInstruction(3)
		e.Reason = ExitHypercall
		return e, true, nil
	case svm.ExitHLT:
		c.skipInstruction(1)
		c.mpState = Halted
		return e, false, nil
	case svm.ExitPause:
		// The guest is spinning; let the holder of what it waits for run.
		c.skipInstruction(2)
		runtime.Gosched()
		return e, false, nil
	case svm.ExitNPF, svm.ExitPF:
		return c.pageFault(ctl.ExitInfo2, ctl.ExitInfo1)
	case svm.ExitINVLPG:
		c.mmu.InvalidatePage(ctl.ExitInfo1)
		c.skipInstruction(3)
		return e, false, nil
	case svm.ExitShutdown:
		e.Reason = ExitShutdown
		return e, true, nil
	case svm.ExitErr:
		return e, true, fmt.Errorf("vcpu %d: invalid guest state: %w", c.id, vmerr.ErrInvalidArgument)
	default:
		exitLog.Warningf("vcpu %d: unhandled exit %#x at rip %#x", c.id, code, c.readReg(RIP))
		e.Reason = ExitUnknown
		return e, true, nil
	}
}

// pageFault resolves a translation fault at addr.
func (c *VCPU) pageFault(addr, code uint64) (e Exit, done bool, err error) {
	e.Code = c.guest.VMCB.Control.ExitCode

	// Another VCPU may have fixed the entry since the fault.
	c.mode.Store(uint32(ReadingShadowTables))
	spurious := c.mmu.Spurious(addr, code)
	c.mode.Store(uint32(OutsideGuest))
	if spurious {
		return e, false, nil
	}

	err = c.mmu.PageFault(addr, code)
	var mmio *mmu.MMIOError
	var gf *mmu.GuestFault
	switch {
	case err == nil, errors.Is(err, vmerr.ErrStaleSnapshot):
		return e, false, nil
	case errors.As(err, &mmio):
		e.Reason = ExitMMIO
		e.GPA = uint64(mmio.GPA)
		e.Write = mmio.Write
		return e, true, nil
	case errors.As(err, &gf):
		c.injectPageFault(gf)
		return e, false, nil
	default:
		return e, true, fmt.Errorf("vcpu %d: fault at %#x: %w", c.id, addr, err)
	}
}

// injectPageFault delivers a #PF to the guest on the next entry.
func (c *VCPU) injectPageFault(gf *mmu.GuestFault) {
	c.SetCR2(gf.Addr)
	ctl := &c.guest.VMCB.Control
	ctl.EventInj = svm.EventInjValid | svm.EventInjErrValid | svm.EventInjTypeExcp | svm.VectorPF
	ctl.EventInjErr = uint32(gf.Code)
	log.Debugf("vcpu %d: injecting #PF at %#x, error code %#x", c.id, gf.Addr, gf.Code)
}
