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

	"gvisor.dev/vmrun/pkg/abi/svm"
	"gvisor.dev/vmrun/pkg/errors/vmerr"
	"gvisor.dev/vmrun/pkg/mmu"
)

// Every mutator of VMCB state below marks exactly the sections it writes.
// The marks are cleared by the next entry.

// markDirty records that sections of the VMCB changed.
func (c *VCPU) markDirty(sections uint32) {
	c.dirty |= sections
}

// DirtySections returns the VMCB sections changed since the last entry.
func (c *VCPU) DirtySections() uint32 {
	return c.dirty
}

func (c *VCPU) shadow() bool {
	return c.vm.cfg.Paging == mmu.Shadow
}

// updatePaging passes the paging registers to the MMU.
func (c *VCPU) updatePaging() {
	c.mmu.SetPagingRegs(c.cr0, c.readReg(regCR3), c.cr4, c.efer)
}

// CR0 returns the guest's CR0.
func (c *VCPU) CR0() uint64 {
	return c.cr0
}

// SetCR0 sets the guest's CR0. With shadow paging the processor always runs
// with paging and write protection on.
func (c *VCPU) SetCR0(v uint64) {
	c.cr0 = v
	hw := v
	if c.shadow() {
		hw |= svm.CR0PG | svm.CR0WP
	}
	c.guest.VMCB.Save.CR0 = hw
	c.markDirty(svm.CleanCR)
	c.updatePaging()
}

// CR2 returns the guest's CR2.
func (c *VCPU) CR2() uint64 {
	return c.readReg(regCR2)
}

// SetCR2 sets the guest's CR2.
func (c *VCPU) SetCR2(v uint64) {
	c.writeReg(regCR2, v)
	c.markDirty(svm.CleanCR2)
}

// CR3 returns the guest's CR3.
func (c *VCPU) CR3() uint64 {
	return c.readReg(regCR3)
}

// SetCR3 sets the guest's CR3. With shadow paging this selects a new root,
// which is loaded on the next entry.
func (c *VCPU) SetCR3(v uint64) {
	c.writeReg(regCR3, v)
	if !c.shadow() {
		c.markDirty(svm.CleanCR)
	}
	c.updatePaging()
}

// CR4 returns the guest's CR4.
func (c *VCPU) CR4() uint64 {
	return c.cr4
}

// SetCR4 sets the guest's CR4. With shadow paging the processor always uses
// PAE tables.
func (c *VCPU) SetCR4(v uint64) {
	c.cr4 = v
	hw := v
	if c.shadow() {
		hw |= svm.CR4PAE
	}
	c.guest.VMCB.Save.CR4 = hw
	c.markDirty(svm.CleanCR)
	c.updatePaging()
}

// CR8 returns the guest's task priority.
func (c *VCPU) CR8() uint64 {
	return uint64(c.guest.VMCB.Control.IntCtl & 0xf)
}

// SetCR8 sets the guest's task priority.
func (c *VCPU) SetCR8(v uint64) {
	ctl := &c.guest.VMCB.Control
	ctl.IntCtl = ctl.IntCtl&^0xf | uint32(v&0xf)
	c.markDirty(svm.CleanIntr)
}

// EFER returns the guest's EFER.
func (c *VCPU) EFER() uint64 {
	return c.efer
}

// SetEFER sets the guest's EFER. SVME is always set for the processor.
func (c *VCPU) SetEFER(v uint64) {
	c.efer = v
	c.guest.VMCB.Save.EFER = v | svm.EFERSVME
	c.markDirty(svm.CleanCR)
	c.updatePaging()
}

// SetDR6 sets the debug status register.
func (c *VCPU) SetDR6(v uint64) {
	c.guest.VMCB.Save.DR6 = v
	c.markDirty(svm.CleanDR)
}

// SetDR7 sets the debug control register.
func (c *VCPU) SetDR7(v uint64) {
	c.guest.VMCB.Save.DR7 = v
	c.markDirty(svm.CleanDR)
}

// SegReg names a segment register.
type SegReg int

// Segment registers.
const (
	CS SegReg = iota
	DS
	ES
	SS
	FS
	GS
	TR
	LDTR
)

// segment returns the VMCB field of seg and the section that holds it, or 0
// for segments loaded by VMLOAD rather than VMRUN.
func (c *VCPU) segment(seg SegReg) (*svm.Segment, uint32, error) {
	save := &c.guest.VMCB.Save
	switch seg {
	case CS:
		return &save.CS, svm.CleanSeg, nil
	case DS:
		return &save.DS, svm.CleanSeg, nil
	case ES:
		return &save.ES, svm.CleanSeg, nil
	case SS:
		return &save.SS, svm.CleanSeg, nil
	case FS:
		return &save.FS, 0, nil
	case GS:
		return &save.GS, 0, nil
	case TR:
		return &save.TR, 0, nil
	case LDTR:
		return &save.LDTR, 0, nil
	default:
		return nil, 0, fmt.Errorf("segment %d: %w", int(seg), vmerr.ErrInvalidArgument)
	}
}

// Segment returns segment register seg.
func (c *VCPU) Segment(seg SegReg) (svm.Segment, error) {
	s, _, err := c.segment(seg)
	if err != nil {
		return svm.Segment{}, err
	}
	return *s, nil
}

// SetSegment sets segment register seg. Setting SS also sets the CPL.
func (c *VCPU) SetSegment(seg SegReg, v svm.Segment) error {
	s, section, err := c.segment(seg)
	if err != nil {
		return err
	}
	*s = v
	if seg == SS {
		c.guest.VMCB.Save.CPL = uint8(v.Attrib>>5) & 3
	}
	c.markDirty(section)
	return nil
}

// SetGDT sets the global descriptor table register.
func (c *VCPU) SetGDT(base uint64, limit uint32) {
	c.guest.VMCB.Save.GDTR = svm.Segment{Base: base, Limit: limit}
	c.markDirty(svm.CleanDT)
}

// SetIDT sets the interrupt descriptor table register.
func (c *VCPU) SetIDT(base uint64, limit uint32) {
	c.guest.VMCB.Save.IDTR = svm.Segment{Base: base, Limit: limit}
	c.markDirty(svm.CleanDT)
}

// SetIntercept enables or disables the intercept bit.
func (c *VCPU) SetIntercept(bit int, on bool) error {
	if bit < 0 || bit >= 64 {
		return fmt.Errorf("intercept %d: %w", bit, vmerr.ErrInvalidArgument)
	}
	ctl := &c.guest.VMCB.Control
	if on {
		ctl.Intercepts |= 1 << bit
	} else {
		ctl.Intercepts &^= 1 << bit
	}
	c.markDirty(svm.CleanIntercepts)
	return nil
}

// SetExceptionIntercept enables or disables the intercept of an exception
// vector.
func (c *VCPU) SetExceptionIntercept(vector int, on bool) error {
	if vector < 0 || vector >= 32 {
		return fmt.Errorf("exception vector %d: %w", vector, vmerr.ErrInvalidArgument)
	}
	ctl := &c.guest.VMCB.Control
	if on {
		ctl.InterceptExceptions |= 1 << vector
	} else {
		ctl.InterceptExceptions &^= 1 << vector
	}
	c.markDirty(svm.CleanIntercepts)
	return nil
}

// SetTSCOffset sets the offset added to the guest's time stamp counter.
func (c *VCPU) SetTSCOffset(off uint64) {
	c.guest.VMCB.Control.TSCOffset = off
	c.markDirty(svm.CleanIntercepts)
}

// SetPermMaps sets the I/O and MSR permission maps.
func (c *VCPU) SetPermMaps(iopm, msrpm uint64) {
	ctl := &c.guest.VMCB.Control
	ctl.IOPMBase = iopm
	ctl.MSRPMBase = msrpm
	c.markDirty(svm.CleanPermMap)
}

// SetDebugCtl sets the last-branch-record control.
func (c *VCPU) SetDebugCtl(v uint64) {
	c.guest.VMCB.Save.DebugCtl = v
	c.markDirty(svm.CleanLBR)
}

// SetAVICBackingPage sets the virtual APIC backing page.
func (c *VCPU) SetAVICBackingPage(pa uint64) {
	c.guest.VMCB.Control.AVICBackingPage = pa
	c.markDirty(svm.CleanAVIC)
}

// Sregs are the system registers of a VCPU.
type Sregs struct {
	CS, DS, ES, SS, FS, GS, TR, LDTR svm.Segment
	GDT, IDT                         svm.Segment
	CR0, CR2, CR3, CR4, CR8, EFER    uint64
}

// GetSregs returns the system registers.
func (c *VCPU) GetSregs() Sregs {
	save := &c.guest.VMCB.Save
	return Sregs{
		CS:   save.CS,
		DS:   save.DS,
		ES:   save.ES,
		SS:   save.SS,
		FS:   save.FS,
		GS:   save.GS,
		TR:   save.TR,
		LDTR: save.LDTR,
		GDT:  save.GDTR,
		IDT:  save.IDTR,
		CR0:  c.CR0(),
		CR2:  c.CR2(),
		CR3:  c.CR3(),
		CR4:  c.CR4(),
		CR8:  c.CR8(),
		EFER: c.EFER(),
	}
}

// SetSregs sets the system registers.
func (c *VCPU) SetSregs(s Sregs) {
	for seg, v := range map[SegReg]svm.Segment{
		CS: s.CS, DS: s.DS, ES: s.ES, SS: s.SS,
		FS: s.FS, GS: s.GS, TR: s.TR, LDTR: s.LDTR,
	} {
		// Every SegReg in the map is valid.
		_ = c.SetSegment(seg, v)
	}
	c.SetGDT(s.GDT.Base, s.GDT.Limit)
	c.SetIDT(s.IDT.Base, s.IDT.Limit)
	c.SetEFER(s.EFER)
	c.SetCR4(s.CR4)
	c.SetCR3(s.CR3)
	c.SetCR0(s.CR0)
	c.SetCR2(s.CR2)
	c.SetCR8(s.CR8)
}
