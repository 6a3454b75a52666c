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

	"gvisor.dev/vmrun/pkg/mmu"
)

// Reg names a general register.
type Reg int

// General registers, in instruction encoding order.
const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	RIP
	NumGPRs
)

// Registers cached alongside the general registers.
const (
	regRFLAGS = NumGPRs + iota
	regCR2
	regCR3
	numRegs
)

var regNames = [numRegs]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15", "rip",
	"rflags", "cr2", "cr3",
}

// String implements fmt.Stringer.
func (r Reg) String() string {
	if r < 0 || r >= numRegs {
		return fmt.Sprintf("Reg(%d)", int(r))
	}
	return regNames[r]
}

func (r Reg) mask() uint32 {
	return 1 << r
}

// vmcbRegs are the registers held in the VMCB save area. All others are
// exchanged with the Hardware through Guest.GPRs and are always current.
const vmcbRegs uint32 = 1<<RAX | 1<<RSP | 1<<RIP | 1<<regRFLAGS | 1<<regCR2 | 1<<regCR3

// gprsAlwaysAvailable are the registers whose cache is never stale.
const gprsAlwaysAvailable = (1<<NumGPRs - 1) &^ vmcbRegs

// Regs are the general registers of a VCPU.
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

// cache returns the cache slot of r.
func (c *VCPU) cache(r Reg) *uint64 {
	switch r {
	case regRFLAGS:
		return &c.rflags
	case regCR2:
		return &c.cr2
	case regCR3:
		return &c.cr3
	default:
		return &c.regs[r]
	}
}

// hardwareReg returns the VMCB field holding r, or nil if r is exchanged
// through Guest.GPRs or owned by the VMM.
func (c *VCPU) hardwareReg(r Reg) *uint64 {
	save := &c.guest.VMCB.Save
	switch r {
	case RAX:
		return &save.RAX
	case RSP:
		return &save.RSP
	case RIP:
		return &save.RIP
	case regRFLAGS:
		return &save.RFLAGS
	case regCR2:
		return &save.CR2
	case regCR3:
		// With shadow paging the VMCB holds the shadow root and the guest
		// value is only known to the VMM.
		if c.vm.cfg.Paging == mmu.Shadow {
			return nil
		}
		return &save.CR3
	default:
		return nil
	}
}

// readReg returns r, loading it from the VMCB if the cached value is stale.
func (c *VCPU) readReg(r Reg) uint64 {
	v := c.cache(r)
	if c.regsAvail&r.mask() == 0 {
		if hw := c.hardwareReg(r); hw != nil {
			*v = *hw
		}
		c.regsAvail |= r.mask()
	}
	return *v
}

// writeReg sets r. The value reaches the VMCB before the next entry.
func (c *VCPU) writeReg(r Reg, v uint64) {
	*c.cache(r) = v
	c.regsAvail |= r.mask()
	c.regsDirty |= r.mask()
}

// flushRegs writes every dirty register to the VMCB. The cache stays valid.
func (c *VCPU) flushRegs() {
	for r := Reg(0); r < numRegs; r++ {
		if c.regsDirty&r.mask() == 0 {
			continue
		}
		if hw := c.hardwareReg(r); hw != nil {
			*hw = *c.cache(r)
		}
	}
	c.regsDirty = 0
}

// invalidateRegs drops the cached registers the guest may have changed.
func (c *VCPU) invalidateRegs() {
	stale := vmcbRegs
	if c.hardwareReg(regCR3) == nil {
		stale &^= regCR3.mask()
	}
	c.regsAvail &^= stale
}

// Reg returns general register r.
func (c *VCPU) Reg(r Reg) uint64 {
	if r < 0 || r >= NumGPRs {
		panic(fmt.Sprintf("invalid register %v", r))
	}
	return c.readReg(r)
}

// SetReg sets general register r.
func (c *VCPU) SetReg(r Reg, v uint64) {
	if r < 0 || r >= NumGPRs {
		panic(fmt.Sprintf("invalid register %v", r))
	}
	c.writeReg(r, v)
}

// RFLAGS returns the flags register.
func (c *VCPU) RFLAGS() uint64 {
	return c.readReg(regRFLAGS)
}

func (c *VCPU) setRFLAGS(v uint64) {
	c.writeReg(regRFLAGS, v)
}

// GetRegs returns the general registers.
func (c *VCPU) GetRegs() Regs {
	return Regs{
		RAX:    c.readReg(RAX),
		RBX:    c.readReg(RBX),
		RCX:    c.readReg(RCX),
		RDX:    c.readReg(RDX),
		RSI:    c.readReg(RSI),
		RDI:    c.readReg(RDI),
		RSP:    c.readReg(RSP),
		RBP:    c.readReg(RBP),
		R8:     c.readReg(R8),
		R9:     c.readReg(R9),
		R10:    c.readReg(R10),
		R11:    c.readReg(R11),
		R12:    c.readReg(R12),
		R13:    c.readReg(R13),
		R14:    c.readReg(R14),
		R15:    c.readReg(R15),
		RIP:    c.readReg(RIP),
		RFLAGS: c.readReg(regRFLAGS),
	}
}

// SetRegs sets the general registers.
func (c *VCPU) SetRegs(regs Regs) {
	c.writeReg(RAX, regs.RAX)
	c.writeReg(RBX, regs.RBX)
	c.writeReg(RCX, regs.RCX)
	c.writeReg(RDX, regs.RDX)
	c.writeReg(RSI, regs.RSI)
	c.writeReg(RDI, regs.RDI)
	c.writeReg(RSP, regs.RSP)
	c.writeReg(RBP, regs.RBP)
	c.writeReg(R8, regs.R8)
	c.writeReg(R9, regs.R9)
	c.writeReg(R10, regs.R10)
	c.writeReg(R11, regs.R11)
	c.writeReg(R12, regs.R12)
	c.writeReg(R13, regs.R13)
	c.writeReg(R14, regs.R14)
	c.writeReg(R15, regs.R15)
	c.writeReg(RIP, regs.RIP)
	c.writeReg(regRFLAGS, regs.RFLAGS)
}
