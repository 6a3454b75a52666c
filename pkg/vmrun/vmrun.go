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

// Package vmrun is the state core of an AMD-V virtual machine monitor.
//
// A Host owns the physical CPUs and the Hardware that enters guest mode on
// them. VMs are created from a Host; each VM owns its VCPUs, its memory slots
// (see package memslot) and its translation tables (see package mmu).
//
// A VCPU is run by one goroutine at a time through VCPU.Run. Other goroutines
// interact with a running VCPU only through requests (see Request), which are
// set atomically and, if the VCPU is in guest mode, force it out.
//
// Lock ordering:
//
//	VM.mu
//		memslot.Manager lock
//			memslot read-side section
//				mmu.Domain lock
//					asid.CPU.mu
package vmrun

import (
	"fmt"
	"sync/atomic"

	"gvisor.dev/vmrun/pkg/abi/svm"
	"gvisor.dev/vmrun/pkg/errors/vmerr"
	"gvisor.dev/vmrun/pkg/metric"
	"gvisor.dev/vmrun/pkg/mmu"
)

// VCPU limits.
const (
	// MaxVCPUs is the largest number of VCPUs in one VM.
	MaxVCPUs = 288

	// SoftMaxVCPUs is the recommended number of VCPUs.
	SoftMaxVCPUs = 240

	// MaxVCPUID is the largest VCPU id.
	MaxVCPUID = 1023
)

// Config configures a Host and the VMs created from it.
type Config struct {
	// MaxVCPUs is the VCPU capacity of each VM.
	MaxVCPUs int `toml:"max_vcpus"`

	// CPUs is the number of physical CPUs.
	CPUs int `toml:"cpus"`

	// MaxASID is the largest ASID of each physical CPU.
	MaxASID uint32 `toml:"max_asid"`

	// Paging selects nested or shadow paging for every VM.
	Paging mmu.Mode `toml:"paging"`

	// MaxMMUPages is the table page budget of each VM, or 0 for automatic.
	MaxMMUPages int `toml:"max_mmu_pages"`

	// LargePages allows mappings larger than 4K.
	LargePages bool `toml:"large_pages"`

	// Quantum is the number of guest instructions a software CPU runs per
	// entry before it forces an interrupt exit. Hardware ignores it.
	Quantum int `toml:"quantum"`

	// PauseFilterCount is the number of PAUSE instructions the guest may
	// execute before a PAUSE exit.
	PauseFilterCount uint16 `toml:"pause_filter_count"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MaxVCPUs:         SoftMaxVCPUs,
		CPUs:             4,
		MaxASID:          255,
		Paging:           mmu.Nested,
		LargePages:       true,
		Quantum:          4096,
		PauseFilterCount: 3000,
	}
}

// Validate checks c.
func (c *Config) Validate() error {
	if c.MaxVCPUs <= 0 || c.MaxVCPUs > MaxVCPUs {
		return fmt.Errorf("max_vcpus %d not in [1, %d]: %w", c.MaxVCPUs, MaxVCPUs, vmerr.ErrInvalidArgument)
	}
	if c.CPUs <= 0 {
		return fmt.Errorf("cpus %d: %w", c.CPUs, vmerr.ErrInvalidArgument)
	}
	if c.MaxASID < 1 {
		return fmt.Errorf("max_asid %d leaves no guest identifiers: %w", c.MaxASID, vmerr.ErrInvalidArgument)
	}
	if _, err := c.Paging.MarshalText(); err != nil {
		return fmt.Errorf("%v: %w", err, vmerr.ErrInvalidArgument)
	}
	if c.MaxMMUPages < 0 {
		return fmt.Errorf("max_mmu_pages %d: %w", c.MaxMMUPages, vmerr.ErrInvalidArgument)
	}
	if c.Quantum < 0 {
		return fmt.Errorf("quantum %d: %w", c.Quantum, vmerr.ErrInvalidArgument)
	}
	return nil
}

// Guest is the state Hardware runs for one VCPU.
type Guest struct {
	// CPU is the physical CPU of the entry.
	CPU int

	// VMCB is the control block of the VCPU.
	VMCB svm.VMCB

	// GPRs holds the general registers that the VMCB does not: RAX, RSP and
	// RIP are in VMCB.Save, and their slots here are unused.
	GPRs *[NumGPRs]uint64

	// kicked is set by Kick and consumed by the next exit check.
	kicked atomic.Bool
}

// Kick marks an interrupt pending for g. The entry in progress, or the next
// one, exits with svm.ExitIntr.
func (g *Guest) Kick() {
	g.kicked.Store(true)
}

// TakeKick returns true if an interrupt is pending for g, clearing it.
func (g *Guest) TakeKick() bool {
	return g.kicked.Swap(false)
}

// Hardware enters guest mode.
type Hardware interface {
	// Enter runs g on physical CPU g.CPU until the next exit, which is
	// recorded in g.VMCB.Control. It honors the clean bits, ASID and TLB
	// control of g.VMCB.
	Enter(g *Guest)

	// Kick forces g out of guest mode. It may be called from any goroutine,
	// before, during or after an entry; a kick with no entry in progress
	// makes the next entry exit immediately.
	Kick(g *Guest)
}

// ExitReason is why VCPU.Run returned.
type ExitReason int

// Exit reasons.
const (
	// ExitHypercall is returned after the guest executed VMMCALL. RIP is
	// past the instruction.
	ExitHypercall ExitReason = iota

	// ExitMMIO is returned for guest accesses to frames outside every
	// slot, or writes to read-only slots.
	ExitMMIO

	// ExitShutdown is returned when the guest can no longer run.
	ExitShutdown

	// ExitInterrupted is returned when Run was interrupted by VCPU.Interrupt.
	ExitInterrupted

	// ExitUnknown is returned for exit codes the core does not handle.
	ExitUnknown
)

var exitReasonNames = []string{"hypercall", "mmio", "shutdown", "interrupted", "unknown"}

// String implements fmt.Stringer.
func (r ExitReason) String() string {
	if r < 0 || int(r) >= len(exitReasonNames) {
		return fmt.Sprintf("ExitReason(%d)", int(r))
	}
	return exitReasonNames[r]
}

// Exit describes the return of VCPU.Run.
type Exit struct {
	Reason ExitReason

	// Code is the hardware exit code of the last exit.
	Code uint64

	// GPA and Write describe the access of an ExitMMIO.
	GPA   uint64
	Write bool
}

// String implements fmt.Stringer.
func (e Exit) String() string {
	switch e.Reason {
	case ExitMMIO:
		op := "read"
		if e.Write {
			op = "write"
		}
		return fmt.Sprintf("mmio %s at %#x", op, e.GPA)
	case ExitUnknown:
		return fmt.Sprintf("unknown exit %#x", e.Code)
	default:
		return e.Reason.String()
	}
}

var (
	vmsCreated   = metric.MustCreateNewUint64Metric("/vm/created", "Number of VMs created.")
	vcpusCreated = metric.MustCreateNewUint64Metric("/vcpu/created", "Number of VCPUs created.")
	entries      = metric.MustCreateNewUint64Metric("/vcpu/entries", "Number of guest entries.")
	exits        = metric.MustCreateNewUint64Metric("/vcpu/exits", "Number of VCPU.Run returns by reason.",
		metric.NewField("reason", exitReasonNames...))
	refusedEntries = metric.MustCreateNewUint64Metric("/vcpu/refused_entries", "Number of guest entries abandoned for pending requests or host invalidations.")
	tlbFlushes     = metric.MustCreateNewUint64Metric("/vcpu/tlb_flushes", "Number of guest entries with a TLB flush.",
		metric.NewField("kind", "asid", "all"))
	kicks = metric.MustCreateNewUint64Metric("/vcpu/kicks", "Number of VCPUs forced out of guest mode.")
)
