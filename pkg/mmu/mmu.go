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

// Package mmu maintains the tables that translate guest memory accesses to
// host frames.
//
// A Domain holds the tables of one VM. Each VCPU has a Context that selects a
// root table in the Domain and resolves the VCPU's faults. Two Paging
// variants build the tables:
//
//   - Nested tables translate guest-physical addresses. The guest's own page
//     tables are walked by the processor.
//   - Shadow tables translate guest-virtual addresses directly. They are
//     built by walking the guest's page tables in software, and the guest
//     pages holding those tables are write-tracked so that guest updates
//     unshadow them.
//
// Every leaf entry is recorded in the reverse map of the slot that owns its
// frame, so that host-side invalidation of a range, slot changes and dirty
// logging can find the entries without scanning the tables.
//
// Lock ordering:
//
//	memslot read-side section
//		Domain.mu
//
// Domain.mu is a spin lock. Nothing that may sleep is done while it is held:
// table frames are allocated before it is taken and freed after it is
// released, and remote TLB flushes are issued after it is released.
package mmu

import (
	"fmt"

	"gvisor.dev/vmrun/pkg/errors/vmerr"
	"gvisor.dev/vmrun/pkg/hostarch"
	"gvisor.dev/vmrun/pkg/metric"
)

// Mode selects the Paging variant of a Domain.
type Mode int

const (
	// Nested builds guest-physical tables for hardware nested paging.
	Nested Mode = iota

	// Shadow builds guest-virtual tables from the guest's page tables.
	Shadow
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case Nested:
		return "nested"
	case Shadow:
		return "shadow"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	switch m {
	case Nested, Shadow:
		return []byte(m.String()), nil
	default:
		return nil, fmt.Errorf("invalid paging mode %d", int(m))
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(text []byte) error {
	switch string(text) {
	case "nested":
		*m = Nested
	case "shadow":
		*m = Shadow
	default:
		return fmt.Errorf("invalid paging mode %q: %w", text, vmerr.ErrInvalidArgument)
	}
	return nil
}

// MMIOError is returned for guest accesses that no slot can satisfy. The
// access is left to device emulation.
type MMIOError struct {
	GPA   hostarch.GPA
	Write bool
}

// Error implements error.Error.
func (e *MMIOError) Error() string {
	op := "read"
	if e.Write {
		op = "write"
	}
	return fmt.Sprintf("%s of gpa %#x: %v", op, uint64(e.GPA), vmerr.ErrUnmappedGuestPage)
}

// Unwrap returns vmerr.ErrUnmappedGuestPage.
func (e *MMIOError) Unwrap() error {
	return vmerr.ErrUnmappedGuestPage
}

// GuestFault is returned when the guest's own page tables do not permit an
// access. The fault must be injected into the guest.
type GuestFault struct {
	// Addr is the faulting guest-virtual address.
	Addr uint64

	// Code is the page-fault error code.
	Code uint64
}

// Error implements error.Error.
func (e *GuestFault) Error() string {
	return fmt.Sprintf("guest page fault at %#x, error code %#x", e.Addr, e.Code)
}

// Flusher forces VCPUs to drop cached translations.
type Flusher interface {
	// FlushRemoteTLBs makes every VCPU flush its TLB before it next runs
	// guest code, and waits for those running guest code to do so. self
	// is the calling VCPU's Context, or nil.
	FlushRemoteTLBs(self *Context)

	// ReloadRemoteMMUs makes every VCPU reload its root before it next
	// runs guest code.
	ReloadRemoteMMUs(self *Context)
}

// Stats are the page counters of a Domain.
type Stats struct {
	// Used is the number of table pages in use.
	Used int

	// Requested is the budget set by SetMaxPages, or 0 for automatic.
	Requested int

	// Max is the effective budget.
	Max int

	// Roots is the number of pages in use as roots.
	Roots int

	// NotifierSeq is the host invalidation sequence.
	NotifierSeq uint64
}

// Access bits of a translation.
const (
	accExec  uint8 = 1 << 0
	accWrite uint8 = 1 << 1
	accUser  uint8 = 1 << 2
	accAll         = accExec | accWrite | accUser
)

var (
	pageFaults       = metric.MustCreateNewUint64Metric("/mmu/page_faults", "Number of page faults resolved.", metric.NewField("mode", "nested", "shadow"))
	faultRetries     = metric.MustCreateNewUint64Metric("/mmu/fault_retries", "Number of faults retried because host memory or slots changed.")
	mmioFaults       = metric.MustCreateNewUint64Metric("/mmu/mmio_faults", "Number of faults on guest frames outside every slot.")
	pagesZapped      = metric.MustCreateNewUint64Metric("/mmu/pages_zapped", "Number of table pages zapped.")
	rangeInvalidates = metric.MustCreateNewUint64Metric("/mmu/range_invalidations", "Number of host range invalidations handled.")
	remoteFlushes    = metric.MustCreateNewUint64Metric("/mmu/remote_flushes", "Number of remote TLB flushes issued.")
)
