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

// Package hostmem owns the host memory that backs guests and VMM tables.
//
// A Memory hands out host-physical frames for host-virtual addresses and
// notifies registered Notifiers around any change to which frame backs an
// address. Arena is the in-process implementation, built from anonymous
// mappings and synthetic frame numbers.
package hostmem

import (
	"golang.org/x/sys/unix"
	"gvisor.dev/vmrun/pkg/errors"
	"gvisor.dev/vmrun/pkg/hostarch"
)

var (
	// ErrBadAddress is returned for host-virtual addresses that are not
	// backed.
	ErrBadAddress = errors.New(unix.EFAULT, "host address not backed")

	// ErrNoMemory is returned when a mapping or page cannot be allocated.
	ErrNoMemory = errors.New(unix.ENOMEM, "out of host memory")
)

// Notifier observes changes to the frames backing host-virtual ranges.
//
// OnRangeInvalidateBegin is called before the frames backing r change, and
// OnRangeInvalidateEnd after. Calls for one range are paired and made with
// no Memory lock held.
type Notifier interface {
	OnRangeInvalidateBegin(r hostarch.Range)
	OnRangeInvalidateEnd(r hostarch.Range)
}

// Memory is the host memory consumed by the VM core.
type Memory interface {
	// Translate returns the frame backing hva and whether it may be written.
	// A write request on a read-only mapping still succeeds with writable
	// false.
	Translate(hva hostarch.HVA, write bool) (pfn hostarch.PFN, writable bool, err error)

	// MappingLevel returns the largest page level at which the host maps
	// hva, or 0 if hva is not backed.
	MappingLevel(hva hostarch.HVA) int

	// Page returns the contents of frame pfn, or nil if the frame is not
	// live.
	Page(pfn hostarch.PFN) []byte

	// AllocPage allocates a zeroed frame for VMM use.
	AllocPage() (hostarch.PFN, error)

	// FreePage returns a frame obtained from AllocPage.
	FreePage(pfn hostarch.PFN)

	// Register adds n to the invalidation notifiers and returns a function
	// that removes it.
	Register(n Notifier) (unregister func())
}

// Mapper is a Memory that can back new host-virtual ranges. The VM core uses
// it for the memory of private slots.
type Mapper interface {
	Memory

	// Map backs a new range of length bytes and returns its start.
	Map(length uint64, opts MapOpts) (hostarch.HVA, error)

	// Unmap releases the range starting at hva.
	Unmap(hva hostarch.HVA) error
}
