// Copyright 2018 The gVisor Authors.
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

// Package pagetables provides the x86-64 page table entry format and walkers
// shared by nested tables, shadow tables and guest-built tables.
//
// Tables are addressed by physical address. What "physical" means depends on
// the Allocator: host-physical for tables owned by the VMM, guest-physical
// for tables built inside guest memory.
package pagetables

import (
	"fmt"
	"sync/atomic"

	"gvisor.dev/vmrun/pkg/hostarch"
)

// Entry bits.
const (
	present      = 0x001
	writable     = 0x002
	user         = 0x004
	writeThrough = 0x008
	cacheDisable = 0x010
	accessed     = 0x020
	dirty        = 0x040
	super        = 0x080
	global       = 0x100

	// hostWritable and mmuWritable are software bits. hostWritable records
	// that the backing page may be written; mmuWritable records that write
	// access was withheld only for tracking and may be restored in place.
	hostWritable = 0x200
	mmuWritable  = 0x400

	executeDisable = 1 << 63

	addrMask = 0x000f_ffff_ffff_f000
)

// MapOpts are the options for a leaf or table entry.
type MapOpts struct {
	// Writable allows stores.
	Writable bool

	// User allows CPL 3 access.
	User bool

	// Executable allows instruction fetch.
	Executable bool

	// Global marks the translation global.
	Global bool

	// HostWritable sets the hostWritable software bit.
	HostWritable bool

	// MMUWritable sets the mmuWritable software bit.
	MMUWritable bool
}

// String implements fmt.Stringer.
func (o MapOpts) String() string {
	s := []byte("r--")
	if o.Writable {
		s[1] = 'w'
	}
	if o.Executable {
		s[2] = 'x'
	}
	if o.User {
		s = append(s, 'u')
	}
	return string(s)
}

// PTE is a page table entry.
type PTE uint64

// Valid returns true iff this entry is present.
func (p PTE) Valid() bool {
	return p&present != 0
}

// IsSuper returns true iff this entry maps a huge page.
func (p PTE) IsSuper() bool {
	return p&super != 0
}

// Writable returns true iff stores are allowed.
func (p PTE) Writable() bool {
	return p&writable != 0
}

// User returns true iff CPL 3 accesses are allowed.
func (p PTE) User() bool {
	return p&user != 0
}

// Executable returns true iff fetches are allowed.
func (p PTE) Executable() bool {
	return p&executeDisable == 0
}

// Accessed returns the accessed bit.
func (p PTE) Accessed() bool {
	return p&accessed != 0
}

// Dirty returns the dirty bit.
func (p PTE) Dirty() bool {
	return p&dirty != 0
}

// HostWritable returns the hostWritable software bit.
func (p PTE) HostWritable() bool {
	return p&hostWritable != 0
}

// MMUWritable returns the mmuWritable software bit.
func (p PTE) MMUWritable() bool {
	return p&mmuWritable != 0
}

// Address returns the physical address referenced by the entry.
func (p PTE) Address() uint64 {
	return uint64(p & addrMask)
}

// PFN returns the frame referenced by the entry.
func (p PTE) PFN() hostarch.PFN {
	return hostarch.PFN(p.Address() >> hostarch.PageShift)
}

// Opts returns the entry's options.
func (p PTE) Opts() MapOpts {
	return MapOpts{
		Writable:     p.Writable(),
		User:         p.User(),
		Executable:   p.Executable(),
		Global:       p&global != 0,
		HostWritable: p.HostWritable(),
		MMUWritable:  p.MMUWritable(),
	}
}

// WithoutWrite returns the entry with write access removed.
func (p PTE) WithoutWrite() PTE {
	return p &^ writable
}

// WithoutMMUWrite returns the entry with write access removed and not
// restorable in place.
func (p PTE) WithoutMMUWrite() PTE {
	return p &^ (writable | mmuWritable)
}

// WithWrite returns the entry with write access granted.
func (p PTE) WithWrite() PTE {
	return p | writable
}

// WithAccessed returns the entry with the accessed bit set, and the dirty bit
// as well if write is set.
func (p PTE) WithAccessed(write bool) PTE {
	p |= accessed
	if write {
		p |= dirty
	}
	return p
}

// String implements fmt.Stringer.
func (p PTE) String() string {
	if !p.Valid() {
		return "none"
	}
	s := fmt.Sprintf("%#x %s", p.Address(), p.Opts())
	if p.IsSuper() {
		s += " super"
	}
	return s
}

// MakePTE returns an entry referencing addr. A leaf above level 1 gets the
// super bit.
func MakePTE(addr uint64, level int, leaf bool, opts MapOpts) PTE {
	v := PTE(addr&addrMask) | present | accessed
	if leaf && level > hostarch.PageLevel4K {
		v |= super
	}
	if opts.Writable {
		v |= writable
	}
	if opts.User {
		v |= user
	}
	if !opts.Executable {
		v |= executeDisable
	}
	if opts.Global {
		v |= global
	}
	if opts.HostWritable {
		v |= hostWritable
	}
	if opts.MMUWritable {
		v |= mmuWritable
	}
	return v
}

// tableOpts are the options of non-leaf entries. Permissions are enforced at
// the leaf.
var tableOpts = MapOpts{Writable: true, User: true, Executable: true}

// Load atomically reads the entry.
func (p *PTE) Load() PTE {
	return PTE(atomic.LoadUint64((*uint64)(p)))
}

// Store atomically writes the entry.
func (p *PTE) Store(v PTE) {
	atomic.StoreUint64((*uint64)(p), uint64(v))
}

// Clear atomically clears the entry and returns its previous value.
func (p *PTE) Clear() PTE {
	return PTE(atomic.SwapUint64((*uint64)(p), 0))
}

// CompareAndSwap atomically replaces old with new.
func (p *PTE) CompareAndSwap(old, new PTE) bool {
	return atomic.CompareAndSwapUint64((*uint64)(p), uint64(old), uint64(new))
}

// PTEs is a collection of entries forming one table page.
type PTEs [hostarch.EntriesPerTable]PTE
