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

package mmu

import (
	"gvisor.dev/vmrun/pkg/abi/svm"
	"gvisor.dev/vmrun/pkg/hostarch"
	"gvisor.dev/vmrun/pkg/ring0/pagetables"
)

// accessCode are the error code bits describing the access itself.
const accessCode = svm.PFErrWrite | svm.PFErrUser | svm.PFErrFetch

// updatePermissions recomputes the permission bitmap from the guest paging
// registers.
//
// Byte i of the bitmap describes accesses whose error code bits 4:1 are i.
// Bit a of the byte is set if such an access to a page with access bits a
// faults.
func (c *Context) updatePermissions() {
	wp := c.cr0&svm.CR0WP != 0
	smep := c.cr4&svm.CR4SMEP != 0
	for i := range c.permissions {
		code := uint64(i) << 1
		write := code&svm.PFErrWrite != 0
		user := code&svm.PFErrUser != 0
		fetch := code&svm.PFErrFetch != 0
		var faults uint8
		for a := uint8(0); a <= accAll; a++ {
			fault := false
			if fetch && a&accExec == 0 {
				fault = true
			}
			if user && a&accUser == 0 {
				fault = true
			}
			// Supervisor writes ignore read-only pages unless CR0.WP.
			if write && a&accWrite == 0 && (user || wp) {
				fault = true
			}
			if fetch && !user && smep && a&accUser != 0 {
				fault = true
			}
			if fault {
				faults |= 1 << a
			}
		}
		c.permissions[i] = faults
	}
}

// permissionFault returns true if an access described by code to a page with
// access bits access faults.
func (c *Context) permissionFault(access uint8, code uint64) bool {
	return c.permissions[(code>>1)&0xf]>>access&1 != 0
}

// guestWalk is the guest side of a translation.
type guestWalk struct {
	// gfn is the 4K frame the address lands in.
	gfn hostarch.GFN

	// level is the level of the guest's leaf. Mappings may not be larger.
	level int

	// access are the guest permissions accumulated over the walk, and
	// accessAt[l] those accumulated down to level l.
	access   uint8
	accessAt [tableLevels + 1]uint8

	// tables[l] is the guest table used at level l.
	tables [tableLevels + 1]hostarch.GFN

	// ptes[l] points at the guest entry used at level l, and gptes[l] is
	// the value read from it.
	ptes  [tableLevels + 1]*pagetables.PTE
	gptes [tableLevels + 1]pagetables.PTE
}

// direct returns the walk of an untranslated address.
func directWalk(addr uint64) guestWalk {
	return guestWalk{
		gfn:    hostarch.GFN(addr >> hostarch.PageShift),
		level:  hostarch.MaxHugePageLevel,
		access: accAll,
	}
}

// changed returns true if a guest entry used by the walk no longer holds the
// value read.
func (w *guestWalk) changed() bool {
	for l := tableLevels; l >= w.level && l > 0; l-- {
		if w.ptes[l] != nil && w.ptes[l].Load() != w.gptes[l] {
			return true
		}
	}
	return false
}

// shadows returns true if the walk used gfn as one of its tables.
func (w *guestWalk) shadows(gfn hostarch.GFN) bool {
	for l := tableLevels; l >= w.level && l > 0; l-- {
		if w.tables[l] == gfn {
			return true
		}
	}
	return false
}

// guestTable returns the guest table at gfn, or nil if no slot backs it.
func (c *Context) guestTable(gfn hostarch.GFN) *pagetables.PTEs {
	slot := c.d.slotOf(c.as, gfn)
	if slot == nil {
		return nil
	}
	pfn, _, err := c.d.mem.Translate(slot.GFNToHVA(gfn), false)
	if err != nil {
		return nil
	}
	page := c.d.mem.Page(pfn)
	if page == nil {
		return nil
	}
	return pagetables.FromPage(page)
}

// walkGuest translates addr through the guest's page tables for an access
// described by code. Only 4-level long mode tables are walked; accessed and
// dirty bits are left alone.
//
// Preconditions: the caller is in a slot read-side section.
func (c *Context) walkGuest(addr, code uint64) (guestWalk, error) {
	if c.cr0&svm.CR0PG == 0 {
		return directWalk(addr), nil
	}
	w := guestWalk{access: accAll}
	table := hostarch.GFN(pagetables.PTE(c.cr3).Address() >> hostarch.PageShift)
	for level := tableLevels; ; level-- {
		w.tables[level] = table
		t := c.guestTable(table)
		if t == nil {
			return w, &GuestFault{Addr: addr, Code: code & accessCode}
		}
		ptr := &t[hostarch.LevelIndex(addr, level)]
		e := ptr.Load()
		w.ptes[level], w.gptes[level] = ptr, e
		if !e.Valid() {
			return w, &GuestFault{Addr: addr, Code: code & accessCode}
		}
		if e.IsSuper() && level > hostarch.MaxHugePageLevel {
			return w, &GuestFault{Addr: addr, Code: code&accessCode | svm.PFErrPresent | svm.PFErrReserved}
		}
		if !e.Writable() {
			w.access &^= accWrite
		}
		if !e.User() {
			w.access &^= accUser
		}
		if c.efer&svm.EFERNXE != 0 && !e.Executable() {
			w.access &^= accExec
		}
		w.accessAt[level] = w.access
		if isLeaf(e, level) {
			w.level = level
			size := hostarch.HPageSize(level)
			base := e.Address() &^ (size - 1)
			w.gfn = hostarch.GFN((base + addr&(size-1)) >> hostarch.PageShift)
			break
		}
		table = hostarch.GFN(e.Address() >> hostarch.PageShift)
	}
	if c.permissionFault(w.access, code) {
		return w, &GuestFault{Addr: addr, Code: code&accessCode | svm.PFErrPresent}
	}
	return w, nil
}
