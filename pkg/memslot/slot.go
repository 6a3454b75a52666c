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

package memslot

import (
	"fmt"

	"gvisor.dev/vmrun/pkg/bitmap"
	"gvisor.dev/vmrun/pkg/hostarch"
)

// Slot limits.
const (
	// UserSlots is the number of slots the address-space owner may use.
	UserSlots = 509

	// PrivateSlots is the number of slots reserved for the core.
	PrivateSlots = 3

	// NumSlots is the size of the slot id space.
	NumSlots = UserSlots + PrivateSlots

	// AddressSpaces is the number of guest address spaces: normal and
	// system management.
	AddressSpaces = 2

	// MaxPages is the largest page count of one slot.
	MaxPages = 1<<31 - 1
)

// Private slot ids.
const (
	TSSSlot               = UserSlots + 0
	APICAccessSlot        = UserSlots + 1
	IdentityPageTableSlot = UserSlots + 2
)

// IsPrivate returns true if id is reserved for the core.
func IsPrivate(id int) bool {
	return id >= UserSlots && id < NumSlots
}

// Flags are slot flags. Bits 0-15 are visible to the address-space owner;
// bits 16-31 are internal.
type Flags uint32

const (
	// LogDirtyPages records guest writes in the slot's dirty bitmap.
	LogDirtyPages Flags = 1 << 0

	// ReadOnly makes the slot read-only for the guest. Writes exit as MMIO.
	ReadOnly Flags = 1 << 1

	// UserFlags are the flags the address-space owner may set.
	UserFlags = LogDirtyPages | ReadOnly

	// InternalFlags are reserved for the core and rejected in requests.
	InternalFlags Flags = 0xffff << 16
)

// String implements fmt.Stringer.
func (f Flags) String() string {
	s := ""
	if f&LogDirtyPages != 0 {
		s += "|log"
	}
	if f&ReadOnly != 0 {
		s += "|ro"
	}
	if f&InternalFlags != 0 {
		s += fmt.Sprintf("|internal(%#x)", uint32(f&InternalFlags))
	}
	if s == "" {
		return "0"
	}
	return s[1:]
}

// SPTERef locates one paging-structure entry: the table page and the index
// within it.
type SPTERef struct {
	Table hostarch.PFN
	Index uint16
}

// RmapHead lists the entries mapping one frame at one page size.
type RmapHead struct {
	refs []SPTERef
}

// Add records ref.
func (h *RmapHead) Add(ref SPTERef) {
	h.refs = append(h.refs, ref)
}

// Remove removes ref and reports whether it was present.
func (h *RmapHead) Remove(ref SPTERef) bool {
	for i, r := range h.refs {
		if r == ref {
			last := len(h.refs) - 1
			h.refs[i] = h.refs[last]
			h.refs = h.refs[:last]
			return true
		}
	}
	return false
}

// Len returns the number of entries.
func (h *RmapHead) Len() int {
	return len(h.refs)
}

// Refs returns a copy of the entries.
func (h *RmapHead) Refs() []SPTERef {
	return append([]SPTERef(nil), h.refs...)
}

// LPageInfo counts the reasons a large page may not be used.
type LPageInfo struct {
	DisallowLPage int32
}

// Arch is the paging bookkeeping of a slot. It is protected by the MMU lock
// once the slot is published.
type Arch struct {
	// Rmap holds, per page size, one head per page of that size.
	Rmap [hostarch.NumPageSizes][]RmapHead

	// LPage holds, for 2M and 1G pages, one entry per page of that size.
	LPage [hostarch.NumPageSizes - 1][]LPageInfo

	// GFNTrack counts write-tracking users of each 4K page.
	GFNTrack []uint16
}

// Slot is one contiguous guest-physical range backed by host memory.
//
// The range, address and flags are immutable. Arch and Dirty are shared by
// every snapshot generation that includes the slot unchanged.
type Slot struct {
	ID            int
	BaseGFN       hostarch.GFN
	NPages        uint64
	UserspaceAddr hostarch.HVA
	Flags         Flags

	// Dirty is the dirty log, or nil if LogDirtyPages is clear. It is
	// protected by the MMU lock.
	Dirty *bitmap.Bitmap

	// Arch is the paging bookkeeping.
	Arch *Arch
}

// String implements fmt.Stringer.
func (s *Slot) String() string {
	return fmt.Sprintf("slot %d [%#x, %#x) @%#x %v", s.ID, uint64(s.BaseGFN), uint64(s.EndGFN()), uint64(s.UserspaceAddr), s.Flags)
}

// EndGFN returns the first frame after the slot.
func (s *Slot) EndGFN() hostarch.GFN {
	return s.BaseGFN + hostarch.GFN(s.NPages)
}

// Contains returns true if gfn is in the slot.
func (s *Slot) Contains(gfn hostarch.GFN) bool {
	return s.BaseGFN <= gfn && gfn < s.EndGFN()
}

// Overlaps returns true if [base, base+npages) intersects the slot.
func (s *Slot) Overlaps(base hostarch.GFN, npages uint64) bool {
	return base < s.EndGFN() && s.BaseGFN < base+hostarch.GFN(npages)
}

// HVARange returns the host-virtual range backing the slot.
func (s *Slot) HVARange() hostarch.Range {
	return hostarch.Range{Start: s.UserspaceAddr, End: s.UserspaceAddr + hostarch.HVA(s.NPages<<hostarch.PageShift)}
}

// GFNToHVA returns the host-virtual address of gfn.
//
// Preconditions: s.Contains(gfn).
func (s *Slot) GFNToHVA(gfn hostarch.GFN) hostarch.HVA {
	return s.UserspaceAddr + hostarch.HVA(uint64(gfn-s.BaseGFN)<<hostarch.PageShift)
}

// HVAToGFN returns the frame backed by hva, and false if hva is outside the
// slot.
func (s *Slot) HVAToGFN(hva hostarch.HVA) (hostarch.GFN, bool) {
	if !s.HVARange().Contains(hva) {
		return 0, false
	}
	return s.BaseGFN + hostarch.GFN(uint64(hva-s.UserspaceAddr)>>hostarch.PageShift), true
}

// Rmap returns the reverse-map head for the level-sized page containing gfn.
//
// Preconditions: s.Contains(gfn); the MMU lock is held.
func (s *Slot) Rmap(gfn hostarch.GFN, level int) *RmapHead {
	return &s.Arch.Rmap[level-1][hostarch.HPageIndex(gfn, s.BaseGFN, level)]
}

func (s *Slot) lpage(gfn hostarch.GFN, level int) *LPageInfo {
	return &s.Arch.LPage[level-2][hostarch.HPageIndex(gfn, s.BaseGFN, level)]
}

// LPageAllowed returns true if the level-sized page containing gfn may be
// mapped with one entry.
//
// Preconditions: s.Contains(gfn); the MMU lock is held.
func (s *Slot) LPageAllowed(gfn hostarch.GFN, level int) bool {
	if level == hostarch.PageLevel4K {
		return true
	}
	return s.lpage(gfn, level).DisallowLPage == 0
}

func (s *Slot) updateLPage(gfn hostarch.GFN, delta int32) {
	for level := hostarch.PageLevel2M; level <= hostarch.MaxHugePageLevel; level++ {
		l := s.lpage(gfn, level)
		l.DisallowLPage += delta
		if l.DisallowLPage < 0 {
			panic(fmt.Sprintf("negative large page disallow count for %v in %v", gfn, s))
		}
	}
}

// DisallowLPage forbids large pages containing gfn.
//
// Preconditions: the MMU lock is held.
func (s *Slot) DisallowLPage(gfn hostarch.GFN) {
	s.updateLPage(gfn, 1)
}

// AllowLPage undoes one DisallowLPage.
//
// Preconditions: the MMU lock is held.
func (s *Slot) AllowLPage(gfn hostarch.GFN) {
	s.updateLPage(gfn, -1)
}

// TrackWrite adds a write-tracking user of gfn. Tracked pages are never
// mapped writable nor as part of a large page.
//
// Preconditions: the MMU lock is held.
func (s *Slot) TrackWrite(gfn hostarch.GFN) {
	idx := gfn - s.BaseGFN
	if s.Arch.GFNTrack[idx] == ^uint16(0) {
		panic(fmt.Sprintf("write tracking count overflow for %v", gfn))
	}
	s.Arch.GFNTrack[idx]++
	s.DisallowLPage(gfn)
}

// UntrackWrite removes a write-tracking user of gfn.
//
// Preconditions: the MMU lock is held.
func (s *Slot) UntrackWrite(gfn hostarch.GFN) {
	idx := gfn - s.BaseGFN
	if s.Arch.GFNTrack[idx] == 0 {
		panic(fmt.Sprintf("write tracking count underflow for %v", gfn))
	}
	s.Arch.GFNTrack[idx]--
	s.AllowLPage(gfn)
}

// WriteTracked returns true if gfn has write-tracking users.
//
// Preconditions: the MMU lock is held.
func (s *Slot) WriteTracked(gfn hostarch.GFN) bool {
	return s.Arch.GFNTrack[gfn-s.BaseGFN] != 0
}

// MarkDirty records a write to gfn if the slot logs dirty pages.
//
// Preconditions: the MMU lock is held.
func (s *Slot) MarkDirty(gfn hostarch.GFN) {
	if s.Dirty != nil {
		s.Dirty.Add(uint32(gfn - s.BaseGFN))
	}
}

// newArch allocates bookkeeping for a slot covering [base, base+npages)
// backed at hva. Large pages are disallowed at unaligned edges and entirely
// when the frame and host address alignments differ.
func newArch(base hostarch.GFN, npages uint64, hva hostarch.HVA, largePages bool) *Arch {
	a := &Arch{GFNTrack: make([]uint16, npages)}
	last := base + hostarch.GFN(npages) - 1
	ugfn := hostarch.GFN(hva >> hostarch.PageShift)
	for level := hostarch.PageLevel4K; level <= hostarch.MaxHugePageLevel; level++ {
		n := hostarch.HPageIndex(last, base, level) + 1
		a.Rmap[level-1] = make([]RmapHead, n)
		if level == hostarch.PageLevel4K {
			continue
		}
		info := make([]LPageInfo, n)
		mask := hostarch.GFN(hostarch.PagesPerHPage(level) - 1)
		if base&mask != 0 {
			info[0].DisallowLPage = 1
		}
		if (base+hostarch.GFN(npages))&mask != 0 {
			info[n-1].DisallowLPage = 1
		}
		if !largePages || (base^ugfn)&mask != 0 {
			for i := range info {
				info[i].DisallowLPage = 1
			}
		}
		a.LPage[level-2] = info
	}
	return a
}
