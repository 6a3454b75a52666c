// Copyright 2021 The gVisor Authors.
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

// Package hostarch describes the x86-64 page geometry shared by the host and
// its guests.
package hostarch

import (
	"fmt"
)

const (
	// PageShift is the binary log of the system page size.
	PageShift = 12

	// PageSize is the system page size.
	PageSize = 1 << PageShift

	// PageMask is the mask of the offset within a page.
	PageMask = PageSize - 1

	// LevelBits is the number of address bits translated per table level.
	LevelBits = 9

	// EntriesPerTable is the number of entries in one page table.
	EntriesPerTable = 1 << LevelBits
)

// Page levels. Level 1 maps 4K pages, level 2 maps 2M pages and level 3 maps
// 1G pages.
const (
	PageLevel4K = 1
	PageLevel2M = 2
	PageLevel1G = 3

	// MaxHugePageLevel is the largest level that may map a leaf.
	MaxHugePageLevel = PageLevel1G

	// NumPageSizes is the number of supported leaf page sizes.
	NumPageSizes = MaxHugePageLevel - PageLevel4K + 1
)

// GFN is a guest-physical frame number.
type GFN uint64

// GPA is a guest-physical address.
type GPA uint64

// GVA is a guest-virtual address.
type GVA uint64

// HVA is a host-virtual address.
type HVA uint64

// PFN is a host-physical frame number.
type PFN uint64

// GPA returns the address of the first byte of the frame.
func (g GFN) GPA() GPA {
	return GPA(g << PageShift)
}

// String implements fmt.Stringer.
func (g GFN) String() string {
	return fmt.Sprintf("gfn %#x", uint64(g))
}

// GFN returns the frame containing the address.
func (a GPA) GFN() GFN {
	return GFN(a >> PageShift)
}

// PageOffset returns the offset of a within its page.
func (a GPA) PageOffset() uint64 {
	return uint64(a) & PageMask
}

// PageOffset returns the offset of a within its page.
func (a GVA) PageOffset() uint64 {
	return uint64(a) & PageMask
}

// PageRoundDown returns a rounded down to a page boundary.
func (a HVA) PageRoundDown() HVA {
	return a &^ PageMask
}

// PageOffset returns the offset of a within its page.
func (a HVA) PageOffset() uint64 {
	return uint64(a) & PageMask
}

// Addr returns the address of the first byte of the frame.
func (p PFN) Addr() uint64 {
	return uint64(p) << PageShift
}

// String implements fmt.Stringer.
func (p PFN) String() string {
	return fmt.Sprintf("pfn %#x", uint64(p))
}

// HPageGFNShift returns the number of frame-number bits covered by one page
// at level.
func HPageGFNShift(level int) uint {
	return uint(level-1) * LevelBits
}

// HPageShift returns the binary log of the page size at level.
func HPageShift(level int) uint {
	return PageShift + HPageGFNShift(level)
}

// HPageSize returns the page size in bytes at level.
func HPageSize(level int) uint64 {
	return 1 << HPageShift(level)
}

// PagesPerHPage returns the number of 4K pages in one page at level.
func PagesPerHPage(level int) uint64 {
	return 1 << HPageGFNShift(level)
}

// HPageIndex returns the index of the level-sized page containing gfn,
// relative to the level-sized page containing base.
func HPageIndex(gfn, base GFN, level int) uint64 {
	shift := HPageGFNShift(level)
	return uint64(gfn>>shift) - uint64(base>>shift)
}

// HPageBase returns gfn rounded down to the start of its level-sized page.
func HPageBase(gfn GFN, level int) GFN {
	return gfn &^ GFN(PagesPerHPage(level)-1)
}

// LevelIndex returns the table index selected by addr at table level.
func LevelIndex(addr uint64, level int) int {
	return int(addr>>(PageShift+uint(level-1)*LevelBits)) & (EntriesPerTable - 1)
}

// Range is a range of host-virtual addresses [Start, End).
type Range struct {
	Start HVA
	End   HVA
}

// Length returns the length of the range.
func (r Range) Length() uint64 {
	return uint64(r.End - r.Start)
}

// Overlaps returns true if r and o intersect.
func (r Range) Overlaps(o Range) bool {
	return r.Start < o.End && o.Start < r.End
}

// Contains returns true if a is in r.
func (r Range) Contains(a HVA) bool {
	return r.Start <= a && a < r.End
}

// String implements fmt.Stringer.
func (r Range) String() string {
	return fmt.Sprintf("[%#x, %#x)", uint64(r.Start), uint64(r.End))
}
