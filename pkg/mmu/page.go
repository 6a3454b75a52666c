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
	"fmt"

	"gvisor.dev/vmrun/pkg/hostarch"
	"gvisor.dev/vmrun/pkg/ilist"
	"gvisor.dev/vmrun/pkg/memslot"
	"gvisor.dev/vmrun/pkg/ring0/pagetables"
)

// pageKey identifies the contents of a table page. Two lookups with equal
// keys may share the page.
type pageKey struct {
	as    uint8
	level uint8

	// direct pages map a contiguous gfn range starting at gfn. Indirect
	// pages shadow the guest table at gfn.
	direct bool

	// mode are the guest paging bits the contents depend on.
	mode uint8

	// access are the guest permissions of a direct page that splits a
	// guest large page.
	access uint8

	gfn hostarch.GFN
}

func (k pageKey) String() string {
	kind := "indirect"
	if k.direct {
		kind = "direct"
	}
	return fmt.Sprintf("as %d level %d %s gfn %#x mode %#x access %#x", k.as, k.level, kind, uint64(k.gfn), k.mode, k.access)
}

// trackKey names a write-tracked guest frame.
type trackKey struct {
	as  uint8
	gfn hostarch.GFN
}

// shadowPage is one table page.
type shadowPage struct {
	ilist.Entry[*shadowPage]

	pfn   hostarch.PFN
	table *pagetables.PTEs
	key   pageKey

	// generation is the Domain generation the page was created in.
	generation uint64

	// parents are the entries referencing this page.
	parents []memslot.SPTERef

	// rootCount is the number of Contexts using the page as root.
	rootCount int

	// invalid is set when the page is zapped while in use as a root.
	invalid bool

	// tracked is the slot whose write tracking this page holds for
	// key.gfn, or nil.
	tracked *memslot.Slot

	// gfns holds the frame of each leaf of an indirect page.
	gfns *[hostarch.EntriesPerTable]hostarch.GFN
}

func (sp *shadowPage) String() string {
	return fmt.Sprintf("table %v (%v)", sp.pfn, sp.key)
}

func (sp *shadowPage) level() int {
	return int(sp.key.level)
}

// addr returns the physical address of the table.
func (sp *shadowPage) addr() uint64 {
	return sp.pfn.Addr()
}

// gfnAt returns the first frame mapped by leaf i.
func (sp *shadowPage) gfnAt(i int) hostarch.GFN {
	if sp.key.direct {
		return sp.key.gfn + hostarch.GFN(uint64(i)*hostarch.PagesPerHPage(sp.level()))
	}
	return sp.gfns[i]
}

func (sp *shadowPage) setGFN(i int, gfn hostarch.GFN) {
	if sp.key.direct {
		if want := sp.gfnAt(i); want != gfn {
			panic(fmt.Sprintf("%v: leaf %d maps %v, want %v", sp, i, gfn, want))
		}
		return
	}
	sp.gfns[i] = gfn
}

func (sp *shadowPage) removeParent(ref memslot.SPTERef) {
	for i, p := range sp.parents {
		if p == ref {
			last := len(sp.parents) - 1
			sp.parents[i] = sp.parents[last]
			sp.parents = sp.parents[:last]
			return
		}
	}
	panic(fmt.Sprintf("%v: no parent %v", sp, ref))
}

// isLeaf returns true if e at level is a mapping rather than a table link.
func isLeaf(e pagetables.PTE, level int) bool {
	return level == hostarch.PageLevel4K || e.IsSuper()
}

// frame is a preallocated table page.
type frame struct {
	pfn   hostarch.PFN
	table *pagetables.PTEs
}
