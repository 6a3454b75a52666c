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

package pagetables

import (
	"fmt"

	"gvisor.dev/vmrun/pkg/hostarch"
)

// Lookuper resolves the table at a physical address.
type Lookuper interface {
	// LookupPTEs returns the table at addr, or nil if addr does not name a
	// table page.
	LookupPTEs(addr uint64) *PTEs
}

// Allocator allocates table pages.
type Allocator interface {
	Lookuper

	// NewPTEs returns a zeroed table and its physical address.
	NewPTEs() (uint64, *PTEs, error)
}

// WalkResult is the outcome of a walk for a single address.
type WalkResult struct {
	// Entry is the last entry read: the leaf if OK, else the first
	// non-present entry.
	Entry PTE

	// Ptr points at Entry in its table.
	Ptr *PTE

	// Level is the level of Entry.
	Level int
}

// Walk translates va through the levels-deep table rooted at root.
func Walk(l Lookuper, root uint64, levels int, va uint64) (WalkResult, bool) {
	table := l.LookupPTEs(root)
	for level := levels; level >= hostarch.PageLevel4K; level-- {
		if table == nil {
			return WalkResult{Level: level}, false
		}
		ptr := &table[hostarch.LevelIndex(va, level)]
		entry := ptr.Load()
		res := WalkResult{Entry: entry, Ptr: ptr, Level: level}
		if !entry.Valid() {
			return res, false
		}
		if level == hostarch.PageLevel4K || (entry.IsSuper() && level <= hostarch.MaxHugePageLevel) {
			return res, true
		}
		table = l.LookupPTEs(entry.Address())
	}
	panic("unreachable")
}

// Translate returns the physical address va maps to.
func Translate(l Lookuper, root uint64, levels int, va uint64) (uint64, PTE, bool) {
	res, ok := Walk(l, root, levels, va)
	if !ok {
		return 0, res.Entry, false
	}
	offset := va & (hostarch.HPageSize(res.Level) - 1)
	return res.Entry.Address() + offset, res.Entry, true
}

// addrEnd returns the next size-aligned boundary after addr, or end if that
// comes earlier.
func addrEnd(addr, end, size uint64) uint64 {
	next := (addr + size) &^ (size - 1)
	if next < addr || next > end {
		return end
	}
	return next
}

// Map installs leaves of pageLevel size for [va, va+length) pointing at
// [pa, pa+length). Missing intermediate tables are allocated.
//
// Preconditions: va, pa and length are aligned to the pageLevel size.
func Map(a Allocator, root uint64, levels int, va, length uint64, pageLevel int, pa uint64, opts MapOpts) error {
	size := hostarch.HPageSize(pageLevel)
	if va%size != 0 || pa%size != 0 || length%size != 0 {
		return fmt.Errorf("unaligned mapping va=%#x pa=%#x length=%#x for level %d", va, pa, length, pageLevel)
	}
	for end := va + length; va < end; va, pa = va+size, pa+size {
		table := a.LookupPTEs(root)
		if table == nil {
			return fmt.Errorf("root %#x is not a table", root)
		}
		for level := levels; level > pageLevel; level-- {
			ptr := &table[hostarch.LevelIndex(va, level)]
			entry := ptr.Load()
			if entry.Valid() && entry.IsSuper() {
				return fmt.Errorf("va %#x already covered by a level %d page", va, level)
			}
			if !entry.Valid() {
				addr, _, err := a.NewPTEs()
				if err != nil {
					return err
				}
				entry = MakePTE(addr, level, false, tableOpts)
				ptr.Store(entry)
			}
			if table = a.LookupPTEs(entry.Address()); table == nil {
				return fmt.Errorf("entry %v at level %d does not reference a table", entry, level)
			}
		}
		table[hostarch.LevelIndex(va, pageLevel)].Store(MakePTE(pa, pageLevel, true, opts))
	}
	return nil
}

// Unmap clears every leaf wholly inside [va, va+length) and returns the
// number cleared. Tables are not freed.
func Unmap(l Lookuper, root uint64, levels int, va, length uint64) int {
	cleared := 0
	end := va + length
	for va < end {
		res, ok := Walk(l, root, levels, va)
		size := hostarch.HPageSize(res.Level)
		next := addrEnd(va, end, size)
		if ok && va%size == 0 && next-va == size {
			res.Ptr.Clear()
			cleared++
		}
		va = next
	}
	return cleared
}

// ForEachLeaf calls fn for every present leaf, in address order.
func ForEachLeaf(l Lookuper, root uint64, levels int, fn func(va uint64, level int, entry PTE)) {
	forEach(l, l.LookupPTEs(root), levels, 0, fn)
}

func forEach(l Lookuper, table *PTEs, level int, base uint64, fn func(uint64, int, PTE)) {
	if table == nil {
		return
	}
	for i := range table {
		entry := table[i].Load()
		if !entry.Valid() {
			continue
		}
		va := base | uint64(i)<<hostarch.HPageShift(level)
		if level == hostarch.PageLevel4K || entry.IsSuper() {
			fn(va, level, entry)
			continue
		}
		forEach(l, l.LookupPTEs(entry.Address()), level-1, va, fn)
	}
}
