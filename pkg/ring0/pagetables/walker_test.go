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
	"testing"

	"gvisor.dev/vmrun/pkg/hostarch"
)

const (
	pteSize = 1 << 12
	pmdSize = 1 << 21
	pudSize = 1 << 30

	lowerTopAligned = 0x00007f0000000000
)

// testAllocator hands out tables from a map keyed by fake physical address.
type testAllocator struct {
	next   uint64
	tables map[uint64]*PTEs
}

func newTestAllocator() *testAllocator {
	return &testAllocator{next: 0x1000, tables: make(map[uint64]*PTEs)}
}

func (a *testAllocator) NewPTEs() (uint64, *PTEs, error) {
	addr := a.next
	a.next += pteSize
	t := new(PTEs)
	a.tables[addr] = t
	return addr, t, nil
}

func (a *testAllocator) LookupPTEs(addr uint64) *PTEs {
	return a.tables[addr]
}

type mapping struct {
	start  uint64
	length uint64
	addr   uint64
	opts   MapOpts
}

func checkMappings(t *testing.T, a *testAllocator, root uint64, m []mapping) {
	var (
		current int
		found   []mapping
		failed  string
	)
	ForEachLeaf(a, root, 4, func(va uint64, level int, entry PTE) {
		size := hostarch.HPageSize(level)
		found = append(found, mapping{va, size, entry.Address(), entry.Opts()})
		if failed != "" {
			return
		}
		if current >= len(m) {
			failed = "more mappings than expected"
		} else if m[current].start != va {
			failed = "start didn't match expected"
		} else if m[current].length != size {
			failed = "end didn't match expected"
		} else if m[current].addr != entry.Address() {
			failed = "address didn't match expected"
		} else if m[current].opts != entry.Opts() {
			failed = "opts didn't match"
		}
		current++
	})
	if failed == "" && current != len(m) {
		failed = fmt.Sprintf("found %d mappings, want %d", current, len(m))
	}
	if failed != "" {
		t.Errorf("mappings: %s (got %+v, want %+v)", failed, found, m)
	}
}

func newRoot(t *testing.T) (*testAllocator, uint64) {
	a := newTestAllocator()
	root, _, err := a.NewPTEs()
	if err != nil {
		t.Fatalf("NewPTEs: %v", err)
	}
	return a, root
}

func TestUnmappedWalk(t *testing.T) {
	a, root := newRoot(t)
	if _, ok := Walk(a, root, 4, 0x400000); ok {
		t.Errorf("Walk in empty tables succeeded")
	}
	checkMappings(t, a, root, nil)
}

func Test2MAnd4K(t *testing.T) {
	a, root := newRoot(t)
	rw := MapOpts{Writable: true}
	r := MapOpts{}
	if err := Map(a, root, 4, 0x400000, pteSize, hostarch.PageLevel4K, pteSize*42, rw); err != nil {
		t.Fatalf("Map 4K: %v", err)
	}
	if err := Map(a, root, 4, lowerTopAligned, pmdSize, hostarch.PageLevel2M, pmdSize*47, r); err != nil {
		t.Fatalf("Map 2M: %v", err)
	}
	checkMappings(t, a, root, []mapping{
		{0x400000, pteSize, pteSize * 42, rw},
		{lowerTopAligned, pmdSize, pmdSize * 47, r},
	})
}

func Test1GAnd4K(t *testing.T) {
	a, root := newRoot(t)
	rwx := MapOpts{Writable: true, Executable: true, User: true}
	if err := Map(a, root, 4, 0x400000, pteSize, hostarch.PageLevel4K, pteSize*42, rwx); err != nil {
		t.Fatalf("Map 4K: %v", err)
	}
	if err := Map(a, root, 4, lowerTopAligned, pudSize, hostarch.PageLevel1G, pudSize*47, MapOpts{}); err != nil {
		t.Fatalf("Map 1G: %v", err)
	}
	checkMappings(t, a, root, []mapping{
		{0x400000, pteSize, pteSize * 42, rwx},
		{lowerTopAligned, pudSize, pudSize * 47, MapOpts{}},
	})
}

func TestTranslateOffset(t *testing.T) {
	a, root := newRoot(t)
	if err := Map(a, root, 4, 0, pmdSize, hostarch.PageLevel2M, pmdSize*3, MapOpts{Writable: true}); err != nil {
		t.Fatalf("Map: %v", err)
	}
	pa, entry, ok := Translate(a, root, 4, 0x12345)
	if !ok {
		t.Fatalf("Translate failed")
	}
	if want := uint64(pmdSize*3 + 0x12345); pa != want {
		t.Errorf("Translate: got %#x, want %#x", pa, want)
	}
	if !entry.IsSuper() || !entry.Writable() {
		t.Errorf("entry %v: want writable super page", entry)
	}
}

func TestMapUnderSuperFails(t *testing.T) {
	a, root := newRoot(t)
	if err := Map(a, root, 4, 0, pmdSize, hostarch.PageLevel2M, 0, MapOpts{}); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := Map(a, root, 4, pteSize, pteSize, hostarch.PageLevel4K, 0, MapOpts{}); err == nil {
		t.Errorf("Map of 4K page under 2M page succeeded")
	}
	if err := Map(a, root, 4, pteSize, pmdSize, hostarch.PageLevel2M, 0, MapOpts{}); err == nil {
		t.Errorf("unaligned Map succeeded")
	}
}

func TestUnmap(t *testing.T) {
	a, root := newRoot(t)
	opts := MapOpts{Writable: true}
	if err := Map(a, root, 4, 0x400000, 4*pteSize, hostarch.PageLevel4K, 0x800000, opts); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if n := Unmap(a, root, 4, 0x401000, 2*pteSize); n != 2 {
		t.Errorf("Unmap: cleared %d, want 2", n)
	}
	checkMappings(t, a, root, []mapping{
		{0x400000, pteSize, 0x800000, opts},
		{0x403000, pteSize, 0x803000, opts},
	})
}

func TestPTEBits(t *testing.T) {
	p := MakePTE(0x1234000, hostarch.PageLevel4K, true, MapOpts{Writable: true, HostWritable: true, MMUWritable: true})
	if !p.Valid() || p.IsSuper() || !p.Writable() || p.Executable() || !p.HostWritable() || !p.MMUWritable() {
		t.Errorf("MakePTE bits wrong: %#x", uint64(p))
	}
	if p.PFN() != 0x1234 {
		t.Errorf("PFN: got %v, want pfn 0x1234", p.PFN())
	}
	ro := p.WithoutWrite()
	if ro.Writable() || !ro.MMUWritable() {
		t.Errorf("WithoutWrite: got %#x", uint64(ro))
	}
	if locked := p.WithoutMMUWrite(); locked.Writable() || locked.MMUWritable() || !locked.HostWritable() {
		t.Errorf("WithoutMMUWrite: got %#x", uint64(locked))
	}
	if got := ro.WithAccessed(true); !got.Dirty() || !got.Accessed() {
		t.Errorf("WithAccessed(true): got %#x", uint64(got))
	}
	var slot PTE
	slot.Store(p)
	if !slot.CompareAndSwap(p, ro) || slot.Load() != ro {
		t.Errorf("CompareAndSwap failed")
	}
	if old := slot.Clear(); old != ro || slot.Load().Valid() {
		t.Errorf("Clear: got %v, left %v", old, slot.Load())
	}
}
