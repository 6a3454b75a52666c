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
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/vmrun/pkg/abi/svm"
	"gvisor.dev/vmrun/pkg/errors/vmerr"
	"gvisor.dev/vmrun/pkg/hostarch"
	"gvisor.dev/vmrun/pkg/memslot"
)

func TestNestedFault(t *testing.T) {
	e := newEnv(t, envOpts{mode: Nested, pages: 1024, largePages: true})
	c := e.context()
	e.fault(c, 0x3000, svm.PFErrWrite)

	pa, pte, ok := e.lookup(c, 0x3123)
	if !ok {
		t.Fatalf("0x3123 not mapped")
	}
	if want := e.hostPA(3) + 0x123; pa != want {
		t.Errorf("0x3123 maps %#x, want %#x", pa, want)
	}
	if !pte.Writable() || pte.IsSuper() {
		t.Errorf("leaf %v: want writable 4K", pte)
	}
	if got := e.d.Stats().Used; got != tableLevels {
		t.Errorf("Used: got %d, want %d", got, tableLevels)
	}

	// A read of a writable slot maps it writable too.
	e.fault(c, 0x4000, 0)
	if _, pte, _ := e.lookup(c, 0x4000); !pte.Writable() {
		t.Errorf("leaf %v after read fault: want writable", pte)
	}
	if got := e.d.Stats().Used; got != tableLevels {
		t.Errorf("Used after second fault: got %d, want %d", got, tableLevels)
	}
	e.d.mu.Lock()
	n := e.slot().Rmap(3, hostarch.PageLevel4K).Len()
	e.d.mu.Unlock()
	if n != 1 {
		t.Errorf("reverse map of gfn 3: got %d entries, want 1", n)
	}
	if got, err := c.Translate(0x3123); err != nil || got != 0x3123 {
		t.Errorf("Translate(0x3123) with paging off: got (%#x, %v)", got, err)
	}
}

func TestNestedLargePage(t *testing.T) {
	e := newEnv(t, envOpts{mode: Nested, pages: 1024, level: hostarch.PageLevel2M, largePages: true})
	c := e.context()
	e.fault(c, 0x201000, 0)

	pa, pte, ok := e.lookup(c, 0x201234)
	if !ok || !pte.IsSuper() {
		t.Fatalf("0x201234: got (%v, %t), want a 2M leaf", pte, ok)
	}
	if want := e.hostPA(0x201) + 0x234; pa != want {
		t.Errorf("0x201234 maps %#x, want %#x", pa, want)
	}
	if got := e.d.Stats().Used; got != tableLevels-1 {
		t.Errorf("Used: got %d, want %d", got, tableLevels-1)
	}
	e.d.mu.Lock()
	n := e.slot().Rmap(0x3ff, hostarch.PageLevel2M).Len()
	e.d.mu.Unlock()
	if n != 1 {
		t.Errorf("2M reverse map: got %d entries, want 1", n)
	}
}

func TestNestedMMIO(t *testing.T) {
	e := newEnv(t, envOpts{mode: Nested, pages: 16, flags: memslot.ReadOnly})
	c := e.context()
	e.fault(c, 0x3000, 0)
	if _, pte, _ := e.lookup(c, 0x3000); pte.Writable() || pte.HostWritable() {
		t.Errorf("leaf of read-only slot %v: want read-only", pte)
	}

	for _, tc := range []struct {
		name string
		gpa  uint64
		code uint64
		want MMIOError
	}{
		{"write to read-only slot", 0x3008, svm.PFErrWrite | svm.PFErrPresent, MMIOError{GPA: 0x3008, Write: true}},
		{"read outside every slot", 0x100000, 0, MMIOError{GPA: 0x100000}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := c.PageFault(tc.gpa, tc.code)
			var mmio *MMIOError
			if !errors.As(err, &mmio) {
				t.Fatalf("PageFault: got %v, want MMIOError", err)
			}
			if diff := cmp.Diff(tc.want, *mmio); diff != "" {
				t.Errorf("MMIOError mismatch (-want +got):\n%s", diff)
			}
			if !errors.Is(err, vmerr.ErrUnmappedGuestPage) {
				t.Errorf("PageFault: %v does not wrap %v", err, vmerr.ErrUnmappedGuestPage)
			}
		})
	}

	if !c.Spurious(0x3000, 0) {
		t.Errorf("Spurious read of mapped page: got false")
	}
	if c.Spurious(0x3000, svm.PFErrWrite) {
		t.Errorf("Spurious write of read-only page: got true")
	}
	if c.Spurious(0x5000, 0) {
		t.Errorf("Spurious read of unmapped page: got true")
	}
}

func TestDirtyLog(t *testing.T) {
	e := newEnv(t, envOpts{mode: Nested, pages: 1024, level: hostarch.PageLevel2M, largePages: true, flags: memslot.LogDirtyPages})
	c := e.context()

	e.fault(c, 0x5000, 0)
	_, pte, _ := e.lookup(c, 0x5000)
	if pte.IsSuper() || pte.Writable() || !pte.MMUWritable() {
		t.Fatalf("leaf after read fault %v: want restorable read-only 4K", pte)
	}
	e.fault(c, 0x5000, svm.PFErrWrite|svm.PFErrPresent)
	if _, pte, _ := e.lookup(c, 0x5000); !pte.Writable() {
		t.Fatalf("leaf after write fault %v: want writable", pte)
	}

	b, err := e.slots.GetDirtyLog(0, 0)
	if err != nil {
		t.Fatalf("GetDirtyLog: %v", err)
	}
	if diff := cmp.Diff([]uint32{5}, b.ToSlice()); diff != "" {
		t.Errorf("dirty log mismatch (-want +got):\n%s", diff)
	}
	if _, pte, _ := e.lookup(c, 0x5000); pte.Writable() || !pte.MMUWritable() {
		t.Errorf("leaf after GetDirtyLog %v: want restorable read-only", pte)
	}
	if b, _ := e.slots.GetDirtyLog(0, 0); !b.IsEmpty() {
		t.Errorf("second GetDirtyLog: got %v, want empty", b.ToSlice())
	}
}

func TestEnableDirtyLog(t *testing.T) {
	e := newEnv(t, envOpts{mode: Nested, pages: 1024, level: hostarch.PageLevel2M, largePages: true})
	c := e.context()
	e.fault(c, 0x5000, svm.PFErrWrite)
	e.fault(c, 0x200000, svm.PFErrWrite)
	flushes := e.flusher.flushes.Load()

	if got := e.setSlot(memslot.LogDirtyPages); got != memslot.FlagsOnly {
		t.Fatalf("SetMemoryRegion: got %v, want %v", got, memslot.FlagsOnly)
	}
	for _, gpa := range []uint64{0x5000, 0x200000} {
		if _, pte, ok := e.lookup(c, gpa); ok && pte.Writable() {
			t.Errorf("%#x still writable after enabling dirty logging", gpa)
		}
	}
	if e.flusher.flushes.Load() == flushes {
		t.Errorf("no remote flush after enabling dirty logging")
	}
	e.fault(c, 0x5000, svm.PFErrWrite|svm.PFErrPresent)
	if _, pte, _ := e.lookup(c, 0x5000); pte.IsSuper() || !pte.Writable() {
		t.Errorf("leaf after write fault %v: want writable 4K", pte)
	}
}

func TestDeleteSlotZaps(t *testing.T) {
	e := newEnv(t, envOpts{mode: Nested, pages: 16})
	c := e.context()
	e.fault(c, 0x3000, svm.PFErrWrite)

	if _, err := e.slots.SetMemoryRegion(memslot.Region{}, false); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, _, ok := e.lookup(c, 0x3000); ok {
		t.Errorf("0x3000 still mapped after slot delete")
	}
	var mmio *MMIOError
	if err := c.PageFault(0x3000, 0); !errors.As(err, &mmio) {
		t.Errorf("PageFault after delete: got %v, want MMIOError", err)
	}
}

func TestRelocate(t *testing.T) {
	e := newEnv(t, envOpts{mode: Nested, pages: 16})
	c := e.context()
	e.fault(c, 0x3000, svm.PFErrWrite)
	old := e.hostPA(3)

	pfn, err := e.arena.Relocate(e.hva)
	if err != nil {
		t.Fatalf("Relocate: %v", err)
	}
	if _, _, ok := e.lookup(c, 0x3000); ok {
		t.Errorf("0x3000 still mapped after relocation")
	}
	e.fault(c, 0x3000, svm.PFErrWrite)
	pa, _, _ := e.lookup(c, 0x3000)
	if want := (pfn + 3).Addr(); pa != want || pa == old {
		t.Errorf("0x3000 maps %#x after relocation, want %#x", pa, want)
	}
}

func TestFaultRetriesDuringInvalidation(t *testing.T) {
	e := newEnv(t, envOpts{mode: Nested, pages: 16})
	c := e.context()
	r := hostarch.Range{Start: e.hva, End: e.hva + hostarch.PageSize}

	e.d.OnRangeInvalidateBegin(r)
	if got := e.d.NotifierCount(); got != 1 {
		t.Errorf("NotifierCount: got %d, want 1", got)
	}
	if err := c.PageFault(0x1000, 0); !errors.Is(err, vmerr.ErrStaleSnapshot) {
		t.Errorf("PageFault during invalidation: got %v, want %v", err, vmerr.ErrStaleSnapshot)
	}
	e.d.OnRangeInvalidateEnd(r)
	e.fault(c, 0x1000, 0)
	if got := e.d.Stats().NotifierSeq; got != 2 {
		t.Errorf("NotifierSeq: got %d, want 2", got)
	}
}
