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
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/vmrun/pkg/bitmap"
	"gvisor.dev/vmrun/pkg/errors/vmerr"
	"gvisor.dev/vmrun/pkg/hostarch"
)

const hvaBase = hostarch.HVA(0x7f00_0000_0000)

func region(id int, base hostarch.GFN, npages uint64) Region {
	return Region{
		ID:            id,
		BaseGFN:       base,
		NPages:        npages,
		UserspaceAddr: hvaBase + hostarch.HVA(uint64(base)<<hostarch.PageShift),
	}
}

func mustSet(t *testing.T, m *Manager, r Region, want Change) {
	t.Helper()
	got, err := m.SetMemoryRegion(r, false)
	if err != nil {
		t.Fatalf("SetMemoryRegion(%+v): %v", r, err)
	}
	if got != want {
		t.Fatalf("SetMemoryRegion(%+v): got change %v, want %v", r, got, want)
	}
}

func TestClassify(t *testing.T) {
	m := NewManager(Options{})
	mustSet(t, m, region(0, 0, 256), Create)
	mustSet(t, m, region(0, 0, 256), Unchanged)
	r := region(0, 0, 256)
	r.Flags = LogDirtyPages
	mustSet(t, m, r, FlagsOnly)
	r = region(0, 0x1000, 256)
	r.Flags = LogDirtyPages
	mustSet(t, m, r, Move)
	mustSet(t, m, region(0, 0, 0), Delete)
	if got, want := m.Generation(0), uint64(4); got != want {
		t.Errorf("Generation: got %d, want %d", got, want)
	}
}

func TestErrors(t *testing.T) {
	m := NewManager(Options{})
	mustSet(t, m, region(1, 0x100, 0x100), Create)
	ro := region(2, 0x400, 1)
	ro.Flags = ReadOnly
	mustSet(t, m, ro, Create)
	gen := m.Generation(0)

	for _, tc := range []struct {
		name    string
		r       Region
		private bool
		want    error
	}{
		{"overlap head", region(3, 0xff, 2), false, vmerr.ErrOverlap},
		{"overlap tail", region(3, 0x1ff, 8), false, vmerr.ErrOverlap},
		{"overlap inside", region(3, 0x180, 1), false, vmerr.ErrOverlap},
		{"overlap around", region(3, 0x0, 0x1000), false, vmerr.ErrOverlap},
		{"delete absent", region(4, 0, 0), false, vmerr.ErrSlotNotFound},
		{"resize", region(1, 0x100, 0x200), false, vmerr.ErrSlotInUse},
		{"private id", region(TSSSlot, 0x800, 1), false, vmerr.ErrInvalidID},
		{"id range", region(NumSlots, 0x800, 1), true, vmerr.ErrInvalidID},
		{"address space", Region{AddressSpace: AddressSpaces, ID: 5, NPages: 1}, false, vmerr.ErrInvalidID},
		{"flags", Region{ID: 5, NPages: 1, BaseGFN: 0x900, Flags: 1 << 5}, false, vmerr.ErrInvalidArgument},
		{"internal flags", Region{ID: 5, NPages: 1, BaseGFN: 0x900, Flags: 1 << 16}, false, vmerr.ErrInvalidArgument},
		{"too many pages", region(5, 0, MaxPages+1), false, vmerr.ErrInvalidArgument},
		{"unaligned hva", Region{ID: 5, NPages: 1, BaseGFN: 0x900, UserspaceAddr: 0x1001}, false, vmerr.ErrInvalidArgument},
		{"gfn overflow", Region{ID: 5, NPages: 2, BaseGFN: ^hostarch.GFN(0)}, false, vmerr.ErrInvalidArgument},
		{"readonly toggle", region(2, 0x400, 1), false, vmerr.ErrInvalidArgument},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := m.SetMemoryRegion(tc.r, tc.private); !errors.Is(err, tc.want) {
				t.Errorf("SetMemoryRegion(%+v): got %v, want %v", tc.r, err, tc.want)
			}
			if got := m.Generation(0); got != gen {
				t.Errorf("generation changed from %d to %d", gen, got)
			}
		})
	}
}

func TestDeleteRecreate(t *testing.T) {
	m := NewManager(Options{})
	mustSet(t, m, region(3, 0, 16), Create)
	gen := m.Generation(0)
	mustSet(t, m, region(3, 0, 0), Delete)
	mustSet(t, m, region(3, 0x40, 32), Create)
	if got := m.Generation(0); got != gen+2 {
		t.Errorf("Generation: got %d, want %d", got, gen+2)
	}
	s := m.Current(0).ByID(3)
	if s == nil || s.BaseGFN != 0x40 || s.NPages != 32 {
		t.Errorf("slot 3: got %v, want base 0x40, 32 pages", s)
	}
}

func TestPrivateSlots(t *testing.T) {
	m := NewManager(Options{})
	if _, err := m.SetMemoryRegion(region(APICAccessSlot, 0xfee00, 1), true); err != nil {
		t.Fatalf("SetMemoryRegion(private): %v", err)
	}
	if s := m.Current(0).ByGFN(0xfee00); s == nil || s.ID != APICAccessSlot {
		t.Errorf("ByGFN(0xfee00): got %v, want APIC access slot", s)
	}
	if _, err := m.SetMemoryRegion(region(APICAccessSlot, 0xfee00, 0), false); !errors.Is(err, vmerr.ErrInvalidID) {
		t.Errorf("owner delete of private slot: got %v, want %v", err, vmerr.ErrInvalidID)
	}
}

func TestAddressSpacesIndependent(t *testing.T) {
	m := NewManager(Options{})
	r := region(0, 0, 16)
	mustSet(t, m, r, Create)
	r.AddressSpace = 1
	mustSet(t, m, r, Create)
	if m.Generation(0) != 1 || m.Generation(1) != 1 {
		t.Errorf("generations: got %d and %d, want 1 and 1", m.Generation(0), m.Generation(1))
	}
}

// TestRandomMutations applies random mutations and checks that every applied
// one advances the generation by exactly one and publishes a consistent
// snapshot.
func TestRandomMutations(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	m := NewManager(Options{LargePages: true})
	const ids = 24
	for i := 0; i < 2000; i++ {
		id := rng.Intn(ids)
		var r Region
		switch rng.Intn(4) {
		case 0:
			r = region(id, 0, 0)
		case 1, 2:
			r = region(id, hostarch.GFN(rng.Intn(64)*16), uint64(1+rng.Intn(32)))
		case 3:
			r = region(id, hostarch.GFN(rng.Intn(64)*16), uint64(1+rng.Intn(32)))
			r.Flags = LogDirtyPages
		}
		before := m.Current(0)
		change, err := m.SetMemoryRegion(r, false)
		after := m.Current(0)
		switch {
		case err != nil || change == Unchanged:
			if after != before {
				t.Fatalf("step %d: failed or no-op %+v published generation %d", i, r, after.Generation())
			}
		case after.Generation() != before.Generation()+1:
			t.Fatalf("step %d: generation went from %d to %d", i, before.Generation(), after.Generation())
		}
		if err := after.check(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if err := before.check(); err != nil {
			t.Fatalf("step %d: old snapshot changed: %v", i, err)
		}
	}
}

// TestReaderIsolation checks that a reader holding a snapshot sees exactly
// that generation's slots while writers proceed.
func TestReaderIsolation(t *testing.T) {
	m := NewManager(Options{})
	mustSet(t, m, region(0, 0, 16), Create)

	g := m.ReadLock()
	snap := m.Current(0)
	gen := snap.Generation()
	want := fmt.Sprint(snap.ByID(0))

	done := make(chan struct{})
	go func() {
		defer close(done)
		mustSet(t, m, region(0, 0, 0), Delete)
	}()

	// The writer cannot finish while the reader's section is open, but the
	// reader's view is unaffected whatever the writer has done so far.
	for i := 0; i < 100; i++ {
		if snap.Generation() != gen || fmt.Sprint(snap.ByID(0)) != want || snap.ByGFN(3) == nil {
			t.Fatalf("reader's snapshot changed")
		}
	}
	select {
	case <-done:
		t.Fatalf("writer finished while a reader held the old snapshot")
	default:
	}
	g.Unlock()
	<-done
	if m.Current(0).ByID(0) != nil {
		t.Errorf("slot 0 still present after delete")
	}
}

func TestConcurrentReaders(t *testing.T) {
	m := NewManager(Options{})
	var wg sync.WaitGroup
	stop := make(chan struct{})
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				g := m.ReadLock()
				if err := m.Current(0).check(); err != nil {
					errs <- err
					g.Unlock()
					return
				}
				g.Unlock()
			}
		}()
	}
	for i := 0; i < 200; i++ {
		mustSet(t, m, region(i%4, hostarch.GFN(0x100*(i%4)), 16), Create)
		mustSet(t, m, region(i%4, 0, 0), Delete)
	}
	close(stop)
	wg.Wait()
	select {
	case err := <-errs:
		t.Errorf("reader saw inconsistent snapshot: %v", err)
	default:
	}
}

func TestDirtyBitmapLifecycle(t *testing.T) {
	m := NewManager(Options{})
	mustSet(t, m, region(0, 0, 100), Create)
	if m.Current(0).ByID(0).Dirty != nil {
		t.Fatalf("dirty bitmap allocated without logging")
	}
	r := region(0, 0, 100)
	r.Flags = LogDirtyPages
	mustSet(t, m, r, FlagsOnly)
	s := m.Current(0).ByID(0)
	if s.Dirty == nil || s.Dirty.Size() != 100 || !s.Dirty.IsEmpty() {
		t.Fatalf("enabling logging: got bitmap %v", s.Dirty)
	}
	s.MarkDirty(7)
	s.MarkDirty(99)

	// A flags-only change keeping logging preserves the bitmap.
	r.Flags = LogDirtyPages
	r.UserspaceAddr = s.UserspaceAddr
	mustSet(t, m, r, Unchanged)

	log, err := m.GetDirtyLog(0, 0)
	if err != nil {
		t.Fatalf("GetDirtyLog: %v", err)
	}
	if diff := cmp.Diff([]uint32{7, 99}, log.ToSlice()); diff != "" {
		t.Errorf("dirty log mismatch (-want +got):\n%s", diff)
	}
	if again, _ := m.GetDirtyLog(0, 0); !again.IsEmpty() {
		t.Errorf("dirty log not cleared: %v", again.ToSlice())
	}

	// A move resets the bitmap.
	s.MarkDirty(1)
	r.BaseGFN = 0x200
	r.UserspaceAddr = hvaBase + 0x200000
	mustSet(t, m, r, Move)
	if moved := m.Current(0).ByID(0); !moved.Dirty.IsEmpty() {
		t.Errorf("moved slot kept dirty bits %v", moved.Dirty.ToSlice())
	}

	r.Flags = 0
	mustSet(t, m, r, FlagsOnly)
	if _, err := m.GetDirtyLog(0, 0); !errors.Is(err, vmerr.ErrInvalidArgument) {
		t.Errorf("GetDirtyLog without logging: got %v, want %v", err, vmerr.ErrInvalidArgument)
	}
}

func TestLargePageDisallow(t *testing.T) {
	const pph = 512
	for _, tc := range []struct {
		name       string
		base       hostarch.GFN
		npages     uint64
		hva        hostarch.HVA
		largePages bool
		want       []int32
	}{
		{"aligned", 0, 2 * pph, hvaBase, true, []int32{0, 0}},
		{"unaligned head", 1, 2 * pph, hvaBase + 0x1000, true, []int32{1, 0, 1}},
		{"unaligned tail", 0, pph + 1, hvaBase, true, []int32{0, 1}},
		{"misaligned hva", 0, 2 * pph, hvaBase + 0x1000, true, []int32{1, 1}},
		{"disabled", 0, 2 * pph, hvaBase, false, []int32{1, 1}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			a := newArch(tc.base, tc.npages, tc.hva, tc.largePages)
			var got []int32
			for _, l := range a.LPage[0] {
				got = append(got, l.DisallowLPage)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("2M disallow mismatch (-want +got):\n%s", diff)
			}
			if n := len(a.Rmap[0]); uint64(n) != tc.npages {
				t.Errorf("4K rmap: got %d heads, want %d", n, tc.npages)
			}
		})
	}
}

func TestWriteTracking(t *testing.T) {
	m := NewManager(Options{LargePages: true})
	mustSet(t, m, region(0, 0, 1024), Create)
	s := m.Current(0).ByID(0)
	if !s.LPageAllowed(600, hostarch.PageLevel2M) {
		t.Fatalf("2M page at 600 disallowed before tracking")
	}
	s.TrackWrite(600)
	if !s.WriteTracked(600) || s.LPageAllowed(600, hostarch.PageLevel2M) {
		t.Errorf("tracked page: tracked=%t lpage=%t", s.WriteTracked(600), s.LPageAllowed(600, hostarch.PageLevel2M))
	}
	if !s.LPageAllowed(100, hostarch.PageLevel2M) {
		t.Errorf("untracked 2M page disallowed")
	}
	s.UntrackWrite(600)
	if s.WriteTracked(600) || !s.LPageAllowed(600, hostarch.PageLevel2M) {
		t.Errorf("untracked page still restricted")
	}
}

func TestRmap(t *testing.T) {
	var h RmapHead
	a, b := SPTERef{Table: 1, Index: 2}, SPTERef{Table: 3, Index: 4}
	h.Add(a)
	h.Add(b)
	if !h.Remove(a) || h.Remove(a) {
		t.Errorf("Remove returned wrong results")
	}
	if diff := cmp.Diff([]SPTERef{b}, h.Refs()); diff != "" {
		t.Errorf("Refs mismatch (-want +got):\n%s", diff)
	}
}

type recordingObserver struct {
	calls []string
	m     *Manager
}

func (o *recordingObserver) BeginSlotChange(as int, old *Slot) {
	// The old snapshot is still current.
	o.calls = append(o.calls, fmt.Sprintf("begin %d gen %d", old.ID, o.m.Current(as).Generation()))
}

func (o *recordingObserver) CommitSlotChange(as int, change Change, old, new *Slot) {
	o.calls = append(o.calls, fmt.Sprintf("commit %v gen %d", change, o.m.Current(as).Generation()))
}

func (o *recordingObserver) CollectDirtyLog(slot *Slot) bitmap.Bitmap {
	o.calls = append(o.calls, "collect")
	return slot.Dirty.Take()
}

func TestObserver(t *testing.T) {
	m := NewManager(Options{})
	o := &recordingObserver{m: m}
	m.SetObserver(o)
	r := region(0, 0, 16)
	r.Flags = LogDirtyPages
	mustSet(t, m, r, Create)
	r.BaseGFN = 0x20
	mustSet(t, m, r, Move)
	if _, err := m.GetDirtyLog(0, 0); err != nil {
		t.Fatalf("GetDirtyLog: %v", err)
	}
	mustSet(t, m, region(0, 0, 0), Delete)
	want := []string{
		"commit create gen 1",
		"begin 0 gen 1",
		"commit move gen 2",
		"collect",
		"begin 0 gen 2",
		"commit delete gen 3",
	}
	if diff := cmp.Diff(want, o.calls); diff != "" {
		t.Errorf("observer calls mismatch (-want +got):\n%s", diff)
	}
}
