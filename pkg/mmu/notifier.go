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
	"gvisor.dev/vmrun/pkg/bitmap"
	"gvisor.dev/vmrun/pkg/hostarch"
	"gvisor.dev/vmrun/pkg/hostmem"
	"gvisor.dev/vmrun/pkg/log"
	"gvisor.dev/vmrun/pkg/memslot"
)

var (
	_ memslot.Observer = (*Domain)(nil)
	_ hostmem.Notifier = (*Domain)(nil)
)

// BeginSlotChange implements memslot.Observer.BeginSlotChange.
func (d *Domain) BeginSlotChange(as int, old *memslot.Slot) {
	d.mu.Lock()
	d.slotChanges++
	d.zapSlotLocked(as, old)
	d.mu.Unlock()
	d.commit(nil)
}

// CommitSlotChange implements memslot.Observer.CommitSlotChange.
func (d *Domain) CommitSlotChange(as int, change memslot.Change, old, new *memslot.Slot) {
	d.mu.Lock()
	switch change {
	case memslot.Delete, memslot.Move:
		d.slotChanges--
	case memslot.FlagsOnly:
		if new.Flags&memslot.LogDirtyPages != 0 && old.Flags&memslot.LogDirtyPages == 0 {
			for gfn := new.BaseGFN; gfn < new.EndGFN(); gfn++ {
				d.writeProtectLocked(new, gfn, true)
			}
		}
	}
	d.updateMaxLocked()
	d.reclaimLocked(0)
	d.mu.Unlock()
	d.commit(nil)
}

// CollectDirtyLog implements memslot.Observer.CollectDirtyLog.
func (d *Domain) CollectDirtyLog(slot *memslot.Slot) bitmap.Bitmap {
	d.mu.Lock()
	b := slot.Dirty.Take()
	b.ForEach(func(i uint32) {
		d.writeProtectLocked(slot, slot.BaseGFN+hostarch.GFN(i), true)
	})
	d.mu.Unlock()
	d.commit(nil)
	return b
}

// OnRangeInvalidateBegin implements hostmem.Notifier.OnRangeInvalidateBegin.
// Faults retry until the matching OnRangeInvalidateEnd.
func (d *Domain) OnRangeInvalidateBegin(r hostarch.Range) {
	rangeInvalidates.Increment()
	g := d.slots.ReadLock()
	d.mu.Lock()
	d.notifierCount.Add(1)
	d.notifierSeq.Add(1)
	n := 0
	for as := 0; as < memslot.AddressSpaces; as++ {
		d.slots.Current(as).ForEach(func(slot *memslot.Slot) {
			sr := slot.HVARange()
			if !sr.Overlaps(r) {
				return
			}
			start := slot.BaseGFN + hostarch.GFN((uint64(max(r.Start, sr.Start)-sr.Start))>>hostarch.PageShift)
			end := slot.BaseGFN + hostarch.GFN((uint64(min(r.End, sr.End)-sr.Start)+hostarch.PageMask)>>hostarch.PageShift)
			n += d.zapGFNsLocked(slot, start, end)
			d.zapShadowedLocked(as, slot, start, end)
		})
	}
	d.mu.Unlock()
	g.Unlock()
	d.commit(nil)
	if n > 0 {
		log.Debugf("mmu: host range %v invalidated %d mappings", r, n)
	}
}

// OnRangeInvalidateEnd implements hostmem.Notifier.OnRangeInvalidateEnd.
func (d *Domain) OnRangeInvalidateEnd(hostarch.Range) {
	d.notifierSeq.Add(1)
	d.notifierCount.Add(-1)
}
