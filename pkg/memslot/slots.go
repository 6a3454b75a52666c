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
	"sort"
	"sync/atomic"

	"github.com/google/btree"
	"gvisor.dev/vmrun/pkg/hostarch"
)

const btreeDegree = 16

func byBase(a, b *Slot) bool { return a.BaseGFN < b.BaseGFN }

// Slots is an immutable snapshot of one address space.
type Slots struct {
	generation uint64

	// slots is sorted by BaseGFN.
	slots []*Slot

	// idToIndex maps slot ids to indexes in slots, or -1.
	idToIndex [NumSlots]int16

	// lru is the index of the slot last returned by ByGFN.
	lru atomic.Int32

	// byGFN indexes slots by BaseGFN.
	byGFN *btree.BTreeG[*Slot]
}

// emptySlots returns the generation 0 snapshot.
func emptySlots() *Slots {
	s := &Slots{byGFN: btree.NewG(btreeDegree, byBase)}
	for i := range s.idToIndex {
		s.idToIndex[i] = -1
	}
	return s
}

// Generation returns the snapshot's generation.
func (s *Slots) Generation() uint64 {
	return s.generation
}

// Len returns the number of slots.
func (s *Slots) Len() int {
	return len(s.slots)
}

// ByID returns the slot with the given id, or nil.
func (s *Slots) ByID(id int) *Slot {
	if id < 0 || id >= NumSlots {
		return nil
	}
	if i := s.idToIndex[id]; i >= 0 {
		return s.slots[i]
	}
	return nil
}

// ByGFN returns the slot containing gfn, or nil.
func (s *Slots) ByGFN(gfn hostarch.GFN) *Slot {
	if len(s.slots) == 0 {
		return nil
	}
	if i := int(s.lru.Load()); i < len(s.slots) && s.slots[i].Contains(gfn) {
		return s.slots[i]
	}
	var found *Slot
	s.byGFN.DescendLessOrEqual(&Slot{BaseGFN: gfn}, func(slot *Slot) bool {
		if slot.Contains(gfn) {
			found = slot
		}
		return false
	})
	if found != nil {
		s.lru.Store(int32(s.idToIndex[found.ID]))
	}
	return found
}

// Overlapping returns the slots intersecting [base, base+npages).
func (s *Slots) Overlapping(base hostarch.GFN, npages uint64) []*Slot {
	var out []*Slot
	end := base + hostarch.GFN(npages)
	// A slot starting before base may still reach into the range.
	s.byGFN.DescendLessOrEqual(&Slot{BaseGFN: base}, func(slot *Slot) bool {
		if slot.Overlaps(base, npages) {
			out = append(out, slot)
		}
		return false
	})
	s.byGFN.AscendRange(&Slot{BaseGFN: base + 1}, &Slot{BaseGFN: end}, func(slot *Slot) bool {
		out = append(out, slot)
		return true
	})
	return out
}

// ForEach calls fn for every slot in ascending BaseGFN order.
func (s *Slots) ForEach(fn func(*Slot)) {
	for _, slot := range s.slots {
		fn(slot)
	}
}

// with returns the next generation with old removed and new inserted. Either
// may be nil.
func (s *Slots) with(old, new *Slot) *Slots {
	next := &Slots{
		generation: s.generation + 1,
		byGFN:      s.byGFN.Clone(),
	}
	if old != nil {
		next.byGFN.Delete(old)
	}
	if new != nil {
		next.byGFN.ReplaceOrInsert(new)
	}
	next.slots = make([]*Slot, 0, next.byGFN.Len())
	next.byGFN.Ascend(func(slot *Slot) bool {
		next.slots = append(next.slots, slot)
		return true
	})
	for i := range next.idToIndex {
		next.idToIndex[i] = -1
	}
	for i, slot := range next.slots {
		next.idToIndex[slot.ID] = int16(i)
	}
	return next
}

// check verifies the snapshot's internal consistency.
func (s *Slots) check() error {
	if !sort.SliceIsSorted(s.slots, func(i, j int) bool { return s.slots[i].BaseGFN < s.slots[j].BaseGFN }) {
		return fmt.Errorf("generation %d: slots not sorted", s.generation)
	}
	if s.byGFN.Len() != len(s.slots) {
		return fmt.Errorf("generation %d: index has %d slots, table has %d", s.generation, s.byGFN.Len(), len(s.slots))
	}
	seen := make(map[int]bool)
	for i, slot := range s.slots {
		if seen[slot.ID] {
			return fmt.Errorf("generation %d: duplicate id %d", s.generation, slot.ID)
		}
		seen[slot.ID] = true
		if int(s.idToIndex[slot.ID]) != i {
			return fmt.Errorf("generation %d: idToIndex[%d] = %d, want %d", s.generation, slot.ID, s.idToIndex[slot.ID], i)
		}
		if i > 0 && s.slots[i-1].EndGFN() > slot.BaseGFN {
			return fmt.Errorf("generation %d: %v overlaps %v", s.generation, s.slots[i-1], slot)
		}
	}
	for id, i := range s.idToIndex {
		if i >= 0 && !seen[id] {
			return fmt.Errorf("generation %d: stale idToIndex[%d] = %d", s.generation, id, i)
		}
	}
	return nil
}
