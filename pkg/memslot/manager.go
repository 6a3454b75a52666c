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

// Package memslot manages guest memory slots.
//
// Each address space is published as an immutable Slots snapshot. Readers
// load the current snapshot inside an epoch read-side section and never
// block; a mutation builds a new snapshot with the next generation, swaps it
// in and waits for older readers before returning.
package memslot

import (
	"fmt"
	"sync/atomic"

	"gvisor.dev/vmrun/pkg/bitmap"
	"gvisor.dev/vmrun/pkg/epoch"
	"gvisor.dev/vmrun/pkg/errors/vmerr"
	"gvisor.dev/vmrun/pkg/hostarch"
	"gvisor.dev/vmrun/pkg/log"
	"gvisor.dev/vmrun/pkg/metric"
	"gvisor.dev/vmrun/pkg/sync"
)

// Change classifies a region update.
type Change int

// Changes.
const (
	Create Change = iota
	Delete
	Move
	FlagsOnly
	Unchanged
)

var changeNames = []string{"create", "delete", "move", "flags_only", "unchanged"}

// String implements fmt.Stringer.
func (c Change) String() string {
	if c < 0 || int(c) >= len(changeNames) {
		return fmt.Sprintf("Change(%d)", int(c))
	}
	return changeNames[c]
}

var slotChanges = metric.MustCreateNewUint64Metric("/memslot/changes", "Number of applied memory slot changes.",
	metric.NewField("change", changeNames[:Unchanged]...))

// Region describes a slot update. NPages == 0 deletes the slot.
type Region struct {
	AddressSpace  int
	ID            int
	Flags         Flags
	BaseGFN       hostarch.GFN
	NPages        uint64
	UserspaceAddr hostarch.HVA
}

// Observer is notified around slot changes. It is how the paging engine
// learns that mappings derived from a slot must go.
//
// All calls are made with the Manager's lock held.
type Observer interface {
	// BeginSlotChange is called before a Delete or Move of old becomes
	// visible. On return no fault may resolve against old until the
	// matching CommitSlotChange.
	BeginSlotChange(as int, old *Slot)

	// CommitSlotChange is called after the new snapshot is visible and no
	// reader holds an older one. old is nil for Create, new is nil for
	// Delete.
	CommitSlotChange(as int, change Change, old, new *Slot)

	// CollectDirtyLog returns and clears slot's dirty log, re-arming write
	// detection for the pages it reports.
	CollectDirtyLog(slot *Slot) bitmap.Bitmap
}

// Options configure a Manager.
type Options struct {
	// LargePages allows mappings larger than 4K.
	LargePages bool
}

// Manager owns the address-space snapshots of one VM.
type Manager struct {
	opts Options

	// mu serializes mutations.
	mu sync.Mutex

	// observer is set once before the first mutation.
	observer Observer

	spaces [AddressSpaces]atomic.Pointer[Slots]

	epoch epoch.Domain
}

// NewManager returns a Manager with empty generation 0 snapshots.
func NewManager(opts Options) *Manager {
	m := &Manager{opts: opts}
	for as := range m.spaces {
		m.spaces[as].Store(emptySlots())
	}
	return m
}

// SetObserver installs o. It must be called before any mutation.
func (m *Manager) SetObserver(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observer = o
}

// ReadLock begins a read-side section. Snapshots returned by Current stay
// valid until the guard is released.
func (m *Manager) ReadLock() epoch.Guard {
	return m.epoch.ReadLock()
}

// Current returns the current snapshot of address space as.
//
// Preconditions: the caller holds a read-side section, or m's lock.
func (m *Manager) Current(as int) *Slots {
	return m.spaces[as].Load()
}

// Generation returns the current generation of address space as.
func (m *Manager) Generation(as int) uint64 {
	return m.spaces[as].Load().generation
}

func validate(r Region, private bool) error {
	if r.AddressSpace < 0 || r.AddressSpace >= AddressSpaces {
		return fmt.Errorf("address space %d: %w", r.AddressSpace, vmerr.ErrInvalidID)
	}
	if r.ID < 0 || r.ID >= NumSlots || (IsPrivate(r.ID) && !private) {
		return fmt.Errorf("slot %d: %w", r.ID, vmerr.ErrInvalidID)
	}
	if r.Flags&InternalFlags != 0 {
		return fmt.Errorf("internal flags %#x: %w", uint32(r.Flags&InternalFlags), vmerr.ErrInvalidArgument)
	}
	if r.Flags&^UserFlags != 0 {
		return fmt.Errorf("flags %#x: %w", uint32(r.Flags), vmerr.ErrInvalidArgument)
	}
	if r.NPages > MaxPages {
		return fmt.Errorf("%d pages: %w", r.NPages, vmerr.ErrInvalidArgument)
	}
	if r.UserspaceAddr.PageOffset() != 0 {
		return fmt.Errorf("userspace address %#x not page aligned: %w", uint64(r.UserspaceAddr), vmerr.ErrInvalidArgument)
	}
	if r.BaseGFN+hostarch.GFN(r.NPages) < r.BaseGFN {
		return fmt.Errorf("frame range overflows: %w", vmerr.ErrInvalidArgument)
	}
	return nil
}

// classify determines the change r makes to old, which may be nil.
func classify(r Region, old *Slot) (Change, error) {
	switch {
	case r.NPages == 0 && old == nil:
		return 0, fmt.Errorf("slot %d: %w", r.ID, vmerr.ErrSlotNotFound)
	case r.NPages == 0:
		return Delete, nil
	case old == nil:
		return Create, nil
	case old.NPages != r.NPages:
		return 0, fmt.Errorf("slot %d has %d pages: %w", r.ID, old.NPages, vmerr.ErrSlotInUse)
	case (old.Flags^r.Flags)&ReadOnly != 0:
		return 0, fmt.Errorf("slot %d: read-only flag cannot change: %w", r.ID, vmerr.ErrInvalidArgument)
	case old.BaseGFN != r.BaseGFN || old.UserspaceAddr != r.UserspaceAddr:
		return Move, nil
	case old.Flags != r.Flags:
		return FlagsOnly, nil
	default:
		return Unchanged, nil
	}
}

// SetMemoryRegion applies r. private permits reserved slot ids.
//
// On error nothing has changed. On success the new snapshot has generation
// old+1, unless the result is Unchanged.
func (m *Manager) SetMemoryRegion(r Region, private bool) (Change, error) {
	if err := validate(r, private); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.spaces[r.AddressSpace].Load()
	old := cur.ByID(r.ID)
	change, err := classify(r, old)
	if err != nil {
		return 0, err
	}
	if change == Create || change == Move {
		for _, o := range cur.Overlapping(r.BaseGFN, r.NPages) {
			if o != old {
				return 0, fmt.Errorf("slot %d at [%#x, %#x) overlaps %v: %w", r.ID, uint64(r.BaseGFN), uint64(r.BaseGFN)+r.NPages, o, vmerr.ErrOverlap)
			}
		}
	}

	var slot *Slot
	switch change {
	case Unchanged:
		return Unchanged, nil
	case Create, Move:
		slot = &Slot{
			ID:            r.ID,
			BaseGFN:       r.BaseGFN,
			NPages:        r.NPages,
			UserspaceAddr: r.UserspaceAddr,
			Flags:         r.Flags,
			Arch:          newArch(r.BaseGFN, r.NPages, r.UserspaceAddr, m.opts.LargePages),
		}
		if r.Flags&LogDirtyPages != 0 {
			b := bitmap.New(uint32(r.NPages))
			slot.Dirty = &b
		}
	case FlagsOnly:
		s := *old
		slot = &s
		slot.Flags = r.Flags
		switch {
		case r.Flags&LogDirtyPages == 0:
			slot.Dirty = nil
		case old.Flags&LogDirtyPages == 0:
			b := bitmap.New(uint32(r.NPages))
			slot.Dirty = &b
		}
	}

	if (change == Delete || change == Move) && m.observer != nil {
		m.observer.BeginSlotChange(r.AddressSpace, old)
	}
	next := cur.with(old, slot)
	m.spaces[r.AddressSpace].Store(next)
	m.epoch.Synchronize()
	if m.observer != nil {
		m.observer.CommitSlotChange(r.AddressSpace, change, old, slot)
	}

	slotChanges.Increment(change.String())
	log.Infof("memslot: as %d slot %d %v -> generation %d", r.AddressSpace, r.ID, change, next.generation)
	return change, nil
}

// GetDirtyLog returns and clears the dirty log of slot id.
func (m *Manager) GetDirtyLog(as, id int) (bitmap.Bitmap, error) {
	if as < 0 || as >= AddressSpaces || id < 0 || id >= UserSlots {
		return bitmap.Bitmap{}, fmt.Errorf("slot %d in address space %d: %w", id, as, vmerr.ErrInvalidID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	slot := m.spaces[as].Load().ByID(id)
	if slot == nil {
		return bitmap.Bitmap{}, fmt.Errorf("slot %d: %w", id, vmerr.ErrSlotNotFound)
	}
	if slot.Dirty == nil {
		return bitmap.Bitmap{}, fmt.Errorf("slot %d does not log dirty pages: %w", id, vmerr.ErrInvalidArgument)
	}
	if m.observer != nil {
		return m.observer.CollectDirtyLog(slot), nil
	}
	return slot.Dirty.Take(), nil
}
