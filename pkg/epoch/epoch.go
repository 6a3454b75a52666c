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

// Package epoch provides read-side critical sections for data published by
// pointer swap.
//
// Readers enter a section with ReadLock, load the published pointer, use it
// and leave with Unlock. Neither step blocks or takes a lock. A writer that
// has swapped in a new pointer calls Synchronize, which returns once every
// section that might have observed the old pointer has ended. The old value
// may then be released.
package epoch

import (
	"runtime"
	"sync/atomic"

	"gvisor.dev/vmrun/pkg/sync"
)

// NumReaders is the number of concurrent read-side sections a Domain supports.
// Further readers wait for a free slot.
const NumReaders = 256

// cacheLineSize keeps reader slots on separate cache lines.
const cacheLineSize = 64

type readerSlot struct {
	// epoch is the global epoch observed when the section began, or 0 if
	// the slot is free.
	epoch atomic.Uint64
	_     [cacheLineSize - 8]byte
}

// Domain is a set of readers and a global epoch. The zero value is ready to
// use.
type Domain struct {
	// epoch is the current global epoch, offset by one so the zero value
	// is usable.
	epoch atomic.Uint64

	// hint is where the next ReadLock starts looking for a free slot.
	hint atomic.Uint32

	readers [NumReaders]readerSlot

	// syncMu serializes Synchronize.
	syncMu sync.Mutex
}

// Guard is a read-side section. It must be released exactly once.
type Guard struct {
	slot *readerSlot
}

// ReadLock begins a read-side section.
func (d *Domain) ReadLock() Guard {
	start := d.hint.Add(1)
	for i := uint32(0); ; i++ {
		s := &d.readers[(start+i)%NumReaders]
		if s.epoch.Load() == 0 && s.epoch.CompareAndSwap(0, d.epoch.Load()+1) {
			return Guard{s}
		}
		if i%NumReaders == NumReaders-1 {
			runtime.Gosched()
		}
	}
}

// Unlock ends the read-side section.
func (g Guard) Unlock() {
	g.slot.epoch.Store(0)
}

// Synchronize waits until every read-side section that began before the call
// has ended.
func (d *Domain) Synchronize() {
	d.syncMu.Lock()
	defer d.syncMu.Unlock()
	next := d.epoch.Add(1) + 1
	for i := range d.readers {
		s := &d.readers[i]
		for spins := 0; ; spins++ {
			e := s.epoch.Load()
			if e == 0 || e >= next {
				break
			}
			if spins%64 == 63 {
				runtime.Gosched()
			}
		}
	}
}

// Epoch returns the current global epoch.
func (d *Domain) Epoch() uint64 {
	return d.epoch.Load()
}

// Readers returns the number of sections currently held. It is racy and
// meant for tests and statistics.
func (d *Domain) Readers() int {
	n := 0
	for i := range d.readers {
		if d.readers[i].epoch.Load() != 0 {
			n++
		}
	}
	return n
}
