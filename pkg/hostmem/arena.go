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

package hostmem

import (
	"fmt"

	"github.com/google/btree"
	"golang.org/x/sys/unix"
	"gvisor.dev/vmrun/pkg/hostarch"
	"gvisor.dev/vmrun/pkg/log"
	"gvisor.dev/vmrun/pkg/sync"
)

const (
	// hvaBase is the first host-virtual address handed out by an Arena.
	hvaBase hostarch.HVA = 0x7f00_0000_0000

	// pfnBase is the first frame number handed out by an Arena.
	pfnBase hostarch.PFN = 0x100000

	// poolChunkPages is the number of frames mapped at once for AllocPage.
	poolChunkPages = 64

	btreeDegree = 8
)

// region is one contiguous backed range. Pool chunks are regions without a
// host-virtual range.
type region struct {
	hva      hostarch.Range
	pfn      hostarch.PFN
	npages   uint64
	level    int
	writable bool
	mem      []byte
}

func (r *region) pfnEnd() hostarch.PFN {
	return r.pfn + hostarch.PFN(r.npages)
}

func byHVA(a, b *region) bool { return a.hva.Start < b.hva.Start }
func byPFN(a, b *region) bool { return a.pfn < b.pfn }

// MapOpts are options for Arena.Map.
type MapOpts struct {
	// ReadOnly maps the range without write access.
	ReadOnly bool

	// PageLevel is the host page level of the mapping. The range is aligned
	// to it so that guests may map it with large pages. Zero means 4K.
	PageLevel int
}

// Arena is a Memory backed by anonymous host mappings.
//
// Frame numbers are synthetic: they index the Arena's own frame space and
// are chosen so that their alignment matches that of the host-virtual
// address they back.
type Arena struct {
	// mu protects the fields below.
	mu sync.RWMutex

	hvaIndex *btree.BTreeG[*region]
	pfnIndex *btree.BTreeG[*region]

	nextHVA hostarch.HVA
	nextPFN hostarch.PFN

	// free holds frames returned by FreePage.
	free []hostarch.PFN

	// allocated counts frames handed out by AllocPage and not freed.
	allocated int

	// retired holds backing replaced by Unmap and Relocate. It stays mapped
	// until Release so that a Page obtained earlier remains addressable.
	retired [][]byte

	notifiersMu sync.Mutex
	notifiers   map[*notifierEntry]struct{}
}

type notifierEntry struct {
	n Notifier
}

var _ Mapper = (*Arena)(nil)

// NewArena returns an empty Arena.
func NewArena() *Arena {
	return &Arena{
		hvaIndex:  btree.NewG(btreeDegree, byHVA),
		pfnIndex:  btree.NewG(btreeDegree, byPFN),
		nextHVA:   hvaBase,
		nextPFN:   pfnBase,
		notifiers: make(map[*notifierEntry]struct{}),
	}
}

func alignUp[T ~uint64](v T, align uint64) T {
	return T((uint64(v) + align - 1) &^ (align - 1))
}

func mmap(length uint64) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap %d bytes: %v", ErrNoMemory, length, err)
	}
	return mem, nil
}

// Map backs a new host-virtual range of length bytes and returns its start.
func (a *Arena) Map(length uint64, opts MapOpts) (hostarch.HVA, error) {
	level := opts.PageLevel
	if level == 0 {
		level = hostarch.PageLevel4K
	}
	if level < hostarch.PageLevel4K || level > hostarch.MaxHugePageLevel {
		return 0, fmt.Errorf("invalid page level %d", level)
	}
	if length == 0 || length%hostarch.PageSize != 0 {
		return 0, fmt.Errorf("length %#x is not a positive multiple of the page size", length)
	}
	mem, err := mmap(length)
	if err != nil {
		return 0, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	align := hostarch.HPageSize(level)
	start := alignUp(a.nextHVA, align)
	r := &region{
		hva:      hostarch.Range{Start: start, End: start + hostarch.HVA(length)},
		npages:   length / hostarch.PageSize,
		level:    level,
		writable: !opts.ReadOnly,
		mem:      mem,
	}
	r.pfn = a.reservePFNsLocked(r.npages, level)
	a.nextHVA = alignUp(r.hva.End, align)
	a.hvaIndex.ReplaceOrInsert(r)
	a.pfnIndex.ReplaceOrInsert(r)
	log.Debugf("hostmem: mapped %v at %v level %d", r.hva, r.pfn, level)
	return start, nil
}

// reservePFNsLocked reserves npages frames whose base is aligned to level.
//
// Preconditions: a.mu is locked for writing.
func (a *Arena) reservePFNsLocked(npages uint64, level int) hostarch.PFN {
	base := alignUp(a.nextPFN, hostarch.PagesPerHPage(level))
	a.nextPFN = base + hostarch.PFN(npages)
	return base
}

func (a *Arena) findHVALocked(hva hostarch.HVA) *region {
	var found *region
	a.hvaIndex.DescendLessOrEqual(&region{hva: hostarch.Range{Start: hva}}, func(r *region) bool {
		if r.hva.Contains(hva) {
			found = r
		}
		return false
	})
	return found
}

func (a *Arena) findPFNLocked(pfn hostarch.PFN) *region {
	var found *region
	a.pfnIndex.DescendLessOrEqual(&region{pfn: pfn}, func(r *region) bool {
		if pfn < r.pfnEnd() {
			found = r
		}
		return false
	})
	return found
}

// notify calls fn for every registered notifier.
func (a *Arena) notify(fn func(Notifier)) {
	a.notifiersMu.Lock()
	ns := make([]Notifier, 0, len(a.notifiers))
	for e := range a.notifiers {
		ns = append(ns, e.n)
	}
	a.notifiersMu.Unlock()
	for _, n := range ns {
		fn(n)
	}
}

// mutate brackets fn with invalidation notifications for r.
func (a *Arena) mutate(r hostarch.Range, fn func() error) error {
	a.notify(func(n Notifier) { n.OnRangeInvalidateBegin(r) })
	defer a.notify(func(n Notifier) { n.OnRangeInvalidateEnd(r) })
	a.mu.Lock()
	defer a.mu.Unlock()
	return fn()
}

// Unmap removes the mapping starting at hva.
func (a *Arena) Unmap(hva hostarch.HVA) error {
	a.mu.RLock()
	r := a.findHVALocked(hva)
	a.mu.RUnlock()
	if r == nil || r.hva.Start != hva {
		return fmt.Errorf("%w: no mapping starts at %#x", ErrBadAddress, uint64(hva))
	}
	return a.mutate(r.hva, func() error {
		a.hvaIndex.Delete(r)
		a.pfnIndex.Delete(r)
		a.retired = append(a.retired, r.mem)
		return nil
	})
}

// Relocate moves the contents of the mapping starting at hva to new frames,
// as the host does when it migrates or compacts memory.
func (a *Arena) Relocate(hva hostarch.HVA) (hostarch.PFN, error) {
	a.mu.RLock()
	r := a.findHVALocked(hva)
	a.mu.RUnlock()
	if r == nil || r.hva.Start != hva {
		return 0, fmt.Errorf("%w: no mapping starts at %#x", ErrBadAddress, uint64(hva))
	}
	var pfn hostarch.PFN
	err := a.mutate(r.hva, func() error {
		mem, err := mmap(uint64(len(r.mem)))
		if err != nil {
			return err
		}
		copy(mem, r.mem)
		a.retired = append(a.retired, r.mem)
		a.pfnIndex.Delete(r)
		r.mem = mem
		r.pfn = a.reservePFNsLocked(r.npages, r.level)
		a.pfnIndex.ReplaceOrInsert(r)
		pfn = r.pfn
		return nil
	})
	if err == nil {
		log.Debugf("hostmem: relocated %v to %v", r.hva, pfn)
	}
	return pfn, err
}

// Protect changes write access to the mapping starting at hva.
func (a *Arena) Protect(hva hostarch.HVA, writable bool) error {
	a.mu.RLock()
	r := a.findHVALocked(hva)
	a.mu.RUnlock()
	if r == nil || r.hva.Start != hva {
		return fmt.Errorf("%w: no mapping starts at %#x", ErrBadAddress, uint64(hva))
	}
	return a.mutate(r.hva, func() error {
		r.writable = writable
		return nil
	})
}

// Bytes returns the host memory for [hva, hva+length). The range must lie
// within one mapping.
func (a *Arena) Bytes(hva hostarch.HVA, length uint64) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	r := a.findHVALocked(hva)
	if r == nil || uint64(r.hva.End-hva) < length {
		return nil, fmt.Errorf("%w: [%#x, %#x)", ErrBadAddress, uint64(hva), uint64(hva)+length)
	}
	off := uint64(hva - r.hva.Start)
	return r.mem[off : off+length], nil
}

// Translate implements Memory.Translate.
func (a *Arena) Translate(hva hostarch.HVA, write bool) (hostarch.PFN, bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	r := a.findHVALocked(hva)
	if r == nil {
		return 0, false, fmt.Errorf("%w: %#x", ErrBadAddress, uint64(hva))
	}
	return r.pfn + hostarch.PFN(uint64(hva-r.hva.Start)>>hostarch.PageShift), r.writable, nil
}

// MappingLevel implements Memory.MappingLevel. A level is reported only if
// the whole page of that size around hva lies in one mapping.
func (a *Arena) MappingLevel(hva hostarch.HVA) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	r := a.findHVALocked(hva)
	if r == nil {
		return 0
	}
	for level := r.level; level > hostarch.PageLevel4K; level-- {
		size := hostarch.HPageSize(level)
		start := hva &^ hostarch.HVA(size-1)
		if start >= r.hva.Start && uint64(r.hva.End-start) >= size {
			return level
		}
	}
	return hostarch.PageLevel4K
}

// Page implements Memory.Page.
func (a *Arena) Page(pfn hostarch.PFN) []byte {
	a.mu.RLock()
	defer a.mu.RUnlock()
	r := a.findPFNLocked(pfn)
	if r == nil {
		return nil
	}
	off := uint64(pfn-r.pfn) << hostarch.PageShift
	return r.mem[off : off+hostarch.PageSize : off+hostarch.PageSize]
}

// AllocPage implements Memory.AllocPage.
func (a *Arena) AllocPage() (hostarch.PFN, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.free) == 0 {
		mem, err := mmap(poolChunkPages * hostarch.PageSize)
		if err != nil {
			return 0, err
		}
		r := &region{npages: poolChunkPages, level: hostarch.PageLevel4K, writable: true, mem: mem}
		r.pfn = a.reservePFNsLocked(r.npages, r.level)
		a.pfnIndex.ReplaceOrInsert(r)
		for i := poolChunkPages - 1; i >= 0; i-- {
			a.free = append(a.free, r.pfn+hostarch.PFN(i))
		}
	}
	pfn := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	a.allocated++
	return pfn, nil
}

// FreePage implements Memory.FreePage.
func (a *Arena) FreePage(pfn hostarch.PFN) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r := a.findPFNLocked(pfn)
	if r == nil || r.hva.End != 0 {
		panic(fmt.Sprintf("hostmem: FreePage of %v not from AllocPage", pfn))
	}
	off := uint64(pfn-r.pfn) << hostarch.PageShift
	clear(r.mem[off : off+hostarch.PageSize])
	a.free = append(a.free, pfn)
	a.allocated--
}

// AllocatedPages returns the number of frames handed out by AllocPage and not
// yet freed.
func (a *Arena) AllocatedPages() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.allocated
}

// Register implements Memory.Register.
func (a *Arena) Register(n Notifier) func() {
	e := &notifierEntry{n}
	a.notifiersMu.Lock()
	a.notifiers[e] = struct{}{}
	a.notifiersMu.Unlock()
	return func() {
		a.notifiersMu.Lock()
		delete(a.notifiers, e)
		a.notifiersMu.Unlock()
	}
}

// Release unmaps everything. The Arena must not be used afterwards.
func (a *Arena) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pfnIndex.Ascend(func(r *region) bool {
		if err := unix.Munmap(r.mem); err != nil {
			log.Warningf("hostmem: munmap of %v failed: %v", r.pfn, err)
		}
		return true
	})
	for _, mem := range a.retired {
		if err := unix.Munmap(mem); err != nil {
			log.Warningf("hostmem: munmap of retired mapping failed: %v", err)
		}
	}
	a.retired = nil
	a.hvaIndex.Clear(false)
	a.pfnIndex.Clear(false)
	a.free = nil
}
