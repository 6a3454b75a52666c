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
	"sync/atomic"
	"time"

	"gvisor.dev/vmrun/pkg/hostarch"
	"gvisor.dev/vmrun/pkg/hostmem"
	"gvisor.dev/vmrun/pkg/ilist"
	"gvisor.dev/vmrun/pkg/log"
	"gvisor.dev/vmrun/pkg/memslot"
	"gvisor.dev/vmrun/pkg/ring0/pagetables"
	"gvisor.dev/vmrun/pkg/sync"
)

const (
	// tableLevels is the depth of every table tree.
	tableLevels = 4

	// minPages is the smallest automatic page budget.
	minPages = 64

	// autoPagesPerMille is the automatic budget per thousand guest pages.
	autoPagesPerMille = 20

	// minFreePages is the headroom reclaimed before each fault.
	minFreePages = tableLevels + 1
)

// Options configure a Domain.
type Options struct {
	// Mode selects the Paging variant.
	Mode Mode

	// Memory is the host memory backing guest frames and tables.
	Memory hostmem.Memory

	// Slots is the VM's slot manager.
	Slots *memslot.Manager

	// MaxPages is the table page budget, or 0 for one derived from the
	// amount of guest memory.
	MaxPages int
}

// Domain holds the translation tables of one VM.
type Domain struct {
	mode    Mode
	mem     hostmem.Memory
	slots   *memslot.Manager
	flusher Flusher
	frames  frameLookuper

	// mu protects the fields below.
	mu sync.SpinMutex

	// pages maps table frames to live pages.
	pages map[hostarch.PFN]*shadowPage

	// hash indexes live pages by contents.
	hash map[pageKey]*shadowPage

	// shadowed indexes indirect pages by the guest frame they shadow.
	shadowed map[trackKey][]*shadowPage

	// active holds live pages, newest first.
	active ilist.List[*shadowPage]

	// invalid holds zapped pages waiting for a remote flush before they
	// are freed.
	invalid []*shadowPage

	used      int
	requested int
	max       int
	roots     int

	// generation is bumped by ZapAll. Pages of older generations are
	// obsolete.
	generation uint64

	// slotChanges counts slot changes between Begin and Commit. Faults
	// retry while it is non-zero.
	slotChanges int

	// zapSeq is bumped on every change that requires a remote flush.
	zapSeq uint64

	// reloadPending is set when a page in use as a root is zapped.
	reloadPending bool

	// flushed is the highest zapSeq covered by a completed remote flush.
	flushed atomic.Uint64

	// notifierSeq and notifierCount track host invalidations. notifierSeq
	// is bumped at both ends of an invalidation; notifierCount is the
	// number of invalidations in progress.
	notifierSeq   atomic.Uint64
	notifierCount atomic.Int32

	retryLog log.Logger
}

// NewDomain returns an empty Domain.
func NewDomain(opts Options) *Domain {
	d := &Domain{
		mode:      opts.Mode,
		mem:       opts.Memory,
		slots:     opts.Slots,
		frames:    frameLookuper{opts.Memory},
		pages:     make(map[hostarch.PFN]*shadowPage),
		hash:      make(map[pageKey]*shadowPage),
		shadowed:  make(map[trackKey][]*shadowPage),
		requested: opts.MaxPages,
		retryLog:  log.BasicRateLimitedLogger(time.Second),
	}
	d.updateMaxLocked()
	return d
}

// SetFlusher sets the target of remote flushes. It must be called before the
// first Context is created.
func (d *Domain) SetFlusher(f Flusher) {
	d.flusher = f
}

// Mode returns the Paging variant.
func (d *Domain) Mode() Mode {
	return d.mode
}

// NotifierCount returns the number of host invalidations in progress. Guest
// entry must wait while it is non-zero.
func (d *Domain) NotifierCount() int32 {
	return d.notifierCount.Load()
}

// LookupPTEs implements pagetables.Lookuper for live table pages.
//
// Preconditions: d.mu is locked.
func (d *Domain) LookupPTEs(addr uint64) *pagetables.PTEs {
	if sp, ok := d.pages[hostarch.PFN(addr>>hostarch.PageShift)]; ok {
		return sp.table
	}
	return nil
}

// frameLookuper resolves table addresses through host memory. It can be used
// without d.mu, as the processor does.
type frameLookuper struct {
	mem hostmem.Memory
}

// LookupPTEs implements pagetables.Lookuper.
func (f frameLookuper) LookupPTEs(addr uint64) *pagetables.PTEs {
	page := f.mem.Page(hostarch.PFN(addr >> hostarch.PageShift))
	if page == nil {
		return nil
	}
	return pagetables.FromPage(page)
}

// Stats returns the page counters.
func (d *Domain) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		Used:        d.used,
		Requested:   d.requested,
		Max:         d.max,
		Roots:       d.roots,
		NotifierSeq: d.notifierSeq.Load(),
	}
}

// SetMaxPages sets the table page budget, reclaiming pages above it. Zero
// selects a budget derived from the amount of guest memory.
func (d *Domain) SetMaxPages(n int) {
	d.mu.Lock()
	d.requested = n
	d.updateMaxLocked()
	d.reclaimLocked(0)
	d.mu.Unlock()
	d.commit(nil)
	log.Infof("mmu: page budget %d (requested %d)", d.max, n)
}

// Preconditions: d.mu is locked, or d is not yet shared.
func (d *Domain) updateMaxLocked() {
	if d.requested > 0 {
		d.max = d.requested
		return
	}
	var pages uint64
	if d.slots != nil {
		for as := 0; as < memslot.AddressSpaces; as++ {
			d.slots.Current(as).ForEach(func(s *memslot.Slot) {
				pages += s.NPages
			})
		}
	}
	d.max = max(minPages, int(pages*autoPagesPerMille/1000))
}

// reclaimLocked zaps the oldest pages until n more fit in the budget. Pages
// in use as roots are kept.
//
// Preconditions: d.mu is locked.
func (d *Domain) reclaimLocked(n int) {
	for d.used+n > d.max {
		sp := d.active.Back()
		for sp != nil && sp.rootCount > 0 {
			sp = sp.Prev()
		}
		if sp == nil {
			return
		}
		d.zapPageLocked(sp)
	}
}

// newPageLocked makes a page for key from c's preallocated frames.
//
// Preconditions: d.mu is locked.
func (d *Domain) newPageLocked(c *Context, key pageKey) *shadowPage {
	if len(c.cache) == 0 {
		panic(fmt.Sprintf("mmu: no preallocated frame for %v", key))
	}
	f := c.cache[len(c.cache)-1]
	c.cache = c.cache[:len(c.cache)-1]
	sp := &shadowPage{
		pfn:        f.pfn,
		table:      f.table,
		key:        key,
		generation: d.generation,
	}
	if !key.direct {
		sp.gfns = new([hostarch.EntriesPerTable]hostarch.GFN)
		d.trackLocked(sp)
	}
	d.pages[sp.pfn] = sp
	d.hash[key] = sp
	d.active.PushFront(sp)
	d.used++
	return sp
}

// getPageLocked returns the live page for key, making one if there is none.
//
// Preconditions: d.mu is locked.
func (d *Domain) getPageLocked(c *Context, key pageKey) *shadowPage {
	if sp, ok := d.hash[key]; ok && sp.generation == d.generation {
		return sp
	}
	return d.newPageLocked(c, key)
}

// linkLocked points entry i of parent at child.
//
// Preconditions: d.mu is locked.
func (d *Domain) linkLocked(parent *shadowPage, i int, child *shadowPage) {
	parent.table[i].Store(pagetables.MakePTE(child.addr(), parent.level(), false, tableLinkOpts))
	child.parents = append(child.parents, memslot.SPTERef{Table: parent.pfn, Index: uint16(i)})
}

// tableLinkOpts are the options of entries linking tables. Permissions are
// enforced at the leaf.
var tableLinkOpts = pagetables.MapOpts{Writable: true, User: true, Executable: true}

// slotOf returns the slot currently holding gfn in as.
func (d *Domain) slotOf(as uint8, gfn hostarch.GFN) *memslot.Slot {
	return d.slots.Current(int(as)).ByGFN(gfn)
}

// dropLeafLocked clears leaf i of sp and removes it from its reverse map.
//
// Preconditions: d.mu is locked.
func (d *Domain) dropLeafLocked(sp *shadowPage, i int) {
	if !sp.table[i].Clear().Valid() {
		return
	}
	gfn := sp.gfnAt(i)
	if slot := d.slotOf(sp.key.as, gfn); slot != nil {
		slot.Rmap(gfn, sp.level()).Remove(memslot.SPTERef{Table: sp.pfn, Index: uint16(i)})
	}
	d.zapSeq++
}

// unlinkLocked clears table link i of sp, zapping the child if nothing else
// references it.
//
// Preconditions: d.mu is locked.
func (d *Domain) unlinkLocked(sp *shadowPage, i int) {
	e := sp.table[i].Clear()
	if !e.Valid() {
		return
	}
	d.zapSeq++
	child, ok := d.pages[e.PFN()]
	if !ok {
		return
	}
	child.removeParent(memslot.SPTERef{Table: sp.pfn, Index: uint16(i)})
	if len(child.parents) == 0 && child.rootCount == 0 {
		d.zapPageLocked(child)
	}
}

// clearEntryLocked removes whatever entry i of sp holds.
//
// Preconditions: d.mu is locked.
func (d *Domain) clearEntryLocked(sp *shadowPage, i int) {
	e := sp.table[i].Load()
	switch {
	case !e.Valid():
	case isLeaf(e, sp.level()):
		d.dropLeafLocked(sp, i)
	default:
		d.unlinkLocked(sp, i)
	}
}

// zapPageLocked removes sp and everything only it references. The frame is
// freed by the next commit, or when the last Context using it as root lets
// go.
//
// Preconditions: d.mu is locked.
func (d *Domain) zapPageLocked(sp *shadowPage) {
	if sp.invalid {
		return
	}
	sp.invalid = true
	for i := range sp.table {
		d.clearEntryLocked(sp, i)
	}
	for _, ref := range sp.parents {
		if parent, ok := d.pages[ref.Table]; ok {
			parent.table[ref.Index].Clear()
		}
	}
	sp.parents = nil
	if d.hash[sp.key] == sp {
		delete(d.hash, sp.key)
	}
	if sp.tracked != nil {
		d.untrackLocked(sp)
	}
	d.active.Remove(sp)
	delete(d.pages, sp.pfn)
	d.used--
	d.zapSeq++
	pagesZapped.Increment()
	if sp.rootCount > 0 {
		d.reloadPending = true
		return
	}
	d.invalid = append(d.invalid, sp)
}

// zapRmapLocked clears every leaf in head.
//
// Preconditions: d.mu is locked.
func (d *Domain) zapRmapLocked(head *memslot.RmapHead) {
	for _, ref := range head.Refs() {
		sp, ok := d.pages[ref.Table]
		if !ok {
			panic(fmt.Sprintf("mmu: reverse map entry %+v names no table", ref))
		}
		d.dropLeafLocked(sp, int(ref.Index))
	}
}

// zapGFNsLocked clears every leaf mapping a frame of slot in [start, end).
//
// Preconditions: d.mu is locked.
func (d *Domain) zapGFNsLocked(slot *memslot.Slot, start, end hostarch.GFN) int {
	if start < slot.BaseGFN {
		start = slot.BaseGFN
	}
	if end > slot.EndGFN() {
		end = slot.EndGFN()
	}
	n := 0
	for level := hostarch.PageLevel4K; level <= hostarch.MaxHugePageLevel && start < end; level++ {
		first := hostarch.HPageIndex(start, slot.BaseGFN, level)
		last := hostarch.HPageIndex(end-1, slot.BaseGFN, level)
		heads := slot.Arch.Rmap[level-1]
		for i := first; i <= last; i++ {
			n += heads[i].Len()
			d.zapRmapLocked(&heads[i])
		}
	}
	return n
}

// zapSlotLocked removes every mapping of slot and every page shadowing one
// of its frames.
//
// Preconditions: d.mu is locked.
func (d *Domain) zapSlotLocked(as int, slot *memslot.Slot) {
	d.zapGFNsLocked(slot, slot.BaseGFN, slot.EndGFN())
	d.zapShadowedLocked(as, slot, slot.BaseGFN, slot.EndGFN())
}

// zapShadowedLocked zaps every page shadowing a frame of slot in
// [start, end).
//
// Preconditions: d.mu is locked.
func (d *Domain) zapShadowedLocked(as int, slot *memslot.Slot, start, end hostarch.GFN) {
	if len(d.shadowed) == 0 {
		return
	}
	var zap []*shadowPage
	for key, sps := range d.shadowed {
		if int(key.as) == as && key.gfn >= start && key.gfn < end && slot.Contains(key.gfn) {
			zap = append(zap, sps...)
		}
	}
	for _, sp := range zap {
		d.zapPageLocked(sp)
	}
}

// writeProtectLocked withdraws write access to gfn from every leaf. If
// restorable, 4K leaves keep their restorable bit so a write fault can
// re-enable them in place. Large leaves over gfn are cleared.
//
// Preconditions: d.mu is locked.
func (d *Domain) writeProtectLocked(slot *memslot.Slot, gfn hostarch.GFN, restorable bool) {
	for _, ref := range slot.Rmap(gfn, hostarch.PageLevel4K).Refs() {
		ptr := &d.pages[ref.Table].table[ref.Index]
		for {
			old := ptr.Load()
			if !old.Valid() {
				break
			}
			e := old.WithoutMMUWrite()
			if restorable {
				e = old.WithoutWrite()
			}
			if e == old || ptr.CompareAndSwap(old, e) {
				if e != old {
					d.zapSeq++
				}
				break
			}
		}
	}
	for level := hostarch.PageLevel2M; level <= hostarch.MaxHugePageLevel; level++ {
		d.zapRmapLocked(slot.Rmap(gfn, level))
	}
}

// commit flushes remote TLBs if any change since the last flush needs it,
// then frees zapped pages. self is the calling VCPU's Context, or nil.
//
// Preconditions: d.mu is unlocked.
func (d *Domain) commit(self *Context) {
	d.mu.Lock()
	seq := d.zapSeq
	reload := d.reloadPending
	d.reloadPending = false
	free := d.invalid
	d.invalid = nil
	d.mu.Unlock()

	if reload && d.flusher != nil {
		d.flusher.ReloadRemoteMMUs(self)
	}
	if d.flushed.Load() < seq {
		if d.flusher != nil {
			remoteFlushes.Increment()
			d.flusher.FlushRemoteTLBs(self)
		}
		for {
			cur := d.flushed.Load()
			if cur >= seq || d.flushed.CompareAndSwap(cur, seq) {
				break
			}
		}
	}
	for _, sp := range free {
		d.mem.FreePage(sp.pfn)
	}
}

// ZapAll obsoletes every page. Contexts reload their roots before their next
// entry.
func (d *Domain) ZapAll() {
	d.mu.Lock()
	d.generation++
	n := d.used
	d.zapAllLocked()
	d.mu.Unlock()
	d.commit(nil)
	log.Debugf("mmu: zapped all %d pages, generation %d", n, d.generation)
}

// Preconditions: d.mu is locked.
func (d *Domain) zapAllLocked() {
	for sp := d.active.Front(); sp != nil; sp = d.active.Front() {
		d.zapPageLocked(sp)
	}
}

// Release zaps every page and frees every frame not in use as a root.
// Contexts should be released first.
func (d *Domain) Release() {
	d.ZapAll()
	d.mu.Lock()
	roots := d.roots
	d.mu.Unlock()
	if roots != 0 {
		log.Warningf("mmu: domain released with %d roots in use", roots)
	}
}
