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

	"gvisor.dev/vmrun/pkg/abi/svm"
	"gvisor.dev/vmrun/pkg/errors/vmerr"
	"gvisor.dev/vmrun/pkg/hostarch"
	"gvisor.dev/vmrun/pkg/memslot"
	"gvisor.dev/vmrun/pkg/ring0/pagetables"
)

// Paging builds and maintains the tables of one Mode on behalf of Contexts.
type Paging interface {
	// Mode returns the variant.
	Mode() Mode

	// Root returns the physical address of the root table c must run
	// with, building it if c has none.
	Root(c *Context) (uint64, error)

	// PageFault resolves a fault at addr with error code code. addr is
	// guest-physical for nested paging and guest-virtual for shadow
	// paging. It returns *MMIOError if no slot can satisfy the access,
	// *GuestFault if the guest's tables forbid it, and
	// vmerr.ErrStaleSnapshot if the access must be retried.
	PageFault(c *Context, addr, code uint64) error

	// InvalidatePage drops any translation of the guest-virtual address
	// gva.
	InvalidatePage(c *Context, gva uint64)

	// Translate translates gva through the guest's page tables. It fails
	// with vmerr.ErrNotMapped.
	Translate(c *Context, gva uint64) (hostarch.GPA, error)

	// Free releases c's root.
	Free(c *Context)
}

// paging is the part of a Paging variant the common fault path needs.
type paging interface {
	Paging

	// rootKey returns the key of the root c needs.
	rootKey(c *Context) pageKey

	// walk resolves the guest side of an access.
	walk(c *Context, addr, code uint64) (guestWalk, error)

	// childKey returns the key of the table below the entry translating
	// addr at level.
	childKey(c *Context, w *guestWalk, level int) pageKey
}

// newPaging returns the variant for mode.
func newPaging(mode Mode) paging {
	switch mode {
	case Nested:
		return nestedPaging{}
	case Shadow:
		return shadowPaging{}
	default:
		panic(fmt.Sprintf("mmu: unknown paging mode %v", mode))
	}
}

// nestedPaging builds guest-physical tables.
type nestedPaging struct{}

var _ Paging = nestedPaging{}

// Mode implements Paging.Mode.
func (nestedPaging) Mode() Mode { return Nested }

// Root implements Paging.Root.
func (p nestedPaging) Root(c *Context) (uint64, error) { return c.d.loadRoot(c, p) }

// PageFault implements Paging.PageFault.
func (p nestedPaging) PageFault(c *Context, gpa, code uint64) error {
	return c.d.pageFault(c, p, gpa, code)
}

// InvalidatePage implements Paging.InvalidatePage. Guest-virtual
// translations are tagged by ASID and never reach nested tables.
func (nestedPaging) InvalidatePage(*Context, uint64) {}

// Translate implements Paging.Translate.
func (nestedPaging) Translate(c *Context, gva uint64) (hostarch.GPA, error) {
	return c.d.translate(c, gva)
}

// Free implements Paging.Free.
func (nestedPaging) Free(c *Context) { c.d.freeRoot(c) }

func (nestedPaging) rootKey(c *Context) pageKey {
	return pageKey{as: c.as, level: tableLevels, direct: true, access: accAll}
}

func (nestedPaging) walk(_ *Context, gpa, _ uint64) (guestWalk, error) {
	return directWalk(gpa), nil
}

func (nestedPaging) childKey(c *Context, w *guestWalk, level int) pageKey {
	return pageKey{
		as:     c.as,
		level:  uint8(level - 1),
		direct: true,
		access: accAll,
		gfn:    hostarch.HPageBase(w.gfn, level),
	}
}

// shadowPaging builds guest-virtual tables from the guest's tables.
type shadowPaging struct{}

var _ Paging = shadowPaging{}

// Mode implements Paging.Mode.
func (shadowPaging) Mode() Mode { return Shadow }

// Root implements Paging.Root.
func (p shadowPaging) Root(c *Context) (uint64, error) { return c.d.loadRoot(c, p) }

// PageFault implements Paging.PageFault.
func (p shadowPaging) PageFault(c *Context, gva, code uint64) error {
	return c.d.pageFault(c, p, gva, code)
}

// InvalidatePage implements Paging.InvalidatePage.
func (shadowPaging) InvalidatePage(c *Context, gva uint64) {
	d := c.d
	d.mu.Lock()
	if c.root != nil && !c.root.invalid {
		if sp, i := d.lookupLocked(c.root, gva); sp != nil {
			d.dropLeafLocked(sp, i)
		}
	}
	d.mu.Unlock()
	d.commit(c)
}

// Translate implements Paging.Translate.
func (shadowPaging) Translate(c *Context, gva uint64) (hostarch.GPA, error) {
	return c.d.translate(c, gva)
}

// Free implements Paging.Free.
func (shadowPaging) Free(c *Context) { c.d.freeRoot(c) }

func (shadowPaging) rootKey(c *Context) pageKey {
	if !c.guestPaging() {
		return pageKey{as: c.as, level: tableLevels, direct: true, mode: c.role, access: accAll}
	}
	return pageKey{
		as:     c.as,
		level:  tableLevels,
		mode:   c.role,
		access: accAll,
		gfn:    hostarch.GFN(pagetables.PTE(c.cr3).Address() >> hostarch.PageShift),
	}
}

func (shadowPaging) walk(c *Context, gva, code uint64) (guestWalk, error) {
	return c.walkGuest(gva, code)
}

func (shadowPaging) childKey(c *Context, w *guestWalk, level int) pageKey {
	if c.guestPaging() && level > w.level {
		return pageKey{
			as:     c.as,
			level:  uint8(level - 1),
			mode:   c.role,
			access: w.accessAt[level],
			gfn:    w.tables[level-1],
		}
	}
	return pageKey{
		as:     c.as,
		level:  uint8(level - 1),
		direct: true,
		mode:   c.role,
		access: w.access,
		gfn:    hostarch.HPageBase(w.gfn, level),
	}
}

// loadRoot makes sure c has a valid root and returns its address.
func (d *Domain) loadRoot(c *Context, p paging) (uint64, error) {
	if c.state == Freed {
		return 0, fmt.Errorf("load of released context: %w", vmerr.ErrInvalidArgument)
	}
	if c.state == Rooted {
		d.mu.Lock()
		valid := !c.root.invalid
		d.mu.Unlock()
		if valid {
			return c.root.addr(), nil
		}
		c.NewRoot()
	}
	if err := c.topup(); err != nil {
		return 0, err
	}
	d.mu.Lock()
	d.reclaimLocked(1)
	sp := d.getPageLocked(c, p.rootKey(c))
	sp.rootCount++
	d.roots++
	d.mu.Unlock()
	d.commit(c)
	c.root = sp
	c.state = Rooted
	return sp.addr(), nil
}

// freeRoot drops c's reference on its root.
func (d *Domain) freeRoot(c *Context) {
	sp := c.root
	if sp == nil {
		return
	}
	c.root = nil
	d.mu.Lock()
	sp.rootCount--
	d.roots--
	if sp.rootCount == 0 && sp.invalid {
		d.invalid = append(d.invalid, sp)
	}
	d.mu.Unlock()
	d.commit(c)
}

// translate walks the guest's tables without side effects.
func (d *Domain) translate(c *Context, gva uint64) (hostarch.GPA, error) {
	g := d.slots.ReadLock()
	defer g.Unlock()
	w, err := c.walkGuest(gva, 0)
	if err != nil {
		return 0, fmt.Errorf("gva %#x: %v: %w", gva, err, vmerr.ErrNotMapped)
	}
	return w.gfn.GPA() + hostarch.GPA(gva&hostarch.PageMask), nil
}

// staleLocked returns true if a fault that observed notifier sequence seq
// must not install a mapping.
//
// Preconditions: d.mu is locked.
func (d *Domain) staleLocked(c *Context, seq uint64) bool {
	return c.root == nil || c.root.invalid ||
		d.notifierCount.Load() != 0 || d.notifierSeq.Load() != seq ||
		d.slotChanges != 0
}

// fault is a resolved access waiting to be mapped.
type fault struct {
	addr         uint64
	write        bool
	walk         *guestWalk
	slot         *memslot.Slot
	pfn          hostarch.PFN
	hostWritable bool
	hostLevel    int
}

// pageFault is the fault path shared by both variants.
func (d *Domain) pageFault(c *Context, p paging, addr, code uint64) error {
	if c.state != Rooted {
		return vmerr.ErrStaleSnapshot
	}
	if err := c.topup(); err != nil {
		return err
	}
	g := d.slots.ReadLock()
	defer g.Unlock()

	seq := d.notifierSeq.Load()
	w, err := p.walk(c, addr, code)
	if err != nil {
		return err
	}
	write := code&svm.PFErrWrite != 0
	gpa := w.gfn.GPA() + hostarch.GPA(addr&hostarch.PageMask)
	slot := d.slotOf(c.as, w.gfn)
	if slot == nil || (write && slot.Flags&memslot.ReadOnly != 0) {
		mmioFaults.Increment()
		return &MMIOError{GPA: gpa, Write: write}
	}
	hva := slot.GFNToHVA(w.gfn)
	pfn, hostWritable, err := d.mem.Translate(hva, write)
	if err != nil {
		return fmt.Errorf("gpa %#x at hva %#x: %w", uint64(gpa), uint64(hva), err)
	}
	if write && !hostWritable {
		mmioFaults.Increment()
		return &MMIOError{GPA: gpa, Write: write}
	}
	f := fault{
		addr:         addr,
		write:        write,
		walk:         &w,
		slot:         slot,
		pfn:          pfn,
		hostWritable: hostWritable,
		hostLevel:    d.mem.MappingLevel(hva),
	}

	d.mu.Lock()
	if d.staleLocked(c, seq) || w.changed() {
		d.mu.Unlock()
		faultRetries.Increment()
		d.retryLog.Debugf("mmu: retrying fault at %#x (code %#x)", addr, code)
		return vmerr.ErrStaleSnapshot
	}
	err = d.mapLocked(c, p, &f)
	d.mu.Unlock()
	d.commit(c)
	if err == nil {
		pageFaults.Increment(p.Mode().String())
	}
	return err
}

// mapLocked installs the mapping for f.
//
// Preconditions: d.mu is locked.
func (d *Domain) mapLocked(c *Context, p paging, f *fault) error {
	w := f.walk
	slot := f.slot
	gfn := w.gfn
	if f.write && slot.WriteTracked(gfn) {
		if w.shadows(gfn) {
			// The write changes a table translating the address
			// written, so it cannot be let through.
			return &MMIOError{GPA: gfn.GPA() + hostarch.GPA(f.addr&hostarch.PageMask), Write: true}
		}
		d.unprotectLocked(c.as, gfn)
		if c.root.invalid {
			return vmerr.ErrStaleSnapshot
		}
	}
	d.reclaimLocked(minFreePages)

	// Tables shadowing guest tables come first: they write-track frames,
	// which may forbid large mappings.
	sp := c.root
	for l := tableLevels; l > w.level; l-- {
		sp = d.childLocked(c, sp, hostarch.LevelIndex(f.addr, l), p.childKey(c, w, l))
	}
	level := max(hostarch.PageLevel4K, min(f.hostLevel, w.level))
	if slot.Flags&memslot.LogDirtyPages != 0 {
		level = hostarch.PageLevel4K
	}
	for level > hostarch.PageLevel4K && !slot.LPageAllowed(gfn, level) {
		level--
	}
	for l := w.level; l > level; l-- {
		sp = d.childLocked(c, sp, hostarch.LevelIndex(f.addr, l), p.childKey(c, w, l))
	}

	hostWritable := f.hostWritable && slot.Flags&memslot.ReadOnly == 0
	mmuWritable := hostWritable && w.access&accWrite != 0 && !slot.WriteTracked(gfn)
	writable := mmuWritable && (slot.Flags&memslot.LogDirtyPages == 0 || f.write)
	opts := pagetables.MapOpts{
		Writable:     writable,
		User:         w.access&accUser != 0,
		Executable:   w.access&accExec != 0,
		HostWritable: hostWritable,
		MMUWritable:  mmuWritable,
	}
	leaf := hostarch.HPageBase(gfn, level)
	pfn := f.pfn - hostarch.PFN(gfn-leaf)
	d.setLeafLocked(sp, hostarch.LevelIndex(f.addr, level), leaf, slot, pfn.Addr(), opts)
	if f.write && writable {
		slot.MarkDirty(gfn)
	}
	return nil
}

// childLocked returns the table below entry i of sp, replacing whatever the
// entry holds if it is not the table for key.
//
// Preconditions: d.mu is locked.
func (d *Domain) childLocked(c *Context, sp *shadowPage, i int, key pageKey) *shadowPage {
	e := sp.table[i].Load()
	if e.Valid() {
		if isLeaf(e, sp.level()) {
			d.dropLeafLocked(sp, i)
		} else if child, ok := d.pages[e.PFN()]; ok && child.key == key {
			return child
		} else {
			d.unlinkLocked(sp, i)
		}
	}
	child := d.getPageLocked(c, key)
	d.linkLocked(sp, i, child)
	return child
}

// setLeafLocked makes entry i of sp map the frames at pa, which belong to
// slot starting at gfn.
//
// Preconditions: d.mu is locked.
func (d *Domain) setLeafLocked(sp *shadowPage, i int, gfn hostarch.GFN, slot *memslot.Slot, pa uint64, opts pagetables.MapOpts) {
	level := sp.level()
	e := pagetables.MakePTE(pa, level, true, opts)
	old := sp.table[i].Load()
	if old.Valid() {
		switch {
		case !isLeaf(old, level):
			d.unlinkLocked(sp, i)
		case old.Address() == pa && sp.gfnAt(i) == gfn:
			sp.table[i].Store(e)
			if old.Writable() && !e.Writable() {
				d.zapSeq++
			}
			return
		default:
			d.dropLeafLocked(sp, i)
		}
	}
	sp.setGFN(i, gfn)
	sp.table[i].Store(e)
	slot.Rmap(gfn, level).Add(memslot.SPTERef{Table: sp.pfn, Index: uint16(i)})
}

// lookupLocked returns the page and index of the leaf translating va from
// root, or nil.
//
// Preconditions: d.mu is locked.
func (d *Domain) lookupLocked(root *shadowPage, va uint64) (*shadowPage, int) {
	sp := root
	for level := root.level(); ; level-- {
		i := hostarch.LevelIndex(va, level)
		e := sp.table[i].Load()
		if !e.Valid() {
			return nil, 0
		}
		if isLeaf(e, level) {
			return sp, i
		}
		child, ok := d.pages[e.PFN()]
		if !ok {
			return nil, 0
		}
		sp = child
	}
}
