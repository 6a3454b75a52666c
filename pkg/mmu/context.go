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
	"gvisor.dev/vmrun/pkg/hostarch"
	"gvisor.dev/vmrun/pkg/ring0/pagetables"
)

// State is the lifecycle state of a Context.
type State int

// States.
const (
	// Uninitialized contexts have never had a root.
	Uninitialized State = iota

	// Rooted contexts have a root that may be loaded.
	Rooted

	// Invalidated contexts dropped their root and build a new one on the
	// next Root.
	Invalidated

	// Freed contexts may not be used again.
	Freed
)

var stateNames = [...]string{"uninitialized", "rooted", "invalidated", "freed"}

// String implements fmt.Stringer.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Guest paging bits the contents of shadow pages depend on.
const (
	roleWP uint8 = 1 << iota
	roleNX
	roleSMEP
	rolePaging
)

// Context is the translation state of one VCPU. It is used by the VCPU's
// goroutine only.
type Context struct {
	d      *Domain
	paging paging
	as     uint8
	state  State

	// root is the page in use as root while state is Rooted.
	root *shadowPage

	// cache holds frames allocated ahead of the next table change.
	cache []frame

	cr0, cr3, cr4, efer uint64
	role                uint8

	// permissions is the fault bitmap computed by updatePermissions.
	permissions [16]uint8
}

// NewContext returns a Context for a VCPU of d.
func (d *Domain) NewContext() *Context {
	c := &Context{d: d, paging: newPaging(d.mode)}
	c.updatePermissions()
	return c
}

// Paging returns the variant c uses.
func (c *Context) Paging() Paging {
	return c.paging
}

// State returns c's lifecycle state.
func (c *Context) State() State {
	return c.state
}

// AddressSpace returns the address space c translates in.
func (c *Context) AddressSpace() int {
	return int(c.as)
}

// SetAddressSpace switches c to address space as, dropping the root if it
// changes.
func (c *Context) SetAddressSpace(as int) {
	if uint8(as) == c.as {
		return
	}
	c.as = uint8(as)
	c.NewRoot()
}

// SetPagingRegs records the guest paging registers. With shadow paging a
// change of the tables or of how they are interpreted drops the root.
func (c *Context) SetPagingRegs(cr0, cr3, cr4, efer uint64) {
	if c.cr0 == cr0 && c.cr3 == cr3 && c.cr4 == cr4 && c.efer == efer {
		return
	}
	c.cr0, c.cr3, c.cr4, c.efer = cr0, cr3, cr4, efer
	c.updatePermissions()
	var role uint8
	if cr0&svm.CR0WP != 0 {
		role |= roleWP
	}
	if efer&svm.EFERNXE != 0 {
		role |= roleNX
	}
	if cr4&svm.CR4SMEP != 0 {
		role |= roleSMEP
	}
	if cr0&svm.CR0PG != 0 {
		role |= rolePaging
	}
	c.role = role
	if c.d.mode == Shadow {
		c.NewRoot()
	}
}

// guestPaging returns true if the guest translates virtual addresses.
func (c *Context) guestPaging() bool {
	return c.role&rolePaging != 0
}

// NewRoot drops c's root. The next Root builds or finds one for the current
// registers.
func (c *Context) NewRoot() {
	if c.state != Rooted {
		return
	}
	c.paging.Free(c)
	c.state = Invalidated
}

// Root returns the root c must run with. See Paging.Root.
func (c *Context) Root() (uint64, error) {
	return c.paging.Root(c)
}

// PageFault resolves a fault. See Paging.PageFault.
func (c *Context) PageFault(addr, code uint64) error {
	return c.paging.PageFault(c, addr, code)
}

// InvalidatePage drops the translation of gva. See Paging.InvalidatePage.
func (c *Context) InvalidatePage(gva uint64) {
	c.paging.InvalidatePage(c, gva)
}

// Translate translates gva. See Paging.Translate.
func (c *Context) Translate(gva uint64) (hostarch.GPA, error) {
	return c.paging.Translate(c, gva)
}

// Spurious returns true if c's tables already permit the access a fault at
// addr with error code code describes, as happens when another VCPU fixed
// the entry first. It reads the tables without locks, as the processor
// does.
func (c *Context) Spurious(addr, code uint64) bool {
	if c.state != Rooted {
		return false
	}
	res, ok := pagetables.Walk(c.d.frames, c.root.addr(), tableLevels, addr)
	if !ok {
		return false
	}
	e := res.Entry
	switch {
	case code&svm.PFErrWrite != 0 && !e.Writable():
		return false
	case code&svm.PFErrUser != 0 && !e.User():
		return false
	case code&svm.PFErrFetch != 0 && !e.Executable():
		return false
	}
	return true
}

// topup fills c's frame cache so a fault never allocates under the MMU
// lock.
func (c *Context) topup() error {
	for len(c.cache) < minFreePages {
		pfn, err := c.d.mem.AllocPage()
		if err != nil {
			return fmt.Errorf("table page: %w", err)
		}
		c.cache = append(c.cache, frame{pfn: pfn, table: pagetables.FromPage(c.d.mem.Page(pfn))})
	}
	return nil
}

// Release drops c's root and frees its cached frames. c may not be used
// again.
func (c *Context) Release() {
	if c.state == Freed {
		return
	}
	c.NewRoot()
	for _, f := range c.cache {
		c.d.mem.FreePage(f.pfn)
	}
	c.cache = nil
	c.state = Freed
}
