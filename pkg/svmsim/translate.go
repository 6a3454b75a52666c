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

package svmsim

import (
	"gvisor.dev/vmrun/pkg/abi/svm"
	"gvisor.dev/vmrun/pkg/hostarch"
	"gvisor.dev/vmrun/pkg/log"
	"gvisor.dev/vmrun/pkg/ring0/pagetables"
)

// tableLevels is the depth of every table tree.
const tableLevels = 4

// accessKind is the kind of a memory access.
type accessKind int

const (
	accessRead accessKind = iota
	accessWrite
	accessFetch
)

// code returns the page-fault error code bits of an access.
func (k accessKind) code(user bool) uint64 {
	var code uint64
	switch k {
	case accessWrite:
		code |= svm.PFErrWrite
	case accessFetch:
		code |= svm.PFErrFetch
	}
	if user {
		code |= svm.PFErrUser
	}
	return code
}

// perms are the permissions accumulated along a walk.
type perms struct {
	write, user, exec bool
}

func (p *perms) add(e pagetables.PTE, nx bool) {
	p.write = p.write && e.Writable()
	p.user = p.user && e.User()
	p.exec = p.exec && (!nx || e.Executable())
}

// allows returns true if p permits an access of kind k. wp is CR0.WP.
func (p perms) allows(k accessKind, user, wp bool) bool {
	switch {
	case user && !p.user:
		return false
	case k == accessWrite && !p.write && (user || wp):
		return false
	case k == accessFetch && !p.exec:
		return false
	}
	return true
}

// walk translates addr through the table rooted at root. lookup resolves
// the table at a physical address, possibly exiting. It returns the
// translated address, or false with the entry that ended the walk.
func walk(root, addr uint64, nx bool, lookup func(uint64) (*pagetables.PTEs, exit, bool)) (uint64, perms, bool, exit, bool) {
	p := perms{write: true, user: true, exec: true}
	table := root &^ (hostarch.PageSize - 1)
	for level := tableLevels; level >= hostarch.PageLevel4K; level-- {
		ptes, e, ok := lookup(table)
		if !ok {
			return 0, p, false, e, false
		}
		if ptes == nil {
			return 0, p, false, exit{}, true
		}
		entry := ptes[hostarch.LevelIndex(addr, level)].Load()
		if !entry.Valid() {
			return 0, p, false, exit{}, true
		}
		p.add(entry, nx)
		if level == hostarch.PageLevel4K || entry.IsSuper() {
			size := hostarch.HPageSize(level)
			return entry.Address()&^(size-1) | addr&(size-1), p, true, exit{}, true
		}
		table = entry.Address()
	}
	panic("unreachable")
}

// hostTable resolves a table in host memory.
func (t *thread) hostTable(addr uint64) (*pagetables.PTEs, exit, bool) {
	return t.m.frames.LookupPTEs(addr), exit{}, true
}

// nested translates gpa through the nested table. final is
// svm.PFErrGuestFinal for the final translation of an access and
// svm.PFErrGuestPage for guest table reads.
func (t *thread) nested(gpa uint64, k accessKind, final uint64) (uint64, exit, bool) {
	hpa, p, ok, e, cont := walk(t.st.Control.NCR3, gpa, true, t.hostTable)
	if !cont {
		return 0, e, false
	}
	// Nested accesses are user accesses; the user bit is not checked.
	if ok && p.allows(k, false, true) {
		return hpa, exit{}, true
	}
	code := k.code(t.st.Save.CPL == 3) | final
	if ok {
		code |= svm.PFErrPresent
	}
	return 0, exit{code: svm.ExitNPF, info1: code, info2: gpa}, false
}

// guestTable resolves a guest table through the nested table.
func (t *thread) guestTable(gpa uint64) (*pagetables.PTEs, exit, bool) {
	hpa, e, ok := t.nested(gpa, accessRead, svm.PFErrGuestPage)
	if !ok {
		return nil, e, false
	}
	return t.m.frames.LookupPTEs(hpa), exit{}, true
}

// translate returns the host address gva maps to for an access of kind k.
func (t *thread) translate(gva uint64, k accessKind) (uint64, exit, bool) {
	save := &t.st.Save
	user := save.CPL == 3
	wp := save.CR0&svm.CR0WP != 0
	nx := save.EFER&svm.EFERNXE != 0

	if t.st.Control.NestedCtl&svm.NestedCtlNPEnable == 0 {
		hpa, p, ok, _, _ := walk(save.CR3, gva, nx, t.hostTable)
		if ok && p.allows(k, user, wp) {
			return hpa, exit{}, true
		}
		code := k.code(user)
		if ok {
			code |= svm.PFErrPresent
		}
		e, _ := t.exception(svm.VectorPF, code, gva)
		return 0, e, false
	}

	gpa := gva
	if save.CR0&svm.CR0PG != 0 {
		addr, p, ok, e, cont := walk(save.CR3, gva, nx, t.guestTable)
		if !cont {
			return 0, e, false
		}
		if !ok || !p.allows(k, user, wp) {
			code := k.code(user)
			if ok {
				code |= svm.PFErrPresent
			}
			pf, _ := t.exception(svm.VectorPF, code, gva)
			return 0, pf, false
		}
		gpa = addr
	}
	return t.nested(gpa, k, svm.PFErrGuestFinal)
}

// access copies between buf and guest memory at gva.
func (t *thread) access(gva uint64, buf []byte, k accessKind) (exit, bool) {
	for done := 0; done < len(buf); {
		addr := gva + uint64(done)
		hpa, e, ok := t.translate(addr, k)
		if !ok {
			return e, false
		}
		page := t.m.mem.Page(hostarch.PFN(hpa >> hostarch.PageShift))
		if page == nil {
			log.Warningf("svmsim: gva %#x maps to dead frame %#x", addr, hpa)
			return exit{code: svm.ExitShutdown}, false
		}
		off := hpa & (hostarch.PageSize - 1)
		var n int
		if k == accessWrite {
			n = copy(page[off:], buf[done:])
		} else {
			n = copy(buf[done:], page[off:])
		}
		done += n
	}
	return exit{}, true
}
