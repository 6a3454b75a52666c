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
	"encoding/binary"

	"gvisor.dev/vmrun/pkg/abi/svm"
	"gvisor.dev/vmrun/pkg/log"
	"gvisor.dev/vmrun/pkg/vmrun"
)

// exit is a guest-mode exit raised while executing.
type exit struct {
	code  uint64
	info1 uint64
	info2 uint64

	// next is the address of the next instruction, for intercepts that
	// report it.
	next uint64
}

// thread executes one entry.
type thread struct {
	m  *Machine
	g  *vmrun.Guest
	st *svm.VMCB

	// pauses is the remaining pause filter count.
	pauses uint16
}

func (t *thread) intercepted(bit int) bool {
	return t.st.Control.Intercepts&(1<<bit) != 0
}

// run executes until an exit and records it in t.st.
func (t *thread) run() {
	e := t.runLoop()
	ctl := &t.st.Control
	ctl.ExitCode = e.code
	ctl.ExitInfo1 = e.info1
	ctl.ExitInfo2 = e.info2
	ctl.NextRIP = e.next
	ctl.ExitIntInfo = 0
	if e.code == svm.ExitShutdown && ctl.EventInj&svm.EventInjValid != 0 {
		ctl.ExitIntInfo = ctl.EventInj
	}
}

func (t *thread) runLoop() exit {
	if e, ok := t.check(); !ok {
		return e
	}
	t.flushTLB()

	ctl := &t.st.Control
	if ctl.EventInj&svm.EventInjValid != 0 {
		log.Debugf("svmsim: event %#x with no descriptor table, shutting down", ctl.EventInj)
		return exit{code: svm.ExitShutdown}
	}

	t.pauses = ctl.PauseFilterCount
	for n := 0; t.m.quantum == 0 || n < t.m.quantum; n++ {
		if t.g.TakeKick() && t.intercepted(svm.InterceptIntr) {
			return exit{code: svm.ExitIntr}
		}
		if e, ok := t.step(); !ok {
			return e
		}
		t.m.instructions.Add(1)
		instructions.Increment()
	}
	return exit{code: svm.ExitIntr}
}

// check validates the state of the entry, as VMRUN does.
func (t *thread) check() (exit, bool) {
	st := t.st
	switch {
	case st.Save.EFER&svm.EFERSVME == 0,
		st.Control.ASID == 0,
		st.Control.ASID > t.m.maxASID,
		!t.intercepted(svm.InterceptVMRUN),
		st.Control.NestedCtl&svm.NestedCtlNPEnable != 0 && st.Control.NCR3 == 0:
		log.Warningf("svmsim: invalid guest state: efer %#x asid %d intercepts %#x ncr3 %#x",
			st.Save.EFER, st.Control.ASID, st.Control.Intercepts, st.Control.NCR3)
		return exit{code: svm.ExitErr}, false
	}
	return exit{}, true
}

// flushTLB honors the TLB control of the entry. No translations are cached,
// so only the counters change.
func (t *thread) flushTLB() {
	switch t.st.Control.TLBCtl {
	case svm.TLBCtlFlushAll:
		t.m.flushAll.Add(1)
	case svm.TLBCtlFlushASID, svm.TLBCtlFlushASIDLocal:
		t.m.flushASID.Add(1)
	}
}

func (t *thread) rip() uint64 {
	return t.st.Save.RIP
}

// fetch reads n instruction bytes at RIP.
func (t *thread) fetch(n int) ([]byte, exit, bool) {
	b := make([]byte, n)
	if e, ok := t.access(t.rip(), b, accessFetch); !ok {
		return nil, e, false
	}
	return b, exit{}, true
}

// step executes one instruction. It returns false with the exit the
// instruction raised.
func (t *thread) step() (exit, bool) {
	op, e, ok := t.fetch(1)
	if !ok {
		return e, false
	}
	save := &t.st.Save
	rip := t.rip()
	switch op[0] {
	case 0x90:
		save.RIP = rip + 1
	case 0xf4:
		if t.intercepted(svm.InterceptHLT) {
			return exit{code: svm.ExitHLT, next: rip + 1}, false
		}
		save.RIP = rip + 1
	case 0xeb:
		b, e, ok := t.fetch(2)
		if !ok {
			return e, false
		}
		save.RIP = rip + 2 + uint64(int64(int8(b[1])))
	case 0xf3:
		b, e, ok := t.fetch(2)
		if !ok {
			return e, false
		}
		if b[1] != 0x90 {
			return t.undefined()
		}
		if t.intercepted(svm.InterceptPause) {
			if t.pauses == 0 {
				return exit{code: svm.ExitPause, next: rip + 2}, false
			}
			t.pauses--
		}
		save.RIP = rip + 2
	case 0x48:
		return t.rex(rip)
	case 0x0f:
		return t.twoByte(rip)
	default:
		return t.undefined()
	}
	return exit{}, true
}

// rex executes the REX.W instructions.
func (t *thread) rex(rip uint64) (exit, bool) {
	b, e, ok := t.fetch(3)
	if !ok {
		return e, false
	}
	save := &t.st.Save
	switch {
	case b[1] == 0xff && b[2] == 0xc0:
		save.RAX++
	case b[1] == 0x89 && b[2] == 0x03:
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], save.RAX)
		if e, ok := t.access(t.g.GPRs[vmrun.RBX], buf[:], accessWrite); !ok {
			return e, false
		}
	case b[1] == 0x8b && b[2] == 0x03:
		var buf [8]byte
		if e, ok := t.access(t.g.GPRs[vmrun.RBX], buf[:], accessRead); !ok {
			return e, false
		}
		save.RAX = binary.LittleEndian.Uint64(buf[:])
	default:
		return t.undefined()
	}
	save.RIP = rip + 3
	return exit{}, true
}

// twoByte executes the 0F 01 instructions.
func (t *thread) twoByte(rip uint64) (exit, bool) {
	b, e, ok := t.fetch(3)
	if !ok {
		return e, false
	}
	if b[1] != 0x01 {
		return t.undefined()
	}
	switch b[2] {
	case 0xd9:
		if !t.intercepted(svm.InterceptVMMCALL) {
			return t.undefined()
		}
		return exit{code: svm.ExitVMMCALL, next: rip + 3}, false
	case 0x38:
		if t.st.Save.CPL != 0 {
			return exit{code: svm.ExitShutdown}, false
		}
		if t.intercepted(svm.InterceptINVLPG) {
			return exit{code: svm.ExitINVLPG, info1: t.st.Save.RAX, next: rip + 3}, false
		}
	default:
		return t.undefined()
	}
	t.st.Save.RIP = rip + 3
	return exit{}, true
}

// undefined raises #UD.
func (t *thread) undefined() (exit, bool) {
	return t.exception(svm.VectorUD, 0, 0)
}

// exception raises vector. Intercepted exceptions exit with the error code
// in info1 and, for #PF, the address in info2. Others cannot be delivered.
func (t *thread) exception(vector int, code, addr uint64) (exit, bool) {
	if t.st.Control.InterceptExceptions&(1<<vector) != 0 {
		return exit{code: svm.ExitExcpBase + uint64(vector), info1: code, info2: addr}, false
	}
	log.Debugf("svmsim: exception %d at rip %#x, shutting down", vector, t.rip())
	return exit{code: svm.ExitShutdown}, false
}
