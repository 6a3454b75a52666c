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
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/vmrun/pkg/abi/svm"
	"gvisor.dev/vmrun/pkg/hostarch"
	"gvisor.dev/vmrun/pkg/hostmem"
	"gvisor.dev/vmrun/pkg/memslot"
	"gvisor.dev/vmrun/pkg/mmu"
	"gvisor.dev/vmrun/pkg/ring0/pagetables"
	"gvisor.dev/vmrun/pkg/vmrun"
)

// Instruction encodings.
var (
	nop     = []byte{0x90}
	hlt     = []byte{0xf4}
	pause   = []byte{0xf3, 0x90}
	incRAX  = []byte{0x48, 0xff, 0xc0}
	storeAt = []byte{0x48, 0x89, 0x03} // MOV [RBX], RAX
	loadAt  = []byte{0x48, 0x8b, 0x03} // MOV RAX, [RBX]
	invlpg  = []byte{0x0f, 0x01, 0x38} // INVLPG [RAX]
	vmmcall = []byte{0x0f, 0x01, 0xd9}
	spin    = []byte{0xeb, 0xfe} // JMP .
	ud2     = []byte{0x0f, 0x0b}
)

func code(insns ...[]byte) []byte {
	var b []byte
	for _, i := range insns {
		b = append(b, i...)
	}
	return b
}

type testVM struct {
	t     *testing.T
	arena *hostmem.Arena
	m     *Machine
	vm    *vmrun.VM
	hva   hostarch.HVA
}

const testPages = 256

// newTestVM returns a VM with a slot of testPages pages at guest address 0.
func newTestVM(t *testing.T, paging mmu.Mode) *testVM {
	t.Helper()
	cfg := vmrun.DefaultConfig()
	cfg.Paging = paging
	cfg.Quantum = 1000
	arena := hostmem.NewArena()
	t.Cleanup(arena.Release)
	m := New(cfg, arena)
	host, err := vmrun.NewHost(cfg, arena, m)
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	vm := host.CreateVM()
	t.Cleanup(vm.DecRef)
	v := &testVM{t: t, arena: arena, m: m, vm: vm}
	v.hva = v.addSlot(0, 0, testPages, 0)
	return v
}

// addSlot backs slot id at gfn with fresh memory.
func (v *testVM) addSlot(id int, gfn hostarch.GFN, pages uint64, flags memslot.Flags) hostarch.HVA {
	v.t.Helper()
	hva, err := v.arena.Map(pages*hostarch.PageSize, hostmem.MapOpts{PageLevel: hostarch.PageLevel2M})
	if err != nil {
		v.t.Fatalf("Map: %v", err)
	}
	if err := v.vm.SetUserMemoryRegion(memslot.Region{
		ID:            id,
		BaseGFN:       gfn,
		NPages:        pages,
		UserspaceAddr: hva,
		Flags:         flags,
	}); err != nil {
		v.t.Fatalf("SetUserMemoryRegion: %v", err)
	}
	return hva
}

// bytes returns the guest memory at gpa in the first slot.
func (v *testVM) bytes(gpa, length uint64) []byte {
	v.t.Helper()
	b, err := v.arena.Bytes(v.hva+hostarch.HVA(gpa), length)
	if err != nil {
		v.t.Fatalf("Bytes: %v", err)
	}
	return b
}

func (v *testVM) write(gpa uint64, b []byte) {
	copy(v.bytes(gpa, uint64(len(b))), b)
}

func (v *testVM) vcpu(id int, rip uint64) *vmrun.VCPU {
	v.t.Helper()
	c, err := v.vm.CreateVCPU(id)
	if err != nil {
		v.t.Fatalf("CreateVCPU(%d): %v", id, err)
	}
	c.SetReg(vmrun.RIP, rip)
	return c
}

func (v *testVM) run(c *vmrun.VCPU, want vmrun.ExitReason) vmrun.Exit {
	v.t.Helper()
	e, err := c.Run()
	if err != nil {
		v.t.Fatalf("Run: %v", err)
	}
	if e.Reason != want {
		v.t.Fatalf("Run: got exit %v, want %v", e, want)
	}
	return e
}

var pagingModes = []mmu.Mode{mmu.Nested, mmu.Shadow}

func TestHypercall(t *testing.T) {
	for _, mode := range pagingModes {
		t.Run(mode.String(), func(t *testing.T) {
			v := newTestVM(t, mode)
			v.write(0, vmmcall)
			c := v.vcpu(0, 0)

			v.run(c, vmrun.ExitHypercall)
			if got := c.Reg(vmrun.RIP); got != 3 {
				t.Errorf("RIP: got %#x, want 3", got)
			}
			if got := c.Mode(); got != vmrun.OutsideGuest {
				t.Errorf("Mode: got %v, want %v", got, vmrun.OutsideGuest)
			}
			if s := v.m.Stats(); s.Entries == 0 {
				t.Errorf("no entries recorded: %+v", s)
			}
		})
	}
}

func TestRegisters(t *testing.T) {
	for _, mode := range pagingModes {
		t.Run(mode.String(), func(t *testing.T) {
			v := newTestVM(t, mode)
			v.write(0x1000, code(incRAX, nop, incRAX, pause, vmmcall))
			c := v.vcpu(0, 0x1000)
			c.SetReg(vmrun.RAX, 40)
			c.SetReg(vmrun.R15, 0xdead)
			want := c.GetRegs()

			v.run(c, vmrun.ExitHypercall)
			want.RAX = 42
			want.RIP = 0x1000 + uint64(len(code(incRAX, nop, incRAX, pause, vmmcall)))
			if diff := cmp.Diff(want, c.GetRegs()); diff != "" {
				t.Errorf("registers mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoadStore(t *testing.T) {
	for _, mode := range pagingModes {
		t.Run(mode.String(), func(t *testing.T) {
			v := newTestVM(t, mode)
			binary.LittleEndian.PutUint64(v.bytes(0x5000, 8), 0x1122334455667788)
			v.write(0, code(loadAt, incRAX, storeAt, vmmcall))
			c := v.vcpu(0, 0)
			c.SetReg(vmrun.RBX, 0x5000)

			v.run(c, vmrun.ExitHypercall)
			if got, want := binary.LittleEndian.Uint64(v.bytes(0x5000, 8)), uint64(0x1122334455667789); got != want {
				t.Errorf("memory: got %#x, want %#x", got, want)
			}
		})
	}
}

func TestMMIO(t *testing.T) {
	for _, mode := range pagingModes {
		t.Run(mode.String(), func(t *testing.T) {
			v := newTestVM(t, mode)
			v.write(0, code(storeAt, vmmcall))
			c := v.vcpu(0, 0)
			const gpa = 0x200000
			c.SetReg(vmrun.RBX, gpa)

			e := v.run(c, vmrun.ExitMMIO)
			if e.GPA != gpa || !e.Write {
				t.Errorf("exit: got %v, want mmio write at %#x", e, gpa)
			}
			// The access is left to the caller and is not retired.
			if got := c.Reg(vmrun.RIP); got != 0 {
				t.Errorf("RIP: got %#x, want 0", got)
			}
		})
	}
}

func TestReadOnlySlot(t *testing.T) {
	v := newTestVM(t, mmu.Nested)
	const base = 0x400000
	ro := v.addSlot(1, hostarch.GPA(base).GFN(), 16, memslot.ReadOnly)
	b, err := v.arena.Bytes(ro, 8)
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	binary.LittleEndian.PutUint64(b, 7)

	v.write(0, code(loadAt, storeAt, vmmcall))
	c := v.vcpu(0, 0)
	c.SetReg(vmrun.RBX, base)

	e := v.run(c, vmrun.ExitMMIO)
	if e.GPA != base || !e.Write {
		t.Errorf("exit: got %v, want mmio write at %#x", e, base)
	}
	if got := c.Reg(vmrun.RAX); got != 7 {
		t.Errorf("RAX: got %d, want 7", got)
	}
	if got := c.Reg(vmrun.RIP); got != 3 {
		t.Errorf("RIP: got %#x, want 3", got)
	}
}

func TestHaltUnhalt(t *testing.T) {
	v := newTestVM(t, mmu.Nested)
	v.write(0, code(hlt, vmmcall))
	c := v.vcpu(0, 0)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if e, err := c.Run(); err != nil || e.Reason != vmrun.ExitHypercall {
			t.Errorf("Run: got %v, %v, want %v", e, err, vmrun.ExitHypercall)
		}
	}()

	// ReqUnhalt is consumed even by a runnable VCPU, so repeat it until the
	// VCPU is past the halt.
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-done:
			if got := c.Reg(vmrun.RIP); got != 4 {
				t.Errorf("RIP: got %#x, want 4", got)
			}
			return
		case <-tick.C:
			if err := v.vm.MakeRequest(context.Background(), vmrun.ReqUnhalt, c); err != nil {
				t.Fatalf("MakeRequest: %v", err)
			}
		}
	}
}

func TestInterrupt(t *testing.T) {
	for _, mode := range pagingModes {
		t.Run(mode.String(), func(t *testing.T) {
			v := newTestVM(t, mode)
			v.write(0, spin)
			c := v.vcpu(0, 0)

			res := make(chan vmrun.Exit, 1)
			go func() {
				e, err := c.Run()
				if err != nil {
					t.Errorf("Run: %v", err)
				}
				res <- e
			}()
			c.Interrupt()
			if e := <-res; e.Reason != vmrun.ExitInterrupted {
				t.Errorf("exit: got %v, want %v", e, vmrun.ExitInterrupted)
			}
		})
	}
}

func TestShutdown(t *testing.T) {
	for _, mode := range pagingModes {
		t.Run(mode.String(), func(t *testing.T) {
			v := newTestVM(t, mode)
			v.write(0, ud2)
			c := v.vcpu(0, 0)
			v.run(c, vmrun.ExitShutdown)
		})
	}
}

func TestDirtyLog(t *testing.T) {
	for _, mode := range pagingModes {
		t.Run(mode.String(), func(t *testing.T) {
			v := newTestVM(t, mode)
			const base = 0x400000
			v.addSlot(1, hostarch.GPA(base).GFN(), 16, memslot.LogDirtyPages)
			v.write(0, code(storeAt, vmmcall))
			c := v.vcpu(0, 0)

			for i := 0; i < 2; i++ {
				c.SetReg(vmrun.RIP, 0)
				c.SetReg(vmrun.RBX, base+5*hostarch.PageSize)
				v.run(c, vmrun.ExitHypercall)

				log, err := v.vm.GetDirtyLog(0, 1)
				if err != nil {
					t.Fatalf("GetDirtyLog: %v", err)
				}
				if diff := cmp.Diff([]uint32{5}, log.ToSlice()); diff != "" {
					t.Errorf("pass %d: dirty pages mismatch (-want +got):\n%s", i, diff)
				}
				log, err = v.vm.GetDirtyLog(0, 1)
				if err != nil {
					t.Fatalf("GetDirtyLog: %v", err)
				}
				if !log.IsEmpty() {
					t.Errorf("pass %d: log not cleared: %v", i, log.ToSlice())
				}
			}
		})
	}
}

func TestSlotDeleteRecreate(t *testing.T) {
	for _, mode := range pagingModes {
		t.Run(mode.String(), func(t *testing.T) {
			v := newTestVM(t, mode)
			v.write(0, code(loadAt, vmmcall))
			c := v.vcpu(0, 0)
			const base = 0x400000
			c.SetReg(vmrun.RBX, base)

			hva := v.addSlot(1, hostarch.GPA(base).GFN(), 1, 0)
			b, err := v.arena.Bytes(hva, 8)
			if err != nil {
				t.Fatalf("Bytes: %v", err)
			}
			binary.LittleEndian.PutUint64(b, 1)
			v.run(c, vmrun.ExitHypercall)
			if got := c.Reg(vmrun.RAX); got != 1 {
				t.Errorf("RAX: got %d, want 1", got)
			}

			gen := v.vm.Generation(0)
			if err := v.vm.SetUserMemoryRegion(memslot.Region{ID: 1}); err != nil {
				t.Fatalf("delete: %v", err)
			}
			c.SetReg(vmrun.RIP, 0)
			if e := v.run(c, vmrun.ExitMMIO); e.GPA != base || e.Write {
				t.Errorf("exit: got %v, want mmio read at %#x", e, base)
			}

			hva = v.addSlot(1, hostarch.GPA(base).GFN(), 1, 0)
			if got := v.vm.Generation(0); got != gen+2 {
				t.Errorf("generation: got %d, want %d", got, gen+2)
			}
			b, err = v.arena.Bytes(hva, 8)
			if err != nil {
				t.Fatalf("Bytes: %v", err)
			}
			binary.LittleEndian.PutUint64(b, 2)
			v.run(c, vmrun.ExitHypercall)
			if got := c.Reg(vmrun.RAX); got != 2 {
				t.Errorf("RAX: got %d, want 2", got)
			}
		})
	}
}

// Guest page table layout for TestGuestPaging.
const (
	pml4GPA  = 0x1000
	pdptGPA  = 0x2000
	pdGPA    = 0x3000
	codeGPA  = 0x10000
	guestVA  = 0x40000000
	unmapped = 0x80000000
)

// mapGuest builds guest tables mapping [guestVA, guestVA+2M) to guest
// address 0 with one 2M page.
func (v *testVM) mapGuest() {
	put := func(gpa uint64, i int, e pagetables.PTE) {
		binary.LittleEndian.PutUint64(v.bytes(gpa+uint64(i)*8, 8), uint64(e))
	}
	all := pagetables.MapOpts{Writable: true, Executable: true}
	put(pml4GPA, hostarch.LevelIndex(guestVA, 4), pagetables.MakePTE(pdptGPA, 4, false, all))
	put(pdptGPA, hostarch.LevelIndex(guestVA, 3), pagetables.MakePTE(pdGPA, 3, false, all))
	put(pdGPA, hostarch.LevelIndex(guestVA, 2), pagetables.MakePTE(0, 2, true, all))
}

func enablePaging(c *vmrun.VCPU) {
	c.SetCR3(pml4GPA)
	c.SetCR4(svm.CR4PAE)
	c.SetEFER(svm.EFERLME | svm.EFERLMA)
	c.SetCR0(svm.CR0PE | svm.CR0PG | svm.CR0ET)
}

func TestGuestPaging(t *testing.T) {
	for _, mode := range pagingModes {
		t.Run(mode.String(), func(t *testing.T) {
			v := newTestVM(t, mode)
			v.mapGuest()
			v.write(codeGPA, code(storeAt, vmmcall))
			c := v.vcpu(0, guestVA+codeGPA)
			enablePaging(c)
			c.SetReg(vmrun.RAX, 99)
			c.SetReg(vmrun.RBX, guestVA+0x6000)

			v.run(c, vmrun.ExitHypercall)
			if got := binary.LittleEndian.Uint64(v.bytes(0x6000, 8)); got != 99 {
				t.Errorf("memory: got %d, want 99", got)
			}
			if got, err := c.MMU().Translate(guestVA + 0x6000); err != nil || got != 0x6000 {
				t.Errorf("Translate: got %#x, %v, want 0x6000", uint64(got), err)
			}

			// A fault on an unmapped guest address cannot be delivered.
			c.SetReg(vmrun.RIP, guestVA+codeGPA)
			c.SetReg(vmrun.RBX, unmapped)
			v.run(c, vmrun.ExitShutdown)
		})
	}
}

func TestInvalidatePage(t *testing.T) {
	v := newTestVM(t, mmu.Shadow)
	v.mapGuest()
	v.write(codeGPA, code(loadAt, invlpg, loadAt, vmmcall))
	c := v.vcpu(0, guestVA+codeGPA)
	enablePaging(c)
	c.SetReg(vmrun.RBX, guestVA+0x7000)
	// The loaded value is the address INVLPG drops.
	binary.LittleEndian.PutUint64(v.bytes(0x7000, 8), guestVA+0x7000)

	v.run(c, vmrun.ExitHypercall)
	if got := c.Reg(vmrun.RAX); got != guestVA+0x7000 {
		t.Errorf("RAX: got %#x, want %#x", got, guestVA+0x7000)
	}
}

func TestCleanBits(t *testing.T) {
	v := newTestVM(t, mmu.Nested)
	v.write(0, code(vmmcall, vmmcall))
	c := v.vcpu(0, 0)

	v.run(c, vmrun.ExitHypercall)
	if got := c.DirtySections(); got != 0 {
		t.Errorf("DirtySections after entry: got %#x, want 0", got)
	}
	before := v.m.Stats().CleanSections
	v.run(c, vmrun.ExitHypercall)
	// Every section but the always-dirty ones comes from the cache.
	want := uint64(svm.NumSections - 2)
	if got := v.m.Stats().CleanSections - before; got != want {
		t.Errorf("clean sections: got %d, want %d", got, want)
	}
	if got := c.Reg(vmrun.RIP); got != 6 {
		t.Errorf("RIP: got %#x, want 6", got)
	}
}

func TestTLBControl(t *testing.T) {
	v := newTestVM(t, mmu.Nested)
	v.write(0, code(vmmcall, vmmcall, vmmcall))
	c := v.vcpu(0, 0)

	v.run(c, vmrun.ExitHypercall)
	s := v.m.Stats()
	if s.FlushAll == 0 {
		t.Errorf("first entry with a fresh ASID did not flush the TLB")
	}
	flushes := c.TLBFlushes()

	v.run(c, vmrun.ExitHypercall)
	if got := v.m.Stats(); got.FlushASID != s.FlushASID || got.FlushAll != s.FlushAll {
		t.Errorf("reused ASID flushed: got %d/%d ASID/full flushes, want %d/%d", got.FlushASID, got.FlushAll, s.FlushASID, s.FlushAll)
	}

	if err := v.vm.MakeAllRequest(context.Background(), vmrun.ReqTLBFlush); err != nil {
		t.Fatalf("MakeAllRequest: %v", err)
	}
	v.run(c, vmrun.ExitHypercall)
	if got := v.m.Stats().FlushASID; got != s.FlushASID+1 {
		t.Errorf("after flush request: got %d ASID flushes, want %d", got, s.FlushASID+1)
	}
	if got := c.TLBFlushes(); got != flushes+1 {
		t.Errorf("TLBFlushes: got %d, want %d", got, flushes+1)
	}
}
