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

package vmrun

import (
	"fmt"

	"gvisor.dev/vmrun/pkg/errors/vmerr"
	"gvisor.dev/vmrun/pkg/hostarch"
	"gvisor.dev/vmrun/pkg/hostmem"
	"gvisor.dev/vmrun/pkg/log"
	"gvisor.dev/vmrun/pkg/memslot"
)

// Private slot geometry.
const (
	// TSSPages is the size of the task-state segment region.
	TSSPages = 3

	// IdentityMapPages is the size of the identity page table region.
	IdentityMapPages = 1

	// APICAccessAddr is the guest-physical address of the local APIC page.
	APICAccessAddr hostarch.GPA = 0xfee00000
)

// SetTSSAddr places the task-state segment region at addr.
func (vm *VM) SetTSSAddr(addr hostarch.GPA) error {
	return vm.setPrivateRegion(memslot.TSSSlot, addr, TSSPages)
}

// SetIdentityMapAddr places the identity page table at addr.
func (vm *VM) SetIdentityMapAddr(addr hostarch.GPA) error {
	return vm.setPrivateRegion(memslot.IdentityPageTableSlot, addr, IdentityMapPages)
}

// EnableAPICAccessPage maps the local APIC access page. Enabling it again
// has no effect.
func (vm *VM) EnableAPICAccessPage() error {
	vm.mu.Lock()
	_, ok := vm.private[memslot.APICAccessSlot]
	vm.mu.Unlock()
	if ok {
		return nil
	}
	return vm.setPrivateRegion(memslot.APICAccessSlot, APICAccessAddr, 1)
}

// setPrivateRegion backs private slot id with npages of fresh host memory at
// guest address addr. A private slot is created once.
func (vm *VM) setPrivateRegion(id int, addr hostarch.GPA, npages uint64) error {
	if addr.PageOffset() != 0 {
		return fmt.Errorf("private slot %d at %#x: %w", id, uint64(addr), vmerr.ErrInvalidArgument)
	}
	m, ok := vm.host.mem.(hostmem.Mapper)
	if !ok {
		return fmt.Errorf("host memory cannot back private slots: %w", vmerr.ErrInvalidArgument)
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if _, ok := vm.private[id]; ok {
		return fmt.Errorf("private slot %d: %w", id, vmerr.ErrSlotInUse)
	}
	hva, err := m.Map(npages*hostarch.PageSize, hostmem.MapOpts{})
	if err != nil {
		return fmt.Errorf("backing private slot %d: %w", id, err)
	}
	r := memslot.Region{
		ID:            id,
		BaseGFN:       addr.GFN(),
		NPages:        npages,
		UserspaceAddr: hva,
	}
	if _, err := vm.slots.SetMemoryRegion(r, true); err != nil {
		if uerr := m.Unmap(hva); uerr != nil {
			log.Warningf("vmrun: unmapping private slot %d: %v", id, uerr)
		}
		return fmt.Errorf("private slot %d: %w", id, err)
	}
	vm.private[id] = hva
	log.Debugf("vmrun: private slot %d at gfn %#x, %d pages", id, uint64(r.BaseGFN), npages)
	return nil
}
