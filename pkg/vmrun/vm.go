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
	"sync/atomic"

	"gvisor.dev/vmrun/pkg/bitmap"
	"gvisor.dev/vmrun/pkg/errors/vmerr"
	"gvisor.dev/vmrun/pkg/hostarch"
	"gvisor.dev/vmrun/pkg/hostmem"
	"gvisor.dev/vmrun/pkg/log"
	"gvisor.dev/vmrun/pkg/memslot"
	"gvisor.dev/vmrun/pkg/mmu"
	"gvisor.dev/vmrun/pkg/refs"
	"gvisor.dev/vmrun/pkg/sync"
)

// VM is one virtual machine.
type VM struct {
	refs refs.Refs

	host   *Host
	cfg    Config
	slots  *memslot.Manager
	domain *mmu.Domain

	// unregister removes the VM from the host memory notifiers.
	unregister func()

	// mu serializes VCPU creation and private slot changes.
	mu sync.Mutex

	// createdVCPUs counts VCPUs being created or online. It is protected
	// by mu.
	createdVCPUs int

	// vcpus holds the online VCPUs in creation order. An entry is stored
	// before onlineVCPUs covers it and never changes afterwards.
	vcpus [MaxVCPUs]atomic.Pointer[VCPU]

	// onlineVCPUs is the number of published entries of vcpus.
	onlineVCPUs atomic.Int32

	// private holds the host ranges backing private slots, by slot id. It
	// is protected by mu.
	private map[int]hostarch.HVA
}

var (
	_ hostmem.Notifier = (*VM)(nil)
	_ mmu.Flusher      = (*VM)(nil)
)

// CreateVM returns a VM with empty address spaces and no VCPUs. The caller
// holds the only reference.
func (h *Host) CreateVM() *VM {
	vm := &VM{
		host:    h,
		cfg:     h.cfg,
		private: make(map[int]hostarch.HVA),
	}
	vm.refs.InitRefs("vmrun.VM")
	vm.slots = memslot.NewManager(memslot.Options{LargePages: h.cfg.LargePages})
	vm.domain = mmu.NewDomain(mmu.Options{
		Mode:     h.cfg.Paging,
		Memory:   h.mem,
		Slots:    vm.slots,
		MaxPages: h.cfg.MaxMMUPages,
	})
	vm.domain.SetFlusher(vm)
	vm.slots.SetObserver(vm.domain)
	vm.unregister = h.mem.Register(vm)
	vmsCreated.Increment()
	log.Infof("vmrun: created vm with %v paging, up to %d vcpus", h.cfg.Paging, h.cfg.MaxVCPUs)
	return vm
}

// IncRef adds a reference to vm.
func (vm *VM) IncRef() {
	vm.refs.IncRef()
}

// DecRef drops a reference to vm. Dropping the last destroys it.
//
// Preconditions: if this is the last reference, no VCPU of vm is running.
func (vm *VM) DecRef() {
	vm.refs.DecRef(vm.destroy)
}

// destroy tears down every VCPU, slot and table of vm.
func (vm *VM) destroy() {
	for as := 0; as < memslot.AddressSpaces; as++ {
		var ids []int
		g := vm.slots.ReadLock()
		vm.slots.Current(as).ForEach(func(s *memslot.Slot) {
			ids = append(ids, s.ID)
		})
		g.Unlock()
		for _, id := range ids {
			if _, err := vm.slots.SetMemoryRegion(memslot.Region{AddressSpace: as, ID: id}, true); err != nil {
				log.Warningf("vmrun: deleting slot %d of address space %d: %v", id, as, err)
			}
		}
	}
	n := int(vm.onlineVCPUs.Load())
	for i := 0; i < n; i++ {
		vm.vcpus[i].Load().release()
	}
	vm.domain.Release()
	vm.unregister()

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if m, ok := vm.host.mem.(hostmem.Mapper); ok {
		for id, hva := range vm.private {
			if err := m.Unmap(hva); err != nil {
				log.Warningf("vmrun: unmapping private slot %d: %v", id, err)
			}
		}
	}
	vm.private = nil
	log.Infof("vmrun: destroyed vm with %d vcpus", n)
}

// CreateVCPU creates the VCPU with the given id.
//
// The VCPU is fully initialized before it becomes visible through VCPU,
// VCPUByID or NumVCPUs.
func (vm *VM) CreateVCPU(id int) (*VCPU, error) {
	if id < 0 || id > MaxVCPUID {
		return nil, fmt.Errorf("vcpu id %d: %w", id, vmerr.ErrInvalidID)
	}

	vm.mu.Lock()
	if vm.createdVCPUs >= vm.cfg.MaxVCPUs {
		vm.mu.Unlock()
		return nil, fmt.Errorf("vm has %d vcpus: %w", vm.cfg.MaxVCPUs, vmerr.ErrCapacityExceeded)
	}
	vm.createdVCPUs++
	vm.mu.Unlock()

	c := newVCPU(vm, id)

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.vcpuByIDLocked(id) != nil {
		vm.createdVCPUs--
		c.release()
		return nil, fmt.Errorf("vcpu id %d in use: %w", id, vmerr.ErrInvalidID)
	}
	i := vm.onlineVCPUs.Load()
	c.index = int(i)
	vm.vcpus[i].Store(c)
	vm.onlineVCPUs.Store(i + 1)
	vcpusCreated.Increment()
	log.Debugf("vmrun: created vcpu %d at index %d on cpu %d", id, i, c.cpu)
	return c, nil
}

// Preconditions: vm.mu is locked.
func (vm *VM) vcpuByIDLocked(id int) *VCPU {
	n := int(vm.onlineVCPUs.Load())
	for i := 0; i < n; i++ {
		if c := vm.vcpus[i].Load(); c.id == id {
			return c
		}
	}
	return nil
}

// NumVCPUs returns the number of online VCPUs.
func (vm *VM) NumVCPUs() int {
	return int(vm.onlineVCPUs.Load())
}

// VCPU returns the online VCPU at index i, or nil.
func (vm *VM) VCPU(i int) *VCPU {
	if i < 0 || i >= vm.NumVCPUs() {
		return nil
	}
	return vm.vcpus[i].Load()
}

// VCPUByID returns the online VCPU with the given id, or nil.
func (vm *VM) VCPUByID(id int) *VCPU {
	n := vm.NumVCPUs()
	for i := 0; i < n; i++ {
		if c := vm.vcpus[i].Load(); c.id == id {
			return c
		}
	}
	return nil
}

// ForEachVCPU calls fn for every online VCPU.
func (vm *VM) ForEachVCPU(fn func(*VCPU)) {
	n := vm.NumVCPUs()
	for i := 0; i < n; i++ {
		fn(vm.vcpus[i].Load())
	}
}

// SetUserMemoryRegion creates, moves, changes or deletes a slot on behalf of
// the address-space owner. Private slot ids are rejected.
func (vm *VM) SetUserMemoryRegion(r memslot.Region) error {
	if _, err := vm.slots.SetMemoryRegion(r, false); err != nil {
		return fmt.Errorf("set memory region: %w", err)
	}
	return nil
}

// Generation returns the slot generation of address space as.
func (vm *VM) Generation(as int) uint64 {
	return vm.slots.Generation(as)
}

// Slots returns the slot manager of vm.
func (vm *VM) Slots() *memslot.Manager {
	return vm.slots
}

// GetDirtyLog returns and clears the dirty log of a slot.
func (vm *VM) GetDirtyLog(as, id int) (bitmap.Bitmap, error) {
	return vm.slots.GetDirtyLog(as, id)
}

// SetMMUPages sets the table page budget. Zero selects an automatic budget.
func (vm *VM) SetMMUPages(n int) error {
	if n < 0 {
		return fmt.Errorf("mmu pages %d: %w", n, vmerr.ErrInvalidArgument)
	}
	vm.domain.SetMaxPages(n)
	return nil
}

// Stats are counters describing a VM.
type Stats struct {
	VCPUs       int
	Generations [memslot.AddressSpaces]uint64
	MMU         mmu.Stats
}

// Stats returns vm's counters.
func (vm *VM) Stats() Stats {
	s := Stats{
		VCPUs: vm.NumVCPUs(),
		MMU:   vm.domain.Stats(),
	}
	for as := range s.Generations {
		s.Generations[as] = vm.slots.Generation(as)
	}
	return s
}

// OnRangeInvalidateBegin implements hostmem.Notifier.OnRangeInvalidateBegin.
// Until the matching OnRangeInvalidateEnd no VCPU enters guest mode and no
// fault installs a mapping.
func (vm *VM) OnRangeInvalidateBegin(r hostarch.Range) {
	vm.domain.OnRangeInvalidateBegin(r)
}

// OnRangeInvalidateEnd implements hostmem.Notifier.OnRangeInvalidateEnd.
func (vm *VM) OnRangeInvalidateEnd(r hostarch.Range) {
	vm.domain.OnRangeInvalidateEnd(r)
}

// FlushRemoteTLBs implements mmu.Flusher.FlushRemoteTLBs.
func (vm *VM) FlushRemoteTLBs(self *mmu.Context) {
	vm.requestAllFrom(self, ReqTLBFlush)
}

// ReloadRemoteMMUs implements mmu.Flusher.ReloadRemoteMMUs.
func (vm *VM) ReloadRemoteMMUs(self *mmu.Context) {
	vm.requestAllFrom(self, ReqMMUReload)
}
