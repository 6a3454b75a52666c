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

	"gvisor.dev/vmrun/pkg/asid"
	"gvisor.dev/vmrun/pkg/hostmem"
	"gvisor.dev/vmrun/pkg/log"
)

// Host is the set of physical CPUs VMs run on.
type Host struct {
	cfg  Config
	mem  hostmem.Memory
	hw   Hardware
	cpus []*asid.CPU
}

// NewHost returns a Host running guests on hw with memory from mem.
func NewHost(cfg Config, mem hostmem.Memory, hw Hardware) (*Host, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	h := &Host{
		cfg:  cfg,
		mem:  mem,
		hw:   hw,
		cpus: asid.NewCPUs(cfg.CPUs, cfg.MaxASID),
	}
	log.Infof("vmrun: host with %d cpus, max asid %d, %v paging", cfg.CPUs, cfg.MaxASID, cfg.Paging)
	return h, nil
}

// Config returns the Host configuration.
func (h *Host) Config() Config {
	return h.cfg
}

// CPU returns the ASID state of physical CPU id.
func (h *Host) CPU(id int) *asid.CPU {
	return h.cpus[id]
}

// NumCPUs returns the number of physical CPUs.
func (h *Host) NumCPUs() int {
	return len(h.cpus)
}
