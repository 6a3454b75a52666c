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

// Package asid hands out address space identifiers on physical CPUs.
//
// Each physical CPU issues identifiers by incrementing a counter. When the
// counter passes the largest identifier the CPU supports, the CPU's
// generation is bumped and issuing restarts at the first usable identifier.
// A bumped generation invalidates every tag issued before it on that CPU, so
// a VCPU only needs to compare its cached generation against the CPU's to
// know whether its tag is still good.
package asid

import (
	"fmt"

	"gvisor.dev/vmrun/pkg/log"
	"gvisor.dev/vmrun/pkg/metric"
	"gvisor.dev/vmrun/pkg/sync"
)

// MinASID is the first identifier handed to guests. Zero belongs to the host.
const MinASID = 1

var rollovers = metric.MustCreateNewUint64Metric("/asid/rollovers", "Number of ASID generation rollovers.")

// Tag is an identifier as cached by a VCPU. The zero Tag is never current.
type Tag struct {
	ASID       uint32
	Generation uint64
}

// String implements fmt.Stringer.
func (t Tag) String() string {
	return fmt.Sprintf("asid %d gen %d", t.ASID, t.Generation)
}

// Flush is the TLB flush an entry with a prepared tag must perform.
type Flush int

const (
	// FlushNone means the tag was reused.
	FlushNone Flush = iota

	// FlushAll means the tag was stale and a fresh one was issued. Stale
	// translations tagged with the new identifier may survive from its
	// previous owner or from another CPU, so the whole TLB goes.
	FlushAll
)

// String implements fmt.Stringer.
func (f Flush) String() string {
	switch f {
	case FlushNone:
		return "none"
	case FlushAll:
		return "all"
	default:
		return fmt.Sprintf("Flush(%d)", int(f))
	}
}

// CPU is the identifier state of one physical CPU.
type CPU struct {
	id int

	mu         sync.Mutex
	generation uint64
	maxASID    uint32
	nextASID   uint32
}

// NewCPU returns the state for physical CPU id supporting identifiers up to
// maxASID.
func NewCPU(id int, maxASID uint32) *CPU {
	if maxASID < MinASID {
		panic(fmt.Sprintf("cpu %d: max ASID %d leaves no guest identifiers", id, maxASID))
	}
	return &CPU{
		id:         id,
		generation: 1,
		maxASID:    maxASID,
		nextASID:   MinASID,
	}
}

// NewCPUs returns n CPUs with the same identifier limit.
func NewCPUs(n int, maxASID uint32) []*CPU {
	cpus := make([]*CPU, n)
	for i := range cpus {
		cpus[i] = NewCPU(i, maxASID)
	}
	return cpus
}

// ID returns the CPU number.
func (c *CPU) ID() int {
	return c.id
}

// Generation returns the current generation.
func (c *CPU) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Prepare validates tag for an entry on c. A tag whose generation differs
// from c's is replaced by a fresh identifier and the entry must flush the
// whole TLB.
func (c *CPU) Prepare(tag *Tag) Flush {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tag.Generation == c.generation {
		return FlushNone
	}
	c.newASIDLocked(tag)
	return FlushAll
}

// Assign issues a fresh identifier to tag regardless of its generation. The
// next entry with tag must flush the whole TLB.
func (c *CPU) Assign(tag *Tag) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.newASIDLocked(tag)
}

// Preconditions: c.mu is locked.
func (c *CPU) newASIDLocked(tag *Tag) {
	if c.nextASID > c.maxASID {
		c.generation++
		c.nextASID = MinASID
		rollovers.Increment()
		log.Debugf("asid: cpu %d rolled over to generation %d", c.id, c.generation)
	}
	tag.ASID = c.nextASID
	tag.Generation = c.generation
	c.nextASID++
}
