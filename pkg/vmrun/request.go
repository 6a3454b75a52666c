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
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"gvisor.dev/vmrun/pkg/mmu"
)

// Request is an action asked of a VCPU.
//
// Bits 7:0 are the request number, which selects the bit the request sets in
// the VCPU's pending mask. The remaining bits are flags.
type Request uint32

const (
	// RequestMask selects the request number.
	RequestMask Request = 0xff

	// RequestNoWakeup means a halted VCPU is not woken for the request. It
	// is honored when the VCPU next runs.
	RequestNoWakeup Request = 1 << 8

	// RequestWait means the issuer waits until every addressed VCPU that
	// may be in guest mode has honored the request. An addressed VCPU seen
	// outside guest mode is not waited for: its request bit stays set and
	// it honors the request before its next entry, so it cannot run the
	// guest on state the request invalidates.
	RequestWait Request = 1 << 9
)

// Requests.
const (
	// ReqTLBFlush flushes the VCPU's guest translations on its next entry.
	ReqTLBFlush = 0 | RequestWait | RequestNoWakeup

	// ReqMMUReload drops the VCPU's root before its next entry.
	ReqMMUReload = 1 | RequestWait | RequestNoWakeup

	// ReqUnhalt makes a halted VCPU runnable.
	ReqUnhalt Request = 2

	// ReqExit makes Run return ExitInterrupted.
	ReqExit Request = 3
)

// String implements fmt.Stringer.
func (r Request) String() string {
	switch r {
	case ReqTLBFlush:
		return "tlb_flush"
	case ReqMMUReload:
		return "mmu_reload"
	case ReqUnhalt:
		return "unhalt"
	case ReqExit:
		return "exit"
	default:
		return fmt.Sprintf("Request(%#x)", uint32(r))
	}
}

// bit returns r's bit in the pending mask.
func (r Request) bit() uint64 {
	return 1 << (r & RequestMask)
}

// wakeupRequests are the pending bits that end a halt.
var wakeupRequests = ReqUnhalt.bit() | ReqExit.bit()

// setRequest marks r pending on c without forcing it out of guest mode.
func (c *VCPU) setRequest(r Request) {
	c.requests.Or(r.bit())
}

// testRequest returns true if r is pending on c.
func (c *VCPU) testRequest(r Request) bool {
	return c.requests.Test(r.bit())
}

// checkRequest returns true if r was pending on c, clearing it.
func (c *VCPU) checkRequest(r Request) bool {
	return c.requests.TestAndClear(r.bit())
}

// Requests returns the pending mask of c.
func (c *VCPU) Requests() uint64 {
	return c.requests.Load()
}

// Kick forces c out of guest mode if it is in it.
func (c *VCPU) Kick() {
	if c.mode.CompareAndSwap(uint32(InGuest), uint32(ExitingGuest)) {
		kicks.Increment()
		c.vm.host.hw.Kick(&c.guest)
	}
}

// wake ends a halt in progress.
func (c *VCPU) wake() {
	select {
	case c.wakeup <- struct{}{}:
	default:
	}
}

// makeRequest sets r on c and forces c to notice it. It returns true if c
// may have been in guest mode, in which case a waiting issuer must wait for
// c to honor r.
func (c *VCPU) makeRequest(r Request) bool {
	c.setRequest(r)
	mode := c.Mode()
	if r&RequestNoWakeup == 0 {
		c.wake()
	}
	c.Kick()
	return mode != OutsideGuest
}

// MakeRequest sets r on each of vcpus. If r carries RequestWait it returns
// only once every VCPU that may have been in guest mode has honored r or left
// Run; a VCPU outside guest mode honors r before it next enters.
func (vm *VM) MakeRequest(ctx context.Context, r Request, vcpus ...*VCPU) error {
	var waitFor []*VCPU
	for _, c := range vcpus {
		if c.makeRequest(r) && r&RequestWait != 0 {
			waitFor = append(waitFor, c)
		}
	}
	if len(waitFor) == 0 {
		return nil
	}
	b := backoff.WithContext(&backoff.ExponentialBackOff{
		InitialInterval: 10 * time.Microsecond,
		Multiplier:      2,
		MaxInterval:     time.Millisecond,
		Clock:           backoff.SystemClock,
	}, ctx)
	op := func() error {
		for len(waitFor) > 0 {
			c := waitFor[0]
			if c.testRequest(r) && c.running.Load() {
				return fmt.Errorf("vcpu %d has not honored %v", c.id, r)
			}
			waitFor = waitFor[1:]
		}
		return nil
	}
	if err := backoff.Retry(op, b); err != nil {
		return fmt.Errorf("waiting for %v: %w", r, err)
	}
	return nil
}

// MakeAllRequest sets r on every online VCPU. See MakeRequest.
func (vm *VM) MakeAllRequest(ctx context.Context, r Request) error {
	var vcpus []*VCPU
	vm.ForEachVCPU(func(c *VCPU) {
		vcpus = append(vcpus, c)
	})
	return vm.MakeRequest(ctx, r, vcpus...)
}

// requestAllFrom sets r on every online VCPU on behalf of the VCPU using
// self, which may be nil. The calling VCPU is outside guest mode and honors r
// before it enters again, so it is not waited for.
func (vm *VM) requestAllFrom(self *mmu.Context, r Request) {
	var others []*VCPU
	vm.ForEachVCPU(func(c *VCPU) {
		if self != nil && c.mmu == self {
			c.setRequest(r)
			return
		}
		others = append(others, c)
	})
	if err := vm.MakeRequest(context.Background(), r, others...); err != nil {
		panic(fmt.Sprintf("vmrun: %v", err))
	}
}
