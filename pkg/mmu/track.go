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

import "gvisor.dev/vmrun/pkg/hostarch"

// trackLocked write-protects the guest table shadowed by sp. Writes to it
// then fault so the shadow can be dropped.
//
// Preconditions: d.mu is locked; sp is indirect.
func (d *Domain) trackLocked(sp *shadowPage) {
	slot := d.slotOf(sp.key.as, sp.key.gfn)
	if slot == nil {
		return
	}
	slot.TrackWrite(sp.key.gfn)
	sp.tracked = slot
	key := trackKey{as: sp.key.as, gfn: sp.key.gfn}
	d.shadowed[key] = append(d.shadowed[key], sp)
	d.writeProtectLocked(slot, sp.key.gfn, false)
}

// untrackLocked undoes trackLocked.
//
// Preconditions: d.mu is locked.
func (d *Domain) untrackLocked(sp *shadowPage) {
	sp.tracked.UntrackWrite(sp.key.gfn)
	sp.tracked = nil
	key := trackKey{as: sp.key.as, gfn: sp.key.gfn}
	sps := d.shadowed[key]
	for i, other := range sps {
		if other == sp {
			sps = append(sps[:i], sps[i+1:]...)
			break
		}
	}
	if len(sps) == 0 {
		delete(d.shadowed, key)
		return
	}
	d.shadowed[key] = sps
}

// unprotectLocked zaps every page shadowing gfn so the guest may write it.
//
// Preconditions: d.mu is locked.
func (d *Domain) unprotectLocked(as uint8, gfn hostarch.GFN) int {
	sps := append([]*shadowPage(nil), d.shadowed[trackKey{as: as, gfn: gfn}]...)
	for _, sp := range sps {
		d.zapPageLocked(sp)
	}
	return len(sps)
}
