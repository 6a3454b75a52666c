// Copyright 2018 Google LLC
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

// Package atomicbitops provides bitmask words with atomic set, clear and
// test-and-clear operations.
package atomicbitops

import (
	"sync/atomic"
)

// Uint64 is an atomic bitmask word. The zero value is an empty mask.
type Uint64 struct {
	value atomic.Uint64
}

// FromUint64 returns a Uint64 initialized to v.
func FromUint64(v uint64) Uint64 {
	var u Uint64
	u.value.Store(v)
	return u
}

// Load returns the current mask.
func (u *Uint64) Load() uint64 {
	return u.value.Load()
}

// Store replaces the mask.
func (u *Uint64) Store(v uint64) {
	u.value.Store(v)
}

// Or sets the bits in val and returns the previous mask.
func (u *Uint64) Or(val uint64) uint64 {
	return u.value.Or(val)
}

// And keeps only the bits in val and returns the previous mask.
func (u *Uint64) And(val uint64) uint64 {
	return u.value.And(val)
}

// Clear clears the bits in val and returns the previous mask.
func (u *Uint64) Clear(val uint64) uint64 {
	return u.value.And(^val)
}

// Test reports whether any bit in val is set.
func (u *Uint64) Test(val uint64) bool {
	return u.value.Load()&val != 0
}

// TestAndClear clears the bits in val and reports whether any were set.
func (u *Uint64) TestAndClear(val uint64) bool {
	if u.value.Load()&val == 0 {
		return false
	}
	return u.value.And(^val)&val != 0
}

// CompareAndSwap is like sync/atomic.Uint64.CompareAndSwap, but returns the
// value previously stored.
func (u *Uint64) CompareAndSwap(old, new uint64) (prev uint64) {
	for {
		prev = u.value.Load()
		if prev != old {
			return
		}
		if u.value.CompareAndSwap(old, new) {
			return
		}
	}
}

// Uint32 is an atomic 32-bit bitmask word.
type Uint32 struct {
	value atomic.Uint32
}

// Load returns the current mask.
func (u *Uint32) Load() uint32 {
	return u.value.Load()
}

// Store replaces the mask.
func (u *Uint32) Store(v uint32) {
	u.value.Store(v)
}

// Or sets the bits in val and returns the previous mask.
func (u *Uint32) Or(val uint32) uint32 {
	return u.value.Or(val)
}

// Clear clears the bits in val and returns the previous mask.
func (u *Uint32) Clear(val uint32) uint32 {
	return u.value.And(^val)
}

// TestAndClear clears the bits in val and reports whether any were set.
func (u *Uint32) TestAndClear(val uint32) bool {
	if u.value.Load()&val == 0 {
		return false
	}
	return u.value.And(^val)&val != 0
}

// CompareAndSwap reports whether the swap of old for new happened.
func (u *Uint32) CompareAndSwap(old, new uint32) bool {
	return u.value.CompareAndSwap(old, new)
}
