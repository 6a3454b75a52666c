// Copyright 2020 The gVisor Authors.
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

package sync

import (
	"runtime"
	"sync/atomic"
)

// spinIterations is the number of busy iterations between yields of the
// processor while waiting for a SpinMutex.
const spinIterations = 64

// SpinMutex is a mutual exclusion lock that never parks the calling thread.
//
// Holders must not block while the lock is held. The zero value is unlocked.
type SpinMutex struct {
	v atomic.Uint32
}

// Lock acquires m, spinning until it is available.
func (m *SpinMutex) Lock() {
	for i := 0; ; i++ {
		if m.v.Load() == 0 && m.v.CompareAndSwap(0, 1) {
			return
		}
		if i%spinIterations == spinIterations-1 {
			runtime.Gosched()
		}
	}
}

// TryLock acquires m if it is free and reports whether it did.
func (m *SpinMutex) TryLock() bool {
	return m.v.CompareAndSwap(0, 1)
}

// Unlock releases m.
//
// Preconditions: m is locked.
func (m *SpinMutex) Unlock() {
	if m.v.Swap(0) != 1 {
		panic("sync: unlock of unlocked SpinMutex")
	}
}

// AssertLocked panics if m is not locked by anyone.
func (m *SpinMutex) AssertLocked() {
	if m.v.Load() == 0 {
		panic("sync: SpinMutex is not locked")
	}
}
