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
	"testing"
)

func TestSpinMutexExclusion(t *testing.T) {
	const (
		goroutines = 8
		iterations = 10000
	)
	var (
		m     SpinMutex
		wg    WaitGroup
		count int
	)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				m.Lock()
				count++
				m.Unlock()
			}
		}()
	}
	wg.Wait()
	if want := goroutines * iterations; count != want {
		t.Errorf("count: got %d, want %d", count, want)
	}
}

func TestSpinMutexTryLock(t *testing.T) {
	var m SpinMutex
	if !m.TryLock() {
		t.Fatalf("TryLock on unlocked mutex failed")
	}
	if m.TryLock() {
		t.Errorf("TryLock on locked mutex succeeded")
	}
	m.AssertLocked()
	m.Unlock()
	if !m.TryLock() {
		t.Errorf("TryLock after Unlock failed")
	}
	m.Unlock()
}

func TestSpinMutexUnlockUnlocked(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("Unlock of unlocked mutex did not panic")
		}
	}()
	var m SpinMutex
	m.Unlock()
}
