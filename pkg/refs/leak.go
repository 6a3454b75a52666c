// Copyright 2018 The gVisor Authors.
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

package refs

import (
	"fmt"
	"sync/atomic"

	"gvisor.dev/vmrun/pkg/log"
	"gvisor.dev/vmrun/pkg/sync"
)

// LeakMode configures the leak checker.
type LeakMode uint32

const (
	// NoLeakChecking indicates that no effort should be made to check for
	// leaks.
	NoLeakChecking LeakMode = iota

	// LeaksLogWarning indicates that a warning should be logged when leaks
	// are found.
	LeaksLogWarning

	// LeaksPanic indicates that a panic should be issued when leaks are
	// found.
	LeaksPanic
)

// String returns LeakMode as a string.
func (l LeakMode) String() string {
	switch l {
	case NoLeakChecking:
		return "disabled"
	case LeaksLogWarning:
		return "log-names"
	case LeaksPanic:
		return "panic"
	default:
		panic(fmt.Sprintf("invalid ref leak mode %d", l))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (l LeakMode) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *LeakMode) UnmarshalText(b []byte) error {
	switch string(b) {
	case "disabled":
		*l = NoLeakChecking
	case "log-names":
		*l = LeaksLogWarning
	case "panic":
		*l = LeaksPanic
	default:
		return fmt.Errorf("invalid ref leak mode %q", b)
	}
	return nil
}

var (
	leakMode atomic.Uint32

	// liveObjects holds every registered Refs while leak checking is
	// enabled. It is protected by liveObjectsMu.
	liveObjectsMu sync.Mutex
	liveObjects   = make(map[*Refs]struct{})
)

// SetLeakMode configures the reference leak checker.
func SetLeakMode(mode LeakMode) {
	leakMode.Store(uint32(mode))
}

// GetLeakMode returns the current leak mode.
func GetLeakMode() LeakMode {
	return LeakMode(leakMode.Load())
}

func register(r *Refs) {
	if GetLeakMode() == NoLeakChecking {
		return
	}
	liveObjectsMu.Lock()
	defer liveObjectsMu.Unlock()
	liveObjects[r] = struct{}{}
}

func unregister(r *Refs) {
	liveObjectsMu.Lock()
	defer liveObjectsMu.Unlock()
	delete(liveObjects, r)
}

// DoLeakCheck reports every object whose count never reached zero and returns
// the number found. The report is a warning or a panic depending on the leak
// mode.
func DoLeakCheck() int {
	mode := GetLeakMode()
	if mode == NoLeakChecking {
		return 0
	}
	liveObjectsMu.Lock()
	defer liveObjectsMu.Unlock()
	if len(liveObjects) == 0 {
		return 0
	}
	msg := fmt.Sprintf("Leak checking detected %d leaked objects:", len(liveObjects))
	for r := range liveObjects {
		msg += fmt.Sprintf("\n\t[%s %p] reference count of %d instead of 0", r.name, r, r.ReadRefs())
	}
	if mode == LeaksPanic {
		panic(msg)
	}
	log.Warningf("%s", msg)
	return len(liveObjects)
}
