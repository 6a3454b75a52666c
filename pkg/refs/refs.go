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

// Package refs defines an atomic reference count with an exactly-once
// destructor and optional leak checking.
package refs

import (
	"fmt"
	"sync/atomic"
)

// RefCounter is the interface to be implemented by objects that are reference
// counted.
type RefCounter interface {
	// IncRef increments the reference counter on the object.
	IncRef()

	// DecRef decrements the object's reference count. Users of refs_template.Refs
	// may specify a destructor to be called once the reference count reaches
	// zero.
	DecRef(destroy func())
}

// TryRefCounter is like RefCounter but allow the ref increment to be tried.
type TryRefCounter interface {
	RefCounter

	// TryIncRef attempts to increment the reference count, but may fail if all
	// references have already been dropped, in which case it returns false. If
	// true is returned, then a valid reference is now held on the object.
	TryIncRef() bool
}

// Refs keeps a reference count using atomic operations and calls the
// destructor when the count reaches zero.
type Refs struct {
	// refCount is composed of two fields:
	//
	//	[32-bit speculative references]:[32-bit real references]
	//
	// Speculative references are used by TryIncRef to avoid a CompareAndSwap
	// loop.
	refCount atomic.Int64

	// name identifies the owner in leak reports.
	name string
}

// InitRefs initializes r with one reference on behalf of the owner named name
// and, if enabled, activates leak checking.
func (r *Refs) InitRefs(name string) {
	r.name = name
	r.refCount.Store(1)
	register(r)
}

// ReadRefs returns the current number of references. The returned count is
// inherently racy and is unsafe to use without external synchronization.
func (r *Refs) ReadRefs() int64 {
	return r.refCount.Load()
}

// IncRef implements RefCounter.IncRef.
func (r *Refs) IncRef() {
	if v := r.refCount.Add(1); v <= 1 {
		panic(fmt.Sprintf("Incrementing non-positive count %p on %s", r, r.name))
	}
}

// TryIncRef implements TryRefCounter.TryIncRef.
//
// A speculative reference is first acquired on the object, which lets
// concurrent TryIncRef calls be distinguished from genuine references.
func (r *Refs) TryIncRef() bool {
	const speculativeRef = 1 << 32
	if v := r.refCount.Add(speculativeRef); int32(v) == 0 {
		// This object has already been freed.
		r.refCount.Add(-speculativeRef)
		return false
	}
	r.refCount.Add(-speculativeRef + 1)
	return true
}

// DecRef implements RefCounter.DecRef. destroy runs exactly once, on the
// transition to zero.
func (r *Refs) DecRef(destroy func()) {
	switch v := r.refCount.Add(-1); {
	case v < 0:
		panic(fmt.Sprintf("Decrementing non-positive ref count %p, owned by %s", r, r.name))
	case v == 0:
		unregister(r)
		if destroy != nil {
			destroy()
		}
	}
}
