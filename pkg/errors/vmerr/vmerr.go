// Copyright 2021 The gVisor Authors.
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

// Package vmerr contains the errors returned by the VM state core, exported
// as *errors.Error pointers so that each carries the errno reported to the
// control surface.
package vmerr

import (
	goerrors "errors"

	"golang.org/x/sys/unix"
	"gvisor.dev/vmrun/pkg/errors"
)

var (
	// ErrCapacityExceeded is returned when a VM has no room for another VCPU
	// or slot. The VM itself is unaffected.
	ErrCapacityExceeded = errors.New(unix.ENOSPC, "capacity exceeded")

	// ErrInvalidID is returned for a VCPU or slot id that is out of range or
	// already in use.
	ErrInvalidID = errors.New(unix.EINVAL, "invalid id")

	// ErrSlotNotFound is returned when deleting or updating an absent slot.
	ErrSlotNotFound = errors.New(unix.ENOENT, "slot not found")

	// ErrSlotInUse is returned when creating a slot at an occupied id.
	ErrSlotInUse = errors.New(unix.EEXIST, "slot in use")

	// ErrOverlap is returned when a slot's frame range intersects another
	// slot of the same address space.
	ErrOverlap = errors.New(unix.EEXIST, "slot overlaps an existing slot")

	// ErrUnmappedGuestPage is returned when a guest-physical fault hits no
	// slot. It is surfaced to device emulation, never retried.
	ErrUnmappedGuestPage = errors.New(unix.EFAULT, "unmapped guest page")

	// ErrNotMapped is returned by pure translation lookups that miss.
	ErrNotMapped = errors.New(unix.EFAULT, "address not mapped")

	// ErrStaleSnapshot is internal to the paging engine: the memory it
	// resolved against changed underneath it and the operation is retried.
	ErrStaleSnapshot = errors.New(unix.EAGAIN, "stale snapshot")

	// ErrBusy is returned when a VCPU is already running on another thread.
	ErrBusy = errors.New(unix.EBUSY, "vcpu busy")

	// ErrInvalidArgument is returned for malformed requests.
	ErrInvalidArgument = errors.New(unix.EINVAL, "invalid argument")
)

// errorTable lists every sentinel. Distinct sentinels may share an errno, so
// translation matches on identity rather than on number.
var errorTable = []*errors.Error{
	ErrCapacityExceeded,
	ErrInvalidID,
	ErrSlotNotFound,
	ErrSlotInUse,
	ErrOverlap,
	ErrUnmappedGuestPage,
	ErrNotMapped,
	ErrStaleSnapshot,
	ErrBusy,
	ErrInvalidArgument,
}

// TranslateError returns the sentinel wrapped by err, or false if err does not
// wrap any error of this package.
func TranslateError(err error) (*errors.Error, bool) {
	if err == nil {
		return nil, false
	}
	for _, e := range errorTable {
		if goerrors.Is(err, e) {
			return e, true
		}
	}
	var e *errors.Error
	if goerrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Errno returns the errno for err, or EIO for errors of unknown origin.
func Errno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	if e, ok := TranslateError(err); ok {
		return e.Errno()
	}
	return unix.EIO
}
