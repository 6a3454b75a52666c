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

package pagetables

import (
	"unsafe"

	"gvisor.dev/vmrun/pkg/hostarch"
)

// FromPage returns the table view of a page.
//
// Preconditions: len(page) == hostarch.PageSize and page is 8-byte aligned.
func FromPage(page []byte) *PTEs {
	if len(page) != hostarch.PageSize {
		panic("pagetables: table page of wrong size")
	}
	return (*PTEs)(unsafe.Pointer(&page[0]))
}
