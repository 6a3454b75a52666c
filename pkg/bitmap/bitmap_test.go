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

package bitmap

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestAddRemove(t *testing.T) {
	b := New(130)
	for _, i := range []uint32{0, 1, 63, 64, 129} {
		if !b.Add(i) {
			t.Errorf("Add(%d) on clear bit: got false, want true", i)
		}
	}
	if b.Add(64) {
		t.Errorf("Add(64) on set bit: got true, want false")
	}
	if got, want := b.GetNumOnes(), uint32(5); got != want {
		t.Errorf("GetNumOnes: got %d, want %d", got, want)
	}
	b.Remove(1)
	b.Remove(2)
	if diff := cmp.Diff([]uint32{0, 63, 64, 129}, b.ToSlice()); diff != "" {
		t.Errorf("ToSlice mismatch (-want +got):\n%s", diff)
	}
	if b.Contains(1) || !b.Contains(129) || b.Contains(500) {
		t.Errorf("Contains returned wrong results on %v", b.ToSlice())
	}
}

func TestFirstOne(t *testing.T) {
	b := New(256)
	b.Add(5)
	b.Add(200)
	for _, tc := range []struct {
		start uint32
		want  uint32
		ok    bool
	}{
		{0, 5, true},
		{5, 5, true},
		{6, 200, true},
		{201, 0, false},
		{1000, 0, false},
	} {
		got, ok := b.FirstOne(tc.start)
		if got != tc.want || ok != tc.ok {
			t.Errorf("FirstOne(%d): got (%d, %t), want (%d, %t)", tc.start, got, ok, tc.want, tc.ok)
		}
	}
}

func TestTake(t *testing.T) {
	b := New(70)
	b.Add(3)
	b.Add(69)
	c := b.Take()
	if !b.IsEmpty() {
		t.Errorf("bitmap not empty after Take: %v", b.ToSlice())
	}
	if diff := cmp.Diff([]uint32{3, 69}, c.ToSlice()); diff != "" {
		t.Errorf("Take result mismatch (-want +got):\n%s", diff)
	}
	if got, want := c.Words(), []uint64{1 << 3, 1 << 5}; !cmp.Equal(got, want) {
		t.Errorf("Words: got %#x, want %#x", got, want)
	}
}
