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

// Package bitmap provides a fixed-size bitmap with one bit per page, used for
// dirty-page logging.
package bitmap

import (
	"math"
	"math/bits"
)

// MaxBitEntryLimit defines the upper limit on how many bit entries are
// supported by this Bitmap implementation.
const MaxBitEntryLimit uint32 = math.MaxInt32

// Bitmap is a fixed-size bitmap. It is not safe for concurrent mutation;
// callers serialize with their own lock.
type Bitmap struct {
	// size is the number of valid bits.
	size uint32

	// numOnes is the number of ones in the bitmap.
	numOnes uint32

	// bitBlock holds the bits, 64 per word.
	bitBlock []uint64
}

// New creates a new zeroed Bitmap holding size bits.
func New(size uint32) Bitmap {
	if size > MaxBitEntryLimit {
		panic("bitmap: size exceeds MaxBitEntryLimit")
	}
	return Bitmap{
		size:     size,
		bitBlock: make([]uint64, (size+63)/64),
	}
}

// Size returns the number of bits in the bitmap.
func (b *Bitmap) Size() uint32 {
	return b.size
}

// IsEmpty returns true if no bit is set.
func (b *Bitmap) IsEmpty() bool {
	return b.numOnes == 0
}

// GetNumOnes returns the number of set bits.
func (b *Bitmap) GetNumOnes() uint32 {
	return b.numOnes
}

// Add sets bit i and reports whether it was previously clear.
//
// Preconditions: i < b.Size().
func (b *Bitmap) Add(i uint32) bool {
	blockNum, mask := i/64, uint64(1)<<(i%64)
	old := b.bitBlock[blockNum]
	if old&mask != 0 {
		return false
	}
	b.bitBlock[blockNum] = old | mask
	b.numOnes++
	return true
}

// Remove clears bit i.
func (b *Bitmap) Remove(i uint32) {
	blockNum, mask := i/64, uint64(1)<<(i%64)
	old := b.bitBlock[blockNum]
	if old&mask != 0 {
		b.bitBlock[blockNum] = old &^ mask
		b.numOnes--
	}
}

// Contains returns true if bit i is set.
func (b *Bitmap) Contains(i uint32) bool {
	if i >= b.size {
		return false
	}
	return b.bitBlock[i/64]&(uint64(1)<<(i%64)) != 0
}

// FirstOne returns the first set bit in [start, Size()), and false if there
// is none.
func (b *Bitmap) FirstOne(start uint32) (uint32, bool) {
	if start >= b.size {
		return 0, false
	}
	i := int(start / 64)
	w := b.bitBlock[i] & (math.MaxUint64 << (start % 64))
	for {
		if w != 0 {
			return uint32(bits.TrailingZeros64(w) + i*64), true
		}
		i++
		if i == len(b.bitBlock) {
			return 0, false
		}
		w = b.bitBlock[i]
	}
}

// Clone returns a copy of the Bitmap.
func (b *Bitmap) Clone() Bitmap {
	c := Bitmap{size: b.size, numOnes: b.numOnes, bitBlock: make([]uint64, len(b.bitBlock))}
	copy(c.bitBlock, b.bitBlock)
	return c
}

// Take returns a copy of the Bitmap and clears it.
func (b *Bitmap) Take() Bitmap {
	c := b.Clone()
	clear(b.bitBlock)
	b.numOnes = 0
	return c
}

// Words returns the backing words, least significant bit first. The returned
// slice aliases the Bitmap.
func (b *Bitmap) Words() []uint64 {
	return b.bitBlock
}

// ForEach calls fn for every set bit in ascending order.
func (b *Bitmap) ForEach(fn func(i uint32)) {
	for blk, w := range b.bitBlock {
		for w != 0 {
			fn(uint32(blk*64 + bits.TrailingZeros64(w)))
			w &= w - 1
		}
	}
}

// ToSlice returns the set bits in ascending order. For example, a bitmap of
// [0, 1, 0, 1] returns [1, 3].
func (b *Bitmap) ToSlice() []uint32 {
	s := make([]uint32, 0, b.numOnes)
	b.ForEach(func(i uint32) { s = append(s, i) })
	return s
}
