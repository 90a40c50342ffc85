// Copyright 2024 The Cockroach Authors
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

package rosti

import (
	"math/bits"
	"strings"
)

// Each slot in the table has a control byte which can have one of four
// states: empty, deleted, full and the sentinel. They have the following bit
// patterns:
//
//	   empty: 1 0 0 0 0 0 0 0
//	 deleted: 1 1 1 1 1 1 1 0
//	    full: 0 h h h h h h h  // h represents the H2 hash bits
//	sentinel: 1 1 1 1 1 1 1 1
//
// The control byte is signed so that "empty or deleted" is a single signed
// comparison against the sentinel, which is how the vector matchers test it.
type ctrl int8

const (
	emptyMarker    = -128 // 0b1000_0000
	deletedMarker  = -2   // 0b1111_1110
	sentinelMarker = -1   // 0b1111_1111

	ctrlEmpty    ctrl = emptyMarker
	ctrlDeleted  ctrl = deletedMarker
	ctrlSentinel ctrl = sentinelMarker
)

// The group matchers depend on the relations below. Each expression is a
// constant that overflows uint, and so fails to compile, when its relation
// does not hold.
const (
	// Every marker has the most significant bit set.
	_ = uint(-(emptyMarker & deletedMarker & sentinelMarker & -0x80) - 0x80)
	// Empty and deleted sort below the sentinel.
	_ = uint(sentinelMarker - emptyMarker - 1)
	_ = uint(sentinelMarker - deletedMarker - 1)
	// The sentinel is all ones.
	_ = uint(sentinelMarker + 1)
	_ = uint(-sentinelMarker - 1)
	// Empty is exactly 0b1000_0000.
	_ = uint(emptyMarker + 0x80)
	_ = uint(-emptyMarker - 0x80)
	// Empty and deleted share an unset bit that the sentinel has set.
	_ = uint((^emptyMarker & ^deletedMarker & sentinelMarker & 0x7f) - 1)
)

func (c ctrl) isFull() bool {
	return c >= 0
}

func (c ctrl) String() string {
	switch c {
	case ctrlEmpty:
		return "empty"
	case ctrlDeleted:
		return "deleted"
	case ctrlSentinel:
		return "sentinel"
	default:
		if c.isFull() {
			return "full"
		}
		return "invalid"
	}
}

// bitset is the result of matching a group: bit i is set iff lane i matched.
// Lanes are visited in ascending order with next and clear.
type bitset uint16

// next returns the lowest matching lane. The result is groupSize if the
// bitset is empty.
func (b bitset) next() uintptr {
	return uintptr(bits.TrailingZeros16(uint16(b)))
}

// clear removes lane i from the bitset.
func (b bitset) clear(i uintptr) bitset {
	return b &^ (bitset(1) << i)
}

func (b bitset) String() string {
	var buf strings.Builder
	buf.Grow(groupSize)
	for i := 0; i < groupSize; i++ {
		if (b & (bitset(1) << i)) != 0 {
			buf.WriteString("1")
		} else {
			buf.WriteString("0")
		}
	}
	return buf.String()
}
