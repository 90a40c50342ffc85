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
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProbeSeq(t *testing.T) {
	genSeq := func(n int, hash, mask uintptr) []uintptr {
		seq := makeProbeSeq(hash, mask)
		vals := make([]uintptr, n)
		for i := 0; i < n; i++ {
			vals[i] = seq.offset
			seq = seq.next()
		}
		return vals
	}
	genGroups := func(n uintptr) []uintptr {
		var vals []uintptr
		for i := uintptr(0); i < n; i++ {
			vals = append(vals, i*groupSize)
		}
		return vals
	}

	// The Abseil probeSeq test cases, scaled by the group size.
	expected := []uintptr{0, 1, 3, 6, 10, 15, 5, 12, 4, 13, 7, 2, 14, 11, 9, 8}
	for i := range expected {
		expected[i] *= groupSize
	}
	require.Equal(t, expected, genSeq(16, 0, 255))
	require.Equal(t, expected, genSeq(16, 256, 255))

	// Verify that we touch all of the groups no matter what our start offset
	// within the group is.
	for i := uintptr(0); i < groupSize; i++ {
		vals := genSeq(16, i, 255)
		require.Equal(t, 16, len(vals))
		for j := range vals {
			vals[j] -= i
		}
		sort.Slice(vals, func(i, j int) bool {
			return vals[i] < vals[j]
		})
		require.Equal(t, genGroups(16), vals)
	}
}

func TestHashInt32(t *testing.T) {
	require.EqualValues(t, 0, hashInt32(0))
	require.EqualValues(t, 5*31*31*31, hashInt32(5))
	// Bytes above the lowest are mixed in one per round.
	require.EqualValues(t, 0x100*31*31*31+31*31, hashInt32(0x100))
	// Negative keys are sign extended before mixing.
	allOnes := ^uint64(0)
	require.EqualValues(t, allOnes*31*31*31+0xff*31*31+0xff*31+0xff, hashInt32(-1))
	require.NotEqual(t, hashInt32(1), hashInt32(2))
}

func TestH1H2(t *testing.T) {
	var h uint64 = 0xdeadbeefcafef00d
	require.EqualValues(t, 0x0d, h2(h))
	require.EqualValues(t, uintptr(h>>7), h1(h, 0))
	require.EqualValues(t, uintptr(h>>7)^0x1234, h1(h, 0x1234))
	for v := int32(-1000); v < 1000; v++ {
		require.Less(t, h2(HashXX(v)), uintptr(128))
	}
	require.NotEqual(t, HashXX(1), HashXX(2))
}
