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

const groupSize = 16

// group is a window of groupSize control bytes starting at a probe offset.
// Groups are conceptual rather than physical: they are not aligned and they
// overlap.
type group [groupSize]ctrl

// loadGroup copies the window of control bytes starting at offset. The
// control array holds exactly capacity+1 bytes, so a window that runs past
// the sentinel continues at index 0. Lane i therefore always corresponds to
// probeSeq.offsetAt(i), including for the lanes that wrapped.
func loadGroup(ctrls []ctrl, offset uintptr) (g group) {
	if n := copy(g[:], ctrls[offset:]); n < groupSize {
		copy(g[n:], ctrls)
	}
	return g
}

// matchByteScalar is the portable form of the vector equality test. It
// returns the lanes equal to c.
func (g *group) matchByteScalar(c ctrl) bitset {
	var b bitset
	for i := range g {
		if g[i] == c {
			b |= bitset(1) << i
		}
	}
	return b
}

// matchBelowScalar returns the lanes numerically (signed) less than c.
func (g *group) matchBelowScalar(c ctrl) bitset {
	var b bitset
	for i := range g {
		if g[i] < c {
			b |= bitset(1) << i
		}
	}
	return b
}
