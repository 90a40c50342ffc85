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

//go:build amd64 && !nosimd

package rosti

import (
	"unsafe"

	"github.com/dolthub/swiss/simd"
)

const simdEnabled = true

func (g *group) metadata() *[groupSize]int8 {
	return (*[groupSize]int8)(unsafe.Pointer(g))
}

// matchH2 returns the full lanes whose fingerprint equals h.
func (g *group) matchH2(h uintptr) bitset {
	return bitset(simd.MatchMetadata(g.metadata(), int8(h)))
}

// matchEmpty returns the empty lanes.
func (g *group) matchEmpty() bitset {
	return bitset(simd.MatchMetadata(g.metadata(), int8(ctrlEmpty)))
}

// matchEmptyOrDeleted returns the lanes below the sentinel. Empty and deleted
// are the only control values below the sentinel, so the union of the two
// equality masks is the same set as a signed less-than against it.
func (g *group) matchEmptyOrDeleted() bitset {
	m := g.metadata()
	return bitset(simd.MatchMetadata(m, int8(ctrlEmpty)) | simd.MatchMetadata(m, int8(ctrlDeleted)))
}
