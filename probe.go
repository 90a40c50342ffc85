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
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/cespare/xxhash/v2"
)

// HashFunc hashes a key. The low 7 bits become the fingerprint stored in the
// control byte and the remaining bits select the first probe group.
type HashFunc func(key int32) uint64

// hashInt32 is the default key hash. It is cheap and well suited to the dense,
// small key domains produced by symbol and hour-of-day keys.
func hashInt32(v int32) uint64 {
	h := uint64(int64(v))
	h = (h << 5) - h + uint64(uint8(v>>8))
	h = (h << 5) - h + uint64(uint8(v>>16))
	h = (h << 5) - h + uint64(uint8(v>>24))
	return h
}

// HashXX hashes the little-endian bytes of key with xxhash. It spreads keys
// that share their low bits, at the cost of a few extra nanoseconds per
// lookup, and can be installed with WithHash.
func HashXX(key int32) uint64 {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(key))
	return xxhash.Sum64(b[:])
}

// hashSeed returns the per-table seed. The seed is the address of the control
// array, which gives distinct tables distinct probe orders. The low bits of
// the address carry little entropy because of alignment, so they are shifted
// away; 12 bits matches the page size.
func hashSeed(ctrls []ctrl) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(ctrls))) >> 12
}

// Extracts the H1 portion of a hash: the 57 upper bits mixed with the table
// seed.
func h1(h uint64, seed uintptr) uintptr {
	return uintptr(h>>7) ^ seed
}

// Extracts the H2 portion of a hash: the 7 bits not used for h1.
//
// These are used as an occupied control byte.
func h2(h uint64) uintptr {
	return uintptr(h & 0x7f)
}

// probeSeq maintains the state for a probe sequence. The sequence is a
// triangular progression of the form
//
//	p(i) := groupSize * (i^2 + i)/2 + hash (mod mask+1)
//
// The use of groupSize ensures that each probe step does not overlap groups;
// the sequence effectively outputs the addresses of *groups* (although not
// necessarily aligned to any boundary). The group machinery allows us to
// check an entire group with minimal branching.
//
// Wrapping around at mask+1 is important, but not for the obvious reason.
// A group loaded near the end of the control bytes continues at index 0
// (see loadGroup), and the slots for those lanes must be addressed the same
// way, so every lane index is reduced by the mask in offsetAt.
//
// It turns out that this probe sequence visits every group exactly once if
// the number of groups is a power of two, since (i^2+i)/2 is a bijection in
// Z/(2^m). See https://en.wikipedia.org/wiki/Quadratic_probing
type probeSeq struct {
	mask   uintptr
	offset uintptr
	index  uintptr
}

func makeProbeSeq(hash, mask uintptr) probeSeq {
	return probeSeq{
		mask:   mask,
		offset: hash & mask,
		index:  0,
	}
}

func (s probeSeq) next() probeSeq {
	s.index += groupSize
	s.offset = (s.offset + s.index) & s.mask
	return s
}

func (s probeSeq) offsetAt(i uintptr) uintptr {
	return (s.offset + i) & s.mask
}

func (s probeSeq) String() string {
	return fmt.Sprintf("mask=%d offset=%d index=%d", s.mask, s.offset, s.index)
}
