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

// Package rosti is the grouping hash table of a columnar GROUP BY. It maps
// 32-bit integer keys to fixed-size slots of accumulator state and is an
// implementation of Swiss Tables as described in
// https://abseil.io/about/design/swisstables. See also:
// https://faultlore.com/blah/hashbrown-tldr/.
//
// Google's C++ implementation:
//
//	https://github.com/abseil/abseil-cpp/blob/master/absl/container/internal/raw_hash_set.h
//
// # Swiss Tables
//
// Swiss tables use open-addressing rather than chaining to handle
// collisions. A hybrid between linear and quadratic probing is used - linear
// probing within groups of 16 slots and quadratic probing at the group level.
// The key design choice of Swiss tables is the usage of a separate metadata
// array that stores 1 byte per slot in the table. 7-bits of this "control
// byte" are taken from hash(key) and the remaining bit is used to indicate
// whether the slot is empty, full, deleted, or a sentinel. On amd64 a group
// of 16 control bytes is checked with a single SSE2 compare; elsewhere (or
// when built with the nosimd tag) a scalar loop produces the same masks.
//
// A table's layout is N-1 slots where N is a power of 2 and N control bytes.
// The control byte for slot N-1 is always a sentinel which is never matched
// and never claimed. Probe windows that run off the end of the control bytes
// wrap around to the start.
//
// # Slots
//
// Unlike a generic map, the slots of a rosti table are type-erased byte
// records. A Layout derived from a list of column types fixes the slot size
// (a power of two, so that a slot index becomes a byte offset with a shift),
// the offset of the key (always 0) and the offset of every accumulator. New
// slots are seeded from a template holding each accumulator's initial value.
// The aggregation code reads and writes accumulators in place.
//
// There is no per-key deletion: tables are reset in bulk with Clear and
// reused across batches.
package rosti

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"
	"strings"
	"unsafe"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

const (
	debug = false

	// minCapacity is the smallest capacity of a table: a single group
	// including the sentinel.
	minCapacity = groupSize - 1

	// The maximum load factor is maxAvgGroupLoad/groupSize = 7/8. For
	// 16-wide groups, that gives an average of two empty slots per group.
	maxAvgGroupLoad = 14
)

// Table is a hash table from int32 keys to fixed-size slots of accumulator
// state.
//
// A Table is NOT goroutine-safe. Parallel aggregation gives each worker its
// own Table and merges them afterwards.
type Table struct {
	// ctrls is capacity+1 in length. ctrls[capacity] is always
	// ctrlSentinel.
	ctrls []ctrl
	// slots is capacity<<slotSizeShift in length.
	slots []byte
	// The total number slots (always 2^N-1). The capacity is used as a mask
	// to quickly compute i%N using a bitwise & operation.
	capacity uintptr
	// The number of filled slots.
	size int
	// The number of slots we can still fill without needing to grow.
	growthLeft    int
	slotSize      uintptr
	slotSizeShift uint
	layout        Layout
	// template is copied into every newly claimed slot.
	template  []byte
	hash      HashFunc
	allocator Allocator
	logger    *zap.Logger
	grows     int
}

// New constructs a table whose slots hold the given columns. Column 0 is the
// key. The capacity is capacityHint rounded up so that capacity+1 is a power
// of two, and is never less than 15. An error marked with
// ErrAllocationFailed is returned if the buffers cannot be allocated, and one
// marked with ErrInvalidLayout if the column types are unusable.
func New(columnTypes []ColumnType, capacityHint int, options ...Option) (*Table, error) {
	layout, err := NewLayout(columnTypes)
	if err != nil {
		return nil, err
	}
	t := &Table{
		layout:        layout,
		slotSize:      uintptr(layout.SlotSize()),
		slotSizeShift: layout.SlotSizeShift(),
		template:      layout.Template(),
		hash:          hashInt32,
		allocator:     defaultAllocator{},
		logger:        zap.NewNop(),
	}
	for _, op := range options {
		op.apply(t)
	}

	capacity, err := targetCapacity(capacityHint)
	if err != nil {
		return nil, err
	}
	ctrls, slots, err := t.alloc(capacity)
	if err != nil {
		return nil, err
	}
	t.ctrls, t.slots, t.capacity = ctrls, slots, capacity
	t.initialize()
	t.checkInvariants()
	return t, nil
}

// targetCapacity is the smallest value of the form 2^k-1 that is >= hint,
// and at least minCapacity.
func targetCapacity(hint int) (uintptr, error) {
	if hint <= minCapacity {
		return minCapacity, nil
	}
	if uint64(hint) > math.MaxUint64>>2 {
		return 0, errors.Mark(errors.Newf("rosti: capacity %d is too large", hint), ErrAllocationFailed)
	}
	return (uintptr(1) << bits.Len64(uint64(hint-1))) - 1, nil
}

// Close releases the table's buffers back to its allocator. It is
// unnecessary to close a table using the default allocator. It is invalid to
// use a Table after it has been closed, though Close itself is idempotent.
func (t *Table) Close() {
	if t.ctrls != nil {
		t.allocator.FreeSlots(t.slots)
		t.allocator.FreeControls(unsafeConvertSlice[uint8](t.ctrls))
	}
	t.ctrls = nil
	t.slots = nil
	t.capacity = 0
	t.size = 0
	t.growthLeft = 0
}

// Clear removes all entries, retaining the allocated storage for reuse.
func (t *Table) Clear() {
	t.initialize()
	t.checkInvariants()
}

// initialize marks every slot empty, writes the sentinel and resets the size
// and growth budget.
func (t *Table) initialize() {
	for i := range t.ctrls {
		t.ctrls[i] = ctrlEmpty
	}
	t.ctrls[t.capacity] = ctrlSentinel
	t.size = 0
	t.resetGrowthLeft()
}

func capacityToGrowth(capacity uintptr) int {
	return int((capacity * maxAvgGroupLoad) / groupSize)
}

func (t *Table) resetGrowthLeft() {
	t.growthLeft = capacityToGrowth(t.capacity) - t.size
}

// FindOrPrepareInsert returns the slot holding key. If the key is absent a
// slot is claimed for it, seeded from the template, and inserted is true; the
// caller must then write the key into the slot with PutKey before the next
// call. Claiming a slot may grow the table, which moves every slot; slot
// indexes returned before the growth are then stale. The only error is a
// failure to allocate the grown buffers, in which case the table is
// unchanged.
func (t *Table) FindOrPrepareInsert(key int32) (slot int, inserted bool, err error) {
	// To find the location of a key in the table, we compute hash(key). From
	// h1(hash(key)) and the capacity, we construct a probeSeq that visits
	// every group of slots in some interesting order.
	//
	// We walk through these indices. At each index, we select the entire
	// group starting with that index and extract potential candidates: full
	// slots with a control byte equal to h2(hash(key)). The key at a
	// candidate slot is compared with key; a 7-bit fingerprint collision
	// simply moves on to the next candidate. If we find an empty slot in the
	// group, the key is not in the table: slots are never vacated one at a
	// time, so an insert of key would have stopped at this group.
	h := t.hash(key)
	seq := makeProbeSeq(h1(h, hashSeed(t.ctrls)), t.capacity)
	if debug {
		fmt.Printf("find(%d): %s\n", key, seq)
	}

	for ; ; seq = seq.next() {
		g := loadGroup(t.ctrls, seq.offset)
		match := g.matchH2(h2(h))
		if debug {
			fmt.Printf("find(probing): offset=%d h2=%02x match=%s\n", seq.offset, h2(h), match)
		}

		for match != 0 {
			bit := match.next()
			i := seq.offsetAt(bit)
			if t.keyAt(i) == key {
				return int(i), false, nil
			}
			match = match.clear(bit)
		}

		if g.matchEmpty() != 0 {
			break
		}
		if seq.index > t.capacity {
			panic(errors.AssertionFailedf("rosti: probe for %d visited every group without an empty slot", key))
		}
	}

	i, err := t.prepareInsert(h)
	if err != nil {
		return 0, false, err
	}
	return int(i), true, nil
}

// FindOrInsert is FindOrPrepareInsert followed by writing key into a newly
// claimed slot.
func (t *Table) FindOrInsert(key int32) (slot int, inserted bool, err error) {
	slot, inserted, err = t.FindOrPrepareInsert(key)
	if inserted {
		t.PutKey(slot, key)
		t.checkInvariants()
	}
	return slot, inserted, err
}

// Find returns the slot holding key without inserting it.
func (t *Table) Find(key int32) (slot int, ok bool) {
	h := t.hash(key)
	seq := makeProbeSeq(h1(h, hashSeed(t.ctrls)), t.capacity)
	for ; ; seq = seq.next() {
		g := loadGroup(t.ctrls, seq.offset)
		match := g.matchH2(h2(h))
		for match != 0 {
			bit := match.next()
			i := seq.offsetAt(bit)
			if t.keyAt(i) == key {
				return int(i), true
			}
			match = match.clear(bit)
		}
		if g.matchEmpty() != 0 || seq.index > t.capacity {
			return 0, false
		}
	}
}

// prepareInsert claims a slot for a key with hash h that is known not to be
// in the table, growing the table first if the load factor would be
// exceeded.
func (t *Table) prepareInsert(h uint64) (uintptr, error) {
	if t.growthLeft == 0 {
		if err := t.resize(2*t.capacity + 1); err != nil {
			return 0, err
		}
	}
	i := t.findEmpty(h)
	t.ctrls[i] = ctrl(h2(h))
	t.size++
	t.growthLeft--
	copy(t.slot(i), t.template)
	if debug {
		fmt.Printf("insert: index=%d size=%d growth-left=%d\n", i, t.size, t.growthLeft)
	}
	return i, nil
}

// findEmpty returns the index of the empty slot a key with hash h is placed
// in: the lowest empty lane of the first group in the probe sequence that has
// one.
func (t *Table) findEmpty(h uint64) uintptr {
	seq := makeProbeSeq(h1(h, hashSeed(t.ctrls)), t.capacity)
	for ; ; seq = seq.next() {
		g := loadGroup(t.ctrls, seq.offset)
		if match := g.matchEmpty(); match != 0 {
			return seq.offsetAt(match.next())
		}
		if seq.index > t.capacity {
			panic(errors.AssertionFailedf("rosti: no empty slot in a table of capacity %d holding %d entries",
				t.capacity, t.size))
		}
	}
}

// resize grows the table by allocating bigger arrays and re-placing each
// live slot into the new arrays (we know the keys are distinct, so no
// lookups are needed), copying every byte of the slot so that accumulator
// state survives. The old arrays are released afterwards. If the new arrays
// cannot be allocated the table is left untouched.
func (t *Table) resize(newCapacity uintptr) error {
	ctrls, slots, err := t.alloc(newCapacity)
	if err != nil {
		t.logger.Warn("rosti: growth failed",
			zap.Uint64("capacity", uint64(t.capacity)),
			zap.Uint64("new_capacity", uint64(newCapacity)),
			zap.Int("size", t.size),
			zap.Error(err))
		return err
	}

	oldCtrls, oldSlots, oldCapacity := t.ctrls, t.slots, t.capacity
	t.ctrls, t.slots, t.capacity = ctrls, slots, newCapacity
	for i := range t.ctrls {
		t.ctrls[i] = ctrlEmpty
	}
	t.ctrls[newCapacity] = ctrlSentinel

	for i := uintptr(0); i < oldCapacity; i++ {
		if !oldCtrls[i].isFull() {
			continue
		}
		src := oldSlots[i<<t.slotSizeShift : (i+1)<<t.slotSizeShift]
		h := t.hash(int32(binary.LittleEndian.Uint32(src)))
		j := t.findEmpty(h)
		t.ctrls[j] = ctrl(h2(h))
		copy(t.slot(j), src)
	}
	t.resetGrowthLeft()
	t.grows++

	t.allocator.FreeSlots(oldSlots)
	t.allocator.FreeControls(unsafeConvertSlice[uint8](oldCtrls))

	t.logger.Debug("rosti: grew table",
		zap.Uint64("old_capacity", uint64(oldCapacity)),
		zap.Uint64("new_capacity", uint64(newCapacity)),
		zap.Int("size", t.size))
	t.checkInvariants()
	return nil
}

// alloc obtains control and slot buffers for a table of the given capacity.
func (t *Table) alloc(capacity uintptr) ([]ctrl, []byte, error) {
	slotBytes := capacity << t.slotSizeShift
	if slotBytes>>t.slotSizeShift != capacity || slotBytes > math.MaxInt {
		return nil, nil, errors.Mark(
			errors.Newf("rosti: %d slots of %d bytes overflow", capacity, t.slotSize), ErrAllocationFailed)
	}
	c, err := t.allocator.AllocControls(int(capacity + 1))
	if err != nil {
		return nil, nil, errors.Mark(
			errors.Wrapf(err, "rosti: allocating %d control bytes", capacity+1), ErrAllocationFailed)
	}
	s, err := t.allocator.AllocSlots(int(slotBytes))
	if err != nil {
		t.allocator.FreeControls(c)
		return nil, nil, errors.Mark(
			errors.Wrapf(err, "rosti: allocating %d slot bytes", slotBytes), ErrAllocationFailed)
	}
	return unsafeConvertSlice[ctrl](c), s, nil
}

// All calls yield sequentially for each full slot in the table, in slot
// order. If yield returns false, iteration stops. The table must not be
// grown during iteration.
func (t *Table) All(yield func(slot int) bool) {
	for i := uintptr(0); i < t.capacity; i++ {
		if t.ctrls[i].isFull() {
			if !yield(int(i)) {
				return
			}
		}
	}
}

// Len returns the number of keys in the table.
func (t *Table) Len() int {
	return t.size
}

// Capacity returns the number of slots in the table.
func (t *Table) Capacity() int {
	return int(t.capacity)
}

// GrowthLeft returns the number of keys that can still be inserted before
// the table grows.
func (t *Table) GrowthLeft() int {
	return t.growthLeft
}

// Layout returns the slot layout.
func (t *Table) Layout() *Layout {
	return &t.layout
}

// SlotSize returns the size of a slot in bytes.
func (t *Table) SlotSize() int {
	return int(t.slotSize)
}

// ValueOffset returns the byte offset of column col within a slot. Column 0
// is the key.
func (t *Table) ValueOffset(col int) int {
	return t.layout.offsets[col]
}

// InitialValue returns the template that newly claimed slots are seeded
// from. Aggregation functions write their initial accumulator values into it
// after the table is created; changes affect slots claimed afterwards.
func (t *Table) InitialValue() []byte {
	return t.template
}

// Slot returns the bytes of slot i. The slice aliases the table and is
// invalidated by growth.
func (t *Table) Slot(i int) []byte {
	return t.slot(uintptr(i))
}

func (t *Table) slot(i uintptr) []byte {
	lo := i << t.slotSizeShift
	hi := lo + t.slotSize
	return t.slots[lo:hi:hi]
}

func (t *Table) keyAt(i uintptr) int32 {
	return int32(binary.LittleEndian.Uint32(t.slots[i<<t.slotSizeShift:]))
}

// Key returns the key stored in slot i.
func (t *Table) Key(i int) int32 {
	return t.keyAt(uintptr(i))
}

// PutKey writes key into slot i.
func (t *Table) PutKey(i int, key int32) {
	binary.LittleEndian.PutUint32(t.slots[uintptr(i)<<t.slotSizeShift:], uint32(key))
}

func (t *Table) field(i, col int) []byte {
	return t.slots[uintptr(i)<<t.slotSizeShift+uintptr(t.layout.offsets[col]):]
}

// Int32 returns the 4-byte column col of slot i.
func (t *Table) Int32(i, col int) int32 {
	return int32(binary.LittleEndian.Uint32(t.field(i, col)))
}

// PutInt32 sets the 4-byte column col of slot i.
func (t *Table) PutInt32(i, col int, v int32) {
	binary.LittleEndian.PutUint32(t.field(i, col), uint32(v))
}

// Int64 returns the 8-byte column col of slot i.
func (t *Table) Int64(i, col int) int64 {
	return int64(binary.LittleEndian.Uint64(t.field(i, col)))
}

// PutInt64 sets the 8-byte column col of slot i.
func (t *Table) PutInt64(i, col int, v int64) {
	binary.LittleEndian.PutUint64(t.field(i, col), uint64(v))
}

// Float64 returns the 8-byte column col of slot i as a float64.
func (t *Table) Float64(i, col int) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(t.field(i, col)))
}

// PutFloat64 sets the 8-byte column col of slot i to v.
func (t *Table) PutFloat64(i, col int, v float64) {
	binary.LittleEndian.PutUint64(t.field(i, col), math.Float64bits(v))
}

// Stats describes the shape of a table.
type Stats struct {
	Len          int
	Capacity     int
	GrowthLeft   int
	SlotSize     int
	Grows        int
	ControlBytes int
	SlotBytes    int
}

// Stats returns the table's current statistics.
func (t *Table) Stats() Stats {
	return Stats{
		Len:          t.size,
		Capacity:     int(t.capacity),
		GrowthLeft:   t.growthLeft,
		SlotSize:     int(t.slotSize),
		Grows:        t.grows,
		ControlBytes: len(t.ctrls),
		SlotBytes:    len(t.slots),
	}
}

func (t *Table) checkInvariants() {
	if invariants {
		if c := t.ctrls[t.capacity]; c != ctrlSentinel {
			panic(errors.AssertionFailedf("invariant failed: ctrl(%d): expected sentinel, but found %02x\n%s",
				t.capacity, uint8(c), t.debugString()))
		}
		if len(t.ctrls) != int(t.capacity)+1 {
			panic(errors.AssertionFailedf("invariant failed: %d control bytes for capacity %d",
				len(t.ctrls), t.capacity))
		}

		// For every full slot, verify we can find the key and that it maps
		// back to the same slot.
		var used int
		for i := uintptr(0); i < t.capacity; i++ {
			c := t.ctrls[i]
			switch {
			case c == ctrlEmpty:
			case c.isFull():
				key := t.keyAt(i)
				if j, ok := t.Find(key); !ok || uintptr(j) != i {
					h := t.hash(key)
					panic(errors.AssertionFailedf("invariant failed: slot(%d): %d not found [h2=%02x h1=%07x]\n%s",
						i, key, h2(h), h1(h, hashSeed(t.ctrls)), t.debugString()))
				}
				used++
			default:
				panic(errors.AssertionFailedf("invariant failed: ctrl(%d): unexpected %s", i, c))
			}
		}

		if used != t.size {
			panic(errors.AssertionFailedf("invariant failed: found %d used slots, but size is %d\n%s",
				used, t.size, t.debugString()))
		}

		growthLeft := capacityToGrowth(t.capacity) - t.size
		if growthLeft != t.growthLeft {
			panic(errors.AssertionFailedf("invariant failed: found %d growthLeft, but expected %d\n%s",
				t.growthLeft, growthLeft, t.debugString()))
		}
	}
}

func (t *Table) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d  size=%d  growth-left=%d\n", t.capacity, t.size, t.growthLeft)
	for i := uintptr(0); i <= t.capacity; i++ {
		switch c := t.ctrls[i]; {
		case c.isFull():
			key := t.keyAt(i)
			fmt.Fprintf(&buf, "  %4d: %d [ctrl=%02x h2=%02x]\n", i, key, uint8(c), h2(t.hash(key)))
		default:
			fmt.Fprintf(&buf, "  %4d: %s\n", i, c)
		}
	}
	return buf.String()
}

func unsafeConvertSlice[Dest any, Src any](s []Src) []Dest {
	return unsafe.Slice((*Dest)(unsafe.Pointer(unsafe.SliceData(s))), len(s))
}
