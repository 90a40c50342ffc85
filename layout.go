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
	"fmt"
	"math/bits"

	"github.com/cockroachdb/errors"
)

// ColumnType is the type code of a slot column. The numeric codes are the
// ones used by the query engine when it hands a list of column types across
// to the table, so they are fixed.
type ColumnType int32

const (
	TypeBoolean   ColumnType = 0
	TypeByte      ColumnType = 1
	TypeShort     ColumnType = 2
	TypeChar      ColumnType = 3
	TypeInt       ColumnType = 4
	TypeLong      ColumnType = 5
	TypeDate      ColumnType = 6
	TypeTimestamp ColumnType = 7
	TypeFloat     ColumnType = 8
	TypeDouble    ColumnType = 9
	TypeSymbol    ColumnType = 11
	TypeLong256   ColumnType = 13
)

type columnSpec struct {
	width int
	align int
}

var columnSpecs = map[ColumnType]columnSpec{
	TypeBoolean:   {width: 1, align: 1},
	TypeByte:      {width: 1, align: 1},
	TypeShort:     {width: 2, align: 2},
	TypeChar:      {width: 2, align: 2},
	TypeInt:       {width: 4, align: 4},
	TypeLong:      {width: 8, align: 8},
	TypeDate:      {width: 8, align: 8},
	TypeTimestamp: {width: 8, align: 8},
	TypeFloat:     {width: 4, align: 4},
	TypeDouble:    {width: 8, align: 8},
	TypeSymbol:    {width: 4, align: 4},
	TypeLong256:   {width: 32, align: 8},
}

// Width returns the number of bytes a column of this type occupies in a
// slot, or 0 if the type code is unknown.
func (t ColumnType) Width() int {
	return columnSpecs[t].width
}

func (t ColumnType) String() string {
	switch t {
	case TypeBoolean:
		return "BOOLEAN"
	case TypeByte:
		return "BYTE"
	case TypeShort:
		return "SHORT"
	case TypeChar:
		return "CHAR"
	case TypeInt:
		return "INT"
	case TypeLong:
		return "LONG"
	case TypeDate:
		return "DATE"
	case TypeTimestamp:
		return "TIMESTAMP"
	case TypeFloat:
		return "FLOAT"
	case TypeDouble:
		return "DOUBLE"
	case TypeSymbol:
		return "SYMBOL"
	case TypeLong256:
		return "LONG256"
	default:
		return fmt.Sprintf("ColumnType(%d)", int32(t))
	}
}

// keyWidth is the width of the key column. The lookup path compares keys as
// 32-bit integers.
const keyWidth = 4

// Layout describes the byte layout of a slot. Column 0 is the key and lives
// at offset 0; columns 1..n are accumulators. Each column is placed at the
// next offset aligned to its natural alignment, and the slot size is the
// natural size rounded up to a power of two so that a slot index converts to
// a byte offset with a shift.
//
// A Layout is a pure function of its column types.
type Layout struct {
	types    []ColumnType
	offsets  []int
	natural  int
	slotSize int
	shift    uint
}

// NewLayout derives the slot layout for the given column types. The first
// type describes the key and must be 4 bytes wide.
func NewLayout(types []ColumnType) (Layout, error) {
	if len(types) == 0 {
		return Layout{}, errors.Mark(errors.New("rosti: no key column"), ErrInvalidLayout)
	}
	l := Layout{
		types:   append([]ColumnType(nil), types...),
		offsets: make([]int, len(types)),
	}
	var offset int
	for i, t := range types {
		spec, ok := columnSpecs[t]
		if !ok {
			return Layout{}, errors.Mark(
				errors.Newf("rosti: column %d: unknown column type %d", i, int32(t)), ErrInvalidLayout)
		}
		if i == 0 && spec.width != keyWidth {
			return Layout{}, errors.Mark(
				errors.Newf("rosti: key column type %s is %d bytes wide, want %d", t, spec.width, keyWidth),
				ErrInvalidLayout)
		}
		offset = (offset + spec.align - 1) &^ (spec.align - 1)
		l.offsets[i] = offset
		offset += spec.width
	}
	l.natural = offset
	l.shift = uint(bits.Len(uint(offset - 1)))
	l.slotSize = 1 << l.shift
	return l, nil
}

// NumColumns returns the number of columns, including the key.
func (l *Layout) NumColumns() int {
	return len(l.types)
}

// ColumnType returns the type of column i.
func (l *Layout) ColumnType(i int) ColumnType {
	return l.types[i]
}

// Offset returns the byte offset of column i within a slot.
func (l *Layout) Offset(i int) int {
	return l.offsets[i]
}

// SlotSize returns the size of a slot in bytes. It is always a power of two.
func (l *Layout) SlotSize() int {
	return l.slotSize
}

// SlotSizeShift returns log2(SlotSize()).
func (l *Layout) SlotSizeShift() uint {
	return l.shift
}

// NaturalSize returns the number of bytes used by the columns, including
// alignment padding, before rounding to a power of two.
func (l *Layout) NaturalSize() int {
	return l.natural
}

// Template returns a new slot prototype holding the neutral value of every
// column. The neutral value of every supported type is all zero bytes, the
// identity of the sums and counts these columns usually back; aggregations
// with a different identity overwrite their columns in the table's copy (see
// Table.InitialValue).
func (l *Layout) Template() []byte {
	return make([]byte, l.slotSize)
}
