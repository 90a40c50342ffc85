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

package aggregate

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/rosti"
)

// Value is the result of an aggregation for one key.
type Value struct {
	Type   rosti.ColumnType
	Long   int64
	Double float64
	Null   bool
}

func (v Value) String() string {
	switch {
	case v.Null:
		return ""
	case v.Type == rosti.TypeDouble:
		return strconv.FormatFloat(v.Double, 'g', -1, 64)
	default:
		return strconv.FormatInt(v.Long, 10)
	}
}

// LongValue returns a non-null LONG value.
func LongValue(v int64) Value {
	return Value{Type: rosti.TypeLong, Long: v}
}

// DoubleValue returns a non-null DOUBLE value.
func DoubleValue(v float64) Value {
	return Value{Type: rosti.TypeDouble, Double: v}
}

// Func is a keyed aggregation function. A function owns one or more
// accumulator columns of a table, starting at the column index col that the
// owning Keyed assigns it. Functions are stateless; the same Func may be used
// by many tables concurrently.
type Func interface {
	fmt.Stringer
	// ValueTypes returns the types of the function's accumulator columns.
	ValueTypes() []rosti.ColumnType
	// ResultType returns the type of the values produced by Value.
	ResultType() rosti.ColumnType
	// InitTable writes the initial accumulator values into the table's
	// template.
	InitTable(t *rosti.Table, col int)
	// Check verifies that the batch holds the columns the function reads.
	Check(b *Batch) error
	// Update folds the rows of b into t, inserting keys as needed.
	Update(t *rosti.Table, col int, b *Batch) error
	// Merge folds the accumulators of srcSlot in src into dstSlot in dst.
	Merge(dst *rosti.Table, dstSlot int, src *rosti.Table, srcSlot int, col int)
	// Value computes the final value of a slot.
	Value(t *rosti.Table, slot, col int) Value
}

func putInitialLong(t *rosti.Table, col int, v int64) {
	binary.LittleEndian.PutUint64(t.InitialValue()[t.ValueOffset(col):], uint64(v))
}

func putInitialDouble(t *rosti.Table, col int, v float64) {
	binary.LittleEndian.PutUint64(t.InitialValue()[t.ValueOffset(col):], math.Float64bits(v))
}

// distinct registers the keys of b without touching any accumulator.
func distinct(t *rosti.Table, keys []int32) error {
	for _, k := range keys {
		if _, _, err := t.FindOrInsert(k); err != nil {
			return err
		}
	}
	return nil
}

func checkLong(b *Batch, column int) error {
	if column < 0 || column >= len(b.Longs) {
		return errors.Newf("aggregate: long column %d out of range [0,%d)", column, len(b.Longs))
	}
	return nil
}

func checkDouble(b *Batch, column int) error {
	if column < 0 || column >= len(b.Doubles) {
		return errors.Newf("aggregate: double column %d out of range [0,%d)", column, len(b.Doubles))
	}
	return nil
}

// Count returns count(*): the number of rows of every key.
func Count() Func {
	return count{}
}

type count struct{}

func (count) String() string                    { return "count" }
func (count) ValueTypes() []rosti.ColumnType    { return []rosti.ColumnType{rosti.TypeLong} }
func (count) ResultType() rosti.ColumnType      { return rosti.TypeLong }
func (count) InitTable(t *rosti.Table, col int) { putInitialLong(t, col, 0) }
func (count) Check(*Batch) error                { return nil }
func (count) Value(t *rosti.Table, slot, col int) Value {
	return LongValue(t.Int64(slot, col))
}

func (count) Update(t *rosti.Table, col int, b *Batch) error {
	for _, k := range b.Keys {
		slot, _, err := t.FindOrInsert(k)
		if err != nil {
			return err
		}
		t.PutInt64(slot, col, t.Int64(slot, col)+1)
	}
	return nil
}

func (count) Merge(dst *rosti.Table, dstSlot int, src *rosti.Table, srcSlot int, col int) {
	dst.PutInt64(dstSlot, col, dst.Int64(dstSlot, col)+src.Int64(srcSlot, col))
}

// longFold combines a non-null long accumulator with a non-null value.
type longFold func(acc, v int64) int64

// longFunc aggregates a LONG column into a single LONG accumulator which
// starts out null. Null values are skipped; a key with only null values
// aggregates to null.
type longFunc struct {
	name   string
	column int
	fold   longFold
}

func (f longFunc) String() string                  { return fmt.Sprintf("%s(long %d)", f.name, f.column) }
func (longFunc) ValueTypes() []rosti.ColumnType    { return []rosti.ColumnType{rosti.TypeLong} }
func (longFunc) ResultType() rosti.ColumnType      { return rosti.TypeLong }
func (longFunc) InitTable(t *rosti.Table, col int) { putInitialLong(t, col, NullLong) }
func (f longFunc) Check(b *Batch) error            { return checkLong(b, f.column) }

func (f longFunc) accumulate(t *rosti.Table, slot, col int, v int64) {
	if v == NullLong {
		return
	}
	if acc := t.Int64(slot, col); acc != NullLong {
		v = f.fold(acc, v)
	}
	t.PutInt64(slot, col, v)
}

func (f longFunc) Update(t *rosti.Table, col int, b *Batch) error {
	values := b.Longs[f.column]
	if values == nil {
		return distinct(t, b.Keys)
	}
	for i, k := range b.Keys {
		slot, _, err := t.FindOrInsert(k)
		if err != nil {
			return err
		}
		f.accumulate(t, slot, col, values[i])
	}
	return nil
}

func (f longFunc) Merge(dst *rosti.Table, dstSlot int, src *rosti.Table, srcSlot int, col int) {
	f.accumulate(dst, dstSlot, col, src.Int64(srcSlot, col))
}

func (longFunc) Value(t *rosti.Table, slot, col int) Value {
	v := t.Int64(slot, col)
	if v == NullLong {
		return Value{Type: rosti.TypeLong, Null: true}
	}
	return LongValue(v)
}

// SumLong returns sum() over a LONG column.
func SumLong(column int) Func {
	return longFunc{name: "sum", column: column, fold: func(acc, v int64) int64 { return acc + v }}
}

// MinLong returns min() over a LONG column.
func MinLong(column int) Func {
	return longFunc{name: "min", column: column, fold: func(acc, v int64) int64 { return min(acc, v) }}
}

// MaxLong returns max() over a LONG column.
func MaxLong(column int) Func {
	return longFunc{name: "max", column: column, fold: func(acc, v int64) int64 { return max(acc, v) }}
}

// doubleFunc aggregates a DOUBLE column into a single DOUBLE accumulator
// which starts out null (NaN). NaN values are skipped.
type doubleFunc struct {
	name   string
	column int
	fold   func(acc, v float64) float64
}

func (f doubleFunc) String() string                  { return fmt.Sprintf("%s(double %d)", f.name, f.column) }
func (doubleFunc) ValueTypes() []rosti.ColumnType    { return []rosti.ColumnType{rosti.TypeDouble} }
func (doubleFunc) ResultType() rosti.ColumnType      { return rosti.TypeDouble }
func (doubleFunc) InitTable(t *rosti.Table, col int) { putInitialDouble(t, col, math.NaN()) }
func (f doubleFunc) Check(b *Batch) error            { return checkDouble(b, f.column) }

func (f doubleFunc) accumulate(t *rosti.Table, slot, col int, v float64) {
	if math.IsNaN(v) {
		return
	}
	if acc := t.Float64(slot, col); !math.IsNaN(acc) {
		v = f.fold(acc, v)
	}
	t.PutFloat64(slot, col, v)
}

func (f doubleFunc) Update(t *rosti.Table, col int, b *Batch) error {
	values := b.Doubles[f.column]
	if values == nil {
		return distinct(t, b.Keys)
	}
	for i, k := range b.Keys {
		slot, _, err := t.FindOrInsert(k)
		if err != nil {
			return err
		}
		f.accumulate(t, slot, col, values[i])
	}
	return nil
}

func (f doubleFunc) Merge(dst *rosti.Table, dstSlot int, src *rosti.Table, srcSlot int, col int) {
	f.accumulate(dst, dstSlot, col, src.Float64(srcSlot, col))
}

func (doubleFunc) Value(t *rosti.Table, slot, col int) Value {
	v := t.Float64(slot, col)
	if math.IsNaN(v) {
		return Value{Type: rosti.TypeDouble, Null: true}
	}
	return DoubleValue(v)
}

// SumDouble returns sum() over a DOUBLE column.
func SumDouble(column int) Func {
	return doubleFunc{name: "sum", column: column, fold: func(acc, v float64) float64 { return acc + v }}
}

// MinDouble returns min() over a DOUBLE column.
func MinDouble(column int) Func {
	return doubleFunc{name: "min", column: column, fold: math.Min}
}

// MaxDouble returns max() over a DOUBLE column.
func MaxDouble(column int) Func {
	return doubleFunc{name: "max", column: column, fold: math.Max}
}

// avgFunc keeps a DOUBLE sum and a LONG count of the non-null values of a
// column. The average is derived when the value is read.
type avgFunc struct {
	column int
	long   bool
}

// AvgLong returns avg() over a LONG column. The sum is kept as a double so
// that it cannot overflow.
func AvgLong(column int) Func {
	return avgFunc{column: column, long: true}
}

// AvgDouble returns avg() over a DOUBLE column.
func AvgDouble(column int) Func {
	return avgFunc{column: column}
}

func (f avgFunc) String() string {
	if f.long {
		return fmt.Sprintf("avg(long %d)", f.column)
	}
	return fmt.Sprintf("avg(double %d)", f.column)
}

func (avgFunc) ValueTypes() []rosti.ColumnType {
	return []rosti.ColumnType{rosti.TypeDouble, rosti.TypeLong}
}

func (avgFunc) ResultType() rosti.ColumnType { return rosti.TypeDouble }

func (avgFunc) InitTable(t *rosti.Table, col int) {
	putInitialDouble(t, col, 0)
	putInitialLong(t, col+1, 0)
}

func (f avgFunc) Check(b *Batch) error {
	if f.long {
		return checkLong(b, f.column)
	}
	return checkDouble(b, f.column)
}

func (avgFunc) add(t *rosti.Table, slot, col int, sum float64, n int64) {
	t.PutFloat64(slot, col, t.Float64(slot, col)+sum)
	t.PutInt64(slot, col+1, t.Int64(slot, col+1)+n)
}

func (f avgFunc) Update(t *rosti.Table, col int, b *Batch) error {
	var longs []int64
	var doubles []float64
	if f.long {
		longs = b.Longs[f.column]
	} else {
		doubles = b.Doubles[f.column]
	}
	if longs == nil && doubles == nil {
		return distinct(t, b.Keys)
	}
	for i, k := range b.Keys {
		slot, _, err := t.FindOrInsert(k)
		if err != nil {
			return err
		}
		if f.long {
			if v := longs[i]; v != NullLong {
				f.add(t, slot, col, float64(v), 1)
			}
		} else if v := doubles[i]; !math.IsNaN(v) {
			f.add(t, slot, col, v, 1)
		}
	}
	return nil
}

func (f avgFunc) Merge(dst *rosti.Table, dstSlot int, src *rosti.Table, srcSlot int, col int) {
	f.add(dst, dstSlot, col, src.Float64(srcSlot, col), src.Int64(srcSlot, col+1))
}

func (avgFunc) Value(t *rosti.Table, slot, col int) Value {
	n := t.Int64(slot, col+1)
	if n == 0 {
		return Value{Type: rosti.TypeDouble, Null: true}
	}
	return DoubleValue(t.Float64(slot, col) / float64(n))
}
