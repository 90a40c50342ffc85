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
	"cmp"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/rosti"
)

// Keyed aggregates batches into a rosti table keyed by the batch keys. Every
// function owns a contiguous run of accumulator columns following the key.
//
// Like the table it wraps, a Keyed is not goroutine-safe.
type Keyed struct {
	funcs []Func
	// cols[i] is the first table column of funcs[i].
	cols  []int
	table *rosti.Table
}

// NewKeyed creates a Keyed for the given functions. With no functions it
// computes the distinct keys.
func NewKeyed(funcs []Func, capacityHint int, options ...rosti.Option) (*Keyed, error) {
	types := []rosti.ColumnType{rosti.TypeInt}
	cols := make([]int, len(funcs))
	for i, f := range funcs {
		cols[i] = len(types)
		types = append(types, f.ValueTypes()...)
	}
	t, err := rosti.New(types, capacityHint, options...)
	if err != nil {
		return nil, errors.Wrapf(err, "aggregate: creating table for %d functions", len(funcs))
	}
	for i, f := range funcs {
		f.InitTable(t, cols[i])
	}
	return &Keyed{funcs: funcs, cols: cols, table: t}, nil
}

// Aggregate folds the rows of b into the table. On error the table may hold
// part of the batch.
func (k *Keyed) Aggregate(b *Batch) error {
	if err := b.Validate(); err != nil {
		return err
	}
	for _, f := range k.funcs {
		if err := f.Check(b); err != nil {
			return errors.Wrapf(err, "aggregate: %s", f)
		}
	}
	if len(k.funcs) == 0 {
		return distinct(k.table, b.Keys)
	}
	for i, f := range k.funcs {
		if err := f.Update(k.table, k.cols[i], b); err != nil {
			return errors.Wrapf(err, "aggregate: %s", f)
		}
	}
	return nil
}

// Merge folds the groups of other into k. Both must have been created with
// the same functions. other is not modified.
func (k *Keyed) Merge(other *Keyed) error {
	if len(k.funcs) != len(other.funcs) {
		return errors.AssertionFailedf("aggregate: merging %d functions into %d", len(other.funcs), len(k.funcs))
	}
	src := other.table
	var err error
	src.All(func(srcSlot int) bool {
		var dstSlot int
		dstSlot, _, err = k.table.FindOrInsert(src.Key(srcSlot))
		if err != nil {
			return false
		}
		for i, f := range k.funcs {
			f.Merge(k.table, dstSlot, src, srcSlot, k.cols[i])
		}
		return true
	})
	return errors.Wrap(err, "aggregate: merge")
}

// Row is the result of the aggregation for one key.
type Row struct {
	Key    int32
	Values []Value
}

// Rows returns one row per key, sorted by key.
func (k *Keyed) Rows() []Row {
	rows := make([]Row, 0, k.table.Len())
	k.table.All(func(slot int) bool {
		r := Row{Key: k.table.Key(slot), Values: make([]Value, len(k.funcs))}
		for i, f := range k.funcs {
			r.Values[i] = f.Value(k.table, slot, k.cols[i])
		}
		rows = append(rows, r)
		return true
	})
	slices.SortFunc(rows, func(a, b Row) int {
		return cmp.Compare(a.Key, b.Key)
	})
	return rows
}

// Funcs returns the aggregation functions.
func (k *Keyed) Funcs() []Func {
	return k.funcs
}

// Table returns the underlying table.
func (k *Keyed) Table() *rosti.Table {
	return k.table
}

// Len returns the number of distinct keys.
func (k *Keyed) Len() int {
	return k.table.Len()
}

// Clear removes all groups, keeping the table's storage.
func (k *Keyed) Clear() {
	k.table.Clear()
}

// Close releases the table.
func (k *Keyed) Close() {
	k.table.Close()
}
