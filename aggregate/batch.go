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

// Package aggregate computes keyed aggregations (GROUP BY key) over columnar
// batches using rosti tables as the grouping structure.
package aggregate

import (
	"math"

	"github.com/cockroachdb/errors"
)

const (
	// NullLong is the null value of a LONG column.
	NullLong int64 = math.MinInt64
	// NullInt is the null value of an INT key, such as the key of a null
	// symbol.
	NullInt int32 = math.MinInt32
)

// NullDouble returns the null value of a DOUBLE column. Any NaN is treated
// as null.
func NullDouble() float64 {
	return math.NaN()
}

// Batch is a set of rows stored column-wise. Keys holds the group key of
// every row. Longs and Doubles hold value columns, each either nil or of the
// same length as Keys. A nil column is absent from this batch, as happens
// when a column was added to a table after some of its rows were written:
// functions reading it only register the batch's keys.
type Batch struct {
	Keys    []int32
	Longs   [][]int64
	Doubles [][]float64
}

// Len returns the number of rows.
func (b *Batch) Len() int {
	return len(b.Keys)
}

// Slice returns the rows [lo, hi) of the batch. The result shares memory with
// b.
func (b *Batch) Slice(lo, hi int) *Batch {
	s := &Batch{
		Keys:    b.Keys[lo:hi],
		Longs:   make([][]int64, len(b.Longs)),
		Doubles: make([][]float64, len(b.Doubles)),
	}
	for i, c := range b.Longs {
		if c != nil {
			s.Longs[i] = c[lo:hi]
		}
	}
	for i, c := range b.Doubles {
		if c != nil {
			s.Doubles[i] = c[lo:hi]
		}
	}
	return s
}

// Validate checks that every present value column has one value per key.
func (b *Batch) Validate() error {
	for i, c := range b.Longs {
		if c != nil && len(c) != len(b.Keys) {
			return errors.Newf("aggregate: long column %d has %d values for %d keys", i, len(c), len(b.Keys))
		}
	}
	for i, c := range b.Doubles {
		if c != nil && len(c) != len(b.Keys) {
			return errors.Newf("aggregate: double column %d has %d values for %d keys", i, len(c), len(b.Keys))
		}
	}
	return nil
}

const microsPerHour = 3_600_000_000

// HourKeys derives hour-of-day keys (0-23) from UTC timestamps in
// microseconds, appending them to dst. Null timestamps get the NullInt key.
func HourKeys(dst []int32, timestamps []int64) []int32 {
	for _, ts := range timestamps {
		if ts == NullLong {
			dst = append(dst, NullInt)
			continue
		}
		h := (ts / microsPerHour) % 24
		if ts%microsPerHour < 0 {
			h--
		}
		if h < 0 {
			h += 24
		}
		dst = append(dst, int32(h))
	}
	return dst
}
