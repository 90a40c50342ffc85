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

package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/rosti/aggregate"
)

// aggSpec is a parsed --agg flag: name[:column[:long|double]].
type aggSpec struct {
	name   string
	column int
	double bool
}

func parseAggSpec(s string) (aggSpec, error) {
	parts := strings.Split(s, ":")
	spec := aggSpec{name: strings.ToLower(parts[0]), column: -1}
	if spec.name == "count" {
		if len(parts) != 1 {
			return aggSpec{}, errors.Newf("agg %q: count takes no column", s)
		}
		return spec, nil
	}
	if len(parts) < 2 || len(parts) > 3 {
		return aggSpec{}, errors.Newf("agg %q: expected name:column[:long|double]", s)
	}
	switch spec.name {
	case "sum", "min", "max", "avg":
	default:
		return aggSpec{}, errors.Newf("agg %q: unknown function %q", s, spec.name)
	}
	c, err := strconv.Atoi(parts[1])
	if err != nil || c < 0 {
		return aggSpec{}, errors.Newf("agg %q: invalid column %q", s, parts[1])
	}
	spec.column = c
	if len(parts) == 3 {
		switch parts[2] {
		case "double":
			spec.double = true
		case "long":
		default:
			return aggSpec{}, errors.Newf("agg %q: unknown column type %q", s, parts[2])
		}
	}
	return spec, nil
}

// plan maps the CSV columns referenced by the aggregations to batch columns.
type plan struct {
	funcs []aggregate.Func
	// names are the --agg specs, used as output column names.
	names []string
	// longCols[i] and doubleCols[i] are the CSV columns loaded into
	// Batch.Longs[i] and Batch.Doubles[i].
	longCols   []int
	doubleCols []int
}

func newPlan(specs []string) (*plan, error) {
	p := &plan{}
	longIdx := make(map[int]int)
	doubleIdx := make(map[int]int)
	for _, s := range specs {
		spec, err := parseAggSpec(s)
		if err != nil {
			return nil, err
		}
		p.names = append(p.names, s)
		if spec.name == "count" {
			p.funcs = append(p.funcs, aggregate.Count())
			continue
		}
		var idx int
		var ok bool
		if spec.double {
			if idx, ok = doubleIdx[spec.column]; !ok {
				idx = len(p.doubleCols)
				doubleIdx[spec.column] = idx
				p.doubleCols = append(p.doubleCols, spec.column)
			}
		} else if idx, ok = longIdx[spec.column]; !ok {
			idx = len(p.longCols)
			longIdx[spec.column] = idx
			p.longCols = append(p.longCols, spec.column)
		}
		p.funcs = append(p.funcs, newFunc(spec.name, idx, spec.double))
	}
	return p, nil
}

func newFunc(name string, idx int, double bool) aggregate.Func {
	switch {
	case name == "sum" && double:
		return aggregate.SumDouble(idx)
	case name == "sum":
		return aggregate.SumLong(idx)
	case name == "min" && double:
		return aggregate.MinDouble(idx)
	case name == "min":
		return aggregate.MinLong(idx)
	case name == "max" && double:
		return aggregate.MaxDouble(idx)
	case name == "max":
		return aggregate.MaxLong(idx)
	case double:
		return aggregate.AvgDouble(idx)
	default:
		return aggregate.AvgLong(idx)
	}
}

// readOptions control how CSV records become a batch.
type readOptions struct {
	keyColumn int
	header    bool
	// hourKey treats the key column as a timestamp in microseconds and
	// groups by its hour of day.
	hourKey bool
}

// readBatch reads all records of r into a batch. Empty fields are null.
func (p *plan) readBatch(r io.Reader, opts readOptions) (*aggregate.Batch, []string, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true
	cr.FieldsPerRecord = -1

	b := &aggregate.Batch{
		Longs:   make([][]int64, len(p.longCols)),
		Doubles: make([][]float64, len(p.doubleCols)),
	}
	var header []string
	var timestamps []int64
	for line := 1; ; line++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, errors.Wrap(err, "reading csv")
		}
		if line == 1 && opts.header {
			header = append([]string(nil), record...)
			continue
		}
		field := func(c int) (string, error) {
			if c >= len(record) {
				return "", errors.Newf("line %d: no column %d in %d fields", line, c, len(record))
			}
			return strings.TrimSpace(record[c]), nil
		}

		f, err := field(opts.keyColumn)
		if err != nil {
			return nil, nil, err
		}
		if opts.hourKey {
			ts, err := parseLong(f)
			if err != nil {
				return nil, nil, errors.Wrapf(err, "line %d: key", line)
			}
			timestamps = append(timestamps, ts)
		} else {
			k, err := parseInt(f)
			if err != nil {
				return nil, nil, errors.Wrapf(err, "line %d: key", line)
			}
			b.Keys = append(b.Keys, k)
		}

		for i, c := range p.longCols {
			f, err := field(c)
			if err != nil {
				return nil, nil, err
			}
			v, err := parseLong(f)
			if err != nil {
				return nil, nil, errors.Wrapf(err, "line %d: column %d", line, c)
			}
			b.Longs[i] = append(b.Longs[i], v)
		}
		for i, c := range p.doubleCols {
			f, err := field(c)
			if err != nil {
				return nil, nil, err
			}
			v, err := parseDouble(f)
			if err != nil {
				return nil, nil, errors.Wrapf(err, "line %d: column %d", line, c)
			}
			b.Doubles[i] = append(b.Doubles[i], v)
		}
	}
	if opts.hourKey {
		b.Keys = aggregate.HourKeys(make([]int32, 0, len(timestamps)), timestamps)
	}
	// Value columns of an empty input must still be present.
	for i := range b.Longs {
		if b.Longs[i] == nil {
			b.Longs[i] = []int64{}
		}
	}
	for i := range b.Doubles {
		if b.Doubles[i] == nil {
			b.Doubles[i] = []float64{}
		}
	}
	return b, header, nil
}

func parseInt(s string) (int32, error) {
	if s == "" {
		return aggregate.NullInt, nil
	}
	v, err := strconv.ParseInt(s, 10, 32)
	return int32(v), errors.WithStack(err)
}

func parseLong(s string) (int64, error) {
	if s == "" {
		return aggregate.NullLong, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	return v, errors.WithStack(err)
}

func parseDouble(s string) (float64, error) {
	if s == "" {
		return math.NaN(), nil
	}
	v, err := strconv.ParseFloat(s, 64)
	return v, errors.WithStack(err)
}

func formatKey(k int32) string {
	if k == aggregate.NullInt {
		return ""
	}
	return strconv.FormatInt(int64(k), 10)
}

func writeRows(w io.Writer, format string, header []string, rows []aggregate.Row) error {
	switch format {
	case "csv":
		cw := csv.NewWriter(w)
		if err := cw.Write(header); err != nil {
			return errors.WithStack(err)
		}
		record := make([]string, len(header))
		for _, r := range rows {
			record[0] = formatKey(r.Key)
			for i, v := range r.Values {
				record[i+1] = v.String()
			}
			if err := cw.Write(record); err != nil {
				return errors.WithStack(err)
			}
		}
		cw.Flush()
		return errors.WithStack(cw.Error())

	case "table":
		tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
		fmt.Fprintln(tw, strings.Join(header, "\t"))
		for _, r := range rows {
			fmt.Fprint(tw, formatKey(r.Key))
			for _, v := range r.Values {
				fmt.Fprint(tw, "\t", v.String())
			}
			fmt.Fprintln(tw)
		}
		return errors.WithStack(tw.Flush())

	default:
		return errors.Newf("unknown format %q", format)
	}
}
