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
	"bufio"
	"encoding/binary"
	"math"
	"os"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/rosti/aggregate"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"lukechampine.com/frand"
)

func newGenerateCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Write random key,long,double rows as CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.runGenerate()
		},
	}
	addDataFlags(cmd.Flags())
	cmd.Flags().String("out", "-", "output file, - for stdout")
	return cmd
}

// addDataFlags adds the flags describing generated data.
func addDataFlags(flags *pflag.FlagSet) {
	flags.Int("rows", 1_000_000, "number of rows")
	flags.Int("keys", 1000, "number of distinct keys")
	flags.Float64("null-rate", 0, "fraction of null values")
	flags.Uint64("seed", 0, "random seed, 0 for a random one")
}

// newRNG returns a generator seeded from seed, or from the system entropy
// source if seed is 0.
func newRNG(seed uint64) *frand.RNG {
	if seed == 0 {
		return frand.New()
	}
	var s [32]byte
	binary.LittleEndian.PutUint64(s[:], seed)
	return frand.NewCustom(s[:], 1024, 12)
}

// generateBatch returns rows with keys uniform in [0, keys), a LONG column in
// [-1000, 1000) and a DOUBLE column in [0, 100).
func generateBatch(rng *frand.RNG, rows, keys int, nullRate float64) (*aggregate.Batch, error) {
	if rows < 0 || keys <= 0 || int64(keys) > 1<<31 {
		return nil, errors.Newf("invalid data shape: %d rows, %d keys", rows, keys)
	}
	b := &aggregate.Batch{
		Keys:    make([]int32, rows),
		Longs:   [][]int64{make([]int64, rows)},
		Doubles: [][]float64{make([]float64, rows)},
	}
	for i := 0; i < rows; i++ {
		b.Keys[i] = int32(rng.Intn(keys))
		b.Longs[0][i] = int64(rng.Intn(2000)) - 1000
		if nullRate > 0 && rng.Float64() < nullRate {
			b.Longs[0][i] = aggregate.NullLong
		}
		b.Doubles[0][i] = rng.Float64() * 100
		if nullRate > 0 && rng.Float64() < nullRate {
			b.Doubles[0][i] = aggregate.NullDouble()
		}
	}
	return b, nil
}

func (e *env) runGenerate() error {
	rows, keys := e.v.GetInt("rows"), e.v.GetInt("keys")
	b, err := generateBatch(newRNG(e.v.GetUint64("seed")), rows, keys, e.v.GetFloat64("null-rate"))
	if err != nil {
		return err
	}

	out := e.stdout
	if name := e.v.GetString("out"); name != "-" && name != "" {
		f, err := os.Create(name)
		if err != nil {
			return errors.WithStack(err)
		}
		defer f.Close()
		out = f
	}
	w := bufio.NewWriter(out)
	w.WriteString("key,long,double\n")
	var buf []byte
	for i := range b.Keys {
		buf = strconv.AppendInt(buf[:0], int64(b.Keys[i]), 10)
		buf = append(buf, ',')
		if v := b.Longs[0][i]; v != aggregate.NullLong {
			buf = strconv.AppendInt(buf, v, 10)
		}
		buf = append(buf, ',')
		if v := b.Doubles[0][i]; !math.IsNaN(v) {
			buf = strconv.AppendFloat(buf, v, 'g', -1, 64)
		}
		buf = append(buf, '\n')
		w.Write(buf)
	}
	if err := w.Flush(); err != nil {
		return errors.WithStack(err)
	}
	e.logger.Info("generated", zap.Int("rows", rows), zap.Int("keys", keys))
	return nil
}
