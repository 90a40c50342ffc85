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
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/rosti/aggregate"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newBenchCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Aggregate generated data in memory and report throughput",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.runBench(cmd)
		},
	}
	addDataFlags(cmd.Flags())
	addTableFlags(cmd.Flags())
	cmd.Flags().Int("runs", 3, "number of timed runs")
	return cmd
}

func (e *env) runBench(cmd *cobra.Command) error {
	options, err := e.tableOptions()
	if err != nil {
		return err
	}
	b, err := generateBatch(newRNG(e.v.GetUint64("seed")), e.v.GetInt("rows"), e.v.GetInt("keys"),
		e.v.GetFloat64("null-rate"))
	if err != nil {
		return err
	}
	funcs := []aggregate.Func{aggregate.Count(), aggregate.SumLong(0), aggregate.AvgDouble(0)}
	workers := e.v.GetInt("workers")

	tw := tabwriter.NewWriter(e.stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "run\trows\tworkers\tkeys\tcapacity\tgrows\telapsed\trows/sec")
	for run := 1; run <= max(1, e.v.GetInt("runs")); run++ {
		start := time.Now()
		k, err := aggregate.Parallel(cmd.Context(), funcs, b, workers, e.v.GetInt("capacity"), options...)
		if err != nil {
			return err
		}
		elapsed := time.Since(start)
		stats := k.Table().Stats()
		k.Close()

		rate := float64(b.Len()) / elapsed.Seconds()
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%d\t%s\t%.0f\n",
			run, b.Len(), workers, stats.Len, stats.Capacity, stats.Grows, elapsed.Round(time.Microsecond), rate)
		e.logger.Debug("bench run",
			zap.Int("run", run),
			zap.Duration("elapsed", elapsed),
			zap.Int("slot_size", stats.SlotSize),
			zap.Int("slot_bytes", stats.SlotBytes))
	}
	return tw.Flush()
}
