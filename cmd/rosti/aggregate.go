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
	"io"
	"os"
	"runtime"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/rosti"
	"github.com/cockroachdb/rosti/aggregate"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func newAggregateCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Aggregate the rows of a CSV file by an integer key column",
		Example: `  rosti aggregate --input trades.csv --key-column 0 --agg count --agg sum:1 --agg avg:2:double
  ROSTI_WORKERS=8 rosti aggregate --input - --hour-key < events.csv`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.runAggregate(cmd)
		},
	}
	flags := cmd.Flags()
	flags.String("input", "-", "CSV input file, - for stdin")
	flags.Int("key-column", 0, "index of the key column")
	flags.Bool("hour-key", false, "treat the key column as a timestamp in microseconds and group by hour of day")
	flags.Bool("header", true, "the first record is a header")
	flags.StringArray("agg", []string{"count"}, "aggregation: count or sum|min|max|avg:column[:long|double]")
	flags.String("format", "csv", "output format (csv, table)")
	addTableFlags(flags)
	return cmd
}

// addTableFlags adds the flags shared by the commands that build tables.
func addTableFlags(flags *pflag.FlagSet) {
	flags.Int("workers", runtime.GOMAXPROCS(0), "number of aggregation workers")
	flags.Int("capacity", 0, "initial table capacity per worker")
	flags.String("hash", "default", "key hash function (default, xxhash)")
	flags.Int64("memory-limit", 0, "maximum bytes held by all tables, 0 for no limit")
}

// tableOptions builds the table options selected by the shared flags.
func (e *env) tableOptions() ([]rosti.Option, error) {
	options := []rosti.Option{rosti.WithLogger(e.logger)}
	switch h := e.v.GetString("hash"); h {
	case "default", "":
	case "xxhash":
		options = append(options, rosti.WithHash(rosti.HashXX))
	default:
		return nil, errors.Newf("unknown hash %q", h)
	}
	if limit := e.v.GetInt64("memory-limit"); limit > 0 {
		options = append(options, rosti.WithAllocator(rosti.NewBudgetAllocator(limit)))
	}
	return options, nil
}

func (e *env) openInput(name string) (io.ReadCloser, error) {
	if name == "-" || name == "" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(name)
	return f, errors.WithStack(err)
}

func (e *env) runAggregate(cmd *cobra.Command) error {
	p, err := newPlan(e.v.GetStringSlice("agg"))
	if err != nil {
		return err
	}
	options, err := e.tableOptions()
	if err != nil {
		return err
	}

	in, err := e.openInput(e.v.GetString("input"))
	if err != nil {
		return err
	}
	defer in.Close()

	start := time.Now()
	keyColumn := e.v.GetInt("key-column")
	b, header, err := p.readBatch(in, readOptions{
		keyColumn: keyColumn,
		header:    e.v.GetBool("header"),
		hourKey:   e.v.GetBool("hour-key"),
	})
	if err != nil {
		return err
	}
	e.logger.Debug("read input", zap.Int("rows", b.Len()), zap.Duration("elapsed", time.Since(start)))

	start = time.Now()
	k, err := aggregate.Parallel(cmd.Context(), p.funcs, b, e.v.GetInt("workers"), e.v.GetInt("capacity"), options...)
	if err != nil {
		return err
	}
	defer k.Close()
	e.logger.Info("aggregated",
		zap.Int("rows", b.Len()),
		zap.Int("keys", k.Len()),
		zap.Int("capacity", k.Table().Capacity()),
		zap.Duration("elapsed", time.Since(start)))

	keyName := "key"
	if e.v.GetBool("hour-key") {
		keyName = "hour"
	}
	if keyColumn < len(header) {
		keyName = header[keyColumn]
	}
	return writeRows(e.stdout, e.v.GetString("format"), append([]string{keyName}, p.names...), k.Rows())
}
