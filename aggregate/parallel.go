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
	"context"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/rosti"
	"golang.org/x/sync/errgroup"
)

// chunkSize is the number of rows a worker aggregates between checks for
// cancellation.
const chunkSize = 1 << 16

// Parallel aggregates b using the given number of workers. The rows are
// split into contiguous ranges, each aggregated into a table of its own on
// its own goroutine; the tables are then merged on the calling goroutine. The
// returned Keyed must be closed by the caller.
func Parallel(
	ctx context.Context, funcs []Func, b *Batch, workers, capacityHint int, options ...rosti.Option,
) (*Keyed, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	workers = max(1, min(workers, b.Len()))

	parts := make([]*Keyed, workers)
	closeAll := func() {
		for _, k := range parts {
			if k != nil {
				k.Close()
			}
		}
	}
	for i := range parts {
		k, err := NewKeyed(funcs, capacityHint, options...)
		if err != nil {
			closeAll()
			return nil, err
		}
		parts[i] = k
	}

	g, ctx := errgroup.WithContext(ctx)
	per := (b.Len() + workers - 1) / workers
	for i := range parts {
		k := parts[i]
		lo, hi := min(i*per, b.Len()), min((i+1)*per, b.Len())
		g.Go(func() error {
			for ; lo < hi; lo += chunkSize {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := k.Aggregate(b.Slice(lo, min(lo+chunkSize, hi))); err != nil {
					return errors.Wrapf(err, "aggregate: worker %d", i)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		closeAll()
		return nil, err
	}

	for _, k := range parts[1:] {
		if err := parts[0].Merge(k); err != nil {
			closeAll()
			return nil, err
		}
	}
	for _, k := range parts[1:] {
		k.Close()
	}
	return parts[0], nil
}
