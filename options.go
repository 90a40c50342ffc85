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
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

var (
	// ErrAllocationFailed marks every error caused by a failure to obtain
	// the control or slot buffers, either in New or in the insert that
	// triggered growth. The table is unusable for that insert; the caller
	// should abort the query.
	ErrAllocationFailed = errors.New("rosti: allocation failed")

	// ErrBudgetExceeded marks allocation failures caused by a
	// BudgetAllocator running out of budget.
	ErrBudgetExceeded = errors.New("rosti: memory budget exceeded")

	// ErrInvalidLayout marks errors in the column types given to NewLayout.
	ErrInvalidLayout = errors.New("rosti: invalid layout")
)

// Option configures a Table while it is being created.
type Option interface {
	apply(t *Table)
}

type hashOption struct {
	hash HashFunc
}

func (op hashOption) apply(t *Table) {
	t.hash = op.hash
}

// WithHash is an option to specify the key hash function. The default hash
// is fast for dense key domains; HashXX is a stronger alternative.
func WithHash(hash HashFunc) Option {
	return hashOption{hash}
}

type loggerOption struct {
	logger *zap.Logger
}

func (op loggerOption) apply(t *Table) {
	t.logger = op.logger
}

// WithLogger is an option to specify the logger used to report growth and
// allocation failures. The default logger discards everything.
func WithLogger(logger *zap.Logger) Option {
	return loggerOption{logger}
}

// Allocator specifies an interface for allocating and releasing the memory
// used by a Table. The default allocator utilizes Go's builtin make() and
// allows the GC to reclaim memory.
//
// If the allocator is manually managing memory and requires that slots and
// controls be freed then Table.Close must be called in order to ensure
// FreeSlots and FreeControls are called.
type Allocator interface {
	// AllocControls should return a slice equivalent to make([]uint8, n),
	// or an error if the memory cannot be obtained.
	AllocControls(n int) ([]uint8, error)

	// AllocSlots should return a slice equivalent to make([]byte, n), or
	// an error if the memory cannot be obtained. The contents need not be
	// zeroed.
	AllocSlots(n int) ([]byte, error)

	// FreeControls can optionally release the memory associated with the
	// supplied slice that is guaranteed to have been allocated by
	// AllocControls.
	FreeControls(v []uint8)

	// FreeSlots can optionally release the memory associated with the
	// supplied slice that is guaranteed to have been allocated by
	// AllocSlots.
	FreeSlots(v []byte)
}

// maxAllocSize bounds a single buffer. Larger requests fail rather than
// reaching make, which would abort the process.
const maxAllocSize int64 = 1 << 36

type defaultAllocator struct{}

func (defaultAllocator) AllocControls(n int) ([]uint8, error) {
	if n < 0 || int64(n) > maxAllocSize {
		return nil, errors.Newf("control buffer of %d bytes exceeds the %d byte limit", n, maxAllocSize)
	}
	return make([]uint8, n), nil
}

func (defaultAllocator) AllocSlots(n int) ([]byte, error) {
	if n < 0 || int64(n) > maxAllocSize {
		return nil, errors.Newf("slot buffer of %d bytes exceeds the %d byte limit", n, maxAllocSize)
	}
	return make([]byte, n), nil
}

func (defaultAllocator) FreeControls(v []uint8) {
}

func (defaultAllocator) FreeSlots(v []byte) {
}

type allocatorOption struct {
	allocator Allocator
}

func (op allocatorOption) apply(t *Table) {
	t.allocator = op.allocator
}

// WithAllocator is an option to specify the Allocator to use for a Table.
func WithAllocator(allocator Allocator) Option {
	return allocatorOption{allocator}
}

// BudgetAllocator is an Allocator that refuses allocations which would take
// the outstanding bytes above a fixed limit. It lets a query bound the memory
// its group-by tables consume and turns an oversized table into an ordinary
// error instead of an out-of-memory crash. A BudgetAllocator is safe for
// concurrent use, so the per-worker tables of a parallel aggregation can
// share one budget.
type BudgetAllocator struct {
	limit int64
	next  Allocator

	mu struct {
		sync.Mutex
		used int64
	}
}

// NewBudgetAllocator returns an allocator that hands out at most limit
// outstanding bytes from the heap.
func NewBudgetAllocator(limit int64) *BudgetAllocator {
	return &BudgetAllocator{limit: limit, next: defaultAllocator{}}
}

// Used returns the number of bytes currently allocated.
func (a *BudgetAllocator) Used() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mu.used
}

// Limit returns the budget.
func (a *BudgetAllocator) Limit() int64 {
	return a.limit
}

func (a *BudgetAllocator) reserve(n int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mu.used+int64(n) > a.limit {
		return errors.Mark(
			errors.Newf("allocating %d bytes with %d of %d bytes in use", n, a.mu.used, a.limit),
			ErrBudgetExceeded)
	}
	a.mu.used += int64(n)
	return nil
}

func (a *BudgetAllocator) release(n int) {
	a.mu.Lock()
	a.mu.used -= int64(n)
	a.mu.Unlock()
}

func (a *BudgetAllocator) AllocControls(n int) ([]uint8, error) {
	if err := a.reserve(n); err != nil {
		return nil, err
	}
	v, err := a.next.AllocControls(n)
	if err != nil {
		a.release(n)
	}
	return v, err
}

func (a *BudgetAllocator) AllocSlots(n int) ([]byte, error) {
	if err := a.reserve(n); err != nil {
		return nil, err
	}
	v, err := a.next.AllocSlots(n)
	if err != nil {
		a.release(n)
	}
	return v, err
}

func (a *BudgetAllocator) FreeControls(v []uint8) {
	a.release(len(v))
	a.next.FreeControls(v)
}

func (a *BudgetAllocator) FreeSlots(v []byte) {
	a.release(len(v))
	a.next.FreeSlots(v)
}
