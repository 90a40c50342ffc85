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
	"io"
	"strconv"
	"testing"

	"github.com/aclements/go-perfevent/perfbench"
)

func BenchmarkIter(b *testing.B) {
	b.Run("impl=runtimeMap", benchSizes(benchmarkRuntimeMapIter))
	b.Run("impl=rosti", benchSizes(benchmarkTableIter))
}

func BenchmarkGetHit(b *testing.B) {
	b.Run("impl=runtimeMap", benchSizes(benchmarkRuntimeMapGetHit))
	b.Run("impl=rosti", benchSizes(benchmarkTableGetHit))
}

func BenchmarkGetMiss(b *testing.B) {
	b.Run("impl=runtimeMap", benchSizes(benchmarkRuntimeMapGetMiss))
	b.Run("impl=rosti", benchSizes(benchmarkTableGetMiss))
}

func BenchmarkAccumulate(b *testing.B) {
	b.Run("impl=runtimeMap", benchSizes(benchmarkRuntimeMapAccumulate))
	b.Run("impl=rosti/hash=default", benchSizes(func(b *testing.B, n int) {
		benchmarkTableAccumulate(b, n)
	}))
	b.Run("impl=rosti/hash=xxhash", benchSizes(func(b *testing.B, n int) {
		benchmarkTableAccumulate(b, n, WithHash(HashXX))
	}))
}

func BenchmarkPutGrow(b *testing.B) {
	b.Run("impl=runtimeMap", benchSizes(benchmarkRuntimeMapPutGrow))
	b.Run("impl=rosti", benchSizes(benchmarkTablePutGrow))
}

func BenchmarkPutPreAllocate(b *testing.B) {
	b.Run("impl=runtimeMap", benchSizes(benchmarkRuntimeMapPutPreAllocate))
	b.Run("impl=rosti", benchSizes(benchmarkTablePutPreAllocate))
}

func BenchmarkPutReuse(b *testing.B) {
	b.Run("impl=runtimeMap", benchSizes(benchmarkRuntimeMapPutReuse))
	b.Run("impl=rosti", benchSizes(benchmarkTablePutReuse))
}

func benchSizes(f func(b *testing.B, n int)) func(*testing.B) {
	var cases = []int{
		6, 12, 18, 24, 30,
		64,
		128,
		256,
		512,
		1024,
		2048,
		4096,
		8192,
		1 << 16,
	}

	return func(b *testing.B) {
		for _, n := range cases {
			b.Run("len="+strconv.Itoa(n), func(b *testing.B) {
				perfbench.Open(b)
				f(b, n)
			})
		}
	}
}

func genKeys(start, end int) []int32 {
	keys := make([]int32, end-start)
	for i := range keys {
		keys[i] = int32(start + i)
	}
	return keys
}

func newBenchTable(b *testing.B, n int, options ...Option) *Table {
	t, err := New(sumLayout, n, options...)
	if err != nil {
		b.Fatal(err)
	}
	return t
}

func fill(b *testing.B, t *Table, keys []int32) {
	for _, k := range keys {
		if _, _, err := t.FindOrInsert(k); err != nil {
			b.Fatal(err)
		}
	}
}

func benchmarkRuntimeMapIter(b *testing.B, n int) {
	m := make(map[int32]int64, n)
	for _, k := range genKeys(0, n) {
		m[k] = int64(k)
	}
	b.ResetTimer()
	var tmp int64
	for i := 0; i < b.N; i++ {
		for k, v := range m {
			tmp += int64(k) + v
		}
	}
	b.StopTimer()
	fmt.Fprint(io.Discard, tmp)
}

func benchmarkTableIter(b *testing.B, n int) {
	t := newBenchTable(b, n)
	fill(b, t, genKeys(0, n))
	b.ResetTimer()
	var tmp int64
	for i := 0; i < b.N; i++ {
		t.All(func(slot int) bool {
			tmp += int64(t.Key(slot)) + t.Int64(slot, 1)
			return true
		})
	}
	b.StopTimer()
	fmt.Fprint(io.Discard, tmp)
}

func benchmarkRuntimeMapGetMiss(b *testing.B, n int) {
	m := make(map[int32]int64)
	miss := genKeys(-n, 0)
	for _, k := range genKeys(0, n) {
		m[k] = int64(k)
	}
	b.ResetTimer()
	var ok bool
	for i := 0; i < b.N; i++ {
		_, ok = m[miss[i%len(miss)]]
	}
	b.StopTimer()
	fmt.Fprint(io.Discard, ok)
}

func benchmarkTableGetMiss(b *testing.B, n int) {
	t := newBenchTable(b, 0)
	miss := genKeys(-n, 0)
	fill(b, t, genKeys(0, n))
	b.ResetTimer()
	var ok bool
	for i := 0; i < b.N; i++ {
		_, ok = t.Find(miss[i%len(miss)])
	}
	b.StopTimer()
	fmt.Fprint(io.Discard, ok)
}

func benchmarkRuntimeMapGetHit(b *testing.B, n int) {
	m := make(map[int32]int64, n)
	keys := genKeys(0, n)
	for _, k := range keys {
		m[k] = int64(k)
	}
	b.ResetTimer()
	var ok bool
	for i := 0; i < b.N; i++ {
		_, ok = m[keys[i%n]]
	}
	b.StopTimer()
	fmt.Fprint(io.Discard, ok)
}

func benchmarkTableGetHit(b *testing.B, n int) {
	t := newBenchTable(b, n)
	keys := genKeys(0, n)
	fill(b, t, keys)
	b.ResetTimer()
	var ok bool
	for i := 0; i < b.N; i++ {
		_, ok = t.Find(keys[i%n])
	}
	b.StopTimer()
	fmt.Fprint(io.Discard, ok)
}

func benchmarkRuntimeMapAccumulate(b *testing.B, n int) {
	m := make(map[int32]int64, n)
	keys := genKeys(0, n)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m[keys[i%n]] += int64(i)
	}
}

func benchmarkTableAccumulate(b *testing.B, n int, options ...Option) {
	t := newBenchTable(b, n, options...)
	keys := genKeys(0, n)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		slot, _, err := t.FindOrInsert(keys[i%n])
		if err != nil {
			b.Fatal(err)
		}
		t.PutInt64(slot, 1, t.Int64(slot, 1)+int64(i))
	}
}

func benchmarkRuntimeMapPutGrow(b *testing.B, n int) {
	keys := genKeys(0, n)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m := make(map[int32]int64)
		for _, k := range keys {
			m[k] = int64(k)
		}
	}
}

func benchmarkTablePutGrow(b *testing.B, n int) {
	keys := genKeys(0, n)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		fill(b, newBenchTable(b, 0), keys)
	}
}

func benchmarkRuntimeMapPutPreAllocate(b *testing.B, n int) {
	keys := genKeys(0, n)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m := make(map[int32]int64, n)
		for _, k := range keys {
			m[k] = int64(k)
		}
	}
}

func benchmarkTablePutPreAllocate(b *testing.B, n int) {
	keys := genKeys(0, n)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		// Leave room for the load factor so that no growth happens.
		fill(b, newBenchTable(b, n+n/7+1), keys)
	}
}

func benchmarkRuntimeMapPutReuse(b *testing.B, n int) {
	m := make(map[int32]int64, n)
	keys := genKeys(0, n)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for _, k := range keys {
			m[k] = int64(k)
		}
		clear(m)
	}
}

func benchmarkTablePutReuse(b *testing.B, n int) {
	t := newBenchTable(b, n+n/7+1)
	keys := genKeys(0, n)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		fill(b, t, keys)
		t.Clear()
	}
}
