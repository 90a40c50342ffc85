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
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/rosti"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCommand(&stdout, &stderr)
	cmd.SetArgs(append([]string{args[0], "--config", ""}, args[1:]...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func readCSV(t *testing.T, s string) [][]string {
	t.Helper()
	records, err := csv.NewReader(strings.NewReader(s)).ReadAll()
	require.NoError(t, err)
	return records
}

const tradesCSV = `sym,qty,price
1,10,2.5
2,5,1
1,,3.5
3,7,
2,-1,4
,4,4
`

func TestAggregate(t *testing.T) {
	input := writeFile(t, "trades.csv", tradesCSV)
	stdout, _, err := run(t, "aggregate", "--input", input,
		"--agg", "count", "--agg", "sum:1", "--agg", "min:1", "--agg", "max:2:double", "--agg", "avg:2:double",
		"--workers", "2")
	require.NoError(t, err)
	require.Equal(t, [][]string{
		{"sym", "count", "sum:1", "min:1", "max:2:double", "avg:2:double"},
		{"", "1", "4", "4", "4", "4"},
		{"1", "2", "10", "10", "3.5", "3"},
		{"2", "2", "4", "-1", "4", "2.5"},
		{"3", "1", "7", "7", "", ""},
	}, readCSV(t, stdout))
}

func TestAggregateTable(t *testing.T) {
	input := writeFile(t, "trades.csv", tradesCSV)
	stdout, _, err := run(t, "aggregate", "--input", input, "--format", "table", "--hash", "xxhash")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, 5)
	require.Equal(t, []string{"sym", "count"}, strings.Fields(lines[0]))
	require.Equal(t, []string{"1", "2"}, strings.Fields(lines[2]))
}

func TestAggregateHourKey(t *testing.T) {
	const hour = 3_600_000_000
	input := writeFile(t, "events.csv", strings.Join([]string{
		"0,1",
		strconv.Itoa(hour+5) + ",2",
		strconv.Itoa(25*hour) + ",3",
		strconv.Itoa(23*hour) + ",4",
	}, "\n"))
	stdout, _, err := run(t, "aggregate", "--input", input, "--header=false", "--hour-key",
		"--agg", "sum:1")
	require.NoError(t, err)
	require.Equal(t, [][]string{
		{"hour", "sum:1"},
		{"0", "1"},
		{"1", "5"},
		{"23", "4"},
	}, readCSV(t, stdout))
}

func TestAggregateConfig(t *testing.T) {
	input := writeFile(t, "trades.csv", tradesCSV)
	config := writeFile(t, "rosti.yaml", "input: "+input+"\nagg:\n  - sum:1\nworkers: 1\n")

	var stdout, stderr bytes.Buffer
	cmd := newRootCommand(&stdout, &stderr)
	cmd.SetArgs([]string{"aggregate", "--config", config})
	require.NoError(t, cmd.Execute())
	require.Equal(t, []string{"sym", "sum:1"}, readCSV(t, stdout.String())[0])

	// Flags take precedence over the config file, the environment over
	// flag defaults.
	t.Setenv("ROSTI_FORMAT", "table")
	stdout.Reset()
	cmd = newRootCommand(&stdout, &stderr)
	cmd.SetArgs([]string{"aggregate", "--config", config, "--agg", "count"})
	require.NoError(t, cmd.Execute())
	require.Equal(t, []string{"sym", "count"}, strings.Fields(strings.Split(stdout.String(), "\n")[0]))

	cmd = newRootCommand(&stdout, &stderr)
	cmd.SetArgs([]string{"aggregate", "--config", filepath.Join(t.TempDir(), "missing.yaml")})
	require.ErrorContains(t, cmd.Execute(), "reading config")
}

func TestAggregateErrors(t *testing.T) {
	input := writeFile(t, "trades.csv", tradesCSV)
	testCases := []struct {
		args []string
		msg  string
	}{
		{[]string{"--agg", "median:1"}, `unknown function "median"`},
		{[]string{"--agg", "sum"}, "expected name:column[:long|double]"},
		{[]string{"--agg", "sum:x"}, `invalid column "x"`},
		{[]string{"--agg", "sum:1:text"}, `unknown column type "text"`},
		{[]string{"--agg", "count:1"}, "count takes no column"},
		{[]string{"--agg", "sum:9"}, "no column 9"},
		{[]string{"--agg", "sum:2"}, "line 2: column 2"},
		{[]string{"--hash", "md5"}, `unknown hash "md5"`},
		{[]string{"--format", "xml"}, `unknown format "xml"`},
		{[]string{"--log-level", "loud"}, `log level "loud"`},
		{[]string{"--header=false"}, "line 1: key"},
		{[]string{"--input", filepath.Join(t.TempDir(), "missing.csv")}, "no such file"},
	}
	for _, c := range testCases {
		t.Run(c.msg, func(t *testing.T) {
			_, _, err := run(t, append([]string{"aggregate", "--input", input}, c.args...)...)
			require.ErrorContains(t, err, c.msg)
		})
	}
}

func TestAggregateMemoryLimit(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("k\n")
	for i := 0; i < 1000; i++ {
		sb.WriteString(strconv.Itoa(i) + "\n")
	}
	input := writeFile(t, "keys.csv", sb.String())

	_, stderr, err := run(t, "aggregate", "--input", input, "--workers", "1", "--memory-limit", "1024")
	require.True(t, errors.Is(err, rosti.ErrAllocationFailed), err)
	require.Contains(t, stderr, "rosti: growth failed")

	stdout, _, err := run(t, "aggregate", "--input", input, "--workers", "1", "--memory-limit", "1000000")
	require.NoError(t, err)
	require.Len(t, readCSV(t, stdout), 1001)
}

func TestGenerate(t *testing.T) {
	out := filepath.Join(t.TempDir(), "data.csv")
	_, stderr, err := run(t, "generate", "--rows", "5000", "--keys", "10", "--seed", "7",
		"--null-rate", "0.1", "--out", out, "--dev", "--log-level", "debug")
	require.NoError(t, err)
	require.Contains(t, stderr, "generated")

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	records := readCSV(t, string(data))
	require.Len(t, records, 5001)
	require.Equal(t, []string{"key", "long", "double"}, records[0])
	var nulls int
	for _, r := range records[1:] {
		k, err := strconv.Atoi(r[0])
		require.NoError(t, err)
		require.True(t, k >= 0 && k < 10, k)
		if r[1] == "" {
			nulls++
		}
	}
	require.Greater(t, nulls, 0)
	require.Less(t, nulls, 1000)

	// The same seed generates the same data.
	stdout, _, err := run(t, "generate", "--rows", "5000", "--keys", "10", "--seed", "7", "--null-rate", "0.1")
	require.NoError(t, err)
	require.Equal(t, string(data), stdout)

	// Aggregating the generated file finds every key and row.
	stdout, _, err = run(t, "aggregate", "--input", out, "--agg", "count", "--agg", "avg:2:double")
	require.NoError(t, err)
	records = readCSV(t, stdout)
	require.Len(t, records, 11)
	var total int
	for _, r := range records[1:] {
		n, err := strconv.Atoi(r[1])
		require.NoError(t, err)
		total += n
	}
	require.Equal(t, 5000, total)

	_, _, err = run(t, "generate", "--keys", "0")
	require.ErrorContains(t, err, "invalid data shape")
}

func TestBench(t *testing.T) {
	stdout, _, err := run(t, "bench", "--rows", "20000", "--keys", "100", "--workers", "3", "--runs", "2",
		"--seed", "1")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, 3)
	require.Equal(t, "run", strings.Fields(lines[0])[0])
	fields := strings.Fields(lines[1])
	require.Equal(t, []string{"1", "20000", "3", "100"}, fields[:4])
}
