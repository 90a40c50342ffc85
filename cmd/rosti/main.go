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

// Command rosti runs keyed aggregations over CSV files or generated data.
package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := newRootCommand(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "rosti: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// env is the process configuration shared by the subcommands. It is
// populated before a subcommand runs.
type env struct {
	v      *viper.Viper
	logger *zap.Logger
	stdout io.Writer
	stderr io.Writer
}

func defaultConfigPath() string {
	path := filepath.Join(".rosti", "config.yaml")
	home, err := homedir.Dir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, path)
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	e := &env{v: viper.New(), logger: zap.NewNop(), stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:           "rosti",
		Short:         "Keyed aggregation over int32 keys",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return e.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = e.logger.Sync()
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.String("config", defaultConfigPath(), "config file")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Bool("dev", false, "human-readable development logging")

	root.AddCommand(
		newAggregateCommand(e),
		newGenerateCommand(e),
		newBenchCommand(e),
	)
	return root
}

// setup binds the command's flags, the ROSTI_ environment and the config
// file into viper, then builds the logger.
func (e *env) setup(cmd *cobra.Command) error {
	if err := e.v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	e.v.SetEnvPrefix("rosti")
	e.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	e.v.AutomaticEnv()

	if path := e.v.GetString("config"); path != "" {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return errors.Wrapf(err, "config %s", path)
		}
		e.v.SetConfigFile(expanded)
		if err := e.v.ReadInConfig(); err != nil {
			// The default config file is optional.
			if !errors.Is(err, fs.ErrNotExist) || cmd.Flags().Changed("config") {
				return errors.Wrapf(err, "reading config %s", expanded)
			}
		}
	}

	logger, err := newLogger(e.v.GetString("log-level"), e.v.GetBool("dev"), e.stderr)
	if err != nil {
		return err
	}
	e.logger = logger
	return nil
}

func newLogger(level string, dev bool, w io.Writer) (*zap.Logger, error) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return nil, errors.Wrapf(err, "log level %q", level)
	}
	encoderConfig := zap.NewProductionEncoderConfig()
	encoder := zapcore.NewJSONEncoder(encoderConfig)
	if dev {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}
	core := zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(w)), l)
	return zap.New(core), nil
}
