// Copyright 2025 Memoros Authors
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

// Command memoros runs the memory server.
//
// Usage:
//
//	memoros serve --config memoros.yaml
//	memoros worker --config memoros.yaml
//	memoros migrate --config memoros.yaml
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/memoros-io/memoros/pkg/config"
	"github.com/memoros-io/memoros/pkg/logger"
	"github.com/memoros-io/memoros/pkg/store"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" help:"Start the API server with embedded workers."`
	Worker  WorkerCmd  `cmd:"" help:"Run the pipeline workers without the API server."`
	Migrate MigrateCmd `cmd:"" help:"Apply the database schema."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("memoros %s\n", version)
	return nil
}

// MigrateCmd applies the schema to the configured database.
type MigrateCmd struct{}

func (c *MigrateCmd) Run(cli *CLI) error {
	ctx := context.Background()
	cfg, closeCfg, err := loadConfig(ctx, cli)
	if err != nil {
		return err
	}
	defer closeCfg()

	db, err := store.Open(ctx, &cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		return err
	}
	logger.GetLogger().Info("schema applied")
	return nil
}

// loadConfig loads the file when given, otherwise defaults, and returns
// a close func for the watcher.
func loadConfig(ctx context.Context, cli *CLI) (*config.Config, func(), error) {
	_ = config.LoadEnvFiles()
	if cli.Config == "" {
		cfg := &config.Config{}
		cfg.SetDefaults()
		if err := cfg.Validate(); err != nil {
			return nil, nil, err
		}
		return cfg, func() {}, nil
	}
	cfg, loader, err := config.LoadFile(ctx, cli.Config)
	if err != nil {
		return nil, nil, err
	}
	return cfg, func() { loader.Close() }, nil
}

func initLogging(cli *CLI, cfg *config.Config) (func(), error) {
	levelStr := cli.LogLevel
	if cfg.Logging.Level != "" && levelStr == "info" {
		levelStr = cfg.Logging.Level
	}
	level, err := logger.ParseLevel(levelStr)
	if err != nil {
		return nil, err
	}
	out := os.Stderr
	cleanup := func() {}
	path := cli.LogFile
	if path == "" {
		path = cfg.Logging.File
	}
	if path != "" {
		f, c, err := logger.OpenLogFile(path)
		if err != nil {
			return nil, err
		}
		out, cleanup = f, c
	}
	format := cli.LogFormat
	if cfg.Logging.Format != "" && format == "simple" {
		format = cfg.Logging.Format
	}
	logger.Init(level, out, format)
	return cleanup, nil
}

// signalContext cancels on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.GetLogger().Info("shutting down")
		cancel()
	}()
	return ctx, cancel
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("memoros"),
		kong.Description("memoros - multi-tenant memory server for AI agents"),
		kong.UsageOnError(),
		kong.Exit(func(code int) {
			// Kong exits 1 on a parse error; the ops contract is 2 for
			// bad arguments.
			if code == 1 {
				code = 2
			}
			os.Exit(code)
		}),
	)
	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
