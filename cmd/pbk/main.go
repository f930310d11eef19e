// Package main implements pbk, the command-line interface to a local
// playbook: reflecting on sessions, curating deltas, recording feedback
// and querying what gets served.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/playbookd/internal/config"
	"github.com/fyrsmithlabs/playbookd/internal/engine"
	"github.com/fyrsmithlabs/playbookd/internal/logging"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// app carries the persistent flags and the lazily opened engine.
type app struct {
	configPath string
	dir        string
	logLevel   string
	jsonOut    bool

	opts   []engine.Option
	logger *zap.Logger
	engine *engine.Engine
}

func newRootCmd(opts ...engine.Option) *cobra.Command {
	a := &app{opts: opts}
	root := &cobra.Command{
		Use:   "pbk",
		Short: "Curate a playbook of rules learned from coding sessions",
		Long: `pbk maintains a playbook: rules and anti-patterns distilled from past
work sessions, scored by decayed helpful/harmful feedback, deduplicated
and promoted or retired as evidence arrives.

Configuration is read from ~/.config/playbookd/config.yaml and PLAYBOOK_*
environment variables.`,
		Version:       version,
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "config file (default ~/.config/playbookd/config.yaml)")
	pf.StringVar(&a.dir, "dir", "", "playbook directory (overrides store.dir)")
	pf.StringVar(&a.logLevel, "log-level", "warn", "log level: trace, debug, info, warn, error")
	pf.BoolVar(&a.jsonOut, "json", false, "print machine-readable JSON")

	root.AddCommand(
		newInitCmd(a),
		newReflectCmd(a),
		newCurateCmd(a),
		newMarkCmd(a),
		newForgetCmd(a),
		newInvertCmd(a),
		newValidateCmd(a),
		newContextCmd(a),
		newStatsCmd(a),
		newIndexCmd(a),
		newLogCmd(a),
	)
	return root
}

// withEngine opens the engine, runs fn and closes the engine again.
func (a *app) withEngine(fn func(*engine.Engine) error) error {
	eng, err := a.open()
	if err != nil {
		return err
	}
	runErr := fn(eng)
	if err := a.close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// open loads configuration and opens the engine.
func (a *app) open() (*engine.Engine, error) {
	if a.engine != nil {
		return a.engine, nil
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, err
	}
	if a.dir != "" {
		defaultHistory := filepath.Join(cfg.Store.Dir, "history")
		cfg.Store.Dir = a.dir
		if cfg.History.Path == defaultHistory {
			cfg.History.Path = filepath.Join(a.dir, "history")
		}
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	a.logger = logger

	opts := append([]engine.Option{engine.WithLogger(logger)}, a.opts...)
	eng, err := engine.Open(cfg, opts...)
	if err != nil {
		return nil, err
	}
	a.engine = eng
	return eng, nil
}

func (a *app) close() error {
	var err error
	if a.engine != nil {
		err = a.engine.Close()
		a.engine = nil
	}
	if a.logger != nil {
		_ = logging.Sync(a.logger)
		a.logger = nil
	}
	return err
}

// print writes v as indented JSON with --json, otherwise calls human.
func (a *app) print(cmd *cobra.Command, v any, human func(w io.Writer)) error {
	if a.jsonOut {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	human(cmd.OutOrStdout())
	return nil
}

// readInput reads a file, or stdin for "-".
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("failed to read from stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", path, err)
	}
	return data, nil
}

func ctx(cmd *cobra.Command) context.Context {
	if c := cmd.Context(); c != nil {
		return c
	}
	return context.Background()
}
