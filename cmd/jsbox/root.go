package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	sandbox "github.com/inoerp/js-sandbox"
	"github.com/inoerp/js-sandbox/hostfunc"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "jsbox",
		Short: "Run JavaScript in an embedded sandbox",
		Long: `jsbox - load JavaScript into an embedded engine and call its functions.

Scripts are evaluated as classic scripts; files ending in .mjs, or any file
with --module, are bundled as ES modules with their imports. Settings are
read from JSBOX_* environment variables and can be overridden with flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().Duration("timeout", 0, "Per-call timeout (0 disables the watchdog)")
	root.PersistentFlags().Int("memory-mb", 0, "Engine memory limit in MB (0 keeps the engine default)")
	root.PersistentFlags().Bool("module", false, "Load the file as an ES module")
	root.PersistentFlags().String("kv", "", "Expose kvGet/kvSet/kvDelete backed by this buntdb file (:memory: for in-memory)")
	root.PersistentFlags().String("sqlite", "", "Expose sqlSelect over this SQLite database")
	root.PersistentFlags().String("log-level", "warn", "Log level: debug, info, warn, error")
	root.PersistentFlags().Bool("quiet", false, "Do not print captured console output")

	root.AddCommand(newRunCmd(), newCallCmd())
	return root
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) sandbox.Config {
	cfg := sandbox.LoadConfigOrDefault()
	flags := cmd.Flags()
	if flags.Changed("timeout") {
		cfg.Timeout, _ = flags.GetDuration("timeout")
	}
	if flags.Changed("memory-mb") {
		cfg.MemoryLimitMB, _ = flags.GetInt("memory-mb")
	}
	if flags.Changed("log-level") || os.Getenv(sandbox.EnvPrefix+"_LOG_LEVEL") == "" {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	return cfg
}

// openSession creates a session for the script at path with the natives
// selected by flags. The returned cleanup closes the session and any
// stores it opened.
func openSession(cmd *cobra.Command, path string) (*sandbox.Session, func(), error) {
	cfg := loadConfig(cmd)
	logger, err := cfg.NewLogger()
	if err != nil {
		return nil, nil, fmt.Errorf("building logger: %w", err)
	}

	var closers []io.Closer
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
		_ = logger.Sync()
	}

	opts := []sandbox.Option{
		sandbox.WithConfig(cfg),
		sandbox.WithLogger(logger),
		sandbox.WithNativeFunction(hostfunc.Default(cmd.ErrOrStderr())),
	}

	if kvPath, _ := cmd.Flags().GetString("kv"); kvPath != "" {
		kv, err := hostfunc.OpenKV(kvPath)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		closers = append(closers, kv)
		for _, fn := range kv.Functions() {
			opts = append(opts, sandbox.WithNativeFunction(fn))
		}
	}

	if dbPath, _ := cmd.Flags().GetString("sqlite"); dbPath != "" {
		db, err := hostfunc.OpenSQLite(dbPath)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		closers = append(closers, db)
		opts = append(opts, sandbox.WithNativeFunction(hostfunc.SQLSelect(db)))
	}

	module, _ := cmd.Flags().GetBool("module")
	module = module || strings.EqualFold(filepath.Ext(path), ".mjs")

	var s *sandbox.Session
	if module {
		s, err = sandbox.New(opts...)
		if err == nil {
			if err = s.LoadModule(path); err != nil {
				_ = s.Close()
			}
		}
	} else {
		s, err = sandbox.FromFile(path, opts...)
	}
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	logger.Debug("script loaded", zap.String("path", path), zap.Bool("module", module))

	closers = append(closers, s)
	return s, cleanup, nil
}

func printLogs(cmd *cobra.Command, s *sandbox.Session) {
	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		return
	}
	for _, e := range s.DrainLogs() {
		fmt.Fprintf(cmd.ErrOrStderr(), "[%s] %s\n", e.Level, e.Message)
	}
}
