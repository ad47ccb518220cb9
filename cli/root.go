// Package cli wraps the backup/recovery/job-orchestration core in a
// cobra+viper command tree. No HTTP server is started here (out of scope);
// commands call directly into the backup, pitr, dr, and scheduler
// packages. Grounded on the teacher's cli/root.go cobra wiring and
// exit-code contract (0-5), generalized from the teacher's infra/deploy
// command domain to job submission/query/cancel and backup/restore/
// recover invocation.
package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cncaiprojem/freecad-core/config"
)

// Exit codes per spec §6's environment/startup-validation contract.
const (
	ExitOK             = 0
	ExitGeneralError   = 1
	ExitUsageError     = 2
	ExitConfigError    = 3
	ExitAuthOrLockError = 4
	ExitConnectivityError = 5
)

var (
	cfgPrefix string
	logger    = logrus.New()
)

// RootCmd is the top-level command. Subcommands attach themselves via
// init() in their own files, matching the teacher's one-file-per-command
// layout.
var RootCmd = &cobra.Command{
	Use:   "freecad-core",
	Short: "Backup, recovery, and job-orchestration core",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		viper.SetEnvPrefix(cfgPrefix)
		viper.AutomaticEnv()

		if viper.GetString("log_format") == "json" {
			logger.SetFormatter(&logrus.JSONFormatter{})
		}
		return nil
	},
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgPrefix, "env-prefix", "FREECAD_CORE", "environment variable prefix")
}

// Execute runs the command tree and returns the process exit code,
// translating cobra/command errors into the contract's 0-5 range.
func Execute() int {
	if err := RootCmd.Execute(); err != nil {
		logger.WithError(err).Error("command failed")
		return codeForError(err)
	}
	return ExitOK
}

func codeForError(err error) int {
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	return ExitGeneralError
}

// exitError pairs an error with the specific exit code it should produce.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func withExitCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

func loadConfig() (*config.Config, error) {
	cfg := config.Load(cfgPrefix)
	if err := cfg.Validate(); err != nil {
		return nil, withExitCode(ExitConfigError, err)
	}
	return cfg, nil
}

func fail(code int, format string, args ...interface{}) error {
	return withExitCode(code, fmt.Errorf(format, args...))
}

// ctxWithSignals isn't needed at this scope (cobra handles interrupt via
// its own context since v1.8), so commands use context.Background()
// directly with any request-specific timeout applied at the call site.
func rootContext() context.Context {
	return context.Background()
}
