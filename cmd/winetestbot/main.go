// Command winetestbot is the single binary for every core component (§6):
// the engine supervisor, the VLW/TW subprocess actions ED re-execs, the
// periodic winetest-update trigger, and the janitor. Grounded on the
// teacher's cmd/warren single-binary-many-subcommands layout (one root
// cobra.Command, flat per-concern files in the same package).
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fgouget/wine-tools-sub001/internal/wtlog"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// exitError carries the specific process exit code §6 assigns: 1 internal
// failure, 2 usage error, 3 fatal environment error. A RunE that returns a
// plain error gets the default 1.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func usageError(err error) error       { return &exitError{code: 2, err: err} }
func environmentError(err error) error { return &exitError{code: 3, err: err} }

var configFile string

var rootCmd = &cobra.Command{
	Use:     "winetestbot",
	Short:   "winetestbot is the Wine CI scheduler: engine, lifecycle workers, trigger and janitor",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("winetestbot version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to the config file (TOML/YAML)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(engineCmd)
	rootCmd.AddCommand(libvirtToolCmd)
	rootCmd.AddCommand(taskWorkerCmd)
	rootCmd.AddCommand(checkForWinetestUpdateCmd)
	rootCmd.AddCommand(janitorCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	wtlog.Init(wtlog.Config{
		Level:      wtlog.Level(level),
		JSONOutput: jsonOut,
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "winetestbot: %v\n", err)
		code := 1
		var ee *exitError
		if errors.As(err, &ee) {
			code = ee.code
		}
		os.Exit(code)
	}
}
