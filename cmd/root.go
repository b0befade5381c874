// Package cmd wires the accord CLI: the long-running daemon plus
// one-shot hub management commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/accordhq/accord/internal/hub"
	"github.com/accordhq/accord/internal/log"
)

var (
	version   = "dev"
	hubFlag   string
	debugFlag bool
)

var rootCmd = &cobra.Command{
	Use:   "accord",
	Short: "File-based coordination hub for AI agents",
	Long: `Accord coordinates multiple AI agents through a shared git-backed hub
directory. Requests are Markdown files with YAML frontmatter; the daemon
scans inboxes, dispatches work to agent sessions under per-service
concurrency limits, and advances multi-request directives through their
phase machine.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&hubFlag, "hub", "",
		"path to the hub directory (default: current directory, preferring .accord)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"enable debug logging (also ACCORD_DEBUG=1)")
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	_ = viper.BindEnv("debug", "ACCORD_DEBUG")
}

// hubRoot resolves the hub directory from the --hub flag or cwd.
func hubRoot() string {
	path := hubFlag
	if path == "" {
		path, _ = os.Getwd()
	}
	return hub.Resolve(path)
}

// initLogging enables the debug log when requested. Returns a cleanup
// function; logging stays off otherwise.
func initLogging(name string) (func(), error) {
	if !viper.GetBool("debug") {
		return func() {}, nil
	}
	logPath := os.Getenv("ACCORD_LOG")
	if logPath == "" {
		logPath = "accord-debug.log"
	}
	cleanup, err := log.Init(logPath)
	if err != nil {
		return nil, fmt.Errorf("initializing logging: %w", err)
	}
	log.Info(log.CatConfig, name+" starting", "debug", true, "logPath", logPath)
	return cleanup, nil
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
