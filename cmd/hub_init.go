package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/accordhq/accord/internal/config"
	"github.com/accordhq/accord/internal/hub"
)

var initCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Create a hub directory skeleton",
	Long: `Create the hub directory tree (inboxes, archive, history, directives,
contracts, registry) and a starter config.yaml. Safe to run on an
existing hub: present files are left alone.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(_ *cobra.Command, args []string) error {
	root := hubRoot()
	if len(args) == 1 {
		root = hub.Resolve(args[0])
	}

	dirs := []string{
		hub.InboxDir(root, hub.OrchestratorService),
		hub.ArchiveDir(root),
		hub.HistoryDir(root),
		hub.SessionsDir(root),
		hub.DirectivesDir(root),
		filepath.Join(hub.ContractsDir(root), "internal"),
		filepath.Join(root, "registry"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	if _, err := os.Stat(hub.ConfigFile(root)); os.IsNotExist(err) {
		if err := config.WriteDefaultConfig(root); err != nil {
			return err
		}
		fmt.Printf("Created %s; edit it to declare your services.\n", hub.ConfigFile(root))
	} else {
		fmt.Printf("Config already present at %s\n", hub.ConfigFile(root))
	}
	fmt.Printf("Hub initialized at %s\n", root)
	return nil
}
