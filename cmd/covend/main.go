// @title           Coven Daemon API
// @version         1.0.0
// @description     API for the Coven daemon that orchestrates AI agents and workflows
// @termsOfService  http://swagger.io/terms/
// @contact.name    API Support
// @license.name    MIT
// @host            localhost
// @schemes         http
// @BasePath        /
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/coven/daemon/internal/config"
	"github.com/coven/daemon/internal/daemon"
	"github.com/coven/daemon/internal/defaults"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var workspace string

	root := &cobra.Command{
		Use:           "covend",
		Short:         "covend orchestrates AI coding agents over a git workspace",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&workspace, "workspace", "", "Path to workspace directory")

	root.AddCommand(newRunCmd(&workspace))
	root.AddCommand(newInitCmd(&workspace))
	root.AddCommand(newVersionCmd())

	return root
}

func newRunCmd(workspace *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the covend daemon and block until shutdown",
		RunE: func(cmd *cobra.Command, args []string) error {
			if *workspace == "" {
				return fmt.Errorf("--workspace is required")
			}

			d, err := daemon.New(*workspace, version)
			if err != nil {
				return err
			}

			return d.Run(cmd.Context())
		},
	}
}

func newInitCmd(workspace *string) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize .coven in the workspace without starting the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if *workspace == "" {
				return fmt.Errorf("--workspace is required")
			}

			covenDir := filepath.Join(*workspace, ".coven")
			if err := os.MkdirAll(covenDir, 0755); err != nil {
				return fmt.Errorf("failed to create .coven directory: %w", err)
			}

			result, err := defaults.Initialize(covenDir)
			if err != nil {
				return fmt.Errorf("failed to initialize defaults: %w", err)
			}

			cfg := config.DefaultConfig()
			if err := cfg.Save(covenDir); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}

			fmt.Printf("Initialized %s\n", covenDir)
			fmt.Printf("  spells: %d copied, %d skipped\n", len(result.SpellsCopied), len(result.SpellsSkipped))
			fmt.Printf("  grimoires: %d copied, %d skipped\n", len(result.GrimoiresCopied), len(result.GrimoiresSkipped))
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the covend version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("covend version %s\n", version)
			return nil
		},
	}
}
