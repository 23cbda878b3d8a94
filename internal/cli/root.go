// Package cli wires the root command and global flags.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opf/opcli/internal/appctx"
	"github.com/opf/opcli/internal/commands"
	"github.com/opf/opcli/internal/config"
	"github.com/opf/opcli/internal/output"
	"github.com/opf/opcli/internal/version"
)

// NewRootCmd creates the root cobra command.
func NewRootCmd() *cobra.Command {
	var flags appctx.GlobalFlags

	cmd := &cobra.Command{
		Use:           "opcli",
		Short:         "Command-line client for OpenProject",
		Long:          "opcli is a CLI tool for interacting with projects, work packages, and notifications.",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Skip setup for help and version commands
			if cmd.Name() == "help" || cmd.Name() == "version" {
				return nil
			}

			cfg, err := config.Load(config.FlagOverrides{
				BaseURL: flags.BaseURL,
				Format:  flags.Format,
			})
			if err != nil {
				return err
			}

			app := appctx.NewApp(cfg)
			app.Flags = flags
			app.ApplyFlags()

			cmd.SetContext(appctx.WithApp(cmd.Context(), app))
			return nil
		},
	}

	cmd.Flags().SetInterspersed(true)
	cmd.PersistentFlags().SetInterspersed(true)

	cmd.PersistentFlags().BoolVarP(&flags.JSON, "json", "j", false, "Output as JSON envelope")
	cmd.PersistentFlags().BoolVarP(&flags.Quiet, "quiet", "q", false, "Output data only, no envelope")
	cmd.PersistentFlags().CountVarP(&flags.Verbose, "verbose", "v", "Verbose output")
	cmd.PersistentFlags().StringVar(&flags.BaseURL, "base-url", "", "Server base URL")
	cmd.PersistentFlags().StringVar(&flags.Format, "format", "", "Output format: json or quiet")

	return cmd
}

// Execute runs the root command.
func Execute() {
	cmd := NewRootCmd()

	cmd.AddCommand(
		commands.NewAuthCmd(),
		commands.NewWhoamiCmd(),
		commands.NewProjectsCmd(),
		commands.NewWorkPackagesCmd(),
		commands.NewNotificationsCmd(),
		commands.NewAPICmd(),
	)

	if err := cmd.Execute(); err != nil {
		e := output.AsError(err)
		fmt.Fprintf(os.Stderr, "Error: %s\n", e.Message)
		if e.Hint != "" {
			fmt.Fprintf(os.Stderr, "Hint: %s\n", e.Hint)
		}
		os.Exit(e.ExitCode())
	}
}
