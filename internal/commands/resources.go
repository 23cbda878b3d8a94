package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opf/opcli/internal/appctx"
	"github.com/opf/opcli/internal/output"
)

// NewWhoamiCmd creates the whoami command.
func NewWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the authenticated user",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			if app == nil {
				return fmt.Errorf("app not initialized")
			}

			profile, err := app.API.Me(cmd.Context())
			if err != nil {
				return err
			}
			return app.OK(profile)
		},
	}
}

// NewProjectsCmd creates the projects command.
func NewProjectsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "projects",
		Short: "List visible projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			if app == nil {
				return fmt.Errorf("app not initialized")
			}

			projects, err := app.API.Projects(cmd.Context())
			if err != nil {
				return err
			}
			summary := fmt.Sprintf("%d projects", len(projects))
			return app.OK(projects, output.WithSummary(summary))
		},
	}
}

// NewWorkPackagesCmd creates the workpackages command.
func NewWorkPackagesCmd() *cobra.Command {
	var project string

	cmd := &cobra.Command{
		Use:     "workpackages",
		Aliases: []string{"wp"},
		Short:   "List work packages",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			if app == nil {
				return fmt.Errorf("app not initialized")
			}

			wps, err := app.API.WorkPackages(cmd.Context(), project)
			if err != nil {
				return err
			}
			summary := fmt.Sprintf("%d work packages", len(wps))
			return app.OK(wps, output.WithSummary(summary))
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "", "Project ID or identifier")

	return cmd
}

// NewNotificationsCmd creates the notifications command.
func NewNotificationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "notifications",
		Short: "List notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			if app == nil {
				return fmt.Errorf("app not initialized")
			}

			notifications, err := app.API.Notifications(cmd.Context())
			if err != nil {
				return err
			}
			summary := fmt.Sprintf("%d notifications", len(notifications))
			return app.OK(notifications, output.WithSummary(summary))
		},
	}
}
