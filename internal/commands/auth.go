// Package commands implements the CLI commands.
package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/opf/opcli/internal/appctx"
	"github.com/opf/opcli/internal/auth"
	"github.com/opf/opcli/internal/config"
)

// NewAuthCmd creates the auth command group.
func NewAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage authentication",
		Long:  "Manage authentication including login, logout, and status.",
	}

	cmd.AddCommand(
		newAuthLoginCmd(),
		newAuthLogoutCmd(),
		newAuthStatusCmd(),
		newAuthRefreshCmd(),
		newAuthTokenCmd(),
	)

	return cmd
}

func newAuthLoginCmd() *cobra.Command {
	var scope string
	var noBrowser bool

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate with the server",
		Long:  "Start the OAuth flow to authenticate with the configured server.",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			if app == nil {
				return fmt.Errorf("app not initialized")
			}

			fmt.Println("Starting authentication...")

			if err := app.Auth.Login(cmd.Context(), auth.LoginOptions{
				Scope:     scope,
				NoBrowser: noBrowser,
				Logger:    func(msg string) { fmt.Println(msg) },
			}); err != nil {
				return err
			}

			fmt.Println("\nAuthentication successful!")
			if user := app.Session.CurrentUser(); user != nil {
				fmt.Printf("Logged in as: %s\n", user.Name)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&scope, "scope", "", "OAuth scope (default from config)")
	cmd.Flags().BoolVar(&noBrowser, "no-browser", false, "Don't open browser automatically")

	return cmd
}

func newAuthLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove stored credentials",
		Long:  "Clear the session and remove stored credentials for the current origin.",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			if app == nil {
				return fmt.Errorf("app not initialized")
			}

			if err := app.Auth.Logout(); err != nil {
				return err
			}

			return app.OK(map[string]string{
				"status": "logged_out",
			})
		},
	}
}

func newAuthStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show authentication status",
		Long:  "Display the current authentication status and token information.",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			if app == nil {
				return fmt.Errorf("app not initialized")
			}

			origin := config.NormalizeBaseURL(app.Config.BaseURL)

			if envToken := os.Getenv("OPCLI_TOKEN"); envToken != "" {
				return app.OK(map[string]any{
					"authenticated": true,
					"origin":        origin,
					"source":        "OPCLI_TOKEN",
				})
			}

			snap := app.Session.Snapshot()
			if !snap.IsAuthenticated {
				return app.OK(map[string]any{
					"authenticated": false,
					"origin":        origin,
					"state":         string(app.Session.State()),
				})
			}

			status := map[string]any{
				"authenticated": true,
				"origin":        origin,
				"source":        "oauth",
				"state":         string(app.Session.State()),
			}
			if snap.CurrentUser != nil {
				status["user"] = snap.CurrentUser.Name
			}
			if !snap.TokenExpiration.IsZero() {
				expiresIn := time.Until(snap.TokenExpiration)
				status["expires_in"] = expiresIn.Round(time.Second).String()
				status["expired"] = expiresIn <= 0
			}

			return app.OK(status)
		},
	}
}

func newAuthRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Refresh the access token",
		Long:  "Force a refresh of the OAuth access token.",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			if app == nil {
				return fmt.Errorf("app not initialized")
			}

			if err := app.Auth.Refresh(cmd.Context()); err != nil {
				return err
			}

			return app.OK(map[string]string{
				"status": "refreshed",
			})
		},
	}
}

func newAuthTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Print the auth token",
		Long: `Print the current access token to stdout for use with other tools.

If OPCLI_TOKEN is set, it is returned directly (no refresh). Otherwise the
stored OAuth credentials are used and auto-refreshed if near expiry.

Examples:
  export OPCLI_TOKEN=$(opcli auth token)
  curl -H "Authorization: Bearer $(opcli auth token)" ...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			if app == nil {
				return fmt.Errorf("app not initialized")
			}

			token, err := app.Auth.AccessToken(cmd.Context())
			if err != nil {
				return err
			}

			if app.Flags.JSON {
				return app.OK(map[string]string{"token": token})
			}

			// Raw output for shell substitution
			fmt.Println(token)
			return nil
		},
	}
}
